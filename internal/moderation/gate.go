package moderation

// Decision is what happens to a classified message. Level 1 broadcasts, level
// 2 broadcasts but is recorded for counselor review, level 3 is suppressed
// with an AI intervention and a counselor escalation.
type Decision struct {
	Visible   bool
	Audit     bool
	Intervene bool
	Escalate  bool
}

// Gate maps a severity level to its decision. Pure and deterministic.
func Gate(level int) Decision {
	switch {
	case level <= LevelSafe:
		return Decision{Visible: true}
	case level == LevelConcerning:
		return Decision{Visible: true, Audit: true}
	default:
		return Decision{Audit: true, Intervene: true, Escalate: true}
	}
}
