// Package grouping implements questionnaire embedding and similarity-based
// group assignment.
package grouping

import (
	"encoding/json"
	"strings"
)

// Questions excluded from the embedded text when DropSensitive is on.
// Demographic answers would otherwise dominate the similarity signal.
var sensitiveQuestions = map[string]bool{
	"Age Group": true,
	"Gender":    true,
}

// Weights emphasize the questions that matter most for matching. Lines for
// questions at or above 1.35 appear twice in the rendered text so the
// embedding leans toward them.
var questionWeights = map[string]float64{
	"What are you mainly looking for here?":                        1.4,
	"What are you currently struggling with the most?":             1.6,
	"What kind of group atmosphere feels most comfortable to you?": 1.3,
	"How do you prefer to communicate?":                            1.2,
}

// PlaceholderText is embedded when a questionnaire has no usable answers.
const PlaceholderText = "no questionnaire content provided"

// Questionnaire is the stored intake payload.
type Questionnaire struct {
	Content struct {
		Mood []QuestionnaireItem `json:"mood"`
	} `json:"content"`
}

// QuestionnaireItem is one question/answer pair. Answer may be a string or a
// list of strings.
type QuestionnaireItem struct {
	Question string `json:"question"`
	Answer   any    `json:"answer"`
}

// RenderQuestionnaire converts stored questionnaire JSON into the text that
// gets embedded. Sensitive questions are dropped, weighted questions are
// repeated, empty questionnaires render as a fixed placeholder.
func RenderQuestionnaire(answersJSON string, dropSensitive bool) string {
	var q Questionnaire
	if err := json.Unmarshal([]byte(answersJSON), &q); err != nil {
		return PlaceholderText
	}

	var lines []string
	for _, item := range q.Content.Mood {
		question := strings.TrimSpace(item.Question)
		answer := normalizeAnswer(item.Answer)
		if question == "" || answer == "" {
			continue
		}
		if dropSensitive && sensitiveQuestions[question] {
			continue
		}
		line := question + ": " + answer
		// Heavily weighted questions appear twice in the rendered text;
		// light weights keep a single occurrence.
		occurrences := 1
		if questionWeights[question] >= 1.35 {
			occurrences = 2
		}
		for i := 0; i < occurrences; i++ {
			lines = append(lines, line)
		}
	}

	txt := strings.TrimSpace(strings.Join(lines, "\n"))
	if txt == "" {
		return PlaceholderText
	}
	return txt
}

func normalizeAnswer(ans any) string {
	switch v := ans.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []any:
		var parts []string
		for _, x := range v {
			if x == nil {
				continue
			}
			if s, ok := x.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
