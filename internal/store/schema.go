// Package store implements SQLite persistence for users, groups, messages,
// and moderation records.
package store

import (
	"time"
)

// User roles.
const (
	RoleMember    = "member"
	RoleCounselor = "counselor"
	RoleOperator  = "operator"
	RoleBot       = "bot"
)

// Group kinds.
const (
	GroupKindPeer      = "peer"
	GroupKindCounselor = "counselor"
	GroupKindAIPair    = "ai_pair"
)

// User represents a platform account.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Group represents a chat group. Emptied groups are deactivated, never
// deleted.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	MaxSize   int       `json:"max_size"`
	Active    bool      `json:"active"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupProfile holds the matching state of a peer group: the centroid of its
// members' questionnaire embeddings, the member count that centroid reflects,
// and the running average of admission similarities.
type GroupProfile struct {
	GroupID       string    `json:"group_id"`
	Centroid      []float32 `json:"-"`
	MemberCount   int       `json:"member_count"`
	AvgSimilarity float64   `json:"avg_similarity"`
	Model         string    `json:"model,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Membership links a user to a group.
type Membership struct {
	GroupID  string    `json:"group_id"`
	UserID   string    `json:"user_id"`
	Active   bool      `json:"active"`
	JoinedAt time.Time `json:"joined_at"`
}

// Message represents one chat message. Content is stored encrypted; Seq is
// the monotonic per-database ordering used for delivery.
type Message struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	IsBot     bool      `json:"is_bot"`
	Visible   bool      `json:"visible"`
	CreatedAt time.Time `json:"created_at"`
}

// ModerationRecord stores the safety classification of one message.
type ModerationRecord struct {
	ID            int64     `json:"id"`
	MessageID     string    `json:"message_id"`
	Level         int       `json:"level"`
	Category      string    `json:"category"`
	Rationale     string    `json:"rationale,omitempty"`
	PendingReview bool      `json:"pending_review"`
	CreatedAt     time.Time `json:"created_at"`
}

// Notice is a mailbox entry for a user, e.g. a counselor escalation alert.
type Notice struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Notice kinds.
const (
	NoticeKindEscalation = "escalation"
	NoticeKindSystem     = "system"
)

// DailySummary is a per-user, per-group digest of one day's conversation.
type DailySummary struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	GroupID   string    `json:"group_id"`
	Day       string    `json:"day"` // YYYY-MM-DD
	Summary   string    `json:"summary"`
	Mood      string    `json:"mood,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chat_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'peer',
	max_size INTEGER NOT NULL DEFAULT 10,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_by TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS memberships (
	group_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 1,
	joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (group_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id);

CREATE TABLE IF NOT EXISTS group_profiles (
	group_id TEXT PRIMARY KEY,
	centroid BLOB,
	member_count INTEGER NOT NULL DEFAULT 0,
	avg_similarity REAL NOT NULL DEFAULT 0,
	model TEXT DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_embeddings (
	user_id TEXT PRIMARY KEY,
	embedding BLOB NOT NULL,
	model TEXT DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_questionnaires (
	user_id TEXT PRIMARY KEY,
	answers TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_counselors (
	user_id TEXT PRIMARY KEY,
	counselor_id TEXT NOT NULL,
	assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	group_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	is_bot BOOLEAN NOT NULL DEFAULT 0,
	is_visible BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);

CREATE TABLE IF NOT EXISTS moderation_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	level INTEGER NOT NULL,
	category TEXT NOT NULL DEFAULT 'other',
	rationale TEXT DEFAULT '',
	pending_review BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_moderation_message ON moderation_records(message_id);
CREATE INDEX IF NOT EXISTS idx_moderation_level ON moderation_records(level);

CREATE TABLE IF NOT EXISTS notices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'system',
	body TEXT NOT NULL,
	read BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_notices_user ON notices(user_id, read);

CREATE TABLE IF NOT EXISTS daily_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	day TEXT NOT NULL,
	summary TEXT NOT NULL,
	mood TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, group_id, day)
);
`
