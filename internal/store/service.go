package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wemind/wemind/internal/vectors"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound    = errors.New("store: not found")
	ErrGroupFull   = errors.New("store: group is full")
	ErrNoCounselor = errors.New("store: no counselor assigned")
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for existing dbs (no-op if column exists).
	_, _ = db.Exec(`ALTER TABLE chat_groups ADD COLUMN created_by TEXT DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE chat_groups ADD COLUMN is_active BOOLEAN NOT NULL DEFAULT 1`)
	_, _ = db.Exec(`ALTER TABLE moderation_records ADD COLUMN pending_review BOOLEAN NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE daily_summaries ADD COLUMN mood TEXT DEFAULT ''`)

	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB for shared access.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) CreateUser(u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Role == "" {
		u.Role = RoleMember
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Role, u.CreatedAt,
	)
	return err
}

func (s *Store) GetUser(id string) (*User, error) {
	u := &User{}
	err := s.db.QueryRow(
		`SELECT id, name, role, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Groups and memberships
// ---------------------------------------------------------------------------

func (s *Store) CreateGroup(g *Group) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.Kind == "" {
		g.Kind = GroupKindPeer
	}
	g.Active = true
	_, err := s.db.Exec(
		`INSERT INTO chat_groups (id, name, kind, max_size, created_by, is_active, created_at) VALUES (?, ?, ?, ?, ?, 1, ?)`,
		g.ID, g.Name, g.Kind, g.MaxSize, g.CreatedBy, g.CreatedAt,
	)
	return err
}

func (s *Store) GetGroup(id string) (*Group, error) {
	g := &Group{}
	err := s.db.QueryRow(
		`SELECT id, name, kind, max_size, created_by, is_active, created_at FROM chat_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.Kind, &g.MaxSize, &g.CreatedBy, &g.Active, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Candidate pairs a peer group with its matching profile. Groups without a
// profile yet (no admissions) are excluded.
type Candidate struct {
	Group   Group
	Profile GroupProfile
}

// ListCandidates returns all peer groups with matching state, for the
// assigner to score against a user's embedding.
func (s *Store) ListCandidates() ([]Candidate, error) {
	rows, err := s.db.Query(`
		SELECT g.id, g.name, g.kind, g.max_size, g.created_by, g.created_at,
		       p.centroid, p.member_count, p.avg_similarity, p.model, p.updated_at
		FROM chat_groups g
		JOIN group_profiles p ON p.group_id = g.id
		WHERE g.kind = ? AND g.is_active = 1
		ORDER BY g.created_at`, GroupKindPeer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var blob []byte
		if err := rows.Scan(
			&c.Group.ID, &c.Group.Name, &c.Group.Kind, &c.Group.MaxSize, &c.Group.CreatedBy, &c.Group.CreatedAt,
			&blob, &c.Profile.MemberCount, &c.Profile.AvgSimilarity, &c.Profile.Model, &c.Profile.UpdatedAt,
		); err != nil {
			return nil, err
		}
		c.Group.Active = true
		c.Profile.GroupID = c.Group.ID
		c.Profile.Centroid = vectors.Decode(blob)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AdmitMember adds a user to a group and folds their embedding into the
// group's matching profile in one transaction. The first admission seeds the
// profile with the user's unit vector and an average similarity of 1.0.
// Returns the similarity between the user's vector and the updated centroid.
func (s *Store) AdmitMember(groupID, userID string, vec []float32) (float64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxSize int
	err = tx.QueryRow(`SELECT max_size FROM chat_groups WHERE id = ? AND is_active = 1`, groupID).Scan(&maxSize)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var active int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM memberships WHERE group_id = ? AND active = 1`, groupID,
	).Scan(&active); err != nil {
		return 0, err
	}
	if maxSize > 0 && active >= maxSize {
		return 0, ErrGroupFull
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		INSERT INTO memberships (group_id, user_id, active, joined_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET active = 1`,
		groupID, userID, now,
	); err != nil {
		return 0, err
	}

	var blob []byte
	var count int
	var avg float64
	err = tx.QueryRow(
		`SELECT centroid, member_count, avg_similarity FROM group_profiles WHERE group_id = ?`, groupID,
	).Scan(&blob, &count, &avg)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var sim float64
	var centroid []float32
	if errors.Is(err, sql.ErrNoRows) || count == 0 {
		centroid = vectors.Normalize(vec)
		count = 1
		avg = 1.0
		sim = 1.0
	} else {
		centroid = vectors.UpdateCentroid(vectors.Decode(blob), count, vec)
		sim = vectors.Dot(vectors.Normalize(vec), centroid)
		avg = (avg*float64(count) + sim) / float64(count+1)
		count++
	}

	if _, err := tx.Exec(`
		INSERT INTO group_profiles (group_id, centroid, member_count, avg_similarity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			centroid = excluded.centroid,
			member_count = excluded.member_count,
			avg_similarity = excluded.avg_similarity,
			updated_at = excluded.updated_at`,
		groupID, vectors.Encode(centroid), count, avg, now,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return sim, nil
}

// RebuildProfile recomputes a group's matching profile from the cached
// embeddings of its active members. Members without a cached embedding are
// skipped. Returns how many embeddings contributed.
func (s *Store) RebuildProfile(groupID string) (int, error) {
	rows, err := s.db.Query(`
		SELECT e.embedding FROM memberships m
		JOIN user_embeddings e ON e.user_id = m.user_id
		WHERE m.group_id = ? AND m.active = 1`, groupID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var units [][]float32
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return 0, err
		}
		units = append(units, vectors.Normalize(vectors.Decode(blob)))
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(units) == 0 {
		return 0, nil
	}

	mean := make([]float32, len(units[0]))
	for _, u := range units {
		for i := range mean {
			mean[i] += u[i]
		}
	}
	centroid := vectors.Normalize(mean)
	var avg float64
	for _, u := range units {
		avg += vectors.Dot(u, centroid)
	}
	avg /= float64(len(units))

	_, err = s.db.Exec(`
		INSERT INTO group_profiles (group_id, centroid, member_count, avg_similarity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			centroid = excluded.centroid,
			member_count = excluded.member_count,
			avg_similarity = excluded.avg_similarity,
			updated_at = excluded.updated_at`,
		groupID, vectors.Encode(centroid), len(units), avg, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return len(units), nil
}

// AddMember adds a user without touching the matching profile, for groups
// assembled by hand (counselor groups, AI companion pairs).
func (s *Store) AddMember(groupID, userID string) error {
	var maxSize int
	err := s.db.QueryRow(`SELECT max_size FROM chat_groups WHERE id = ? AND is_active = 1`, groupID).Scan(&maxSize)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var active int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM memberships WHERE group_id = ? AND active = 1 AND user_id != ?`,
		groupID, userID,
	).Scan(&active); err != nil {
		return err
	}
	if maxSize > 0 && active >= maxSize {
		return ErrGroupFull
	}
	_, err = s.db.Exec(`
		INSERT INTO memberships (group_id, user_id, active, joined_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET active = 1`,
		groupID, userID, time.Now().UTC(),
	)
	return err
}

// RemoveMember deactivates a membership. A group whose last active member
// leaves is deactivated as well, never deleted, so its history stays
// readable.
func (s *Store) RemoveMember(groupID, userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE memberships SET active = 0 WHERE group_id = ? AND user_id = ? AND active = 1`,
		groupID, userID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	var remaining int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM memberships WHERE group_id = ? AND active = 1`, groupID,
	).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := tx.Exec(`UPDATE chat_groups SET is_active = 0 WHERE id = ?`, groupID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) IsActiveMember(groupID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM memberships WHERE group_id = ? AND user_id = ? AND active = 1`,
		groupID, userID,
	).Scan(&n)
	return n > 0, err
}

func (s *Store) ListActiveMemberIDs(groupID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT user_id FROM memberships WHERE group_id = ? AND active = 1 ORDER BY joined_at`, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListMemberships(userID string) ([]Membership, error) {
	rows, err := s.db.Query(
		`SELECT group_id, user_id, active, joined_at FROM memberships WHERE user_id = ? ORDER BY joined_at`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Active, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetProfile(groupID string) (*GroupProfile, error) {
	p := &GroupProfile{GroupID: groupID}
	var blob []byte
	err := s.db.QueryRow(
		`SELECT centroid, member_count, avg_similarity, model, updated_at FROM group_profiles WHERE group_id = ?`,
		groupID,
	).Scan(&blob, &p.MemberCount, &p.AvgSimilarity, &p.Model, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Centroid = vectors.Decode(blob)
	return p, nil
}

// ---------------------------------------------------------------------------
// Questionnaires, embeddings, counselors
// ---------------------------------------------------------------------------

func (s *Store) SetAnswers(userID, answersJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_questionnaires (user_id, answers, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET answers = excluded.answers, updated_at = excluded.updated_at`,
		userID, answersJSON, time.Now().UTC(),
	)
	return err
}

func (s *Store) GetAnswers(userID string) (string, error) {
	var answers string
	err := s.db.QueryRow(
		`SELECT answers FROM user_questionnaires WHERE user_id = ?`, userID,
	).Scan(&answers)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return answers, err
}

func (s *Store) PutUserEmbedding(userID string, vec []float32, model string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_embeddings (user_id, embedding, model, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET embedding = excluded.embedding, model = excluded.model, updated_at = excluded.updated_at`,
		userID, vectors.Encode(vec), model, time.Now().UTC(),
	)
	return err
}

func (s *Store) GetUserEmbedding(userID string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow(
		`SELECT embedding FROM user_embeddings WHERE user_id = ?`, userID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return vectors.Decode(blob), nil
}

func (s *Store) AssignCounselor(userID, counselorID string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_counselors (user_id, counselor_id, assigned_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET counselor_id = excluded.counselor_id, assigned_at = excluded.assigned_at`,
		userID, counselorID, time.Now().UTC(),
	)
	return err
}

func (s *Store) GetCounselor(userID string) (string, error) {
	var counselorID string
	err := s.db.QueryRow(
		`SELECT counselor_id FROM user_counselors WHERE user_id = ?`, userID,
	).Scan(&counselorID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoCounselor
	}
	return counselorID, err
}

// ---------------------------------------------------------------------------
// Messages and moderation
// ---------------------------------------------------------------------------

// InsertMessage persists a message and fills in its Seq. Content is expected
// to be ciphertext.
func (s *Store) InsertMessage(m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (id, group_id, sender_id, content, is_bot, is_visible, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.SenderID, m.Content, m.IsBot, m.Visible, m.CreatedAt,
	)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.Seq = seq
	return nil
}

func (s *Store) AddModerationRecord(r *ModerationRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO moderation_records (message_id, level, category, rationale, pending_review, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.MessageID, r.Level, r.Category, r.Rationale, r.PendingReview, r.CreatedAt,
	)
	if err != nil {
		return err
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// RecentMessages returns the last limit visible messages of a group in
// chronological order, for classifier and companion context.
func (s *Store) RecentMessages(groupID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, group_id, sender_id, content, is_bot, is_visible, created_at
		FROM (
			SELECT * FROM messages WHERE group_id = ? AND is_visible = 1 ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		groupID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// VisibleHistory returns a group's messages in order, including the viewer's
// own suppressed messages so suppression stays invisible to the author.
func (s *Store) VisibleHistory(groupID, viewerID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, group_id, sender_id, content, is_bot, is_visible, created_at
		FROM (
			SELECT * FROM messages
			WHERE group_id = ? AND (is_visible = 1 OR sender_id = ?)
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		groupID, viewerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesBetween returns a group's non-bot user messages in a time range,
// used by the daily summarizer.
func (s *Store) MessagesBetween(groupID string, from, to time.Time) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, group_id, sender_id, content, is_bot, is_visible, created_at
		FROM messages
		WHERE group_id = ? AND is_bot = 0 AND created_at >= ? AND created_at < ?
		ORDER BY seq ASC`,
		groupID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.ID, &m.GroupID, &m.SenderID, &m.Content, &m.IsBot, &m.Visible, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListGroupIDs returns the ids of all groups, for background workers.
func (s *Store) ListGroupIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM chat_groups ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Notices
// ---------------------------------------------------------------------------

func (s *Store) AddNotice(n *Notice) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Kind == "" {
		n.Kind = NoticeKindSystem
	}
	res, err := s.db.Exec(`
		INSERT INTO notices (user_id, kind, body, read, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.UserID, n.Kind, n.Body, n.Read, n.CreatedAt,
	)
	if err != nil {
		return err
	}
	n.ID, _ = res.LastInsertId()
	return nil
}

// ListNotices returns a user's notices, newest first. With unreadOnly set,
// read notices are excluded.
func (s *Store) ListNotices(userID string, unreadOnly bool) ([]Notice, error) {
	query := `SELECT id, user_id, kind, body, read, created_at FROM notices WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notice
	for rows.Next() {
		var n Notice
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNoticeRead(id int64, userID string) error {
	res, err := s.db.Exec(`UPDATE notices SET read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Daily summaries
// ---------------------------------------------------------------------------

func (s *Store) UpsertDailySummary(d *DailySummary) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO daily_summaries (user_id, group_id, day, summary, mood, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, group_id, day) DO UPDATE SET
			summary = excluded.summary,
			mood = excluded.mood`,
		d.UserID, d.GroupID, d.Day, d.Summary, d.Mood, d.CreatedAt,
	)
	return err
}

func (s *Store) GetDailySummary(userID, groupID, day string) (*DailySummary, error) {
	d := &DailySummary{}
	err := s.db.QueryRow(`
		SELECT id, user_id, group_id, day, summary, mood, created_at
		FROM daily_summaries WHERE user_id = ? AND group_id = ? AND day = ?`,
		userID, groupID, day,
	).Scan(&d.ID, &d.UserID, &d.GroupID, &d.Day, &d.Summary, &d.Mood, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}
