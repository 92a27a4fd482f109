package summary

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/wemind/wemind/internal/config"
	"github.com/wemind/wemind/internal/provider"
	"github.com/wemind/wemind/internal/secrets"
	"github.com/wemind/wemind/internal/store"
)

type stubLLM struct {
	reply string
	calls int
	last  *provider.ChatRequest
}

func (s *stubLLM) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.calls++
	s.last = req
	return &provider.ChatResponse{Content: s.reply}, nil
}

func (s *stubLLM) DefaultModel() string { return "stub-model" }

func newTestWorker(t *testing.T, llm *stubLLM) (*Worker, *store.Store, *secrets.Cipher) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "summary.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return NewWorker(st, cipher, llm, config.DefaultConfig(), slog.New(slog.DiscardHandler)), st, cipher
}

func seedMessage(t *testing.T, st *store.Store, cipher *secrets.Cipher, groupID, senderID, content string, at time.Time, isBot bool) {
	t.Helper()
	sealed, err := cipher.Encrypt(content)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	msg := &store.Message{
		ID:        senderID + "-" + at.Format(time.RFC3339Nano),
		GroupID:   groupID,
		SenderID:  senderID,
		Content:   sealed,
		IsBot:     isBot,
		Visible:   true,
		CreatedAt: at,
	}
	if err := st.InsertMessage(msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}
}

func TestRunOnceStoresEncryptedRecapPerSender(t *testing.T) {
	llm := &stubLLM{reply: `{"summary": "You opened up about work stress and got support.", "mood": "Hopeful"}`}
	w, st, cipher := newTestWorker(t, llm)

	for _, u := range []string{"alice", "bob"} {
		if err := st.CreateUser(&store.User{ID: u, Name: u, Role: store.RoleMember}); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	g := &store.Group{ID: "g1", Name: "Circle", Kind: store.GroupKindPeer, MaxSize: 10, CreatedBy: "alice"}
	if err := st.CreateGroup(g); err != nil {
		t.Fatalf("create group: %v", err)
	}

	now := time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC)
	yesterday := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	seedMessage(t, st, cipher, "g1", "alice", "work has been crushing me", yesterday, false)
	seedMessage(t, st, cipher, "g1", "alice", "thanks, that helps", yesterday.Add(time.Hour), false)
	seedMessage(t, st, cipher, "g1", "bob", "hang in there", yesterday.Add(30*time.Minute), false)
	seedMessage(t, st, cipher, "g1", "", "I hear how heavy that feels.", yesterday.Add(time.Minute), true)
	seedMessage(t, st, cipher, "g1", "alice", "today is a new day", now.Add(-time.Hour), false)

	w.RunOnce(context.Background(), now)

	if llm.calls != 2 {
		t.Fatalf("expected one recap call per sender, got %d", llm.calls)
	}

	rec, err := st.GetDailySummary("alice", "g1", "2026-08-30")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if rec.Summary == "You opened up about work stress and got support." {
		t.Fatal("summary stored in plaintext")
	}
	if rec.Mood != "hopeful" {
		t.Fatalf("mood not normalized: %q", rec.Mood)
	}

	fetched, err := w.Fetch("alice", "g1", "2026-08-30")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fetched.Summary != "You opened up about work stress and got support." {
		t.Fatalf("unexpected decrypted summary: %q", fetched.Summary)
	}

	if _, err := st.GetDailySummary("alice", "g1", "2026-08-31"); err != store.ErrNotFound {
		t.Fatalf("messages from today must not be summarized yet, got %v", err)
	}
}

func TestRunOnceSkipsBotTraffic(t *testing.T) {
	llm := &stubLLM{reply: `{"summary": "s", "mood": "calm"}`}
	w, st, cipher := newTestWorker(t, llm)

	if err := st.CreateUser(&store.User{ID: "alice", Name: "alice", Role: store.RoleMember}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	g := &store.Group{ID: "g1", Name: "Circle", Kind: store.GroupKindAIPair, MaxSize: 1, CreatedBy: "alice"}
	if err := st.CreateGroup(g); err != nil {
		t.Fatalf("create group: %v", err)
	}

	now := time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC)
	seedMessage(t, st, cipher, "g1", "", "How was your day?", now.Add(-20*time.Hour), true)

	w.RunOnce(context.Background(), now)

	if llm.calls != 0 {
		t.Fatalf("bot-only traffic should produce no recaps, got %d calls", llm.calls)
	}
}

func TestRunOnceIsIdempotent(t *testing.T) {
	llm := &stubLLM{reply: `{"summary": "first", "mood": "ok"}`}
	w, st, cipher := newTestWorker(t, llm)

	if err := st.CreateUser(&store.User{ID: "alice", Name: "alice", Role: store.RoleMember}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	g := &store.Group{ID: "g1", Name: "Circle", Kind: store.GroupKindPeer, MaxSize: 10, CreatedBy: "alice"}
	if err := st.CreateGroup(g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	now := time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC)
	seedMessage(t, st, cipher, "g1", "alice", "rough night", now.Add(-10*time.Hour), false)

	w.RunOnce(context.Background(), now)
	llm.reply = `{"summary": "second", "mood": "better"}`
	w.RunOnce(context.Background(), now)

	fetched, err := w.Fetch("alice", "g1", "2026-08-30")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fetched.Summary != "second" || fetched.Mood != "better" {
		t.Fatalf("rerun should overwrite, got %+v", fetched)
	}
}

func TestParseRecapFallsBackToWholeReply(t *testing.T) {
	summaryText, mood, err := parseRecap("You had a quiet day.")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if summaryText != "You had a quiet day." || mood != "" {
		t.Fatalf("unexpected fallback: %q %q", summaryText, mood)
	}

	summaryText, mood, err = parseRecap("```json\n{\"summary\": \"s\", \"mood\": \"Calm\"}\n```")
	if err != nil {
		t.Fatalf("parse fenced: %v", err)
	}
	if summaryText != "s" || mood != "calm" {
		t.Fatalf("unexpected fenced parse: %q %q", summaryText, mood)
	}
}
