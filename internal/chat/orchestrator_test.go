package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wemind/wemind/internal/config"
	"github.com/wemind/wemind/internal/grouping"
	"github.com/wemind/wemind/internal/hub"
	"github.com/wemind/wemind/internal/moderation"
	"github.com/wemind/wemind/internal/provider"
	"github.com/wemind/wemind/internal/secrets"
	"github.com/wemind/wemind/internal/store"
)

type stubClassifier struct {
	level    int
	category string
	err      error
}

func (s *stubClassifier) Classify(ctx context.Context, content string, recent []string) (*moderation.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &moderation.Result{Level: s.level, Category: s.category, Rationale: "stub"}, nil
}

type stubResponder struct {
	opening string
}

func (s *stubResponder) Intervene(ctx context.Context, category, message string, recent []string) (string, error) {
	return s.opening, nil
}

type stubAssigner struct {
	assignment *grouping.Assignment
}

func (s *stubAssigner) Assign(ctx context.Context, userID string) (*grouping.Assignment, error) {
	return s.assignment, nil
}

type recordingHub struct {
	mu         sync.Mutex
	broadcasts []*hub.Event
	direct     map[string][]*hub.Event
}

func newRecordingHub() *recordingHub {
	return &recordingHub{direct: make(map[string][]*hub.Event)}
}

func (h *recordingHub) Broadcast(groupID string, e *hub.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, e)
}

func (h *recordingHub) Send(userID string, e *hub.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.direct[userID] = append(h.direct[userID], e)
}

func (h *recordingHub) broadcastCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.broadcasts)
}

func (h *recordingHub) directTo(userID string) []*hub.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*hub.Event(nil), h.direct[userID]...)
}

func (h *recordingHub) allBroadcasts() []*hub.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*hub.Event(nil), h.broadcasts...)
}

type stubChat struct {
	reply string
	err   error
}

func (s *stubChat) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &provider.ChatResponse{Content: s.reply}, nil
}

func (s *stubChat) DefaultModel() string { return "stub-model" }

type fixture struct {
	orch       *Orchestrator
	store      *store.Store
	cipher     *secrets.Cipher
	hub        *recordingHub
	classifier *stubClassifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
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

	cfg := config.DefaultConfig()
	h := newRecordingHub()
	cls := &stubClassifier{level: moderation.LevelSafe, category: moderation.CategoryOther}
	orch := New(
		st, cipher, cls,
		&stubResponder{opening: "I'm here with you."},
		&stubAssigner{},
		h, nil, nil,
		&stubChat{reply: "That sounds really hard, thank you for sharing it."},
		cfg, slog.New(slog.DiscardHandler),
	)
	return &fixture{orch: orch, store: st, cipher: cipher, hub: h, classifier: cls}
}

func (f *fixture) seedGroup(t *testing.T, kind string, userIDs ...string) string {
	t.Helper()
	for _, id := range userIDs {
		if err := f.store.CreateUser(&store.User{ID: id, Name: id, Role: store.RoleMember}); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	g := &store.Group{ID: "g-" + kind, Name: "Test", Kind: kind, MaxSize: 10, CreatedBy: userIDs[0]}
	if err := f.store.CreateGroup(g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, id := range userIDs {
		if err := f.store.AddMember(g.ID, id); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
	return g.ID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPostMessageRejectsNonMember(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindPeer, "alice")
	if err := f.store.CreateUser(&store.User{ID: "mallory", Name: "mallory", Role: store.RoleMember}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	_, err := f.orch.PostMessage(context.Background(), "mallory", groupID, "hi")
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestPostMessageSafeIsBroadcastAndStoredEncrypted(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindPeer, "alice", "bob")

	res, err := f.orch.PostMessage(context.Background(), "alice", groupID, "today was okay")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !res.Delivered || res.Held {
		t.Fatalf("expected delivered result, got %+v", res)
	}
	if f.hub.broadcastCount() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", f.hub.broadcastCount())
	}
	payload := f.hub.broadcasts[0].Message.(*MessagePayload)
	if payload.Content != "today was okay" {
		t.Fatalf("broadcast carries plaintext, got %q", payload.Content)
	}

	msgs, err := f.store.RecentMessages(groupID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
	if msgs[0].Content == "today was okay" {
		t.Fatal("message stored in plaintext")
	}
	if plain, err := f.cipher.Decrypt(msgs[0].Content); err != nil || plain != "today was okay" {
		t.Fatalf("decrypt round trip failed: %q %v", plain, err)
	}
}

func TestPostMessageConcerningStaysVisible(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindPeer, "alice", "bob")
	f.classifier.level = moderation.LevelConcerning
	f.classifier.category = moderation.CategoryHarassment

	res, err := f.orch.PostMessage(context.Background(), "alice", groupID, "you people never listen")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !res.Delivered {
		t.Fatal("concerning messages should still be delivered")
	}
	if f.hub.broadcastCount() != 1 {
		t.Fatalf("expected broadcast, got %d", f.hub.broadcastCount())
	}
}

func TestPostMessageDangerousIsSuppressed(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindPeer, "alice", "bob", "carol")
	if err := f.store.CreateUser(&store.User{ID: "dr-lee", Name: "dr-lee", Role: store.RoleCounselor}); err != nil {
		t.Fatalf("create counselor: %v", err)
	}
	if err := f.store.AssignCounselor("alice", "dr-lee"); err != nil {
		t.Fatalf("assign counselor: %v", err)
	}
	f.classifier.level = moderation.LevelDangerous
	f.classifier.category = moderation.CategorySelfHarm

	res, err := f.orch.PostMessage(context.Background(), "alice", groupID, "I want to disappear for good")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.Delivered {
		t.Fatal("dangerous message must not be delivered")
	}
	if res.Intervention != "I'm here with you." {
		t.Fatalf("unexpected intervention: %q", res.Intervention)
	}
	if f.hub.broadcastCount() != 0 {
		t.Fatalf("suppressed message must not broadcast, got %d", f.hub.broadcastCount())
	}
	if got := f.hub.directTo("alice"); len(got) != 1 || got[0].Type != hub.EventNotice {
		t.Fatalf("author should receive one intervention notice, got %v", got)
	}

	// Others must not see it, the author still sees their own message.
	others, err := f.orch.History(context.Background(), "bob", groupID, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(others) != 0 {
		t.Fatalf("suppressed message leaked to group, got %d", len(others))
	}
	own, err := f.orch.History(context.Background(), "alice", groupID, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(own) != 1 {
		t.Fatalf("author should see own message, got %d", len(own))
	}

	waitFor(t, "counselor notice", func() bool {
		notices, err := f.store.ListNotices("dr-lee", true)
		return err == nil && len(notices) == 1
	})
	notices, _ := f.store.ListNotices("dr-lee", true)
	if !strings.Contains(notices[0].Body, "I want to disappear for good") {
		t.Fatalf("escalation body missing verbatim message: %q", notices[0].Body)
	}
	if notices[0].Kind != store.NoticeKindEscalation {
		t.Fatalf("unexpected notice kind %q", notices[0].Kind)
	}
}

func TestPostMessageHeldWhenClassifierUnavailable(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindPeer, "alice", "bob")
	f.classifier.err = errors.New("upstream timeout")

	res, err := f.orch.PostMessage(context.Background(), "alice", groupID, "anyone around?")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.Delivered || !res.Held {
		t.Fatalf("expected held result, got %+v", res)
	}
	if res.Intervention == "" {
		t.Fatal("held result should carry a notice for the author")
	}
	if f.hub.broadcastCount() != 0 {
		t.Fatal("held message must not broadcast")
	}

	history, err := f.orch.History(context.Background(), "bob", groupID, 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatal("held message visible to group")
	}
}

func TestCompanionRepliesInPairGroup(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindAIPair, "alice")

	if _, err := f.orch.PostMessage(context.Background(), "alice", groupID, "I had a rough day"); err != nil {
		t.Fatalf("post: %v", err)
	}

	waitFor(t, "companion reply", func() bool {
		msgs, err := f.store.RecentMessages(groupID, 10)
		return err == nil && len(msgs) == 2 && msgs[1].IsBot
	})
	msgs, _ := f.store.RecentMessages(groupID, 10)
	plain, err := f.cipher.Decrypt(msgs[1].Content)
	if err != nil {
		t.Fatalf("decrypt bot message: %v", err)
	}
	if plain != "That sounds really hard, thank you for sharing it." {
		t.Fatalf("unexpected companion reply: %q", plain)
	}
	if !msgs[1].Visible {
		t.Fatal("companion messages should be visible")
	}
	waitFor(t, "companion broadcast", func() bool { return f.hub.broadcastCount() == 2 })
}

func TestCompanionSkipsPeerStatements(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindPeer, "alice", "bob")

	if _, err := f.orch.PostMessage(context.Background(), "alice", groupID, "just checking in"); err != nil {
		t.Fatalf("post: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	msgs, err := f.store.RecentMessages(groupID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("statement in peer group should not get a companion reply, got %d messages", len(msgs))
	}
}

func TestCompanionAnswersPeerQuestions(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindPeer, "alice", "bob")

	if _, err := f.orch.PostMessage(context.Background(), "alice", groupID, "does anyone else feel this way?"); err != nil {
		t.Fatalf("post: %v", err)
	}

	waitFor(t, "companion reply", func() bool {
		msgs, err := f.store.RecentMessages(groupID, 10)
		return err == nil && len(msgs) == 2 && msgs[1].IsBot
	})
}

func TestCreateCounselorGroupRequiresRole(t *testing.T) {
	f := newFixture(t)
	if err := f.store.CreateUser(&store.User{ID: "alice", Name: "alice", Role: store.RoleMember}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	_, err := f.orch.CreateCounselorGroup(context.Background(), "alice", "Evening Circle", nil)
	if !errors.Is(err, ErrNotACounselor) {
		t.Fatalf("expected ErrNotACounselor, got %v", err)
	}
}

func TestCreateCounselorGroupAddsMembers(t *testing.T) {
	f := newFixture(t)
	for _, u := range []*store.User{
		{ID: "dr-lee", Name: "dr-lee", Role: store.RoleCounselor},
		{ID: "alice", Name: "alice", Role: store.RoleMember},
		{ID: "bob", Name: "bob", Role: store.RoleMember},
	} {
		if err := f.store.CreateUser(u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}

	g, err := f.orch.CreateCounselorGroup(context.Background(), "dr-lee", "Evening Circle", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if g.Kind != store.GroupKindCounselor {
		t.Fatalf("unexpected kind %q", g.Kind)
	}
	for _, id := range []string{"dr-lee", "alice", "bob"} {
		ok, err := f.store.IsActiveMember(g.ID, id)
		if err != nil || !ok {
			t.Fatalf("%s should be an active member: %v", id, err)
		}
	}
}

func TestCreateAIPairIsSingleSeat(t *testing.T) {
	f := newFixture(t)
	if err := f.store.CreateUser(&store.User{ID: "alice", Name: "alice", Role: store.RoleMember}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	g, err := f.orch.CreateAIPair(context.Background(), "alice")
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}
	if g.Kind != store.GroupKindAIPair || g.MaxSize != 1 {
		t.Fatalf("unexpected pair group %+v", g)
	}
	if err := f.store.AddMember(g.ID, "alice"); err != nil {
		t.Fatalf("re-adding the owner should be idempotent: %v", err)
	}
	if err := f.store.CreateUser(&store.User{ID: "bob", Name: "bob", Role: store.RoleMember}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := f.store.AddMember(g.ID, "bob"); !errors.Is(err, store.ErrGroupFull) {
		t.Fatalf("expected ErrGroupFull, got %v", err)
	}
}

func TestLeaveGroupDeactivatesWhenEmptied(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindPeer, "alice", "bob")

	if err := f.orch.LeaveGroup(context.Background(), "alice", groupID); err != nil {
		t.Fatalf("alice leave: %v", err)
	}
	g, err := f.store.GetGroup(groupID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if !g.Active {
		t.Fatal("group should stay active while bob remains")
	}
	if _, err := f.orch.PostMessage(context.Background(), "alice", groupID, "hi"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember after leaving, got %v", err)
	}

	if err := f.orch.LeaveGroup(context.Background(), "bob", groupID); err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	g, err = f.store.GetGroup(groupID)
	if err != nil {
		t.Fatalf("get group after emptying: %v", err)
	}
	if g.Active {
		t.Fatal("emptied group should be deactivated")
	}

	if err := f.orch.LeaveGroup(context.Background(), "bob", groupID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound leaving twice, got %v", err)
	}
}

func TestPostMessageBroadcastsInPersistedOrder(t *testing.T) {
	f := newFixture(t)
	groupID := f.seedGroup(t, store.GroupKindPeer, "alice", "bob")

	const posts = 25
	var wg sync.WaitGroup
	for i := 0; i < posts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.orch.PostMessage(context.Background(), "alice", groupID, fmt.Sprintf("note %d", i)); err != nil {
				t.Errorf("post %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	events := f.hub.allBroadcasts()
	if len(events) != posts {
		t.Fatalf("expected %d broadcasts, got %d", posts, len(events))
	}
	var last int64
	for i, e := range events {
		p := e.Message.(*MessagePayload)
		if p.Seq <= last {
			t.Fatalf("broadcast %d out of order: seq %d after %d", i, p.Seq, last)
		}
		last = p.Seq
	}
}
