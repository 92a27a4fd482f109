package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wemind/wemind/internal/audit"
	"github.com/wemind/wemind/internal/config"
	"github.com/wemind/wemind/internal/grouping"
	"github.com/wemind/wemind/internal/hub"
	"github.com/wemind/wemind/internal/moderation"
	"github.com/wemind/wemind/internal/notify"
	"github.com/wemind/wemind/internal/provider"
	"github.com/wemind/wemind/internal/secrets"
	"github.com/wemind/wemind/internal/store"
)

var (
	ErrNotAMember    = errors.New("user is not an active member of this group")
	ErrNotACounselor = errors.New("user is not a counselor")
)

// BotDisplayName is shown as the sender of companion messages.
const BotDisplayName = "WeMind AI"

const heldForReviewText = "Your message is being held for a quick safety review and will appear once it clears."

const companionSystemPrompt = `You are a warm, supportive peer-support companion in a mental health group chat.
Listen first, validate feelings, and respond in a gentle conversational tone.
Keep replies short, at most three sentences.
Never diagnose anyone, never prescribe medication or treatment, and never claim to be a therapist.
If someone seems to be in crisis, encourage them to reach out to a counselor or local emergency services.`

// Classifier rates one message against recent group context.
type Classifier interface {
	Classify(ctx context.Context, content string, recent []string) (*moderation.Result, error)
}

// Responder produces the supportive opening shown instead of a suppressed message.
type Responder interface {
	Intervene(ctx context.Context, category, message string, recent []string) (string, error)
}

// Broadcaster fans events out to connected group members.
type Broadcaster interface {
	Broadcast(groupID string, e *hub.Event)
	Send(userID string, e *hub.Event)
}

// Assigner places a user into the best matching peer group.
type Assigner interface {
	Assign(ctx context.Context, userID string) (*grouping.Assignment, error)
}

// MessagePayload is the wire shape of a chat message pushed over the hub
// and returned from history reads. Content is plaintext.
type MessagePayload struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	IsBot      bool      `json:"is_bot"`
	CreatedAt  time.Time `json:"created_at"`
}

// PostResult reports what happened to a posted message.
type PostResult struct {
	MessageID    string `json:"message_id"`
	Seq          int64  `json:"seq"`
	Delivered    bool   `json:"delivered"`
	Held         bool   `json:"held,omitempty"`
	Intervention string `json:"intervention,omitempty"`
	Category     string `json:"category,omitempty"`
}

// Orchestrator runs the message pipeline: context, classification, gating,
// persistence, fan-out, companion replies and escalation.
type Orchestrator struct {
	store      *store.Store
	cipher     *secrets.Cipher
	classifier Classifier
	responder  Responder
	assigner   Assigner
	hub        Broadcaster
	audit      *audit.Producer
	notifier   *notify.Notifier
	llm        provider.LLMProvider
	cfg        *config.Config
	log        *slog.Logger

	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

func New(
	st *store.Store,
	cipher *secrets.Cipher,
	classifier Classifier,
	responder Responder,
	assigner Assigner,
	broadcaster Broadcaster,
	producer *audit.Producer,
	notifier *notify.Notifier,
	llm provider.LLMProvider,
	cfg *config.Config,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:      st,
		cipher:     cipher,
		classifier: classifier,
		responder:  responder,
		assigner:   assigner,
		hub:        broadcaster,
		audit:      producer,
		notifier:   notifier,
		llm:        llm,
		cfg:        cfg,
		log:        log,
		groupLocks: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) groupLock(groupID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.groupLocks[groupID]
	if !ok {
		l = &sync.Mutex{}
		o.groupLocks[groupID] = l
	}
	return l
}

// publish persists a message and, when visible, broadcasts it. Both happen
// under the group's lock so connected members observe messages in persisted
// order even when posts race.
func (o *Orchestrator) publish(groupID, senderID, content string, isBot, visible bool) (*store.Message, error) {
	lock := o.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := o.persistMessage(groupID, senderID, content, isBot, visible)
	if err != nil {
		return nil, err
	}
	if visible {
		o.hub.Broadcast(groupID, &hub.Event{
			Type:    hub.EventMessage,
			GroupID: groupID,
			Message: o.payloadFor(msg, content),
		})
	}
	return msg, nil
}

// PostMessage classifies, persists and routes one member message.
func (o *Orchestrator) PostMessage(ctx context.Context, userID, groupID, content string) (*PostResult, error) {
	ok, err := o.store.IsActiveMember(groupID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAMember
	}

	recent, err := o.recentPlaintext(groupID, o.cfg.Moderation.ContextWindow)
	if err != nil {
		return nil, err
	}

	verdict, clsErr := o.classifier.Classify(ctx, content, recent)
	if clsErr != nil {
		// Fail closed: hold the message for human review rather than
		// letting an unclassified message through.
		o.log.Error("classifier unavailable, holding message", "group", groupID, "error", clsErr)
		msg, err := o.publish(groupID, userID, content, false, false)
		if err != nil {
			return nil, err
		}
		rec := &store.ModerationRecord{
			MessageID:     msg.ID,
			Level:         moderation.LevelDangerous,
			Category:      moderation.CategoryOther,
			Rationale:     "classifier unavailable",
			PendingReview: true,
		}
		if err := o.store.AddModerationRecord(rec); err != nil {
			o.log.Error("failed to record pending review", "message", msg.ID, "error", err)
		}
		return &PostResult{MessageID: msg.ID, Seq: msg.Seq, Held: true, Intervention: heldForReviewText}, nil
	}

	decision := moderation.Gate(verdict.Level)

	msg, err := o.publish(groupID, userID, content, false, decision.Visible)
	if err != nil {
		return nil, err
	}
	rec := &store.ModerationRecord{
		MessageID: msg.ID,
		Level:     verdict.Level,
		Category:  verdict.Category,
		Rationale: verdict.Rationale,
	}
	if err := o.store.AddModerationRecord(rec); err != nil {
		o.log.Error("failed to record moderation verdict", "message", msg.ID, "error", err)
	}
	if decision.Audit {
		o.audit.Publish(ctx, &audit.ModerationEvent{
			MessageID: msg.ID,
			GroupID:   groupID,
			UserID:    userID,
			Level:     verdict.Level,
			Category:  verdict.Category,
			Rationale: verdict.Rationale,
			Timestamp: time.Now().UTC(),
		})
	}

	result := &PostResult{MessageID: msg.ID, Seq: msg.Seq, Category: verdict.Category}

	if decision.Visible {
		result.Delivered = true
		go o.maybeReply(groupID, userID, content)
		return result, nil
	}

	// Suppressed: only the author learns anything, via a supportive opening.
	opening, err := o.responder.Intervene(ctx, verdict.Category, content, recent)
	if err != nil {
		o.log.Error("intervention generation failed", "message", msg.ID, "error", err)
		opening = "I hear you, and what you're carrying sounds heavy. A counselor has been looped in so you don't have to hold this alone."
	}
	result.Intervention = opening
	o.hub.Send(userID, &hub.Event{
		Type:    hub.EventNotice,
		GroupID: groupID,
		Notice:  map[string]string{"kind": "intervention", "body": opening},
	})
	if decision.Escalate {
		go o.escalate(userID, groupID, verdict, content)
	}
	return result, nil
}

// AssignGroup places the user into a peer group via similarity matching.
func (o *Orchestrator) AssignGroup(ctx context.Context, userID string) (*grouping.Assignment, error) {
	return o.assigner.Assign(ctx, userID)
}

// CreateCounselorGroup lets a counselor assemble a group by hand.
func (o *Orchestrator) CreateCounselorGroup(ctx context.Context, counselorID, name string, memberIDs []string) (*store.Group, error) {
	counselor, err := o.store.GetUser(counselorID)
	if err != nil {
		return nil, err
	}
	if counselor.Role != store.RoleCounselor {
		return nil, ErrNotACounselor
	}
	g := &store.Group{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      store.GroupKindCounselor,
		MaxSize:   o.cfg.Grouping.MaxGroupSize,
		CreatedBy: counselorID,
	}
	if err := o.store.CreateGroup(g); err != nil {
		return nil, err
	}
	if err := o.store.AddMember(g.ID, counselorID); err != nil {
		return nil, err
	}
	for _, id := range memberIDs {
		if err := o.store.AddMember(g.ID, id); err != nil {
			return nil, fmt.Errorf("adding member %s: %w", id, err)
		}
	}
	go func() {
		n, err := o.store.RebuildProfile(g.ID)
		if err != nil {
			o.log.Error("profile rebuild failed", "group", g.ID, "error", err)
			return
		}
		o.log.Info("group profile rebuilt", "group", g.ID, "embedded_members", n)
	}()
	return g, nil
}

// CreateAIPair opens a private one-on-one room with the companion.
func (o *Orchestrator) CreateAIPair(ctx context.Context, userID string) (*store.Group, error) {
	if _, err := o.store.GetUser(userID); err != nil {
		return nil, err
	}
	g := &store.Group{
		ID:        uuid.NewString(),
		Name:      "Companion Chat",
		Kind:      store.GroupKindAIPair,
		MaxSize:   1,
		CreatedBy: userID,
	}
	if err := o.store.CreateGroup(g); err != nil {
		return nil, err
	}
	if err := o.store.AddMember(g.ID, userID); err != nil {
		return nil, err
	}
	return g, nil
}

// AddGroupMember lets a counselor add a user to an existing group.
func (o *Orchestrator) AddGroupMember(ctx context.Context, counselorID, groupID, userID string) error {
	counselor, err := o.store.GetUser(counselorID)
	if err != nil {
		return err
	}
	if counselor.Role != store.RoleCounselor {
		return ErrNotACounselor
	}
	return o.store.AddMember(groupID, userID)
}

// LeaveGroup removes the user from a group. Peer group profiles are rebuilt
// from the remaining members so future assignments score against current
// membership.
func (o *Orchestrator) LeaveGroup(ctx context.Context, userID, groupID string) error {
	if err := o.store.RemoveMember(groupID, userID); err != nil {
		return err
	}
	g, err := o.store.GetGroup(groupID)
	if err != nil {
		return err
	}
	if g.Active && g.Kind == store.GroupKindPeer {
		go func() {
			n, err := o.store.RebuildProfile(groupID)
			if err != nil {
				o.log.Error("profile rebuild failed", "group", groupID, "error", err)
				return
			}
			o.log.Info("group profile rebuilt", "group", groupID, "embedded_members", n)
		}()
	}
	return nil
}

// History returns the messages the viewer is allowed to see, decrypted.
func (o *Orchestrator) History(ctx context.Context, userID, groupID string, limit int) ([]*MessagePayload, error) {
	ok, err := o.store.IsActiveMember(groupID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAMember
	}
	msgs, err := o.store.VisibleHistory(groupID, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		plain, err := o.cipher.Decrypt(m.Content)
		if err != nil {
			o.log.Warn("undecryptable message skipped", "message", m.ID, "error", err)
			continue
		}
		out = append(out, o.payloadFor(&m, plain))
	}
	return out, nil
}

func (o *Orchestrator) recentPlaintext(groupID string, n int) ([]string, error) {
	msgs, err := o.store.RecentMessages(groupID, n)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		plain, err := o.cipher.Decrypt(m.Content)
		if err != nil {
			continue
		}
		out = append(out, plain)
	}
	return out, nil
}

func (o *Orchestrator) persistMessage(groupID, senderID, content string, isBot, visible bool) (*store.Message, error) {
	sealed, err := o.cipher.Encrypt(content)
	if err != nil {
		return nil, err
	}
	msg := &store.Message{
		ID:       uuid.NewString(),
		GroupID:  groupID,
		SenderID: senderID,
		Content:  sealed,
		IsBot:    isBot,
		Visible:  visible,
	}
	if err := o.store.InsertMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (o *Orchestrator) payloadFor(m *store.Message, plaintext string) *MessagePayload {
	p := &MessagePayload{
		Seq:       m.Seq,
		ID:        m.ID,
		GroupID:   m.GroupID,
		SenderID:  m.SenderID,
		Content:   plaintext,
		IsBot:     m.IsBot,
		CreatedAt: m.CreatedAt,
	}
	if m.IsBot {
		p.SenderName = BotDisplayName
	}
	return p
}

// maybeReply posts a companion response when the group is a companion pair
// or the message reads like a question. Runs detached from the request.
func (o *Orchestrator) maybeReply(groupID, userID, content string) {
	g, err := o.store.GetGroup(groupID)
	if err != nil {
		o.log.Error("companion reply aborted", "group", groupID, "error", err)
		return
	}
	if g.Kind != store.GroupKindAIPair && !strings.Contains(content, "?") {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	history, err := o.companionHistory(groupID, o.cfg.Moderation.ContextWindow)
	if err != nil {
		o.log.Error("companion reply aborted", "group", groupID, "error", err)
		return
	}
	req := &provider.ChatRequest{
		Messages:    append([]provider.Message{{Role: "system", Content: companionSystemPrompt}}, history...),
		Model:       o.cfg.Model.Name,
		MaxTokens:   o.cfg.Model.MaxTokens,
		Temperature: o.cfg.Model.Temperature,
	}
	resp, err := o.llm.Chat(ctx, req)
	if err != nil {
		o.log.Error("companion reply failed", "group", groupID, "error", err)
		return
	}
	reply := moderation.EnforceNoDiagnosis(strings.TrimSpace(resp.Content))
	if reply == "" {
		return
	}

	// Companion messages skip classification and are always visible.
	if _, err := o.publish(groupID, "", reply, true, true); err != nil {
		o.log.Error("companion reply not persisted", "group", groupID, "error", err)
	}
}

// companionHistory renders recent traffic as alternating chat roles.
func (o *Orchestrator) companionHistory(groupID string, n int) ([]provider.Message, error) {
	msgs, err := o.store.RecentMessages(groupID, n)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		plain, err := o.cipher.Decrypt(m.Content)
		if err != nil {
			continue
		}
		role := "user"
		if m.IsBot {
			role = "assistant"
		}
		out = append(out, provider.Message{Role: role, Content: plain})
	}
	return out, nil
}

// escalate routes a dangerous message to the on-call counselor. Never blocks
// the posting request.
func (o *Orchestrator) escalate(userID, groupID string, verdict *moderation.Result, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body := moderation.EscalationBody(userID, groupID, verdict, content)

	counselorID, err := o.store.GetCounselor(userID)
	if err != nil {
		if errors.Is(err, store.ErrNoCounselor) {
			o.log.Warn("no counselor assigned, escalation sent to notifier only", "user", userID)
		} else {
			o.log.Error("counselor lookup failed", "group", groupID, "error", err)
		}
	} else {
		notice := &store.Notice{
			UserID: counselorID,
			Kind:   store.NoticeKindEscalation,
			Body:   body,
		}
		if err := o.store.AddNotice(notice); err != nil {
			o.log.Error("escalation notice not stored", "group", groupID, "error", err)
		}
		o.hub.Send(counselorID, &hub.Event{
			Type:    hub.EventNotice,
			GroupID: groupID,
			Notice:  notice,
		})
	}

	o.notifier.Escalate(ctx, counselorID, body)
	o.log.Info("escalation dispatched", "group", groupID, "user", userID, "category", verdict.Category)
}
