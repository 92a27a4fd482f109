package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wemind/wemind/internal/config"
	"github.com/wemind/wemind/internal/provider"
	"github.com/wemind/wemind/internal/secrets"
	"github.com/wemind/wemind/internal/store"
)

const summarySystemPrompt = `You write short wellbeing recaps for a peer-support chat participant.
Given everything one participant wrote in their group yesterday, return strict JSON:
{"summary": "<2-3 sentences, warm and factual, second person>", "mood": "<one word>"}
Return only the JSON object.`

// Worker produces one recap per active participant per group per day.
type Worker struct {
	store    *store.Store
	cipher   *secrets.Cipher
	llm      provider.LLMProvider
	cfg      *config.Config
	interval time.Duration
	log      *slog.Logger
}

func NewWorker(st *store.Store, cipher *secrets.Cipher, llm provider.LLMProvider, cfg *config.Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.Summary.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Worker{
		store:    st,
		cipher:   cipher,
		llm:      llm,
		cfg:      cfg,
		interval: interval,
		log:      log,
	}
}

// Run starts the recap loop. Blocks until context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("summary worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("summary worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx, time.Now().UTC())
		}
	}
}

// RunOnce summarizes the full day preceding now for every group member who
// wrote anything. Already summarized days are recomputed and overwritten,
// which keeps the operation safe to re-run.
func (w *Worker) RunOnce(ctx context.Context, now time.Time) {
	dayEnd := now.Truncate(24 * time.Hour)
	dayStart := dayEnd.Add(-24 * time.Hour)
	day := dayStart.Format("2006-01-02")

	groupIDs, err := w.store.ListGroupIDs()
	if err != nil {
		w.log.Error("summary pass aborted", "error", err)
		return
	}
	for _, groupID := range groupIDs {
		if err := w.summarizeGroup(ctx, groupID, day, dayStart, dayEnd); err != nil {
			w.log.Error("group recap failed", "group", groupID, "day", day, "error", err)
		}
	}
}

func (w *Worker) summarizeGroup(ctx context.Context, groupID, day string, from, to time.Time) error {
	msgs, err := w.store.MessagesBetween(groupID, from, to)
	if err != nil {
		return err
	}
	bySender := make(map[string][]string)
	for _, m := range msgs {
		plain, err := w.cipher.Decrypt(m.Content)
		if err != nil {
			continue
		}
		bySender[m.SenderID] = append(bySender[m.SenderID], plain)
	}

	for userID, lines := range bySender {
		summaryText, mood, err := w.recap(ctx, lines)
		if err != nil {
			w.log.Error("recap generation failed", "group", groupID, "user", userID, "error", err)
			continue
		}
		sealed, err := w.cipher.Encrypt(summaryText)
		if err != nil {
			return err
		}
		rec := &store.DailySummary{
			UserID:  userID,
			GroupID: groupID,
			Day:     day,
			Summary: sealed,
			Mood:    mood,
		}
		if err := w.store.UpsertDailySummary(rec); err != nil {
			return err
		}
		w.log.Info("daily recap stored", "group", groupID, "user", userID, "day", day, "mood", mood)
	}
	return nil
}

func (w *Worker) recap(ctx context.Context, lines []string) (string, string, error) {
	var b strings.Builder
	b.WriteString("Messages written yesterday:\n")
	for _, line := range lines {
		fmt.Fprintf(&b, "- %s\n", line)
	}

	resp, err := w.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: b.String()},
		},
		Model:       w.cfg.Model.Name,
		MaxTokens:   w.cfg.Model.MaxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return "", "", err
	}
	return parseRecap(resp.Content)
}

// parseRecap tolerates fenced or prefixed model output. A reply with no JSON
// object is kept whole as the summary.
func parseRecap(raw string) (string, string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return strings.TrimSpace(raw), "", nil
	}
	var out struct {
		Summary string `json:"summary"`
		Mood    string `json:"mood"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return strings.TrimSpace(raw), "", nil
	}
	if out.Summary == "" {
		out.Summary = strings.TrimSpace(raw)
	}
	return out.Summary, strings.ToLower(strings.TrimSpace(out.Mood)), nil
}

// Fetch returns a stored recap decrypted for its owner.
func (w *Worker) Fetch(userID, groupID, day string) (*store.DailySummary, error) {
	rec, err := w.store.GetDailySummary(userID, groupID, day)
	if err != nil {
		return nil, err
	}
	plain, err := w.cipher.Decrypt(rec.Summary)
	if err != nil {
		return nil, err
	}
	rec.Summary = plain
	return rec, nil
}
