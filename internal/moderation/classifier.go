// Package moderation implements the three-level safety pipeline: message
// classification, the visibility gate, and flagged-message responses.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wemind/wemind/internal/provider"
)

// Severity levels.
const (
	LevelSafe       = 1 // fine to show
	LevelConcerning = 2 // shown, but logged for review
	LevelDangerous  = 3 // suppressed, intervention and escalation
)

// Recognized categories. Anything else normalizes to CategoryOther.
const (
	CategorySelfHarm   = "self-harm"
	CategoryHate       = "hate"
	CategoryHarassment = "harassment"
	CategoryOther      = "other"
)

// Result is the classification of one message.
type Result struct {
	Level     int    `json:"level"`
	Category  string `json:"category"`
	Rationale string `json:"rationale"`
	Raw       string `json:"-"`
}

const classifierSystemPrompt = `You are a safety reviewer for a peer-support mental health chat.
Classify the newest message given the recent conversation.

Severity levels:
1 = safe: ordinary conversation, venting, mild distress
2 = concerning: signs of crisis, hostility, or risk that a counselor should see, but not an emergency
3 = dangerous: explicit self-harm or suicide intent, credible threats, targeted hate or harassment

Categories: self-harm, hate, harassment, other

Respond with ONLY a JSON object, no prose:
{"level": <1|2|3>, "category": "<category>", "rationale": "<one short sentence>"}`

// Classifier assigns severity levels to messages using a chat model.
type Classifier struct {
	llm   provider.LLMProvider
	model string
}

// NewClassifier creates a Classifier. model may be empty to use the
// provider's default.
func NewClassifier(llm provider.LLMProvider, model string) *Classifier {
	return &Classifier{llm: llm, model: model}
}

// Classify rates a message. Recent holds prior group messages, oldest first.
// A transport failure returns an error; a malformed model reply degrades to
// a safe level-1 result rather than blocking the message pipeline.
func (c *Classifier) Classify(ctx context.Context, content string, recent []string) (*Result, error) {
	var sb strings.Builder
	if len(recent) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, m := range recent {
			sb.WriteString("- ")
			sb.WriteString(m)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Newest message:\n")
	sb.WriteString(content)

	resp, err := c.llm.Chat(ctx, &provider.ChatRequest{
		Model: c.model,
		Messages: []provider.Message{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("classify message: %w", err)
	}

	return parseResult(resp.Content), nil
}

// parseResult extracts the JSON verdict from a model reply. Models sometimes
// wrap the object in code fences or prose, so we take the first {...} span.
func parseResult(raw string) *Result {
	fallback := &Result{Level: LevelSafe, Category: CategoryOther, Raw: raw}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fallback
	}

	var parsed struct {
		Level     int    `json:"level"`
		Category  string `json:"category"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return fallback
	}

	level := parsed.Level
	if level < LevelSafe {
		level = LevelSafe
	}
	if level > LevelDangerous {
		level = LevelDangerous
	}

	return &Result{
		Level:     level,
		Category:  normalizeCategory(parsed.Category),
		Rationale: EnforceNoDiagnosis(strings.TrimSpace(parsed.Rationale)),
		Raw:       raw,
	}
}

func normalizeCategory(cat string) string {
	switch strings.ToLower(strings.TrimSpace(cat)) {
	case CategorySelfHarm, "self_harm", "selfharm", "suicide":
		return CategorySelfHarm
	case CategoryHate, "hate speech", "hate_speech":
		return CategoryHate
	case CategoryHarassment, "bullying":
		return CategoryHarassment
	default:
		return CategoryOther
	}
}
