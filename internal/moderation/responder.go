package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/wemind/wemind/internal/provider"
)

// Tone directives for the intervention message, per category.
var toneDirectives = map[string]string{
	CategorySelfHarm:   "Be gentle and direct. Acknowledge their pain, remind them they are not alone, and encourage reaching a crisis line or a trusted person right now.",
	CategoryHate:       "Stay calm and firm. Name that the group is a space of respect, without shaming the author, and redirect toward what they are feeling underneath.",
	CategoryHarassment: "De-escalate. Acknowledge frustration, set the boundary that members are not targets, and invite them to talk about what set this off.",
}

const genericDirective = "Respond with warmth and care, acknowledge the difficulty, and gently steer toward support."

const interventionSystemPrompt = `You are the supportive companion of a peer-support mental health chat.
A member's message was held back by safety review. Write a short private reply to that member.
%s
Rules:
- 1 to 2 sentences, warm and non-judgmental.
- Never repeat or quote the held message.
- Never diagnose. You are not a clinician.
- For any mention of self-harm, encourage immediate human help.`

// Responder writes the AI intervention shown to the author of a suppressed
// message.
type Responder struct {
	llm         provider.LLMProvider
	model       string
	maxTokens   int
	temperature float64
}

// NewResponder creates a Responder. model may be empty for the provider
// default.
func NewResponder(llm provider.LLMProvider, model string, maxTokens int, temperature float64) *Responder {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &Responder{llm: llm, model: model, maxTokens: maxTokens, temperature: temperature}
}

// Intervene produces the supportive opening line for a suppressed message.
// Recent holds prior group messages for tone, oldest first.
func (r *Responder) Intervene(ctx context.Context, category, message string, recent []string) (string, error) {
	directive, ok := toneDirectives[category]
	if !ok {
		directive = genericDirective
	}

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
	sb.WriteString("The held message:\n")
	sb.WriteString(message)

	resp, err := r.llm.Chat(ctx, &provider.ChatRequest{
		Model: r.model,
		Messages: []provider.Message{
			{Role: "system", Content: fmt.Sprintf(interventionSystemPrompt, directive)},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("generate intervention: %w", err)
	}
	return EnforceNoDiagnosis(strings.TrimSpace(resp.Content)), nil
}

// EscalationBody formats the counselor alert for a dangerous message. The
// original message is included verbatim so the counselor sees exactly what
// was suppressed.
func EscalationBody(userID, groupID string, res *Result, content string) string {
	return fmt.Sprintf(`🔴 CRITICAL SAFETY ALERT
Source: User %s (Group %s)
Category: %s (Level %d)
Rationale: %s

Original Hidden Message:
%q`,
		userID, groupID, res.Category, res.Level, res.Rationale, content)
}

var diagnosisPhrases = []string{
	"i diagnose you", "i can diagnose you",
	"you have depression", "you have anxiety",
	"you have bipolar", "you have ptsd",
	"this confirms you have", "it proves you have",
}

const diagnosisDisclaimer = "\n\nTo clarify: I cannot provide any diagnosis. " +
	"If you're concerned about specific conditions, " +
	"please talk with a licensed mental health professional."

// EnforceNoDiagnosis appends a disclaimer when a generated reply slips into
// diagnostic language.
func EnforceNoDiagnosis(text string) string {
	lowered := strings.ToLower(text)
	for _, p := range diagnosisPhrases {
		if strings.Contains(lowered, p) {
			return text + diagnosisDisclaimer
		}
	}
	return text
}
