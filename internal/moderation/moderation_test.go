package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wemind/wemind/internal/provider"
)

// stubLLM returns a canned reply or error.
type stubLLM struct {
	reply string
	err   error
	last  *provider.ChatRequest
}

func (s *stubLLM) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &provider.ChatResponse{Content: s.reply}, nil
}

func (s *stubLLM) DefaultModel() string { return "stub" }

func TestGateLevels(t *testing.T) {
	cases := []struct {
		level int
		want  Decision
	}{
		{1, Decision{Visible: true}},
		{2, Decision{Visible: true, Audit: true}},
		{3, Decision{Audit: true, Intervene: true, Escalate: true}},
		// Out-of-range values clamp to the nearest behavior.
		{0, Decision{Visible: true}},
		{7, Decision{Audit: true, Intervene: true, Escalate: true}},
	}
	for _, c := range cases {
		if got := Gate(c.level); got != c.want {
			t.Errorf("Gate(%d) = %+v, want %+v", c.level, got, c.want)
		}
	}
}

func TestGateDeterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		if Gate(3) != Gate(3) {
			t.Fatal("gate must be deterministic")
		}
	}
}

func TestClassifyParsesVerdict(t *testing.T) {
	llm := &stubLLM{reply: `{"level": 3, "category": "self-harm", "rationale": "explicit intent"}`}
	c := NewClassifier(llm, "")

	res, err := c.Classify(context.Background(), "I want to end it", []string{"earlier message"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Level != 3 || res.Category != CategorySelfHarm {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Rationale != "explicit intent" {
		t.Errorf("unexpected rationale %q", res.Rationale)
	}
	if !strings.Contains(llm.last.Messages[1].Content, "earlier message") {
		t.Error("expected recent context in classifier prompt")
	}
}

func TestClassifyHandlesFencedJSON(t *testing.T) {
	llm := &stubLLM{reply: "Here is my verdict:\n```json\n{\"level\": 2, \"category\": \"harassment\", \"rationale\": \"hostile tone\"}\n```"}
	c := NewClassifier(llm, "")

	res, err := c.Classify(context.Background(), "watch yourself", nil)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Level != 2 || res.Category != CategoryHarassment {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestClassifyMalformedReplyFallsBackSafe(t *testing.T) {
	for _, reply := range []string{"I cannot help with that.", `{"level": "broken"`, ""} {
		llm := &stubLLM{reply: reply}
		c := NewClassifier(llm, "")
		res, err := c.Classify(context.Background(), "hello", nil)
		if err != nil {
			t.Fatalf("classify %q: %v", reply, err)
		}
		if res.Level != LevelSafe || res.Category != CategoryOther {
			t.Errorf("expected benign fallback for %q, got %+v", reply, res)
		}
	}
}

func TestClassifyClampsAndNormalizes(t *testing.T) {
	llm := &stubLLM{reply: `{"level": 9, "category": "Suicide", "rationale": "x"}`}
	c := NewClassifier(llm, "")
	res, err := c.Classify(context.Background(), "msg", nil)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Level != LevelDangerous {
		t.Errorf("expected clamp to 3, got %d", res.Level)
	}
	if res.Category != CategorySelfHarm {
		t.Errorf("expected self-harm normalization, got %s", res.Category)
	}
}

func TestClassifyRationaleGetsDiagnosisDisclaimer(t *testing.T) {
	llm := &stubLLM{reply: `{"level": 2, "category": "other", "rationale": "claims you have depression"}`}
	c := NewClassifier(llm, "")
	res, err := c.Classify(context.Background(), "msg", nil)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !strings.Contains(res.Rationale, "cannot provide any diagnosis") {
		t.Errorf("expected disclaimer on rationale, got %q", res.Rationale)
	}
}

func TestClassifyTransportErrorPropagates(t *testing.T) {
	llm := &stubLLM{err: errors.New("connection refused")}
	c := NewClassifier(llm, "")
	if _, err := c.Classify(context.Background(), "msg", nil); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestIntervene(t *testing.T) {
	llm := &stubLLM{reply: "I hear how much pain you're in. Please reach out to someone you trust right now."}
	r := NewResponder(llm, "", 0, 0.7)

	got, err := r.Intervene(context.Background(), CategorySelfHarm, "held message", []string{"ctx"})
	if err != nil {
		t.Fatalf("intervene: %v", err)
	}
	if got == "" {
		t.Fatal("expected non-empty intervention")
	}
	if !strings.Contains(llm.last.Messages[0].Content, "crisis line") {
		t.Error("expected self-harm directive in system prompt")
	}
}

func TestInterveneUnknownCategoryUsesGenericTone(t *testing.T) {
	llm := &stubLLM{reply: "That sounds heavy. I'm here with you."}
	r := NewResponder(llm, "", 0, 0.7)

	if _, err := r.Intervene(context.Background(), "something-new", "msg", nil); err != nil {
		t.Fatalf("intervene: %v", err)
	}
	if !strings.Contains(llm.last.Messages[0].Content, "warmth and care") {
		t.Error("expected generic directive for unknown category")
	}
}

func TestEscalationBodyIncludesVerbatimMessage(t *testing.T) {
	res := &Result{Level: 3, Category: CategorySelfHarm, Rationale: "explicit intent"}
	body := EscalationBody("u42", "g5", res, "the exact words")

	for _, want := range []string{"CRITICAL SAFETY ALERT", "User u42", "Group g5", "self-harm", "Level 3", "explicit intent", `"the exact words"`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in escalation body:\n%s", want, body)
		}
	}
}

func TestEnforceNoDiagnosis(t *testing.T) {
	clean := "It might help to talk to a professional about these patterns."
	if got := EnforceNoDiagnosis(clean); got != clean {
		t.Errorf("clean text must pass unchanged, got %q", got)
	}

	flagged := EnforceNoDiagnosis("Based on this, you have depression.")
	if !strings.Contains(flagged, "cannot provide any diagnosis") {
		t.Errorf("expected disclaimer appended, got %q", flagged)
	}
}
