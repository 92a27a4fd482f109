package grouping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/wemind/wemind/internal/config"
	"github.com/wemind/wemind/internal/provider"
	"github.com/wemind/wemind/internal/store"
	"github.com/wemind/wemind/internal/vectors"
)

// ErrNoQuestionnaireData is returned when a user has no questionnaire and no
// cached embedding to assign from.
var ErrNoQuestionnaireData = errors.New("grouping: no questionnaire data for user")

// Assignment decision reasons.
const (
	ReasonPassesThreshold   = "passes_threshold"
	ReasonBelowThreshold    = "below_threshold"
	ReasonUndercutsGroupAvg = "undercuts_group_avg"
	ReasonNoActiveGroups    = "no_active_groups"
	ReasonGroupFilled       = "group_filled"
)

// ScoredGroup pairs a candidate group with its cosine similarity.
type ScoredGroup struct {
	GroupID string  `json:"group_id"`
	Score   float64 `json:"score"`
}

// Assignment is the outcome of placing a user.
type Assignment struct {
	GroupID       string        `json:"group_id"`
	Created       bool          `json:"created"`
	Score         float64       `json:"score"`
	Similarity    float64       `json:"similarity"`
	Threshold     float64       `json:"threshold"`
	Reason        string        `json:"reason"`
	TopCandidates []ScoredGroup `json:"top_candidates,omitempty"`
}

// Assigner places users into peer groups by questionnaire similarity.
type Assigner struct {
	store    *store.Store
	embedder provider.Embedder
	cfg      config.GroupingConfig
	log      *slog.Logger
}

// NewAssigner creates an Assigner.
func NewAssigner(st *store.Store, embedder provider.Embedder, cfg config.GroupingConfig, log *slog.Logger) *Assigner {
	if log == nil {
		log = slog.Default()
	}
	return &Assigner{store: st, embedder: embedder, cfg: cfg, log: log}
}

// Assign places a user: best-matching non-full group when the acceptance rule
// holds, otherwise a fresh group seeded with the user. The acceptance rule is
// best_sim >= threshold and best_sim >= group_avg - gamma.
func (a *Assigner) Assign(ctx context.Context, userID string) (*Assignment, error) {
	vec, err := a.userEmbedding(ctx, userID)
	if err != nil {
		return nil, err
	}
	unit := vectors.Normalize(vec)

	// A scored group can fill between scoring and admission. Re-score once
	// against fresh candidates before falling back to a new group.
	retried := false
	for {
		candidates, err := a.store.ListCandidates()
		if err != nil {
			return nil, fmt.Errorf("list candidate groups: %w", err)
		}

		best, top, ok := a.scoreCandidates(unit, candidates)
		if !ok {
			return a.createAndAdmit(userID, vec, 0, ReasonNoActiveGroups, nil)
		}

		if best.score < a.cfg.SimThreshold {
			return a.createAndAdmit(userID, vec, best.score, ReasonBelowThreshold, top)
		}
		if best.score < best.avg-a.cfg.LeniencyGamma {
			return a.createAndAdmit(userID, vec, best.score, ReasonUndercutsGroupAvg, top)
		}

		sim, err := a.store.AdmitMember(best.groupID, userID, vec)
		if errors.Is(err, store.ErrGroupFull) {
			a.log.Warn("candidate group filled during admission", "group_id", best.groupID, "user_id", userID)
			if !retried {
				retried = true
				continue
			}
			return a.createAndAdmit(userID, vec, best.score, ReasonGroupFilled, top)
		}
		if err != nil {
			return nil, fmt.Errorf("admit member: %w", err)
		}

		a.log.Info("assigned user to existing group",
			"user_id", userID, "group_id", best.groupID, "score", best.score, "similarity", sim)
		return &Assignment{
			GroupID:       best.groupID,
			Score:         best.score,
			Similarity:    sim,
			Threshold:     a.cfg.SimThreshold,
			Reason:        ReasonPassesThreshold,
			TopCandidates: top,
		}, nil
	}
}

type scoredCandidate struct {
	groupID string
	score   float64
	avg     float64
}

// scoreCandidates ranks non-full candidate groups by cosine similarity to the
// user's unit vector.
func (a *Assigner) scoreCandidates(unit []float32, candidates []store.Candidate) (scoredCandidate, []ScoredGroup, bool) {
	var best scoredCandidate
	var top []ScoredGroup
	found := false
	for _, c := range candidates {
		if c.Group.MaxSize > 0 && c.Profile.MemberCount >= c.Group.MaxSize {
			continue
		}
		if len(c.Profile.Centroid) == 0 {
			continue
		}
		score := vectors.Dot(unit, c.Profile.Centroid)
		top = append(top, ScoredGroup{GroupID: c.Group.ID, Score: score})
		if !found || score > best.score {
			best = scoredCandidate{groupID: c.Group.ID, score: score, avg: c.Profile.AvgSimilarity}
			found = true
		}
	}
	// Keep only the strongest few for transparency.
	sort.Slice(top, func(i, j int) bool { return top[i].Score > top[j].Score })
	if len(top) > 5 {
		top = top[:5]
	}
	return best, top, found
}

func (a *Assigner) createAndAdmit(userID string, vec []float32, score float64, reason string, top []ScoredGroup) (*Assignment, error) {
	groupID := uuid.NewString()
	g := &store.Group{
		ID:      groupID,
		Name:    "Support Circle " + groupID[:8],
		Kind:    store.GroupKindPeer,
		MaxSize: a.cfg.MaxGroupSize,
	}
	if err := a.store.CreateGroup(g); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	sim, err := a.store.AdmitMember(groupID, userID, vec)
	if err != nil {
		return nil, fmt.Errorf("seed group: %w", err)
	}

	a.log.Info("created new group for user",
		"user_id", userID, "group_id", groupID, "best_score", score, "reason", reason)
	return &Assignment{
		GroupID:       groupID,
		Created:       true,
		Score:         score,
		Similarity:    sim,
		Threshold:     a.cfg.SimThreshold,
		Reason:        reason,
		TopCandidates: top,
	}, nil
}

// userEmbedding returns the user's cached questionnaire embedding, computing
// and caching it from their answers when absent.
func (a *Assigner) userEmbedding(ctx context.Context, userID string) ([]float32, error) {
	vec, err := a.store.GetUserEmbedding(userID)
	if err == nil {
		return vec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	answers, err := a.store.GetAnswers(userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoQuestionnaireData
	}
	if err != nil {
		return nil, err
	}

	text := RenderQuestionnaire(answers, a.cfg.DropSensitive)
	resp, err := a.embedder.Embed(ctx, &provider.EmbeddingRequest{
		Input: text,
		Model: a.cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("embed questionnaire: %w", err)
	}
	vec = vectors.Normalize(resp.Vector)

	if err := a.store.PutUserEmbedding(userID, vec, a.cfg.EmbeddingModel); err != nil {
		a.log.Warn("failed to cache user embedding", "user_id", userID, "error", err)
	}
	return vec, nil
}
