package core

import (
	"sort"

	"github.com/google/uuid"

	"writerid-backend/pkg/api"
)

// Reference is one enrolled writer's aggregated vector in projected space.
type Reference struct {
	UserId uuid.UUID
	Name   string
	Values []float32
}

type MatchConfig struct {
	SimilarityThreshold float64
	MeanThreshold       float64
	GapThreshold        float64
	TopK                int
}

// Match scores the query against every reference and applies the
// unknown-rejection policy. Rejection precedence: top-1 below the
// similarity threshold, then mean of the top-K below the mean threshold,
// then top-1/top-2 gap below the gap threshold. The ranked list is
// returned either way; IsUnknown carries the decision. An empty library
// is an error, never an "unknown" result.
func Match(query DescriptorVector, refs []Reference, cfg MatchConfig) (api.MatchResult, error) {
	if len(refs) == 0 {
		return api.MatchResult{}, ErrEmptyLibrary
	}
	if err := query.Check(KindFusedProjected, query.Dim()); err != nil {
		return api.MatchResult{}, err
	}

	scored := make([]api.UserScore, len(refs))
	for i, ref := range refs {
		if len(ref.Values) != query.Dim() {
			return api.MatchResult{}, &DimensionMismatchError{Stage: "matcher", Want: query.Dim(), Got: len(ref.Values),
				Detail: "reference vector for user " + ref.UserId.String()}
		}
		scored[i] = api.UserScore{
			UserId: ref.UserId,
			Name:   ref.Name,
			Score:  CosineSimilarity(query.Values, ref.Values),
		}
	}

	// descending score, ascending user id on ties, so output order is
	// reproducible across runs
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].UserId.String() < scored[j].UserId.String()
	})

	k := cfg.TopK
	if k <= 0 || k > len(scored) {
		k = len(scored)
	}
	top := scored[:k]

	result := api.MatchResult{
		Matches:    top,
		Confidence: top[0].Score,
	}

	if top[0].Score < cfg.SimilarityThreshold {
		result.IsUnknown = true
		return result, nil
	}

	var sum float64
	for _, s := range top {
		sum += s.Score
	}
	if sum/float64(len(top)) < cfg.MeanThreshold {
		result.IsUnknown = true
		return result, nil
	}

	if len(scored) >= 2 && scored[0].Score-scored[1].Score < cfg.GapThreshold {
		result.IsUnknown = true
		return result, nil
	}

	return result, nil
}
