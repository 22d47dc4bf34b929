package ml

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
)

// ErrExplanationUnavailable is returned when attribution cannot be computed
// within the configured budget. Decisions proceed without it.
var ErrExplanationUnavailable = errors.New("explanation unavailable")

// Contribution attributes part of a verdict's score to one feature.
type Contribution struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// Explanation is the ordered attribution for one flagged verdict.
type Explanation struct {
	VerdictID     string         `json:"verdict_id"`
	Contributions []Contribution `json:"contributions"`
}

// Explainer computes model-agnostic permutation attributions: each feature
// is replaced with draws from the benign baseline and the drop in fused
// score is charged to that feature. Sampling is seeded from the verdict id
// so repeated requests for the same verdict return the same ordering.
type Explainer struct {
	ensemble *Ensemble
	baseline ClassifierArtifact

	samples int // counterfactual draws per feature
	budget  int // max ensemble evaluations per explanation
}

// NewExplainer bounds attribution cost to budget ensemble evaluations.
func NewExplainer(e *Ensemble, baseline ClassifierArtifact, samples, budget int) *Explainer {
	if samples <= 0 {
		samples = 3
	}
	if budget <= 0 {
		budget = 128
	}
	return &Explainer{ensemble: e, baseline: baseline, samples: samples, budget: budget}
}

// Explain attributes the verdict's score to its features. It degrades to
// ErrExplanationUnavailable instead of blocking the decision pipeline when
// the budget is too small or the ensemble cannot answer probes.
func (ex *Explainer) Explain(ctx context.Context, verdict *FusedVerdict) (*Explanation, error) {
	cost := flow.FeatureCount*ex.samples + 1
	if cost > ex.budget {
		return nil, ErrExplanationUnavailable
	}

	base, err := ex.ensemble.Evaluate(ctx, &verdict.Vector)
	if err != nil {
		return nil, ErrExplanationUnavailable
	}

	rng := rand.New(rand.NewSource(seedFrom(verdict.ID)))
	contribs := make([]Contribution, 0, flow.FeatureCount)
	for i := 0; i < flow.FeatureCount; i++ {
		var drop float64
		for s := 0; s < ex.samples; s++ {
			probe := verdict.Vector
			probe.Features[i] = ex.baseline.NormalMean[i] + rng.NormFloat64()*ex.baseline.NormalStd[i]
			score, err := ex.ensemble.Evaluate(ctx, &probe)
			if err != nil {
				return nil, ErrExplanationUnavailable
			}
			drop += base - score
		}
		contribs = append(contribs, Contribution{
			Feature: flow.FeatureName(i),
			Weight:  drop / float64(ex.samples),
		})
	}

	// Stable order: dominant contributions first, name breaks ties.
	sort.SliceStable(contribs, func(i, j int) bool {
		ai, aj := math.Abs(contribs[i].Weight), math.Abs(contribs[j].Weight)
		if ai != aj {
			return ai > aj
		}
		return contribs[i].Feature < contribs[j].Feature
	})

	return &Explanation{VerdictID: verdict.ID, Contributions: contribs}, nil
}

func seedFrom(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}
