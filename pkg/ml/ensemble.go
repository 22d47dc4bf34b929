package ml

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
)

var (
	ensVerdicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "ensemble", Name: "verdicts_total",
		Help: "Total fused verdicts produced.",
	})
	ensModelFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "ensemble", Name: "model_failures_total",
		Help: "Per-model scoring failures (timeouts and errors).",
	}, []string{"model_id"})
	ensModelLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ddos", Subsystem: "ensemble", Name: "model_latency_seconds",
		Help:    "Per-model scoring latency.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"model_id"})
	ensAllFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "ensemble", Name: "all_models_failed_total",
		Help: "Verdicts produced with zero responding models (decayed score).",
	})
)

func init() {
	_ = prometheus.Register(ensVerdicts)
	_ = prometheus.Register(ensModelFailures)
	_ = prometheus.Register(ensModelLatency)
	_ = prometheus.Register(ensAllFailed)
}

// ErrNoModels means the ensemble was built without any registered model.
var ErrNoModels = errors.New("ensemble: no models registered")

// ModelConfig is the registry entry for one ensemble member. Weights are
// non-negative and need not sum to one; fusion renormalizes over the models
// that actually respond.
type ModelConfig struct {
	Weight  float64
	Timeout time.Duration
}

type member struct {
	model Model
	cfg   ModelConfig

	scored    atomic.Uint64
	failures  atomic.Uint64
	latencyMk atomic.Uint64 // EMA latency in microseconds
}

// Ensemble fans a feature vector out to all registered models in parallel,
// joins with per-model timeouts, and fuses the surviving scores into one
// threat probability.
type Ensemble struct {
	members []*member

	// lastKnown holds the most recent fused score per identity so a total
	// model outage decays toward neutral instead of reporting safety.
	lastKnown sync.Map // identity -> float64
	decay     float64
}

// NewEnsemble registers models with their per-model weight and timeout.
// decay in (0,1] controls how fast a total outage pulls the score toward
// 0.5; out-of-range values fall back to 0.5.
func NewEnsemble(models []Model, cfgs map[string]ModelConfig, decay float64) (*Ensemble, error) {
	if len(models) == 0 {
		return nil, ErrNoModels
	}
	if decay <= 0 || decay > 1 {
		decay = 0.5
	}
	e := &Ensemble{decay: decay}
	for _, m := range models {
		cfg, ok := cfgs[m.ID()]
		if !ok {
			return nil, fmt.Errorf("ensemble: no config for model %q", m.ID())
		}
		if cfg.Weight < 0 {
			return nil, fmt.Errorf("ensemble: negative weight for model %q", m.ID())
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 100 * time.Millisecond
		}
		e.members = append(e.members, &member{model: m, cfg: cfg})
	}
	return e, nil
}

// Score produces a FusedVerdict for one feature vector. It never fails: a
// model that errors or times out contributes a failed ModelScore and fusion
// renormalizes the weights over the rest.
func (e *Ensemble) Score(ctx context.Context, fv flow.FeatureVector) FusedVerdict {
	scores := e.fanOut(ctx, &fv)

	var wsum, ssum float64
	for i := range scores {
		if scores[i].Failed {
			continue
		}
		w := e.members[i].cfg.Weight
		wsum += w
		ssum += w * scores[i].Score
	}

	var fused float64
	if wsum > 0 {
		fused = clamp01(ssum / wsum)
	} else {
		// Total outage: decay the last-known score toward neutral rather
		// than dropping to zero and reassuring during a blind spot.
		last := 0.5
		if v, ok := e.lastKnown.Load(fv.Identity); ok {
			last = v.(float64)
		}
		fused = last + (0.5-last)*e.decay
		ensAllFailed.Inc()
	}
	e.lastKnown.Store(fv.Identity, fused)
	ensVerdicts.Inc()

	return FusedVerdict{
		ID:        uuid.NewString(),
		Identity:  fv.Identity,
		Score:     fused,
		Scores:    scores,
		Timestamp: time.Now().UTC(),
		Vector:    fv,
	}
}

// Evaluate computes a fused score without touching last-known state. The
// explainer uses it for counterfactual probes; it errors when no model
// responds because a probe with no signal is meaningless.
func (e *Ensemble) Evaluate(ctx context.Context, fv *flow.FeatureVector) (float64, error) {
	scores := e.fanOut(ctx, fv)
	var wsum, ssum float64
	for i := range scores {
		if scores[i].Failed {
			continue
		}
		w := e.members[i].cfg.Weight
		wsum += w
		ssum += w * scores[i].Score
	}
	if wsum == 0 {
		return 0, errors.New("ensemble: no model responded")
	}
	return clamp01(ssum / wsum), nil
}

// fanOut runs every member concurrently, each bounded by its own timeout, so
// total latency is the slowest allowed model rather than the sum.
func (e *Ensemble) fanOut(ctx context.Context, fv *flow.FeatureVector) []ModelScore {
	scores := make([]ModelScore, len(e.members))
	var wg sync.WaitGroup
	for i, mem := range e.members {
		wg.Add(1)
		go func(i int, mem *member) {
			defer wg.Done()
			scores[i] = e.scoreOne(ctx, mem, fv)
		}(i, mem)
	}
	wg.Wait()
	return scores
}

func (e *Ensemble) scoreOne(ctx context.Context, mem *member, fv *flow.FeatureVector) ModelScore {
	mctx, cancel := context.WithTimeout(ctx, mem.cfg.Timeout)
	defer cancel()

	type result struct {
		score, conf float64
		err         error
	}
	// Buffered so a model that outlives its deadline parks its result and
	// exits instead of leaking a blocked goroutine.
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		s, c, err := mem.model.Score(mctx, fv)
		done <- result{s, c, err}
	}()

	ms := ModelScore{ModelID: mem.model.ID()}
	select {
	case res := <-done:
		ms.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		if res.err != nil {
			ms.Failed = true
			ms.Error = res.err.Error()
		} else {
			ms.Score = clamp01(res.score)
			ms.Confidence = clamp01(res.conf)
		}
	case <-mctx.Done():
		ms.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		ms.Failed = true
		ms.Error = context.DeadlineExceeded.Error()
	}

	mem.scored.Add(1)
	if ms.Failed {
		mem.failures.Add(1)
		ensModelFailures.WithLabelValues(ms.ModelID).Inc()
	}
	ensModelLatency.WithLabelValues(ms.ModelID).Observe(ms.LatencyMs / 1000)
	mem.updateLatency(ms.LatencyMs)
	return ms
}

func (m *member) updateLatency(latencyMs float64) {
	// EMA with alpha 0.2, stored in microseconds for atomic access.
	const alpha = 0.2
	for {
		old := m.latencyMk.Load()
		ema := float64(old) / 1000
		ema = ema*(1-alpha) + latencyMs*alpha
		if m.latencyMk.CompareAndSwap(old, uint64(ema*1000)) {
			return
		}
	}
}

// Stats returns the registry view for the query API, ordered by model id.
func (e *Ensemble) Stats() []ModelStats {
	out := make([]ModelStats, 0, len(e.members))
	for _, mem := range e.members {
		out = append(out, ModelStats{
			ModelID:      mem.model.ID(),
			Weight:       mem.cfg.Weight,
			TimeoutMs:    mem.cfg.Timeout.Milliseconds(),
			Scored:       mem.scored.Load(),
			Failures:     mem.failures.Load(),
			AvgLatencyMs: float64(mem.latencyMk.Load()) / 1000,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
