// Package ml implements the model ensemble that turns feature vectors into
// fused threat verdicts, plus the attribution logic that explains them.
// Models are pre-trained artifacts evaluated at runtime; no training happens
// in this package.
package ml

import (
	"context"
	"time"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
)

// Model is the fixed scoring capability every ensemble member implements.
// Score returns a threat probability in [0,1] and a confidence in [0,1];
// the deadline on ctx bounds the call.
type Model interface {
	ID() string
	Score(ctx context.Context, fv *flow.FeatureVector) (score, confidence float64, err error)
}

// ModelScore is one model's contribution to a fused verdict. A failed score
// carries the error string and is excluded from fusion.
type ModelScore struct {
	ModelID    string  `json:"model_id"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	LatencyMs  float64 `json:"latency_ms"`
	Failed     bool    `json:"failed,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// FusedVerdict is the combined threat assessment for one feature vector.
// Derived, read-only.
type FusedVerdict struct {
	ID        string             `json:"id"`
	Identity  string             `json:"identity"`
	Score     float64            `json:"score"`
	Scores    []ModelScore       `json:"scores"`
	Timestamp time.Time          `json:"timestamp"`
	Vector    flow.FeatureVector `json:"vector"`
}

// ModelStats is the per-model health surface exposed on the query API.
type ModelStats struct {
	ModelID      string  `json:"model_id"`
	Weight       float64 `json:"weight"`
	TimeoutMs    int64   `json:"timeout_ms"`
	Scored       uint64  `json:"scored"`
	Failures     uint64  `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
