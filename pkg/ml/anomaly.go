package ml

import (
	"context"
	"math"
	"sync"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
)

// AnomalyDetector is the unsupervised ensemble member. It keeps a streaming
// per-feature baseline (Welford) of traffic considered benign and scores a
// vector by its average absolute z-score against that baseline, mapped to a
// probability the same way an isolation-forest decision function is:
// decision in [-0.5, 0.5], probability = decision + 0.5.
type AnomalyDetector struct {
	mu sync.RWMutex

	count int64
	mean  [flow.FeatureCount]float64
	m2    [flow.FeatureCount]float64

	zScale     float64 // z-score that maps to a certain anomaly
	minSamples int64   // baseline size needed before full confidence
}

// NewAnomalyDetector seeds the baseline from the classifier artifact's
// normal-class statistics so the detector is useful before it has observed
// enough live traffic.
func NewAnomalyDetector(art ClassifierArtifact) *AnomalyDetector {
	d := &AnomalyDetector{
		zScale:     6.0,
		minSamples: 100,
	}
	// Seed as if minSamples benign windows matching the artifact were seen.
	d.count = d.minSamples
	for i := 0; i < flow.FeatureCount; i++ {
		d.mean[i] = art.NormalMean[i]
		d.m2[i] = art.NormalStd[i] * art.NormalStd[i] * float64(d.count-1)
	}
	return d
}

func (d *AnomalyDetector) ID() string { return "anomaly-detector" }

func (d *AnomalyDetector) Score(ctx context.Context, fv *flow.FeatureVector) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.count < 2 {
		return 0.5, 0, nil
	}
	var zSum float64
	var n int
	for i := 0; i < flow.FeatureCount; i++ {
		variance := d.m2[i] / float64(d.count-1)
		if variance <= 0 {
			continue
		}
		z := math.Abs(fv.Features[i]-d.mean[i]) / math.Sqrt(variance)
		zSum += z
		n++
	}
	if n == 0 {
		return 0.5, 0, nil
	}
	avgZ := zSum / float64(n)
	decision := math.Min(avgZ/d.zScale, 1.0) - 0.5
	score := clamp01(decision + 0.5)
	confidence := math.Min(float64(d.count)/float64(d.minSamples*2), 1.0)
	return score, confidence, nil
}

// Update folds a vector into the baseline. Callers only feed vectors whose
// fused verdict stayed below the suspicious threshold, so attack traffic
// does not poison the notion of normal.
func (d *AnomalyDetector) Update(fv *flow.FeatureVector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	for i := 0; i < flow.FeatureCount; i++ {
		delta := fv.Features[i] - d.mean[i]
		d.mean[i] += delta / float64(d.count)
		d.m2[i] += delta * (fv.Features[i] - d.mean[i])
	}
}

// BaselineSamples reports how many windows shape the current baseline.
func (d *AnomalyDetector) BaselineSamples() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}
