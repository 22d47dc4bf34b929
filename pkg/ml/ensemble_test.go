package ml

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
)

type stubModel struct {
	id    string
	score float64
	err   error
	delay time.Duration
}

func (m *stubModel) ID() string { return m.id }

func (m *stubModel) Score(ctx context.Context, _ *flow.FeatureVector) (float64, float64, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	if m.err != nil {
		return 0, 0, m.err
	}
	return m.score, 1, nil
}

func testVector(identity string) flow.FeatureVector {
	return flow.FeatureVector{Identity: identity, WindowEnd: time.Now()}
}

func TestNewEnsembleRequiresModels(t *testing.T) {
	if _, err := NewEnsemble(nil, nil, 0.5); !errors.Is(err, ErrNoModels) {
		t.Fatalf("err = %v, want ErrNoModels", err)
	}
}

func TestNewEnsembleRequiresConfigPerModel(t *testing.T) {
	models := []Model{&stubModel{id: "a", score: 0.5}}
	if _, err := NewEnsemble(models, map[string]ModelConfig{}, 0.5); err == nil {
		t.Fatal("missing model config accepted")
	}
}

func TestScoreFusesWeightedAverage(t *testing.T) {
	models := []Model{
		&stubModel{id: "a", score: 1.0},
		&stubModel{id: "b", score: 0.0},
	}
	e, err := NewEnsemble(models, map[string]ModelConfig{
		"a": {Weight: 0.75, Timeout: time.Second},
		"b": {Weight: 0.25, Timeout: time.Second},
	}, 0.5)
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}

	v := e.Score(context.Background(), testVector("10.0.0.1"))
	if math.Abs(v.Score-0.75) > 1e-9 {
		t.Fatalf("fused score = %v, want 0.75", v.Score)
	}
	if len(v.Scores) != 2 {
		t.Fatalf("got %d model scores", len(v.Scores))
	}
	if v.ID == "" || v.Identity != "10.0.0.1" {
		t.Fatalf("verdict metadata: %+v", v)
	}
}

func TestTimedOutModelRenormalized(t *testing.T) {
	// One model answers in time, the other sleeps past its 50ms deadline.
	models := []Model{
		&stubModel{id: "fast", score: 0.9},
		&stubModel{id: "slow", score: 0.0, delay: 300 * time.Millisecond},
	}
	e, err := NewEnsemble(models, map[string]ModelConfig{
		"fast": {Weight: 0.5, Timeout: time.Second},
		"slow": {Weight: 0.5, Timeout: 50 * time.Millisecond},
	}, 0.5)
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}

	v := e.Score(context.Background(), testVector("10.0.0.2"))
	if math.Abs(v.Score-0.9) > 1e-9 {
		t.Fatalf("fused score = %v, want 0.9 from the responding model alone", v.Score)
	}
	var slow *ModelScore
	for i := range v.Scores {
		if v.Scores[i].ModelID == "slow" {
			slow = &v.Scores[i]
		}
	}
	if slow == nil || !slow.Failed || slow.Error == "" {
		t.Fatalf("slow model score not marked failed: %+v", slow)
	}
}

func TestTotalOutageDecaysTowardNeutral(t *testing.T) {
	m := &stubModel{id: "only", score: 0.9}
	e, err := NewEnsemble([]Model{m}, map[string]ModelConfig{
		"only": {Weight: 1, Timeout: time.Second},
	}, 0.5)
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}

	fv := testVector("10.0.0.3")
	if v := e.Score(context.Background(), fv); math.Abs(v.Score-0.9) > 1e-9 {
		t.Fatalf("healthy score = %v", v.Score)
	}

	m.err = errors.New("model backend down")
	want := 0.9
	for i := 0; i < 3; i++ {
		v := e.Score(context.Background(), fv)
		want = want + (0.5-want)*0.5
		if math.Abs(v.Score-want) > 1e-9 {
			t.Fatalf("outage verdict %d score = %v, want %v", i, v.Score, want)
		}
		if v.Score <= 0.5 {
			t.Fatalf("outage must decay toward 0.5 from above, got %v", v.Score)
		}
	}
}

func TestTotalOutageUnknownIdentityStaysNeutral(t *testing.T) {
	e, err := NewEnsemble([]Model{&stubModel{id: "only", err: errors.New("down")}},
		map[string]ModelConfig{"only": {Weight: 1, Timeout: time.Second}}, 0.5)
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	v := e.Score(context.Background(), testVector("10.9.9.9"))
	if v.Score != 0.5 {
		t.Fatalf("first-sight outage score = %v, want 0.5", v.Score)
	}
}

func TestEvaluateFailsWithoutResponders(t *testing.T) {
	e, err := NewEnsemble([]Model{&stubModel{id: "only", err: errors.New("down")}},
		map[string]ModelConfig{"only": {Weight: 1, Timeout: time.Second}}, 0.5)
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	fv := testVector("10.0.0.4")
	if _, err := e.Evaluate(context.Background(), &fv); err == nil {
		t.Fatal("Evaluate should error when no model responds")
	}
}

func TestStatsTracksFailures(t *testing.T) {
	m := &stubModel{id: "only", err: errors.New("down")}
	e, err := NewEnsemble([]Model{m}, map[string]ModelConfig{
		"only": {Weight: 1, Timeout: time.Second},
	}, 0.5)
	if err != nil {
		t.Fatalf("NewEnsemble: %v", err)
	}
	e.Score(context.Background(), testVector("10.0.0.5"))
	e.Score(context.Background(), testVector("10.0.0.5"))

	stats := e.Stats()
	if len(stats) != 1 {
		t.Fatalf("got %d stats entries", len(stats))
	}
	if stats[0].Scored != 2 || stats[0].Failures != 2 {
		t.Fatalf("stats = %+v, want 2 scored / 2 failed", stats[0])
	}
	if stats[0].Weight != 1 || stats[0].TimeoutMs != 1000 {
		t.Fatalf("registry view = %+v", stats[0])
	}
}
