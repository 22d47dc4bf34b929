package mitigation

import (
	"testing"
	"time"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/ml"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/statestore"
)

func testEngine(t *testing.T, cfg Config) (*Engine, *statestore.Store) {
	t.Helper()
	s := statestore.New(4, 1000)
	e, err := NewEngine(s, cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, s
}

func policy() Config {
	return Config{
		SuspiciousThreshold: 0.4,
		BlockThreshold:      0.8,
		BlockAfterN:         2,
		ClearAfterM:         2,
		BlockDuration:       60 * time.Second,
		BlockDurationCap:    10 * time.Minute,
		ProbationWindow:     30 * time.Second,
		IdleTimeout:         10 * time.Minute,
	}
}

func verdict(identity string, score float64, at time.Time) *ml.FusedVerdict {
	var fv flow.FeatureVector
	fv.Identity = identity
	fv.Features[flow.FeatProtocolTCP] = 0.9
	fv.Features[flow.FeatFlagSYN] = 0.9
	fv.Features[flow.FeatFlagACK] = 0.1
	return &ml.FusedVerdict{
		ID:        "v-" + at.Format("150405.000000000"),
		Identity:  identity,
		Score:     score,
		Timestamp: at,
		Vector:    fv,
	}
}

func TestConfigValidate(t *testing.T) {
	bad := policy()
	bad.BlockThreshold = 0.3 // below suspicious
	if err := bad.Validate(); err == nil {
		t.Fatal("inverted thresholds accepted")
	}
	bad = policy()
	bad.BlockAfterN = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("zero hysteresis accepted")
	}
	bad = policy()
	bad.BlockDurationCap = time.Second
	if err := bad.Validate(); err == nil {
		t.Fatal("cap below base duration accepted")
	}
}

func TestHighScoresBlockOnSecondVerdict(t *testing.T) {
	e, _ := testEngine(t, policy())
	now := time.Now()

	// First 0.95 verdict: Observing -> Suspicious, watch action, no block.
	d1 := e.Apply(verdict("10.0.0.1", 0.95, now))
	if d1.State.State != statestore.StateSuspicious {
		t.Fatalf("state after verdict 1 = %q", d1.State.State)
	}
	if d1.Action == nil || d1.Action.Kind != ActionWatch {
		t.Fatalf("verdict 1 action = %+v, want watch", d1.Action)
	}

	// Second 0.95 verdict reaches N=2 consecutive at/above 0.8: block.
	d2 := e.Apply(verdict("10.0.0.1", 0.95, now.Add(10*time.Second)))
	if d2.State.State != statestore.StateBlocked {
		t.Fatalf("state after verdict 2 = %q, want blocked", d2.State.State)
	}
	if d2.Action == nil || d2.Action.Kind != ActionBlock {
		t.Fatalf("verdict 2 action = %+v, want block", d2.Action)
	}
	if d2.Alert == nil || d2.Alert.Severity != SeverityHigh {
		t.Fatalf("verdict 2 alert = %+v", d2.Alert)
	}
	wantExpiry := now.Add(10 * time.Second).Add(60 * time.Second)
	if !d2.State.BlockExpiry.Equal(wantExpiry) {
		t.Fatalf("block expiry = %v, want %v", d2.State.BlockExpiry, wantExpiry)
	}

	// Third verdict while blocked: no further transition or action.
	d3 := e.Apply(verdict("10.0.0.1", 0.95, now.Add(20*time.Second)))
	if d3.State.State != statestore.StateBlocked || d3.Action != nil {
		t.Fatalf("verdict under block produced %+v", d3)
	}
}

func TestMidScoreBreaksBlockStreak(t *testing.T) {
	e, _ := testEngine(t, policy())
	now := time.Now()

	e.Apply(verdict("10.0.0.2", 0.9, now))                     // -> Suspicious, streak 1
	e.Apply(verdict("10.0.0.2", 0.6, now.Add(10*time.Second))) // between thresholds: streak resets
	d := e.Apply(verdict("10.0.0.2", 0.9, now.Add(20*time.Second)))
	if d.State.State != statestore.StateSuspicious {
		t.Fatalf("state = %q, streak should have restarted", d.State.State)
	}
	d = e.Apply(verdict("10.0.0.2", 0.9, now.Add(30*time.Second)))
	if d.State.State != statestore.StateBlocked {
		t.Fatalf("state = %q, want blocked after two fresh qualifying verdicts", d.State.State)
	}
}

func TestCleanStreakReturnsToObserving(t *testing.T) {
	e, _ := testEngine(t, policy())
	now := time.Now()

	e.Apply(verdict("10.0.0.3", 0.5, now))
	e.Apply(verdict("10.0.0.3", 0.1, now.Add(10*time.Second)))
	d := e.Apply(verdict("10.0.0.3", 0.1, now.Add(20*time.Second)))
	if d.State.State != statestore.StateObserving {
		t.Fatalf("state = %q, want observing after M=2 clean verdicts", d.State.State)
	}
	if d.Action != nil {
		t.Fatalf("clearing emitted action %+v", d.Action)
	}
}

func TestBlockExpiryThenRelapseExtendsBlock(t *testing.T) {
	e, _ := testEngine(t, policy())
	now := time.Now()

	e.Apply(verdict("10.0.0.4", 0.95, now))
	d := e.Apply(verdict("10.0.0.4", 0.95, now.Add(5*time.Second)))
	if d.State.State != statestore.StateBlocked {
		t.Fatalf("setup: state = %q", d.State.State)
	}
	blockedAt := now.Add(5 * time.Second)

	// Timer fires at expiry: Blocked -> Recovering with an unblock action.
	expiry := e.ExpireBlock("10.0.0.4", d.State.Generation, blockedAt.Add(60*time.Second))
	if expiry == nil {
		t.Fatal("expiry produced no decision")
	}
	if expiry.State.State != statestore.StateRecovering {
		t.Fatalf("state after expiry = %q", expiry.State.State)
	}
	if expiry.Action == nil || expiry.Action.Kind != ActionUnblock {
		t.Fatalf("expiry action = %+v", expiry.Action)
	}

	// A 0.9 verdict 5s into probation re-blocks immediately, with the
	// doubled duration.
	relapseAt := blockedAt.Add(65 * time.Second)
	d = e.Apply(verdict("10.0.0.4", 0.9, relapseAt))
	if d.State.State != statestore.StateBlocked {
		t.Fatalf("relapse state = %q, want blocked without re-accumulation", d.State.State)
	}
	if d.Action == nil || d.Action.Kind != ActionBlock {
		t.Fatalf("relapse action = %+v", d.Action)
	}
	if d.Alert == nil || d.Alert.Severity != SeverityCritical {
		t.Fatalf("relapse alert = %+v", d.Alert)
	}
	wantExpiry := relapseAt.Add(120 * time.Second)
	if !d.State.BlockExpiry.Equal(wantExpiry) {
		t.Fatalf("extended expiry = %v, want %v", d.State.BlockExpiry, wantExpiry)
	}
	if d.State.BlockCount != 2 {
		t.Fatalf("block count = %d", d.State.BlockCount)
	}
}

func TestBlockDurationBackoffCapped(t *testing.T) {
	cfg := policy()
	cfg.BlockDurationCap = 3 * time.Minute
	e, _ := testEngine(t, cfg)

	durations := []time.Duration{
		e.blockDuration(1), e.blockDuration(2), e.blockDuration(3), e.blockDuration(10),
	}
	want := []time.Duration{60 * time.Second, 120 * time.Second, 3 * time.Minute, 3 * time.Minute}
	for i := range durations {
		if durations[i] != want[i] {
			t.Fatalf("blockDuration(%d) = %v, want %v", i+1, durations[i], want[i])
		}
	}
}

func TestCleanProbationClosesEpisode(t *testing.T) {
	e, _ := testEngine(t, policy())
	now := time.Now()

	e.Apply(verdict("10.0.0.5", 0.95, now))
	d := e.Apply(verdict("10.0.0.5", 0.95, now.Add(5*time.Second)))
	gen := d.State.Generation

	expiry := e.ExpireBlock("10.0.0.5", gen, now.Add(66*time.Second))
	if expiry == nil || expiry.State.State != statestore.StateRecovering {
		t.Fatalf("expiry decision = %+v", expiry)
	}

	// Clean verdict after the probation window: back to Observing, counters
	// reset so the next episode starts fresh.
	d = e.Apply(verdict("10.0.0.5", 0.1, now.Add(100*time.Second)))
	if d.State.State != statestore.StateObserving {
		t.Fatalf("state = %q, want observing", d.State.State)
	}
	if d.State.BlockCount != 0 {
		t.Fatalf("block count = %d, want reset", d.State.BlockCount)
	}
}

func TestStaleExpiryTimerIsNoOp(t *testing.T) {
	e, _ := testEngine(t, policy())
	now := time.Now()

	e.Apply(verdict("10.0.0.6", 0.95, now))
	d := e.Apply(verdict("10.0.0.6", 0.95, now.Add(5*time.Second)))
	staleGen := d.State.Generation

	// Block expires and the source relapses into a second block.
	e.ExpireBlock("10.0.0.6", staleGen, now.Add(66*time.Second))
	d = e.Apply(verdict("10.0.0.6", 0.9, now.Add(70*time.Second)))
	if d.State.State != statestore.StateBlocked {
		t.Fatalf("setup: state = %q", d.State.State)
	}

	// The first block's timer firing late must not unblock the new block.
	if dec := e.ExpireBlock("10.0.0.6", staleGen, now.Add(80*time.Second)); dec != nil {
		t.Fatalf("stale timer produced decision %+v", dec)
	}
	st, _ := e.store.Get("10.0.0.6")
	if st.State != statestore.StateBlocked {
		t.Fatalf("stale timer unblocked: state = %q", st.State)
	}
}

func TestExpiryBeforeDeadlineIsNoOp(t *testing.T) {
	e, _ := testEngine(t, policy())
	now := time.Now()

	e.Apply(verdict("10.0.0.7", 0.95, now))
	d := e.Apply(verdict("10.0.0.7", 0.95, now.Add(5*time.Second)))

	if dec := e.ExpireBlock("10.0.0.7", d.State.Generation, now.Add(10*time.Second)); dec != nil {
		t.Fatalf("early timer produced decision %+v", dec)
	}
}

func TestRecoveringAfterProbationHotVerdictWatchesAgain(t *testing.T) {
	e, _ := testEngine(t, policy())
	now := time.Now()

	e.Apply(verdict("10.0.0.8", 0.95, now))
	d := e.Apply(verdict("10.0.0.8", 0.95, now.Add(5*time.Second)))
	e.ExpireBlock("10.0.0.8", d.State.Generation, now.Add(66*time.Second))

	// Hot verdict after probation served: a fresh Suspicious episode, not an
	// instant re-block.
	d = e.Apply(verdict("10.0.0.8", 0.85, now.Add(120*time.Second)))
	if d.State.State != statestore.StateSuspicious {
		t.Fatalf("state = %q, want suspicious", d.State.State)
	}
	if d.Action == nil || d.Action.Kind != ActionWatch {
		t.Fatalf("action = %+v, want watch", d.Action)
	}
}

func TestAlertCarriesAttackType(t *testing.T) {
	e, _ := testEngine(t, policy())
	now := time.Now()

	d := e.Apply(verdict("10.0.0.9", 0.95, now))
	if d.Alert == nil {
		t.Fatal("no alert on Observing -> Suspicious")
	}
	if d.Alert.AttackType != "SYN Flood" {
		t.Fatalf("attack type = %q", d.Alert.AttackType)
	}
	if d.Alert.VerdictID == "" || d.Alert.Identity != "10.0.0.9" {
		t.Fatalf("alert metadata: %+v", d.Alert)
	}
}
