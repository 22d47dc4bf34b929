// Package mitigation drives the per-source decision state machine: fused
// verdicts move an identity between Observing, Suspicious, Blocked and
// Recovering under hysteresis thresholds, emitting enforcement actions and
// alerts on transitions.
package mitigation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/ml"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/statestore"
)

var (
	mitTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "mitigation", Name: "transitions_total",
		Help: "State machine transitions by from/to state.",
	}, []string{"from", "to"})
	mitActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "mitigation", Name: "actions_total",
		Help: "Mitigation actions issued by kind.",
	}, []string{"kind"})
)

func init() {
	_ = prometheus.Register(mitTransitions)
	_ = prometheus.Register(mitActions)
}

// ActionKind is the instruction sent to the enforcement collaborator.
type ActionKind string

const (
	ActionBlock   ActionKind = "block"
	ActionUnblock ActionKind = "unblock"
	ActionWatch   ActionKind = "watch"
)

// Action is an enforcement instruction for one source identity. Emitted,
// never mutated.
type Action struct {
	ID        string     `json:"id"`
	Identity  string     `json:"source_identity"`
	Kind      ActionKind `json:"action"`
	Score     float64    `json:"score"`
	VerdictID string     `json:"verdict_id,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`
}

// Severity grades an alert for the notification collaborator.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is the human-facing notification emitted alongside a transition.
type Alert struct {
	ID          string          `json:"id"`
	Severity    Severity        `json:"severity"`
	Identity    string          `json:"source_identity"`
	Summary     string          `json:"summary"`
	AttackType  string          `json:"attack_type,omitempty"`
	VerdictID   string          `json:"verdict_reference"`
	Explanation *ml.Explanation `json:"explanation,omitempty"`
	IssuedAt    time.Time       `json:"issued_at"`
}

// Config holds the decision policy. Thresholds and hysteresis counts are
// deployment configuration; there are no universal correct values.
type Config struct {
	SuspiciousThreshold float64       // entering Suspicious at or above this score
	BlockThreshold      float64       // qualifying score for the block streak
	BlockAfterN         int           // consecutive qualifying verdicts before blocking
	ClearAfterM         int           // consecutive clean verdicts before returning to Observing
	BlockDuration       time.Duration // first block duration; doubles per re-block
	BlockDurationCap    time.Duration // backoff ceiling
	ProbationWindow     time.Duration // Recovering window where relapse re-blocks immediately
	IdleTimeout         time.Duration // entries unseen this long are evicted
}

// Validate rejects configurations the state machine cannot operate under.
func (c Config) Validate() error {
	if c.SuspiciousThreshold <= 0 || c.SuspiciousThreshold >= 1 {
		return fmt.Errorf("mitigation: suspicious_threshold %.3f outside (0,1)", c.SuspiciousThreshold)
	}
	if c.BlockThreshold <= c.SuspiciousThreshold || c.BlockThreshold > 1 {
		return fmt.Errorf("mitigation: block_threshold %.3f must be in (suspicious_threshold, 1]", c.BlockThreshold)
	}
	if c.BlockAfterN < 1 || c.ClearAfterM < 1 {
		return fmt.Errorf("mitigation: hysteresis counters must be >= 1")
	}
	if c.BlockDuration <= 0 || c.ProbationWindow <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("mitigation: durations must be positive")
	}
	if c.BlockDurationCap < c.BlockDuration {
		return fmt.Errorf("mitigation: block duration cap below base duration")
	}
	return nil
}

// Decision is the outcome of applying one verdict: the post-transition
// state snapshot plus at most one action and one alert.
type Decision struct {
	State  statestore.SourceState
	Action *Action
	Alert  *Alert
}

// Engine binds the policy to the state store. All transitions run inside
// statestore.CompareAndTransition, so they are atomic per identity.
type Engine struct {
	store *statestore.Store
	cfg   Config
}

func NewEngine(store *statestore.Store, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{store: store, cfg: cfg}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Apply feeds one fused verdict through the state machine.
func (e *Engine) Apply(v *ml.FusedVerdict) Decision {
	now := v.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var action *Action
	var alert *Alert
	var from statestore.State

	st, transitioned := e.store.CompareAndTransition(v.Identity, now, func(st *statestore.SourceState) bool {
		st.LastSeen = now
		st.LastScore = v.Score
		from = st.State

		switch st.State {
		case statestore.StateObserving:
			if v.Score >= e.cfg.SuspiciousThreshold {
				st.State = statestore.StateSuspicious
				st.CleanStreak = 0
				st.SuspiciousStreak = 0
				if v.Score >= e.cfg.BlockThreshold {
					st.SuspiciousStreak = 1
				}
				action = e.newAction(ActionWatch, v, now, time.Time{})
				alert = e.newAlert(v, scoreSeverity(v.Score), "elevated threat score, watching")
				return true
			}
			return false

		case statestore.StateSuspicious:
			switch {
			case v.Score >= e.cfg.BlockThreshold:
				st.SuspiciousStreak++
				st.CleanStreak = 0
				if st.SuspiciousStreak >= e.cfg.BlockAfterN {
					e.block(st, now)
					action = e.newAction(ActionBlock, v, now, st.BlockExpiry)
					alert = e.newAlert(v, SeverityHigh, "block threshold sustained, blocking")
					return true
				}
				return false
			case v.Score < e.cfg.SuspiciousThreshold:
				st.CleanStreak++
				st.SuspiciousStreak = 0
				if st.CleanStreak >= e.cfg.ClearAfterM {
					st.State = statestore.StateObserving
					st.CleanStreak = 0
					return true
				}
				return false
			default:
				// Between thresholds: still suspicious, both streaks restart.
				st.SuspiciousStreak = 0
				st.CleanStreak = 0
				return false
			}

		case statestore.StateBlocked:
			if !now.Before(st.BlockExpiry) {
				// Lazy expiry for identities whose timer has not fired yet.
				e.release(st, now)
				action = e.newAction(ActionUnblock, v, now, time.Time{})
				return true
			}
			return false

		case statestore.StateRecovering:
			if now.After(st.ProbationUntil) {
				// Probation served. A hot verdict goes straight back to
				// Suspicious; a clean one closes the episode.
				if v.Score >= e.cfg.SuspiciousThreshold {
					st.State = statestore.StateSuspicious
					st.SuspiciousStreak = 0
					if v.Score >= e.cfg.BlockThreshold {
						st.SuspiciousStreak = 1
					}
					st.CleanStreak = 0
					action = e.newAction(ActionWatch, v, now, time.Time{})
					alert = e.newAlert(v, scoreSeverity(v.Score), "elevated threat score after probation")
				} else {
					st.State = statestore.StateObserving
					st.SuspiciousStreak = 0
					st.CleanStreak = 0
					st.BlockCount = 0
				}
				return true
			}
			if v.Score >= e.cfg.SuspiciousThreshold {
				// Relapse inside probation re-blocks immediately with an
				// extended duration; no re-accumulation required.
				e.block(st, now)
				action = e.newAction(ActionBlock, v, now, st.BlockExpiry)
				alert = e.newAlert(v, SeverityCritical, "relapse during probation, re-blocking")
				return true
			}
			return false
		}
		return false
	})

	if transitioned {
		mitTransitions.WithLabelValues(string(from), string(st.State)).Inc()
	}
	if action != nil {
		mitActions.WithLabelValues(string(action.Kind)).Inc()
	}
	return Decision{State: st, Action: action, Alert: alert}
}

// ExpireBlock is the timer callback for a block's scheduled expiry. The
// generation guard makes stale timers (from a superseded block) no-ops, so
// firing twice or after a manual transition is safe.
func (e *Engine) ExpireBlock(identity string, generation uint64, now time.Time) *Decision {
	var action *Action
	st, transitioned := e.store.CompareAndTransition(identity, now, func(st *statestore.SourceState) bool {
		if st.State != statestore.StateBlocked || st.Generation != generation {
			return false
		}
		if now.Before(st.BlockExpiry) {
			return false
		}
		e.release(st, now)
		action = &Action{
			ID:       uuid.NewString(),
			Identity: identity,
			Kind:     ActionUnblock,
			IssuedAt: now,
		}
		return true
	})
	if !transitioned {
		return nil
	}
	mitTransitions.WithLabelValues(string(statestore.StateBlocked), string(st.State)).Inc()
	mitActions.WithLabelValues(string(ActionUnblock)).Inc()
	return &Decision{State: st, Action: action}
}

// EvictIdle drops identities unseen for the idle timeout. Evicted sources
// reappear as Observing on next sighting.
func (e *Engine) EvictIdle(now time.Time) int {
	return e.store.EvictIdle(now.Add(-e.cfg.IdleTimeout))
}

// block moves st to Blocked with exponential, capped backoff on duration.
func (e *Engine) block(st *statestore.SourceState, now time.Time) {
	st.State = statestore.StateBlocked
	st.BlockCount++
	st.SuspiciousStreak = 0
	st.CleanStreak = 0
	st.BlockExpiry = now.Add(e.blockDuration(st.BlockCount))
	st.ProbationUntil = time.Time{}
}

// release moves st from Blocked to Recovering probation.
func (e *Engine) release(st *statestore.SourceState, now time.Time) {
	st.State = statestore.StateRecovering
	st.BlockExpiry = time.Time{}
	st.ProbationUntil = now.Add(e.cfg.ProbationWindow)
	st.SuspiciousStreak = 0
	st.CleanStreak = 0
}

func (e *Engine) blockDuration(blockCount int) time.Duration {
	d := e.cfg.BlockDuration
	for i := 1; i < blockCount; i++ {
		d *= 2
		if d >= e.cfg.BlockDurationCap {
			return e.cfg.BlockDurationCap
		}
	}
	if d > e.cfg.BlockDurationCap {
		d = e.cfg.BlockDurationCap
	}
	return d
}

func (e *Engine) newAction(kind ActionKind, v *ml.FusedVerdict, now time.Time, expires time.Time) *Action {
	return &Action{
		ID:        uuid.NewString(),
		Identity:  v.Identity,
		Kind:      kind,
		Score:     v.Score,
		VerdictID: v.ID,
		IssuedAt:  now,
		ExpiresAt: expires,
	}
}

func (e *Engine) newAlert(v *ml.FusedVerdict, sev Severity, note string) *Alert {
	label := ml.AttackLabel(&v.Vector)
	return &Alert{
		ID:         uuid.NewString(),
		Severity:   sev,
		Identity:   v.Identity,
		Summary:    fmt.Sprintf("%s from %s (score %.2f): %s", label, v.Identity, v.Score, note),
		AttackType: label,
		VerdictID:  v.ID,
		IssuedAt:   v.Timestamp,
	}
}

// scoreSeverity maps a fused score to alert severity.
func scoreSeverity(score float64) Severity {
	switch {
	case score >= 0.9:
		return SeverityCritical
	case score > 0.7:
		return SeverityHigh
	case score > 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
