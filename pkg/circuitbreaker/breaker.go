// Package circuitbreaker protects delivery sinks from hammering a failing
// collaborator: consecutive failures open the circuit, a timeout later a
// limited number of probes decide whether to close it again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker refuses requests.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when half-open probe capacity is used up.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings controls breaker behavior.
type Settings struct {
	MaxRequests      uint32        // concurrent probes allowed in half-open
	Interval         time.Duration // statistical window while closed
	Timeout          time.Duration // open duration before probing
	FailureThreshold uint32        // consecutive failures that open the circuit
	SuccessThreshold uint32        // consecutive probe successes that close it
	OnStateChange    func(name string, from, to State)
}

func DefaultSettings() Settings {
	return Settings{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Breaker is a named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings

	state    atomic.Value // State
	mu       sync.Mutex
	counts   counters
	expiry   time.Time // Open -> HalfOpen transition time
	halfOpen uint32
	lastErr  error
}

type counters struct {
	requests        uint32
	successes       uint32
	failures        uint32
	consecutiveFail uint32
	consecutiveSucc uint32
}

func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.SuccessThreshold == 0 {
		settings.SuccessThreshold = 2
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.Interval == 0 {
		settings.Interval = 60 * time.Second
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	b := &Breaker{name: name, settings: settings}
	b.state.Store(StateClosed)
	return b
}

// Execute runs fn under breaker protection. The context is checked before
// the call; fn itself is responsible for honoring it.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.beforeRequest(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(false, errors.New("panic recovered"))
			panic(r)
		}
	}()
	err := fn()
	b.afterRequest(err == nil, err)
	return err
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	return b.state.Load().(State)
}

// LastError returns the error that most recently counted as a failure.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Reset forces the breaker closed and clears its window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newWindow(time.Now())
	b.setState(StateClosed)
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.currentState(now) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpen >= b.settings.MaxRequests {
			return ErrTooManyRequests
		}
		b.halfOpen++
	case StateClosed:
		if b.expiry.Before(now) {
			b.newWindow(now)
		}
	}
	b.counts.requests++
	return nil
}

func (b *Breaker) afterRequest(success bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	if state == StateHalfOpen && b.halfOpen > 0 {
		b.halfOpen--
	}

	if success {
		b.counts.successes++
		b.counts.consecutiveFail = 0
		b.counts.consecutiveSucc++
		if state == StateHalfOpen && b.counts.consecutiveSucc >= b.settings.SuccessThreshold {
			b.newWindow(now)
			b.setState(StateClosed)
		}
		return
	}

	b.counts.failures++
	b.counts.consecutiveSucc = 0
	b.counts.consecutiveFail++
	b.lastErr = err
	if b.counts.consecutiveFail >= b.settings.FailureThreshold || state == StateHalfOpen {
		b.expiry = now.Add(b.settings.Timeout)
		b.setState(StateOpen)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	state := b.State()
	if state == StateOpen && b.expiry.Before(now) {
		b.setState(StateHalfOpen)
		return StateHalfOpen
	}
	return state
}

func (b *Breaker) setState(next State) {
	prev := b.State()
	if prev == next {
		return
	}
	b.state.Store(next)
	if b.settings.OnStateChange != nil {
		go b.settings.OnStateChange(b.name, prev, next)
	}
}

func (b *Breaker) newWindow(now time.Time) {
	b.counts = counters{}
	b.expiry = now.Add(b.settings.Interval)
	b.halfOpen = 0
}
