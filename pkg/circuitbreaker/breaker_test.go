package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastSettings() Settings {
	return Settings{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

var errSink = errors.New("sink down")

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", fastSettings())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, func() error { return errSink }); !errors.Is(err, errSink) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker err = %v, want ErrCircuitOpen", err)
	}
	if !errors.Is(b.LastError(), errSink) {
		t.Fatalf("last error = %v", b.LastError())
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", fastSettings())
	ctx := context.Background()

	b.Execute(ctx, func() error { return errSink })
	b.Execute(ctx, func() error { return errSink })
	b.Execute(ctx, func() error { return nil })
	b.Execute(ctx, func() error { return errSink })
	b.Execute(ctx, func() error { return errSink })

	if b.State() != StateClosed {
		t.Fatalf("state = %v, streak should have reset", b.State())
	}
}

func TestHalfOpenProbesCloseCircuit(t *testing.T) {
	b := New("test", fastSettings())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, func() error { return errSink })
	}
	time.Sleep(40 * time.Millisecond) // past the open timeout

	// Two successful probes close the circuit.
	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("probe %d err = %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", fastSettings())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, func() error { return errSink })
	}
	time.Sleep(40 * time.Millisecond)

	if err := b.Execute(ctx, func() error { return errSink }); !errors.Is(err, errSink) {
		t.Fatalf("probe err = %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", b.State())
	}
}

func TestResetForcesClosed(t *testing.T) {
	b := New("test", fastSettings())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Execute(ctx, func() error { return errSink })
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v after reset", b.State())
	}
	if err := b.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("post-reset err = %v", err)
	}
}

func TestExecuteHonorsCancelledContext(t *testing.T) {
	b := New("test", fastSettings())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Execute(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
