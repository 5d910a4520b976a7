package keel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually-stepped time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func failingOp(ctx context.Context) (any, error) {
	return nil, errors.New("connection refused")
}

func okOp(ctx context.Context) (any, error) {
	return "ok", nil
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker("tools",
		WithFailureThreshold(3),
		WithBreakerClock(clock.Now))
	ctx := context.Background()

	for i := range 3 {
		out := b.Execute(ctx, failingOp)
		if !out.Executed {
			t.Fatalf("call %d should execute", i)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN after 3 failures", b.State())
	}

	out := b.Execute(ctx, okOp)
	if !out.Rejected {
		t.Fatal("open breaker should reject")
	}
	var open *ErrCircuitOpen
	if !errors.As(out.Err, &open) {
		t.Fatalf("rejection error = %T, want *ErrCircuitOpen", out.Err)
	}
	if open.Name != "tools" {
		t.Errorf("rejection names %q, want tools", open.Name)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker("b",
		WithFailureThreshold(3),
		WithBreakerClock(clock.Now))
	ctx := context.Background()

	b.Execute(ctx, failingOp)
	b.Execute(ctx, failingOp)
	b.Execute(ctx, okOp)
	b.Execute(ctx, failingOp)
	b.Execute(ctx, failingOp)

	if b.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED (streak broken by success)", b.State())
	}
	b.Execute(ctx, failingOp)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN after fresh streak of 3", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := NewCircuitBreaker("b",
		WithFailureThreshold(1),
		WithRecoveryTimeout(30*time.Second),
		WithSuccessThreshold(2),
		WithBreakerClock(clock.Now),
		WithStateChange(func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+">"+to.String())
		}))
	ctx := context.Background()

	b.Execute(ctx, failingOp)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	// Still rejecting before the recovery timeout.
	clock.Advance(29 * time.Second)
	if out := b.Execute(ctx, okOp); !out.Rejected {
		t.Fatal("should reject before recovery timeout")
	}

	// First probe executes and moves to HALF_OPEN.
	clock.Advance(2 * time.Second)
	out := b.Execute(ctx, okOp)
	if out.Rejected || out.Err != nil {
		t.Fatalf("probe should execute: %+v", out)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN after one probe success", b.State())
	}

	// Second success closes.
	b.Execute(ctx, okOp)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED after success threshold", b.State())
	}

	want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker("b",
		WithFailureThreshold(1),
		WithRecoveryTimeout(10*time.Second),
		WithBreakerClock(clock.Now))
	ctx := context.Background()

	b.Execute(ctx, failingOp)
	clock.Advance(11 * time.Second)
	b.Execute(ctx, failingOp) // probe fails

	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN after failed probe", b.State())
	}
	if got := b.NextAttempt(); !got.Equal(clock.Now().Add(10 * time.Second)) {
		t.Errorf("nextAttempt = %v, want now+10s", got)
	}
}

func TestBreakerOperationTimeout(t *testing.T) {
	b := NewCircuitBreaker("slow",
		WithFailureThreshold(1),
		WithOperationTimeout(20*time.Millisecond))
	ctx := context.Background()

	out := b.Execute(ctx, func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if out.Err == nil {
		t.Fatal("expected timeout error")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN (timeout counts as failure)", b.State())
	}
	counts := b.Counts()
	if counts.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", counts.Timeouts)
	}
}

func TestBreakerCounts(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker("b",
		WithFailureThreshold(2),
		WithBreakerClock(clock.Now))
	ctx := context.Background()

	b.Execute(ctx, okOp)
	b.Execute(ctx, failingOp)
	b.Execute(ctx, failingOp) // opens
	b.Execute(ctx, okOp)      // rejected

	counts := b.Counts()
	if counts.Total != 4 {
		t.Errorf("Total = %d, want 4", counts.Total)
	}
	if counts.Successful != 1 {
		t.Errorf("Successful = %d, want 1", counts.Successful)
	}
	if counts.Failed != 2 {
		t.Errorf("Failed = %d, want 2", counts.Failed)
	}
	if counts.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", counts.Rejected)
	}
}
