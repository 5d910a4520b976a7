package keel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed lets all calls through.
	StateClosed CircuitState = iota
	// StateOpen rejects all calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen lets calls through while probing for recovery.
	StateHalfOpen
)

// String returns the canonical upper-case state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Outcome reports one circuit-protected call.
type Outcome struct {
	Result   any
	Err      error
	State    CircuitState
	Executed bool
	Rejected bool
	Duration time.Duration
}

// BreakerCounts holds the breaker's monotonic counters.
type BreakerCounts struct {
	Total      uint64
	Successful uint64
	Failed     uint64
	Rejected   uint64
	Timeouts   uint64
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to CircuitState)

// Breaker default tuning. Tool-facing breakers typically override
// FailureThreshold to 3 and RecoveryTimeout to 150s.
const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
	defaultSuccessThreshold = 2
	defaultOperationTimeout = 60 * time.Second
)

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive-failure count that opens the
// circuit (default 5).
func WithFailureThreshold(n int) BreakerOption {
	return func(b *CircuitBreaker) { b.failureThreshold = n }
}

// WithRecoveryTimeout sets how long an open circuit waits before probing
// (default 60s).
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) { b.recoveryTimeout = d }
}

// WithSuccessThreshold sets the half-open success count required to close
// (default 2).
func WithSuccessThreshold(n int) BreakerOption {
	return func(b *CircuitBreaker) { b.successThreshold = n }
}

// WithOperationTimeout bounds each protected call (default 60s). A timeout
// counts as a failure.
func WithOperationTimeout(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) { b.operationTimeout = d }
}

// WithStateChange registers a callback fired on every state transition.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(b *CircuitBreaker) { b.onStateChange = fn }
}

// WithBreakerLogger sets the structured logger for breaker transitions.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *CircuitBreaker) { b.logger = l }
}

// WithBreakerClock overrides the time source. Tests use this to step through
// the recovery timeout without sleeping.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// CircuitBreaker is a three-state guard around an operation. It owns no
// concurrency of its own: Execute runs the operation on the caller's
// goroutine (under a timeout) and only the state bookkeeping is locked.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int
	operationTimeout time.Duration
	onStateChange    StateChangeFunc
	logger           *slog.Logger
	now              func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastStateChange time.Time
	nextAttempt     time.Time // set iff state == StateOpen
	counts          BreakerCounts
}

// NewCircuitBreaker creates a named breaker in the CLOSED state.
func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		name:             name,
		failureThreshold: defaultFailureThreshold,
		recoveryTimeout:  defaultRecoveryTimeout,
		successThreshold: defaultSuccessThreshold,
		operationTimeout: defaultOperationTimeout,
		logger:           nopLogger,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

// Name returns the breaker's name.
func (b *CircuitBreaker) Name() string { return b.name }

// State returns the current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a snapshot of the monotonic counters.
func (b *CircuitBreaker) Counts() BreakerCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// NextAttempt returns the earliest time an open circuit will probe again.
// Zero when the circuit is not open.
func (b *CircuitBreaker) NextAttempt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAttempt
}

// Execute runs op under the breaker. Rejected calls return a synthetic
// *ErrCircuitOpen without invoking op; executed calls race op against the
// operation timeout, and a timeout counts as a failure.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) (any, error)) Outcome {
	b.mu.Lock()
	b.counts.Total++
	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			b.counts.Rejected++
			next := b.nextAttempt
			state := b.state
			b.mu.Unlock()
			return Outcome{
				Err:      &ErrCircuitOpen{Name: b.name, NextAttempt: next},
				State:    state,
				Rejected: true,
			}
		}
		b.transition(StateHalfOpen)
	case StateHalfOpen, StateClosed:
		// proceed
	}
	b.mu.Unlock()

	start := b.now()
	result, err, timedOut := b.run(ctx, op)
	duration := b.now().Sub(start)

	b.mu.Lock()
	defer b.mu.Unlock()
	if timedOut {
		b.counts.Timeouts++
	}
	if err != nil {
		b.counts.Failed++
		b.onFailure()
	} else {
		b.counts.Successful++
		b.onSuccess()
	}
	return Outcome{
		Result:   result,
		Err:      err,
		State:    b.state,
		Executed: true,
		Duration: duration,
	}
}

// run executes op with the operation timeout. The op goroutine is abandoned
// on timeout; it runs to completion against its cancelled context.
func (b *CircuitBreaker) run(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error, bool) {
	opCtx, cancel := context.WithTimeout(ctx, b.operationTimeout)
	defer cancel()

	type opResult struct {
		result any
		err    error
	}
	done := make(chan opResult, 1)
	go func() {
		r, err := op(opCtx)
		done <- opResult{r, err}
	}()

	select {
	case r := <-done:
		return r.result, r.err, false
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err(), false
		}
		return nil, fmt.Errorf("operation timeout after %s: %w", b.operationTimeout, opCtx.Err()), true
	}
}

// onSuccess records a success. Callers hold b.mu.
func (b *CircuitBreaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.transition(StateClosed)
		}
	}
}

// onFailure records a failure. Callers hold b.mu.
func (b *CircuitBreaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// transition moves to a new state and fires the observer callback.
// Callers hold b.mu.
func (b *CircuitBreaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = b.now()
	switch to {
	case StateOpen:
		b.nextAttempt = b.now().Add(b.recoveryTimeout)
	default:
		b.nextAttempt = time.Time{}
	}
	if to == StateClosed || to == StateHalfOpen {
		b.failureCount = 0
	}
	if to != StateHalfOpen {
		b.successCount = 0
	}
	b.logger.Info("circuit breaker state change",
		"breaker", b.name, "from", from.String(), "to", to.String())
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
