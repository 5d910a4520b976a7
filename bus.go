package keel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// busMaxAttempts is the delivery budget before an event dead-letters.
const busMaxAttempts = 2

// defaultRequestTimeout bounds Request round trips.
const defaultRequestTimeout = 30 * time.Second

// EmitOptions tune one bus emission.
type EmitOptions struct {
	// DeliveryGuarantee is advisory ("at-least-once" is the only supported
	// mode; the queue's retry plus DLQ path implements it).
	DeliveryGuarantee string
	CorrelationID     string
	// Priority sets the queue priority (higher first, default 0).
	Priority int
}

// EmitResult reports an emission.
type EmitResult struct {
	Success bool
	EventID string
	Err     error
}

// BusHandler consumes one event. The returned payload is used for Request
// round trips; plain subscriptions ignore it.
type BusHandler func(ctx context.Context, ev Event) (map[string]any, error)

// Bus routes events between components. Handlers are registered per event
// type; a trailing ".*" subscribes to a whole dotted prefix.
type Bus interface {
	EmitAsync(ctx context.Context, eventType string, payload map[string]any, opts EmitOptions) EmitResult
	RegisterHandler(eventType string, h BusHandler)
	// Request emits reqType and blocks until a respType event with the same
	// correlation id arrives, or ctx expires.
	Request(ctx context.Context, reqType, respType string, payload map[string]any, opts EmitOptions) (map[string]any, error)
	// Ack confirms delivery of an in-flight event.
	Ack(eventID string)
	// Nack reports a failed delivery; the event re-enters the retry path.
	Nack(eventID string, err error)
}

// InMemoryBus is a Bus over an EventQueue. Events that exhaust the queue's
// retry budget route to the dead-letter queue. The bus also implements
// Emitter and EventCounter, so it can serve as an agent's lifecycle sink.
type InMemoryBus struct {
	queue  *EventQueue
	dlq    *DeadLetterQueue
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]BusHandler

	pendingMu sync.Mutex
	pending   map[string]chan map[string]any // correlationId -> response

	inflightMu sync.Mutex
	inflight   map[string]Event

	emitted atomic.Uint64
	drainMu sync.Mutex
}

// BusOption configures an InMemoryBus.
type BusOption func(*InMemoryBus)

// WithBusLogger sets the structured logger.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *InMemoryBus) { b.logger = l }
}

// WithBusDLQ routes exhausted events to the dead-letter queue.
func WithBusDLQ(dlq *DeadLetterQueue) BusOption {
	return func(b *InMemoryBus) { b.dlq = dlq }
}

// NewInMemoryBus creates a bus over its own event queue built from cfg. The
// queue retries each delivery once before dead-lettering (two attempts
// total).
func NewInMemoryBus(cfg QueueConfig, opts ...BusOption) *InMemoryBus {
	b := &InMemoryBus{
		logger:   nopLogger,
		handlers: make(map[string][]BusHandler),
		pending:  make(map[string]chan map[string]any),
		inflight: make(map[string]Event),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.queue = NewEventQueue(cfg,
		WithQueueLogger(b.logger),
		WithRetryPolicy(RetryPolicy{
			MaxAttempts: busMaxAttempts,
			BaseDelay:   50 * time.Millisecond,
			Jitter:      true,
		}),
		WithFailureHandler(b.onExhausted),
	)
	return b
}

// EmitAsync enqueues the event. Success means accepted by the queue, not yet
// delivered.
func (b *InMemoryBus) EmitAsync(ctx context.Context, eventType string, payload map[string]any, opts EmitOptions) EmitResult {
	ev := NewEvent(eventType, payload)
	if opts.CorrelationID != "" {
		ev = ev.WithMeta(MetaCorrelationID, opts.CorrelationID)
	}
	if !b.queue.Enqueue(ev, opts.Priority) {
		return EmitResult{
			EventID: ev.ID,
			Err:     &ErrQueueRejected{EventID: ev.ID, Reason: "duplicate, oversized, or queue at capacity"},
		}
	}
	b.emitted.Add(1)
	return EmitResult{Success: true, EventID: ev.ID}
}

// Emit adapts the bus to the Emitter interface, best-effort.
func (b *InMemoryBus) Emit(ctx context.Context, ev Event) {
	if !b.queue.Enqueue(ev, 0) {
		b.logger.Debug("bus dropped event", "event_id", ev.ID, "event_type", ev.Type)
		return
	}
	b.emitted.Add(1)
}

// EventCount returns the number of accepted emissions.
func (b *InMemoryBus) EventCount() uint64 { return b.emitted.Load() }

// RegisterHandler subscribes a handler to an event type. "tool.*" style
// patterns match any type under the prefix.
func (b *InMemoryBus) RegisterHandler(eventType string, h BusHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Request emits reqType and waits for a respType event carrying the same
// correlation id. The responder side emits respType via EmitAsync with the
// request's correlation id.
func (b *InMemoryBus) Request(ctx context.Context, reqType, respType string, payload map[string]any, opts EmitOptions) (map[string]any, error) {
	corrID := opts.CorrelationID
	if corrID == "" {
		corrID = NewID()
	}

	respCh := make(chan map[string]any, 1)
	b.pendingMu.Lock()
	b.pending[corrID] = respCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, corrID)
		b.pendingMu.Unlock()
	}()

	b.ensureResponseRoute(respType)

	opts.CorrelationID = corrID
	if res := b.EmitAsync(ctx, reqType, payload, opts); !res.Success {
		return nil, fmt.Errorf("emit %s: %w", reqType, res.Err)
	}

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	// Deliveries run on Drain; kick one in the background so a Request
	// without an external drain loop still completes.
	go b.Drain(context.WithoutCancel(waitCtx))

	select {
	case resp := <-respCh:
		return resp, nil
	case <-waitCtx.Done():
		return nil, fmt.Errorf("request %s timed out awaiting %s: %w", reqType, respType, waitCtx.Err())
	}
}

// ensureResponseRoute installs the response-completion handler for respType
// once.
func (b *InMemoryBus) ensureResponseRoute(respType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handlers[respType]) > 0 {
		return
	}
	b.handlers[respType] = append(b.handlers[respType], func(ctx context.Context, ev Event) (map[string]any, error) {
		corrID := ev.MetaString(MetaCorrelationID)
		b.pendingMu.Lock()
		ch, ok := b.pending[corrID]
		b.pendingMu.Unlock()
		if ok {
			select {
			case ch <- ev.Data:
			default:
			}
		}
		return nil, nil
	})
}

// Ack confirms an in-flight delivery.
func (b *InMemoryBus) Ack(eventID string) {
	b.inflightMu.Lock()
	delete(b.inflight, eventID)
	b.inflightMu.Unlock()
}

// Nack re-enqueues an in-flight event at reduced priority for another
// delivery attempt.
func (b *InMemoryBus) Nack(eventID string, err error) {
	b.inflightMu.Lock()
	ev, ok := b.inflight[eventID]
	delete(b.inflight, eventID)
	b.inflightMu.Unlock()
	if !ok {
		return
	}
	b.logger.Warn("event nacked, redelivering", "event_id", eventID, "error", err)
	b.queue.Enqueue(ev, -1)
}

// Drain processes queued events through the registered handlers until the
// queue is empty or ctx is done. Serialized: concurrent drains wait.
func (b *InMemoryBus) Drain(ctx context.Context) (int, error) {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()
	return b.queue.ProcessAll(ctx, b.dispatch)
}

// dispatch fans one event out to its handlers. The first handler error fails
// the delivery (the queue retries).
func (b *InMemoryBus) dispatch(ctx context.Context, ev Event) error {
	b.inflightMu.Lock()
	b.inflight[ev.ID] = ev
	b.inflightMu.Unlock()

	handlers := b.matchHandlers(ev.Type)
	if len(handlers) == 0 {
		b.logger.Debug("no handlers for event", "event_type", ev.Type, "event_id", ev.ID)
		b.Ack(ev.ID)
		return nil
	}

	for _, h := range handlers {
		if _, err := h(ctx, ev); err != nil {
			b.emitRuntime(EventFailed, ev, err)
			return err
		}
	}
	b.Ack(ev.ID)
	b.emitRuntime(EventProcessed, ev, nil)
	return nil
}

// matchHandlers resolves exact and prefix-pattern subscriptions.
func (b *InMemoryBus) matchHandlers(eventType string) []BusHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := append([]BusHandler(nil), b.handlers[eventType]...)
	for pattern, hs := range b.handlers {
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && strings.HasPrefix(eventType, prefix+".") {
			out = append(out, hs...)
		}
	}
	return out
}

// emitRuntime publishes runtime.event_processed / runtime.event_failed.
// Runtime events themselves are not re-reported on failure.
func (b *InMemoryBus) emitRuntime(eventType string, ev Event, cause error) {
	if ev.TypeHead() == "runtime" {
		return
	}
	data := map[string]any{"eventId": ev.ID, "eventType": ev.Type}
	if cause != nil {
		data["error"] = cause.Error()
	}
	report := NewEvent(eventType, data)
	if corrID := ev.MetaString(MetaCorrelationID); corrID != "" {
		report = report.WithMeta(MetaCorrelationID, corrID)
	}
	if b.queue.Enqueue(report, -1) {
		b.emitted.Add(1)
	}
}

// onExhausted routes an event that used up its delivery budget.
func (b *InMemoryBus) onExhausted(ev Event, err error, attempts int) {
	b.inflightMu.Lock()
	delete(b.inflight, ev.ID)
	b.inflightMu.Unlock()

	b.logger.Error("event exhausted delivery attempts",
		"event_id", ev.ID, "event_type", ev.Type, "attempts", attempts, "error", err)
	if b.dlq != nil {
		b.dlq.Send(context.Background(), ev, err, attempts, ProcessingContext{
			HandlerName:   "bus",
			CorrelationID: ev.MetaString(MetaCorrelationID),
			AgentID:       ev.MetaString(MetaAgentID),
			WorkflowID:    ev.MetaString(MetaWorkflowID),
		})
	}
}

// Close destroys the underlying queue.
func (b *InMemoryBus) Close() {
	b.queue.Destroy()
}
