package keel

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Queue configuration defaults.
const (
	defaultMaxMemoryUsage      = 0.8
	defaultMaxCPUUsage         = 0.85
	defaultBatchSize           = 20
	defaultMaxConcurrent       = 25
	defaultAutoScalingInterval = 10 * time.Second
	defaultLargeEventThreshold = 1 << 20   // 1 MiB
	defaultHugeEventThreshold  = 10 << 20  // 10 MiB
	defaultMaxEventSize        = 100 << 20 // 100 MiB
	defaultMaxProcessedEvents  = 10_000
)

// chunkYield is the cooperative pause between processed chunks.
const chunkYield = time.Millisecond

// QueueConfig is the event queue's tuning surface. Build it from
// DefaultQueueConfig and override fields; NewEventQueue normalizes
// non-positive numeric fields back to their defaults.
type QueueConfig struct {
	MaxMemoryUsage      float64       // backpressure threshold, fraction of host RAM (0.8)
	MaxCPUUsage         float64       // backpressure threshold, fraction (0.85)
	MaxQueueDepth       int           // 0 = unbounded
	BatchSize           int           // events per processing batch (20)
	MaxConcurrent       int           // global concurrency permits (25)
	EnableAutoScaling   bool          // adaptive batch/concurrency controller
	AutoScalingInterval time.Duration // scaler tick (10s)

	LargeEventThreshold int  // compression annotation threshold (1 MiB)
	HugeEventThreshold  int  // optional drop threshold (10 MiB)
	MaxEventSize        int  // hard rejection threshold (100 MiB)
	EnableCompression   bool // annotate metadata on large events
	DropHugeEvents      bool

	EnablePersistence     bool     // persist critical events via the Persistor
	PersistCriticalEvents bool     // persist events matching types/prefixes
	PersistAllEvents      bool     // persist every event
	CriticalEventTypes    []string // exact type matches
	CriticalEventPrefixes []string // prefix matches (default agent., workflow.)

	EnableEventStore        bool // append enqueued events to the event store
	MaxProcessedEvents      int  // dedup set bound (10 000)
	EnableGlobalConcurrency bool // gate handlers on the global semaphore
}

// DefaultQueueConfig returns the canonical defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxMemoryUsage:        defaultMaxMemoryUsage,
		MaxCPUUsage:           defaultMaxCPUUsage,
		BatchSize:             defaultBatchSize,
		MaxConcurrent:         defaultMaxConcurrent,
		AutoScalingInterval:   defaultAutoScalingInterval,
		LargeEventThreshold:   defaultLargeEventThreshold,
		HugeEventThreshold:    defaultHugeEventThreshold,
		MaxEventSize:          defaultMaxEventSize,
		EnableCompression:     true,
		PersistCriticalEvents: true,
		CriticalEventPrefixes: []string{"agent.", "workflow."},
		MaxProcessedEvents:    defaultMaxProcessedEvents,
	}
}

// ThroughputQueueConfig returns the alternate high-throughput profile
// (larger batches, lower CPU ceiling, autoscaler on).
func ThroughputQueueConfig() QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.MaxCPUUsage = 0.7
	cfg.BatchSize = 100
	cfg.EnableAutoScaling = true
	return cfg
}

// RetryPolicy re-enqueues failed events at a lower priority after an
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts int           // total handler attempts per event
	BaseDelay   time.Duration // first backoff; doubles per attempt
	Jitter      bool          // randomize each delay by ±25%
}

// QueueItem is the queue's bookkeeping wrapper around an event. Priority is
// immutable while the item is held; order among equal priorities is FIFO by
// EnqueuedAt.
type QueueItem struct {
	Event        Event
	Priority     int
	EnqueuedAt   time.Time
	RetryCount   int
	Size         int
	IsLarge      bool
	IsHuge       bool
	Compressed   bool
	OriginalSize int
	Persistent   bool
	PersistedAt  time.Time
	seq          uint64 // tiebreak for identical EnqueuedAt
}

// HandlerFunc processes one dequeued event. A non-nil error counts as a
// processing failure.
type HandlerFunc func(ctx context.Context, ev Event) error

// FailureFunc receives events that exhausted their retry budget (or failed
// with no retry policy). Typical implementations route to a DeadLetterQueue.
type FailureFunc func(ev Event, err error, attempts int)

// QueueStats is a point-in-time queue snapshot.
type QueueStats struct {
	Depth              int
	Processed          uint64
	Failed             uint64
	Duplicates         uint64
	Rejected           uint64
	Retried            uint64
	BatchSize          int
	MaxConcurrent      int
	BackpressureActive bool
	AvgProcessingTime  time.Duration
}

// QueueOption wires collaborators into an EventQueue.
type QueueOption func(*EventQueue)

// WithQueueLogger sets the structured logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *EventQueue) { q.logger = l }
}

// WithQueueTracer wraps batch processing in spans.
func WithQueueTracer(t Tracer) QueueOption {
	return func(q *EventQueue) { q.tracer = t }
}

// WithPersistor sets the snapshot log used for critical-event persistence.
func WithPersistor(p Persistor) QueueOption {
	return func(q *EventQueue) { q.persistor = p }
}

// WithEventStore sets the append-only event store.
func WithEventStore(s EventStore) QueueOption {
	return func(q *EventQueue) { q.eventStore = s }
}

// WithFailureHandler routes events that exhausted retries.
func WithFailureHandler(fn FailureFunc) QueueOption {
	return func(q *EventQueue) { q.onFailure = fn }
}

// WithRetryPolicy enables failed-event re-enqueue with backoff.
func WithRetryPolicy(p RetryPolicy) QueueOption {
	return func(q *EventQueue) { q.retry = &p }
}

// EventQueue is a priority, size-aware, resource-backpressured, optionally
// persistent in-process queue with deduplication, an adaptive autoscaler and
// a global concurrency semaphore.
//
// Ordering: higher priority first, FIFO within equal priority. Deduplication
// plus mark-processed-only-on-success yields at-least-once handler semantics.
// Backpressure is advisory: producers observe IsFull, consumers shrink their
// chunking, nothing is dropped.
type EventQueue struct {
	cfg        QueueConfig
	logger     *slog.Logger
	tracer     Tracer
	persistor  Persistor
	eventStore EventStore
	onFailure  FailureFunc
	retry      *RetryPolicy

	monitor *resourceMonitor
	sem     atomic.Pointer[Semaphore]
	scaler  *autoScaler

	batchSize     atomic.Int64
	maxConcurrent atomic.Int64

	mu             sync.Mutex
	items          []*QueueItem
	inQueue        map[string]struct{}
	processed      map[string]struct{}
	processedOrder []string
	seq            uint64
	pendingTimers  map[*time.Timer]struct{}

	processing atomic.Bool
	destroyed  atomic.Bool

	statProcessed  atomic.Uint64
	statFailed     atomic.Uint64
	statDuplicates atomic.Uint64
	statRejected   atomic.Uint64
	statRetried    atomic.Uint64
	procTimeNanos  atomic.Int64
	procTimeCount  atomic.Int64
}

// NewEventQueue creates a queue from cfg. Start from DefaultQueueConfig (or
// ThroughputQueueConfig) when overriding fields.
func NewEventQueue(cfg QueueConfig, opts ...QueueOption) *EventQueue {
	if cfg.MaxMemoryUsage <= 0 {
		cfg.MaxMemoryUsage = defaultMaxMemoryUsage
	}
	if cfg.MaxCPUUsage <= 0 {
		cfg.MaxCPUUsage = defaultMaxCPUUsage
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.AutoScalingInterval <= 0 {
		cfg.AutoScalingInterval = defaultAutoScalingInterval
	}
	if cfg.LargeEventThreshold <= 0 {
		cfg.LargeEventThreshold = defaultLargeEventThreshold
	}
	if cfg.HugeEventThreshold <= 0 {
		cfg.HugeEventThreshold = defaultHugeEventThreshold
	}
	if cfg.MaxEventSize <= 0 {
		cfg.MaxEventSize = defaultMaxEventSize
	}
	if cfg.MaxProcessedEvents <= 0 {
		cfg.MaxProcessedEvents = defaultMaxProcessedEvents
	}

	q := &EventQueue{
		cfg:           cfg,
		logger:        nopLogger,
		inQueue:       make(map[string]struct{}),
		processed:     make(map[string]struct{}),
		pendingTimers: make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.batchSize.Store(int64(cfg.BatchSize))
	q.maxConcurrent.Store(int64(cfg.MaxConcurrent))
	q.sem.Store(NewSemaphore(cfg.MaxConcurrent))
	q.monitor = newResourceMonitor(q.logger, func() (int, int) {
		return q.Len(), cfg.MaxQueueDepth
	})

	if cfg.EnableAutoScaling {
		q.scaler = newAutoScaler(q, cfg.AutoScalingInterval, q.logger)
		q.scaler.start()
		// Stop the scaler timer if the queue is abandoned without Destroy.
		runtime.AddCleanup(q, func(s *autoScaler) { s.stop() }, q.scaler)
	}
	return q
}

// Enqueue inserts an event at the given priority (higher first). Returns
// false when the event is a duplicate, oversized, a dropped huge event, or
// the depth limit is hit. Backpressure never causes rejection.
func (q *EventQueue) Enqueue(ev Event, priority int) bool {
	if q.destroyed.Load() {
		return false
	}

	q.mu.Lock()
	if _, done := q.processed[ev.ID]; done {
		q.mu.Unlock()
		q.statDuplicates.Add(1)
		q.logger.Debug("duplicate event ignored", "event_id", ev.ID, "event_type", ev.Type, "reason", "already-processed")
		return false
	}
	if _, queued := q.inQueue[ev.ID]; queued {
		q.mu.Unlock()
		q.statDuplicates.Add(1)
		q.logger.Debug("duplicate event ignored", "event_id", ev.ID, "event_type", ev.Type, "reason", "already-queued")
		return false
	}
	q.mu.Unlock()

	size := ev.EncodedSize()
	if size > q.cfg.MaxEventSize {
		q.statRejected.Add(1)
		q.logger.Warn("event exceeds max size", "event_id", ev.ID, "size", size, "max", q.cfg.MaxEventSize)
		return false
	}
	isHuge := size >= q.cfg.HugeEventThreshold
	if isHuge && q.cfg.DropHugeEvents {
		q.statRejected.Add(1)
		q.logger.Warn("huge event dropped", "event_id", ev.ID, "size", size, "threshold", q.cfg.HugeEventThreshold)
		return false
	}

	item := &QueueItem{
		Event:      ev,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		Size:       size,
		IsLarge:    size >= q.cfg.LargeEventThreshold,
		IsHuge:     isHuge,
	}
	if item.IsLarge && q.cfg.EnableCompression {
		// Annotation only: Data is never mutated, semantics are preserved on
		// dequeue. A transport-level encoder may act on the markers.
		item.Event = ev.WithMeta(MetaCompressed, true).WithMeta(MetaOriginalSize, size)
		item.Compressed = true
		item.OriginalSize = size
	}

	if q.cfg.MaxQueueDepth > 0 && q.Len() >= q.cfg.MaxQueueDepth {
		q.statRejected.Add(1)
		q.logger.Warn("queue depth limit hit", "event_id", ev.ID, "depth", q.Len(), "max_depth", q.cfg.MaxQueueDepth)
		return false
	}

	if q.backpressureActive() {
		q.logger.Debug("backpressure active, enqueueing anyway", "event_id", ev.ID, "depth", q.Len())
	}

	q.persistIfCritical(item)
	q.appendToStore(item.Event)

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, queued := q.inQueue[item.Event.ID]; queued {
		q.statDuplicates.Add(1)
		return false
	}
	q.insertLocked(item)
	return true
}

// insertLocked places the item maintaining priority-then-FIFO order. Linear
// scan from the tail; the queue is bounded by resource limits, not by
// algorithmic ambition.
func (q *EventQueue) insertLocked(item *QueueItem) {
	q.seq++
	item.seq = q.seq
	pos := len(q.items)
	for pos > 0 && q.items[pos-1].Priority < item.Priority {
		pos--
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
	q.inQueue[item.Event.ID] = struct{}{}
}

// persistIfCritical appends a snapshot for events matching the persistence
// policy. Failures log and proceed: the in-memory queue stays authoritative.
func (q *EventQueue) persistIfCritical(item *QueueItem) {
	if !q.cfg.EnablePersistence || q.persistor == nil {
		return
	}
	if !q.cfg.PersistAllEvents && !q.isCritical(item.Event.Type) {
		return
	}
	ts := NowUnixMilli()
	snap := Snapshot{
		XCID:   "queue-critical",
		Hash:   SnapshotHash(item.Event.ID, ts, 0),
		TS:     ts,
		Events: []Event{item.Event},
		State:  map[string]any{"type": "queue-event", "priority": item.Priority},
	}
	if err := q.persistor.Append(context.Background(), snap); err != nil {
		q.logger.Warn("failed to persist critical event", "event_id", item.Event.ID, "error", err)
		return
	}
	item.Persistent = true
	item.PersistedAt = time.Now()
}

func (q *EventQueue) isCritical(eventType string) bool {
	if !q.cfg.PersistCriticalEvents {
		return false
	}
	for _, t := range q.cfg.CriticalEventTypes {
		if eventType == t {
			return true
		}
	}
	for _, p := range q.cfg.CriticalEventPrefixes {
		if len(eventType) >= len(p) && eventType[:len(p)] == p {
			return true
		}
	}
	return false
}

// appendToStore appends to the event store, best-effort.
func (q *EventQueue) appendToStore(ev Event) {
	if !q.cfg.EnableEventStore || q.eventStore == nil {
		return
	}
	if err := q.eventStore.AppendEvents(context.Background(), []Event{ev}); err != nil {
		q.logger.Warn("failed to append event to store", "event_id", ev.ID, "error", err)
	}
}

// Dequeue removes and returns the head event.
func (q *EventQueue) Dequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	delete(q.inQueue, item.Event.ID)
	return item.Event, true
}

// Len returns the current depth.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsFull reports whether backpressure is active. Advisory: producers should
// slow down, but Enqueue still accepts events.
func (q *EventQueue) IsFull() bool {
	return q.backpressureActive()
}

func (q *EventQueue) backpressureActive() bool {
	if q.cfg.MaxQueueDepth > 0 && q.Len() >= q.cfg.MaxQueueDepth {
		return true
	}
	if q.monitor.MemoryUsage() > q.cfg.MaxMemoryUsage {
		return true
	}
	return q.monitor.CPUUsage() > q.cfg.MaxCPUUsage
}

// ProcessBatch drains up to the current batch size through handler. Returns
// the number of successfully handled events. Concurrent callers observe a
// no-op (re-entrancy guard).
func (q *EventQueue) ProcessBatch(ctx context.Context, handler HandlerFunc) (int, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.processing.Store(false)
	return q.processSlice(ctx, handler, int(q.batchSize.Load()))
}

// ProcessAll drains the queue through handler until empty or ctx is done.
// Concurrent callers observe a no-op.
func (q *EventQueue) ProcessAll(ctx context.Context, handler HandlerFunc) (int, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.processing.Store(false)

	total := 0
	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := q.processSlice(ctx, handler, int(q.batchSize.Load()))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// processSlice pops up to limit items and runs them through handler in small
// chunks. Chunk size is 1 under backpressure, else min(5, remaining), to keep
// tail latency low. Chunk members run concurrently, each gated on the global
// semaphore when enabled.
func (q *EventQueue) processSlice(ctx context.Context, handler HandlerFunc, limit int) (int, error) {
	var span Span
	if q.tracer != nil {
		ctx, span = q.tracer.Start(ctx, "queue.process_batch", IntAttr("batch_limit", limit))
		defer span.End()
	}

	q.mu.Lock()
	n := min(limit, len(q.items))
	batch := make([]*QueueItem, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	for _, item := range batch {
		delete(q.inQueue, item.Event.ID)
	}
	q.mu.Unlock()

	if span != nil {
		span.SetAttr(IntAttr("batch_size", n))
	}

	processed := 0
	for start := 0; start < len(batch); {
		chunk := 1
		if !q.backpressureActive() {
			chunk = min(5, len(batch)-start)
		}
		end := start + chunk

		var wg sync.WaitGroup
		var okCount atomic.Int64
		for _, item := range batch[start:end] {
			wg.Add(1)
			go func(item *QueueItem) {
				defer wg.Done()
				if q.handleItem(ctx, item, handler) {
					okCount.Add(1)
				}
			}(item)
		}
		wg.Wait()
		processed += int(okCount.Load())

		start = end
		if start < len(batch) {
			// Cooperative yield between chunks.
			select {
			case <-time.After(chunkYield):
			case <-ctx.Done():
				return processed, ctx.Err()
			}
		}
	}
	return processed, nil
}

// handleItem runs one event through the handler. Returns true on success.
func (q *EventQueue) handleItem(ctx context.Context, item *QueueItem, handler HandlerFunc) bool {
	if q.cfg.EnableGlobalConcurrency {
		sem := q.sem.Load()
		if err := sem.Acquire(ctx); err != nil {
			q.requeueOrFail(item, err)
			return false
		}
		defer sem.Release()
	}

	start := time.Now()
	err := handler(ctx, item.Event)
	elapsed := time.Since(start)
	q.procTimeNanos.Add(int64(elapsed))
	q.procTimeCount.Add(1)

	if err != nil {
		q.statFailed.Add(1)
		q.logger.Error("event handler failed",
			"event_id", item.Event.ID,
			"event_type", item.Event.Type,
			"priority", item.Priority,
			"retry_count", item.RetryCount,
			"correlation_id", item.Event.MetaString(MetaCorrelationID),
			"error", err)
		q.requeueOrFail(item, err)
		return false
	}

	q.statProcessed.Add(1)
	q.markProcessed(item.Event.ID)
	return true
}

// markProcessed records the id in the bounded dedup set, evicting the oldest
// entry in insertion order once past MaxProcessedEvents.
func (q *EventQueue) markProcessed(id string) {
	q.mu.Lock()
	if _, done := q.processed[id]; !done {
		q.processed[id] = struct{}{}
		q.processedOrder = append(q.processedOrder, id)
		for len(q.processedOrder) > q.cfg.MaxProcessedEvents {
			oldest := q.processedOrder[0]
			q.processedOrder = q.processedOrder[1:]
			delete(q.processed, oldest)
		}
	}
	q.mu.Unlock()

	if q.cfg.EnableEventStore && q.eventStore != nil {
		if err := q.eventStore.MarkProcessed(context.Background(), []string{id}); err != nil {
			q.logger.Debug("failed to mark event processed in store", "event_id", id, "error", err)
		}
	}
}

// requeueOrFail re-enqueues the item at a lower priority after backoff when a
// retry policy allows, else hands it to the failure handler.
func (q *EventQueue) requeueOrFail(item *QueueItem, err error) {
	attempts := item.RetryCount + 1
	if q.retry != nil && attempts < q.retry.MaxAttempts {
		delay := q.retry.BaseDelay << uint(item.RetryCount)
		if q.retry.Jitter {
			// ±25% jitter.
			delta := float64(delay) * 0.25
			delay = time.Duration(float64(delay) - delta + rand.Float64()*2*delta)
		}
		q.statRetried.Add(1)
		q.logger.Warn("re-enqueueing failed event",
			"event_id", item.Event.ID, "attempt", attempts, "delay", delay)

		retryItem := *item
		retryItem.RetryCount = attempts
		retryItem.Priority = item.Priority - 1
		retryItem.EnqueuedAt = time.Now()

		q.mu.Lock()
		if q.destroyed.Load() {
			q.mu.Unlock()
			return
		}
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.pendingTimers, timer)
			if q.destroyed.Load() {
				q.mu.Unlock()
				return
			}
			q.insertLocked(&retryItem)
			q.mu.Unlock()
		})
		q.pendingTimers[timer] = struct{}{}
		q.mu.Unlock()
		return
	}

	if q.onFailure != nil {
		q.onFailure(item.Event, err, attempts)
	}
}

// Stats returns a point-in-time snapshot.
func (q *EventQueue) Stats() QueueStats {
	var avg time.Duration
	if c := q.procTimeCount.Load(); c > 0 {
		avg = time.Duration(q.procTimeNanos.Load() / c)
	}
	return QueueStats{
		Depth:              q.Len(),
		Processed:          q.statProcessed.Load(),
		Failed:             q.statFailed.Load(),
		Duplicates:         q.statDuplicates.Load(),
		Rejected:           q.statRejected.Load(),
		Retried:            q.statRetried.Load(),
		BatchSize:          int(q.batchSize.Load()),
		MaxConcurrent:      int(q.maxConcurrent.Load()),
		BackpressureActive: q.backpressureActive(),
		AvgProcessingTime:  avg,
	}
}

// setMaxConcurrent swaps in a fresh semaphore with the new capacity.
// In-flight handlers drain under the old one; the change is eventually
// consistent.
func (q *EventQueue) setMaxConcurrent(n int) {
	q.maxConcurrent.Store(int64(n))
	q.sem.Store(NewSemaphore(n))
}

// setBatchSize adjusts the processing batch size.
func (q *EventQueue) setBatchSize(n int) {
	q.batchSize.Store(int64(n))
}

// Destroy stops the scaler and retry timers and clears all queue state.
// Handlers in flight run to completion.
func (q *EventQueue) Destroy() {
	if !q.destroyed.CompareAndSwap(false, true) {
		return
	}
	if q.scaler != nil {
		q.scaler.stop()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for timer := range q.pendingTimers {
		timer.Stop()
	}
	q.pendingTimers = make(map[*time.Timer]struct{})
	q.items = nil
	q.inQueue = make(map[string]struct{})
	q.processed = make(map[string]struct{})
	q.processedOrder = nil
}
