package keel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DLQ configuration defaults.
const (
	defaultMaxDLQSize       = 1000
	defaultMaxRetentionDays = 7
	defaultCleanupInterval  = time.Hour
	defaultAlertThreshold   = 100
)

// dlqXCID keys DLQ snapshots in the Persistor.
const dlqXCID = "dlq"

// dlqStateType marks a snapshot as a DLQ item record.
const dlqStateType = "dlq-item"

// DLQError is one recorded failure of a dead-lettered event. Attempt -1
// marks a poison entry.
type DLQError struct {
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Attempt   int    `json:"attempt"`
}

// ProcessingContext captures where an event failed.
type ProcessingContext struct {
	HandlerName   string `json:"handlerName,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	WorkflowID    string `json:"workflowId,omitempty"`
}

// DLQItem is a dead-lettered event plus its failure history. Attempts is
// monotonically non-decreasing; FirstFailedAt <= LastFailedAt.
type DLQItem struct {
	ID                string            `json:"id"` // == Event.ID
	Event             Event             `json:"event"`
	Errors            []DLQError        `json:"errors"`
	Attempts          int               `json:"attempts"`
	FirstFailedAt     int64             `json:"firstFailedAt"`
	LastFailedAt      int64             `json:"lastFailedAt"`
	DLQTimestamp      int64             `json:"dlqTimestamp"`
	OriginalPriority  int               `json:"originalPriority"`
	ProcessingContext ProcessingContext `json:"processingContext"`
	Tags              []string          `json:"tags"`
	CanReprocess      bool              `json:"canReprocess"`
}

// hasTag reports whether the item carries the tag.
func (it *DLQItem) hasTag(tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// addTag appends the tag if absent.
func (it *DLQItem) addTag(tag string) {
	if !it.hasTag(tag) {
		it.Tags = append(it.Tags, tag)
	}
}

// ReprocessCriteria select DLQ items for bulk reprocessing. All provided
// criteria must match.
type ReprocessCriteria struct {
	EventType string        // exact event type
	ErrorType string        // classified error tag value ("timeout", "auth", ...)
	Tag       string        // full tag match ("error:timeout", "type:agent", ...)
	MaxAge    time.Duration // selects items at least this old
	Limit     int           // cap on reprocessed items (0 = no cap)
}

// DLQStats aggregates the queue's contents.
type DLQStats struct {
	Size          int
	ByEventType   map[string]int
	ByErrorType   map[string]int
	AvgAttempts   float64
	Oldest        *DLQItem
	Recent        []DLQItem // up to 10 items, newest first
	TotalReceived uint64
	TotalEvicted  uint64
}

// DLQConfig is the dead-letter queue's tuning surface.
type DLQConfig struct {
	MaxSize           int           // capacity before oldest-first eviction (1000)
	MaxRetentionDays  int           // sweep deletes older items (7)
	EnableAutoCleanup bool          // periodic retention sweep
	CleanupInterval   time.Duration // sweep period (1h)
	AlertThreshold    int           // warn when size crosses this (100)
	EnablePersistence bool          // snapshot items via the Persistor
}

// DefaultDLQConfig returns the canonical defaults.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{
		MaxSize:           defaultMaxDLQSize,
		MaxRetentionDays:  defaultMaxRetentionDays,
		EnableAutoCleanup: true,
		CleanupInterval:   defaultCleanupInterval,
		AlertThreshold:    defaultAlertThreshold,
		EnablePersistence: true,
	}
}

// DLQOption wires collaborators into a DeadLetterQueue.
type DLQOption func(*DeadLetterQueue)

// WithDLQLogger sets the structured logger.
func WithDLQLogger(l *slog.Logger) DLQOption {
	return func(d *DeadLetterQueue) { d.logger = l }
}

// WithDLQPersistor sets the snapshot log for item persistence and startup
// rehydration.
func WithDLQPersistor(p Persistor) DLQOption {
	return func(d *DeadLetterQueue) { d.persistor = p }
}

// WithDLQClock overrides the time source (tests).
func WithDLQClock(now func() time.Time) DLQOption {
	return func(d *DeadLetterQueue) { d.now = now }
}

// DeadLetterQueue stores events that exhausted their retry budget. Items are
// upserted by event id, tagged from the event type and error text, optionally
// snapshotted to the Persistor, and expired by a periodic retention sweep.
// The in-memory map is authoritative; the persisted log is append-only.
type DeadLetterQueue struct {
	cfg       DLQConfig
	logger    *slog.Logger
	persistor Persistor
	now       func() time.Time

	mu    sync.Mutex
	items map[string]*DLQItem
	order []string // insertion order, for capacity eviction

	received atomic.Uint64
	evicted  atomic.Uint64

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewDeadLetterQueue creates a DLQ. When auto-cleanup is enabled, a sweep
// goroutine runs until Close.
func NewDeadLetterQueue(cfg DLQConfig, opts ...DLQOption) *DeadLetterQueue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxDLQSize
	}
	if cfg.MaxRetentionDays <= 0 {
		cfg.MaxRetentionDays = defaultMaxRetentionDays
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = defaultAlertThreshold
	}

	d := &DeadLetterQueue{
		cfg:       cfg,
		logger:    nopLogger,
		now:       time.Now,
		items:     make(map[string]*DLQItem),
		sweepStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.EnableAutoCleanup {
		go d.sweepLoop()
	}
	return d
}

// Load rehydrates the in-memory map from persisted DLQ snapshots. Later
// snapshots of the same item win (the log is append-only).
func (d *DeadLetterQueue) Load(ctx context.Context) error {
	if d.persistor == nil {
		return nil
	}
	loaded := 0
	for snap, err := range d.persistor.Load(ctx, dlqXCID) {
		if err != nil {
			return fmt.Errorf("load dlq snapshots: %w", err)
		}
		stateType, _ := snap.State["type"].(string)
		if stateType != dlqStateType {
			continue
		}
		item, err := dlqItemFromState(snap.State)
		if err != nil {
			d.logger.Warn("skipping malformed dlq snapshot", "hash", snap.Hash, "error", err)
			continue
		}
		d.mu.Lock()
		if _, exists := d.items[item.ID]; !exists {
			d.order = append(d.order, item.ID)
		}
		d.items[item.ID] = item
		d.mu.Unlock()
		loaded++
	}
	size := d.Size()
	d.logger.Info("dlq rehydrated", "snapshots", loaded, "items", size)
	if size >= d.cfg.AlertThreshold {
		d.logger.Warn("dlq size crossed alert threshold",
			"size", size, "threshold", d.cfg.AlertThreshold)
	}
	return nil
}

// Send dead-letters an event. Repeated sends for the same event id append to
// the existing item's error history.
func (d *DeadLetterQueue) Send(ctx context.Context, ev Event, cause error, attempts int, pctx ProcessingContext) {
	nowMs := d.now().UnixMilli()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	d.mu.Lock()
	prevSize := len(d.items)
	item, exists := d.items[ev.ID]
	if !exists {
		// Enforce capacity before inserting.
		for len(d.items) >= d.cfg.MaxSize && len(d.order) > 0 {
			oldest := d.order[0]
			d.order = d.order[1:]
			delete(d.items, oldest)
			d.evicted.Add(1)
			d.logger.Warn("dlq at capacity, evicting oldest item", "evicted_id", oldest)
		}
		item = &DLQItem{
			ID:            ev.ID,
			Event:         ev,
			FirstFailedAt: nowMs,
			DLQTimestamp:  nowMs,
			CanReprocess:  true,
		}
		d.items[ev.ID] = item
		d.order = append(d.order, ev.ID)
	}

	item.Errors = append(item.Errors, DLQError{
		Message:   msg,
		Timestamp: nowMs,
		Attempt:   attempts,
	})
	if attempts > item.Attempts {
		item.Attempts = attempts
	}
	item.LastFailedAt = nowMs
	item.ProcessingContext = pctx

	item.addTag("type:" + ev.TypeHead())
	item.addTag("error:" + ClassifyError(msg))
	if agentID := ev.MetaString(MetaAgentID); agentID != "" {
		item.addTag("agent:" + agentID)
	}
	if wfID := ev.MetaString(MetaWorkflowID); wfID != "" {
		item.addTag("workflow:" + wfID)
	}

	size := len(d.items)
	snapshot := *item
	d.mu.Unlock()

	d.received.Add(1)
	d.persistItem(ctx, &snapshot)

	if prevSize < d.cfg.AlertThreshold && size >= d.cfg.AlertThreshold {
		d.logger.Warn("dlq size crossed alert threshold",
			"size", size, "threshold", d.cfg.AlertThreshold)
	}
}

// persistItem snapshots the item, best-effort.
func (d *DeadLetterQueue) persistItem(ctx context.Context, item *DLQItem) {
	if !d.cfg.EnablePersistence || d.persistor == nil {
		return
	}
	state, err := dlqItemToState(item)
	if err != nil {
		d.logger.Warn("failed to encode dlq item", "event_id", item.ID, "error", err)
		return
	}
	snap := Snapshot{
		XCID:   dlqXCID,
		Hash:   SnapshotHash(item.ID, item.DLQTimestamp, item.Attempts),
		TS:     d.now().UnixMilli(),
		Events: []Event{item.Event},
		State:  state,
	}
	if err := d.persistor.Append(ctx, snap); err != nil {
		d.logger.Warn("failed to persist dlq item", "event_id", item.ID, "error", err)
	}
}

// Reprocess removes the item and returns its event for re-submission. Fails
// when the item is missing or poisoned. The persisted snapshot is not
// deleted (append-only log); only the in-memory map changes.
func (d *DeadLetterQueue) Reprocess(id string) (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.items[id]
	if !ok {
		return Event{}, fmt.Errorf("dlq item %s not found", id)
	}
	if !item.CanReprocess {
		return Event{}, fmt.Errorf("dlq item %s is marked as poison", id)
	}
	d.removeLocked(id)
	d.logger.Info("dlq item reprocessed; persisted snapshot retained until compaction", "event_id", id)
	return item.Event, nil
}

// ReprocessByCriteria removes and returns the events of all items matching
// every provided criterion, in insertion order, up to Limit. MaxAge selects
// items at least that old.
func (d *DeadLetterQueue) ReprocessByCriteria(c ReprocessCriteria) []Event {
	nowMs := d.now().UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Event
	var matchedIDs []string
	for _, id := range d.order {
		item := d.items[id]
		if item == nil || !item.CanReprocess {
			continue
		}
		if c.EventType != "" && item.Event.Type != c.EventType {
			continue
		}
		if c.ErrorType != "" && !item.hasTag("error:"+c.ErrorType) {
			continue
		}
		if c.Tag != "" && !item.hasTag(c.Tag) {
			continue
		}
		if c.MaxAge > 0 && nowMs-item.DLQTimestamp < c.MaxAge.Milliseconds() {
			continue
		}
		out = append(out, item.Event)
		matchedIDs = append(matchedIDs, id)
		if c.Limit > 0 && len(out) >= c.Limit {
			break
		}
	}
	for _, id := range matchedIDs {
		d.removeLocked(id)
	}
	if len(out) > 0 {
		d.logger.Info("dlq bulk reprocess", "matched", len(out))
	}
	return out
}

// MarkAsPoison flags an item as non-reprocessable. Idempotent: repeated
// calls with the same reason leave equivalent state after the first.
func (d *DeadLetterQueue) MarkAsPoison(ctx context.Context, id, reason string) error {
	d.mu.Lock()
	item, ok := d.items[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("dlq item %s not found", id)
	}
	if !item.CanReprocess && item.hasTag("poison") {
		d.mu.Unlock()
		return nil
	}
	item.CanReprocess = false
	item.addTag("poison")
	item.Errors = append(item.Errors, DLQError{
		Message:   "poisoned: " + reason,
		Timestamp: d.now().UnixMilli(),
		Attempt:   -1,
	})
	snapshot := *item
	d.mu.Unlock()

	d.persistItem(ctx, &snapshot)
	d.logger.Warn("dlq item marked as poison", "event_id", id, "reason", reason)
	return nil
}

// Get returns a copy of the item, if present.
func (d *DeadLetterQueue) Get(id string) (DLQItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.items[id]
	if !ok {
		return DLQItem{}, false
	}
	return *item, true
}

// Size returns the number of stored items.
func (d *DeadLetterQueue) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Stats aggregates the queue contents: counts by event and error type,
// average attempts, the single oldest item and the 10 most recent items.
func (d *DeadLetterQueue) Stats() DLQStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := DLQStats{
		Size:          len(d.items),
		ByEventType:   make(map[string]int),
		ByErrorType:   make(map[string]int),
		TotalReceived: d.received.Load(),
		TotalEvicted:  d.evicted.Load(),
	}

	var attemptsSum int
	var all []DLQItem
	for _, item := range d.items {
		stats.ByEventType[item.Event.Type]++
		for _, tag := range item.Tags {
			if kind, ok := strings.CutPrefix(tag, "error:"); ok {
				stats.ByErrorType[kind]++
			}
		}
		attemptsSum += item.Attempts
		all = append(all, *item)
		if stats.Oldest == nil || item.DLQTimestamp < stats.Oldest.DLQTimestamp {
			copied := *item
			stats.Oldest = &copied
		}
	}
	if len(d.items) > 0 {
		stats.AvgAttempts = float64(attemptsSum) / float64(len(d.items))
	}

	sort.Slice(all, func(i, j int) bool { return all[i].DLQTimestamp > all[j].DLQTimestamp })
	if len(all) > 10 {
		all = all[:10]
	}
	stats.Recent = all
	return stats
}

// CleanupOldItems deletes items past the retention window. Returns the
// number removed.
func (d *DeadLetterQueue) CleanupOldItems() int {
	cutoff := d.now().UnixMilli() - int64(d.cfg.MaxRetentionDays)*86_400_000

	d.mu.Lock()
	defer d.mu.Unlock()
	var removed int
	for id, item := range d.items {
		if item.DLQTimestamp < cutoff {
			d.removeLocked(id)
			removed++
		}
	}
	if removed > 0 {
		d.logger.Info("dlq retention sweep", "removed", removed, "retention_days", d.cfg.MaxRetentionDays)
	}
	return removed
}

// Clear removes every item.
func (d *DeadLetterQueue) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = make(map[string]*DLQItem)
	d.order = nil
}

// Close stops the retention sweep goroutine.
func (d *DeadLetterQueue) Close() {
	d.sweepOnce.Do(func() { close(d.sweepStop) })
}

func (d *DeadLetterQueue) sweepLoop() {
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.CleanupOldItems()
		case <-d.sweepStop:
			return
		}
	}
}

// removeLocked deletes the item and its order entry. Callers hold d.mu.
func (d *DeadLetterQueue) removeLocked(id string) {
	delete(d.items, id)
	for i, o := range d.order {
		if o == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// dlqItemToState encodes an item as snapshot state. A round trip through
// JSON keeps the state map plain (no struct values inside map[string]any).
func dlqItemToState(item *DLQItem) (map[string]any, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, err
	}
	return map[string]any{
		"type":    dlqStateType,
		"dlqItem": payload,
	}, nil
}

// dlqItemFromState decodes snapshot state written by dlqItemToState.
func dlqItemFromState(state map[string]any) (*DLQItem, error) {
	raw, ok := state["dlqItem"]
	if !ok {
		return nil, fmt.Errorf("snapshot state has no dlqItem payload")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var item DLQItem
	if err := json.Unmarshal(b, &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, fmt.Errorf("snapshot item has no id")
	}
	return &item, nil
}
