package keel

import (
	"context"
	"iter"
	"sort"
	"sync"
)

// defaultReplayBatchSize bounds replay batches when the caller does not set one.
const defaultReplayBatchSize = 100

// ReplayOptions narrow a replay window.
type ReplayOptions struct {
	// To bounds the window (inclusive); 0 means no upper bound.
	To int64
	// OnlyUnprocessed skips events already marked processed.
	OnlyUnprocessed bool
	// BatchSize caps batch length (default 100).
	BatchSize int
}

// EventStore is an append-only ordered log indexed by timestamp. Ordering is
// monotonic by timestamp; duplicates across restarts are permitted, so
// consumers dedupe by event id. Replay produces a finite, non-restartable
// sequence of batches.
type EventStore interface {
	AppendEvents(ctx context.Context, events []Event) error
	ReplayFromTimestamp(ctx context.Context, from int64, opts ReplayOptions) iter.Seq2[[]Event, error]
	// MarkProcessed flags events so OnlyUnprocessed replays skip them.
	// Best-effort: stores may persist or merely remember the flags.
	MarkProcessed(ctx context.Context, ids []string) error
}

// MemoryEventStore keeps the log in memory, sorted by timestamp (stable for
// equal timestamps, preserving append order).
type MemoryEventStore struct {
	mu        sync.Mutex
	events    []Event
	processed map[string]struct{}
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{processed: make(map[string]struct{})}
}

// AppendEvents appends the events, keeping the log timestamp-ordered.
func (s *MemoryEventStore) AppendEvents(ctx context.Context, events []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].Timestamp < s.events[j].Timestamp
	})
	return nil
}

// ReplayFromTimestamp yields batches of events with Timestamp >= from,
// bounded by opts, in timestamp order.
func (s *MemoryEventStore) ReplayFromTimestamp(ctx context.Context, from int64, opts ReplayOptions) iter.Seq2[[]Event, error] {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReplayBatchSize
	}

	s.mu.Lock()
	var selected []Event
	for _, e := range s.events {
		if e.Timestamp < from {
			continue
		}
		if opts.To != 0 && e.Timestamp > opts.To {
			continue
		}
		if opts.OnlyUnprocessed {
			if _, done := s.processed[e.ID]; done {
				continue
			}
		}
		selected = append(selected, e)
	}
	s.mu.Unlock()

	return func(yield func([]Event, error) bool) {
		for start := 0; start < len(selected); start += batchSize {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			end := min(start+batchSize, len(selected))
			if !yield(selected[start:end], nil) {
				return
			}
		}
	}
}

// MarkProcessed flags the given event ids as processed.
func (s *MemoryEventStore) MarkProcessed(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.processed[id] = struct{}{}
	}
	return nil
}

// Len returns the number of stored events.
func (s *MemoryEventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
