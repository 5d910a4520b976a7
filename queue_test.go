package keel

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testQueue(t *testing.T, mutate func(*QueueConfig), opts ...QueueOption) *EventQueue {
	t.Helper()
	cfg := DefaultQueueConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	q := NewEventQueue(cfg, opts...)
	t.Cleanup(q.Destroy)
	return q
}

func okHandler(ctx context.Context, ev Event) error { return nil }

func TestEnqueueDeduplicates(t *testing.T) {
	q := testQueue(t, nil)
	ev := NewEvent("agent.thought", nil)

	if !q.Enqueue(ev, 0) {
		t.Fatal("first enqueue should succeed")
	}
	if q.Enqueue(ev, 0) {
		t.Fatal("duplicate enqueue should be a no-op")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	if got := q.Stats().Duplicates; got != 1 {
		t.Errorf("Duplicates = %d, want 1", got)
	}
}

func TestEnqueueDeduplicatesProcessed(t *testing.T) {
	q := testQueue(t, nil)
	ev := NewEvent("agent.thought", nil)
	q.Enqueue(ev, 0)
	if _, err := q.ProcessAll(context.Background(), okHandler); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if q.Enqueue(ev, 0) {
		t.Fatal("re-enqueue of a processed event should be a no-op")
	}
}

func TestPriorityThenFIFOOrdering(t *testing.T) {
	q := testQueue(t, nil)

	low1 := NewEvent("a.low1", nil)
	high1 := NewEvent("a.high1", nil)
	high2 := NewEvent("a.high2", nil)
	low2 := NewEvent("a.low2", nil)
	q.Enqueue(low1, 0)
	q.Enqueue(high1, 5)
	q.Enqueue(high2, 5)
	q.Enqueue(low2, 0)

	want := []string{"a.high1", "a.high2", "a.low1", "a.low2"}
	for i, w := range want {
		ev, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d: queue empty", i)
		}
		if ev.Type != w {
			t.Fatalf("dequeue order[%d] = %s, want %s", i, ev.Type, w)
		}
	}
}

func TestLargeEventAnnotatedNotMutated(t *testing.T) {
	q := testQueue(t, func(cfg *QueueConfig) {
		cfg.LargeEventThreshold = 64
	})

	payload := strings.Repeat("x", 200)
	ev := NewEvent("bulk.transfer", map[string]any{"body": payload})
	if !q.Enqueue(ev, 0) {
		t.Fatal("enqueue should succeed")
	}

	got, ok := q.Dequeue()
	if !ok {
		t.Fatal("Dequeue: queue empty")
	}
	if got.Metadata[MetaCompressed] != true {
		t.Error("large event should carry compressed annotation")
	}
	if got.Metadata[MetaOriginalSize] == nil {
		t.Error("large event should carry originalSize annotation")
	}
	if got.Data["body"] != payload {
		t.Error("payload must not be mutated by compression annotation")
	}
}

func TestMaxEventSizeRejected(t *testing.T) {
	q := testQueue(t, func(cfg *QueueConfig) {
		cfg.MaxEventSize = 128
		cfg.HugeEventThreshold = 64
		cfg.LargeEventThreshold = 32
	})

	ev := NewEvent("bulk.oversize", map[string]any{"body": strings.Repeat("x", 500)})
	if q.Enqueue(ev, 0) {
		t.Fatal("oversized event should be rejected")
	}
	if got := q.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestDepthLimit(t *testing.T) {
	q := testQueue(t, func(cfg *QueueConfig) {
		cfg.MaxQueueDepth = 2
	})
	q.Enqueue(NewEvent("a.1", nil), 0)
	q.Enqueue(NewEvent("a.2", nil), 0)
	if q.Enqueue(NewEvent("a.3", nil), 0) {
		t.Fatal("enqueue past depth limit should fail")
	}
	if !q.IsFull() {
		t.Error("IsFull should report backpressure at depth limit")
	}
}

func TestProcessAllDrains(t *testing.T) {
	q := testQueue(t, nil)
	var handled atomic.Int64
	for range 12 {
		q.Enqueue(NewEvent("work.item", nil), 0)
	}

	n, err := q.ProcessAll(context.Background(), func(ctx context.Context, ev Event) error {
		handled.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if n != 12 || handled.Load() != 12 {
		t.Fatalf("processed %d (handled %d), want 12", n, handled.Load())
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained, depth %d", q.Len())
	}
	if got := q.Stats().Processed; got != 12 {
		t.Errorf("Processed = %d, want 12", got)
	}
}

func TestGlobalConcurrencyGate(t *testing.T) {
	q := testQueue(t, func(cfg *QueueConfig) {
		cfg.EnableGlobalConcurrency = true
		cfg.MaxConcurrent = 1
	})
	for range 10 {
		q.Enqueue(NewEvent("work.item", nil), 0)
	}

	var current, peak atomic.Int32
	_, err := q.ProcessAll(context.Background(), func(ctx context.Context, ev Event) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		current.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if got := peak.Load(); got > 1 {
		t.Errorf("peak handler concurrency = %d, want 1", got)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	type failure struct {
		ev       Event
		attempts int
	}
	failures := make(chan failure, 1)
	q := testQueue(t, nil,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond}),
		WithFailureHandler(func(ev Event, err error, attempts int) {
			failures <- failure{ev, attempts}
		}))

	ev := NewEvent("work.poison", nil)
	q.Enqueue(ev, 3)

	boom := errors.New("handler boom")
	handler := func(ctx context.Context, got Event) error {
		return boom
	}

	if _, err := q.ProcessAll(context.Background(), handler); err != nil {
		t.Fatalf("first ProcessAll: %v", err)
	}
	if got := q.Stats().Retried; got != 1 {
		t.Fatalf("Retried = %d, want 1", got)
	}

	// Wait for the backoff timer to re-insert, then drain again.
	deadline := time.Now().Add(time.Second)
	for q.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Len() != 1 {
		t.Fatal("retry did not re-enqueue")
	}
	if _, err := q.ProcessAll(context.Background(), handler); err != nil {
		t.Fatalf("second ProcessAll: %v", err)
	}

	select {
	case f := <-failures:
		if f.ev.ID != ev.ID {
			t.Errorf("failed event id = %s, want %s", f.ev.ID, ev.ID)
		}
		if f.attempts != 2 {
			t.Errorf("attempts = %d, want 2", f.attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("failure handler never called")
	}
}

func TestProcessedSetBounded(t *testing.T) {
	q := testQueue(t, func(cfg *QueueConfig) {
		cfg.MaxProcessedEvents = 3
	})

	events := make([]Event, 5)
	for i := range events {
		events[i] = NewEvent("work.item", nil)
		q.Enqueue(events[i], 0)
	}
	if _, err := q.ProcessAll(context.Background(), okHandler); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	q.mu.Lock()
	size := len(q.processed)
	q.mu.Unlock()
	if size != 3 {
		t.Fatalf("processed set size = %d, want 3", size)
	}

	// Evicted ids are acceptable again; retained ids still dedup.
	q.mu.Lock()
	newest := q.processedOrder[len(q.processedOrder)-1]
	q.mu.Unlock()
	for _, ev := range events {
		if ev.ID == newest {
			if q.Enqueue(ev, 0) {
				t.Error("retained processed id should still dedup")
			}
		}
	}
}

func TestPersistorReceivesCriticalEvents(t *testing.T) {
	p := NewMemoryPersistor()
	q := testQueue(t, func(cfg *QueueConfig) {
		cfg.EnablePersistence = true
	}, WithPersistor(p))

	q.Enqueue(NewEvent("agent.tool.error", nil), 0)
	q.Enqueue(NewEvent("metrics.sample", nil), 0)

	if p.Len() != 1 {
		t.Fatalf("persisted %d snapshots, want 1 (agent.* prefix only)", p.Len())
	}
	for snap, err := range p.Load(context.Background(), "queue-critical") {
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap.State["type"] != "queue-event" {
			t.Errorf("state type = %v, want queue-event", snap.State["type"])
		}
	}
}

func TestEventStoreReceivesAll(t *testing.T) {
	s := NewMemoryEventStore()
	q := testQueue(t, func(cfg *QueueConfig) {
		cfg.EnableEventStore = true
	}, WithEventStore(s))

	q.Enqueue(NewEvent("a.1", nil), 0)
	q.Enqueue(NewEvent("b.2", nil), 0)
	if s.Len() != 2 {
		t.Fatalf("event store has %d events, want 2", s.Len())
	}
}

func TestDestroyStopsRetryTimers(t *testing.T) {
	q := testQueue(t, nil,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond}))
	q.Enqueue(NewEvent("work.item", nil), 0)

	boom := errors.New("boom")
	if _, err := q.ProcessAll(context.Background(), func(ctx context.Context, ev Event) error {
		return boom
	}); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	q.Destroy()
	time.Sleep(60 * time.Millisecond)
	if q.Len() != 0 {
		t.Errorf("retry timer fired after Destroy, depth %d", q.Len())
	}
	if q.Enqueue(NewEvent("late", nil), 0) {
		t.Error("destroyed queue should reject enqueues")
	}
}
