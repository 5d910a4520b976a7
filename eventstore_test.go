package keel

import (
	"context"
	"testing"
)

func storeWith(t *testing.T, timestamps ...int64) *MemoryEventStore {
	t.Helper()
	s := NewMemoryEventStore()
	var events []Event
	for _, ts := range timestamps {
		ev := NewEvent("agent.result", nil)
		ev.Timestamp = ts
		events = append(events, ev)
	}
	if err := s.AppendEvents(context.Background(), events); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	return s
}

func TestReplayOrderedByTimestamp(t *testing.T) {
	s := storeWith(t, 30, 10, 20)

	var got []int64
	for batch, err := range s.ReplayFromTimestamp(context.Background(), 0, ReplayOptions{}) {
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		for _, ev := range batch {
			got = append(got, ev.Timestamp)
		}
	}
	want := []int64{10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("replayed %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestReplayWindowBounds(t *testing.T) {
	s := storeWith(t, 10, 20, 30, 40, 50)

	total := 0
	for batch, err := range s.ReplayFromTimestamp(context.Background(), 20, ReplayOptions{To: 40}) {
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		for _, ev := range batch {
			if ev.Timestamp < 20 || ev.Timestamp > 40 {
				t.Errorf("event at %d outside [20,40]", ev.Timestamp)
			}
			total++
		}
	}
	if total != 3 {
		t.Fatalf("expected 3 events in window, got %d", total)
	}
}

func TestReplayBatchSize(t *testing.T) {
	s := storeWith(t, 1, 2, 3, 4, 5, 6, 7)

	batches := 0
	for batch, err := range s.ReplayFromTimestamp(context.Background(), 0, ReplayOptions{BatchSize: 3}) {
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		if len(batch) > 3 {
			t.Fatalf("batch of %d exceeds size 3", len(batch))
		}
		batches++
	}
	if batches != 3 {
		t.Fatalf("expected 3 batches (3+3+1), got %d", batches)
	}
}

func TestReplayOnlyUnprocessed(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()
	a := NewEvent("agent.action", nil)
	a.Timestamp = 1
	b := NewEvent("agent.action", nil)
	b.Timestamp = 2
	if err := s.AppendEvents(ctx, []Event{a, b}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if err := s.MarkProcessed(ctx, []string{a.ID}); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	var ids []string
	for batch, err := range s.ReplayFromTimestamp(ctx, 0, ReplayOptions{OnlyUnprocessed: true}) {
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		for _, ev := range batch {
			ids = append(ids, ev.ID)
		}
	}
	if len(ids) != 1 || ids[0] != b.ID {
		t.Fatalf("expected only %s, got %v", b.ID, ids)
	}
}

func TestReplayEarlyStop(t *testing.T) {
	s := storeWith(t, 1, 2, 3, 4, 5, 6)

	batches := 0
	for _, err := range s.ReplayFromTimestamp(context.Background(), 0, ReplayOptions{BatchSize: 2}) {
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		batches++
		if batches == 1 {
			break
		}
	}
	if batches != 1 {
		t.Fatalf("break should stop iteration, saw %d batches", batches)
	}
}
