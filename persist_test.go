package keel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotHashStable(t *testing.T) {
	a := SnapshotHash("ev-1", 1000, 3)
	b := SnapshotHash("ev-1", 1000, 3)
	if a != b {
		t.Fatalf("hash not stable: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if a == SnapshotHash("ev-1", 1000, 4) {
		t.Error("hash should change with attempts")
	}
	if a == SnapshotHash("ev-2", 1000, 3) {
		t.Error("hash should change with id")
	}
}

func TestFilePersistorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	p := NewFilePersistor(path)
	ctx := context.Background()

	ev := NewEvent("agent.error", map[string]any{"reason": "boom"})
	snaps := []Snapshot{
		{XCID: "run-1", Hash: "h1", TS: 100, Events: []Event{ev}, State: map[string]any{"type": "queue-event"}},
		{XCID: "run-2", Hash: "h2", TS: 200, State: map[string]any{"type": "dlq-item"}},
		{XCID: "run-1", Hash: "h3", TS: 300, State: map[string]any{"type": "queue-event"}},
	}
	for _, s := range snaps {
		if err := p.Append(ctx, s); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var got []Snapshot
	for s, err := range p.Load(ctx, "run-1") {
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		got = append(got, s)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots for run-1, got %d", len(got))
	}
	if got[0].Hash != "h1" || got[1].Hash != "h3" {
		t.Errorf("append order not preserved: %q, %q", got[0].Hash, got[1].Hash)
	}
	if len(got[0].Events) != 1 || got[0].Events[0].ID != ev.ID {
		t.Errorf("events not round-tripped")
	}
}

func TestFilePersistorMissingFile(t *testing.T) {
	p := NewFilePersistor(filepath.Join(t.TempDir(), "absent.jsonl"))
	for _, err := range p.Load(context.Background(), "any") {
		t.Fatalf("missing file should yield nothing, got err=%v", err)
	}
}

func TestFilePersistorMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	p := NewFilePersistor(path)
	ctx := context.Background()

	if err := p.Append(ctx, Snapshot{XCID: "run-1", Hash: "h1", TS: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json}\n")
	f.Close()
	if err := p.Append(ctx, Snapshot{XCID: "run-1", Hash: "h2", TS: 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var hashes []string
	var errs int
	for s, err := range p.Load(ctx, "run-1") {
		if err != nil {
			errs++
			continue
		}
		hashes = append(hashes, s.Hash)
	}
	if errs != 1 {
		t.Errorf("expected 1 decode error, got %d", errs)
	}
	if len(hashes) != 2 {
		t.Errorf("malformed line should not stop iteration, got %v", hashes)
	}
}

func TestMemoryPersistorFilters(t *testing.T) {
	p := NewMemoryPersistor()
	ctx := context.Background()

	p.Append(ctx, Snapshot{XCID: "a", Hash: "1"})
	p.Append(ctx, Snapshot{XCID: "b", Hash: "2"})
	p.Append(ctx, Snapshot{XCID: "a", Hash: "3"})

	if p.Len() != 3 {
		t.Fatalf("Len = %d, want 3", p.Len())
	}
	var got []string
	for s, err := range p.Load(ctx, "a") {
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		got = append(got, s.Hash)
	}
	if len(got) != 2 || got[0] != "1" || got[1] != "3" {
		t.Fatalf("Load(a) = %v, want [1 3]", got)
	}
}
