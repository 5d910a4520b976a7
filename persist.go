package keel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"iter"
	"os"
	"sync"
)

// Snapshot is the persistence record unit: append-only, content-addressed by
// a short hash. The JSON field names are part of the on-disk contract and
// must not change.
type Snapshot struct {
	XCID   string         `json:"xcId"`
	Hash   string         `json:"hash"`
	TS     int64          `json:"ts"`
	Events []Event        `json:"events"`
	State  map[string]any `json:"state"`
}

// Persistor is an append-only snapshot log keyed by execution id. Load
// replays snapshots in append order. There is no delete: the in-memory state
// of consumers (DLQ, queue) stays authoritative and the log is compacted out
// of band, if ever.
type Persistor interface {
	Append(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, xcID string) iter.Seq2[Snapshot, error]
}

// SnapshotHash returns a stable 16-hex-char digest over the identity triple
// used for DLQ snapshots.
func SnapshotHash(id string, ts int64, attempts int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", id, ts, attempts)
	return fmt.Sprintf("%016x", h.Sum64())
}

// --- File-backed persistor (JSONL) ---

// FilePersistor appends snapshots as JSON lines to a single file. Writes are
// serialized by a mutex; Load streams the file front to back, filtering by
// execution id.
type FilePersistor struct {
	mu   sync.Mutex
	path string
	sync bool
}

// FilePersistorOption configures a FilePersistor.
type FilePersistorOption func(*FilePersistor)

// WithFsync forces an fsync after every append. Slower, but snapshots survive
// power loss.
func WithFsync() FilePersistorOption {
	return func(p *FilePersistor) { p.sync = true }
}

// NewFilePersistor creates a JSONL persistor at path. The file is created on
// first append.
func NewFilePersistor(path string, opts ...FilePersistorOption) *FilePersistor {
	p := &FilePersistor{path: path}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Append writes one snapshot record.
func (p *FilePersistor) Append(ctx context.Context, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	if p.sync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync snapshot log: %w", err)
		}
	}
	return nil
}

// Load yields snapshots for xcID in append order. Malformed lines are
// surfaced as errors but do not stop iteration.
func (p *FilePersistor) Load(ctx context.Context, xcID string) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		f, err := os.Open(p.path)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			yield(Snapshot{}, err)
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			if ctx.Err() != nil {
				yield(Snapshot{}, ctx.Err())
				return
			}
			var s Snapshot
			if err := json.Unmarshal(sc.Bytes(), &s); err != nil {
				if !yield(Snapshot{}, fmt.Errorf("decode snapshot line: %w", err)) {
					return
				}
				continue
			}
			if s.XCID != xcID {
				continue
			}
			if !yield(s, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(Snapshot{}, err)
		}
	}
}

// --- In-memory persistor ---

// MemoryPersistor keeps snapshots in memory, in append order. Useful in
// tests and for hosts that want persistence semantics without durability.
type MemoryPersistor struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

// NewMemoryPersistor creates an empty in-memory persistor.
func NewMemoryPersistor() *MemoryPersistor {
	return &MemoryPersistor{}
}

// Append stores a snapshot.
func (p *MemoryPersistor) Append(ctx context.Context, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, s)
	return nil
}

// Load yields stored snapshots for xcID in append order.
func (p *MemoryPersistor) Load(ctx context.Context, xcID string) iter.Seq2[Snapshot, error] {
	p.mu.Lock()
	copied := make([]Snapshot, len(p.snapshots))
	copy(copied, p.snapshots)
	p.mu.Unlock()
	return func(yield func(Snapshot, error) bool) {
		for _, s := range copied {
			if ctx.Err() != nil {
				yield(Snapshot{}, ctx.Err())
				return
			}
			if s.XCID != xcID {
				continue
			}
			if !yield(s, nil) {
				return
			}
		}
	}
}

// Len returns the number of stored snapshots (all execution ids).
func (p *MemoryPersistor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snapshots)
}
