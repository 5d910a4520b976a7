// Package postgres implements keel.Persistor and keel.EventStore using
// PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keelframe/keel"
)

// Store is an append-only snapshot log and event log backed by PostgreSQL.
// Snapshot load order follows insertion order; event replay follows
// timestamp order.
type Store struct {
	pool *pgxpool.Pool
}

var _ keel.Persistor = (*Store)(nil)
var _ keel.EventStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq BIGSERIAL PRIMARY KEY,
			xc_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			ts BIGINT NOT NULL,
			events JSONB NOT NULL,
			state JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_xc_id ON snapshots (xc_id, seq)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			data JSONB,
			metadata JSONB,
			processed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// --- keel.Persistor ---

// Append writes one snapshot record.
func (s *Store) Append(ctx context.Context, snap keel.Snapshot) error {
	events, err := json.Marshal(snap.Events)
	if err != nil {
		return fmt.Errorf("marshal snapshot events: %w", err)
	}
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal snapshot state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (xc_id, hash, ts, events, state) VALUES ($1, $2, $3, $4, $5)`,
		snap.XCID, snap.Hash, snap.TS, events, state)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// Load yields snapshots for xcID in append order.
func (s *Store) Load(ctx context.Context, xcID string) iter.Seq2[keel.Snapshot, error] {
	return func(yield func(keel.Snapshot, error) bool) {
		rows, err := s.pool.Query(ctx,
			`SELECT xc_id, hash, ts, events, state FROM snapshots WHERE xc_id = $1 ORDER BY seq`,
			xcID)
		if err != nil {
			yield(keel.Snapshot{}, fmt.Errorf("load snapshots: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var snap keel.Snapshot
			var events, state []byte
			if err := rows.Scan(&snap.XCID, &snap.Hash, &snap.TS, &events, &state); err != nil {
				yield(keel.Snapshot{}, fmt.Errorf("scan snapshot: %w", err))
				return
			}
			if err := json.Unmarshal(events, &snap.Events); err != nil {
				if !yield(keel.Snapshot{}, fmt.Errorf("decode snapshot events: %w", err)) {
					return
				}
				continue
			}
			if err := json.Unmarshal(state, &snap.State); err != nil {
				if !yield(keel.Snapshot{}, fmt.Errorf("decode snapshot state: %w", err)) {
					return
				}
				continue
			}
			if !yield(snap, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(keel.Snapshot{}, err)
		}
	}
}

// --- keel.EventStore ---

// AppendEvents appends the events in one batch. Re-appending an existing id
// is a no-op, so restarts do not duplicate rows.
func (s *Store) AppendEvents(ctx context.Context, events []keel.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		metadata, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		batch.Queue(
			`INSERT INTO events (id, type, timestamp, data, metadata) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.Type, ev.Timestamp, data, metadata)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return nil
}

// ReplayFromTimestamp yields batches of events with timestamp >= from, in
// timestamp order, bounded by opts.
func (s *Store) ReplayFromTimestamp(ctx context.Context, from int64, opts keel.ReplayOptions) iter.Seq2[[]keel.Event, error] {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	query := `SELECT id, type, timestamp, data, metadata FROM events WHERE timestamp >= $1`
	args := []any{from}
	if opts.To != 0 {
		args = append(args, opts.To)
		query += fmt.Sprintf(` AND timestamp <= $%d`, len(args))
	}
	if opts.OnlyUnprocessed {
		query += ` AND processed = FALSE`
	}
	query += ` ORDER BY timestamp, id`

	return func(yield func([]keel.Event, error) bool) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("replay events: %w", err))
			return
		}
		defer rows.Close()

		batch := make([]keel.Event, 0, batchSize)
		for rows.Next() {
			var ev keel.Event
			var data, metadata []byte
			if err := rows.Scan(&ev.ID, &ev.Type, &ev.Timestamp, &data, &metadata); err != nil {
				yield(nil, fmt.Errorf("scan event: %w", err))
				return
			}
			if len(data) > 0 {
				if err := json.Unmarshal(data, &ev.Data); err != nil {
					yield(nil, fmt.Errorf("decode event data: %w", err))
					return
				}
			}
			if len(metadata) > 0 {
				if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
					yield(nil, fmt.Errorf("decode event metadata: %w", err))
					return
				}
			}
			batch = append(batch, ev)
			if len(batch) == batchSize {
				if !yield(batch, nil) {
					return
				}
				batch = make([]keel.Event, 0, batchSize)
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
			return
		}
		if len(batch) > 0 {
			yield(batch, nil)
		}
	}
}

// MarkProcessed flags the given event ids so OnlyUnprocessed replays skip
// them.
func (s *Store) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE events SET processed = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}
