// Package sqlite implements keel.Persistor and keel.EventStore using
// pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/keelframe/keel"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is an append-only snapshot log and event log backed by a local
// SQLite file. Snapshot load order follows insertion order (rowid); event
// replay follows timestamp order.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ keel.Persistor = (*Store)(nil)
var _ keel.EventStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			xc_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			ts INTEGER NOT NULL,
			events TEXT NOT NULL,
			state TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_xc_id ON snapshots(xc_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			data TEXT,
			metadata TEXT,
			processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	s.logger.Debug("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (xc_id, hash, ts, events, state) VALUES (?, ?, ?, ?, ?)`,
		snap.XCID, snap.Hash, snap.TS, string(events), string(state))
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	s.logger.Debug("sqlite: snapshot appended", "xc_id", snap.XCID, "hash", snap.Hash)
	return nil
}

// Load yields snapshots for xcID in append order.
func (s *Store) Load(ctx context.Context, xcID string) iter.Seq2[keel.Snapshot, error] {
	return func(yield func(keel.Snapshot, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT xc_id, hash, ts, events, state FROM snapshots WHERE xc_id = ? ORDER BY rowid`,
			xcID)
		if err != nil {
			yield(keel.Snapshot{}, fmt.Errorf("load snapshots: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var snap keel.Snapshot
			var events, state string
			if err := rows.Scan(&snap.XCID, &snap.Hash, &snap.TS, &events, &state); err != nil {
				yield(keel.Snapshot{}, fmt.Errorf("scan snapshot: %w", err))
				return
			}
			if err := json.Unmarshal([]byte(events), &snap.Events); err != nil {
				if !yield(keel.Snapshot{}, fmt.Errorf("decode snapshot events: %w", err)) {
					return
				}
				continue
			}
			if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
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

// AppendEvents appends the events. Re-appending an existing id is a no-op,
// so restarts do not duplicate rows.
func (s *Store) AppendEvents(ctx context.Context, events []keel.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		metadata, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (id, type, timestamp, data, metadata) VALUES (?, ?, ?, ?, ?)`,
			ev.ID, ev.Type, ev.Timestamp, string(data), string(metadata)); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	s.logger.Debug("sqlite: events appended", "count", len(events))
	return nil
}

// ReplayFromTimestamp yields batches of events with timestamp >= from, in
// timestamp order, bounded by opts.
func (s *Store) ReplayFromTimestamp(ctx context.Context, from int64, opts keel.ReplayOptions) iter.Seq2[[]keel.Event, error] {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	query := `SELECT id, type, timestamp, data, metadata FROM events WHERE timestamp >= ?`
	args := []any{from}
	if opts.To != 0 {
		query += ` AND timestamp <= ?`
		args = append(args, opts.To)
	}
	if opts.OnlyUnprocessed {
		query += ` AND processed = 0`
	}
	query += ` ORDER BY timestamp, rowid`

	return func(yield func([]keel.Event, error) bool) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("replay events: %w", err))
			return
		}
		defer rows.Close()

		batch := make([]keel.Event, 0, batchSize)
		for rows.Next() {
			var ev keel.Event
			var data, metadata string
			if err := rows.Scan(&ev.ID, &ev.Type, &ev.Timestamp, &data, &metadata); err != nil {
				yield(nil, fmt.Errorf("scan event: %w", err))
				return
			}
			if data != "" && data != "null" {
				if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
					yield(nil, fmt.Errorf("decode event data: %w", err))
					return
				}
			}
			if metadata != "" && metadata != "null" {
				if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
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
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET processed = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}
