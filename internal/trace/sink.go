// ABOUTME: Asynchronous aps.DiagnosticSink backed by the trace store
// ABOUTME: Records are queued without blocking and written in batches
package trace

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Sendspin/twsync/pkg/aps"
)

const maxBatch = 128

// Sink writes diagnostic records of one run. Record calls never block; when
// the queue is full the record is counted as dropped.
type Sink struct {
	store  *Store
	run    string
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	records chan any

	written atomic.Uint64
	dropped atomic.Uint64
	done    chan struct{}
}

// NewSink starts a writer for run with room for buffer queued records.
func (s *Store) NewSink(run string, buffer int, logger *slog.Logger) *Sink {
	sink := newSink(s, run, buffer, logger)
	go sink.writer()
	return sink
}

func newSink(store *Store, run string, buffer int, logger *slog.Logger) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:   store,
		run:     run,
		logger:  logger.With("component", "trace", "run", run),
		records: make(chan any, buffer),
		done:    make(chan struct{}),
	}
}

func (k *Sink) RecordLevel(r aps.LevelRecord)     { k.enqueue(r) }
func (k *Sink) RecordSession(r aps.SessionRecord) { k.enqueue(r) }
func (k *Sink) RecordRestart(r aps.RestartRecord) { k.enqueue(r) }

func (k *Sink) enqueue(r any) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		k.dropped.Add(1)
		return
	}
	select {
	case k.records <- r:
	default:
		k.dropped.Add(1)
	}
}

// Run returns the run id records are written under.
func (k *Sink) Run() string {
	return k.run
}

// Written returns how many records reached the database.
func (k *Sink) Written() uint64 {
	return k.written.Load()
}

// Dropped returns how many records were discarded.
func (k *Sink) Dropped() uint64 {
	return k.dropped.Load()
}

// Close stops accepting records and waits until the queue is written.
func (k *Sink) Close() error {
	k.mu.Lock()
	if !k.closed {
		k.closed = true
		close(k.records)
	}
	k.mu.Unlock()
	<-k.done
	if n := k.dropped.Load(); n > 0 {
		k.logger.Warn("trace records dropped", "dropped", n, "written", k.written.Load())
	}
	return nil
}

func (k *Sink) writer() {
	defer close(k.done)
	batch := make([]any, 0, maxBatch)
	for r := range k.records {
		batch = append(batch[:0], r)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-k.records:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		if err := k.write(batch); err != nil {
			k.dropped.Add(uint64(len(batch)))
			k.logger.Error("trace write failed", "records", len(batch), "error", err)
			continue
		}
		k.written.Add(uint64(len(batch)))
	}
}

func (k *Sink) write(batch []any) error {
	ctx := context.Background()
	tx, err := k.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, r := range batch {
		if err := insertRecord(ctx, tx, k.run, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRecord(ctx context.Context, tx *sql.Tx, run string, r any) error {
	var err error
	switch r := r.(type) {
	case aps.LevelRecord:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO levels (run_id, at_us, role, level, changed, min_level, max_level, fine, peak_us, checks, elapsed_us)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run, r.At.Microseconds(), int(r.Role), int(r.Level), r.Changed, int(r.Min), int(r.Max),
			r.Fine, int64(r.PeakUs), r.Checks, r.Elapsed.Microseconds())
	case aps.SessionRecord:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO phase_sessions (run_id, at_us, diff_us, from_level, target_level, duration_us, ended)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run, r.At.Microseconds(), int64(r.DiffUs), int(r.From), int(r.Target), r.Duration.Microseconds(), r.Ended)
	case aps.RestartRecord:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO restarts (run_id, at_us, cause, hint) VALUES (?, ?, ?, ?)`,
			run, r.At.Microseconds(), int(r.Cause), int(r.Hint))
	default:
		return fmt.Errorf("unknown record %T", r)
	}
	if err != nil {
		return fmt.Errorf("insert %T: %w", r, err)
	}
	return nil
}

var _ aps.DiagnosticSink = (*Sink)(nil)
