// ABOUTME: SQLite store for engine diagnostic traces
// ABOUTME: Opens the database, manages runs and reads recorded traces back
package trace

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Sendspin/twsync/pkg/aps"
)

//go:embed schema.sql
var schemaSQL string

// ErrUnknownRun is returned when a run id is not in the store.
var ErrUnknownRun = errors.New("unknown run")

// Store holds diagnostic traces, one run per engine session.
type Store struct {
	db *sql.DB
}

// Run is one recorded engine session.
type Run struct {
	ID       string
	Label    string
	Created  time.Time
	Levels   int
	Restarts int
}

// Open creates or opens a trace database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One writer; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewRun registers a run and returns its id.
func (s *Store) NewRun(ctx context.Context, label string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, label, created_at) VALUES (?, ?, ?)`,
		id, label, time.Now().UnixMicro())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Runs lists all runs, oldest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.label, r.created_at,
		       (SELECT COUNT(*) FROM levels l WHERE l.run_id = r.id),
		       (SELECT COUNT(*) FROM restarts x WHERE x.run_id = r.id)
		FROM runs r
		ORDER BY r.created_at, r.rowid`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created int64
		if err := rows.Scan(&r.ID, &r.Label, &created, &r.Levels, &r.Restarts); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Created = time.UnixMicro(created)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FindRun resolves a run id or a unique id prefix.
func (s *Store) FindRun(ctx context.Context, prefix string) (Run, error) {
	runs, err := s.Runs(ctx)
	if err != nil {
		return Run{}, err
	}
	var found []Run
	for _, r := range runs {
		if r.ID == prefix {
			return r, nil
		}
		if len(prefix) > 0 && len(r.ID) >= len(prefix) && r.ID[:len(prefix)] == prefix {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return Run{}, fmt.Errorf("%w: %s", ErrUnknownRun, prefix)
	case 1:
		return found[0], nil
	default:
		return Run{}, fmt.Errorf("run prefix %q is ambiguous (%d matches)", prefix, len(found))
	}
}

// Levels returns the level records of a run in time order.
func (s *Store) Levels(ctx context.Context, run string) ([]aps.LevelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at_us, role, level, changed, min_level, max_level, fine, peak_us, checks, elapsed_us
		FROM levels WHERE run_id = ? ORDER BY at_us, id`, run)
	if err != nil {
		return nil, fmt.Errorf("query levels: %w", err)
	}
	defer rows.Close()

	var out []aps.LevelRecord
	for rows.Next() {
		var (
			rec           aps.LevelRecord
			at, elapsed   int64
			role          int
			level, lo, hi uint8
			changed, fine bool
		)
		if err := rows.Scan(&at, &role, &level, &changed, &lo, &hi, &fine, &rec.PeakUs, &rec.Checks, &elapsed); err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		rec.At = time.Duration(at) * time.Microsecond
		rec.Elapsed = time.Duration(elapsed) * time.Microsecond
		rec.Role = aps.Role(role)
		rec.Level, rec.Min, rec.Max = aps.Level(level), aps.Level(lo), aps.Level(hi)
		rec.Changed, rec.Fine = changed, fine
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PhaseSessions returns the phase alignment session records of a run.
func (s *Store) PhaseSessions(ctx context.Context, run string) ([]aps.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at_us, diff_us, from_level, target_level, duration_us, ended
		FROM phase_sessions WHERE run_id = ? ORDER BY at_us, id`, run)
	if err != nil {
		return nil, fmt.Errorf("query phase sessions: %w", err)
	}
	defer rows.Close()

	var out []aps.SessionRecord
	for rows.Next() {
		var (
			rec          aps.SessionRecord
			at, duration int64
			from, target uint8
		)
		if err := rows.Scan(&at, &rec.DiffUs, &from, &target, &duration, &rec.Ended); err != nil {
			return nil, fmt.Errorf("scan phase session: %w", err)
		}
		rec.At = time.Duration(at) * time.Microsecond
		rec.Duration = time.Duration(duration) * time.Microsecond
		rec.From, rec.Target = aps.Level(from), aps.Level(target)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Restarts returns the restart requests of a run.
func (s *Store) Restarts(ctx context.Context, run string) ([]aps.RestartRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at_us, cause, hint FROM restarts WHERE run_id = ? ORDER BY at_us, id`, run)
	if err != nil {
		return nil, fmt.Errorf("query restarts: %w", err)
	}
	defer rows.Close()

	var out []aps.RestartRecord
	for rows.Next() {
		var (
			rec   aps.RestartRecord
			at    int64
			cause int
		)
		if err := rows.Scan(&at, &cause, &rec.Hint); err != nil {
			return nil, fmt.Errorf("scan restart: %w", err)
		}
		rec.At = time.Duration(at) * time.Microsecond
		rec.Cause = aps.RestartCause(cause)
		out = append(out, rec)
	}
	return out, rows.Err()
}
