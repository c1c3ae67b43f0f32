// Package store persists the shared work-queue state of a parallel run.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/evalflow/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Queue using SQLite. Every mutation runs under one
// store-wide mutex inside a transaction.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

var _ Queue = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// withTx runs fn in a transaction under the store lock.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(queue_seq), 0) + 1 FROM units`).Scan(&seq)
	return seq, err
}

// Enqueue implements Queue.
func (s *SQLiteStore) Enqueue(ctx context.Context, units []model.BenchmarkConfig) error {
	s.logger.Debug("sql", "op", "insert", "table", "units", "count", len(units))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		for i, u := range units {
			cfg, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("marshal unit %s: %w", u.Benchmark, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO units (id, position, config, state, queue_seq, created_at)
				 VALUES (?, ?, ?, 'queued', ?, ?)`,
				u.Benchmark, seq+int64(i), string(cfg), seq+int64(i), now())
			if err != nil {
				return fmt.Errorf("insert unit %s: %w", u.Benchmark, err)
			}
		}
		return nil
	})
}

// Checkout implements Queue.
func (s *SQLiteStore) Checkout(ctx context.Context) (*model.BenchmarkConfig, error) {
	s.logger.Debug("sql", "op", "checkout_unit")
	var unit *model.BenchmarkConfig
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id, cfg string
		err := tx.QueryRowContext(ctx,
			`SELECT id, config FROM units WHERE state = 'queued' ORDER BY queue_seq LIMIT 1`,
		).Scan(&id, &cfg)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE units SET state = 'running' WHERE id = ? AND state = 'queued'`, id); err != nil {
			return fmt.Errorf("update unit state: %w", err)
		}
		var u model.BenchmarkConfig
		if err := json.Unmarshal([]byte(cfg), &u); err != nil {
			return fmt.Errorf("unmarshal unit %s: %w", id, err)
		}
		unit = &u
		return nil
	})
	return unit, err
}

// Allocate implements Queue.
func (s *SQLiteStore) Allocate(ctx context.Context, unitID, worker string) error {
	s.logger.Debug("sql", "op", "insert", "table", "allocations", "unit", unitID, "worker", worker)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireUnit(ctx, tx, unitID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO allocations (unit_id, worker, allocated_at) VALUES (?, ?, ?)`,
			unitID, worker, now())
		return err
	})
}

// Finish implements Queue.
func (s *SQLiteStore) Finish(ctx context.Context, unitID string) error {
	s.logger.Debug("sql", "op", "finish_unit", "unit", unitID)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireUnit(ctx, tx, unitID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE units SET state = 'finished' WHERE id = ?`, unitID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO finished (unit_id, finished_at) VALUES (?, ?)`, unitID, now())
		return err
	})
}

// Retry implements Queue.
func (s *SQLiteStore) Retry(ctx context.Context, unitID string, budget int, cause string) (*model.RetryResponse, error) {
	s.logger.Debug("sql", "op", "retry_unit", "unit", unitID, "budget", budget)
	resp := &model.RetryResponse{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireUnit(ctx, tx, unitID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM allocations WHERE unit_id = ?`, unitID,
		).Scan(&resp.Attempts); err != nil {
			return err
		}
		if resp.Attempts >= budget {
			_, err := tx.ExecContext(ctx,
				`UPDATE units SET state = 'abandoned', last_error = ? WHERE id = ?`, cause, unitID)
			return err
		}
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE units SET state = 'queued', queue_seq = ?, last_error = ? WHERE id = ?`,
			seq, cause, unitID); err != nil {
			return err
		}
		resp.Requeued = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func requireUnit(ctx context.Context, tx *sql.Tx, unitID string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM units WHERE id = ?`, unitID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return model.NewNotFoundError("unit", unitID)
	}
	return nil
}

// Status implements Queue.
func (s *SQLiteStore) Status(ctx context.Context) (*model.UnitStatus, error) {
	s.logger.Debug("sql", "op", "select", "table", "units")
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &model.UnitStatus{
		Finished:    []string{},
		Unfinished:  []string{},
		Allocations: map[string][]string{},
		Errors:      map[string]string{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT unit_id FROM finished ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		st.Finished = append(st.Finished, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, last_error FROM units WHERE state != 'finished' ORDER BY position`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, lastErr string
		if err := rows.Scan(&id, &lastErr); err != nil {
			rows.Close()
			return nil, err
		}
		st.Unfinished = append(st.Unfinished, id)
		if lastErr != "" {
			st.Errors[id] = lastErr
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT unit_id, worker FROM allocations ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, worker string
		if err := rows.Scan(&id, &worker); err != nil {
			return nil, err
		}
		st.Allocations[id] = append(st.Allocations[id], worker)
	}
	return st, rows.Err()
}
