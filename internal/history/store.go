// Package history mirrors probe results into Postgres for fleet-wide trend
// queries across runs. The file ledger stays the source of truth; this store
// is best-effort and never blocks a run.
package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleetprobe/internal/config"
	"fleetprobe/internal/ledger"
)

type Store struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, cfg config.HistoryConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse history dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect history store: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS probe_results (
		id         BIGSERIAL PRIMARY KEY,
		run_id     TEXT NOT NULL,
		backend_id TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		exit_code  INT,
		output     TEXT NOT NULL DEFAULT '',
		probed_at  TIMESTAMPTZ NOT NULL,
		UNIQUE (run_id, backend_id)
	)`)
	if err != nil {
		return fmt.Errorf("ensure probe_results schema: %w", err)
	}
	return nil
}

// Record inserts one result. Conflicts on (run_id, backend_id) are ignored so
// a resumed run can never duplicate a row.
func (s *Store) Record(ctx context.Context, runID string, rec ledger.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO probe_results (run_id, backend_id, outcome, exit_code, output, probed_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (run_id, backend_id) DO NOTHING`,
		runID, rec.BackendID, string(rec.Outcome), rec.ExitCode, rec.Output, rec.ProbedAt)
	if err != nil {
		return fmt.Errorf("record probe result: %w", err)
	}
	return nil
}

// OutcomeCounts aggregates outcomes for one run.
func (s *Store) OutcomeCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT outcome, COUNT(*) FROM probe_results WHERE run_id=$1 GROUP BY outcome`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcome counts: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome counts: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
