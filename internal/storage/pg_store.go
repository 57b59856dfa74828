package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tapbench/internal/runner"
)

// Schema is idempotent; `tapbench db init` applies it.
const Schema = `
CREATE SCHEMA IF NOT EXISTS tapbench;

CREATE TABLE IF NOT EXISTS tapbench.runs (
	id             uuid PRIMARY KEY,
	run_id         text NOT NULL,
	recorded_at    timestamptz NOT NULL,
	scenario       text NOT NULL,
	app            text NOT NULL,
	detector       text NOT NULL DEFAULT '',
	output         text NOT NULL DEFAULT '',
	trials         integer NOT NULL,
	success        integer NOT NULL,
	fail           integer NOT NULL,
	timeout        integer NOT NULL,
	aborted        boolean NOT NULL DEFAULT false,
	error          text,
	mean_seconds   double precision,
	min_seconds    double precision,
	max_seconds    double precision,
	stddev_seconds double precision
);

CREATE INDEX IF NOT EXISTS runs_scenario_app_idx ON tapbench.runs (scenario, app, recorded_at DESC);

CREATE TABLE IF NOT EXISTS tapbench.trials (
	run       uuid NOT NULL REFERENCES tapbench.runs(id) ON DELETE CASCADE,
	idx       integer NOT NULL,
	outcome   text NOT NULL,
	started_at timestamptz NOT NULL,
	duration_seconds double precision,
	error     text,
	PRIMARY KEY (run, idx)
);
`

// PGStore writes runs to a shared Postgres database.
type PGStore struct {
	pool *pgxpool.Pool
}

func OpenPG(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

// Bootstrap creates the schema.
func (s *PGStore) Bootstrap(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// SaveRun inserts the run and its trials in one transaction.
func (s *PGStore) SaveRun(ctx context.Context, item HistoryItem, records []runner.TrialRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var mean, min, max, stddev *float64
	if item.Summary.Count > 0 {
		mean, min, max, stddev = &item.Summary.Mean, &item.Summary.Min, &item.Summary.Max, &item.Summary.StdDev
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tapbench.runs (id, run_id, recorded_at, scenario, app, detector, output,
			trials, success, fail, timeout, aborted, error,
			mean_seconds, min_seconds, max_seconds, stddev_seconds)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, item.ID, item.RunID, item.Timestamp, item.Scenario, item.App, item.Detector, item.Output,
		item.Trials, item.Success, item.Fail, item.Timeout, item.Aborted, nullIfEmpty(item.Error),
		mean, min, max, stddev,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		var secs *float64
		if r.Outcome == runner.OutcomeSuccess {
			v := r.Duration.Seconds()
			secs = &v
		}
		var errText *string
		if r.Err != nil {
			e := r.Err.Error()
			errText = &e
		}
		rows = append(rows, []any{item.ID, r.Index, r.Outcome.String(), r.StartedAt, secs, errText})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"tapbench", "trials"},
		[]string{"run", "idx", "outcome", "started_at", "duration_seconds", "error"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy trials: %w", err)
	}
	return tx.Commit(ctx)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
