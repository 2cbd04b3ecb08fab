package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"curpsweep/internal/curp"
)

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresConfig controls the connection pool for the Postgres sink.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// Postgres writes matches into a Postgres table. ON CONFLICT DO NOTHING makes
// batch replays idempotent.
type Postgres struct {
	pool execCloser
}

// NewPostgres connects a pool using the provided config. The matches table
// must exist:
//
//	CREATE TABLE matches (
//	    person_id  TEXT NOT NULL,
//	    idx        BIGINT NOT NULL,
//	    curp       TEXT NOT NULL,
//	    birth_date TEXT,
//	    state_name TEXT,
//	    day        INT NOT NULL,
//	    month      INT NOT NULL,
//	    state_code INT NOT NULL,
//	    year       INT NOT NULL,
//	    worker_id  INT NOT NULL,
//	    batch_id   TEXT NOT NULL,
//	    found_at   TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (person_id, idx)
//	);
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool constructs a sink from an existing pool (primarily for
// testing).
func NewPostgresWithPool(pool execCloser) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Postgres{pool: pool}, nil
}

const insertMatch = `
INSERT INTO matches (
	person_id,
	idx,
	curp,
	birth_date,
	state_name,
	day,
	month,
	state_code,
	year,
	worker_id,
	batch_id,
	found_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
) ON CONFLICT (person_id, idx) DO NOTHING`

// Persist inserts every match in the batch.
func (s *Postgres) Persist(ctx context.Context, batch curp.ResultBatch) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres sink is not configured")
	}
	for _, m := range batch.Matches {
		args := []any{
			m.PersonID,
			m.Index,
			m.CURP,
			m.BirthDate,
			m.StateName,
			m.Combination.Day,
			m.Combination.Month,
			m.Combination.StateCode,
			m.Combination.Year,
			m.WorkerID,
			batch.ID,
			m.FoundAt.UTC(),
		}
		if _, err := s.pool.Exec(ctx, insertMatch, args...); err != nil {
			return fmt.Errorf("insert match %s/%d: %w", m.PersonID, m.Index, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Postgres) Close(context.Context) error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
