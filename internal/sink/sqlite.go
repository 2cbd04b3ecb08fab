package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"curpsweep/internal/curp"

	_ "modernc.org/sqlite"
)

// SQLite persists matches in a local database. The (person_id, idx) primary
// key makes batch replays no-ops.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database and initializes the schema. WAL
// mode keeps readers (ad-hoc queries while a sweep runs) from blocking the
// writer.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open match db: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate match db: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS matches (
		person_id  TEXT NOT NULL,
		idx        INTEGER NOT NULL,
		curp       TEXT NOT NULL,
		birth_date TEXT,
		state_name TEXT,
		day        INTEGER NOT NULL,
		month      INTEGER NOT NULL,
		state_code INTEGER NOT NULL,
		year       INTEGER NOT NULL,
		worker_id  INTEGER NOT NULL,
		batch_id   TEXT NOT NULL,
		found_at   TEXT NOT NULL,
		PRIMARY KEY (person_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_matches_curp ON matches(curp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Persist inserts the batch inside one transaction. Conflicting rows are
// earlier deliveries of the same match and are skipped.
func (s *SQLite) Persist(ctx context.Context, batch curp.ResultBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin match tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt := `INSERT INTO matches
		(person_id, idx, curp, birth_date, state_name, day, month, state_code, year, worker_id, batch_id, found_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (person_id, idx) DO NOTHING`
	for _, m := range batch.Matches {
		if _, err := tx.ExecContext(ctx, stmt,
			m.PersonID, m.Index, m.CURP, m.BirthDate, m.StateName,
			m.Combination.Day, m.Combination.Month, m.Combination.StateCode, m.Combination.Year,
			m.WorkerID, batch.ID, m.FoundAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert match %s/%d: %w", m.PersonID, m.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit match batch %s: %w", batch.ID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close match db: %w", err)
	}
	return nil
}

// Count returns the number of stored matches, optionally for one person.
func (s *SQLite) Count(ctx context.Context, personID string) (int64, error) {
	var (
		n   int64
		err error
	)
	if personID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches WHERE person_id = ?`, personID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count matches: %w", err)
	}
	return n, nil
}
