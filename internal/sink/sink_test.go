package sink

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"curpsweep/internal/curp"
)

func sampleBatch(id string, indices ...int64) curp.ResultBatch {
	batch := curp.ResultBatch{ID: id, PersonID: "p-1"}
	for _, idx := range indices {
		batch.Matches = append(batch.Matches, curp.Match{
			PersonID:    "p-1",
			Index:       idx,
			CURP:        "LOML900115MDFPRR08",
			BirthDate:   "1990-01-15",
			StateName:   "Ciudad de México",
			Combination: curp.Combination{Day: 15, Month: 1, StateCode: 32, Year: 1990},
			WorkerID:    1,
			FoundAt:     time.Unix(1700000000, 0).UTC(),
		})
	}
	return batch
}

func TestMemorySinkDeduplicatesReplays(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, sampleBatch("b-1", 10, 11)))
	require.NoError(t, s.Persist(ctx, sampleBatch("b-1", 10, 11))) // replay
	require.NoError(t, s.Persist(ctx, sampleBatch("b-2", 12)))

	require.Len(t, s.Matches(), 3)
}

func TestCSVSinkAppendsRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "matches.csv")
	s, err := NewCSV(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, sampleBatch("b-1", 10, 11)))
	require.NoError(t, s.Close(ctx))

	// Reopening appends without rewriting the header.
	s, err = NewCSV(path)
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx, sampleBatch("b-2", 12)))
	require.NoError(t, s.Close(ctx))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 4) // header + 3 matches
	require.Equal(t, csvHeader, rows[0])
	require.Equal(t, "p-1", rows[1][0])
	require.Equal(t, "10", rows[1][1])
	require.Equal(t, "LOML900115MDFPRR08", rows[1][2])
}

func TestSQLiteSinkIdempotentReplay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "matches.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, sampleBatch("b-1", 10, 11)))
	require.NoError(t, s.Persist(ctx, sampleBatch("b-1", 10, 11))) // replay
	require.NoError(t, s.Persist(ctx, sampleBatch("b-2", 12)))

	n, err := s.Count(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	total, err := s.Count(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
}

func TestPostgresSinkInsertsBatch(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewPostgresWithPool(mock)
	require.NoError(t, err)

	batch := sampleBatch("b-1", 10)
	m := batch.Matches[0]
	mock.ExpectExec("INSERT INTO matches").
		WithArgs(
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
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Persist(context.Background(), batch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresWithPool(nil)
	require.Error(t, err)
}
