package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"curpsweep/internal/curp"
)

const testHash = "cfg-aaaa"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	rec := Record{
		PersonID:           "p1",
		LastCompletedIndex: 41,
		Matches: []curp.Match{{
			PersonID: "p1",
			Index:    12,
			CURP:     "GOMC900215HJCNRL09",
		}},
		ConfigHash: testHash,
		UpdatedAt:  time.Unix(1000, 0).UTC(),
	}
	require.NoError(t, s.Save(rec))

	got, err := s.Load("p1", testHash)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestStore_LoadNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.Load("ghost", testHash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadConfigMismatch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Save(Record{PersonID: "p1", LastCompletedIndex: 3, ConfigHash: "cfg-old"}))

	_, err := s.Load("p1", "cfg-new")
	require.ErrorIs(t, err, ErrConfigMismatch)
}

func TestStore_SaveIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	rec := Record{PersonID: "p1", LastCompletedIndex: 7, ConfigHash: testHash, UpdatedAt: time.Unix(1, 0)}
	require.NoError(t, s.Save(rec))

	path := filepath.Join(dir, "person_p1.json")
	before, err := os.Stat(path)
	require.NoError(t, err)

	// Same progress with a newer timestamp must not rewrite the file.
	rec.UpdatedAt = time.Unix(2, 0)
	require.NoError(t, s.Save(rec))

	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime())
}

func TestStore_CrashMidWritePreservesPriorRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(Record{PersonID: "p1", LastCompletedIndex: 10, ConfigHash: testHash}))

	// Simulate a crash that left a half-written temp file behind.
	garbage := filepath.Join(dir, "person_p1.json.tmp-crash")
	require.NoError(t, os.WriteFile(garbage, []byte(`{"person_id":"p1","last_comp`), 0o600))

	got, err := s.Load("p1", testHash)
	require.NoError(t, err)
	require.Equal(t, int64(10), got.LastCompletedIndex)
}

func TestStore_OverwriteAdvancesRecord(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Save(Record{PersonID: "p1", LastCompletedIndex: 10, ConfigHash: testHash}))
	require.NoError(t, s.Save(Record{PersonID: "p1", LastCompletedIndex: 99, ConfigHash: testHash}))

	got, err := s.Load("p1", testHash)
	require.NoError(t, err)
	require.Equal(t, int64(99), got.LastCompletedIndex)
}

func TestStore_Clear(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Save(Record{PersonID: "p1", LastCompletedIndex: 5, ConfigHash: testHash}))
	require.NoError(t, s.Clear("p1"))

	_, err := s.Load("p1", testHash)
	require.ErrorIs(t, err, ErrNotFound)

	// Clearing a missing record is fine.
	require.NoError(t, s.Clear("p1"))
}

func TestStore_SanitizesPersonID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(Record{PersonID: "../evil id", LastCompletedIndex: 1, ConfigHash: testHash}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "person____evil_id.json", entries[0].Name())
}
