// Package checkpoint persists per-person traversal progress so a run can
// resume after a restart at any point, including mid-batch.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"curpsweep/internal/curp"
)

// Errors surfaced to the run controller.
var (
	// ErrNotFound means no checkpoint exists for the person; the caller
	// starts a fresh traversal.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrConfigMismatch means the stored checkpoint was produced under a
	// different combination-space configuration. Resuming would silently
	// skip or duplicate work, so the caller must choose a fresh start
	// explicitly.
	ErrConfigMismatch = errors.New("checkpoint config mismatch")
)

// Record is the durable progress snapshot for one person.
type Record struct {
	PersonID string `json:"person_id"`
	// LastCompletedIndex is the highest index k such that every index in
	// [0, k] has been queried and its matches durably persisted. -1 means
	// nothing has completed yet.
	LastCompletedIndex int64        `json:"last_completed_index"`
	Matches            []curp.Match `json:"matches"`
	ConfigHash         string       `json:"config_hash"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Store reads and writes Records under a directory, one file per person.
// Writes follow write-temp, fsync, rename so a crash mid-write never
// corrupts the previous valid record. The run controller serializes flushes
// per person, so Store only guards its idempotence cache.
type Store struct {
	dir string

	mu        sync.Mutex
	lastSaved map[string]string // personID -> content digest
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	return &Store{
		dir:       dir,
		lastSaved: make(map[string]string),
	}, nil
}

// Load returns the stored record for personID. It fails with ErrNotFound when
// no record exists and with ErrConfigMismatch when the record was written
// under a different configHash.
func (s *Store) Load(personID, configHash string) (Record, error) {
	data, err := os.ReadFile(s.path(personID))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("person %s: %w", personID, ErrNotFound)
		}
		return Record{}, fmt.Errorf("read checkpoint for %s: %w", personID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode checkpoint for %s: %w", personID, err)
	}
	if rec.ConfigHash != configHash {
		return Record{}, fmt.Errorf("person %s: stored %.12s vs active %.12s: %w",
			personID, rec.ConfigHash, configHash, ErrConfigMismatch)
	}
	return rec, nil
}

// Save durably replaces the person's record. Saving an identical record is
// observably a no-op.
func (s *Store) Save(rec Record) error {
	if rec.PersonID == "" {
		return fmt.Errorf("record person id is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode checkpoint for %s: %w", rec.PersonID, err)
	}

	// Idempotence ignores the timestamp: re-saving unchanged progress is a
	// no-op even when the caller stamps a fresh UpdatedAt.
	stable := rec
	stable.UpdatedAt = time.Time{}
	stablePayload, err := json.Marshal(stable)
	if err != nil {
		return fmt.Errorf("encode checkpoint for %s: %w", rec.PersonID, err)
	}
	digest := contentDigest(stablePayload)
	s.mu.Lock()
	if s.lastSaved[rec.PersonID] == digest {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.writeAtomic(s.path(rec.PersonID), payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSaved[rec.PersonID] = digest
	s.mu.Unlock()
	return nil
}

// Clear removes the person's record, e.g. after a completed traversal. It is
// not an error if the record does not exist.
func (s *Store) Clear(personID string) error {
	if err := os.Remove(s.path(personID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint for %s: %w", personID, err)
	}
	s.mu.Lock()
	delete(s.lastSaved, personID)
	s.mu.Unlock()
	return nil
}

func (s *Store) writeAtomic(target string, payload []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace checkpoint %s: %w", target, err)
	}
	return nil
}

func (s *Store) path(personID string) string {
	return filepath.Join(s.dir, "person_"+sanitize(personID)+".json")
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func contentDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
