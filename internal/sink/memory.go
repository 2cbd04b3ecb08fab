// Package sink persists confirmed matches. Every sink is safe to hand the
// same batch twice: the aggregator replays batches after persist failures and
// after crash recovery.
package sink

import (
	"context"
	"fmt"
	"sync"

	"curpsweep/internal/curp"
)

// matchKey identifies a match by its (person, index) pair, the same identity
// the database sinks enforce with their primary key.
func matchKey(m curp.Match) string {
	return fmt.Sprintf("%s/%d", m.PersonID, m.Index)
}

// Memory keeps matches in process memory. Useful for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	matches []curp.Match
	seen    map[string]struct{}
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

// Persist records the batch, skipping (person, index) pairs it already holds.
func (m *Memory) Persist(_ context.Context, batch curp.ResultBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, match := range batch.Matches {
		key := matchKey(match)
		if _, dup := m.seen[key]; dup {
			continue
		}
		m.seen[key] = struct{}{}
		m.matches = append(m.matches, match)
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close(context.Context) error { return nil }

// Matches returns a copy of everything persisted so far.
func (m *Memory) Matches() []curp.Match {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]curp.Match(nil), m.matches...)
}
