package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"curpsweep/internal/curp"
)

var csvHeader = []string{
	"person_id", "index", "curp", "birth_date", "state_name",
	"day", "month", "state_code", "year", "worker_id", "found_at",
}

// CSV appends matches to a single file. Replayed batches may duplicate rows;
// the file is an at-least-once audit log, not the dedup point.
type CSV struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// NewCSV opens (or creates) the file and writes the header when it is new.
func NewCSV(path string) (*CSV, error) {
	info, statErr := os.Stat(path)
	fresh := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open match csv: %w", err)
	}
	s := &CSV{file: f, w: csv.NewWriter(f)}
	if fresh {
		if err := s.w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}
	return s, nil
}

// Persist appends every match in the batch and fsyncs before returning, so a
// reported success survives a crash.
func (s *CSV) Persist(_ context.Context, batch curp.ResultBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch.Matches {
		row := []string{
			m.PersonID,
			strconv.FormatInt(m.Index, 10),
			m.CURP,
			m.BirthDate,
			m.StateName,
			strconv.Itoa(m.Combination.Day),
			strconv.Itoa(m.Combination.Month),
			strconv.Itoa(m.Combination.StateCode),
			strconv.Itoa(m.Combination.Year),
			strconv.Itoa(m.WorkerID),
			m.FoundAt.UTC().Format(time.RFC3339),
		}
		if err := s.w.Write(row); err != nil {
			return fmt.Errorf("write match row: %w", err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush match rows: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync match csv: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *CSV) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.file.Close()
		return fmt.Errorf("flush match csv: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close match csv: %w", err)
	}
	return nil
}
