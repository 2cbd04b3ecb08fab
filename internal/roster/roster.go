// Package roster loads the list of persons to sweep from a CSV file.
package roster

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"curpsweep/internal/curp"
)

// header is the required first row, in order.
var header = []string{"person_id", "first_name", "last_name_1", "last_name_2", "gender"}

// Load reads person tasks from path. The file must carry the canonical
// header; last_name_2 may be empty, gender must be H or M.
func Load(path string) ([]curp.PersonTask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	tasks, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return tasks, nil
}

// Parse reads tasks from r. Exposed separately so callers can load rosters
// from sources other than the filesystem.
func Parse(r io.Reader) ([]curp.PersonTask, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	first, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := checkHeader(first); err != nil {
		return nil, err
	}

	var tasks []curp.PersonTask
	seen := make(map[string]struct{})
	line := 1
	for {
		line++
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		task, err := toTask(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if _, dup := seen[task.PersonID]; dup {
			return nil, fmt.Errorf("line %d: duplicate person_id %q", line, task.PersonID)
		}
		seen[task.PersonID] = struct{}{}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("roster has no persons")
	}
	return tasks, nil
}

// WriteTemplate writes an example roster so operators have the header and one
// sample row to start from.
func WriteTemplate(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("create roster template: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{
		header,
		{"example-1", "MARIA GUADALUPE", "LOPEZ", "HERNANDEZ", "M"},
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write roster template: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush roster template: %w", err)
	}
	return nil
}

func checkHeader(got []string) error {
	if len(got) != len(header) {
		return fmt.Errorf("header must be %s", strings.Join(header, ","))
	}
	for i, col := range header {
		if strings.TrimSpace(strings.ToLower(got[i])) != col {
			return fmt.Errorf("header column %d must be %q, got %q", i+1, col, got[i])
		}
	}
	return nil
}

func toTask(rec []string) (curp.PersonTask, error) {
	if len(rec) != len(header) {
		return curp.PersonTask{}, fmt.Errorf("expected %d columns, got %d", len(header), len(rec))
	}
	id := strings.TrimSpace(rec[0])
	firstName := strings.TrimSpace(rec[1])
	lastName1 := strings.TrimSpace(rec[2])
	lastName2 := strings.TrimSpace(rec[3])
	gender := strings.ToUpper(strings.TrimSpace(rec[4]))

	if id == "" {
		return curp.PersonTask{}, fmt.Errorf("person_id is required")
	}
	if firstName == "" || lastName1 == "" {
		return curp.PersonTask{}, fmt.Errorf("first_name and last_name_1 are required for %s", id)
	}
	if gender != "H" && gender != "M" {
		return curp.PersonTask{}, fmt.Errorf("gender for %s must be H or M, got %q", id, rec[4])
	}
	return curp.PersonTask{
		PersonID: id,
		Fields: curp.PersonFields{
			FirstName: firstName,
			LastName1: lastName1,
			LastName2: lastName2,
			Gender:    gender,
		},
	}, nil
}
