// Package curp defines core types shared across subsystems.
package curp

import "time"

// OutcomeKind classifies the result of one registry query.
type OutcomeKind string

// Outcome classifications reported by sessions and recorded by the aggregator.
const (
	OutcomeMatch     OutcomeKind = "match"
	OutcomeNoMatch   OutcomeKind = "no_match"
	OutcomeTransient OutcomeKind = "transient_error"
	OutcomeFatal     OutcomeKind = "fatal_error"
)

// Combination is one (day, month, state, year) birth-data tuple. The registry
// endpoint is the source of truth for calendar validity, so impossible dates
// such as 31 February are enumerated and queried like any other combination.
type Combination struct {
	Day       int `json:"day"`
	Month     int `json:"month"`
	StateCode int `json:"state_code"`
	Year      int `json:"year"`
}

// PersonFields carries the four identity fields the registry form requires.
type PersonFields struct {
	FirstName string `json:"first_name"`
	LastName1 string `json:"last_name_1"`
	LastName2 string `json:"last_name_2"`
	Gender    string `json:"gender"`
}

// PersonTask is one person's traversal of the combination space.
type PersonTask struct {
	PersonID string       `json:"person_id"`
	Fields   PersonFields `json:"fields"`
}

// Outcome is the classified result of a single query.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	// CURP, BirthDate and StateName are populated for OutcomeMatch.
	CURP      string `json:"curp,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
	StateName string `json:"state_name,omitempty"`
	// Err carries the error text for transient and fatal outcomes, and the
	// annotation left on a no-match recorded after exhausted retries.
	Err string `json:"err,omitempty"`
	// Attempts counts the external calls spent on this combination.
	Attempts int `json:"attempts,omitempty"`
}

// Match is a confirmed registry hit for one combination.
type Match struct {
	PersonID    string      `json:"person_id"`
	Index       int64       `json:"index"`
	CURP        string      `json:"curp"`
	BirthDate   string      `json:"birth_date,omitempty"`
	StateName   string      `json:"state_name,omitempty"`
	Combination Combination `json:"combination"`
	WorkerID    int         `json:"worker_id"`
	FoundAt     time.Time   `json:"found_at"`
}

// ResultBatch is a bounded group of matches flushed to a sink as a unit.
type ResultBatch struct {
	ID       string  `json:"id"`
	PersonID string  `json:"person_id"`
	Matches  []Match `json:"matches"`
}

// Report is one worker's account of a completed combination, consumed by the
// aggregator. Every claimed index produces exactly one report.
type Report struct {
	PersonID    string
	Index       int64
	Combination Combination
	Outcome     Outcome
	WorkerID    int
}
