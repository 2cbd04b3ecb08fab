// Package combi enumerates the (day, month, state, year) combination space
// with a stable total ordering and a bijective integer index, the foundation
// for checkpointed resume.
package combi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"curpsweep/internal/curp"
)

// Every month enumerates all 31 days; the registry rejects impossible
// calendar dates itself, which keeps the index arithmetic uniform.
const daysPerMonth = 31

// Errors returned by Decode and Encode.
var (
	ErrIndexRange = errors.New("combination index out of range")
	ErrNotInSpace = errors.New("combination not in configured space")
)

// Bound is one end of the year range, optionally narrowed to a month.
type Bound struct {
	Year int
	// Month is 0 when the bound covers the whole year.
	Month int
}

// ParseBound accepts "1990" or "1990-11".
func ParseBound(s string) (Bound, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Bound{}, errors.New("empty year bound")
	}
	year, month, found := strings.Cut(s, "-")
	y, err := strconv.Atoi(year)
	if err != nil {
		return Bound{}, fmt.Errorf("parse year %q: %w", s, err)
	}
	b := Bound{Year: y}
	if found {
		m, err := strconv.Atoi(month)
		if err != nil {
			return Bound{}, fmt.Errorf("parse month %q: %w", s, err)
		}
		if m < 1 || m > 12 {
			return Bound{}, fmt.Errorf("month %d out of range in %q", m, s)
		}
		b.Month = m
	}
	return b, nil
}

type yearMonth struct {
	year  int
	month int
}

// Space is a deterministic, resumable enumerator over the combination
// product. It is immutable once built; cursors share it freely.
type Space struct {
	yearMonths []yearMonth
	ymIndex    map[yearMonth]int
	hash       string
}

// New builds a Space covering [start, end] inclusive. Ordering is day-major:
// index = dayIdx*(states*yearMonths) + stateIdx*yearMonths + yearMonthIdx,
// which spreads a resumed run evenly across the calendar the same way the
// enumeration always has. The ordering is part of the checkpoint contract
// and must never change for a given config hash.
func New(start, end Bound) (*Space, error) {
	if end.Year < start.Year {
		return nil, fmt.Errorf("year range inverted: %d..%d", start.Year, end.Year)
	}
	var yms []yearMonth
	for year := start.Year; year <= end.Year; year++ {
		first, last := 1, 12
		if year == start.Year && start.Month != 0 {
			first = start.Month
		}
		if year == end.Year && end.Month != 0 {
			last = end.Month
		}
		for m := first; m <= last; m++ {
			yms = append(yms, yearMonth{year: year, month: m})
		}
	}
	if len(yms) == 0 {
		return nil, fmt.Errorf("empty year-month range %d-%02d..%d-%02d", start.Year, start.Month, end.Year, end.Month)
	}
	idx := make(map[yearMonth]int, len(yms))
	for i, ym := range yms {
		idx[ym] = i
	}
	return &Space{
		yearMonths: yms,
		ymIndex:    idx,
		hash:       configHash(yms),
	}, nil
}

// configHash binds checkpoints to the exact space that produced them. It
// covers the day count, the full state catalog, and every year-month cell.
func configHash(yms []yearMonth) string {
	h := sha256.New()
	fmt.Fprintf(h, "v1|days=%d|states=", daysPerMonth)
	for _, st := range Catalog {
		fmt.Fprintf(h, "%d:%s;", st.Code, st.CURPKey)
	}
	h.Write([]byte("|ym="))
	for _, ym := range yms {
		fmt.Fprintf(h, "%d-%02d;", ym.year, ym.month)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ConfigHash identifies this space configuration.
func (s *Space) ConfigHash() string {
	return s.hash
}

// Size returns N, the number of combinations in the space.
func (s *Space) Size() int64 {
	return int64(daysPerMonth) * int64(len(Catalog)) * int64(len(s.yearMonths))
}

// Decode maps an index in [0, N) to its Combination. Pure and total over the
// valid range.
func (s *Space) Decode(index int64) (curp.Combination, error) {
	if index < 0 || index >= s.Size() {
		return curp.Combination{}, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexRange, index, s.Size())
	}
	ymCount := int64(len(s.yearMonths))
	stateCount := int64(len(Catalog))

	dayIdx := index / (stateCount * ymCount)
	rem := index % (stateCount * ymCount)
	stateIdx := rem / ymCount
	ym := s.yearMonths[rem%ymCount]

	return curp.Combination{
		Day:       int(dayIdx) + 1,
		Month:     ym.month,
		StateCode: int(stateIdx) + 1,
		Year:      ym.year,
	}, nil
}

// Encode is the inverse of Decode.
func (s *Space) Encode(c curp.Combination) (int64, error) {
	if c.Day < 1 || c.Day > daysPerMonth {
		return 0, fmt.Errorf("%w: day %d", ErrNotInSpace, c.Day)
	}
	if c.StateCode < 1 || c.StateCode > len(Catalog) {
		return 0, fmt.Errorf("%w: state code %d", ErrNotInSpace, c.StateCode)
	}
	ymIdx, ok := s.ymIndex[yearMonth{year: c.Year, month: c.Month}]
	if !ok {
		return 0, fmt.Errorf("%w: %d-%02d", ErrNotInSpace, c.Year, c.Month)
	}
	ymCount := int64(len(s.yearMonths))
	stateCount := int64(len(Catalog))
	return int64(c.Day-1)*stateCount*ymCount + int64(c.StateCode-1)*ymCount + int64(ymIdx), nil
}

// Cursor returns a restartable sequence over [start, N). Two cursors built
// from the same start always yield identical sequences.
func (s *Space) Cursor(start int64) *Cursor {
	if start < 0 {
		start = 0
	}
	return &Cursor{space: s, next: start}
}

// Cursor walks the space in index order.
type Cursor struct {
	space *Space
	next  int64
}

// Next yields the next combination and its index, or ok=false when the
// cursor is exhausted.
func (c *Cursor) Next() (curp.Combination, int64, bool) {
	if c.next >= c.space.Size() {
		return curp.Combination{}, 0, false
	}
	idx := c.next
	c.next++
	combo, err := c.space.Decode(idx)
	if err != nil {
		// Unreachable: next is bounds-checked above.
		return curp.Combination{}, 0, false
	}
	return combo, idx, true
}
