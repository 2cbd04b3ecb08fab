package worker

import "sync/atomic"

// Distributor hands out combination indices to workers through a single
// atomic cursor. The cursor only ever increases, so no two workers are ever
// assigned the same index for the same person, without per-item locking.
type Distributor struct {
	next  atomic.Int64
	limit int64
}

// NewDistributor covers [start, limit). A resumed person passes
// lastCompletedIndex+1 as start.
func NewDistributor(start, limit int64) *Distributor {
	if start < 0 {
		start = 0
	}
	d := &Distributor{limit: limit}
	d.next.Store(start)
	return d
}

// Next claims the next unassigned index; ok is false once the space is
// exhausted.
func (d *Distributor) Next() (int64, bool) {
	idx := d.next.Add(1) - 1
	if idx >= d.limit {
		return 0, false
	}
	return idx, true
}

// Remaining reports how many indices are still unclaimed.
func (d *Distributor) Remaining() int64 {
	n := d.limit - d.next.Load()
	if n < 0 {
		return 0
	}
	return n
}
