// Package tessera holds the core value types shared across the query engine:
// time ranges, result tables, and the structured error taxonomy surfaced in
// result metadata.
package tessera

import "fmt"

// TimeRange is an inclusive range of timestamps in epoch milliseconds.
type TimeRange struct {
	StartMs int64
	EndMs   int64
}

// Overlaps reports whether the two ranges share at least one millisecond.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.StartMs <= o.EndMs && o.StartMs <= r.EndMs
}

// Contains reports whether ts falls inside the range.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.StartMs && ts <= r.EndMs
}

// Extend grows the range to include ts.
func (r TimeRange) Extend(ts int64) TimeRange {
	if ts < r.StartMs {
		r.StartMs = ts
	}
	if ts > r.EndMs {
		r.EndMs = ts
	}
	return r
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.StartMs, r.EndMs)
}
