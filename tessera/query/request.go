// Package query defines the request shape the execution engine consumes.
// Requests are produced upstream (by the broker/scheduler) and are read-only
// to the engine.
package query

import (
	"fmt"
	"strings"

	"github.com/tesseradb/tessera-engine/tessera"
	"github.com/tesseradb/tessera-engine/tessera/trace"
)

// Op is a comparison operator in a column predicate.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Predicate is a single column comparison. Values are compared with Go
// semantics per type; mismatched types never match.
type Predicate struct {
	Column string
	Op     Op
	Value  interface{}
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %v", p.Column, p.Op, p.Value)
}

// Matches evaluates the predicate against a cell value.
func (p Predicate) Matches(v interface{}) bool {
	switch p.Op {
	case OpEq:
		return v == p.Value
	case OpNe:
		return v != p.Value
	case OpLt, OpLe, OpGt, OpGe:
		cmp, ok := compare(v, p.Value)
		if !ok {
			return false
		}
		switch p.Op {
		case OpLt:
			return cmp < 0
		case OpLe:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	}
	return false
}

func compare(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1, true
			case av > bv:
				return 1, true
			}
			return 0, true
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1, true
			case av > bv:
				return 1, true
			}
			return 0, true
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	}
	return 0, false
}

// Request describes one query against one table on this node.
type Request struct {
	// RequestID uniquely identifies the request across the cluster.
	RequestID int64

	// TableName is the target table and the key for timeout overrides.
	TableName string

	// SegmentIDs names the candidate segments this node should search.
	SegmentIDs []string

	// TimeRange restricts rows by timestamp. Nil means unbounded.
	TimeRange *tessera.TimeRange

	// Predicates filter rows by column value, ANDed together.
	Predicates []Predicate

	// Columns is the projection. Empty means all segment columns.
	Columns []string

	// Limit caps the number of result rows. Non-positive means unlimited.
	Limit int

	// Timer carries the request's phase timers. The scheduler creates it
	// before handing the request to the executor; the executor creates one
	// if it is nil.
	Timer *trace.TimerContext
}

// SearchSegmentCount returns the declared number of segments to search.
func (r *Request) SearchSegmentCount() int { return len(r.SegmentIDs) }

func (r *Request) String() string {
	return fmt.Sprintf("Request(%d, table=%s, segments=%d, predicates=%d)",
		r.RequestID, r.TableName, len(r.SegmentIDs), len(r.Predicates))
}
