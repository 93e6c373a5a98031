// Package segment implements the node's segment registry: immutable columnar
// segments, reference-counted handles, per-table data managers, and a
// BadgerDB-backed persistent store.
package segment

import (
	"fmt"

	"github.com/tesseradb/tessera-engine/tessera"
)

// Metadata describes a segment without touching its data. Pruning decisions
// are made from metadata alone.
type Metadata struct {
	Name            string
	TotalRawDocs    int64
	TimeColumn      string
	TimeRange       tessera.TimeRange
	PartitionColumn string
	PartitionValue  string
}

// Segment is an immutable, independently queryable partition of a table.
type Segment interface {
	Name() string
	Metadata() *Metadata
	NumDocs() int
	Columns() []string
	Column(name string) ([]interface{}, bool)
}

// ColumnarSegment is the in-memory column-store implementation of Segment.
type ColumnarSegment struct {
	meta    Metadata
	order   []string
	columns map[string][]interface{}
	numDocs int
}

// BuildSegment constructs a segment from row-oriented input. timeColumn must
// be one of columns and hold int64 epoch-millisecond values; the segment's
// time range is derived from it.
func BuildSegment(name string, columns []string, timeColumn string, rows [][]interface{}) (*ColumnarSegment, error) {
	if name == "" {
		return nil, fmt.Errorf("segment name must not be empty")
	}
	timeIdx := -1
	for i, col := range columns {
		if col == timeColumn {
			timeIdx = i
		}
	}
	if timeIdx < 0 {
		return nil, fmt.Errorf("time column %q not in segment columns %v", timeColumn, columns)
	}

	colData := make(map[string][]interface{}, len(columns))
	for _, col := range columns {
		colData[col] = make([]interface{}, 0, len(rows))
	}

	timeRange := tessera.TimeRange{}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		ts, ok := row[timeIdx].(int64)
		if !ok {
			return nil, fmt.Errorf("row %d: time column %q value %v is not int64", i, timeColumn, row[timeIdx])
		}
		if i == 0 {
			timeRange = tessera.TimeRange{StartMs: ts, EndMs: ts}
		} else {
			timeRange = timeRange.Extend(ts)
		}
		for j, col := range columns {
			colData[col] = append(colData[col], row[j])
		}
	}

	order := make([]string, len(columns))
	copy(order, columns)

	return &ColumnarSegment{
		meta: Metadata{
			Name:         name,
			TotalRawDocs: int64(len(rows)),
			TimeColumn:   timeColumn,
			TimeRange:    timeRange,
		},
		order:   order,
		columns: colData,
		numDocs: len(rows),
	}, nil
}

// WithPartition tags the segment with a partition column/value pair used by
// partition pruning. Returns the segment for chaining.
func (s *ColumnarSegment) WithPartition(column, value string) *ColumnarSegment {
	s.meta.PartitionColumn = column
	s.meta.PartitionValue = value
	return s
}

func (s *ColumnarSegment) Name() string        { return s.meta.Name }
func (s *ColumnarSegment) Metadata() *Metadata { return &s.meta }
func (s *ColumnarSegment) NumDocs() int        { return s.numDocs }

// Columns returns the column names in their original order.
func (s *ColumnarSegment) Columns() []string { return s.order }

// Column returns the values of one column.
func (s *ColumnarSegment) Column(name string) ([]interface{}, bool) {
	col, ok := s.columns[name]
	return col, ok
}
