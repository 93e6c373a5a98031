package plan

import (
	"fmt"

	"github.com/tesseradb/tessera-engine/tessera"
	"github.com/tesseradb/tessera-engine/tessera/query"
	"github.com/tesseradb/tessera-engine/tessera/segment"
)

// leafPlan scans exactly one segment: time-range filter, predicate filter,
// projection, optional row cap. Leaves are independent and safe to run
// concurrently; each touches only its own segment.
type leafPlan struct {
	handle  *segment.Handle
	req     *query.Request
	columns []string
	maxRows int
}

func (l *leafPlan) run() (*tessera.DataTable, error) {
	seg := l.handle.Segment()
	meta := seg.Metadata()

	projected := make([][]interface{}, len(l.columns))
	for i, col := range l.columns {
		values, ok := seg.Column(col)
		if !ok {
			return nil, fmt.Errorf("segment %s has no column %q", seg.Name(), col)
		}
		projected[i] = values
	}

	var timeCol []interface{}
	if l.req.TimeRange != nil {
		values, ok := seg.Column(meta.TimeColumn)
		if !ok {
			return nil, fmt.Errorf("segment %s has no time column %q", seg.Name(), meta.TimeColumn)
		}
		timeCol = values
	}

	predCols := make([][]interface{}, len(l.req.Predicates))
	for i, p := range l.req.Predicates {
		values, ok := seg.Column(p.Column)
		if !ok {
			return nil, fmt.Errorf("segment %s has no column %q", seg.Name(), p.Column)
		}
		predCols[i] = values
	}

	out := tessera.NewDataTableWithColumns(l.columns)
	for row := 0; row < seg.NumDocs(); row++ {
		if timeCol != nil {
			ts, ok := timeCol[row].(int64)
			if !ok || !l.req.TimeRange.Contains(ts) {
				continue
			}
		}
		matched := true
		for i, p := range l.req.Predicates {
			if !p.Matches(predCols[i][row]) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		result := make([]interface{}, len(l.columns))
		for i := range l.columns {
			result[i] = projected[i][row]
		}
		out.AppendRow(result)
		if l.maxRows > 0 && out.NumRows() >= l.maxRows {
			break
		}
	}
	return out, nil
}

func (l *leafPlan) describe() string {
	return fmt.Sprintf("LeafPlan(segment=%s, docs=%d)",
		l.handle.Segment().Name(), l.handle.Metadata().TotalRawDocs)
}
