package tessera

import "fmt"

// Metadata keys stamped onto every DataTable returned by the query executor.
// Downstream consumers key off these names; do not rename.
const (
	TimeUsedMsMetadataKey = "timeUsedMs"
	RequestIDMetadataKey  = "requestId"
	TraceInfoMetadataKey  = "traceInfo"
	TotalDocsMetadataKey  = "totalDocs"
	ExceptionMetadataKey  = "exception"
)

// DataTable is the result of one query against one node: projected rows plus
// string-keyed metadata. Ownership transfers to the caller on return.
type DataTable struct {
	columns  []string
	rows     [][]interface{}
	metadata map[string]string
	errors   []QueryError
}

// NewDataTable returns an empty table with no columns.
func NewDataTable() *DataTable {
	return &DataTable{metadata: make(map[string]string)}
}

// NewDataTableWithColumns returns an empty table with the given column names.
func NewDataTableWithColumns(columns []string) *DataTable {
	dt := NewDataTable()
	dt.columns = columns
	return dt
}

// Columns returns the column names, in projection order.
func (d *DataTable) Columns() []string { return d.columns }

// SetColumns replaces the column names. Existing rows are assumed to match.
func (d *DataTable) SetColumns(columns []string) { d.columns = columns }

// Rows returns the row data. The slice is owned by the table.
func (d *DataTable) Rows() [][]interface{} { return d.rows }

// NumRows returns the row count.
func (d *DataTable) NumRows() int { return len(d.rows) }

// AppendRow adds one row to the table.
func (d *DataTable) AppendRow(row []interface{}) {
	d.rows = append(d.rows, row)
}

// AppendRows adds all rows from another table. Column compatibility is the
// caller's responsibility.
func (d *DataTable) AppendRows(other *DataTable) {
	d.rows = append(d.rows, other.rows...)
}

// Truncate drops rows beyond limit. A non-positive limit is a no-op.
func (d *DataTable) Truncate(limit int) {
	if limit > 0 && len(d.rows) > limit {
		d.rows = d.rows[:limit]
	}
}

// Metadata returns the mutable metadata map.
func (d *DataTable) Metadata() map[string]string {
	if d.metadata == nil {
		d.metadata = make(map[string]string)
	}
	return d.metadata
}

// AddException records a structured error and mirrors it into metadata under
// ExceptionMetadataKey.
func (d *DataTable) AddException(err QueryError) {
	d.errors = append(d.errors, err)
	d.Metadata()[ExceptionMetadataKey] = err.Error()
}

// Exceptions returns the structured errors recorded on this table.
func (d *DataTable) Exceptions() []QueryError { return d.errors }

// HasExceptions reports whether the table carries an embedded error.
func (d *DataTable) HasExceptions() bool { return len(d.errors) > 0 }

func (d *DataTable) String() string {
	return fmt.Sprintf("DataTable(%d columns, %d rows, %d exceptions)",
		len(d.columns), len(d.rows), len(d.errors))
}
