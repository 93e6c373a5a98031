package segment

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// TableDataManager owns the live segments of one table. Acquire/release are
// safe for many concurrent requests; a removed segment survives until its
// last handle is released.
type TableDataManager struct {
	table    string
	logger   log.Logger
	segments cmap.ConcurrentMap[string, *registeredSegment]
}

// NewTableDataManager creates an empty manager for the table.
func NewTableDataManager(table string, logger log.Logger) *TableDataManager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &TableDataManager{
		table:    table,
		logger:   log.With(logger, "component", "tableDataManager", "table", table),
		segments: cmap.New[*registeredSegment](),
	}
}

// Table returns the table name.
func (m *TableDataManager) Table() string { return m.table }

// AddSegment registers a segment, replacing any existing segment of the same
// name. The replaced segment is destroyed once its in-flight handles drain.
func (m *TableDataManager) AddSegment(seg Segment) {
	rs := newRegisteredSegment(seg, m.logger)
	if old, ok := m.segments.Get(seg.Name()); ok {
		level.Info(m.logger).Log("msg", "replacing segment", "segment", seg.Name())
		old.release()
	}
	m.segments.Set(seg.Name(), rs)
}

// RemoveSegment unregisters a segment. Destruction is deferred until every
// outstanding handle has been released.
func (m *TableDataManager) RemoveSegment(name string) {
	if rs, ok := m.segments.Get(name); ok {
		m.segments.Remove(name)
		rs.release()
	}
}

// AcquireSegments acquires one handle per named segment, incrementing each
// segment's live-use count. Unknown ids are skipped: a lookup miss is "zero
// segments matched", not an error.
func (m *TableDataManager) AcquireSegments(ids []string) []*Handle {
	handles := make([]*Handle, 0, len(ids))
	for _, id := range ids {
		rs, ok := m.segments.Get(id)
		if !ok {
			level.Debug(m.logger).Log("msg", "segment not found", "segment", id)
			continue
		}
		if h := rs.tryAcquire(); h != nil {
			handles = append(handles, h)
		}
	}
	return handles
}

// ReleaseSegment releases a handle obtained from AcquireSegments. Releasing
// the same handle twice is a logged no-op; the count is decremented once.
func (m *TableDataManager) ReleaseSegment(h *Handle) {
	if h == nil {
		return
	}
	if !h.released.CompareAndSwap(false, true) {
		level.Warn(m.logger).Log("msg", "segment handle released twice", "segment", h.rs.seg.Name())
		return
	}
	h.rs.release()
}

// SegmentRefCount returns the live-use count of a segment, including the
// manager's own reference. Zero means the segment is unknown or destroyed.
func (m *TableDataManager) SegmentRefCount(name string) int64 {
	if rs, ok := m.segments.Get(name); ok {
		return rs.refs.Load()
	}
	return 0
}

// NumSegments returns the number of live segments.
func (m *TableDataManager) NumSegments() int { return m.segments.Count() }

// SegmentNames returns the names of all live segments.
func (m *TableDataManager) SegmentNames() []string { return m.segments.Keys() }

// InstanceDataManager maps table names to their TableDataManagers.
type InstanceDataManager struct {
	logger log.Logger
	tables cmap.ConcurrentMap[string, *TableDataManager]
}

// NewInstanceDataManager creates an empty instance-level manager.
func NewInstanceDataManager(logger log.Logger) *InstanceDataManager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &InstanceDataManager{
		logger: logger,
		tables: cmap.New[*TableDataManager](),
	}
}

// TableDataManager returns the manager for the table, or nil if the table is
// unknown to this node.
func (d *InstanceDataManager) TableDataManager(table string) *TableDataManager {
	if m, ok := d.tables.Get(table); ok {
		return m
	}
	return nil
}

// AddTable returns the table's manager, creating it if needed.
func (d *InstanceDataManager) AddTable(table string) *TableDataManager {
	m := NewTableDataManager(table, d.logger)
	if existing, ok := d.tables.Get(table); ok {
		return existing
	}
	if !d.tables.SetIfAbsent(table, m) {
		existing, _ := d.tables.Get(table)
		return existing
	}
	return m
}

// RegisterSegment adds a segment to the table, creating the table if needed.
func (d *InstanceDataManager) RegisterSegment(table string, seg Segment) {
	d.AddTable(table).AddSegment(seg)
}

// Tables returns the known table names.
func (d *InstanceDataManager) Tables() []string { return d.tables.Keys() }
