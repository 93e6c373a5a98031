package executor

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tesseradb/tessera-engine/tessera"
	"github.com/tesseradb/tessera-engine/tessera/plan"
	"github.com/tesseradb/tessera-engine/tessera/query"
	"github.com/tesseradb/tessera-engine/tessera/segment"
	"github.com/tesseradb/tessera-engine/tessera/trace"
)

func testPool(t *testing.T) *ants.Pool {
	t.Helper()
	pool, err := ants.NewPool(8)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return pool
}

func ordersSegment(t *testing.T, name string, base int64, docs int) *segment.ColumnarSegment {
	t.Helper()
	rows := make([][]interface{}, docs)
	for i := range rows {
		rows[i] = []interface{}{base + int64(i)*1000, "us-east", int64(10 * (i + 1))}
	}
	seg, err := segment.BuildSegment(name, []string{"ts", "region", "amount"}, "ts", rows)
	require.NoError(t, err)
	return seg
}

// newTestExecutor seeds an "orders" table with S1 (old time range, 2 docs),
// S2 (recent, 3 docs), S3 (recent, 4 docs).
func newTestExecutor(t *testing.T) (*ServerQueryExecutor, *segment.InstanceDataManager) {
	t.Helper()
	dm := segment.NewInstanceDataManager(nil)
	dm.RegisterSegment("orders", ordersSegment(t, "S1", 1_000, 2))
	dm.RegisterSegment("orders", ordersSegment(t, "S2", 1_000_000, 3))
	dm.RegisterSegment("orders", ordersSegment(t, "S3", 1_000_000, 4))

	e := NewServerQueryExecutor(nil)
	require.NoError(t, e.Init(DefaultConfig(), dm, NewMetrics(prometheus.NewRegistry())))
	return e, dm
}

// countingPlanMaker wraps the real maker, recording invocations and the
// effective timeout each one received.
type countingPlanMaker struct {
	mu          sync.Mutex
	inner       PlanMaker
	calls       int
	lastTimeout time.Duration
	onMake      func(handles []*segment.Handle)
}

func (c *countingPlanMaker) MakePlan(handles []*segment.Handle, req *query.Request, pool *ants.Pool, timeout time.Duration) (plan.Plan, error) {
	c.mu.Lock()
	c.calls++
	c.lastTimeout = timeout
	c.mu.Unlock()
	if c.onMake != nil {
		c.onMake(handles)
	}
	return c.inner.MakePlan(handles, req, pool, timeout)
}

type failingPlanMaker struct{}

func (failingPlanMaker) MakePlan([]*segment.Handle, *query.Request, *ants.Pool, time.Duration) (plan.Plan, error) {
	return nil, errors.New("plan construction blew up")
}

type failingPlan struct{}

func (failingPlan) Execute() (*tessera.DataTable, error) { return nil, errors.New("execution blew up") }
func (failingPlan) Describe() string                     { return "failingPlan" }

type failingExecMaker struct{}

func (failingExecMaker) MakePlan([]*segment.Handle, *query.Request, *ants.Pool, time.Duration) (plan.Plan, error) {
	return failingPlan{}, nil
}

type panicPruner struct{}

func (panicPruner) Prune(*segment.Metadata, *query.Request) bool { panic("pruner exploded") }

func requireRefsDrained(t *testing.T, dm *segment.InstanceDataManager, table string, segments ...string) {
	t.Helper()
	m := dm.TableDataManager(table)
	require.NotNil(t, m)
	for _, name := range segments {
		assert.Equal(t, int64(1), m.SegmentRefCount(name),
			"segment %s should hold only the manager's own reference", name)
	}
}

func TestProcessQueryEndToEnd(t *testing.T) {
	e, dm := newTestExecutor(t)
	counting := &countingPlanMaker{inner: e.planMaker}
	e.planMaker = counting

	req := &query.Request{
		RequestID:  101,
		TableName:  "orders",
		SegmentIDs: []string{"S1", "S2", "S3"},
		TimeRange:  &tessera.TimeRange{StartMs: 900_000, EndMs: 2_000_000},
		Columns:    []string{"ts", "amount"},
		Timer:      trace.NewTimerContext(),
	}

	dt := e.ProcessQuery(req, testPool(t))

	require.False(t, dt.HasExceptions(), "exceptions: %v", dt.Exceptions())
	// S1's time range is disjoint from the query, so only S2+S3 rows.
	assert.Equal(t, 7, dt.NumRows())

	md := dt.Metadata()
	assert.Equal(t, "101", md[tessera.RequestIDMetadataKey])
	// Pruned segments still count toward totalDocs: 2+3+4.
	assert.Equal(t, "9", md[tessera.TotalDocsMetadataKey])
	assert.NotEmpty(t, md[tessera.TimeUsedMsMetadataKey])
	assert.Contains(t, md[tessera.TraceInfoMetadataKey], "segments/pruned")

	assert.Equal(t, 1, counting.calls)
	requireRefsDrained(t, dm, "orders", "S1", "S2", "S3")
}

func TestPrunedSegmentReleasedBeforePlanBuild(t *testing.T) {
	e, dm := newTestExecutor(t)
	counting := &countingPlanMaker{inner: e.planMaker}
	counting.onMake = func(handles []*segment.Handle) {
		m := dm.TableDataManager("orders")
		assert.Equal(t, int64(1), m.SegmentRefCount("S1"),
			"pruned handle must be released before plan construction")
		for _, h := range handles {
			assert.NotEqual(t, "S1", h.Segment().Name(), "pruned segment must not reach the plan")
		}
	}
	e.planMaker = counting

	req := &query.Request{
		RequestID:  102,
		TableName:  "orders",
		SegmentIDs: []string{"S1", "S2", "S3"},
		TimeRange:  &tessera.TimeRange{StartMs: 900_000, EndMs: 2_000_000},
	}
	dt := e.ProcessQuery(req, testPool(t))
	require.False(t, dt.HasExceptions())
	require.Equal(t, 1, counting.calls)
}

func TestZeroMatchedSegmentsShortCircuits(t *testing.T) {
	e, _ := newTestExecutor(t)
	counting := &countingPlanMaker{inner: e.planMaker}
	e.planMaker = counting
	pool := testPool(t)

	cases := []struct {
		name string
		req  *query.Request
	}{
		{"unknown table", &query.Request{RequestID: 1, TableName: "nope", SegmentIDs: []string{"S1"}}},
		{"zero search segments", &query.Request{RequestID: 2, TableName: "orders"}},
		{"unknown segment ids", &query.Request{RequestID: 3, TableName: "orders", SegmentIDs: []string{"X", "Y"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dt := e.ProcessQuery(tc.req, pool)
			assert.Equal(t, 0, dt.NumRows())
			assert.False(t, dt.HasExceptions())
			assert.Equal(t, "0", dt.Metadata()[tessera.TotalDocsMetadataKey])
		})
	}
	assert.Equal(t, 0, counting.calls, "plan builder must never run for zero matched segments")
}

func TestAllSegmentsPrunedStillAccountsDocs(t *testing.T) {
	e, dm := newTestExecutor(t)
	counting := &countingPlanMaker{inner: e.planMaker}
	e.planMaker = counting

	// A time range no segment overlaps.
	req := &query.Request{
		RequestID:  104,
		TableName:  "orders",
		SegmentIDs: []string{"S1", "S2", "S3"},
		TimeRange:  &tessera.TimeRange{StartMs: 9_000_000_000, EndMs: 9_000_000_001},
	}
	dt := e.ProcessQuery(req, testPool(t))

	assert.Equal(t, 0, dt.NumRows())
	assert.False(t, dt.HasExceptions())
	assert.Equal(t, "9", dt.Metadata()[tessera.TotalDocsMetadataKey])
	assert.Equal(t, 0, counting.calls)
	requireRefsDrained(t, dm, "orders", "S1", "S2", "S3")
}

func TestReleaseOnInducedFailures(t *testing.T) {
	req := func(id int64) *query.Request {
		return &query.Request{
			RequestID:  id,
			TableName:  "orders",
			SegmentIDs: []string{"S1", "S2", "S3"},
		}
	}

	t.Run("pruner panic", func(t *testing.T) {
		e, dm := newTestExecutor(t)
		e.pruners = panicPruner{}

		dt := e.ProcessQuery(req(201), testPool(t))
		require.True(t, dt.HasExceptions())
		assert.Equal(t, tessera.ExecutionError, dt.Exceptions()[0].Kind)
		assert.Equal(t, "201", dt.Metadata()[tessera.RequestIDMetadataKey])
		requireRefsDrained(t, dm, "orders", "S1", "S2", "S3")
		assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.QueryExceptions.WithLabelValues("orders")))
	})

	t.Run("plan build failure", func(t *testing.T) {
		e, dm := newTestExecutor(t)
		e.planMaker = failingPlanMaker{}

		dt := e.ProcessQuery(req(202), testPool(t))
		require.True(t, dt.HasExceptions())
		assert.Equal(t, tessera.PlanBuildError, dt.Exceptions()[0].Kind)
		requireRefsDrained(t, dm, "orders", "S1", "S2", "S3")
		assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.QueryExceptions.WithLabelValues("orders")))
	})

	t.Run("execution failure", func(t *testing.T) {
		e, dm := newTestExecutor(t)
		e.planMaker = failingExecMaker{}

		dt := e.ProcessQuery(req(203), testPool(t))
		require.True(t, dt.HasExceptions())
		assert.Equal(t, tessera.ExecutionError, dt.Exceptions()[0].Kind)
		assert.Contains(t, dt.Metadata()[tessera.ExceptionMetadataKey], "execution blew up")
		requireRefsDrained(t, dm, "orders", "S1", "S2", "S3")
		assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.QueryExceptions.WithLabelValues("orders")))
	})
}

func TestResourceTimeoutOverride(t *testing.T) {
	e, _ := newTestExecutor(t)
	counting := &countingPlanMaker{inner: e.planMaker}
	e.planMaker = counting
	pool := testPool(t)

	e.UpdateResourceTimeout("orders", 5000)
	e.ProcessQuery(&query.Request{RequestID: 301, TableName: "orders", SegmentIDs: []string{"S2"}}, pool)
	assert.Equal(t, 5*time.Second, counting.lastTimeout)

	// A table without an override uses the process-wide default.
	dm := segment.NewInstanceDataManager(nil)
	dm.RegisterSegment("users", ordersSegment(t, "U1", 1000, 1))
	e2 := NewServerQueryExecutor(nil)
	require.NoError(t, e2.Init(DefaultConfig(), dm, nil))
	counting2 := &countingPlanMaker{inner: e2.planMaker}
	e2.planMaker = counting2

	e2.ProcessQuery(&query.Request{RequestID: 302, TableName: "users", SegmentIDs: []string{"U1"}}, pool)
	assert.Equal(t, time.Duration(DefaultTimeoutMs)*time.Millisecond, counting2.lastTimeout)
}

func TestLifecycleIdempotent(t *testing.T) {
	e := NewServerQueryExecutor(nil)

	assert.False(t, e.IsStarted())
	e.Shutdown()
	e.Shutdown()
	assert.False(t, e.IsStarted())

	e.Start()
	assert.True(t, e.IsStarted())
	e.Start()
	assert.True(t, e.IsStarted())

	e.Shutdown()
	assert.False(t, e.IsStarted())
}

func TestSchedulerWaitTimerAccounted(t *testing.T) {
	e, _ := newTestExecutor(t)

	tc := trace.NewTimerContext()
	tc.StartPhaseTimer(trace.SchedulerWait)
	req := &query.Request{RequestID: 401, TableName: "orders", SegmentIDs: []string{"S2"}, Timer: tc}

	e.ProcessQuery(req, testPool(t))

	if _, ok := tc.Elapsed(trace.SchedulerWait); !ok {
		t.Fatal("scheduler wait phase should be stopped and recorded")
	}
	for _, phase := range []trace.Phase{trace.QueryProcessing, trace.SegmentPruning, trace.BuildQueryPlan, trace.QueryPlanExecution} {
		if _, ok := tc.Elapsed(phase); !ok {
			t.Fatalf("phase %s should be recorded", phase)
		}
	}
}

func TestConcurrentQueriesAreIsolated(t *testing.T) {
	dm := segment.NewInstanceDataManager(nil)
	const n = 8
	for i := 0; i < n; i++ {
		dm.RegisterSegment("orders", ordersSegment(t, fmt.Sprintf("P%d", i), 1000, i+1))
	}
	e := NewServerQueryExecutor(nil)
	require.NoError(t, e.Init(DefaultConfig(), dm, nil))
	pool := testPool(t)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i // per-iteration copy for the goroutine (pre-go1.22 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := int64(1000 + i)
			// Each request targets exactly one segment, so its docs
			// accounting must equal that segment's size.
			req := &query.Request{
				RequestID:  id,
				TableName:  "orders",
				SegmentIDs: []string{fmt.Sprintf("P%d", i)},
			}
			for round := 0; round < 20; round++ {
				dt := e.ProcessQuery(req, pool)
				if dt.HasExceptions() {
					t.Errorf("request %d: unexpected exception %v", id, dt.Exceptions())
					return
				}
				md := dt.Metadata()
				if md[tessera.RequestIDMetadataKey] != strconv.FormatInt(id, 10) {
					t.Errorf("request %d: got requestId %s", id, md[tessera.RequestIDMetadataKey])
					return
				}
				if md[tessera.TotalDocsMetadataKey] != strconv.Itoa(i+1) {
					t.Errorf("request %d: got totalDocs %s, want %d", id, md[tessera.TotalDocsMetadataKey], i+1)
					return
				}
				if dt.NumRows() != i+1 {
					t.Errorf("request %d: got %d rows, want %d", id, dt.NumRows(), i+1)
					return
				}
			}
		}()
	}
	wg.Wait()

	m := dm.TableDataManager("orders")
	for i := 0; i < n; i++ {
		assert.Equal(t, int64(1), m.SegmentRefCount(fmt.Sprintf("P%d", i)))
	}
}

func TestInitValidation(t *testing.T) {
	e := NewServerQueryExecutor(nil)
	assert.Error(t, e.Init(DefaultConfig(), nil, nil), "nil data manager")

	dm := segment.NewInstanceDataManager(nil)
	bad := DefaultConfig()
	bad.Pruner.Rules = []string{"bogus"}
	assert.Error(t, e.Init(bad, dm, nil), "unknown pruner rule")

	// Non-positive timeout falls back to the default.
	cfg := DefaultConfig()
	cfg.TimeoutMs = -5
	require.NoError(t, e.Init(cfg, dm, nil))
	assert.Equal(t, int64(DefaultTimeoutMs), e.defaultTimeoutMs)
}
