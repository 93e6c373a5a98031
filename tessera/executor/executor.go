// Package executor contains the per-node query orchestrator: it acquires
// segment handles, prunes them, builds and runs an execution plan, and
// returns a result table with timing, tracing, and accounting metadata. All
// failures degrade into a structured error embedded in the result; callers
// never see a raised error.
package executor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tesseradb/tessera-engine/tessera"
	"github.com/tesseradb/tessera-engine/tessera/plan"
	"github.com/tesseradb/tessera-engine/tessera/pruner"
	"github.com/tesseradb/tessera-engine/tessera/query"
	"github.com/tesseradb/tessera-engine/tessera/segment"
	"github.com/tesseradb/tessera-engine/tessera/trace"
	"go.uber.org/atomic"
)

// PlanMaker builds execution plans over surviving segment handles.
type PlanMaker interface {
	MakePlan(handles []*segment.Handle, req *query.Request, pool *ants.Pool, timeout time.Duration) (plan.Plan, error)
}

// SegmentPruner decides whether a segment can be excluded from a query.
type SegmentPruner interface {
	Prune(meta *segment.Metadata, req *query.Request) bool
}

// ServerQueryExecutor orchestrates the full request lifecycle on one node.
// It is safe for many concurrent ProcessQuery calls; all per-request state
// lives in the call frame.
type ServerQueryExecutor struct {
	logger      log.Logger
	dataManager *segment.InstanceDataManager
	pruners     SegmentPruner
	planMaker   PlanMaker
	metrics     *Metrics
	traces      *trace.Registry

	started           *atomic.Bool
	defaultTimeoutMs  int64
	printQueryPlan    bool
	resourceTimeoutMs cmap.ConcurrentMap[string, int64]
}

// NewServerQueryExecutor creates an executor. Init must be called before
// ProcessQuery.
func NewServerQueryExecutor(logger log.Logger) *ServerQueryExecutor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "queryExecutor")
	return &ServerQueryExecutor{
		logger:            logger,
		metrics:           NewMetrics(prometheus.NewRegistry()),
		traces:            trace.NewRegistry(logger, trace.DefaultRetainedTraces),
		started:           atomic.NewBool(false),
		defaultTimeoutMs:  DefaultTimeoutMs,
		resourceTimeoutMs: cmap.New[int64](),
	}
}

// Init wires the executor to its collaborators and builds the pruner service
// and plan maker from configuration. Must be called exactly once before
// ProcessQuery; a configuration error here is fatal to startup.
func (e *ServerQueryExecutor) Init(cfg *Config, dataManager *segment.InstanceDataManager, metrics *Metrics) error {
	if dataManager == nil {
		return fmt.Errorf("query executor requires a data manager")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	e.defaultTimeoutMs = DefaultTimeoutMs
	if cfg.TimeoutMs > 0 {
		e.defaultTimeoutMs = cfg.TimeoutMs
	}
	level.Info(e.logger).Log("msg", "default query timeout", "timeoutMs", e.defaultTimeoutMs)

	pruners, err := pruner.NewService(cfg.Pruner, e.logger)
	if err != nil {
		return fmt.Errorf("failed to build segment pruner: %w", err)
	}
	e.pruners = pruners
	e.planMaker = plan.NewMaker(cfg.Plan, e.logger)
	e.printQueryPlan = cfg.PrintQueryPlan
	e.dataManager = dataManager
	if metrics != nil {
		e.metrics = metrics
	}
	return nil
}

// TraceRegistry exposes the executor's trace subsystem, for the serving layer
// and for plan operators that record nested trace events.
func (e *ServerQueryExecutor) TraceRegistry() *trace.Registry { return e.traces }

// ProcessQuery runs one request to completion and never returns an error or
// panics to the caller: every failure mode resolves to a result table, empty
// or carrying an embedded structured error.
func (e *ServerQueryExecutor) ProcessQuery(req *query.Request, pool *ants.Pool) (result *tessera.DataTable) {
	timerContext := req.Timer
	if timerContext == nil {
		timerContext = trace.NewTimerContext()
	}
	// Account queueing time spent before this call began.
	if t := timerContext.PhaseTimer(trace.SchedulerWait); t != nil {
		t.StopAndRecord()
	}
	processingTimer := timerContext.StartPhaseTimer(trace.QueryProcessing)

	e.metrics.QueriesProcessed.WithLabelValues(req.TableName).Inc()
	e.traces.Register(req.RequestID)

	var held []*segment.Handle
	var tableManager *segment.TableDataManager

	defer func() {
		if r := recover(); r != nil {
			result = e.errorTable(req, processingTimer, tessera.ExecutionError,
				fmt.Errorf("panic while processing query: %v", r))
		}
		// Every handle acquired above is released here exactly once;
		// pruned handles were already released and are skipped.
		if tableManager != nil {
			for _, h := range held {
				if !h.Released() {
					tableManager.ReleaseSegment(h)
				}
			}
		}
		e.traces.Unregister(req.RequestID)
	}()

	tableManager = e.dataManager.TableDataManager(req.TableName)
	if tableManager == nil || req.SearchSegmentCount() == 0 {
		level.Debug(e.logger).Log("msg", "no segments to search", "requestId", req.RequestID,
			"table", req.TableName)
		dt := tessera.NewDataTable()
		processingTimer.StopAndRecord()
		e.stampMetadata(dt, req, processingTimer)
		dt.Metadata()[tessera.TotalDocsMetadataKey] = "0"
		return dt
	}

	pruneTimer := timerContext.StartPhaseTimer(trace.SegmentPruning)
	held = tableManager.AcquireSegments(req.SegmentIDs)

	// Total raw docs is accumulated over every acquired segment before any
	// pruning decision, and lives in this call frame only: concurrent
	// requests each carry their own accumulator.
	var totalRawDocs int64
	queryable := make([]*segment.Handle, 0, len(held))
	for _, h := range held {
		totalRawDocs += h.Metadata().TotalRawDocs
		if e.pruners.Prune(h.Metadata(), req) {
			e.metrics.SegmentsPruned.WithLabelValues(req.TableName).Inc()
			tableManager.ReleaseSegment(h)
			continue
		}
		queryable = append(queryable, h)
	}
	pruneTimer.StopAndRecord()
	e.traces.Event(req.RequestID, "segments/pruned",
		fmt.Sprintf("%d of %d kept", len(queryable), len(held)))

	if len(queryable) == 0 {
		level.Debug(e.logger).Log("msg", "all segments pruned", "requestId", req.RequestID,
			"table", req.TableName)
		dt := tessera.NewDataTable()
		processingTimer.StopAndRecord()
		e.stampMetadata(dt, req, processingTimer)
		dt.Metadata()[tessera.TotalDocsMetadataKey] = strconv.FormatInt(totalRawDocs, 10)
		return dt
	}

	planBuildTimer := timerContext.StartPhaseTimer(trace.BuildQueryPlan)
	queryPlan, err := e.planMaker.MakePlan(queryable, req, pool, e.resourceTimeout(req.TableName))
	planBuildTimer.StopAndRecord()
	if err != nil {
		return e.errorTable(req, processingTimer, tessera.PlanBuildError, err)
	}

	if e.printQueryPlan {
		level.Info(e.logger).Log("msg", "query plan", "requestId", req.RequestID,
			"plan", queryPlan.Describe())
	}

	planExecTimer := timerContext.StartPhaseTimer(trace.QueryPlanExecution)
	dt, err := queryPlan.Execute()
	planExecTimer.StopAndRecord()
	if err != nil {
		return e.errorTable(req, processingTimer, tessera.ExecutionError, err)
	}

	processingTimer.StopAndRecord()
	e.stampMetadata(dt, req, processingTimer)
	dt.Metadata()[tessera.TotalDocsMetadataKey] = strconv.FormatInt(totalRawDocs, 10)
	level.Debug(e.logger).Log("msg", "query processed", "requestId", req.RequestID,
		"table", req.TableName, "rows", dt.NumRows(), "timeUsedMs", processingTimer.DurationMs())
	return dt
}

// errorTable converts a failure into the degraded result contract: counted,
// logged, traced, and embedded into an otherwise-valid table.
func (e *ServerQueryExecutor) errorTable(req *query.Request, processingTimer *trace.PhaseTimer, kind tessera.ErrorKind, cause error) *tessera.DataTable {
	e.metrics.QueryExceptions.WithLabelValues(req.TableName).Inc()
	level.Error(e.logger).Log("msg", "exception processing query", "requestId", req.RequestID,
		"table", req.TableName, "err", cause)
	e.traces.LogException(req.RequestID, "ServerQueryExecutor", cause.Error())

	dt := tessera.NewDataTable()
	dt.AddException(tessera.NewQueryError(kind, cause))
	processingTimer.StopAndRecord()
	e.stampMetadata(dt, req, processingTimer)
	return dt
}

func (e *ServerQueryExecutor) stampMetadata(dt *tessera.DataTable, req *query.Request, processingTimer *trace.PhaseTimer) {
	md := dt.Metadata()
	md[tessera.TimeUsedMsMetadataKey] = strconv.FormatInt(processingTimer.DurationMs(), 10)
	md[tessera.RequestIDMetadataKey] = strconv.FormatInt(req.RequestID, 10)
	md[tessera.TraceInfoMetadataKey] = e.traces.TraceInfo(req.RequestID)
}

// resourceTimeout returns the table's override timeout, or the default.
func (e *ServerQueryExecutor) resourceTimeout(table string) time.Duration {
	if ms, ok := e.resourceTimeoutMs.Get(table); ok {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(e.defaultTimeoutMs) * time.Millisecond
}

// UpdateResourceTimeout upserts a per-table timeout override, visible to
// requests started after the call.
func (e *ServerQueryExecutor) UpdateResourceTimeout(resource string, timeoutMs int64) {
	e.resourceTimeoutMs.Set(resource, timeoutMs)
}

// Start moves the executor to the started state. Starting an already started
// executor is a logged no-op.
func (e *ServerQueryExecutor) Start() {
	if e.started.CompareAndSwap(false, true) {
		level.Info(e.logger).Log("msg", "query executor started")
	} else {
		level.Warn(e.logger).Log("msg", "query executor already started, ignoring")
	}
}

// Shutdown moves the executor to the stopped state. Shutting down an already
// stopped executor is a logged no-op.
func (e *ServerQueryExecutor) Shutdown() {
	if e.started.CompareAndSwap(true, false) {
		level.Info(e.logger).Log("msg", "query executor shut down")
	} else {
		level.Warn(e.logger).Log("msg", "query executor already shut down, ignoring")
	}
}

// IsStarted reports the lifecycle state.
func (e *ServerQueryExecutor) IsStarted() bool { return e.started.Load() }
