package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the query executor.
type Metrics struct {
	QueriesProcessed *prometheus.CounterVec
	QueryExceptions  *prometheus.CounterVec
	SegmentsPruned   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	queriesProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tessera_queries_total",
		Help: "Total queries processed by this node",
	}, []string{"table"})

	queryExceptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tessera_query_exceptions_total",
		Help: "Total query executions that resolved to an embedded error",
	}, []string{"table"})

	segmentsPruned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tessera_segments_pruned_total",
		Help: "Total segments excluded from queries by pruning",
	}, []string{"table"})

	reg.MustRegister(queriesProcessed, queryExceptions, segmentsPruned)

	return &Metrics{
		QueriesProcessed: queriesProcessed,
		QueryExceptions:  queryExceptions,
		SegmentsPruned:   segmentsPruned,
	}
}
