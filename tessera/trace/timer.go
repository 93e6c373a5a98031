// Package trace provides per-request observability: wall-clock phase timers
// and a request-keyed trace registry. It is a diagnostics facility only; its
// absence never changes query results.
package trace

import (
	"sync"
	"time"
)

// Phase names one timed stage of query processing.
type Phase string

const (
	SchedulerWait      Phase = "scheduler_wait"
	QueryProcessing    Phase = "query_processing"
	SegmentPruning     Phase = "segment_pruning"
	BuildQueryPlan     Phase = "build_query_plan"
	QueryPlanExecution Phase = "query_plan_execution"
)

// TimerContext owns the phase timers of a single request. It is created at
// request entry and discarded after the response is built; it is never shared
// across requests.
type TimerContext struct {
	mu     sync.Mutex
	timers map[Phase]*PhaseTimer
}

// NewTimerContext creates an empty timer context.
func NewTimerContext() *TimerContext {
	return &TimerContext{timers: make(map[Phase]*PhaseTimer)}
}

// StartPhaseTimer starts a new timer for the phase, replacing any existing one.
func (tc *TimerContext) StartPhaseTimer(phase Phase) *PhaseTimer {
	t := &PhaseTimer{phase: phase, start: time.Now()}
	tc.mu.Lock()
	tc.timers[phase] = t
	tc.mu.Unlock()
	return t
}

// PhaseTimer returns the timer for the phase, or nil if it was never started.
func (tc *TimerContext) PhaseTimer(phase Phase) *PhaseTimer {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.timers[phase]
}

// Elapsed returns the recorded duration of the phase. The second return is
// false if the phase was never started or never stopped.
func (tc *TimerContext) Elapsed(phase Phase) (time.Duration, bool) {
	tc.mu.Lock()
	t := tc.timers[phase]
	tc.mu.Unlock()
	if t == nil {
		return 0, false
	}
	return t.Recorded()
}

// PhaseTimer measures the wall-clock duration of one named phase.
type PhaseTimer struct {
	phase Phase
	start time.Time

	mu       sync.Mutex
	duration time.Duration
	recorded bool
}

// StopAndRecord stops the timer and records its duration. Subsequent calls
// are no-ops; the first recorded duration wins.
func (t *PhaseTimer) StopAndRecord() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recorded {
		return
	}
	t.duration = time.Since(t.start)
	t.recorded = true
}

// Recorded returns the recorded duration, or false if the timer is still
// running.
func (t *PhaseTimer) Recorded() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration, t.recorded
}

// DurationMs returns the recorded duration in milliseconds. A timer that was
// never stopped reports the elapsed time so far.
func (t *PhaseTimer) DurationMs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recorded {
		return t.duration.Milliseconds()
	}
	return time.Since(t.start).Milliseconds()
}

// Phase returns the phase this timer measures.
func (t *PhaseTimer) Phase() Phase { return t.phase }
