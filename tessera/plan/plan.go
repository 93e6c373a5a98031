// Package plan builds and runs per-request execution plans: one leaf per
// surviving segment plus a combine stage merging leaf outputs into a single
// result table.
package plan

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/panjf2000/ants/v2"
	"github.com/tesseradb/tessera-engine/tessera"
	"github.com/tesseradb/tessera-engine/tessera/query"
	"go.uber.org/atomic"
)

// Plan is an executable representation of one query over its surviving
// segments. A Plan is owned exclusively by the request that built it and is
// stateful only during its own execution.
type Plan interface {
	// Execute runs the leaves on the worker pool and blocks until they and
	// the combine stage complete, or the timeout elapses.
	Execute() (*tessera.DataTable, error)

	// Describe renders the plan tree for diagnostics.
	Describe() string
}

// leafResult is written by exactly one leaf goroutine. done is stored last;
// readers that observe done may safely read table and err, and the combine
// stage never reads a slot whose done flag is unset.
type leafResult struct {
	table *tessera.DataTable
	err   error
	done  *atomic.Bool
}

type interSegmentPlan struct {
	logger  log.Logger
	req     *query.Request
	leaves  []*leafPlan
	pool    *ants.Pool
	timeout time.Duration
	columns []string
}

// Execute submits every leaf to the shared pool and waits up to the timeout.
//
// Timeout policy: a leaf that misses the deadline is not interrupted; its
// goroutine runs to completion in the background and its result is ignored.
// Missing or failed leaves are best-effort degradation — the combine stage
// proceeds with whatever completed — unless no leaf produced a result, in
// which case the whole execution fails.
func (p *interSegmentPlan) Execute() (*tessera.DataTable, error) {
	results := make([]leafResult, len(p.leaves))
	for i := range results {
		results[i].done = atomic.NewBool(false)
	}

	var wg sync.WaitGroup
	for i, leaf := range p.leaves {
		leaf := leaf // per-iteration copy for the submitted task (pre-go1.22 loop semantics)
		slot := &results[i]
		task := func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slot.err = fmt.Errorf("leaf panicked: %v", r)
				}
				slot.done.Store(true)
			}()
			slot.table, slot.err = leaf.run()
		}
		wg.Add(1)
		if err := p.pool.Submit(task); err != nil {
			wg.Done()
			slot.err = fmt.Errorf("failed to submit leaf %s: %w", leaf.handle.Segment().Name(), err)
			slot.done.Store(true)
		}
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	timedOut := false
	if p.timeout > 0 {
		select {
		case <-finished:
		case <-time.After(p.timeout):
			timedOut = true
		}
	} else {
		<-finished
	}

	out := tessera.NewDataTableWithColumns(p.columns)
	completed, failed, missing := 0, 0, 0
	var firstErr error
	for i := range results {
		slot := &results[i]
		if !slot.done.Load() {
			missing++
			continue
		}
		if slot.err != nil {
			failed++
			if firstErr == nil {
				firstErr = slot.err
			}
			level.Warn(p.logger).Log("msg", "plan leaf failed", "requestId", p.req.RequestID,
				"segment", p.leaves[i].handle.Segment().Name(), "err", slot.err)
			continue
		}
		out.AppendRows(slot.table)
		completed++
	}

	if completed == 0 && len(p.leaves) > 0 {
		if timedOut {
			return nil, fmt.Errorf("plan execution timed out after %s: 0 of %d leaves completed",
				p.timeout, len(p.leaves))
		}
		return nil, fmt.Errorf("all %d plan leaves failed: %w", len(p.leaves), firstErr)
	}
	if failed > 0 || missing > 0 {
		level.Warn(p.logger).Log("msg", "plan completed partially", "requestId", p.req.RequestID,
			"completed", completed, "failed", failed, "timedOut", missing)
	}

	out.Truncate(p.req.Limit)
	return out, nil
}

func (p *interSegmentPlan) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "InterSegmentPlan(table=%s, leaves=%d, timeout=%s)\n",
		p.req.TableName, len(p.leaves), p.timeout)
	fmt.Fprintf(&b, "  CombineStage(columns=[%s], limit=%d)\n",
		strings.Join(p.columns, " "), p.req.Limit)
	for _, leaf := range p.leaves {
		fmt.Fprintf(&b, "    %s\n", leaf.describe())
	}
	return b.String()
}
