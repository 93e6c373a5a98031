package plan

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/panjf2000/ants/v2"
	"github.com/tesseradb/tessera-engine/tessera/query"
	"github.com/tesseradb/tessera-engine/tessera/segment"
)

// Config tunes plan construction.
type Config struct {
	// MaxRowsPerLeaf caps the rows a single leaf may emit. Non-positive
	// means unlimited.
	MaxRowsPerLeaf int
}

// Maker builds execution plans over surviving segment handles.
type Maker struct {
	logger         log.Logger
	maxRowsPerLeaf int
}

// NewMaker creates a plan maker.
func NewMaker(cfg Config, logger log.Logger) *Maker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Maker{
		logger:         log.With(logger, "component", "planMaker"),
		maxRowsPerLeaf: cfg.MaxRowsPerLeaf,
	}
}

// MakePlan constructs one leaf per handle plus a combine stage. The handles
// stay owned by the caller; the plan must be executed before they are
// released.
func (m *Maker) MakePlan(handles []*segment.Handle, req *query.Request, pool *ants.Pool, timeout time.Duration) (Plan, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("cannot build a plan over zero segments")
	}
	if pool == nil {
		return nil, fmt.Errorf("cannot build a plan without a worker pool")
	}

	columns := req.Columns
	if len(columns) == 0 {
		columns = handles[0].Segment().Columns()
	}

	leaves := make([]*leafPlan, len(handles))
	for i, h := range handles {
		leaves[i] = &leafPlan{
			handle:  h,
			req:     req,
			columns: columns,
			maxRows: m.maxRowsPerLeaf,
		}
	}

	return &interSegmentPlan{
		logger:  m.logger,
		req:     req,
		leaves:  leaves,
		pool:    pool,
		timeout: timeout,
		columns: columns,
	}, nil
}
