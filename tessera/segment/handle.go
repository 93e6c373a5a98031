package segment

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// registeredSegment pairs a segment with its live-use count. The manager
// holds one reference of its own; each acquired Handle holds another. The
// segment is destroyed when the count reaches zero, which can only happen
// after the manager has dropped its reference via RemoveSegment.
type registeredSegment struct {
	seg    Segment
	refs   *atomic.Int64
	logger log.Logger
}

func newRegisteredSegment(seg Segment, logger log.Logger) *registeredSegment {
	return &registeredSegment{
		seg:    seg,
		refs:   atomic.NewInt64(1),
		logger: logger,
	}
}

// tryAcquire increments the live-use count unless the segment has already
// been destroyed. CAS loop so a concurrent destruction cannot be revived.
func (rs *registeredSegment) tryAcquire() *Handle {
	for {
		cur := rs.refs.Load()
		if cur <= 0 {
			return nil
		}
		if rs.refs.CompareAndSwap(cur, cur+1) {
			return &Handle{rs: rs, released: atomic.NewBool(false)}
		}
	}
}

// release drops one reference and destroys the segment at zero.
func (rs *registeredSegment) release() {
	if rs.refs.Dec() == 0 {
		level.Debug(rs.logger).Log("msg", "segment destroyed", "segment", rs.seg.Name())
	}
}

// Handle is a shared-ownership token for a segment acquired from a
// TableDataManager. Each handle must be released exactly once; the underlying
// segment outlives every live handle.
type Handle struct {
	rs       *registeredSegment
	released *atomic.Bool
}

// Segment returns the wrapped segment. Must not be called after release.
func (h *Handle) Segment() Segment { return h.rs.seg }

// Metadata is shorthand for Segment().Metadata().
func (h *Handle) Metadata() *Metadata { return h.rs.seg.Metadata() }

// Released reports whether this handle has already been released.
func (h *Handle) Released() bool { return h.released.Load() }
