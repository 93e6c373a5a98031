package trace

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// DefaultRetainedTraces bounds how many completed request traces the registry
// keeps for late TraceInfo lookups.
const DefaultRetainedTraces = 1024

// Event is one trace entry recorded against a registered request.
type Event struct {
	Name    string
	Message string
	At      time.Time
}

// requestTrace accumulates events for one in-flight request.
type requestTrace struct {
	mu     sync.Mutex
	start  time.Time
	events []Event
}

func (rt *requestTrace) add(name, message string) {
	rt.mu.Lock()
	rt.events = append(rt.events, Event{Name: name, Message: message, At: time.Now()})
	rt.mu.Unlock()
}

func (rt *requestTrace) info() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.events) == 0 {
		return ""
	}
	parts := make([]string, len(rt.events))
	for i, ev := range rt.events {
		if ev.Message == "" {
			parts[i] = fmt.Sprintf("%s@%dms", ev.Name, ev.At.Sub(rt.start).Milliseconds())
		} else {
			parts[i] = fmt.Sprintf("%s(%s)@%dms", ev.Name, ev.Message, ev.At.Sub(rt.start).Milliseconds())
		}
	}
	return strings.Join(parts, ";")
}

// Registry correlates trace events by request id. Active requests live in a
// concurrent map; completed traces are retained in a bounded LRU so the
// dashboard can still resolve TraceInfo shortly after a request finishes.
type Registry struct {
	logger   log.Logger
	active   cmap.ConcurrentMap[string, *requestTrace]
	retained *lru.Cache[int64, string]
}

// NewRegistry creates a registry retaining up to retain completed traces.
// A non-positive retain falls back to DefaultRetainedTraces.
func NewRegistry(logger log.Logger, retain int) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if retain <= 0 {
		retain = DefaultRetainedTraces
	}
	retained, _ := lru.New[int64, string](retain)
	return &Registry{
		logger:   log.With(logger, "component", "trace"),
		active:   cmap.New[*requestTrace](),
		retained: retained,
	}
}

func traceKey(requestID int64) string {
	return strconv.FormatInt(requestID, 10)
}

// Register starts trace collection for the request. Registering an already
// registered request resets its trace.
func (r *Registry) Register(requestID int64) {
	r.active.Set(traceKey(requestID), &requestTrace{start: time.Now()})
}

// Unregister stops trace collection and retains the formatted summary.
func (r *Registry) Unregister(requestID int64) {
	key := traceKey(requestID)
	if rt, ok := r.active.Get(key); ok {
		r.retained.Add(requestID, rt.info())
		r.active.Remove(key)
	}
}

// Event records a trace event for a registered request. Events for
// unregistered requests are dropped.
func (r *Registry) Event(requestID int64, name, message string) {
	if rt, ok := r.active.Get(traceKey(requestID)); ok {
		rt.add(name, message)
	}
}

// LogException records an exception raised by a component while processing
// the request, and logs it.
func (r *Registry) LogException(requestID int64, component, message string) {
	level.Warn(r.logger).Log("msg", "exception traced", "requestId", requestID,
		"in", component, "err", message)
	if rt, ok := r.active.Get(traceKey(requestID)); ok {
		rt.add("exception/"+component, message)
	}
}

// TraceInfo returns the formatted trace summary for the request id, checking
// active requests first, then recently completed ones.
func (r *Registry) TraceInfo(requestID int64) string {
	if rt, ok := r.active.Get(traceKey(requestID)); ok {
		return rt.info()
	}
	if info, ok := r.retained.Get(requestID); ok {
		return info
	}
	return ""
}
