// Package pruner decides, from metadata alone, whether a segment can be
// excluded from a query without scanning it.
package pruner

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/tesseradb/tessera-engine/tessera/query"
	"github.com/tesseradb/tessera-engine/tessera/segment"
)

// Pruner is a single pruning rule. Prune must be a pure function of the
// segment's metadata and the query; diagnostic logging is its only permitted
// side effect.
type Pruner interface {
	Name() string
	Prune(meta *segment.Metadata, req *query.Request) bool
}

// Rule names accepted in Config.Rules.
const (
	TimeRangeRule    = "timeRange"
	PartitionRule    = "partition"
	EmptySegmentRule = "emptySegment"
)

// Config selects which rules run and in what order.
type Config struct {
	Rules []string
}

// DefaultConfig enables every rule.
func DefaultConfig() Config {
	return Config{Rules: []string{TimeRangeRule, PartitionRule, EmptySegmentRule}}
}

// TimeRangePruner prunes segments whose time range does not intersect the
// query's time range.
type TimeRangePruner struct{}

func (TimeRangePruner) Name() string { return TimeRangeRule }

func (TimeRangePruner) Prune(meta *segment.Metadata, req *query.Request) bool {
	if req.TimeRange == nil {
		return false
	}
	return !meta.TimeRange.Overlaps(*req.TimeRange)
}

// PartitionPruner prunes segments whose partition value contradicts an
// equality predicate on the partition column.
type PartitionPruner struct{}

func (PartitionPruner) Name() string { return PartitionRule }

func (PartitionPruner) Prune(meta *segment.Metadata, req *query.Request) bool {
	if meta.PartitionColumn == "" {
		return false
	}
	for _, p := range req.Predicates {
		if p.Op != query.OpEq || p.Column != meta.PartitionColumn {
			continue
		}
		if want, ok := p.Value.(string); ok && want != meta.PartitionValue {
			return true
		}
	}
	return false
}

// EmptySegmentPruner prunes segments that hold no documents.
type EmptySegmentPruner struct{}

func (EmptySegmentPruner) Name() string { return EmptySegmentRule }

func (EmptySegmentPruner) Prune(meta *segment.Metadata, _ *query.Request) bool {
	return meta.TotalRawDocs == 0
}

// Service evaluates a configured sequence of rules short-circuit: the first
// rule voting "prune" is decisive.
type Service struct {
	logger  log.Logger
	pruners []Pruner
}

// NewService builds a Service from the configured rule names. Unknown rule
// names are a configuration error.
func NewService(cfg Config, logger log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultConfig().Rules
	}
	pruners := make([]Pruner, 0, len(rules))
	for _, name := range rules {
		switch name {
		case TimeRangeRule:
			pruners = append(pruners, TimeRangePruner{})
		case PartitionRule:
			pruners = append(pruners, PartitionPruner{})
		case EmptySegmentRule:
			pruners = append(pruners, EmptySegmentPruner{})
		default:
			return nil, fmt.Errorf("unknown pruner rule %q", name)
		}
	}
	return &Service{
		logger:  log.With(logger, "component", "pruner"),
		pruners: pruners,
	}, nil
}

// Prune reports whether the segment can be excluded from the query.
func (s *Service) Prune(meta *segment.Metadata, req *query.Request) bool {
	for _, p := range s.pruners {
		if p.Prune(meta, req) {
			level.Debug(s.logger).Log("msg", "segment pruned", "segment", meta.Name,
				"rule", p.Name(), "requestId", req.RequestID)
			return true
		}
	}
	return false
}

// Rules returns the active rule names in evaluation order.
func (s *Service) Rules() []string {
	names := make([]string, len(s.pruners))
	for i, p := range s.pruners {
		names[i] = p.Name()
	}
	return names
}
