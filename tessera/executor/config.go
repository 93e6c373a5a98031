package executor

import (
	"github.com/spf13/viper"
	"github.com/tesseradb/tessera-engine/tessera/plan"
	"github.com/tesseradb/tessera-engine/tessera/pruner"
)

// DefaultTimeoutMs is the process-wide query timeout used when the
// configuration leaves it unset or non-positive.
const DefaultTimeoutMs = 15000

// Config holds the query executor configuration.
type Config struct {
	// TimeoutMs is the default per-query timeout. Values <= 0 fall back to
	// DefaultTimeoutMs.
	TimeoutMs int64

	// PrintQueryPlan logs the plan tree of every query.
	PrintQueryPlan bool

	// Pruner configures the segment pruning rules.
	Pruner pruner.Config

	// Plan configures plan construction.
	Plan plan.Config
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		TimeoutMs: DefaultTimeoutMs,
		Pruner:    pruner.DefaultConfig(),
	}
}

// ConfigFromViper reads a Config from a viper (sub)tree. Recognized keys:
//
//	timeoutMs          int
//	printQueryPlan     bool
//	pruner.rules       []string
//	plan.maxRowsPerLeaf int
func ConfigFromViper(v *viper.Viper) *Config {
	if v == nil {
		return DefaultConfig()
	}
	cfg := DefaultConfig()
	if v.IsSet("timeoutMs") {
		cfg.TimeoutMs = v.GetInt64("timeoutMs")
	}
	cfg.PrintQueryPlan = v.GetBool("printQueryPlan")
	if v.IsSet("pruner.rules") {
		cfg.Pruner.Rules = v.GetStringSlice("pruner.rules")
	}
	cfg.Plan.MaxRowsPerLeaf = v.GetInt("plan.maxRowsPerLeaf")
	return cfg
}
