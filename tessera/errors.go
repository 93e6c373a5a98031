package tessera

import "fmt"

// ErrorKind classifies a query failure for the result-table metadata.
type ErrorKind string

const (
	// ConfigError covers malformed or missing executor configuration. Fatal
	// at init time, never produced at request time.
	ConfigError ErrorKind = "CONFIG_ERROR"

	// PlanBuildError covers failures while constructing an execution plan.
	PlanBuildError ErrorKind = "PLAN_BUILD_ERROR"

	// ExecutionError covers failures while running an execution plan.
	ExecutionError ErrorKind = "EXECUTION_ERROR"

	// TimeoutError covers a plan execution where no leaf completed within
	// the effective timeout.
	TimeoutError ErrorKind = "TIMEOUT_ERROR"
)

// QueryError is a structured error embedded in a DataTable's metadata so the
// caller can distinguish a valid empty result from a failed one.
type QueryError struct {
	Kind    ErrorKind
	Message string
}

// NewQueryError wraps cause with the given kind.
func NewQueryError(kind ErrorKind, cause error) QueryError {
	return QueryError{Kind: kind, Message: cause.Error()}
}

func (e QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
