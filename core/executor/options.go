package executor

import (
	"github.com/rs/zerolog"

	"github.com/artpar/assembly/ports"
)

// Policy selects how much of a group's work may run concurrently.
type Policy string

const (
	// Ordered runs every fetch and mapping sequentially, in declaration
	// order.
	Ordered Policy = "ordered"
	// Unordered fans namespace fetches and per-target mapping out over a
	// bounded worker pool. A target is never mutated by two goroutines.
	Unordered Policy = "unordered"
)

// String returns the policy name.
func (p Policy) String() string {
	return string(p)
}

// ParsePolicy parses a policy name. Empty input yields Ordered.
func ParsePolicy(s string) (Policy, bool) {
	switch Policy(s) {
	case "", Ordered:
		return Ordered, true
	case Unordered:
		return Unordered, true
	default:
		return "", false
	}
}

// FetchErrorPolicy decides what a failed container lookup or fetch does to
// the rest of the execution.
type FetchErrorPolicy string

const (
	// AbortExecution lets the failing group finish its other operations,
	// then stops and returns the error.
	AbortExecution FetchErrorPolicy = "abort"
	// ContinueExecution records the error in the report and moves on.
	ContinueExecution FetchErrorPolicy = "continue"
)

// ParseFetchErrorPolicy parses a fetch error policy. Empty input yields
// AbortExecution.
func ParseFetchErrorPolicy(s string) (FetchErrorPolicy, bool) {
	switch FetchErrorPolicy(s) {
	case "", AbortExecution:
		return AbortExecution, true
	case ContinueExecution:
		return ContinueExecution, true
	default:
		return "", false
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithGraphs sets the resolver used for nested graphs.
func WithGraphs(g GraphResolver) Option {
	return func(e *Executor) { e.graphs = g }
}

// WithAccessor sets the property accessor.
func WithAccessor(a ports.PropertyAccessor) Option {
	return func(e *Executor) { e.accessor = a }
}

// WithConverter sets the default converter.
func WithConverter(c ports.Converter) Option {
	return func(e *Executor) { e.converter = c }
}

// WithEvaluator sets the condition evaluator.
func WithEvaluator(ev ports.ExpressionEvaluator) Option {
	return func(e *Executor) { e.evaluator = ev }
}

// WithIDGenerator sets the generator for execution IDs.
func WithIDGenerator(g ports.IDGenerator) Option {
	return func(e *Executor) { e.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithPolicy sets the concurrency policy.
func WithPolicy(p Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithWorkers bounds the Unordered worker pool. n <= 0 means unbounded.
func WithWorkers(n int) Option {
	return func(e *Executor) { e.workers = n }
}

// WithFetchErrorPolicy sets what a failed fetch does.
func WithFetchErrorPolicy(p FetchErrorPolicy) Option {
	return func(e *Executor) { e.fetchErrors = p }
}

// WithMappingErrorsFatal makes conversion and property access errors stop
// the execution instead of being collected.
func WithMappingErrorsFatal(fatal bool) Option {
	return func(e *Executor) { e.mappingErrorsFatal = fatal }
}

// ExecuteOption adjusts a single execution.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	only      map[string]bool
	except    map[string]bool
	variables map[string]any
}

// OnlyGroups restricts the execution to the named groups, at every depth.
func OnlyGroups(names ...string) ExecuteOption {
	return func(c *executeConfig) {
		if c.only == nil {
			c.only = make(map[string]bool)
		}
		for _, n := range names {
			c.only[n] = true
		}
	}
}

// ExceptGroups skips the named groups, at every depth.
func ExceptGroups(names ...string) ExecuteOption {
	return func(c *executeConfig) {
		if c.except == nil {
			c.except = make(map[string]bool)
		}
		for _, n := range names {
			c.except[n] = true
		}
	}
}

// WithVariables exposes vars to condition expressions next to "target".
func WithVariables(vars map[string]any) ExecuteOption {
	return func(c *executeConfig) {
		if c.variables == nil {
			c.variables = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			c.variables[k] = v
		}
	}
}

func (c *executeConfig) includes(group string) bool {
	if c.only != nil && !c.only[group] {
		return false
	}
	return !c.except[group]
}
