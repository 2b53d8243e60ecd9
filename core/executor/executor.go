// Package executor runs BeanOperations graphs against target objects.
//
// For every group, in order, the executor:
//
//  1. extracts the lookup key of each (assemble operation, target) pair whose
//     condition holds, skipping nil keys
//  2. fetches once per container namespace with the de-duplicated union of
//     the keys collected across all targets
//  3. scatters the fetched entities back to their targets
//  4. applies the property mappings, converting each value to the declared
//     type of the target property
//  5. flattens nested values of disassemble operations and runs their own
//     graphs recursively
//
// The next group starts only after all of this is done for every target, so
// values written by one group are visible to the keys and conditions of the
// next, at any nesting depth.
//
// Conversion and property access errors are collected into the Report and
// the affected mapping is skipped. Configuration errors are returned before
// any target is touched. Fetch errors follow the FetchErrorPolicy.
package executor

import (
	"context"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/core/convert"
	"github.com/artpar/assembly/core/expression"
	"github.com/artpar/assembly/core/operation"
	"github.com/artpar/assembly/core/property"
	"github.com/artpar/assembly/ports"
)

// ContainerResolver resolves a namespace to a container.
type ContainerResolver interface {
	Resolve(ctx context.Context, namespace string) (ports.Container, error)
}

// GraphResolver finds nested graphs by name or by a value's runtime type.
type GraphResolver interface {
	Named(name string) (*operation.BeanOperations, bool)
	ForValue(v any) (*operation.BeanOperations, bool)
}

// Executor runs operation graphs. It holds no per-execution state and is
// safe for concurrent use.
type Executor struct {
	containers ContainerResolver
	graphs     GraphResolver
	accessor   ports.PropertyAccessor
	converter  ports.Converter
	evaluator  ports.ExpressionEvaluator
	ids        ports.IDGenerator
	logger     zerolog.Logger
	recorder   Recorder

	policy             Policy
	workers            int
	fetchErrors        FetchErrorPolicy
	mappingErrorsFatal bool
}

// New creates an executor that resolves containers through containers.
func New(containers ContainerResolver, opts ...Option) *Executor {
	e := &Executor{
		containers:  containers,
		accessor:    property.New(),
		converter:   convert.New(),
		evaluator:   expression.New(),
		ids:         &counter{},
		logger:      zerolog.Nop(),
		recorder:    nopRecorder{},
		policy:      Ordered,
		fetchErrors: AbortExecution,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's concurrency policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs ops against targets. Targets are mutated in place and must
// be pointers or maps; nil targets are ignored.
//
// The returned error is non-nil for configuration errors, escalated mapping
// errors, cancellation, and fetch errors under AbortExecution. The report is
// returned in every case and holds the collected non-fatal issues.
func (e *Executor) Execute(ctx context.Context, targets []any, ops *operation.BeanOperations, opts ...ExecuteOption) (*Report, error) {
	cfg := executeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	report := newReport(e.ids.New())
	if ops == nil {
		return report, assemblyerr.Configuration("no bean operations given")
	}

	r := &run{
		Executor: e,
		cfg:      cfg,
		report:   report,
		log:      e.logger.With().Str("execution_id", report.ExecutionID).Logger(),
	}

	start := time.Now()
	live := compact(targets)
	err := r.execute(ctx, live, ops, nil)
	e.recorder.ObserveExecution(ops.Type, len(live), time.Since(start), err)

	ev := r.log.Debug()
	if err != nil {
		ev = r.log.Warn().Err(err)
	}
	ev.Str("type", ops.Type).
		Int("targets", len(live)).
		Int("fetches", report.Fetches()).
		Int("applied", report.Applied()).
		Dur("duration", time.Since(start)).
		Msg("execution finished")

	return report, err
}

// ExecuteNamed runs the graph registered under typeName.
func (e *Executor) ExecuteNamed(ctx context.Context, typeName string, targets []any, opts ...ExecuteOption) (*Report, error) {
	if e.graphs == nil {
		return newReport(e.ids.New()), assemblyerr.Configuration("no graph resolver configured")
	}
	ops, ok := e.graphs.Named(typeName)
	if !ok {
		return newReport(e.ids.New()), assemblyerr.Configuration("no bean operations registered for %q", typeName)
	}
	return e.Execute(ctx, targets, ops, opts...)
}

// ExecuteByType groups targets by the graph bound to their runtime type and
// runs each group. Targets without a bound graph are left untouched.
func (e *Executor) ExecuteByType(ctx context.Context, targets []any, opts ...ExecuteOption) ([]*Report, error) {
	if e.graphs == nil {
		return nil, assemblyerr.Configuration("no graph resolver configured")
	}

	var order []*operation.BeanOperations
	byGraph := make(map[*operation.BeanOperations][]any)
	for _, t := range compact(targets) {
		ops, ok := e.graphs.ForValue(t)
		if !ok {
			continue
		}
		if _, seen := byGraph[ops]; !seen {
			order = append(order, ops)
		}
		byGraph[ops] = append(byGraph[ops], t)
	}

	reports := make([]*Report, 0, len(order))
	for _, ops := range order {
		report, err := e.Execute(ctx, byGraph[ops], ops, opts...)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// Targets converts a slice of pointers or maps into an executor target list.
func Targets[T any](items []T) []any {
	out := make([]any, len(items))
	for i := range items {
		out[i] = items[i]
	}
	return out
}

// Pointers returns pointers to the elements of a slice of struct values, so
// they can be enriched in place.
func Pointers[T any](items []T) []any {
	out := make([]any, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}

// compact drops nil targets and repeated references to the same object.
func compact(targets []any) []any {
	out := make([]any, 0, len(targets))
	seen := make(map[identity]bool, len(targets))
	for _, t := range targets {
		if t == nil {
			continue
		}
		if v := reflect.ValueOf(t); (v.Kind() == reflect.Ptr || v.Kind() == reflect.Map) && v.IsNil() {
			continue
		}
		if id, ok := identityOf(t); ok {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		out = append(out, t)
	}
	return out
}

// counter is the fallback execution ID generator.
type counter struct {
	n atomic.Uint64
}

func (c *counter) New() string {
	return "exec-" + strconv.FormatUint(c.n.Add(1), 10)
}
