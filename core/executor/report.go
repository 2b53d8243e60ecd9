package executor

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/artpar/assembly/core/assemblyerr"
)

// Issue is one non-fatal problem met during an execution.
type Issue struct {
	Kind assemblyerr.Kind

	// Type is the graph the operation belongs to.
	Type string
	// Operation is the operation ID.
	Operation string
	// Namespace is the container involved, if any.
	Namespace string
	// Path is the property path involved, if any.
	Path string

	Err error
}

// Report accumulates the outcome of an execution. Ignoring it gives
// best-effort enrichment.
type Report struct {
	ExecutionID string

	mu     sync.Mutex
	issues []Issue

	fetches atomic.Int64
	applied atomic.Int64
	nested  atomic.Int64
}

func newReport(id string) *Report {
	return &Report{ExecutionID: id}
}

func (r *Report) add(issue Issue) {
	r.mu.Lock()
	r.issues = append(r.issues, issue)
	r.mu.Unlock()
}

// Issues returns a copy of the recorded issues.
func (r *Report) Issues() []Issue {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Issue, len(r.issues))
	copy(out, r.issues)
	return out
}

// HasIssues reports whether anything was recorded.
func (r *Report) HasIssues() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.issues) > 0
}

// Err joins the recorded issues, or returns nil.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.issues) == 0 {
		return nil
	}
	errs := make([]error, len(r.issues))
	for i, issue := range r.issues {
		errs[i] = issue.Err
	}
	return errors.Join(errs...)
}

// Fetches returns the number of container fetches performed.
func (r *Report) Fetches() int {
	return int(r.fetches.Load())
}

// Applied returns the number of property mappings written.
func (r *Report) Applied() int {
	return int(r.applied.Load())
}

// Nested returns the number of nested objects disassembled.
func (r *Report) Nested() int {
	return int(r.nested.Load())
}
