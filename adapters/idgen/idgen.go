// Package idgen provides execution ID generators.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/artpar/assembly/ports"
)

// UUID generates time-ordered UUIDs, so execution IDs in logs sort by start
// time.
type UUID struct {
	Prefix string
}

// New returns Prefix followed by a UUID v7, or a v4 if the v7 source fails.
func (g UUID) New() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return g.Prefix + id.String()
}

// Sequential generates prefix1, prefix2, ... (for tests and dry runs).
type Sequential struct {
	prefix  string
	counter atomic.Uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New returns the next ID.
func (s *Sequential) New() string {
	return s.prefix + strconv.FormatUint(s.counter.Add(1), 10)
}

// Reset restarts the sequence.
func (s *Sequential) Reset() {
	s.counter.Store(0)
}

var (
	_ ports.IDGenerator = UUID{}
	_ ports.IDGenerator = (*Sequential)(nil)
)
