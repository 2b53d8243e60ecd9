// Package clock provides ports.Clock implementations used for cache expiry.
package clock

import (
	"sync"
	"time"

	"github.com/artpar/assembly/ports"
)

// Real reads the wall clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

// Fake is a clock that only moves when told to.
type Fake struct {
	mu      sync.RWMutex
	current time.Time
}

// NewFake creates a fake clock stopped at t.
func NewFake(t time.Time) *Fake {
	return &Fake{current: t}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
	return f.current
}

var (
	_ ports.Clock = Real{}
	_ ports.Clock = (*Fake)(nil)
)
