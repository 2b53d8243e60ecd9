// Package breaker guards containers with a circuit breaker, so a failing
// backend is rejected quickly instead of stalling every execution.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/artpar/assembly/ports"
)

// Config holds circuit breaker settings.
type Config struct {
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32 `yaml:"max_requests"`
	// Interval is the closed-state window after which counts reset.
	Interval time.Duration `yaml:"interval"`
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`
	// FailureThreshold is the failure ratio that trips the breaker.
	FailureThreshold float64 `yaml:"failure_threshold" validate:"omitempty,gt=0,lte=1"`
	// MinRequests is the number of requests needed before the ratio counts.
	MinRequests uint32 `yaml:"min_requests"`
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRequests == 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MinRequests == 0 {
		c.MinRequests = d.MinRequests
	}
	return c
}

// Option configures a guarded container.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	onChange func(namespace string, state int)
}

// WithLogger logs state transitions to l.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStateListener calls fn on every state transition with gobreaker's
// state number (0 closed, 1 half-open, 2 open).
func WithStateListener(fn func(namespace string, state int)) Option {
	return func(o *options) { o.onChange = fn }
}

// Container wraps another container's Fetch in a circuit breaker.
type Container struct {
	inner ports.Container
	cb    *gobreaker.CircuitBreaker
}

// Wrap guards inner with a breaker named after its namespace.
func Wrap(inner ports.Container, cfg Config, opts ...Option) *Container {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Namespace(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn().
				Str("namespace", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if o.onChange != nil {
				o.onChange(name, int(to))
			}
		},
		// a cancelled caller says nothing about the backend
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &Container{inner: inner, cb: cb}
}

// Namespace returns the wrapped container's namespace.
func (c *Container) Namespace() string {
	return c.inner.Namespace()
}

// MappingType returns the wrapped container's mapping type.
func (c *Container) MappingType() ports.MappingType {
	return c.inner.MappingType()
}

// Fetch calls the wrapped container unless the breaker is open. Empty key
// sets bypass the breaker.
func (c *Container) Fetch(ctx context.Context, keys []any) (map[any]any, error) {
	if len(keys) == 0 {
		return map[any]any{}, nil
	}

	out, err := c.cb.Execute(func() (any, error) {
		return c.inner.Fetch(ctx, keys)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("container %q unavailable: %w", c.Namespace(), err)
		}
		return nil, err
	}
	values, _ := out.(map[any]any)
	return values, nil
}

// State returns the breaker state.
func (c *Container) State() gobreaker.State {
	return c.cb.State()
}

var _ ports.Container = (*Container)(nil)
