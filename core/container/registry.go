package container

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/ports"
)

// Registry resolves namespaces to containers.
//
// Containers are either registered statically or produced lazily by a chain
// of providers. Static registrations win; providers are asked in the order
// they were added and the first non-nil container is memoised under the
// namespace. Thread-safe for concurrent access.
//
// Usage:
//
//	reg := container.NewRegistry()
//	reg.Register(container.NewLambda("user", loadUsers))
//	reg.AddProvider("sql", sqlProvider)
//	c, err := reg.Resolve(ctx, "user")
type Registry struct {
	mu sync.RWMutex

	// containers maps namespace -> container
	containers map[string]ports.Container

	// providedBy maps a memoised namespace -> provider name
	providedBy map[string]string

	providers []namedProvider

	logger zerolog.Logger
}

type namedProvider struct {
	name     string
	provider ports.ContainerProvider
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty container registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		containers: make(map[string]ports.Container),
		providedBy: make(map[string]string),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds c under its namespace, replacing any container already
// registered there.
func (r *Registry) Register(c ports.Container) error {
	if err := Validate(c); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ns := c.Namespace()
	if _, exists := r.containers[ns]; exists {
		r.logger.Debug().Str("namespace", ns).Msg("replacing container")
	}
	r.containers[ns] = c
	delete(r.providedBy, ns)
	return nil
}

// Unregister removes the container under namespace. It reports whether one
// was registered.
func (r *Registry) Unregister(namespace string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.containers[namespace]
	delete(r.containers, namespace)
	delete(r.providedBy, namespace)
	return exists
}

// AddProvider appends a provider to the resolution chain.
func (r *Registry) AddProvider(name string, p ports.ContainerProvider) error {
	if name == "" {
		return assemblyerr.Configuration("provider name is empty")
	}
	if p == nil {
		return assemblyerr.Configuration("provider %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, np := range r.providers {
		if np.name == name {
			return assemblyerr.Configuration("provider %q already registered", name)
		}
	}
	r.providers = append(r.providers, namedProvider{name: name, provider: p})
	return nil
}

// RemoveProvider drops a provider and every container it produced.
func (r *Registry) RemoveProvider(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	kept := make([]namedProvider, 0, len(r.providers))
	for _, np := range r.providers {
		if np.name == name {
			found = true
			continue
		}
		kept = append(kept, np)
	}
	r.providers = kept

	for ns, by := range r.providedBy {
		if by == name {
			delete(r.containers, ns)
			delete(r.providedBy, ns)
		}
	}
	return found
}

// Get returns a registered or already provided container without asking
// providers.
func (r *Registry) Get(namespace string) (ports.Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.containers[namespace]
	return c, ok
}

// Resolve returns the container for namespace, asking providers when none
// is registered.
func (r *Registry) Resolve(ctx context.Context, namespace string) (ports.Container, error) {
	if c, ok := r.Get(namespace); ok {
		return c, nil
	}

	r.mu.RLock()
	providers := make([]namedProvider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	for _, np := range providers {
		c, err := np.provider.Provide(ctx, namespace)
		if err != nil {
			nf := assemblyerr.ContainerNotFound(namespace)
			nf.Cause = fmt.Errorf("provider %q: %w", np.name, err)
			return nil, nf
		}
		if c == nil {
			continue
		}

		r.mu.Lock()
		// another goroutine may have resolved it meanwhile
		if existing, ok := r.containers[namespace]; ok {
			r.mu.Unlock()
			return existing, nil
		}
		r.containers[namespace] = c
		r.providedBy[namespace] = np.name
		r.mu.Unlock()

		r.logger.Debug().
			Str("namespace", namespace).
			Str("provider", np.name).
			Msg("container provided")
		return c, nil
	}

	return nil, assemblyerr.ContainerNotFound(namespace)
}

// Namespaces returns the registered and provided namespaces, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.containers))
	for ns := range r.containers {
		result = append(result, ns)
	}
	sort.Strings(result)
	return result
}

// Providers returns the provider names in resolution order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.providers))
	for _, np := range r.providers {
		result = append(result, np.name)
	}
	return result
}
