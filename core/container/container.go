// Package container provides the built-in container kinds and the Registry
// that resolves namespaces to containers.
//
// Every container here honours the batch fetch contract: an empty key set
// returns an empty mapping without touching the backing source, and keys
// absent from the result mean "no match".
package container

import (
	"context"
	"fmt"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/ports"
)

// LoadFunc fetches entities for a key set, keyed by the requested keys.
type LoadFunc func(ctx context.Context, keys []any) (map[any]any, error)

// ListFunc fetches entities for a key set as a flat list.
type ListFunc func(ctx context.Context, keys []any) ([]any, error)

// KeyFunc extracts the key an entity is indexed under.
type KeyFunc func(entity any) (any, error)

// Option configures a container.
type Option func(*base)

// WithMappingType sets the mapping type the container reports.
func WithMappingType(m ports.MappingType) Option {
	return func(b *base) {
		b.mappingType = m
	}
}

type base struct {
	namespace   string
	mappingType ports.MappingType
}

func newBase(namespace string, opts []Option) base {
	b := base{namespace: namespace, mappingType: ports.OneToOne}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Namespace returns the container's namespace.
func (b *base) Namespace() string { return b.namespace }

// MappingType returns the container's mapping type.
func (b *base) MappingType() ports.MappingType { return b.mappingType }

// KeyString normalises a key for comparison across representations, so an
// int64 key read from a database matches an int key read from a target.
func KeyString(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case []byte:
		return string(k)
	case fmt.Stringer:
		return k.String()
	default:
		return fmt.Sprint(key)
	}
}

// =============================================================================
// Lambda
// =============================================================================

// Lambda is a container backed by a function over the key set.
type Lambda struct {
	base
	load LoadFunc
}

// NewLambda creates a container that calls load for each non-empty key set.
func NewLambda(namespace string, load LoadFunc, opts ...Option) *Lambda {
	return &Lambda{base: newBase(namespace, opts), load: load}
}

// Fetch calls the load function.
func (c *Lambda) Fetch(ctx context.Context, keys []any) (map[any]any, error) {
	if len(keys) == 0 {
		return map[any]any{}, nil
	}

	result, err := c.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = map[any]any{}
	}
	return result, nil
}

// =============================================================================
// Constant
// =============================================================================

type constantEntry struct {
	key   any
	value any
}

// Constant is a container over a fixed dictionary. Keys are matched by
// their KeyString form.
type Constant struct {
	base
	data map[string]constantEntry
}

// NewConstant creates a container over a copy of data.
func NewConstant(namespace string, data map[any]any, opts ...Option) *Constant {
	c := &Constant{base: newBase(namespace, opts), data: make(map[string]constantEntry, len(data))}
	for k, v := range data {
		c.data[KeyString(k)] = constantEntry{key: k, value: v}
	}
	return c
}

// Fetch returns the entries present for keys, keyed by the requested key.
func (c *Constant) Fetch(_ context.Context, keys []any) (map[any]any, error) {
	result := make(map[any]any, len(keys))
	for _, k := range keys {
		if e, ok := c.data[KeyString(k)]; ok {
			result[k] = e.value
		}
	}
	return result, nil
}

// Len returns the number of entries.
func (c *Constant) Len() int {
	return len(c.data)
}

// =============================================================================
// Keyed
// =============================================================================

// Keyed is a container whose loader returns a list of entities that are
// indexed by a key extractor. For OneToMany containers every key maps to the
// list of entities sharing it; otherwise the first entity wins.
type Keyed struct {
	base
	load ListFunc
	key  KeyFunc
}

// NewKeyed creates a keyed list container.
func NewKeyed(namespace string, load ListFunc, key KeyFunc, opts ...Option) *Keyed {
	return &Keyed{base: newBase(namespace, opts), load: load, key: key}
}

// Fetch loads the list and indexes it by the requested keys.
func (c *Keyed) Fetch(ctx context.Context, keys []any) (map[any]any, error) {
	if len(keys) == 0 {
		return map[any]any{}, nil
	}

	entities, err := c.load(ctx, keys)
	if err != nil {
		return nil, err
	}

	return Index(entities, keys, c.key, c.mappingType == ports.OneToMany)
}

// Index groups entities under the requested key they belong to. Entities
// whose key was not requested are dropped. With many set, each key maps to
// a []any.
func Index(entities []any, keys []any, key KeyFunc, many bool) (map[any]any, error) {
	requested := make(map[string]any, len(keys))
	for _, k := range keys {
		requested[KeyString(k)] = k
	}

	result := make(map[any]any, len(keys))
	for _, entity := range entities {
		if entity == nil {
			continue
		}
		k, err := key(entity)
		if err != nil {
			return nil, err
		}
		if k == nil {
			continue
		}
		rk, ok := requested[KeyString(k)]
		if !ok {
			continue
		}

		if many {
			list, _ := result[rk].([]any)
			result[rk] = append(list, entity)
			continue
		}
		if _, exists := result[rk]; !exists {
			result[rk] = entity
		}
	}
	return result, nil
}

// PropertyKey returns a KeyFunc reading path off each entity.
func PropertyKey(accessor ports.PropertyAccessor, path string) KeyFunc {
	return func(entity any) (any, error) {
		return accessor.Get(entity, path)
	}
}

// Validate checks a container before registration.
func Validate(c ports.Container) error {
	if c == nil {
		return assemblyerr.Configuration("container is nil")
	}
	if c.Namespace() == "" {
		return assemblyerr.Configuration("container namespace is empty")
	}
	if !c.MappingType().IsValid() {
		return assemblyerr.Configuration("container %q: invalid mapping type %q", c.Namespace(), c.MappingType())
	}
	return nil
}

var (
	_ ports.Container = (*Lambda)(nil)
	_ ports.Container = (*Constant)(nil)
	_ ports.Container = (*Keyed)(nil)
)
