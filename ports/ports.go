// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in core/ and adapters/.
package ports

import (
	"context"
	"reflect"
	"time"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Container Ports
// -----------------------------------------------------------------------------

// Container is a named batch key-lookup source.
//
// Fetch receives a de-duplicated key set and returns the entities found for
// those keys. For OneToMany containers the value stored under a key is a
// slice of entities. Keys absent from the result mean "no match". An empty
// key set must return an empty mapping without touching the backing source.
type Container interface {
	// Namespace returns the unique name the container is registered under.
	Namespace() string

	// MappingType describes the shape of the values Fetch returns.
	MappingType() MappingType

	// Fetch loads the entities for keys.
	Fetch(ctx context.Context, keys []any) (map[any]any, error)
}

// ContainerProvider lazily builds containers for namespaces it recognises.
// Provide returns (nil, nil) when the namespace is not handled.
type ContainerProvider interface {
	Provide(ctx context.Context, namespace string) (Container, error)
}

// ContainerProviderFunc adapts a function to ContainerProvider.
type ContainerProviderFunc func(ctx context.Context, namespace string) (Container, error)

// Provide calls f.
func (f ContainerProviderFunc) Provide(ctx context.Context, namespace string) (Container, error) {
	return f(ctx, namespace)
}

// -----------------------------------------------------------------------------
// Property / Conversion / Expression Ports
// -----------------------------------------------------------------------------

// PropertyAccessor reads and writes properties addressed by dot paths.
type PropertyAccessor interface {
	// Get returns the value at path. A nil value anywhere along the path
	// yields (nil, nil).
	Get(obj any, path string) (any, error)

	// Set writes value at path, allocating nil intermediate pointers.
	Set(obj any, path string, value any) error

	// TypeOf returns the declared type of the property at path.
	TypeOf(obj any, path string) (reflect.Type, error)

	// Nested returns the objects stored at path, flattening slices and
	// arrays. Struct values are returned as pointers so they can be written.
	Nested(obj any, path string) ([]any, error)
}

// Converter converts a value to the given type.
type Converter interface {
	Convert(value any, target reflect.Type) (any, error)
}

// ExpressionEvaluator executes an expression against a variable environment.
type ExpressionEvaluator interface {
	Execute(expression string, env map[string]any) (any, error)
}
