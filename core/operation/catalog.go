package operation

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/artpar/assembly/core/assemblyerr"
)

// Catalog holds BeanOperations graphs by type name and binds Go types to
// those names so nested values can be dispatched by their runtime type.
// Thread-safe for concurrent access.
type Catalog struct {
	mu       sync.RWMutex
	graphs   map[string]*BeanOperations
	bindings map[reflect.Type]string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		graphs:   make(map[string]*BeanOperations),
		bindings: make(map[reflect.Type]string),
	}
}

// Register stores ops under its type name, replacing any previous graph.
func (c *Catalog) Register(ops *BeanOperations) error {
	if ops == nil || ops.Type == "" {
		return assemblyerr.Configuration("bean operations must have a type")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs[ops.Type] = ops
	return nil
}

// Bind maps Go type t, and pointers to it, to the graph named name.
func (c *Catalog) Bind(t reflect.Type, name string) {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[t] = name
}

// BindType maps T to the graph named name.
func BindType[T any](c *Catalog, name string) {
	c.Bind(reflect.TypeOf((*T)(nil)).Elem(), name)
}

// Named returns the graph registered under name.
func (c *Catalog) Named(name string) (*BeanOperations, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops, ok := c.graphs[name]
	return ops, ok
}

// ForValue returns the graph bound to v's runtime type.
func (c *Catalog) ForValue(v any) (*BeanOperations, bool) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	name, ok := c.bindings[t]
	if !ok {
		return nil, false
	}
	ops, ok := c.graphs[name]
	return ops, ok
}

// Names returns the registered graph names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.graphs))
	for name := range c.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered graphs.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.graphs)
}

// Validate checks references between graphs: every bound type and every
// explicitly typed disassembly must name a registered graph, and explicit
// disassembly references must not lead back to an ancestor type.
func (c *Catalog) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error

	for t, name := range c.bindings {
		if _, ok := c.graphs[name]; !ok {
			errs = append(errs, assemblyerr.Configuration("type %s is bound to unknown graph %q", t, name))
		}
	}

	for _, name := range sortedKeys(c.graphs) {
		for _, op := range c.graphs[name].Disassembles() {
			if op.Type == "" {
				continue
			}
			if _, ok := c.graphs[op.Type]; !ok {
				errs = append(errs, assemblyerr.Configuration("%s: %s references unknown graph %q", name, op.ID, op.Type))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.graphs))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
				}
			}
			chain := append(append([]string(nil), stack[start:]...), name)
			return assemblyerr.Configuration("disassembly cycle: %s", strings.Join(chain, " -> "))
		case done:
			return nil
		}

		state[name] = visiting
		stack = append(stack, name)
		for _, op := range c.graphs[name].Disassembles() {
			if op.Type == "" {
				continue
			}
			if err := visit(op.Type); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, name := range sortedKeys(c.graphs) {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
