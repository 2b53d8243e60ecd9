// Package operation models the operation graph the executor runs: property
// mappings, assemble and disassemble operations, and the ordered groups of a
// BeanOperations graph for one target type.
//
// Graphs are built once through a Builder (or loaded from configuration),
// are immutable afterwards and can be shared across executions. Containers
// and nested graphs are referenced by name only and resolved when an
// execution runs.
package operation

import (
	"fmt"
	"strings"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/ports"
)

// DefaultKeySeparator splits ManyToMany keys held in a single string.
const DefaultKeySeparator = ","

// PropertyMapping copies one property of a fetched entity onto the target.
type PropertyMapping struct {
	// Source is the path on the fetched entity. Empty means the entity itself.
	Source string
	// Target is the path on the target object. Empty means the operation's
	// key property.
	Target string
	// Converter overrides the executor's converter for this mapping.
	Converter ports.Converter
}

// Map returns a mapping from source to target.
func Map(source, target string) PropertyMapping {
	return PropertyMapping{Source: source, Target: target}
}

// Same returns a mapping between properties with the same name.
func Same(name string) PropertyMapping {
	return PropertyMapping{Source: name, Target: name}
}

// WithConverter returns a copy of m using c.
func (m PropertyMapping) WithConverter(c ports.Converter) PropertyMapping {
	m.Converter = c
	return m
}

// String renders the mapping as "source -> target".
func (m PropertyMapping) String() string {
	src, dst := m.Source, m.Target
	if src == "" {
		src = "$entity"
	}
	if dst == "" {
		dst = "$key"
	}
	return src + " -> " + dst
}

// AssembleOperation fills target properties from a container lookup.
type AssembleOperation struct {
	ID string

	// Key is the path on the target holding the lookup key. Ignored for
	// Mapped operations, which use the target itself.
	Key string

	// Container is the namespace to fetch from.
	Container string

	Mappings []PropertyMapping

	// MappingType overrides the container's mapping type. Empty means the
	// operation follows whatever the resolved container reports.
	MappingType ports.MappingType

	Group string
	Sort  int

	// Condition, when set, must evaluate true for a target to take part.
	Condition string

	// KeySeparator splits string keys of ManyToMany operations.
	KeySeparator string
}

// Validate checks the operation's invariants.
func (op *AssembleOperation) Validate() error {
	if op.Container == "" {
		return assemblyerr.Configuration("assemble %q: container namespace is empty", op.ID)
	}
	if op.MappingType != "" && !op.MappingType.IsValid() {
		return assemblyerr.Configuration("assemble %q: invalid mapping type %q", op.ID, op.MappingType)
	}
	if op.Key == "" && op.MappingType != ports.Mapped {
		return assemblyerr.Configuration("assemble %q: key property is required unless the mapping type is mapped", op.ID)
	}
	for i, m := range op.Mappings {
		if m.Target == "" && op.Key == "" {
			return assemblyerr.Configuration("assemble %q: mapping %d writes to the key but the operation has no key", op.ID, i)
		}
	}
	return nil
}

// Separator returns the ManyToMany key separator.
func (op *AssembleOperation) Separator() string {
	if op.KeySeparator == "" {
		return DefaultKeySeparator
	}
	return op.KeySeparator
}

// String describes the operation for logs.
func (op *AssembleOperation) String() string {
	mappings := make([]string, len(op.Mappings))
	for i, m := range op.Mappings {
		mappings[i] = m.String()
	}
	return fmt.Sprintf("assemble(%s: %s -> %s [%s])", op.ID, op.Key, op.Container, strings.Join(mappings, ", "))
}

// DisassembleOperation descends into a nested property and runs the nested
// objects' own graph.
type DisassembleOperation struct {
	ID string

	// Field is the path of the nested object or collection.
	Field string

	// Type names the nested graph. Empty resolves it from each nested
	// object's runtime type.
	Type string

	Group string
	Sort  int

	Condition string
}

// Validate checks the operation's invariants.
func (op *DisassembleOperation) Validate() error {
	if op.Field == "" {
		return assemblyerr.Configuration("disassemble %q: field is empty", op.ID)
	}
	return nil
}

// String describes the operation for logs.
func (op *DisassembleOperation) String() string {
	t := op.Type
	if t == "" {
		t = "<runtime>"
	}
	return fmt.Sprintf("disassemble(%s: %s as %s)", op.ID, op.Field, t)
}

// Group is a set of operations with no ordering among themselves. All of a
// group's work completes before the next group starts.
type Group struct {
	Name         string
	Assembles    []*AssembleOperation
	Disassembles []*DisassembleOperation
}

// Empty reports whether the group holds no operations.
func (g *Group) Empty() bool {
	return len(g.Assembles) == 0 && len(g.Disassembles) == 0
}

// BeanOperations is the operation graph of one target type.
type BeanOperations struct {
	Type   string
	Groups []Group
}

// Empty reports whether the graph holds no operations.
func (b *BeanOperations) Empty() bool {
	for i := range b.Groups {
		if !b.Groups[i].Empty() {
			return false
		}
	}
	return true
}

// GroupNames returns the group names in execution order.
func (b *BeanOperations) GroupNames() []string {
	names := make([]string, len(b.Groups))
	for i := range b.Groups {
		names[i] = b.Groups[i].Name
	}
	return names
}

// Group returns the named group.
func (b *BeanOperations) Group(name string) (*Group, bool) {
	for i := range b.Groups {
		if b.Groups[i].Name == name {
			return &b.Groups[i], true
		}
	}
	return nil, false
}

// Disassembles returns every disassemble operation in group order.
func (b *BeanOperations) Disassembles() []*DisassembleOperation {
	var out []*DisassembleOperation
	for i := range b.Groups {
		out = append(out, b.Groups[i].Disassembles...)
	}
	return out
}

// Containers returns the distinct container namespaces referenced by the
// graph, in first-use order.
func (b *BeanOperations) Containers() []string {
	seen := make(map[string]bool)
	var out []string
	for i := range b.Groups {
		for _, op := range b.Groups[i].Assembles {
			if !seen[op.Container] {
				seen[op.Container] = true
				out = append(out, op.Container)
			}
		}
	}
	return out
}
