package operation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/artpar/assembly/core/assemblyerr"
)

// DefaultGroup is the name of the group holding operations that declare
// none.
const DefaultGroup = "default"

// Builder assembles a BeanOperations graph and derives its group order.
//
// Groups run in an order consistent with declared dependencies (After) and
// the lowest Sort among each group's operations; ties break by name. The
// default group runs last unless DefaultGroupFirst is set. Operations
// inside a group are ordered by Sort, then declaration order.
type Builder struct {
	typeName     string
	assembles    []*AssembleOperation
	disassembles []*DisassembleOperation
	after        map[string][]string
	defaultName  string
	defaultFirst bool
}

// NewBuilder starts a graph for typeName.
func NewBuilder(typeName string) *Builder {
	return &Builder{
		typeName:    typeName,
		after:       make(map[string][]string),
		defaultName: DefaultGroup,
	}
}

// Assemble adds an assemble operation.
func (b *Builder) Assemble(op AssembleOperation) *Builder {
	b.assembles = append(b.assembles, &op)
	return b
}

// Disassemble adds a disassemble operation.
func (b *Builder) Disassemble(op DisassembleOperation) *Builder {
	b.disassembles = append(b.disassembles, &op)
	return b
}

// After declares that group runs after every group in deps.
func (b *Builder) After(group string, deps ...string) *Builder {
	b.after[group] = append(b.after[group], deps...)
	return b
}

// DefaultGroup renames the implicit group of ungrouped operations.
func (b *Builder) DefaultGroup(name string) *Builder {
	if name != "" {
		b.defaultName = name
	}
	return b
}

// DefaultGroupFirst places the implicit group before all others.
func (b *Builder) DefaultGroupFirst() *Builder {
	b.defaultFirst = true
	return b
}

type groupNode struct {
	name  string
	sort  int
	group Group
}

// Build validates the operations and returns the ordered graph.
func (b *Builder) Build() (*BeanOperations, error) {
	if b.typeName == "" {
		return nil, assemblyerr.Configuration("bean operations type is empty")
	}

	var errs []error
	nodes := make(map[string]*groupNode)

	node := func(name string) *groupNode {
		if name == "" {
			name = b.defaultName
		}
		n, ok := nodes[name]
		if !ok {
			n = &groupNode{name: name, sort: math.MaxInt, group: Group{Name: name}}
			nodes[name] = n
		}
		return n
	}

	ids := make(map[string]bool)
	uniqueID := func(id, kind string, i int) string {
		if id == "" {
			id = fmt.Sprintf("%s.%s[%d]", b.typeName, kind, i)
		}
		if ids[id] {
			errs = append(errs, assemblyerr.Configuration("%s: duplicate operation id %q", b.typeName, id))
		}
		ids[id] = true
		return id
	}

	for i, op := range b.assembles {
		op.ID = uniqueID(op.ID, "assemble", i)
		if err := op.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		n := node(op.Group)
		n.group.Assembles = append(n.group.Assembles, op)
		n.sort = min(n.sort, op.Sort)
	}

	for i, op := range b.disassembles {
		op.ID = uniqueID(op.ID, "disassemble", i)
		if err := op.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		n := node(op.Group)
		n.group.Disassembles = append(n.group.Disassembles, op)
		n.sort = min(n.sort, op.Sort)
	}

	for group, deps := range b.after {
		for _, dep := range deps {
			if _, ok := nodes[dep]; !ok {
				errs = append(errs, assemblyerr.Configuration("%s: group %q depends on unknown group %q", b.typeName, group, dep))
			}
		}
		if _, ok := nodes[group]; !ok {
			errs = append(errs, assemblyerr.Configuration("%s: dependencies declared for unknown group %q", b.typeName, group))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	groups, err := b.order(nodes)
	if err != nil {
		return nil, err
	}
	return &BeanOperations{Type: b.typeName, Groups: groups}, nil
}

// order sorts groups by priority, then topologically by declared deps.
func (b *Builder) order(nodes map[string]*groupNode) ([]Group, error) {
	list := make([]*groupNode, 0, len(nodes))
	for _, n := range nodes {
		if n.name == b.defaultName {
			if b.defaultFirst {
				n.sort = math.MinInt
			} else {
				n.sort = math.MaxInt
			}
		}
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].sort != list[j].sort {
			return list[i].sort < list[j].sort
		}
		return list[i].name < list[j].name
	})

	index := make(map[string]int, len(list))
	for i, n := range list {
		index[n.name] = i
	}

	order, err := topoSort(len(list), func(i int) []int {
		deps := b.after[list[i].name]
		out := make([]int, 0, len(deps))
		for _, d := range deps {
			out = append(out, index[d])
		}
		return out
	})
	if err != nil {
		placed := make(map[int]bool, len(order))
		for _, i := range order {
			placed[i] = true
		}
		var cyclic []string
		for i, n := range list {
			if !placed[i] {
				cyclic = append(cyclic, n.name)
			}
		}
		return nil, assemblyerr.Configuration("%s: group dependency cycle among %s", b.typeName, strings.Join(cyclic, ", "))
	}

	groups := make([]Group, 0, len(order))
	for _, i := range order {
		g := list[i].group
		sort.SliceStable(g.Assembles, func(a, c int) bool { return g.Assembles[a].Sort < g.Assembles[c].Sort })
		sort.SliceStable(g.Disassembles, func(a, c int) bool { return g.Disassembles[a].Sort < g.Disassembles[c].Sort })
		groups = append(groups, g)
	}
	return groups, nil
}
