package config

import (
	"errors"
	"fmt"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/core/expression"
	"github.com/artpar/assembly/core/operation"
	"github.com/artpar/assembly/ports"
)

// BuildCatalog turns the types section into operation graphs. Conditions are
// compiled with ev so a bad expression fails here rather than mid-run.
func BuildCatalog(cfg *Config, ev *expression.Evaluator) (*operation.Catalog, error) {
	cat := operation.NewCatalog()
	var errs []error

	for _, t := range cfg.Types {
		ops, err := buildType(cfg, t, ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := cat.Register(ops); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

func buildType(cfg *Config, t TypeConfig, ev *expression.Evaluator) (*operation.BeanOperations, error) {
	b := operation.NewBuilder(t.Name)

	defaultGroup := t.DefaultGroup
	if defaultGroup == "" {
		defaultGroup = cfg.Engine.DefaultGroup
	}
	b.DefaultGroup(defaultGroup)

	first := cfg.Engine.DefaultGroupFirst
	if t.DefaultGroupFirst != nil {
		first = *t.DefaultGroupFirst
	}
	if first {
		b.DefaultGroupFirst()
	}

	for group, deps := range t.After {
		b.After(group, deps...)
	}

	for i, a := range t.Assemble {
		if err := compile(ev, a.Condition); err != nil {
			return nil, assemblyerr.Configuration("%s: assemble[%d]: %v", t.Name, i, err)
		}
		// left empty, the container's own mapping type applies
		var mt ports.MappingType
		if a.MappingType != "" {
			parsed, err := ports.ParseMappingType(a.MappingType)
			if err != nil {
				return nil, assemblyerr.Configuration("%s: assemble[%d]: %v", t.Name, i, err)
			}
			mt = parsed
		}

		mappings, err := expandMappings(cfg, a)
		if err != nil {
			return nil, assemblyerr.Configuration("%s: assemble[%d]: %v", t.Name, i, err)
		}

		b.Assemble(operation.AssembleOperation{
			ID:           a.ID,
			Key:          a.Key,
			Container:    a.Container,
			Mappings:     mappings,
			MappingType:  mt,
			Group:        a.Group,
			Sort:         a.Sort,
			Condition:    a.Condition,
			KeySeparator: a.Separator,
		})
	}

	for i, d := range t.Disassemble {
		if err := compile(ev, d.Condition); err != nil {
			return nil, assemblyerr.Configuration("%s: disassemble[%d]: %v", t.Name, i, err)
		}
		b.Disassemble(operation.DisassembleOperation{
			ID:        d.ID,
			Field:     d.Field,
			Type:      d.Type,
			Group:     d.Group,
			Sort:      d.Sort,
			Condition: d.Condition,
		})
	}

	return b.Build()
}

// expandMappings lists the operation's own props followed by the mappings
// of every referenced template.
func expandMappings(cfg *Config, a AssembleConfig) ([]operation.PropertyMapping, error) {
	out := make([]operation.PropertyMapping, 0, len(a.Props))
	for _, p := range a.Props {
		out = append(out, operation.Map(p.Source, p.Target))
	}
	for _, name := range a.Templates {
		tpl, ok := cfg.Templates[name]
		if !ok {
			return nil, fmt.Errorf("unknown template %q", name)
		}
		for _, p := range tpl {
			out = append(out, operation.Map(p.Source, p.Target))
		}
	}
	return out, nil
}

func compile(ev *expression.Evaluator, condition string) error {
	if condition == "" || ev == nil {
		return nil
	}
	return ev.Compile(condition)
}
