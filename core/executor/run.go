package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/core/expression"
	"github.com/artpar/assembly/core/operation"
	"github.com/artpar/assembly/ports"
)

// run carries the state of one Execute call.
type run struct {
	*Executor
	cfg    executeConfig
	report *Report
	log    zerolog.Logger
}

// pending is an (assemble operation, target) pair waiting for its fetch.
type pending struct {
	op     *operation.AssembleOperation
	target int
	keys   []any
}

type fetchResult struct {
	namespace string
	table     *lookupTable
	err       error
}

// execute runs ops over targets. chain holds the graph types of the
// enclosing disassemblies.
func (r *run) execute(ctx context.Context, targets []any, ops *operation.BeanOperations, chain []string) error {
	for _, name := range chain {
		if name == ops.Type {
			return assemblyerr.Configuration("disassembly cycle: %s -> %s", strings.Join(chain, " -> "), ops.Type)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	chain = append(chain[:len(chain):len(chain)], ops.Type)

	for i := range ops.Groups {
		g := &ops.Groups[i]
		if !r.cfg.includes(g.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runGroup(ctx, targets, ops.Type, g, chain); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) runGroup(ctx context.Context, targets []any, typeName string, g *operation.Group, chain []string) error {
	log := r.log.With().Str("type", typeName).Str("group", g.Name).Logger()
	log.Debug().Int("targets", len(targets)).Int("depth", len(chain)).Msg("executing group")

	// key extraction and batch grouping
	var (
		work       []pending
		namespaces []string
		keysets    = make(map[string]*keySet)
	)
	for _, declared := range g.Assembles {
		op := declared
		resolved := declared.MappingType != ""
		for ti, target := range targets {
			ok, err := r.applies(op.Condition, target)
			if err != nil {
				if err := r.issue(typeName, op.ID, op.Container, op.Key, err); err != nil {
					return err
				}
				continue
			}
			if !ok {
				continue
			}
			if !resolved {
				op = r.withMappingType(ctx, declared)
				resolved = true
			}

			keys, err := r.extractKeys(op, target)
			if err != nil {
				if err := r.issue(typeName, op.ID, op.Container, op.Key, err); err != nil {
					return err
				}
				continue
			}
			if len(keys) == 0 {
				continue
			}

			ks, ok := keysets[op.Container]
			if !ok {
				ks = newKeySet()
				keysets[op.Container] = ks
				namespaces = append(namespaces, op.Container)
			}
			ks.add(keys...)
			work = append(work, pending{op: op, target: ti, keys: keys})
		}
	}

	// one fetch per namespace
	tables := make(map[string]*lookupTable, len(namespaces))
	var fetchErrs []error
	for _, res := range r.fetchAll(ctx, namespaces, keysets, log) {
		if res.err == nil {
			tables[res.namespace] = res.table
			continue
		}
		log.Warn().Err(res.err).Str("namespace", res.namespace).Msg("fetch failed")
		if r.fetchErrors == ContinueExecution {
			r.report.add(Issue{Kind: kindOf(res.err), Type: typeName, Namespace: res.namespace, Err: res.err})
			continue
		}
		fetchErrs = append(fetchErrs, res.err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// scatter and map
	if err := r.mapAll(targets, typeName, work, tables); err != nil {
		return err
	}

	// nested graphs finish before the group boundary
	if err := r.disassemble(ctx, targets, typeName, g, chain, log); err != nil {
		return err
	}

	if len(fetchErrs) > 0 {
		return errors.Join(fetchErrs...)
	}
	return nil
}

func (r *run) fetchAll(ctx context.Context, namespaces []string, keysets map[string]*keySet, log zerolog.Logger) []fetchResult {
	results := make([]fetchResult, len(namespaces))
	fetch := func(i int) {
		results[i] = r.fetch(ctx, namespaces[i], keysets[namespaces[i]].keys, log)
	}

	if r.policy != Unordered || len(namespaces) < 2 {
		for i := range namespaces {
			fetch(i)
		}
		return results
	}

	// a failing namespace must not cancel its siblings, so errors travel in
	// results rather than through the group
	var eg errgroup.Group
	if r.workers > 0 {
		eg.SetLimit(r.workers)
	}
	for i := range namespaces {
		eg.Go(func() error {
			fetch(i)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (r *run) fetch(ctx context.Context, namespace string, keys []any, log zerolog.Logger) fetchResult {
	res := fetchResult{namespace: namespace}

	c, err := r.containers.Resolve(ctx, namespace)
	if err != nil {
		res.err = err
		return res
	}

	start := time.Now()
	values, err := c.Fetch(ctx, keys)
	elapsed := time.Since(start)
	r.report.fetches.Add(1)
	r.recorder.ObserveFetch(namespace, len(keys), elapsed, err)

	if err != nil {
		res.err = assemblyerr.Fetch(namespace, err)
		return res
	}

	log.Debug().
		Str("namespace", namespace).
		Int("keys", len(keys)).
		Int("found", len(values)).
		Dur("duration", elapsed).
		Msg("fetched")

	res.table = newLookupTable(values)
	return res
}

func (r *run) mapAll(targets []any, typeName string, work []pending, tables map[string]*lookupTable) error {
	if len(work) == 0 {
		return nil
	}

	apply := func(p pending) error {
		table, ok := tables[p.op.Container]
		if !ok {
			return nil
		}
		value, found := scatter(p.op, p.keys, table)
		if !found {
			return nil
		}
		return r.applyMappings(typeName, p.op, targets[p.target], value)
	}

	if r.policy != Unordered {
		for _, p := range work {
			if err := apply(p); err != nil {
				return err
			}
		}
		return nil
	}

	// partition by target: each target is written by exactly one worker
	byTarget := make([][]pending, len(targets))
	for _, p := range work {
		byTarget[p.target] = append(byTarget[p.target], p)
	}

	var eg errgroup.Group
	if r.workers > 0 {
		eg.SetLimit(r.workers)
	}
	for _, list := range byTarget {
		if len(list) == 0 {
			continue
		}
		eg.Go(func() error {
			for _, p := range list {
				if err := apply(p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// scatter picks the fetched value for one target. found is false when a
// single-valued lookup has no match and the target must be left alone.
func scatter(op *operation.AssembleOperation, keys []any, table *lookupTable) (any, bool) {
	switch op.MappingType {
	case ports.OneToMany:
		v, ok := table.get(keys[0])
		if !ok || v == nil {
			return []any{}, true
		}
		if list, ok := asList(v); ok {
			return list, true
		}
		return []any{v}, true

	case ports.ManyToMany:
		list := make([]any, 0, len(keys))
		for _, k := range keys {
			v, ok := table.get(k)
			if !ok || v == nil {
				continue
			}
			if l, isList := asList(v); isList {
				list = append(list, l...)
			} else {
				list = append(list, v)
			}
		}
		return list, true

	default:
		v, ok := table.get(keys[0])
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}
}

func (r *run) applyMappings(typeName string, op *operation.AssembleOperation, target any, value any) error {
	multi := op.MappingType.IsMulti()

	for _, m := range op.Mappings {
		path := m.Target
		if path == "" {
			path = op.Key
		}

		src, err := r.source(value, m.Source, multi)
		if err != nil {
			if err := r.issue(typeName, op.ID, op.Container, m.Source, err); err != nil {
				return err
			}
			continue
		}

		if err := r.write(target, path, src, m.Converter); err != nil {
			if err := r.issue(typeName, op.ID, op.Container, path, err); err != nil {
				return err
			}
			continue
		}
		r.report.applied.Add(1)
	}
	return nil
}

// source reads a mapping's source off the fetched value. For list values a
// non-empty path is read off every element.
func (r *run) source(value any, path string, multi bool) (any, error) {
	if path == "" {
		return value, nil
	}
	if !multi {
		return r.accessor.Get(value, path)
	}

	list, _ := value.([]any)
	out := make([]any, 0, len(list))
	for _, elem := range list {
		v, err := r.accessor.Get(elem, path)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *run) write(target any, path string, value any, override ports.Converter) error {
	t, err := r.accessor.TypeOf(target, path)
	if err != nil {
		return err
	}

	conv := override
	if conv == nil {
		conv = r.converter
	}
	out, err := conv.Convert(value, t)
	if err != nil {
		if _, ok := assemblyerr.KindOf(err); !ok {
			err = assemblyerr.Conversion(typeString(value), t.String(), err)
		}
		return err
	}

	return r.accessor.Set(target, path, out)
}

func (r *run) disassemble(ctx context.Context, targets []any, typeName string, g *operation.Group, chain []string, log zerolog.Logger) error {
	if len(g.Disassembles) == 0 {
		return nil
	}

	var order []*operation.BeanOperations
	batches := make(map[*operation.BeanOperations][]any)
	seen := make(map[identity]bool)

	for _, op := range g.Disassembles {
		var explicit *operation.BeanOperations
		if op.Type != "" {
			if r.graphs == nil {
				return assemblyerr.Configuration("%s: %s needs graph %q but no graph resolver is configured", typeName, op.ID, op.Type)
			}
			ops, ok := r.graphs.Named(op.Type)
			if !ok {
				return assemblyerr.Configuration("%s: %s references unknown graph %q", typeName, op.ID, op.Type)
			}
			explicit = ops
		}

		for _, target := range targets {
			ok, err := r.applies(op.Condition, target)
			if err != nil {
				if err := r.issue(typeName, op.ID, "", op.Field, err); err != nil {
					return err
				}
				continue
			}
			if !ok {
				continue
			}

			nested, err := r.accessor.Nested(target, op.Field)
			if err != nil {
				if err := r.issue(typeName, op.ID, "", op.Field, err); err != nil {
					return err
				}
				continue
			}

			for _, n := range nested {
				ops := explicit
				if ops == nil {
					if r.graphs == nil {
						continue
					}
					if ops, ok = r.graphs.ForValue(n); !ok {
						continue
					}
				}
				if id, ok := identityOf(n); ok {
					if seen[id] {
						continue
					}
					seen[id] = true
				}
				if _, ok := batches[ops]; !ok {
					order = append(order, ops)
				}
				batches[ops] = append(batches[ops], n)
			}
		}
	}

	for _, ops := range order {
		nested := batches[ops]
		r.report.nested.Add(int64(len(nested)))
		log.Debug().Str("nested_type", ops.Type).Int("objects", len(nested)).Msg("disassembling")

		if err := r.execute(ctx, nested, ops, chain); err != nil {
			return err
		}
	}
	return nil
}

// withMappingType returns op with the mapping type of its container when
// the operation declares none. An unresolvable container falls back to
// OneToOne; the fetch reports the resolve error.
func (r *run) withMappingType(ctx context.Context, op *operation.AssembleOperation) *operation.AssembleOperation {
	mt := ports.OneToOne
	if c, err := r.containers.Resolve(ctx, op.Container); err == nil && c.MappingType().IsValid() {
		mt = c.MappingType()
	}
	cp := *op
	cp.MappingType = mt
	return &cp
}

func (r *run) applies(condition string, target any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	env := make(map[string]any, len(r.cfg.variables)+1)
	for k, v := range r.cfg.variables {
		env[k] = v
	}
	env["target"] = target

	ok, err := expression.Condition(r.evaluator, condition, env)
	if err != nil {
		return false, &assemblyerr.Error{
			Kind:    assemblyerr.KindPropertyAccess,
			Message: fmt.Sprintf("condition %q", condition),
			Cause:   err,
		}
	}
	return ok, nil
}

func (r *run) extractKeys(op *operation.AssembleOperation, target any) ([]any, error) {
	if op.MappingType == ports.Mapped {
		if !reflect.TypeOf(target).Comparable() {
			return nil, assemblyerr.PropertyAccess("$target", fmt.Errorf("%T cannot be used as a key", target))
		}
		return []any{target}, nil
	}

	v, err := r.accessor.Get(target, op.Key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}

	var keys []any
	if op.MappingType == ports.ManyToMany {
		keys, err = splitKeys(v, op.Separator())
	} else {
		var k any
		k, err = normalizeKey(v)
		if k != nil {
			keys = []any{k}
		}
	}
	if err != nil {
		return nil, assemblyerr.PropertyAccess(op.Key, err)
	}
	return keys, nil
}

// issue records a non-fatal error, or returns it when mapping errors are
// configured to be fatal.
func (r *run) issue(typeName, opID, namespace, path string, err error) error {
	kind := kindOf(err)
	r.recorder.ObserveMappingError(typeName, string(kind))

	if r.mappingErrorsFatal {
		return err
	}

	r.report.add(Issue{
		Kind:      kind,
		Type:      typeName,
		Operation: opID,
		Namespace: namespace,
		Path:      path,
		Err:       err,
	})
	r.log.Warn().
		Err(err).
		Str("type", typeName).
		Str("operation", opID).
		Str("path", path).
		Msg("mapping skipped")
	return nil
}

func kindOf(err error) assemblyerr.Kind {
	if kind, ok := assemblyerr.KindOf(err); ok {
		return kind
	}
	return assemblyerr.KindFetch
}

func typeString(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
