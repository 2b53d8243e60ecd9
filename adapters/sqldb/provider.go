package sqldb

import (
	"context"
	"fmt"
	"strings"

	"github.com/artpar/assembly/core/assemblyerr"
	"github.com/artpar/assembly/core/expression"
	"github.com/artpar/assembly/ports"
)

// Provider builds SQL containers on demand from namespaces written as
// expressions:
//
//	sql("users", "id")
//	sql("users", "id", ["name", "email"])
//	sql("users", "id", ["name"], "deleted_at IS NULL")
//	sqlMany("order_items", "order_id")
//
// Namespaces that are not such calls are left to other providers.
type Provider struct {
	db *DB
	ev *expression.Evaluator
}

// NewProvider creates a provider querying db.
func NewProvider(db *DB) *Provider {
	return &Provider{
		db: db,
		ev: expression.New(
			expression.WithFunction("sql", queryFunc(false)),
			expression.WithFunction("sqlMany", queryFunc(true)),
		),
	}
}

// Handles reports whether namespace is a SQL container expression.
func Handles(namespace string) bool {
	ns := strings.TrimSpace(namespace)
	return strings.HasPrefix(ns, "sql(") || strings.HasPrefix(ns, "sqlMany(")
}

// Provide implements ports.ContainerProvider.
func (p *Provider) Provide(_ context.Context, namespace string) (ports.Container, error) {
	if !Handles(namespace) {
		return nil, nil
	}

	v, err := p.ev.Execute(namespace, nil)
	if err != nil {
		return nil, assemblyerr.Configuration("namespace %q: %v", namespace, err)
	}
	q, ok := v.(Query)
	if !ok {
		return nil, assemblyerr.Configuration("namespace %q does not describe a query", namespace)
	}

	c, err := NewContainer(p.db, namespace, q)
	if err != nil {
		return nil, assemblyerr.Configuration("%v", err)
	}
	return c, nil
}

func queryFunc(many bool) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) < 2 || len(params) > 4 {
			return nil, fmt.Errorf("expected (table, key[, columns[, where]]), got %d arguments", len(params))
		}

		q := Query{Many: many}
		var ok bool
		if q.Table, ok = params[0].(string); !ok {
			return nil, fmt.Errorf("table must be a string")
		}
		if q.KeyColumn, ok = params[1].(string); !ok {
			return nil, fmt.Errorf("key must be a string")
		}
		if len(params) > 2 && params[2] != nil {
			cols, ok := params[2].([]any)
			if !ok {
				return nil, fmt.Errorf("columns must be a list of strings")
			}
			for _, c := range cols {
				s, ok := c.(string)
				if !ok {
					return nil, fmt.Errorf("columns must be a list of strings")
				}
				q.Columns = append(q.Columns, s)
			}
		}
		if len(params) > 3 {
			if q.Where, ok = params[3].(string); !ok {
				return nil, fmt.Errorf("where must be a string")
			}
		}
		return q, q.Validate()
	}
}

var _ ports.ContainerProvider = (*Provider)(nil)
