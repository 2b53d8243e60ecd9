package sqldb

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/artpar/assembly/core/container"
	"github.com/artpar/assembly/ports"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Query describes a key lookup against one table.
type Query struct {
	Table     string   `yaml:"table" validate:"required"`
	KeyColumn string   `yaml:"key" validate:"required"`
	Columns   []string `yaml:"columns"`
	// Where is an extra SQL filter ANDed to the key match. It is trusted
	// configuration, never user input.
	Where string `yaml:"where"`
	// Many makes the container OneToMany: every row sharing a key is
	// returned as a list.
	Many bool `yaml:"many"`
}

// Validate checks the table and column identifiers.
func (q Query) Validate() error {
	if !identRe.MatchString(q.Table) {
		return fmt.Errorf("invalid table name %q", q.Table)
	}
	if !identRe.MatchString(q.KeyColumn) {
		return fmt.Errorf("invalid key column %q", q.KeyColumn)
	}
	for _, c := range q.Columns {
		if c != "*" && !identRe.MatchString(c) {
			return fmt.Errorf("invalid column %q", c)
		}
	}
	return nil
}

// selectList returns the projected columns, always including the key.
func (q Query) selectList() string {
	if len(q.Columns) == 0 {
		return "*"
	}
	cols := make([]string, 0, len(q.Columns)+1)
	hasKey := false
	for _, c := range q.Columns {
		if c == "*" {
			return "*"
		}
		if c == q.KeyColumn {
			hasKey = true
		}
		cols = append(cols, quote(c))
	}
	if !hasKey {
		cols = append(cols, quote(q.KeyColumn))
	}
	return strings.Join(cols, ", ")
}

// Statement renders the SELECT for n keys in dialect d.
func (q Query) Statement(d Dialect, n int) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(q.selectList())
	b.WriteString(" FROM ")
	b.WriteString(quote(q.Table))
	b.WriteString(" WHERE ")
	b.WriteString(quote(q.KeyColumn))
	b.WriteString(" IN (")
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i))
	}
	b.WriteString(")")
	if q.Where != "" {
		b.WriteString(" AND (")
		b.WriteString(q.Where)
		b.WriteString(")")
	}
	return b.String()
}

func quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}

// NewContainer builds a container answering key lookups with q. Rows are
// returned as map[string]any keyed by column name.
func NewContainer(db *DB, namespace string, q Query) (*container.Keyed, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("container %q: %w", namespace, err)
	}

	mt := ports.OneToOne
	if q.Many {
		mt = ports.OneToMany
	}

	keyColumn := q.KeyColumn
	if i := strings.LastIndex(keyColumn, "."); i >= 0 {
		keyColumn = keyColumn[i+1:]
	}
	keyOf := func(entity any) (any, error) {
		row, ok := entity.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected row type %T", entity)
		}
		return row[keyColumn], nil
	}

	load := func(ctx context.Context, keys []any) ([]any, error) {
		return db.selectRows(ctx, q, keys)
	}
	return container.NewKeyed(namespace, load, keyOf, container.WithMappingType(mt)), nil
}

// selectRows runs q in chunks of the dialect's parameter limit.
func (db *DB) selectRows(ctx context.Context, q Query, keys []any) ([]any, error) {
	var out []any
	limit := db.Dialect.MaxParams()

	for start := 0; start < len(keys); start += limit {
		chunk := keys[start:min(start+limit, len(keys))]

		rows, err := db.QueryContext(ctx, q.Statement(db.Dialect, len(chunk)), chunk...)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Table, err)
		}
		batch, err := scanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Table, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

type rowScanner interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanRows(rows rowScanner) ([]any, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []any
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
