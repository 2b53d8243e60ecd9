// Package sqldb provides SQL-backed containers for sqlite3 and postgres.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the syntax differences between the supported drivers.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// Placeholder returns the bind parameter for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// MaxParams is the number of bind parameters used per statement.
func (d Dialect) MaxParams() int {
	if d == Postgres {
		return 5000
	}
	// SQLITE_MAX_VARIABLE_NUMBER is 999 on older builds
	return 900
}

// ParseDialect maps a driver name to its dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// DB wraps a database connection with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// New wraps an existing connection.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// Open connects to dsn with the named driver. SQLite connections get WAL
// mode and a busy timeout unless the DSN already carries parameters.
func Open(driver, dsn string) (*DB, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	if dialect == Postgres {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return New(db, Postgres), nil
	}

	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	return New(db, SQLite), nil
}

// Migrate applies the *.sql files of fsys in name order, skipping those
// already recorded in schema_migrations.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if !entry.IsDir() && path.Ext(entry.Name()) == ".sql" {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)

	record := "INSERT INTO schema_migrations (version) VALUES (" + db.Dialect.Placeholder(1) + ")"
	for _, name := range migrations {
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, record, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}

	return nil
}
