package sqldb_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/assembly/adapters/sqldb"
	"github.com/artpar/assembly/core/container"
	"github.com/artpar/assembly/ports"
)

var schema = fstest.MapFS{
	"001_users.sql": {Data: []byte(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT, deleted INTEGER DEFAULT 0);
		INSERT INTO users (id, name, email) VALUES (1, 'ann', 'ann@example.com'), (2, 'bob', 'bob@example.com');
		INSERT INTO users (id, name, email, deleted) VALUES (3, 'cid', NULL, 1);
	`)},
	"002_items.sql": {Data: []byte(`
		CREATE TABLE order_items (id INTEGER PRIMARY KEY, order_id INTEGER NOT NULL, sku TEXT NOT NULL);
		INSERT INTO order_items (id, order_id, sku) VALUES (10, 1, 'a'), (11, 1, 'b'), (12, 2, 'c');
	`)},
	"README.md": {Data: []byte("not a migration")},
}

func setupTestDB(t *testing.T) *sqldb.DB {
	t.Helper()

	db, err := sqldb.Open("sqlite3", filepath.Join(t.TempDir(), "assembly-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background(), schema))
	return db
}

// -----------------------------------------------------------------------------
// Open / Migrate
// -----------------------------------------------------------------------------

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in   string
		want sqldb.Dialect
		err  bool
	}{
		{"", sqldb.SQLite, false},
		{"sqlite3", sqldb.SQLite, false},
		{"postgres", sqldb.Postgres, false},
		{"PostgreSQL", sqldb.Postgres, false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		got, err := sqldb.ParseDialect(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.Migrate(context.Background(), schema))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 2, n)

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&n))
	assert.Equal(t, 3, n)
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	db := setupTestDB(t)

	bad := fstest.MapFS{"003_bad.sql": {Data: []byte("CREATE TABLE broken (")}}
	err := db.Migrate(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "003_bad.sql")

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = '003_bad'").Scan(&n))
	assert.Equal(t, 0, n)
}

// -----------------------------------------------------------------------------
// Query
// -----------------------------------------------------------------------------

func TestQuery_Statement(t *testing.T) {
	tests := []struct {
		name    string
		q       sqldb.Query
		dialect sqldb.Dialect
		want    string
	}{
		{
			name:    "all columns",
			q:       sqldb.Query{Table: "users", KeyColumn: "id"},
			dialect: sqldb.SQLite,
			want:    `SELECT * FROM "users" WHERE "id" IN (?, ?)`,
		},
		{
			name:    "projection adds key",
			q:       sqldb.Query{Table: "users", KeyColumn: "id", Columns: []string{"name"}},
			dialect: sqldb.Postgres,
			want:    `SELECT "name", "id" FROM "users" WHERE "id" IN ($1, $2)`,
		},
		{
			name:    "schema qualified with filter",
			q:       sqldb.Query{Table: "app.users", KeyColumn: "id", Columns: []string{"id", "name"}, Where: "deleted = 0"},
			dialect: sqldb.Postgres,
			want:    `SELECT "id", "name" FROM "app"."users" WHERE "id" IN ($1, $2) AND (deleted = 0)`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.q.Statement(tt.dialect, 2))
		})
	}
}

func TestQuery_Validate(t *testing.T) {
	tests := []struct {
		name string
		q    sqldb.Query
		ok   bool
	}{
		{"valid", sqldb.Query{Table: "users", KeyColumn: "id", Columns: []string{"name", "*"}}, true},
		{"injected table", sqldb.Query{Table: "users; DROP TABLE users", KeyColumn: "id"}, false},
		{"empty key", sqldb.Query{Table: "users"}, false},
		{"quoted column", sqldb.Query{Table: "users", KeyColumn: "id", Columns: []string{`na"me`}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Container (sqlite)
// -----------------------------------------------------------------------------

func TestContainer_OneToOne(t *testing.T) {
	db := setupTestDB(t)

	c, err := sqldb.NewContainer(db, "user", sqldb.Query{
		Table: "users", KeyColumn: "id", Columns: []string{"name", "email"}, Where: "deleted = 0",
	})
	require.NoError(t, err)
	assert.Equal(t, ports.OneToOne, c.MappingType())

	// keys keep the caller's type even though sqlite returns int64
	got, err := c.Fetch(context.Background(), []any{1, 2, 3, 99})
	require.NoError(t, err)
	require.Len(t, got, 2)

	ann := got[1].(map[string]any)
	assert.Equal(t, "ann", ann["name"])
	assert.Equal(t, "ann@example.com", ann["email"])
	_, ok := got[3]
	assert.False(t, ok, "filtered row must not be returned")
}

func TestContainer_OneToMany(t *testing.T) {
	db := setupTestDB(t)

	c, err := sqldb.NewContainer(db, "items", sqldb.Query{Table: "order_items", KeyColumn: "order_id", Many: true})
	require.NoError(t, err)
	assert.Equal(t, ports.OneToMany, c.MappingType())

	got, err := c.Fetch(context.Background(), []any{"1", "2"})
	require.NoError(t, err)

	assert.Len(t, got["1"], 2)
	assert.Len(t, got["2"], 1)
}

func TestContainer_ChunksLargeKeySets(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.Exec("CREATE TABLE nums (n INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	keys := make([]any, 2000)
	for i := range keys {
		keys[i] = i
		_, err := tx.Exec("INSERT INTO nums (n) VALUES (?)", i)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	c, err := sqldb.NewContainer(db, "nums", sqldb.Query{Table: "nums", KeyColumn: "n"})
	require.NoError(t, err)

	got, err := c.Fetch(context.Background(), keys)
	require.NoError(t, err)
	assert.Len(t, got, 2000)
}

func TestContainer_EmptyKeysSkipQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c, err := sqldb.NewContainer(sqldb.New(db, sqldb.Postgres), "user", sqldb.Query{Table: "users", KeyColumn: "id"})
	require.NoError(t, err)

	got, err := c.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// -----------------------------------------------------------------------------
// Container (postgres dialect via sqlmock)
// -----------------------------------------------------------------------------

func TestContainer_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "name", "id" FROM "users" WHERE "id" IN ($1, $2)`)).
		WithArgs("u1", "u2").
		WillReturnRows(sqlmock.NewRows([]string{"name", "id"}).
			AddRow([]byte("ann"), "u1").
			AddRow([]byte("bob"), "u2"))

	c, err := sqldb.NewContainer(sqldb.New(db, sqldb.Postgres), "user",
		sqldb.Query{Table: "users", KeyColumn: "id", Columns: []string{"name"}})
	require.NoError(t, err)

	got, err := c.Fetch(context.Background(), []any{"u1", "u2"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "ann", "id": "u1"}, got["u1"])
	assert.Equal(t, map[string]any{"name": "bob", "id": "u2"}, got["u2"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContainer_PostgresError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectQuery(`SELECT \* FROM "users"`).WillReturnError(boom)

	c, err := sqldb.NewContainer(sqldb.New(db, sqldb.Postgres), "user", sqldb.Query{Table: "users", KeyColumn: "id"})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), []any{1})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewContainer_RejectsBadIdentifiers(t *testing.T) {
	_, err := sqldb.NewContainer(sqldb.New(&sql.DB{}, sqldb.SQLite), "x", sqldb.Query{Table: "1users", KeyColumn: "id"})
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------
// Provider
// -----------------------------------------------------------------------------

func TestProvider(t *testing.T) {
	db := setupTestDB(t)
	reg := container.NewRegistry()
	require.NoError(t, reg.AddProvider("sql", sqldb.NewProvider(db)))

	ns := `sql("users", "id", ["name"])`
	c, err := reg.Resolve(context.Background(), ns)
	require.NoError(t, err)
	assert.Equal(t, ns, c.Namespace())

	got, err := c.Fetch(context.Background(), []any{2})
	require.NoError(t, err)
	assert.Equal(t, "bob", got[2].(map[string]any)["name"])

	many, err := reg.Resolve(context.Background(), `sqlMany("order_items", "order_id", nil, "sku != 'b'")`)
	require.NoError(t, err)
	assert.Equal(t, ports.OneToMany, many.MappingType())

	items, err := many.Fetch(context.Background(), []any{1})
	require.NoError(t, err)
	assert.Len(t, items[1], 1)
}

func TestProvider_Errors(t *testing.T) {
	p := sqldb.NewProvider(setupTestDB(t))

	c, err := p.Provide(context.Background(), "user")
	assert.NoError(t, err)
	assert.Nil(t, c, "plain namespaces are not handled")

	for _, ns := range []string{
		`sql("users")`,
		`sql(1, "id")`,
		`sql("users", "id", "name")`,
		`sql("users;--", "id")`,
		`sql("users", "id"`,
	} {
		_, err := p.Provide(context.Background(), ns)
		assert.Error(t, err, ns)
	}
}

func TestHandles(t *testing.T) {
	assert.True(t, sqldb.Handles(` sql("users", "id")`))
	assert.True(t, sqldb.Handles(`sqlMany("items", "order_id")`))
	assert.False(t, sqldb.Handles("users"))
}
