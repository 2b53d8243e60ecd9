package bootstrap_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/artpar/assembly/adapters/metrics"
	"github.com/artpar/assembly/bootstrap"
	"github.com/artpar/assembly/config"
	"github.com/artpar/assembly/core/executor"
)

// fakeDynamo answers BatchGetItem for a "products" table keyed by "sku".
type fakeDynamo struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, ka := range in.RequestItems {
		for _, key := range ka.Keys {
			sku, ok := key["sku"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			out.Responses[table] = append(out.Responses[table], map[string]types.AttributeValue{
				"sku":   &types.AttributeValueMemberS{Value: sku.Value},
				"title": &types.AttributeValueMemberS{Value: "Product " + strings.ToUpper(sku.Value)},
			})
		}
	}
	return out, nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// setup writes a migrations directory and a config file using every
// container kind.
func setup(t *testing.T, extra string) (configPath string) {
	t.Helper()
	dir := t.TempDir()

	migrations := filepath.Join(dir, "migrations")
	if err := os.Mkdir(migrations, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, migrations, "001_users.sql", `
CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
INSERT INTO users (id, name) VALUES (1, 'ann'), (2, 'bob');
`)

	return writeFile(t, dir, "assembly.yaml", `
database:
  dsn: "`+filepath.Join(dir, "test.db")+`"
  migrations: "`+migrations+`"
  provider: true
metrics:
  enabled: true
containers:
  - namespace: user
    kind: sql
    cache_ttl: 1m
    breaker: {timeout: 5s}
    sql: {table: users, key: id, columns: [name]}
  - namespace: status
    kind: constant
    data:
      P: {label: paid}
      N: {label: new}
  - namespace: product
    kind: dynamodb
    dynamodb: {table: products, key: sku}
types:
  - name: order
    assemble:
      - key: userId
        container: user
        props: ["name:userName"]
      - key: status
        container: status
        props: ["label:statusLabel"]
      - key: sku
        container: product
        props: ["title"]
`+extra)
}

func newApp(t *testing.T, path string) (*bootstrap.App, *fakeDynamo) {
	t.Helper()
	dyn := &fakeDynamo{}
	var logs bytes.Buffer
	app, err := bootstrap.New(bootstrap.Options{ConfigPath: path, DynamoDB: dyn, LogOutput: &logs})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	t.Cleanup(func() { app.Shutdown() })
	return app, dyn
}

func TestBootstrap_Execute(t *testing.T) {
	app, dyn := newApp(t, setup(t, ""))

	if app.DB == nil {
		t.Fatal("DB should not be nil")
	}
	if app.Metrics == nil || app.MetricsRegistry == nil {
		t.Fatal("metrics should be enabled")
	}

	orders := []any{
		map[string]any{"userId": 1, "status": "P", "sku": "a"},
		map[string]any{"userId": 2, "status": "N", "sku": "b"},
		map[string]any{"userId": 1, "status": "X", "sku": "a"},
	}

	report, err := app.Execute(context.Background(), "order", orders)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.HasIssues() {
		t.Errorf("unexpected issues: %v", report.Err())
	}
	if !strings.HasPrefix(report.ExecutionID, "exec_") {
		t.Errorf("execution id = %s, want exec_ prefix", report.ExecutionID)
	}

	first := orders[0].(map[string]any)
	if first["userName"] != "ann" || first["statusLabel"] != "paid" || first["title"] != "Product A" {
		t.Errorf("first order = %v", first)
	}
	second := orders[1].(map[string]any)
	if second["userName"] != "bob" || second["statusLabel"] != "new" || second["title"] != "Product B" {
		t.Errorf("second order = %v", second)
	}
	if _, ok := orders[2].(map[string]any)["statusLabel"]; ok {
		t.Error("unknown status should leave the target untouched")
	}

	if dyn.calls != 1 {
		t.Errorf("dynamodb calls = %d, want 1", dyn.calls)
	}
	if got := testutil.ToFloat64(app.Metrics.ExecutionsTotal.WithLabelValues("order", "ok")); got != 1 {
		t.Errorf("executions_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(app.Metrics.FetchesTotal.WithLabelValues("user", "ok")); got != 1 {
		t.Errorf("user fetches = %v, want 1", got)
	}

	var buf bytes.Buffer
	if err := metrics.WriteText(&buf, app.MetricsRegistry); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
	if !strings.Contains(buf.String(), "assembly_fetches_total") {
		t.Error("metrics text missing assembly_fetches_total")
	}
}

func TestBootstrap_SQLProvider(t *testing.T) {
	app, _ := newApp(t, setup(t, `
  - name: member
    assemble:
      - key: id
        container: 'sql("users", "id", ["name"])'
        props: [name]
`))

	members := []any{map[string]any{"id": 2}}
	if _, err := app.Execute(context.Background(), "member", members); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := members[0].(map[string]any)["name"]; got != "bob" {
		t.Errorf("name = %v, want bob", got)
	}
}

func TestBootstrap_UnknownType(t *testing.T) {
	app, _ := newApp(t, setup(t, ""))

	_, err := app.Execute(context.Background(), "invoice", []any{map[string]any{}})
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestBootstrap_Reload(t *testing.T) {
	path := setup(t, "")
	app, _ := newApp(t, path)

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	updated := string(content) + `
  - name: customer
    assemble:
      - key: id
        container: user
        props: [name]
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := app.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if got := strings.Join(app.Types(), ","); got != "customer,order" {
		t.Errorf("types = %s, want customer,order", got)
	}
	if got := testutil.ToFloat64(app.Metrics.ConfigReloads); got != 1 {
		t.Errorf("config reloads = %v, want 1", got)
	}

	customers := []any{map[string]any{"id": 1}}
	if _, err := app.Execute(context.Background(), "customer", customers); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := customers[0].(map[string]any)["name"]; got != "ann" {
		t.Errorf("name = %v, want ann", got)
	}
}

func TestBootstrap_ReloadKeepsEngineOnBadConfig(t *testing.T) {
	path := setup(t, "")
	app, _ := newApp(t, path)
	before := app.Executor()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	broken := string(content) + `
  - name: broken
    assemble:
      - key: id
        container: user
        condition: "#target.id =="
        props: [name]
`
	if err := os.WriteFile(path, []byte(broken), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := app.Reload(); err == nil {
		t.Fatal("reload should fail")
	}
	if app.Executor() != before {
		t.Error("executor was replaced by a failed reload")
	}
	if got := testutil.ToFloat64(app.Metrics.ConfigReloadErrors); got != 1 {
		t.Errorf("reload errors = %v, want 1", got)
	}
}

func TestBootstrap_InlineConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
engine:
  policy: unordered
  fetch_errors: continue
containers:
  - namespace: tag
    kind: constant
    mapping_type: many_to_many
    data: {"1": red, "2": blue}
types:
  - name: post
    assemble:
      - key: tagIds
        container: tag
        mapping_type: many_to_many
        props: [":tags"]
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	app, err := bootstrap.New(bootstrap.Options{Config: cfg, LogOutput: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer app.Shutdown()

	if app.DB != nil {
		t.Error("DB should be nil without a dsn")
	}
	if app.Executor().Policy() != executor.Unordered {
		t.Errorf("policy = %s, want unordered", app.Executor().Policy())
	}
	if err := app.Reload(); err == nil {
		t.Error("Reload should fail without a config file")
	}

	posts := []any{map[string]any{"tagIds": "1,2"}}
	if _, err := app.Execute(context.Background(), "post", posts); err != nil {
		t.Fatalf("execute: %v", err)
	}
	tags, ok := posts[0].(map[string]any)["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "red" || tags[1] != "blue" {
		t.Errorf("tags = %#v", posts[0].(map[string]any)["tags"])
	}
}

func TestBootstrap_SQLContainerWithoutDatabase(t *testing.T) {
	cfg := &config.Config{
		Engine:  config.EngineConfig{Policy: "ordered", FetchErrors: "abort", MappingErrors: "collect"},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
		Containers: []config.ContainerConfig{{
			Namespace: "user",
			Kind:      "sql",
			SQL:       &config.SQLContainerConfig{Table: "users", Key: "id"},
		}},
	}

	if _, err := bootstrap.New(bootstrap.Options{Config: cfg, LogOutput: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected error for sql container without database")
	}
}

func TestBootstrap_NoConfig(t *testing.T) {
	if _, err := bootstrap.New(bootstrap.Options{}); err == nil {
		t.Fatal("expected error without configuration")
	}
}

func TestBootstrap_HTTPContainer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Keys []string `json:"keys"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		items := make([]map[string]any, 0, len(req.Keys))
		for _, k := range req.Keys {
			items = append(items, map[string]any{"code": k, "rate": 1.5})
		}
		json.NewEncoder(w).Encode(map[string]any{"items": items})
	}))
	defer srv.Close()

	cfg, err := config.Parse([]byte(`
containers:
  - namespace: rate
    kind: http
    cache_ttl: 1m
    http: {url: "` + srv.URL + `", path: /rates, key: code}
types:
  - name: invoice
    assemble:
      - key: currency
        container: rate
        props: [rate]
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	app, err := bootstrap.New(bootstrap.Options{Config: cfg, LogOutput: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer app.Shutdown()

	invoices := []any{map[string]any{"currency": "EUR"}}
	if _, err := app.Execute(context.Background(), "invoice", invoices); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := invoices[0].(map[string]any)["rate"]; got != 1.5 {
		t.Errorf("rate = %v, want 1.5", got)
	}
}

func TestBootstrap_ManyContainerWithoutMappingType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Keys []string `json:"keys"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		items := []map[string]any{}
		for _, k := range req.Keys {
			if k == "7" {
				items = append(items, map[string]any{"order": k, "sku": "a"}, map[string]any{"order": k, "sku": "b"})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"items": items})
	}))
	defer srv.Close()

	cfg, err := config.Parse([]byte(`
containers:
  - namespace: lines
    kind: http
    http: {url: "` + srv.URL + `", path: /lines, key: order, many: true}
types:
  - name: order
    assemble:
      - key: id
        container: lines
        props: ["sku:skus"]
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	app, err := bootstrap.New(bootstrap.Options{Config: cfg, LogOutput: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer app.Shutdown()

	orders := []any{map[string]any{"id": "7"}, map[string]any{"id": "8"}}
	report, err := app.Execute(context.Background(), "order", orders)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.HasIssues() {
		t.Fatalf("issues: %v", report.Issues())
	}

	got := orders[0].(map[string]any)["skus"]
	if s, ok := got.([]any); !ok || len(s) != 2 || s[0] != "a" || s[1] != "b" {
		t.Errorf("skus = %#v, want [a b]", got)
	}
	if s, ok := orders[1].(map[string]any)["skus"].([]any); !ok || len(s) != 0 {
		t.Errorf("unmatched skus = %#v, want empty list", orders[1].(map[string]any)["skus"])
	}
}
