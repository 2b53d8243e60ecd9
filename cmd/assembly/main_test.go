package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `
logging:
  level: warn
metrics:
  enabled: true
containers:
  - namespace: user
    kind: constant
    data:
      "1": {name: ann}
      "2": {name: bob}
types:
  - name: order
    assemble:
      - key: userId
        container: user
        props: ["name:userName"]
      - key: userId
        container: missing
        group: extra
        props: [name]
`

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	// flags keep their values between runs
	runOnly, runExcept, runVars = nil, nil, nil
	runPretty, runStrict, runMetrics = false, false, false
	runInput, runOutput = "-", "-"

	var stdout, stderr bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assembly.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_Array(t *testing.T) {
	cfg := writeTestConfig(t, testConfig)

	out, _, err := execute(t, `[{"userId": 1}, {"userId": 2}, {"userId": 3}]`,
		"run", "-c", cfg, "--type", "order", "--only", "default")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var got []map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d objects, want 3", len(got))
	}
	if got[0]["userName"] != "ann" || got[1]["userName"] != "bob" {
		t.Errorf("output = %v", got)
	}
	if _, ok := got[2]["userName"]; ok {
		t.Error("unmatched user should leave the object untouched")
	}
}

func TestRun_SingleObjectFromFile(t *testing.T) {
	cfg := writeTestConfig(t, testConfig)
	input := filepath.Join(t.TempDir(), "in.json")
	if err := os.WriteFile(input, []byte(`{"userId": "2"}`), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	out, stderr, err := execute(t, "", "run", "-c", cfg, "-t", "order", "-i", input, "--except", "extra", "--metrics")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if got["userName"] != "bob" {
		t.Errorf("userName = %v, want bob", got["userName"])
	}
	if !strings.Contains(stderr, "assembly_executions_total") {
		t.Error("metrics were not printed")
	}
}

func TestRun_MissingContainerFails(t *testing.T) {
	cfg := writeTestConfig(t, testConfig)

	_, _, err := execute(t, `[{"userId": 1}]`, "run", "-c", cfg, "--type", "order")
	if err == nil {
		t.Fatal("expected error for missing container")
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("error = %v, want it to name the namespace", err)
	}
}

func TestRun_BadInput(t *testing.T) {
	cfg := writeTestConfig(t, testConfig)

	for _, input := range []string{"", "not json", `[1, 2]`} {
		if _, _, err := execute(t, input, "run", "-c", cfg, "--type", "order"); err == nil {
			t.Errorf("input %q: expected error", input)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := writeTestConfig(t, testConfig)

	out, _, err := execute(t, "", "validate", "-c", cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "order: groups extra > default") {
		t.Errorf("summary missing group order:\n%s", out)
	}
	if !strings.Contains(out, "Configuration is valid") {
		t.Errorf("output = %s", out)
	}
}

func TestValidate_Errors(t *testing.T) {
	if _, _, err := execute(t, "", "validate", "-c", filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	cyclic := writeTestConfig(t, `
types:
  - name: order
    after: {a: [b], b: [a]}
    assemble:
      - {key: x, container: c, group: a}
      - {key: y, container: c, group: b}
`)
	_, _, err := execute(t, "", "validate", "-c", cyclic)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error = %v, want cycle error", err)
	}
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "assembly dev") {
		t.Errorf("output = %q", out)
	}
}
