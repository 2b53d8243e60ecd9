package expression_test

import (
	"fmt"
	"testing"

	"github.com/artpar/assembly/core/expression"
)

type order struct {
	Paid   bool
	Status string
	Total  int
}

func TestEvaluator_Execute(t *testing.T) {
	e := expression.New()

	tests := []struct {
		name string
		expr string
		env  map[string]any
		want any
	}{
		{"struct field", "target.Paid == true", map[string]any{"target": &order{Paid: true}}, true},
		{"hash marker", "#target.Paid == true", map[string]any{"target": &order{}}, false},
		{"map target", "target.total > 10", map[string]any{"target": map[string]any{"total": 11}}, true},
		{"arithmetic", "target.Total * 2", map[string]any{"target": order{Total: 4}}, 8},
		{"custom lower", `lower(target.Status)`, map[string]any{"target": order{Status: "NEW"}}, "new"},
		{"coalesce", `coalesce(nil, "", "x")`, nil, "x"},
		{"default", `default("", "fallback")`, nil, "fallback"},
		{"isEmpty", `isEmpty(target.Status)`, map[string]any{"target": order{}}, true},
		{"hash in string kept", `"#a" + "b"`, nil, "#ab"},
		{"variables", "vars.limit > 3", map[string]any{"vars": map[string]any{"limit": 5}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Execute(tt.expr, tt.env)
			if err != nil {
				t.Fatalf("Execute(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Execute(%q) = %#v, want %#v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluator_CompileError(t *testing.T) {
	e := expression.New()

	if err := e.Compile("target.Paid =="); err == nil {
		t.Error("Compile() should reject an incomplete expression")
	}
	if _, err := e.Execute("(", nil); err == nil {
		t.Error("Execute() should reject an unbalanced expression")
	}
	if err := e.Compile("#target.Paid"); err != nil {
		t.Errorf("Compile() error = %v", err)
	}
}

func TestEvaluator_WithFunction(t *testing.T) {
	calls := 0
	e := expression.New(expression.WithFunction("double", func(params ...any) (any, error) {
		calls++
		if len(params) != 1 {
			return nil, fmt.Errorf("double requires 1 argument")
		}
		return params[0].(int) * 2, nil
	}))

	got, err := e.Execute("double(21)", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != 42 {
		t.Errorf("double(21) = %v, want 42", got)
	}

	// compiled once, run twice
	if _, err := e.Execute("double(21)", nil); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCondition(t *testing.T) {
	e := expression.New()

	ok, err := expression.Condition(e, "#target.Paid", map[string]any{"target": &order{Paid: true}})
	if err != nil || !ok {
		t.Errorf("Condition() = %v, %v, want true", ok, err)
	}

	ok, err = expression.Condition(e, "nil", nil)
	if err != nil || ok {
		t.Errorf("Condition(nil) = %v, %v, want false", ok, err)
	}

	if _, err := expression.Condition(e, "1 + 1", nil); err == nil {
		t.Error("Condition() should reject non-boolean results")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"#target.a == 1", "target.a == 1"},
		{"a # b", "a # b"},
		{`#x + '#y'`, `x + '#y'`},
		{`"\"#q" + #r`, `"\"#q" + r`},
		{"no markers", "no markers"},
	}

	for _, tt := range tests {
		if got := expression.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
