// Package expression evaluates condition and namespace expressions with
// expr-lang/expr.
//
// Expressions see the variables passed in the environment map. For
// operations the executor binds the current object as "target", so a
// condition reads like:
//
//	target.Status == "active" && target.UserID != nil
//
// A leading '#' on a variable is accepted and ignored ("#target.paid"), so
// condition strings written for other engines keep working.
package expression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/artpar/assembly/ports"
)

// Evaluator compiles and runs expressions, caching compiled programs.
type Evaluator struct {
	// Compiled program cache
	cache   map[string]*vm.Program
	cacheMu sync.RWMutex

	options []expr.Option
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithFunction makes fn callable as name(...) in every expression.
func WithFunction(name string, fn func(params ...any) (any, error)) Option {
	return func(e *Evaluator) {
		e.options = append(e.options, expr.Function(name, fn))
	}
}

// New creates an evaluator with the built-in helper functions plus any
// functions supplied through options.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		cache: make(map[string]*vm.Program),
		options: []expr.Option{
			expr.Function("lower", func(params ...any) (any, error) {
				if len(params) != 1 {
					return nil, fmt.Errorf("lower requires 1 argument")
				}
				return strings.ToLower(toString(params[0])), nil
			}),
			expr.Function("upper", func(params ...any) (any, error) {
				if len(params) != 1 {
					return nil, fmt.Errorf("upper requires 1 argument")
				}
				return strings.ToUpper(toString(params[0])), nil
			}),
			expr.Function("trim", func(params ...any) (any, error) {
				if len(params) != 1 {
					return nil, fmt.Errorf("trim requires 1 argument")
				}
				return strings.TrimSpace(toString(params[0])), nil
			}),
			expr.Function("coalesce", func(params ...any) (any, error) {
				for _, p := range params {
					if p != nil && p != "" {
						return p, nil
					}
				}
				return nil, nil
			}),
			expr.Function("default", func(params ...any) (any, error) {
				if len(params) != 2 {
					return nil, fmt.Errorf("default requires 2 arguments (value, defaultValue)")
				}
				if params[0] == nil || params[0] == "" {
					return params[1], nil
				}
				return params[0], nil
			}),
			expr.Function("isEmpty", func(params ...any) (any, error) {
				if len(params) != 1 {
					return nil, fmt.Errorf("isEmpty requires 1 argument")
				}
				return isEmpty(params[0]), nil
			}),
		},
	}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ ports.ExpressionEvaluator = (*Evaluator)(nil)

// Execute evaluates expression against env.
func (e *Evaluator) Execute(expression string, env map[string]any) (any, error) {
	program, err := e.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	if env == nil {
		env = map[string]any{}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}
	return result, nil
}

// Compile checks that expression parses. Used to fail fast when loading
// configuration.
func (e *Evaluator) Compile(expression string) error {
	if _, err := e.getOrCompile(expression); err != nil {
		return fmt.Errorf("compile expression %q: %w", expression, err)
	}
	return nil
}

// ClearCache clears the compiled expression cache.
func (e *Evaluator) ClearCache() {
	e.cacheMu.Lock()
	e.cache = make(map[string]*vm.Program)
	e.cacheMu.Unlock()
}

// getOrCompile returns a cached compiled program or compiles a new one.
func (e *Evaluator) getOrCompile(expression string) (*vm.Program, error) {
	e.cacheMu.RLock()
	program, ok := e.cache[expression]
	e.cacheMu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(Normalize(expression), e.options...)
	if err != nil {
		return nil, err
	}

	e.cacheMu.Lock()
	e.cache[expression] = program
	e.cacheMu.Unlock()

	return program, nil
}

// Condition evaluates a boolean predicate. A nil result counts as false.
func Condition(ev ports.ExpressionEvaluator, expression string, env map[string]any) (bool, error) {
	result, err := ev.Execute(expression, env)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("condition %q returned %T, want bool", expression, result)
	}
}

// Normalize drops the '#' variable marker outside string literals.
func Normalize(expression string) string {
	if !strings.Contains(expression, "#") {
		return expression
	}

	var b strings.Builder
	b.Grow(len(expression))

	var quote rune
	escaped := false
	runes := []rune(expression)
	for i, r := range runes {
		switch {
		case quote != 0:
			if escaped {
				escaped = false
			} else if r == '\\' && quote != '`' {
				escaped = true
			} else if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case r == '#' && i+1 < len(runes) && isIdentStart(runes[i+1]):
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
