// Package expr implements the binding and guard expression evaluator of
// spec §4.2 (C2). Guard predicates and bindings are CEL expressions,
// evaluated against a case/work-item context, following the teacher's
// condition.Evaluator (compile cache, "$." -> "output." normalization).
//
// DetectLanguage classifies an expression as a bare literal, a simple
// dotted path, or a general expression, mirroring the three-tier language
// detection in the original engine's expression evaluator (literal /
// simple path / general comparison). Every shape is still compiled and
// run by CEL: a literal is evaluated with an empty activation, a simple
// path the same way as a general expression.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"

	"github.com/knhk/engine/internal/engineerr"
)

// Language classifies the shape of an expression; only LangLiteral changes
// how it is evaluated (against an empty activation).
type Language string

const (
	LangLiteral    Language = "literal"     // e.g. "true", "42", "\"done\""
	LangSimplePath Language = "simple_path" // e.g. "output.status"
	LangGeneral    Language = "general"     // anything with operators, calls, comparisons
)

// DetectLanguage classifies expr the way the original evaluator dispatches
// before falling through to its general-purpose path.
func DetectLanguage(expression string) Language {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return LangLiteral
	}
	if isLiteral(trimmed) {
		return LangLiteral
	}
	if isSimplePath(trimmed) {
		return LangSimplePath
	}
	return LangGeneral
}

func isLiteral(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "null":
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return true
	}
	return false
}

func isSimplePath(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return false
		}
	}
	return !strings.Contains(s, "..") && s[0] != '.' && s[len(s)-1] != '.'
}

// normalize rewrites the convenience "$." binding-reference prefix used in
// spec bindings into the CEL variable name "output" the way the teacher's
// evaluator normalizes expressions before compilation.
func normalize(expression string) string {
	return strings.ReplaceAll(expression, "$.", "output.")
}

// Evaluator compiles and caches CEL programs, keyed by normalized source.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// New builds an Evaluator whose CEL environment declares the case/work-item
// context variables bindings and guards are written against.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("input", cel.DynType),
		cel.Variable("case", cel.DynType),
		cel.Variable("task", cel.DynType),
		cel.Variable("vars", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build cel env: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	norm := normalize(expression)

	e.mu.RLock()
	prog, ok := e.cache[norm]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(norm)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[norm] = prog
	e.mu.Unlock()
	return prog, nil
}

// Context is the variable binding supplied to an expression evaluation.
type Context struct {
	Output map[string]any
	Input  map[string]any
	Case   map[string]any
	Task   map[string]any
	Vars   map[string]any
}

func (c Context) activation() map[string]any {
	return map[string]any{
		"output": c.Output,
		"input":  c.Input,
		"case":   c.Case,
		"task":   c.Task,
		"vars":   c.Vars,
	}
}

// Evaluate runs expression against ctx and returns the raw result value.
func (e *Evaluator) Evaluate(expression string, ctx Context) (ref.Val, error) {
	switch DetectLanguage(expression) {
	case LangLiteral:
		return e.evaluateLiteral(strings.TrimSpace(expression))
	default:
		prog, err := e.compile(expression)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.BindingFailure, expression, err)
		}
		out, _, err := prog.Eval(ctx.activation())
		if err != nil {
			return nil, engineerr.Wrap(engineerr.BindingFailure, expression, err)
		}
		return out, nil
	}
}

func (e *Evaluator) evaluateLiteral(lit string) (ref.Val, error) {
	if l := strings.ToLower(lit); l == "true" || l == "false" || l == "null" {
		lit = l
	}
	prog, err := e.compile(lit)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.BindingFailure, lit, err)
	}
	out, _, err := prog.Eval(map[string]any{})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.BindingFailure, lit, err)
	}
	return out, nil
}

// EvaluateBoolean evaluates expression as a guard predicate. An empty
// expression is vacuously true, and any evaluation failure (unrecognized
// expression, missing binding, ...) also defaults to true rather than being
// propagated, so a malformed guard never blocks an otherwise-enabled join.
func (e *Evaluator) EvaluateBoolean(expression string, ctx Context) bool {
	if strings.TrimSpace(expression) == "" {
		return true
	}
	val, err := e.Evaluate(expression, ctx)
	if err != nil {
		return true
	}
	return coerceToBool(val)
}

// coerceToBool mirrors the original evaluator's permissive truthiness
// rules for guard results: booleans as themselves, numbers non-zero,
// strings non-empty and not "false"/"0", collections non-empty, nil false.
func coerceToBool(val ref.Val) bool {
	if val == nil {
		return false
	}
	switch v := val.Value().(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case uint64:
		return v != 0
	case float64:
		return v != 0
	case string:
		lower := strings.ToLower(strings.TrimSpace(v))
		return lower != "" && lower != "false" && lower != "0"
	case []ref.Val:
		return len(v) > 0
	case map[ref.Val]ref.Val:
		return len(v) > 0
	case nil:
		return false
	default:
		return true
	}
}

// BindingType names the coercion target for a work-item binding (spec §6).
type BindingType string

const (
	BindString  BindingType = "string"
	BindInteger BindingType = "integer"
	BindDouble  BindingType = "double"
	BindBoolean BindingType = "boolean"
	BindDate    BindingType = "date"
)

// CoerceTo converts val to the requested target type. When strict is
// false, mismatched types are coerced on a best-effort basis (the
// original evaluator's behavior); when strict, a type mismatch is a
// BindingFailure (spec §4.2's stricter default: "mismatched comparison or
// binding types fail rather than coerce").
func CoerceTo(val ref.Val, target BindingType, strict bool) (any, error) {
	raw := val.Value()
	switch target {
	case BindString:
		switch v := raw.(type) {
		case string:
			return v, nil
		default:
			if strict {
				return nil, fmt.Errorf("expected string, got %T", raw)
			}
			return fmt.Sprintf("%v", v), nil
		}
	case BindInteger:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case float64:
			if strict && v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got non-integral double %v", v)
			}
			return int64(v), nil
		case string:
			if strict {
				return nil, fmt.Errorf("expected integer, got string %q", v)
			}
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to integer: %w", v, err)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", raw)
		}
	case BindDouble:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case string:
			if strict {
				return nil, fmt.Errorf("expected double, got string %q", v)
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to double: %w", v, err)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected double, got %T", raw)
		}
	case BindBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		default:
			if strict {
				return nil, fmt.Errorf("expected boolean, got %T", raw)
			}
			return coerceToBool(val), nil
		}
	case BindDate:
		switch v := raw.(type) {
		case string:
			return v, nil
		default:
			if strict {
				return nil, fmt.Errorf("expected date string, got %T", raw)
			}
			return fmt.Sprintf("%v", v), nil
		}
	default:
		return nil, fmt.Errorf("unknown binding type %q", target)
	}
}
