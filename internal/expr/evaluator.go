// Package expr evaluates $(...) and ${...} JavaScript expressions embedded in
// pipeline definitions.
package expr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// Evaluator evaluates expressions using a JavaScript runtime.
type Evaluator struct {
	lib []string
}

// NewEvaluator creates an evaluator. Each lib entry is JavaScript run
// before every evaluation, e.g. helper function definitions.
func NewEvaluator(lib []string) *Evaluator {
	return &Evaluator{lib: lib}
}

func (e *Evaluator) setupVM(ctx *Context) (*goja.Runtime, error) {
	vm := goja.New()
	for i, lib := range e.lib {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("lib[%d]: %w", i, err)
		}
	}
	if ctx == nil {
		ctx = NewContext(nil)
	}

	bindings := map[string]any{
		"vars":  ctx.Vars,
		"job":   ctx.Job.toMap(),
		"item":  ctx.Item,
		"index": ctx.Index,
		"steps": ctx.Steps,
	}
	for name, v := range bindings {
		if err := vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}

	file := func(call goja.FunctionCall) goja.Value {
		if ctx.File == nil {
			panic(vm.NewGoError(fmt.Errorf("file(): no file registry")))
		}
		name := call.Argument(0).String()
		var vars map[string]any
		if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			if m, ok := arg.Export().(map[string]any); ok {
				vars = m
			}
		}
		p, err := ctx.File(name, vars)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(p)
	}
	if err := vm.Set("file", file); err != nil {
		return nil, fmt.Errorf("set file: %w", err)
	}
	return vm, nil
}

// Evaluate evaluates an expression string. Three forms are supported:
//   - a sole reference such as $(vars.spacing), which keeps its type
//   - interpolation such as "slice_$(index).nii.gz", which yields a string
//   - a code block ${ return vars.n * 2; }
//
// Strings without expressions are returned unchanged, with \$( unescaped.
func (e *Evaluator) Evaluate(expr string, ctx *Context) (any, error) {
	if !IsExpression(expr) {
		return unescape(expr), nil
	}

	vm, err := e.setupVM(ctx)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "${") {
		if idx := matchingBrace(trimmed); idx == len(trimmed)-1 {
			return e.evaluateCodeBlock(vm, trimmed)
		}
	}
	return e.evaluateInterpolated(vm, expr)
}

func (e *Evaluator) evaluateCodeBlock(vm *goja.Runtime, block string) (any, error) {
	code := strings.TrimSpace(block[2 : len(block)-1])
	val, err := vm.RunString("(function() { " + code + " })()")
	if err != nil {
		return nil, fmt.Errorf("javascript error: %w", err)
	}
	return val.Export(), nil
}

func (e *Evaluator) evaluateInterpolated(vm *goja.Runtime, s string) (any, error) {
	matches := findExpressions(s)
	if len(matches) == 0 {
		return unescape(s), nil
	}

	if len(matches) == 1 && matches[0].start == 0 && matches[0].end == len(s) {
		code := matches[0].code
		if strings.HasPrefix(strings.TrimSpace(code), "{") {
			code = "(" + code + ")"
		}
		return run(vm, code)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(unescape(s[last:m.start]))
		v, err := run(vm, m.code)
		if err != nil {
			return nil, err
		}
		b.WriteString(ToString(v))
		last = m.end
	}
	b.WriteString(unescape(s[last:]))
	return b.String(), nil
}

func run(vm *goja.Runtime, code string) (any, error) {
	val, err := vm.RunString(code)
	if err != nil {
		return nil, fmt.Errorf("expression error in $(%s): %w", code, err)
	}
	if goja.IsUndefined(val) {
		return nil, fmt.Errorf("expression $(%s) is undefined", code)
	}
	return val.Export(), nil
}

// EvaluateString evaluates expr and converts the result to a string.
func (e *Evaluator) EvaluateString(expr string, ctx *Context) (string, error) {
	v, err := e.Evaluate(expr, ctx)
	if err != nil {
		return "", err
	}
	return ToString(v), nil
}

// EvaluateBool evaluates expr and requires a boolean (or null) result.
func (e *Evaluator) EvaluateBool(expr string, ctx *Context) (bool, error) {
	v, err := e.Evaluate(expr, ctx)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	}
	return false, fmt.Errorf("expression did not return boolean: %T", v)
}

// EvaluateAny walks maps and slices and evaluates every string leaf.
func (e *Evaluator) EvaluateAny(v any, ctx *Context) (any, error) {
	switch x := v.(type) {
	case string:
		return e.Evaluate(x, ctx)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			r, err := e.EvaluateAny(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			r, err := e.EvaluateAny(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	}
	return v, nil
}

func matchingBrace(s string) int {
	depth := 0
	for i, c := range s {
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

type match struct {
	start, end int
	code       string
}

// findExpressions finds unescaped $(...) spans with balanced parentheses.
func findExpressions(s string) []match {
	var out []match
	for i := 0; i < len(s)-1; i++ {
		if s[i] != '$' || s[i+1] != '(' || (i > 0 && s[i-1] == '\\') {
			continue
		}
		depth := 1
		j := i + 2
		for j < len(s) && depth > 0 {
			switch s[j] {
			case '(':
				depth++
			case ')':
				depth--
			}
			j++
		}
		if depth == 0 {
			out = append(out, match{start: i, end: j, code: s[i+2 : j-1]})
			i = j - 1
		}
	}
	return out
}

// IsExpression reports whether s contains an unescaped $( or starts with ${.
func IsExpression(s string) bool {
	if strings.HasPrefix(strings.TrimSpace(s), "${") {
		return true
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '$' && s[i+1] == '(' && (i == 0 || s[i-1] != '\\') {
			return true
		}
	}
	return false
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, "\\$(", "$(")
	return strings.ReplaceAll(s, "\\${", "${")
}

// ToString converts an evaluated value to text. Integral floats print
// without a decimal point; maps and arrays print as compact JSON.
func ToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any, map[string]any:
		return jsonString(x)
	}
	return fmt.Sprint(v)
}

func jsonString(v any) string {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			kj, _ := json.Marshal(k)
			parts = append(parts, string(kj)+":"+jsonString(x[k]))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = jsonString(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	data, _ := json.Marshal(v)
	return string(data)
}
