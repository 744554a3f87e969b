package param

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/morales-gregorio/poSSum3/pkg/model"
)

// MetricValue is the value of a metric parameter, rendered as Name[v1,v2].
type MetricValue struct {
	Name   string
	Values []any
}

// Resolve returns value, or the declared default when value is absent.
func (p Parameter) Resolve(value any) any {
	if !IsNil(value) {
		return value
	}
	return p.Default
}

// Render produces the command-line fragment for value. A nil value falls
// back to the default; with neither, the fragment is empty unless the
// parameter is required.
func (p Parameter) Render(value any) (string, error) {
	v := p.Resolve(value)
	if IsNil(v) {
		if p.Required {
			return "", model.NewConfigError("", p.Key, model.ErrMissingRequired)
		}
		return "", nil
	}

	fields := map[string]any{FieldName: p.Name, FieldSwitch: p.Switch}

	switch p.Kind {
	case KindSwitch:
		on, err := toBool(v)
		if err != nil {
			return "", p.invalid(err)
		}
		if !on {
			return "", nil
		}
		fields[FieldValue] = "true"

	case KindBoolean:
		b, err := toBool(v)
		if err != nil {
			return "", p.invalid(err)
		}
		fields[FieldValue] = strconv.FormatBool(b)

	case KindVector, KindList:
		items, err := ToSlice(v)
		if err != nil {
			return "", p.invalid(err)
		}
		if len(items) == 0 {
			if p.Required {
				return "", model.NewConfigError("", p.Key, model.ErrMissingRequired)
			}
			return "", nil
		}
		if p.Kind == KindVector && p.Size > 0 && len(items) != p.Size {
			return "", p.invalid(fmt.Errorf("vector needs %d elements, got %d", p.Size, len(items)))
		}
		fields[FieldList] = joinScalars(items, p.delimiter())

	case KindMetric:
		m, err := toMetric(v)
		if err != nil {
			return "", p.invalid(err)
		}
		fields[FieldValue] = m.Name + "[" + joinScalars(m.Values, p.delimiter()) + "]"

	default:
		s := FormatScalar(v)
		if s == "" {
			return "", nil
		}
		fields[FieldValue] = s
	}

	out, err := Expand(p.template(), fields)
	if err != nil {
		return "", model.NewConfigError("", p.Key, err)
	}
	return strings.TrimSpace(out), nil
}

func (p Parameter) invalid(err error) error {
	return model.NewConfigError("", p.Key, fmt.Errorf("%w: %v", model.ErrInvalidValue, err))
}

// FormatScalar renders a single value the way it appears on a command line.
func FormatScalar(v any) string {
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
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func joinScalars(items []any, delim string) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, FormatScalar(it))
	}
	return strings.Join(parts, delim)
}

// ToSlice converts any slice or array value to []any. Strings are rejected
// rather than split into characters.
func ToSlice(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case string:
		return nil, fmt.Errorf("expected a sequence, got string %q", x)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a sequence, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	case int:
		return x != 0, nil
	case int64:
		return x != 0, nil
	}
	return false, fmt.Errorf("expected a boolean, got %T", v)
}

func toMetric(v any) (MetricValue, error) {
	switch x := v.(type) {
	case MetricValue:
		return x, nil
	case *MetricValue:
		return *x, nil
	case map[string]any:
		name, _ := x["name"].(string)
		if name == "" {
			return MetricValue{}, fmt.Errorf("metric needs a name")
		}
		vals, err := ToSlice(x["values"])
		if x["values"] != nil && err != nil {
			return MetricValue{}, err
		}
		return MetricValue{Name: name, Values: vals}, nil
	}
	items, err := ToSlice(v)
	if err != nil || len(items) != 2 {
		return MetricValue{}, fmt.Errorf("metric must be [name, [values...]], got %v", v)
	}
	name, ok := items[0].(string)
	if !ok {
		return MetricValue{}, fmt.Errorf("metric name must be a string, got %T", items[0])
	}
	vals, err := ToSlice(items[1])
	if err != nil {
		return MetricValue{}, err
	}
	return MetricValue{Name: name, Values: vals}, nil
}

// IsNil reports whether v is nil or a nil pointer, slice or map.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
