package param

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/valyala/fasttemplate"

	"github.com/morales-gregorio/poSSum3/pkg/model"
)

const (
	startTag = "{"
	endTag   = "}"

	// Stand-ins for escaped braces while fasttemplate scans for tags.
	openLiteral  = "\uE000"
	closeLiteral = "\uE001"
)

var unescapeBraces = strings.NewReplacer(openLiteral, startTag, closeLiteral, endTag)

// Expand substitutes every {key} or {key:spec} placeholder in tmpl with the
// matching entry of values, in the order the placeholders appear. The spec
// follows the printf verbs, e.g. {idx:04d} or {ratio:.2f}. A doubled brace,
// {{ or }}, produces a literal brace.
func Expand(tmpl string, values map[string]any) (string, error) {
	out, err := fasttemplate.ExecuteFuncStringWithErr(escapeBraces(tmpl), startTag, endTag, func(w io.Writer, tag string) (int, error) {
		key, spec := splitTag(tag)
		v, ok := values[key]
		if !ok {
			return 0, fmt.Errorf("%w: {%s}", model.ErrUnknownPlaceholder, key)
		}
		s, err := FormatSpec(v, spec)
		if err != nil {
			return 0, fmt.Errorf("{%s}: %w", tag, err)
		}
		return io.WriteString(w, s)
	})
	if err != nil {
		return "", err
	}
	return unescapeBraces.Replace(out), nil
}

// Placeholders returns the placeholder keys of tmpl in order of appearance.
// Repeated keys are reported once. Escaped braces are not placeholders.
func Placeholders(tmpl string) []string {
	var keys []string
	seen := make(map[string]bool)
	fasttemplate.ExecuteFuncString(escapeBraces(tmpl), startTag, endTag, func(w io.Writer, tag string) (int, error) {
		key, _ := splitTag(tag)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
		return 0, nil
	})
	return keys
}

// escapeBraces swaps {{ and }} outside placeholders for stand-ins, so that
// "{{{x}}}" is a literal brace, the placeholder x and a literal brace.
func escapeBraces(tmpl string) string {
	if !strings.Contains(tmpl, "{{") && !strings.Contains(tmpl, "}}") {
		return tmpl
	}
	var b strings.Builder
	b.Grow(len(tmpl))
	inTag := false
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case inTag:
			if c == '}' {
				inTag = false
			}
			b.WriteByte(c)
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteString(openLiteral)
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteString(closeLiteral)
			i++
		default:
			if c == '{' {
				inTag = true
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

func splitTag(tag string) (key, spec string) {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexByte(tag, ':'); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	return tag, ""
}

// FormatSpec renders v using a printf-style spec without the leading '%'.
// An empty spec falls back to FormatScalar.
func FormatSpec(v any, spec string) (string, error) {
	if spec == "" {
		return FormatScalar(v), nil
	}
	verb := spec[len(spec)-1]
	switch verb {
	case 'd', 'x', 'X', 'o', 'b':
		n, ok := toInt(v)
		if !ok {
			return "", fmt.Errorf("format %q needs an integer, got %T", spec, v)
		}
		return fmt.Sprintf("%"+spec, n), nil
	case 'f', 'F', 'e', 'E', 'g', 'G':
		f, ok := toFloat(v)
		if !ok {
			return "", fmt.Errorf("format %q needs a number, got %T", spec, v)
		}
		return fmt.Sprintf("%"+spec, f), nil
	case 's':
		return fmt.Sprintf("%"+spec, FormatScalar(v)), nil
	}
	return "", fmt.Errorf("unsupported format spec %q", spec)
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case uint:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		if x == math.Trunc(x) {
			return int64(x), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if n, ok := toInt(v); ok {
		return float64(n), true
	}
	return 0, false
}
