// Package param describes typed command-line parameters that render
// themselves into command fragments.
package param

// Kind selects how a parameter value is serialized.
type Kind string

const (
	KindValue    Kind = "value"
	KindFilename Kind = "filename"
	KindString   Kind = "string"
	KindSwitch   Kind = "switch"
	KindBoolean  Kind = "boolean"
	KindVector   Kind = "vector"
	KindList     Kind = "list"
	KindMetric   Kind = "metric"
)

// Fields available inside a parameter fragment template.
const (
	FieldValue  = "_value"
	FieldName   = "_name"
	FieldList   = "_list"
	FieldSwitch = "_switch"
)

// Parameter is a named descriptor for one piece of a command line.
//
// Key is the placeholder used in the command template; Name is the flag name
// exposed to the fragment template as {_name}. A nil Default means the
// parameter is omitted when no value is supplied.
type Parameter struct {
	Key       string
	Name      string
	Kind      Kind
	Default   any
	Template  string
	Delimiter string
	Switch    string // metric flag, e.g. "-t"
	Size      int    // vector length; 0 accepts any length
	Required  bool
}

// Value returns a scalar parameter rendered as its bare value.
func Value(key string, def any) Parameter {
	return Parameter{Key: key, Name: key, Kind: KindValue, Default: def}
}

// Filename returns a path-valued parameter. No existence check is performed.
func Filename(key string) Parameter {
	return Parameter{Key: key, Name: key, Kind: KindFilename}
}

// String returns a parameter rendered through an explicit fragment template,
// e.g. "-type {_value}".
func String(key string, def any, tmpl string) Parameter {
	return Parameter{Key: key, Name: key, Kind: KindString, Default: def, Template: tmpl}
}

// Switch returns a flag emitted only when its value is true.
func Switch(name string, def any) Parameter {
	return Parameter{Key: name, Name: name, Kind: KindSwitch, Default: def, Template: "--{_name}"}
}

// Boolean returns a parameter that renders true/false explicitly.
func Boolean(name string, def any) Parameter {
	return Parameter{Key: name, Name: name, Kind: KindBoolean, Default: def, Template: "--{_name} {_value}"}
}

// Vector returns a fixed-size sequence joined with "x".
func Vector(name string, def any) Parameter {
	return Parameter{Key: name, Name: name, Kind: KindVector, Default: def, Delimiter: "x"}
}

// List returns a variable-length sequence joined with spaces.
func List(key string) Parameter {
	return Parameter{Key: key, Name: key, Kind: KindList, Delimiter: " "}
}

// Metric returns an ANTS-style "SWITCH NAME[v1,v2]" parameter.
func Metric(key, sw string, def any) Parameter {
	return Parameter{Key: key, Name: key, Kind: KindMetric, Default: def, Switch: sw, Delimiter: ","}
}

// WithName sets the flag name exposed as {_name}.
func (p Parameter) WithName(name string) Parameter {
	p.Name = name
	return p
}

// WithTemplate sets the fragment template.
func (p Parameter) WithTemplate(tmpl string) Parameter {
	p.Template = tmpl
	return p
}

// WithDefault sets the default value.
func (p Parameter) WithDefault(def any) Parameter {
	p.Default = def
	return p
}

// WithDelimiter sets the element delimiter for vector, list and metric kinds.
func (p Parameter) WithDelimiter(d string) Parameter {
	p.Delimiter = d
	return p
}

// WithSize fixes the element count of a vector.
func (p Parameter) WithSize(n int) Parameter {
	p.Size = n
	return p
}

// Require marks the parameter as mandatory at render time.
func (p Parameter) Require() Parameter {
	p.Required = true
	return p
}

// template returns the fragment template, falling back to the kind default.
func (p Parameter) template() string {
	if p.Template != "" {
		return p.Template
	}
	switch p.Kind {
	case KindSwitch:
		return "--{_name}"
	case KindBoolean:
		return "{_value}"
	case KindVector, KindList:
		return "{_list}"
	case KindMetric:
		return "{_switch} {_value}"
	default:
		return "{_value}"
	}
}

func (p Parameter) delimiter() string {
	if p.Delimiter != "" {
		return p.Delimiter
	}
	switch p.Kind {
	case KindVector:
		return "x"
	case KindMetric:
		return ","
	default:
		return " "
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindValue, KindFilename, KindString, KindSwitch, KindBoolean, KindVector, KindList, KindMetric:
		return true
	}
	return false
}
