// Package validation checks command payloads against declarative YAML rules.
//
// A rule file names one command, optionally scoped to one aggregate type, and
// declares its payload fields:
//
//	command: ChargeRenewal
//	aggregate: subscription
//	strictMode: true
//	fields:
//	  amount: decimal!
//	  currency:
//	    type: string!
//	    enum: [EUR, USD]
//
// The engine plugs into the domain registry as the intrinsic validator, so
// failures surface as validation failures with a mitigation hint.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rule is the compiled form of one rule file.
type Rule struct {
	Command     string            `yaml:"command"`
	Aggregate   string            `yaml:"aggregate,omitempty"`
	Description string            `yaml:"description,omitempty"`
	StrictMode  bool              `yaml:"strictMode,omitempty"`
	Fields      map[string]*Field `yaml:"fields"`

	// Source is the file the rule was loaded from, if any.
	Source string `yaml:"-"`
}

// Field declares one payload field.
//
// Fields support two declaration styles:
//
//	Shorthand (scalar): plan: string!
//	Long form (mapping): plan:
//	                        type: string!
//	                        minLength: 1
//
// Type names: string, bool, int32, int64, float, double, decimal.
// Append "!" to mark a field as required.
type Field struct {
	// Type is the internal type tag: "string", "boolean", "number" or "decimal".
	Type string `yaml:"type"`

	// Kind is the numeric precision of number fields: int32, int64, float, double.
	Kind string `yaml:"-"`

	Required bool `yaml:"required,omitempty"`

	Enum []interface{} `yaml:"enum,omitempty"`

	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`

	MinLength *int   `yaml:"minLength,omitempty"`
	MaxLength *int   `yaml:"maxLength,omitempty"`
	Pattern   string `yaml:"pattern,omitempty"`

	compiledPattern *regexp.Regexp
}

// UnmarshalYAML accepts both the shorthand and the long form.
func (f *Field) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return f.parseTypeString(value.Value)
	}

	type fieldAlias Field
	var alias fieldAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	*f = Field(alias)

	if f.Type == "" {
		return fmt.Errorf("field missing 'type'")
	}
	return f.parseTypeString(f.Type)
}

func (f *Field) parseTypeString(s string) error {
	if strings.HasSuffix(s, "!") {
		f.Required = true
		s = strings.TrimSuffix(s, "!")
	}

	switch s {
	case "string":
		f.Type = "string"
	case "bool", "boolean":
		f.Type = "boolean"
	case "int32", "int64", "float", "double":
		f.Type = "number"
		f.Kind = s
	case "number":
		f.Type = "number"
		if f.Kind == "" {
			f.Kind = "double"
		}
	case "decimal":
		f.Type = "decimal"
	default:
		return fmt.Errorf("unsupported type %q (must be: string, bool, int32, int64, float, double, decimal)", s)
	}
	return nil
}

// Validate checks that the rule is well formed and compiles its patterns.
func (r *Rule) Validate() error {
	if r.Command == "" {
		return fmt.Errorf("command is required")
	}
	for name, field := range r.Fields {
		if field == nil {
			return fmt.Errorf("field %q: type cannot be empty", name)
		}
		if err := field.validate(); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

// Key identifies the commands a rule applies to.
func (r *Rule) Key() string { return ruleKey(r.Aggregate, r.Command) }

func ruleKey(aggregate, command string) string {
	if aggregate == "" {
		return command
	}
	return aggregate + "." + command
}

func (f *Field) validate() error {
	switch f.Type {
	case "string":
		return f.validateStringField()
	case "boolean":
		if f.MinLength != nil || f.MaxLength != nil || f.Pattern != "" || f.Min != nil || f.Max != nil || len(f.Enum) > 0 {
			return fmt.Errorf("boolean fields do not support constraints")
		}
		return nil
	case "number":
		return f.validateNumberField()
	case "decimal":
		return f.validateDecimalField()
	default:
		return fmt.Errorf("unsupported type %q", f.Type)
	}
}

func (f *Field) validateStringField() error {
	if f.MinLength != nil && *f.MinLength < 0 {
		return fmt.Errorf("minLength cannot be negative")
	}
	if f.MaxLength != nil && *f.MaxLength < 0 {
		return fmt.Errorf("maxLength cannot be negative")
	}
	if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
		return fmt.Errorf("minLength (%d) cannot exceed maxLength (%d)", *f.MinLength, *f.MaxLength)
	}
	if f.Min != nil || f.Max != nil {
		return fmt.Errorf("string fields do not support min/max constraints")
	}

	if f.Pattern != "" {
		if len(f.Pattern) > 1000 {
			return fmt.Errorf("pattern too long (max 1000 chars)")
		}
		compiled, err := regexp.Compile(f.Pattern)
		if err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
		f.compiledPattern = compiled
	}

	for i, val := range f.Enum {
		if _, ok := val.(string); !ok {
			return fmt.Errorf("enum[%d]: expected string, got %T", i, val)
		}
	}
	return nil
}

func (f *Field) validateNumberField() error {
	switch f.Kind {
	case "int32", "int64", "float", "double":
	default:
		return fmt.Errorf("invalid number kind %q (must be: int32, int64, float, double)", f.Kind)
	}
	if err := f.validateBounds(); err != nil {
		return err
	}
	for i, val := range f.Enum {
		if _, ok := toFloat(val); !ok {
			return fmt.Errorf("enum[%d]: expected number, got %T", i, val)
		}
	}
	return nil
}

func (f *Field) validateDecimalField() error {
	if err := f.validateBounds(); err != nil {
		return err
	}
	if len(f.Enum) > 0 {
		return fmt.Errorf("decimal fields do not support enum constraints")
	}
	return nil
}

func (f *Field) validateBounds() error {
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return fmt.Errorf("min (%v) cannot exceed max (%v)", *f.Min, *f.Max)
	}
	if f.MinLength != nil || f.MaxLength != nil || f.Pattern != "" {
		return fmt.Errorf("%s fields do not support length or pattern constraints", f.Type)
	}
	return nil
}

// String describes the field type, e.g. "number (int32) required".
func (f *Field) String() string {
	parts := []string{f.Type}
	if f.Kind != "" {
		parts = append(parts, fmt.Sprintf("(%s)", f.Kind))
	}
	if f.Required {
		parts = append(parts, "required")
	}
	if len(f.Enum) > 0 {
		parts = append(parts, fmt.Sprintf("enum[%d]", len(f.Enum)))
	}
	return strings.Join(parts, " ")
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func decimalFromFloat(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	}
	return decimal.Decimal{}, false
}
