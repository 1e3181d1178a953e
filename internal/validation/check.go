package validation

import (
	"fmt"
	"math"
)

// check returns a failure message for value, or "" when it conforms.
func (f *Field) check(value interface{}) string {
	if value == nil {
		if f.Required {
			return "required field cannot be null"
		}
		return ""
	}

	switch f.Type {
	case "string":
		return f.checkString(value)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeMismatch("boolean", value)
		}
		return ""
	case "number":
		return f.checkNumber(value)
	case "decimal":
		return f.checkDecimal(value)
	}
	return fmt.Sprintf("unknown field type: %s", f.Type)
}

func (f *Field) checkString(value interface{}) string {
	str, ok := value.(string)
	if !ok {
		return typeMismatch("string", value)
	}

	if len(f.Enum) > 0 {
		found := false
		for _, allowed := range f.Enum {
			if s, ok := allowed.(string); ok && s == str {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("value %q not in enum %v", str, f.Enum)
		}
	}

	length := len(str)
	if f.MinLength != nil && length < *f.MinLength {
		return fmt.Sprintf("string length %d is less than minimum %d", length, *f.MinLength)
	}
	if f.MaxLength != nil && length > *f.MaxLength {
		return fmt.Sprintf("string length %d exceeds maximum %d", length, *f.MaxLength)
	}
	if f.compiledPattern != nil && !f.compiledPattern.MatchString(str) {
		return fmt.Sprintf("string does not match pattern %q", f.Pattern)
	}
	return ""
}

func (f *Field) checkNumber(value interface{}) string {
	num, ok := toFloat(value)
	if !ok {
		return typeMismatch("number", value)
	}

	switch f.Kind {
	case "int32":
		if num != math.Trunc(num) {
			return "expected integer, got float with fractional part"
		}
		if num < math.MinInt32 || num > math.MaxInt32 {
			return fmt.Sprintf("value %v out of range for int32", num)
		}
	case "int64":
		if num != math.Trunc(num) {
			return "expected integer, got float with fractional part"
		}
		if num < math.MinInt64 || num > math.MaxInt64 {
			return fmt.Sprintf("value %v out of range for int64", num)
		}
	case "float":
		if math.Abs(num) > math.MaxFloat32 {
			return fmt.Sprintf("value %v out of range for float32", num)
		}
	}

	if len(f.Enum) > 0 {
		found := false
		for _, allowed := range f.Enum {
			if n, ok := toFloat(allowed); ok && n == num {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("value %v not in enum %v", num, f.Enum)
		}
	}

	if f.Min != nil && num < *f.Min {
		return fmt.Sprintf("value %v is less than minimum %v", num, *f.Min)
	}
	if f.Max != nil && num > *f.Max {
		return fmt.Sprintf("value %v exceeds maximum %v", num, *f.Max)
	}
	return ""
}

// checkDecimal accepts decimal strings, and JSON numbers for convenience.
func (f *Field) checkDecimal(value interface{}) string {
	d, ok := toDecimal(value)
	if !ok {
		return fmt.Sprintf("expected decimal string, got %s", jsonTypeName(value))
	}
	if f.Min != nil && d.LessThan(decimalFromFloat(*f.Min)) {
		return fmt.Sprintf("value %s is less than minimum %v", d, *f.Min)
	}
	if f.Max != nil && d.GreaterThan(decimalFromFloat(*f.Max)) {
		return fmt.Sprintf("value %s exceeds maximum %v", d, *f.Max)
	}
	return ""
}

func typeMismatch(expected string, value interface{}) string {
	return fmt.Sprintf("expected %s, got %s", expected, jsonTypeName(value))
}

func jsonTypeName(v interface{}) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
