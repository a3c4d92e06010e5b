package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// dateLayouts are accepted for DATE literals and datetime fact fields. The
// zone-less layouts are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses a date or timestamp string
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a date", s)
}

// StringValue, IntValue, DecimalValue, BoolValue, DateValue, EnumValue and
// ArrayValue build single-slot values
func StringValue(s string) Value { return Value{Type: ValueString, Text: &s} }
func EnumValue(s string) Value   { return Value{Type: ValueEnum, Text: &s} }
func IntValue(n int64) Value     { return Value{Type: ValueInt, Number: &n} }
func LongValue(n int64) Value    { return Value{Type: ValueLong, Number: &n} }
func DecimalValue(f float64) Value {
	return Value{Type: ValueDecimal, Decimal: &f}
}
func BoolValue(b bool) Value { return Value{Type: ValueBoolean, Bool: &b} }
func DateValue(t time.Time) Value {
	t = t.UTC()
	return Value{Type: ValueDate, Date: &t}
}

// ArrayValue marshals elements into the JSON slot of an ARRAY value
func ArrayValue(elems ...any) Value {
	raw, err := json.Marshal(elems)
	if err != nil {
		raw = []byte("[]")
	}
	return Value{Type: ValueArray, JSON: raw}
}

// checkSlot verifies that exactly the slot selected by Type is populated
func (v Value) checkSlot() error {
	if n := v.populated(); n != 1 {
		return fmt.Errorf("value of type %s must populate exactly one slot, found %d", v.Type, n)
	}
	var ok bool
	switch v.Type {
	case ValueString, ValueEnum:
		ok = v.Text != nil
	case ValueInt, ValueLong:
		ok = v.Number != nil
		if ok && v.Type == ValueInt && (*v.Number > math.MaxInt32 || *v.Number < math.MinInt32) {
			return fmt.Errorf("INT value %d overflows 32 bits", *v.Number)
		}
	case ValueDecimal:
		ok = v.Decimal != nil
		if ok && (math.IsNaN(*v.Decimal) || math.IsInf(*v.Decimal, 0)) {
			return fmt.Errorf("DECIMAL value must be finite")
		}
	case ValueDate:
		ok = v.Date != nil
	case ValueBoolean:
		ok = v.Bool != nil
	case ValueArray, ValueJSON:
		ok = len(v.JSON) > 0
		if ok && !json.Valid(v.JSON) {
			return fmt.Errorf("%s value is not valid JSON", v.Type)
		}
	default:
		return fmt.Errorf("unknown value type %q", v.Type)
	}
	if !ok {
		return fmt.Errorf("value of type %s has the wrong slot populated", v.Type)
	}
	return nil
}

// Elements decodes the JSON slot of an ARRAY (or array-shaped JSON) value.
// Numbers decode as float64.
func (v Value) Elements() ([]any, error) {
	if v.Type != ValueArray && v.Type != ValueJSON {
		return nil, fmt.Errorf("value of type %s is not an array", v.Type)
	}
	trimmed := bytes.TrimSpace(v.JSON)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("value of type %s does not hold a JSON array", v.Type)
	}
	var elems []any
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("decode array value: %w", err)
	}
	return elems, nil
}

// Scalar returns the populated scalar as a Go value: string, float64, bool or
// time.Time
func (v Value) Scalar() (any, error) {
	switch v.Type {
	case ValueString, ValueEnum:
		if v.Text != nil {
			return *v.Text, nil
		}
	case ValueInt, ValueLong:
		if v.Number != nil {
			return float64(*v.Number), nil
		}
	case ValueDecimal:
		if v.Decimal != nil {
			return *v.Decimal, nil
		}
	case ValueBoolean:
		if v.Bool != nil {
			return *v.Bool, nil
		}
	case ValueDate:
		if v.Date != nil {
			return v.Date.UTC(), nil
		}
	}
	return nil, fmt.Errorf("value of type %s is not a scalar", v.Type)
}

// CoerceElement converts one decoded array element to the Go type used for
// fields of the given kind
func CoerceElement(kind FieldKind, elem any) (any, error) {
	switch kind {
	case KindString:
		if s, ok := elem.(string); ok {
			return s, nil
		}
	case KindInteger, KindDecimal:
		if f, ok := elem.(float64); ok {
			return f, nil
		}
	case KindBoolean:
		if b, ok := elem.(bool); ok {
			return b, nil
		}
	case KindDateTime:
		if s, ok := elem.(string); ok {
			return ParseDate(s)
		}
	}
	return nil, fmt.Errorf("array element %v (%T) does not match field type %s", elem, elem, kind)
}

// scalarMatchesKind reports whether a scalar value type can be compared with a
// field of the given kind
func scalarMatchesKind(vt ValueType, kind FieldKind) bool {
	switch kind {
	case KindString:
		return vt == ValueString || vt == ValueEnum
	case KindInteger, KindDecimal:
		return vt == ValueInt || vt == ValueLong || vt == ValueDecimal
	case KindBoolean:
		return vt == ValueBoolean
	case KindDateTime:
		return vt == ValueDate
	}
	return false
}
