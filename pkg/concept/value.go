package concept

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ValueType is the type of the value held by an attribute.
type ValueType int

const (
	ValueTypeUnspecified ValueType = iota
	ValueTypeBoolean
	ValueTypeLong
	ValueTypeDouble
	ValueTypeString
	ValueTypeDateTime
)

var ErrInvalidValue = errors.New("invalid attribute value")

func (v ValueType) String() string {
	switch v {
	case ValueTypeBoolean:
		return "boolean"
	case ValueTypeLong:
		return "long"
	case ValueTypeDouble:
		return "double"
	case ValueTypeString:
		return "string"
	case ValueTypeDateTime:
		return "datetime"
	default:
		return "unspecified"
	}
}

// ParseValueType converts the textual representation of a value type (as used in
// documents and on disk) into a ValueType.
func ParseValueType(s string) (ValueType, error) {
	switch strings.ToLower(s) {
	case "boolean", "bool":
		return ValueTypeBoolean, nil
	case "long", "int", "integer":
		return ValueTypeLong, nil
	case "double", "float":
		return ValueTypeDouble, nil
	case "string":
		return ValueTypeString, nil
	case "datetime":
		return ValueTypeDateTime, nil
	case "":
		return ValueTypeUnspecified, nil
	default:
		return ValueTypeUnspecified, fmt.Errorf("%w: unknown value type '%s'", ErrInvalidValue, s)
	}
}

// Comparable reports whether values of the two value types can be compared with each other.
func (v ValueType) Comparable(other ValueType) bool {
	if v == other {
		return true
	}
	numeric := func(t ValueType) bool { return t == ValueTypeLong || t == ValueTypeDouble }
	return numeric(v) && numeric(other)
}

// ValueTypeOf returns the value type of a Go value. Integers of any width are longs and
// floats of any width are doubles.
func ValueTypeOf(value any) (ValueType, error) {
	switch value.(type) {
	case bool:
		return ValueTypeBoolean, nil
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return ValueTypeLong, nil
	case float32, float64:
		return ValueTypeDouble, nil
	case string:
		return ValueTypeString, nil
	case time.Time:
		return ValueTypeDateTime, nil
	default:
		return ValueTypeUnspecified, fmt.Errorf("%w: unsupported value %v (%T)", ErrInvalidValue, value, value)
	}
}

// Normalize converts a Go value into the canonical representation of the given value type:
// bool, int64, float64, string or time.Time (UTC).
func Normalize(vt ValueType, value any) (any, error) {
	switch vt {
	case ValueTypeBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case ValueTypeLong:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int8:
			return int64(v), nil
		case int16:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint8:
			return int64(v), nil
		case uint16:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case float64:
			if v == math.Trunc(v) {
				return int64(v), nil
			}
		}
	case ValueTypeDouble:
		switch v := value.(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		default:
			if l, err := Normalize(ValueTypeLong, value); err == nil {
				return float64(l.(int64)), nil
			}
		}
	case ValueTypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case ValueTypeDateTime:
		switch v := value.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err == nil {
				return t.UTC(), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %v (%T) is not a %s", ErrInvalidValue, value, value, vt)
}

// EncodeValue returns a stable textual key for a normalized value. Two values of the same
// value type encode to the same key iff they are equal.
func EncodeValue(vt ValueType, value any) (string, error) {
	v, err := Normalize(vt, value)
	if err != nil {
		return "", err
	}
	switch vt {
	case ValueTypeBoolean:
		return strconv.FormatBool(v.(bool)), nil
	case ValueTypeLong:
		return strconv.FormatInt(v.(int64), 10), nil
	case ValueTypeDouble:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64), nil
	case ValueTypeString:
		return v.(string), nil
	case ValueTypeDateTime:
		return v.(time.Time).Format(time.RFC3339Nano), nil
	default:
		return "", fmt.Errorf("%w: cannot encode value of type %s", ErrInvalidValue, vt)
	}
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(vt ValueType, encoded string) (any, error) {
	switch vt {
	case ValueTypeBoolean:
		return strconv.ParseBool(encoded)
	case ValueTypeLong:
		return strconv.ParseInt(encoded, 10, 64)
	case ValueTypeDouble:
		return strconv.ParseFloat(encoded, 64)
	case ValueTypeString:
		return encoded, nil
	case ValueTypeDateTime:
		t, err := time.Parse(time.RFC3339Nano, encoded)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	default:
		return nil, fmt.Errorf("%w: cannot decode value of type %s", ErrInvalidValue, vt)
	}
}

// Compare compares two attribute values. The boolean result is false when the values are
// not comparable (e.g. a string and a long).
func Compare(a, b any) (int, bool) {
	at, err := ValueTypeOf(a)
	if err != nil {
		return 0, false
	}
	bt, err := ValueTypeOf(b)
	if err != nil || !at.Comparable(bt) {
		return 0, false
	}

	switch at {
	case ValueTypeBoolean:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case ValueTypeLong, ValueTypeDouble:
		if at == ValueTypeLong && bt == ValueTypeLong {
			x, _ := Normalize(ValueTypeLong, a)
			y, _ := Normalize(ValueTypeLong, b)
			return cmpOrdered(x.(int64), y.(int64)), true
		}
		x, _ := Normalize(ValueTypeDouble, a)
		y, _ := Normalize(ValueTypeDouble, b)
		return cmpOrdered(x.(float64), y.(float64)), true
	case ValueTypeString:
		return strings.Compare(a.(string), b.(string)), true
	case ValueTypeDateTime:
		return a.(time.Time).Compare(b.(time.Time)), true
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
