package expr

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Value is the result of evaluating an expression: nil, bool, float64,
// string, []any, map[string]any or Undefined.
type Value = any

type undefined struct{}

// MarshalJSON encodes Undefined as null.
func (undefined) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String implements fmt.Stringer.
func (undefined) String() string {
	return "undefined"
}

// Undefined is the value of a variable that could not be resolved.
var Undefined Value = undefined{}

// IsUndefined reports whether v is Undefined.
func IsUndefined(v Value) bool {
	_, ok := v.(undefined)
	return ok
}

func isNullish(v Value) bool {
	return v == nil || IsUndefined(v)
}

// Truthy applies JSON-logic truthiness.
func Truthy(v Value) bool {
	switch t := v.(type) {
	case nil, undefined:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// toNumber converts v the way JavaScript's Number() does for the types that
// can appear in a JSON document. Undefined and non-numeric strings fail.
func toNumber(v Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t)
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case nil:
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// looseEqual implements "==": nullish values equal each other, mixed scalar
// types are compared numerically.
func looseEqual(a, b Value) bool {
	if isNullish(a) || isNullish(b) {
		return isNullish(a) && isNullish(b)
	}
	if sameKind(a, b) {
		return reflect.DeepEqual(a, b)
	}
	if isComposite(a) || isComposite(b) {
		return false
	}
	x, okA := toNumber(a)
	y, okB := toNumber(b)
	return okA && okB && x == y
}

// strictEqual implements "===": equal only with the same type and value.
func strictEqual(a, b Value) bool {
	if IsUndefined(a) || IsUndefined(b) {
		return IsUndefined(a) && IsUndefined(b)
	}
	return sameKind(a, b) && reflect.DeepEqual(a, b)
}

func sameKind(a, b Value) bool {
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

func isComposite(v Value) bool {
	switch v.(type) {
	case []any, map[string]any:
		return true
	}
	return false
}

// compare orders two values. Two strings compare lexically, anything else
// numerically. ok is false when the values are not comparable, which makes
// every relational operator false (e.g. a comparison against Undefined).
func compare(a, b Value) (int, bool) {
	if sa, okA := a.(string); okA {
		if sb, okB := b.(string); okB {
			return strings.Compare(sa, sb), true
		}
	}
	x, okA := toNumber(a)
	y, okB := toNumber(b)
	if !okA || !okB {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	}
	return 0, true
}

// toString renders a scalar the way JavaScript's String() would.
func toString(v Value) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	case undefined:
		return "undefined"
	}
	return formatValue(v)
}

// formatValue renders v as compact JSON for traces and explanations.
func formatValue(v Value) string {
	if IsUndefined(v) {
		return "undefined"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return string(b)
}
