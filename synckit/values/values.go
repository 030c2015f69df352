// Package values classifies and compares the dynamically typed field values
// found in record maps decoded from storage or the network.
package values

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Kind is the runtime kind of a field value.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Time
	List
	Map
	Other
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "boolean"
	case Number:
		return "number"
	case String:
		return "string"
	case Time:
		return "timestamp"
	case List:
		return "list"
	case Map:
		return "map"
	default:
		return "other"
	}
}

// KindOf classifies v.
func KindOf(v any) Kind {
	switch t := v.(type) {
	case nil:
		return Null
	case bool:
		return Bool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return Number
	case string:
		return String
	case time.Time:
		return Time
	case *time.Time:
		if t == nil {
			return Null
		}
		return Time
	case []any:
		return List
	case map[string]any:
		return Map
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null
		}
		return Other
	case reflect.Slice:
		if rv.IsNil() {
			return Null
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Other
		}
		return List
	case reflect.Array:
		return List
	case reflect.Map:
		if rv.IsNil() {
			return Null
		}
		if rv.Type().Key().Kind() == reflect.String {
			return Map
		}
	}
	return Other
}

// IsNil reports whether v is nil or a typed nil.
func IsNil(v any) bool {
	return KindOf(v) == Null
}

// AsFloat converts numeric kinds to float64. Strings are not parsed.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ParseFloat is AsFloat that also accepts numeric strings.
func ParseFloat(v any) (float64, bool) {
	if f, ok := AsFloat(v); ok {
		return f, true
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// AsList returns v as a []any when it is any slice or array kind.
func AsList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	if KindOf(v) != List {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// AsMap returns v as a map[string]any when it is a string keyed map.
func AsMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if KindOf(v) != Map {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// timeLayouts are tried in order when parsing string instants.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// AsTime parses v as an instant: a native time, an ISO-8601 string or an
// integer number of epoch milliseconds, in that order of preference.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	}
	f, ok := AsFloat(v)
	if !ok || f != math.Trunc(f) {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(f)).UTC(), true
}

// Equal is deep equality over record values: numbers compare by value, times
// by instant, lists element-wise and maps by key set and value.
func Equal(a, b any) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return false
	}
	switch ka {
	case Null:
		return true
	case Bool:
		return a.(bool) == b.(bool)
	case Number:
		fa, _ := AsFloat(a)
		fb, _ := AsFloat(b)
		return fa == fb
	case String:
		return a.(string) == b.(string)
	case Time:
		ta, _ := AsTime(a)
		tb, _ := AsTime(b)
		return ta.Equal(tb)
	case List:
		la, _ := AsList(a)
		lb, _ := AsList(b)
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !Equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	case Map:
		ma, _ := AsMap(a)
		mb, _ := AsMap(b)
		if len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !Equal(va, vb) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// Contains reports whether list holds an element equal to v.
func Contains(list []any, v any) bool {
	for _, e := range list {
		if Equal(e, v) {
			return true
		}
	}
	return false
}

// Copy deep-copies lists and maps; scalars are returned as is.
func Copy(v any) any {
	switch KindOf(v) {
	case List:
		l, _ := AsList(v)
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = Copy(e)
		}
		return out
	case Map:
		m, _ := AsMap(v)
		return CopyMap(m)
	default:
		return v
	}
}

// CopyMap deep-copies a record. A nil map copies to an empty map.
func CopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Copy(v)
	}
	return out
}
