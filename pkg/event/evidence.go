package event

import (
	"fmt"
	"sort"
	"strconv"
)

// Evidence is a structured, JSON-serializable key/value bag attached to
// detection results and threats. Values are restricted to strings, numbers,
// booleans, string lists, and nested maps so that audit records stay typed
// end to end.
type Evidence map[string]Value

// ValueKind discriminates the Value union.
type ValueKind uint8

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueBool
	ValueList
	ValueMap
)

// Value is one evidence value. Exactly one field is meaningful per Kind.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []string
	Map  Evidence
}

// String wraps a string evidence value.
func String(s string) Value { return Value{Kind: ValueString, Str: s} }

// Int wraps an integer evidence value.
func Int(n int) Value { return Value{Kind: ValueNumber, Num: float64(n)} }

// Float wraps a float evidence value.
func Float(f float64) Value { return Value{Kind: ValueNumber, Num: f} }

// Bool wraps a boolean evidence value.
func Bool(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// Strings wraps a string-list evidence value.
func Strings(ss []string) Value { return Value{Kind: ValueList, List: ss} }

// Nested wraps a nested evidence map.
func Nested(m Evidence) Value { return Value{Kind: ValueMap, Map: m} }

// MarshalJSON emits the underlying value without the union wrapper.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueString:
		return strconv.AppendQuote(nil, v.Str), nil
	case ValueNumber:
		return strconv.AppendFloat(nil, v.Num, 'g', -1, 64), nil
	case ValueBool:
		return strconv.AppendBool(nil, v.Bool), nil
	case ValueList:
		out := []byte{'['}
		for i, s := range v.List {
			if i > 0 {
				out = append(out, ',')
			}
			out = strconv.AppendQuote(out, s)
		}
		return append(out, ']'), nil
	case ValueMap:
		out := []byte{'{'}
		for i, k := range v.Map.SortedKeys() {
			if i > 0 {
				out = append(out, ',')
			}
			out = strconv.AppendQuote(out, k)
			out = append(out, ':')
			inner, err := v.Map[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
		}
		return append(out, '}'), nil
	}
	return nil, fmt.Errorf("evidence: unknown value kind %d", v.Kind)
}

// SortedKeys returns the evidence keys in deterministic order.
func (e Evidence) SortedKeys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge copies all entries from other into e, overwriting on collision.
func (e Evidence) Merge(other Evidence) {
	for k, v := range other {
		e[k] = v
	}
}
