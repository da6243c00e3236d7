// Package value implements the tagged variant values that flow through
// workflow contexts. Every value a step reads or writes is one of a small
// closed set of kinds; monetary amounts and portfolio weights use fixed
// precision decimals rather than floats.
package value

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the concrete type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindDecimal
	KindString
	KindTime
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindDecimal:
		return "decimal"
	case KindString:
		return "string"
	case KindTime:
		return "timestamp"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

const (
	// WeightPrecision is the number of fractional digits kept for
	// allocation weights.
	WeightPrecision int32 = 10

	// CurrencyPrecision is the number of fractional digits kept for
	// monetary amounts.
	CurrencyPrecision int32 = 4
)

// WeightTolerance is the absolute tolerance used when comparing a set of
// weights against a target sum.
var WeightTolerance = decimal.NewFromFloat(1e-6)

// Value is an immutable tagged variant.
type Value struct {
	kind Kind
	b    bool
	i    int64
	d    decimal.Decimal
	s    string
	t    time.Time
	list []Value
	m    Map
}

// Map is a string-keyed collection of values. A step's delta is a Map.
type Map map[string]Value

// Null returns the null value. Deletions in a context are expressed as
// commits of Null.
func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value     { return Value{kind: KindBool, b: b} }
func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func String(s string) Value { return Value{kind: KindString, s: s} }

func Decimal(d decimal.Decimal) Value { return Value{kind: KindDecimal, d: d} }

// Time truncates to microseconds so values survive storage round-trips.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.UTC().Truncate(time.Microsecond)} }

func List(items ...Value) Value { return Value{kind: KindList, list: items} }

func MapOf(m Map) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)               { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool)               { return v.i, v.kind == KindInt }
func (v Value) String() (string, bool)           { return v.s, v.kind == KindString }
func (v Value) Time() (time.Time, bool)          { return v.t, v.kind == KindTime }
func (v Value) List() ([]Value, bool)            { return v.list, v.kind == KindList }
func (v Value) Map() (Map, bool)                 { return v.m, v.kind == KindMap }
func (v Value) Decimal() (decimal.Decimal, bool) { return v.d, v.kind == KindDecimal }

// Number returns the value as a decimal for either int or decimal kinds.
func (v Value) Number() (decimal.Decimal, bool) {
	switch v.kind {
	case KindInt:
		return decimal.NewFromInt(v.i), true
	case KindDecimal:
		return v.d, true
	default:
		return decimal.Decimal{}, false
	}
}

// Equal reports deep equality. Int and decimal values compare numerically,
// so Int(1) equals Decimal(1.0).
func (v Value) Equal(other Value) bool {
	vn, vok := v.Number()
	on, ook := other.Number()
	if vok && ook {
		return vn.Equal(on)
	}

	if v.kind != other.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindTime:
		return v.t.Equal(other.t)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(other.m)
	default:
		return false
	}
}

// Equal reports deep equality between two maps.
func (m Map) Equal(other Map) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy. Values themselves are immutable, so a
// shallow copy is sufficient for snapshot isolation.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge applies a delta on top of m and returns the result. Null values in
// the delta remove the key from the merged view; the delta itself still
// records the null, keeping the commit log append-only.
func (m Map) Merge(delta Map) Map {
	out := m.Clone()
	for k, v := range delta {
		if v.IsNull() {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Keys returns the map's keys in lexicographic order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// timeTag is the wire marker for timestamp values. Tagging keeps the
// string kind round-trip safe: a string that merely looks like a
// timestamp is never promoted on decode.
const timeTag = "$time"

// MarshalJSON encodes the value for storage round-trips: decimals as
// numbers, timestamps as a tagged {"$time": ...} object.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.wire())
}

// wire is the tagged encoding used by MarshalJSON. It differs from
// ToInterface only for timestamps, recursively.
func (v Value) wire() interface{} {
	switch v.kind {
	case KindTime:
		return map[string]string{timeTag: v.t.Format(time.RFC3339Nano)}
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.wire()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.wire()
		}
		return out
	default:
		return v.ToInterface()
	}
}

// UnmarshalJSON decodes JSON into a Value. Numbers with no fractional
// part become ints, all others decimals; {"$time": ...} objects become
// timestamps.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ToInterface converts the value to plain Go types suitable for JSON or
// YAML encoding.
func (v Value) ToInterface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindDecimal:
		return json.Number(v.d.String())
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToInterface()
		}
		return out
	case KindMap:
		return v.m.ToInterface()
	default:
		return nil
	}
}

// ToInterface converts the map to a plain map[string]interface{}.
func (m Map) ToInterface() map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.ToInterface()
	}
	return out
}

// FromInterface converts decoded JSON or YAML into a Value. Strings stay
// strings; timestamps arrive only as time.Time or the tagged wire form,
// never by sniffing string contents. Unsupported types (channels, funcs,
// arbitrary structs) are rejected: the context carries no opaque blobs.
func FromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		d := decimal.NewFromFloat(t)
		if d.IsInteger() {
			return Int(d.IntPart()), nil
		}
		return Decimal(d), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Decimal(d), nil
	case decimal.Decimal:
		return Decimal(t), nil
	case time.Time:
		return Time(t), nil
	case string:
		return String(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]interface{}:
		if tagged, ok := t[timeTag]; ok && len(t) == 1 {
			if s, ok := tagged.(string); ok {
				ts, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return Value{}, fmt.Errorf("invalid %s value %q: %w", timeTag, s, err)
				}
				return Time(ts), nil
			}
		}
		m := make(Map, len(t))
		for k, item := range t {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return MapOf(m), nil
	case map[interface{}]interface{}:
		// yaml.v2 style maps; yaml.v3 produces map[string]interface{}
		m := make(Map, len(t))
		for k, item := range t {
			key, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("non-string map key %v", k)
			}
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			m[key] = v
		}
		return MapOf(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// MapFromInterface converts a decoded JSON object into a Map.
func MapFromInterface(raw map[string]interface{}) (Map, error) {
	v, err := FromInterface(raw)
	if err != nil {
		return nil, err
	}
	m, _ := v.Map()
	return m, nil
}

// Render returns a human readable representation used in logs and CLI
// output.
func (v Value) Render() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindDecimal:
		return v.d.String()
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("<%s>", v.kind)
		}
		return string(b)
	}
}

// SumWithinTolerance reports whether the numeric values sum to target
// within WeightTolerance. Non-numeric values make the check fail.
func SumWithinTolerance(values []Value, target decimal.Decimal) bool {
	sum := decimal.Zero
	for _, v := range values {
		n, ok := v.Number()
		if !ok {
			return false
		}
		sum = sum.Add(n)
	}
	return sum.Sub(target).Abs().LessThanOrEqual(WeightTolerance)
}
