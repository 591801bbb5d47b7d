package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a schema-less structured value: null, bool, number, string, list or
// map. It backs Task.Metadata. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    json.Number
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value               { return Value{} }
func BoolValue(b bool) Value     { return Value{kind: KindBool, b: b} }
func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func ListValue(items ...Value) Value {
	return Value{kind: KindList, list: items}
}
func MapValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// NumberValue builds a number from an int or float.
func NumberValue[N int | int64 | float64](n N) Value {
	return Value{kind: KindNumber, n: json.Number(fmt.Sprint(n))}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) Str() (string, bool)    { return v.s, v.kind == KindString }
func (v Value) List() ([]Value, bool)  { return v.list, v.kind == KindList }
func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := v.n.Float64()
	return f, err == nil
}

// Get returns a map entry. It reports false when v is not a map or lacks the key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Keys returns the sorted keys of a map value.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of the map value with key set. A non-map value becomes an empty map first.
func (v Value) With(key string, e Value) Value {
	m := make(map[string]Value, len(v.m)+1)
	if v.kind == KindMap {
		for k, x := range v.m {
			m[k] = x
		}
	}
	m[key] = e
	return MapValue(m)
}

// Without returns a copy of the map value with key removed.
func (v Value) Without(key string) Value {
	if v.kind != KindMap {
		return v
	}
	m := make(map[string]Value, len(v.m))
	for k, x := range v.m {
		if k != key {
			m[k] = x
		}
	}
	return MapValue(m)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return []byte(v.n.String()), nil
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		return json.Marshal(v.m)
	}
	return nil, fmt.Errorf("marshal value: unknown kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Value{}
	case bool:
		return BoolValue(x)
	case json.Number:
		return Value{kind: KindNumber, n: x}
	case string:
		return StringValue(x)
	case []any:
		items := make([]Value, len(x))
		for i, e := range x {
			items[i] = fromAny(e)
		}
		return ListValue(items...)
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			m[k] = fromAny(e)
		}
		return MapValue(m)
	}
	return Value{}
}
