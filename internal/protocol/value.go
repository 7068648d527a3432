package protocol

import "encoding/json"

// Kind identifies the shape of a decoded wire value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindDict
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Value is one node of the textual array encoding used on the wire.
// The zero Value is nil.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	dict []Entry
	data []byte
}

// Entry is one key/value pair of a dict. Dicts keep insertion order.
type Entry struct {
	Key   string
	Value Value
}

func Nil() Value { return Value{} }

func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Uint stores v as a 64-bit integer; values above MaxInt64 keep their bits.
func Uint(v uint64) Value { return Value{kind: KindInt, i: int64(v)} }

func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

func String(v string) Value { return Value{kind: KindString, s: v} }

func List(items ...Value) Value {
	out := make([]Value, len(items))
	copy(out, items)
	return Value{kind: KindList, list: out}
}

func Dict(entries ...Entry) Value {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return Value{kind: KindDict, dict: out}
}

func KV(key string, v Value) Entry { return Entry{Key: key, Value: v} }

func Data(b []byte) Value {
	out := make([]byte, len(b))
	copy(out, b)
	return Value{kind: KindData, data: out}
}

// Strings builds a list of string values.
func Strings(items ...string) Value {
	out := make([]Value, 0, len(items))
	for _, s := range items {
		out = append(out, String(s))
	}
	return Value{kind: KindList, list: out}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNil() bool { return v.kind == KindNil }

// Len reports the number of items of a list, entries of a dict, or bytes of data.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindDict:
		return len(v.dict)
	case KindData:
		return len(v.data)
	case KindString:
		return len(v.s)
	default:
		return 0
	}
}

// Index returns list item i, or nil when out of range or not a list.
func (v Value) Index(i int) Value {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}
	}
	return v.list[i]
}

// Items returns a copy of the list items.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	out := make([]Value, len(v.list))
	copy(out, v.list)
	return out
}

// Entries returns a copy of the dict entries in wire order.
func (v Value) Entries() []Entry {
	if v.kind != KindDict {
		return nil
	}
	out := make([]Entry, len(v.dict))
	copy(out, v.dict)
	return out
}

// Get looks up key in a dict. A repeated key resolves to its last entry.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindDict {
		return Value{}, false
	}
	for i := len(v.dict) - 1; i >= 0; i-- {
		if v.dict[i].Key == key {
			return v.dict[i].Value, true
		}
	}
	return Value{}, false
}

// Has reports whether a dict carries key.
func (v Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(v.dict) != len(o.dict) {
			return false
		}
		for i := range v.dict {
			if v.dict[i].Key != o.dict[i].Key || !v.dict[i].Value.Equal(o.dict[i].Value) {
				return false
			}
		}
		return true
	case KindData:
		if len(v.data) != len(o.data) {
			return false
		}
		for i := range v.data {
			if v.data[i] != o.data[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders v in wire form. Values that cannot be encoded render with
// a placeholder so String stays usable in logs.
func (v Value) String() string {
	out, err := Encode(v)
	if err != nil {
		return "<" + v.kind.String() + ": " + err.Error() + ">"
	}
	return string(out)
}

// Interface converts the value into plain Go data: nil, bool, int64,
// float64, string, []byte, []any and map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindData:
		out := make([]byte, len(v.data))
		copy(out, v.data)
		return out
	case KindList:
		out := make([]any, 0, len(v.list))
		for _, item := range v.list {
			out = append(out, item.Interface())
		}
		return out
	case KindDict:
		out := make(map[string]any, len(v.dict))
		for _, e := range v.dict {
			out[e.Key] = e.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// MarshalYAML lets gopkg.in/yaml.v3 render values as native nodes.
func (v Value) MarshalYAML() (any, error) {
	return v.Interface(), nil
}
