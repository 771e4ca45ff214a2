package record

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Value is a field value stored inside a Record.
//
// It is one of Null, Bool, Int, Float, String, Reference, List or Object.
// Object only carries structured custom scalar payloads; composite values
// selected with a selection set are always normalized into their own Record
// and stored as a Reference.
type Value interface {
	isValue()
}

type (
	Null   struct{}
	Bool   bool
	Int    int64
	Float  float64
	String string
	List   []Value
	Object map[string]Value
)

// Reference points at another Record by key. It never owns the target.
type Reference struct {
	Key string
}

func (Null) isValue()      {}
func (Bool) isValue()      {}
func (Int) isValue()       {}
func (Float) isValue()     {}
func (String) isValue()    {}
func (List) isValue()      {}
func (Object) isValue()    {}
func (Reference) isValue() {}

func (r Reference) String() string { return "Ref(" + r.Key + ")" }

// FromAny converts a decoded JSON-like value into a Value.
// Maps become Object; callers that normalize must intercept composite values
// before reaching here.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(x), nil
	case int8:
		return Int(x), nil
	case int16:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case uint:
		return Int(x), nil
	case uint8:
		return Int(x), nil
	case uint16:
		return Int(x), nil
	case uint32:
		return Int(x), nil
	case float32:
		return Float(x), nil
	case float64:
		return Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("record: invalid number %q: %w", x.String(), err)
		}
		return Float(f), nil
	case string:
		return String(x), nil
	case []any:
		out := make(List, len(x))
		for i, item := range x {
			iv, err := FromAny(item)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	case map[string]any:
		out := make(Object, len(x))
		for k, item := range x {
			iv, err := FromAny(item)
			if err != nil {
				return nil, err
			}
			out[k] = iv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("record: unsupported value type %T", v)
	}
}

// ToAny converts a Value back into plain Go values: nil, bool, int, float64,
// string, []any and map[string]any. A Reference is returned as is.
func ToAny(v Value) any {
	switch x := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(x)
	case Int:
		return int(x)
	case Float:
		return float64(x)
	case String:
		return string(x)
	case Reference:
		return x
	case List:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = ToAny(item)
		}
		return out
	case Object:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = ToAny(item)
		}
		return out
	default:
		panic(fmt.Sprintf("record: unknown value %T", v))
	}
}

// Equal reports whether a and b are structurally equal.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	return reflect.DeepEqual(a, b)
}

// References returns the keys of every Reference reachable from v.
func References(v Value) []string {
	var out []string
	var walk func(Value)
	walk = func(v Value) {
		switch x := v.(type) {
		case Reference:
			out = append(out, x.Key)
		case List:
			for _, item := range x {
				walk(item)
			}
		}
	}
	walk(v)
	return out
}

func sizeOf(v Value) int {
	switch x := v.(type) {
	case nil, Null:
		return 4
	case Bool:
		return 1
	case Int, Float:
		return 8
	case String:
		return len(x)
	case Reference:
		return len(x.Key) + 8
	case List:
		n := 8
		for _, item := range x {
			n += sizeOf(item)
		}
		return n
	case Object:
		n := 8
		for k, item := range x {
			n += len(k) + sizeOf(item)
		}
		return n
	default:
		return 0
	}
}

// KeySet is a set of cache keys.
type KeySet map[string]struct{}

// NewKeySet returns a set holding keys.
func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Add(keys ...string) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

func (s KeySet) AddAll(other KeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Intersects reports whether s and other share at least one key.
func (s KeySet) Intersects(other KeySet) bool {
	a, b := s, other
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// Sorted returns the keys in lexical order.
func (s KeySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
