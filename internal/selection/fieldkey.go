package selection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidArgument is returned when an argument value cannot be rendered
// into a field key.
var ErrInvalidArgument = errors.New("selection: invalid argument value")

// InputMarshaler is implemented by input object values. MarshalInput
// flattens the value into a mapping that is sorted and serialized like any
// other map argument.
type InputMarshaler interface {
	MarshalInput() map[string]any
}

// FieldKey returns the name a field's value is stored under inside its
// owning record.
//
// Without arguments it is the schema name (aliases never matter). With
// arguments it is name + "(" + canonical JSON of the resolved arguments + ")":
// variables are substituted, map keys are sorted at every depth and list
// order is preserved, so {b:2,a:1} and {a:1,b:2} yield the same key.
func FieldKey(field *Field, variables map[string]any) (string, error) {
	if len(field.Arguments) == 0 {
		return field.Name, nil
	}
	args := make(map[string]any, len(field.Arguments))
	for _, arg := range field.Arguments {
		v, err := resolveArgument(arg.Value, variables)
		if err != nil {
			return "", fmt.Errorf("field %s argument %s: %w", field.Name, arg.Name, err)
		}
		args[arg.Name] = v
	}
	var buf bytes.Buffer
	buf.WriteString(field.Name)
	buf.WriteByte('(')
	if err := canonicalize(&buf, args); err != nil {
		return "", fmt.Errorf("field %s: %w", field.Name, err)
	}
	buf.WriteByte(')')
	return buf.String(), nil
}

// ResolveArguments returns the field's argument values with variables
// substituted.
func ResolveArguments(field *Field, variables map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(field.Arguments))
	for _, arg := range field.Arguments {
		v, err := resolveArgument(arg.Value, variables)
		if err != nil {
			return nil, err
		}
		out[arg.Name] = v
	}
	return out, nil
}

func resolveArgument(v any, variables map[string]any) (any, error) {
	switch x := v.(type) {
	case Variable:
		bound, ok := variables[x.Name]
		if !ok {
			return nil, nil
		}
		// Bound values may themselves be input objects or nested structures.
		return resolveArgument(bound, nil)
	case *Variable:
		return resolveArgument(*x, variables)
	case InputMarshaler:
		return resolveArgument(x.MarshalInput(), variables)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			r, err := resolveArgument(item, variables)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			r, err := resolveArgument(item, variables)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// canonicalize writes a deterministic JSON rendering of v. Map keys are
// sorted; list order is significant and kept.
func canonicalize(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := canonicalize(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalize(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return writeScalar(buf, v)
	}
}

func writeScalar(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	// Encode appends a newline.
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
