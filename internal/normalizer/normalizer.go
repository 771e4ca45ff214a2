// Package normalizer flattens nested GraphQL response data into records.
//
// The walk follows the compiled FieldSets in lock-step with the data. Each
// object value becomes its own record, keyed by the CacheKeyResolver or, when
// the resolver declines, by its structural path from the root record
// ("QUERY_ROOT.user", "QUERY_ROOT.users.0"). The object is replaced by a
// Reference in its parent. Records reached more than once in a pass are
// merged field by field.
package normalizer

import (
	"fmt"
	"strconv"

	"github.com/hanpama/graphcache/internal/record"
	"github.com/hanpama/graphcache/internal/schema"
	"github.com/hanpama/graphcache/internal/selection"
)

// NormalizationError reports response data that does not fit its selection,
// such as null for a non-null field.
type NormalizationError struct {
	Path   string
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: field %q: %s", e.Path, e.Field, e.Reason)
}

type normalizer struct {
	variables map[string]any
	resolver  selection.CacheKeyResolver
	records   map[string]*record.Record
}

// Normalize flattens data, the response object for rootKey, into records
// keyed by cache key. A nil resolver behaves like selection.DefaultResolver.
func Normalize(
	data map[string]any,
	rootKey string,
	fieldSets []selection.FieldSet,
	variables map[string]any,
	resolver selection.CacheKeyResolver,
) (map[string]*record.Record, error) {
	if resolver == nil {
		resolver = selection.DefaultResolver{}
	}
	n := &normalizer{
		variables: variables,
		resolver:  resolver,
		records:   make(map[string]*record.Record),
	}
	if err := n.normalizeObject(rootKey, data, fieldSets); err != nil {
		return nil, err
	}
	return n.records, nil
}

func (n *normalizer) normalizeObject(key string, object map[string]any, fieldSets []selection.FieldSet) error {
	typename, _ := object[selection.TypenameField].(string)
	fs, ok := selection.SelectFieldSet(fieldSets, typename)
	if !ok {
		return &NormalizationError{Path: key, Field: selection.TypenameField, Reason: fmt.Sprintf("no field set for type %q", typename)}
	}

	fields := make(map[string]record.Value, len(fs.Fields))
	for i := range fs.Fields {
		field := &fs.Fields[i]
		if field.ShouldSkip(n.variables) {
			continue
		}
		value, ok := object[field.ResponseName()]
		if !ok {
			// Absent from the response, e.g. deferred; nothing to store.
			continue
		}
		fieldKey, err := selection.FieldKey(field, n.variables)
		if err != nil {
			return err
		}
		v, err := n.normalizeValue(value, field, field.Type, key+"."+fieldKey)
		if err != nil {
			return err
		}
		fields[fieldKey] = v
	}

	rec := record.New(key, fields)
	if existing, ok := n.records[key]; ok {
		rec, _ = existing.MergeWith(rec)
	}
	n.records[key] = rec
	return nil
}

// normalizeValue unwraps one level of the declared type per call.
func (n *normalizer) normalizeValue(value any, field *selection.Field, typ *schema.TypeRef, path string) (record.Value, error) {
	if value == nil {
		if typ.IsNonNull() {
			return nil, &NormalizationError{Path: path, Field: field.ResponseName(), Reason: "null for non-null type " + typ.String()}
		}
		return record.Null{}, nil
	}
	if typ.IsNonNull() {
		typ = typ.OfType
	}

	items, isList := value.([]any)
	if typ.IsList() || (typ == nil && isList && field.IsComposite()) {
		if !isList {
			return nil, &NormalizationError{Path: path, Field: field.ResponseName(), Reason: fmt.Sprintf("expected list, got %T", value)}
		}
		out := make(record.List, len(items))
		for i, item := range items {
			v, err := n.normalizeValue(item, field, typ.Unwrap(), path+"."+strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	if field.IsComposite() {
		object, ok := value.(map[string]any)
		if !ok {
			return nil, &NormalizationError{Path: path, Field: field.ResponseName(), Reason: fmt.Sprintf("expected object, got %T", value)}
		}
		key := path
		if ck := n.resolver.FromFieldRecordSet(field, object); !ck.IsNone() {
			key = ck.Key
		}
		if err := n.normalizeObject(key, object, field.FieldSets); err != nil {
			return nil, err
		}
		return record.Reference{Key: key}, nil
	}

	v, err := record.FromAny(value)
	if err != nil {
		return nil, &NormalizationError{Path: path, Field: field.ResponseName(), Reason: err.Error()}
	}
	return v, nil
}
