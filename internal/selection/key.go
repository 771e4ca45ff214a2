package selection

import (
	"fmt"
	"strings"
)

// Well-known root record keys.
const (
	QueryRootKey        = "QUERY_ROOT"
	MutationRootKey     = "MUTATION_ROOT"
	SubscriptionRootKey = "SUBSCRIPTION_ROOT"
)

// CacheKey identifies a record. The zero value is NoKey.
type CacheKey struct {
	Key string
}

// NoKey means the resolver declined to assign a key; callers fall back to
// the structural path.
var NoKey = CacheKey{}

// RootKey is the key of the query root record.
func RootKey() CacheKey { return CacheKey{Key: QueryRootKey} }

// IsNone reports whether k is NoKey.
func (k CacheKey) IsNone() bool { return k.Key == "" }

func (k CacheKey) String() string { return k.Key }

// CacheKeyResolver assigns stable identities to objects.
//
// FromFieldRecordSet is consulted while normalizing an object value; a key
// deduplicates the object across every path it is reached from.
// FromFieldArguments is consulted while reading a composite field; a key
// short-circuits the stored reference, letting e.g. user(id: 1) resolve to a
// record written by a different query.
type CacheKeyResolver interface {
	FromFieldRecordSet(field *Field, object map[string]any) CacheKey
	FromFieldArguments(field *Field, variables map[string]any) CacheKey
}

// DefaultResolver never assigns keys, so every object is keyed by its path.
type DefaultResolver struct{}

func (DefaultResolver) FromFieldRecordSet(*Field, map[string]any) CacheKey { return NoKey }
func (DefaultResolver) FromFieldArguments(*Field, map[string]any) CacheKey { return NoKey }

// DefaultKeyFields are the key fields used by IDResolver for types without
// an explicit entry.
var DefaultKeyFields = []string{"id"}

// IDResolver keys objects as "<__typename>:<key field values>", e.g. "User:1".
type IDResolver struct {
	// KeyFields maps a type name to the fields forming its key.
	KeyFields map[string][]string
	// ResolveArguments maps reads of fields whose arguments cover the key
	// fields of the field's named type to that entity key.
	ResolveArguments bool
}

func (r IDResolver) keyFields(typename string) []string {
	if fs, ok := r.KeyFields[typename]; ok {
		return fs
	}
	return DefaultKeyFields
}

func (r IDResolver) FromFieldRecordSet(_ *Field, object map[string]any) CacheKey {
	typename, _ := object[TypenameField].(string)
	if typename == "" {
		return NoKey
	}
	fields := r.keyFields(typename)
	parts := make([]string, 0, len(fields))
	for _, name := range fields {
		v, ok := object[name]
		if !ok || v == nil {
			return NoKey
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return CacheKey{Key: typename + ":" + strings.Join(parts, ":")}
}

func (r IDResolver) FromFieldArguments(field *Field, variables map[string]any) CacheKey {
	if !r.ResolveArguments || field.Type == nil {
		return NoKey
	}
	typename := field.Type.GetNamedType()
	fields := r.keyFields(typename)
	parts := make([]string, 0, len(fields))
	for _, name := range fields {
		var found bool
		for _, arg := range field.Arguments {
			if arg.Name != name {
				continue
			}
			v, err := resolveArgument(arg.Value, variables)
			if err != nil || v == nil {
				return NoKey
			}
			parts = append(parts, fmt.Sprint(v))
			found = true
			break
		}
		if !found {
			return NoKey
		}
	}
	return CacheKey{Key: typename + ":" + strings.Join(parts, ":")}
}

var (
	_ CacheKeyResolver = DefaultResolver{}
	_ CacheKeyResolver = IDResolver{}
)
