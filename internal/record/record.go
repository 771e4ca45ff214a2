// Package record defines the flat, normalized representation of cached
// GraphQL entities: a Record keyed by its cache key, holding field values
// that reference other records by key instead of embedding them.
package record

import (
	"sort"

	"github.com/google/uuid"
)

// Record is one normalized entity.
type Record struct {
	Key    string
	Fields map[string]Value
	// MutationID is set for records written by an optimistic update and is
	// uuid.Nil for committed data.
	MutationID uuid.UUID
}

// New creates a committed record.
func New(key string, fields map[string]Value) *Record {
	if fields == nil {
		fields = make(map[string]Value)
	}
	return &Record{Key: key, Fields: fields}
}

// Clone returns a shallow copy with its own field map.
func (r *Record) Clone() *Record {
	fields := make(map[string]Value, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{Key: r.Key, Fields: fields, MutationID: r.MutationID}
}

// Field returns the value stored under name.
func (r *Record) Field(name string) (Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// FieldNames returns field names in lexical order.
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MergeWith returns a new record holding r's fields overwritten by other's,
// and the names of the fields whose value changed. The merged record takes
// other's MutationID. r is not modified.
func (r *Record) MergeWith(other *Record) (*Record, []string) {
	merged := r.Clone()
	var changed []string
	for name, v := range other.Fields {
		old, ok := r.Fields[name]
		if !ok || !Equal(old, v) {
			changed = append(changed, name)
		}
		merged.Fields[name] = v
	}
	merged.MutationID = other.MutationID
	sort.Strings(changed)
	return merged, changed
}

// References returns the keys of every record this record points to.
func (r *Record) References() []string {
	var out []string
	for _, name := range r.FieldNames() {
		out = append(out, References(r.Fields[name])...)
	}
	return out
}

// SizeInBytes estimates the memory held by the record. It is used to weigh
// records in size-bounded caches.
func (r *Record) SizeInBytes() int {
	n := len(r.Key) + 16
	for k, v := range r.Fields {
		n += len(k) + sizeOf(v)
	}
	return n
}
