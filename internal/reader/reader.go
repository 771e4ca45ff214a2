// Package reader reassembles response trees from normalized records.
//
// BatchReader walks the selection breadth-first and loads every record
// needed at one depth with a single LoadRecords call. SequentialReader walks
// depth-first with one LoadRecord call per reference. Both produce the same
// tree: maps keyed by response name holding nil, bool, int, float64,
// string, []any and map[string]any values.
package reader

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanpama/graphcache/internal/record"
	"github.com/hanpama/graphcache/internal/selection"
)

// ErrCacheMiss matches every *CacheMissError with errors.Is.
var ErrCacheMiss = errors.New("cache miss")

// CacheMissError reports a record, or a field of a present record, that is
// not in the cache.
type CacheMissError struct {
	Key   string
	Field string
}

func (e *CacheMissError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("cache miss: no record for key %q", e.Key)
	}
	return fmt.Sprintf("cache miss: no field %q on record %q", e.Field, e.Key)
}

func (e *CacheMissError) Is(target error) bool { return target == ErrCacheMiss }

// Source is the read side of a normalized cache.
type Source interface {
	// LoadRecord returns nil without error when key is absent.
	LoadRecord(ctx context.Context, key string, headers record.CacheHeaders) (*record.Record, error)
	// LoadRecords returns the records found among keys, in any order.
	LoadRecords(ctx context.Context, keys []string, headers record.CacheHeaders) ([]*record.Record, error)
}

// Request describes one read.
type Request struct {
	RootKey   string
	FieldSets []selection.FieldSet
	Variables map[string]any
	// Resolver may redirect composite fields to entity keys. Nil means
	// selection.DefaultResolver.
	Resolver selection.CacheKeyResolver
	Headers  record.CacheHeaders
}

func (r Request) resolver() selection.CacheKeyResolver {
	if r.Resolver == nil {
		return selection.DefaultResolver{}
	}
	return r.Resolver
}

// Result is a reassembled tree and the keys of the records it was read from.
type Result struct {
	Data          map[string]any
	DependentKeys record.KeySet
}

// Mode selects a reader implementation.
type Mode int

const (
	Batch Mode = iota
	Sequential
)

func (m Mode) String() string {
	switch m {
	case Batch:
		return "batch"
	case Sequential:
		return "sequential"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "batch" or "sequential".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "batch", "":
		return Batch, nil
	case "sequential":
		return Sequential, nil
	default:
		return 0, fmt.Errorf("reader: unknown mode %q", s)
	}
}

// Read runs req against src with the reader selected by mode.
func Read(ctx context.Context, src Source, req Request, mode Mode) (*Result, error) {
	if mode == Sequential {
		return NewSequentialReader(src).Read(ctx, req)
	}
	return NewBatchReader(src).Read(ctx, req)
}

// fieldValue returns the stored value of field on rec, following a
// resolver-supplied key for composite fields.
func fieldValue(rec *record.Record, field *selection.Field, req Request, resolver selection.CacheKeyResolver) (record.Value, error) {
	if field.IsComposite() {
		if ck := resolver.FromFieldArguments(field, req.Variables); !ck.IsNone() {
			return record.Reference{Key: ck.Key}, nil
		}
	}
	fieldKey, err := selection.FieldKey(field, req.Variables)
	if err != nil {
		return nil, err
	}
	v, ok := rec.Field(fieldKey)
	if !ok {
		return nil, &CacheMissError{Key: rec.Key, Field: fieldKey}
	}
	return v, nil
}

func selectFieldSet(rec *record.Record, sets []selection.FieldSet) (*selection.FieldSet, error) {
	var typename string
	if v, ok := rec.Field(selection.TypenameField); ok {
		if s, ok := v.(record.String); ok {
			typename = string(s)
		}
	}
	fs, ok := selection.SelectFieldSet(sets, typename)
	if !ok {
		return nil, fmt.Errorf("reader: no field set for type %q of record %q", typename, rec.Key)
	}
	return fs, nil
}
