package reader

import (
	"context"
	"fmt"

	"github.com/hanpama/graphcache/internal/record"
	"github.com/hanpama/graphcache/internal/selection"
)

// SequentialReader reads depth-first, loading one record per reference.
type SequentialReader struct {
	source Source
}

func NewSequentialReader(source Source) *SequentialReader {
	return &SequentialReader{source: source}
}

type sequentialState struct {
	source   Source
	request  Request
	resolver selection.CacheKeyResolver
	deps     record.KeySet
}

func (r *SequentialReader) Read(ctx context.Context, req Request) (*Result, error) {
	state := &sequentialState{
		source:   r.source,
		request:  req,
		resolver: req.resolver(),
		deps:     record.NewKeySet(),
	}
	data, err := state.readObject(ctx, req.RootKey, req.FieldSets)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, DependentKeys: state.deps}, nil
}

func (s *sequentialState) readObject(ctx context.Context, key string, sets []selection.FieldSet) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.deps.Add(key)
	rec, err := s.source.LoadRecord(ctx, key, s.request.Headers)
	if err != nil {
		return nil, fmt.Errorf("reader: load record %q: %w", key, err)
	}
	if rec == nil {
		return nil, &CacheMissError{Key: key}
	}
	fs, err := selectFieldSet(rec, sets)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(fs.Fields))
	for i := range fs.Fields {
		field := &fs.Fields[i]
		if field.ShouldSkip(s.request.Variables) {
			continue
		}
		v, err := fieldValue(rec, field, s.request, s.resolver)
		if err != nil {
			return nil, err
		}
		completed, err := s.completeValue(ctx, field, v)
		if err != nil {
			return nil, err
		}
		out[field.ResponseName()] = completed
	}
	return out, nil
}

func (s *sequentialState) completeValue(ctx context.Context, field *selection.Field, v record.Value) (any, error) {
	switch x := v.(type) {
	case nil, record.Null:
		return nil, nil
	case record.Reference:
		if !field.IsComposite() {
			return record.ToAny(x), nil
		}
		obj, err := s.readObject(ctx, x.Key, field.FieldSets)
		if err != nil {
			return nil, err
		}
		return obj, nil
	case record.List:
		items := make([]any, len(x))
		for i, item := range x {
			completed, err := s.completeValue(ctx, field, item)
			if err != nil {
				return nil, err
			}
			items[i] = completed
		}
		return items, nil
	default:
		return record.ToAny(v), nil
	}
}
