package reader

import (
	"context"
	"fmt"

	"github.com/hanpama/graphcache/internal/record"
	"github.com/hanpama/graphcache/internal/selection"
)

type Path []PathElement

// PathElement is a response name (string) or list index (int).
type PathElement any

// pendingRef is a reference whose record is loaded in the next round.
type pendingRef struct {
	Key          string
	FieldSets    []selection.FieldSet
	ResponsePath Path
}

type batchState struct {
	source   Source
	request  Request
	resolver selection.CacheKeyResolver
	context  context.Context
	pending  []pendingRef
	// loaded memoizes records across rounds so each key is fetched once.
	loaded map[string]*record.Record
	deps   record.KeySet
}

// BatchReader reads breadth-first, one LoadRecords call per depth.
type BatchReader struct {
	source Source
}

func NewBatchReader(source Source) *BatchReader {
	return &BatchReader{source: source}
}

func (r *BatchReader) Read(ctx context.Context, req Request) (*Result, error) {
	state := &batchState{
		source:   r.source,
		request:  req,
		resolver: req.resolver(),
		context:  ctx,
		pending:  []pendingRef{{Key: req.RootKey, FieldSets: req.FieldSets, ResponsePath: Path{}}},
		loaded:   make(map[string]*record.Record),
		deps:     record.NewKeySet(),
	}

	var responseRoot map[string]any

	// Depth-wise batch loop
	for len(state.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := flushPending(state)
		if err != nil {
			return nil, err
		}
		for _, p := range batch {
			obj, err := readRecord(state, p)
			if err != nil {
				return nil, err
			}
			if len(p.ResponsePath) == 0 {
				responseRoot = obj
				continue
			}
			setValueAtPath(responseRoot, p.ResponsePath, obj)
		}
	}

	return &Result{Data: responseRoot, DependentKeys: state.deps}, nil
}

// flushPending loads the records of every pending reference not loaded in an
// earlier round and returns the drained batch.
func flushPending(state *batchState) ([]pendingRef, error) {
	batch := state.pending
	state.pending = nil

	var keys []string
	seen := make(map[string]bool, len(batch))
	for _, p := range batch {
		state.deps.Add(p.Key)
		if _, ok := state.loaded[p.Key]; ok || seen[p.Key] {
			continue
		}
		seen[p.Key] = true
		keys = append(keys, p.Key)
	}
	if len(keys) == 0 {
		return batch, nil
	}

	records, err := state.source.LoadRecords(state.context, keys, state.request.Headers)
	if err != nil {
		return nil, fmt.Errorf("reader: load records: %w", err)
	}
	for _, rec := range records {
		if rec != nil {
			state.loaded[rec.Key] = rec
		}
	}
	return batch, nil
}

// readRecord resolves the selected fields of one record. References found
// in composite fields are queued for the next round under their path.
func readRecord(state *batchState, p pendingRef) (map[string]any, error) {
	rec := state.loaded[p.Key]
	if rec == nil {
		return nil, &CacheMissError{Key: p.Key}
	}
	fs, err := selectFieldSet(rec, p.FieldSets)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(fs.Fields))
	for i := range fs.Fields {
		field := &fs.Fields[i]
		if field.ShouldSkip(state.request.Variables) {
			continue
		}
		v, err := fieldValue(rec, field, state.request, state.resolver)
		if err != nil {
			return nil, err
		}
		responseName := field.ResponseName()
		out[responseName] = completeValue(state, field, v, appendPath(p.ResponsePath, responseName))
	}
	return out, nil
}

func completeValue(state *batchState, field *selection.Field, v record.Value, path Path) any {
	switch x := v.(type) {
	case nil, record.Null:
		return nil
	case record.Reference:
		if !field.IsComposite() {
			return record.ToAny(x)
		}
		state.pending = append(state.pending, pendingRef{Key: x.Key, FieldSets: field.FieldSets, ResponsePath: path})
		return nil
	case record.List:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = completeValue(state, field, item, appendPath(path, i))
		}
		return items
	default:
		return record.ToAny(v)
	}
}

func appendPath(path Path, elem PathElement) Path {
	newPath := make(Path, len(path)+1)
	copy(newPath, path)
	newPath[len(path)] = elem
	return newPath
}

// setValueAtPath writes value into the tree under root. Every container
// along the path was created by an earlier round.
func setValueAtPath(root map[string]any, path Path, value any) {
	var current any = root
	for _, elem := range path[:len(path)-1] {
		switch e := elem.(type) {
		case string:
			m, ok := current.(map[string]any)
			if !ok {
				return
			}
			current = m[e]
		case int:
			slice, ok := current.([]any)
			if !ok || e >= len(slice) {
				return
			}
			current = slice[e]
		}
	}
	switch fe := path[len(path)-1].(type) {
	case string:
		if m, ok := current.(map[string]any); ok {
			m[fe] = value
		}
	case int:
		if slice, ok := current.([]any); ok && fe < len(slice) {
			slice[fe] = value
		}
	}
}
