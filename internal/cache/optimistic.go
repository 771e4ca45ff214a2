package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hanpama/graphcache/internal/record"
)

// journal is the stack of optimistic writes to one key, oldest first, and
// their merge.
type journal struct {
	history  []*record.Record
	snapshot *record.Record
}

func newJournal(rec *record.Record) *journal {
	return &journal{history: []*record.Record{rec}, snapshot: rec.Clone()}
}

func (j *journal) add(rec *record.Record) {
	j.history = append(j.history, rec)
	j.snapshot, _ = j.snapshot.MergeWith(rec)
}

// revert drops the writes of mutationID and rebuilds the snapshot. It
// reports whether any write was dropped.
func (j *journal) revert(mutationID uuid.UUID) bool {
	kept := j.history[:0]
	for _, rec := range j.history {
		if rec.MutationID != mutationID {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(j.history) {
		return false
	}
	for i := len(kept); i < len(j.history); i++ {
		j.history[i] = nil
	}
	j.history = kept
	j.snapshot = nil
	for i, rec := range j.history {
		if i == 0 {
			j.snapshot = rec.Clone()
			continue
		}
		j.snapshot, _ = j.snapshot.MergeWith(rec)
	}
	return true
}

// OptimisticCache layers optimistic writes over a committed cache. Reads
// merge the committed record with every optimistic write to its key, oldest
// first, so the latest write wins per field.
type OptimisticCache struct {
	next NormalizedCache

	mu       sync.RWMutex
	journals map[string]*journal
}

func NewOptimisticCache(next NormalizedCache) *OptimisticCache {
	return &OptimisticCache{next: next, journals: make(map[string]*journal)}
}

// AddOptimisticUpdates overlays recs, which carry their mutation id, and
// returns their keys.
func (c *OptimisticCache) AddOptimisticUpdates(recs []*record.Record) record.KeySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := record.NewKeySet()
	for _, rec := range recs {
		if j, ok := c.journals[rec.Key]; ok {
			j.add(rec)
		} else {
			c.journals[rec.Key] = newJournal(rec)
		}
		changed.Add(rec.Key)
	}
	return changed
}

// RemoveOptimisticUpdates drops every write of mutationID and returns the
// keys whose overlay changed.
func (c *OptimisticCache) RemoveOptimisticUpdates(mutationID uuid.UUID) record.KeySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := record.NewKeySet()
	for key, j := range c.journals {
		if !j.revert(mutationID) {
			continue
		}
		changed.Add(key)
		if len(j.history) == 0 {
			delete(c.journals, key)
		}
	}
	return changed
}

// Pending returns the number of keys with optimistic writes.
func (c *OptimisticCache) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.journals)
}

func (c *OptimisticCache) overlay(base *record.Record, key string) *record.Record {
	j, ok := c.journals[key]
	if !ok {
		return base
	}
	if base == nil {
		return j.snapshot.Clone()
	}
	merged, _ := base.MergeWith(j.snapshot)
	return merged
}

func (c *OptimisticCache) LoadRecord(ctx context.Context, key string, headers record.CacheHeaders) (*record.Record, error) {
	base, err := c.next.LoadRecord(ctx, key, headers)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overlay(base, key), nil
}

func (c *OptimisticCache) LoadRecords(ctx context.Context, keys []string, headers record.CacheHeaders) ([]*record.Record, error) {
	base, err := c.next.LoadRecords(ctx, keys, headers)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*record.Record, 0, len(keys))
	found := make(map[string]bool, len(base))
	for _, rec := range base {
		found[rec.Key] = true
		out = append(out, c.overlay(rec, rec.Key))
	}
	for _, key := range keys {
		if !found[key] {
			if rec := c.overlay(nil, key); rec != nil {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (c *OptimisticCache) Merge(ctx context.Context, rec *record.Record, headers record.CacheHeaders) (record.KeySet, error) {
	return c.next.Merge(ctx, rec, headers)
}

func (c *OptimisticCache) MergeRecords(ctx context.Context, recs []*record.Record, headers record.CacheHeaders) (record.KeySet, error) {
	return c.next.MergeRecords(ctx, recs, headers)
}

func (c *OptimisticCache) Remove(ctx context.Context, key string, cascade bool) (record.KeySet, error) {
	removed := record.NewKeySet()
	c.mu.Lock()
	c.removeJournal(key, cascade, make(map[string]bool), removed)
	c.mu.Unlock()

	keys, err := c.next.Remove(ctx, key, cascade)
	removed.AddAll(keys)
	return removed, err
}

func (c *OptimisticCache) removeJournal(key string, cascade bool, visited map[string]bool, removed record.KeySet) {
	if visited[key] {
		return
	}
	visited[key] = true
	j, ok := c.journals[key]
	if !ok {
		return
	}
	delete(c.journals, key)
	removed.Add(key)
	if cascade {
		for _, ref := range j.snapshot.References() {
			c.removeJournal(ref, true, visited, removed)
		}
	}
}

func (c *OptimisticCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.journals = make(map[string]*journal)
	c.mu.Unlock()
	return c.next.Clear(ctx)
}

// Dump returns the committed records with optimistic writes applied.
func (c *OptimisticCache) Dump(ctx context.Context) (map[string]*record.Record, error) {
	recs, err := c.next.Dump(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*record.Record, len(recs)+len(c.journals))
	for k, r := range recs {
		out[k] = r
	}
	for k := range c.journals {
		out[k] = c.overlay(out[k], k)
	}
	return out, nil
}

var _ NormalizedCache = (*OptimisticCache)(nil)
