package cache

import (
	"context"
	"time"

	"github.com/hanpama/graphcache/internal/lru"
	"github.com/hanpama/graphcache/internal/record"
)

type memoryEntry struct {
	rec   *record.Record
	added time.Time
}

// MemoryCache keeps records in a weighted LRU. Records weigh their
// estimated size in bytes.
type MemoryCache struct {
	lru         *lru.Cache[string, memoryEntry]
	next        NormalizedCache
	expireAfter time.Duration
	now         func() time.Time
	onEvict     func(key string)
}

type MemoryOption func(*MemoryCache)

// WithNext chains c behind the memory cache. Misses fall through to it and
// populate memory; writes go to both.
func WithNext(c NormalizedCache) MemoryOption {
	return func(m *MemoryCache) { m.next = c }
}

// WithExpireAfter drops records older than d on access. Zero disables expiry.
func WithExpireAfter(d time.Duration) MemoryOption {
	return func(m *MemoryCache) { m.expireAfter = d }
}

func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryCache) { m.now = now }
}

// WithEvictionHook is called for every record evicted for capacity.
func WithEvictionHook(fn func(key string)) MemoryOption {
	return func(m *MemoryCache) { m.onEvict = fn }
}

// NewMemoryCache creates a cache holding at most maxSizeBytes of records.
func NewMemoryCache(maxSizeBytes int, opts ...MemoryOption) *MemoryCache {
	m := &MemoryCache{now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.lru = lru.New[string, memoryEntry](maxSizeBytes,
		lru.WithWeigher(func(_ string, e memoryEntry) int { return e.rec.SizeInBytes() }),
		lru.WithEvictionCallback(func(key string, _ memoryEntry) {
			if m.onEvict != nil {
				m.onEvict(key)
			}
		}),
	)
	return m
}

// Len returns the number of records held in memory.
func (m *MemoryCache) Len() int { return m.lru.Len() }

// SizeInBytes returns the weight of the records held in memory.
func (m *MemoryCache) SizeInBytes() int { return m.lru.Weight() }

func (m *MemoryCache) get(key string) (*record.Record, bool) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false
	}
	if m.expired(e) {
		m.lru.Remove(key)
		return nil, false
	}
	return e.rec, true
}

func (m *MemoryCache) expired(e memoryEntry) bool {
	return m.expireAfter > 0 && m.now().Sub(e.added) > m.expireAfter
}

func (m *MemoryCache) put(rec *record.Record) {
	m.lru.Set(rec.Key, memoryEntry{rec: rec, added: m.now()})
}

func (m *MemoryCache) chained(headers record.CacheHeaders) bool {
	return m.next != nil && !headers.Has(record.HeaderMemoryCacheOnly)
}

func (m *MemoryCache) LoadRecord(ctx context.Context, key string, headers record.CacheHeaders) (*record.Record, error) {
	rec, err := m.load(ctx, key, headers)
	if err != nil || rec == nil {
		return rec, err
	}
	if headers.Has(record.HeaderEvictAfterRead) {
		m.lru.Remove(key)
	}
	return rec, nil
}

func (m *MemoryCache) load(ctx context.Context, key string, headers record.CacheHeaders) (*record.Record, error) {
	if rec, ok := m.get(key); ok {
		return rec, nil
	}
	if !m.chained(headers) {
		return nil, nil
	}
	rec, err := m.next.LoadRecord(ctx, key, headers)
	if err != nil || rec == nil {
		return nil, err
	}
	m.put(rec)
	return rec, nil
}

// LoadRecords serves what it can from memory and loads the remaining keys
// from the chained cache in one call.
func (m *MemoryCache) LoadRecords(ctx context.Context, keys []string, headers record.CacheHeaders) ([]*record.Record, error) {
	out := make([]*record.Record, 0, len(keys))
	var missing []string
	for _, key := range keys {
		if rec, ok := m.get(key); ok {
			out = append(out, rec)
			continue
		}
		missing = append(missing, key)
	}
	if len(missing) > 0 && m.chained(headers) {
		recs, err := m.next.LoadRecords(ctx, missing, headers)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			m.put(rec)
			out = append(out, rec)
		}
	}
	if headers.Has(record.HeaderEvictAfterRead) {
		for _, rec := range out {
			m.lru.Remove(rec.Key)
		}
	}
	return out, nil
}

func (m *MemoryCache) Merge(ctx context.Context, rec *record.Record, headers record.CacheHeaders) (record.KeySet, error) {
	changed := record.NewKeySet()
	if headers.Has(record.HeaderDoNotStore) {
		return changed, nil
	}
	existing, err := m.load(ctx, rec.Key, headers)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		m.put(rec.Clone())
		changed.Add(rec.Key)
	} else if merged, fields := existing.MergeWith(rec); len(fields) > 0 {
		m.put(merged)
		changed.Add(rec.Key)
	}

	if m.chained(headers) {
		keys, err := m.next.Merge(ctx, rec, headers)
		if err != nil {
			return nil, err
		}
		changed.AddAll(keys)
	}
	return changed, nil
}

func (m *MemoryCache) MergeRecords(ctx context.Context, recs []*record.Record, headers record.CacheHeaders) (record.KeySet, error) {
	return mergeAll(ctx, m, recs, headers)
}

func (m *MemoryCache) Remove(ctx context.Context, key string, cascade bool) (record.KeySet, error) {
	removed := record.NewKeySet()
	err := m.remove(ctx, key, cascade, make(map[string]bool), removed)
	return removed, err
}

func (m *MemoryCache) remove(ctx context.Context, key string, cascade bool, visited map[string]bool, removed record.KeySet) error {
	if visited[key] {
		return nil
	}
	visited[key] = true

	if e, ok := m.lru.Remove(key); ok {
		removed.Add(key)
		if cascade {
			for _, ref := range e.rec.References() {
				if err := m.remove(ctx, ref, true, visited, removed); err != nil {
					return err
				}
			}
		}
	}
	if m.next != nil {
		keys, err := m.next.Remove(ctx, key, cascade)
		if err != nil {
			return err
		}
		removed.AddAll(keys)
	}
	return nil
}

func (m *MemoryCache) Clear(ctx context.Context) error {
	m.lru.Clear()
	if m.next != nil {
		return m.next.Clear(ctx)
	}
	return nil
}

// Dump returns the chained cache's records overlaid with those in memory.
func (m *MemoryCache) Dump(ctx context.Context) (map[string]*record.Record, error) {
	out := make(map[string]*record.Record)
	if m.next != nil {
		recs, err := m.next.Dump(ctx)
		if err != nil {
			return nil, err
		}
		for k, r := range recs {
			out[k] = r
		}
	}
	for k, e := range m.lru.Dump() {
		if m.expired(e) {
			continue
		}
		out[k] = e.rec
	}
	return out, nil
}

var _ NormalizedCache = (*MemoryCache)(nil)
