// Package cache provides the record stores behind the normalized cache: an
// LRU-bounded in-memory cache that may chain to a further cache, and an
// optimistic overlay holding speculative mutation results in front of any
// other cache.
package cache

import (
	"context"

	"github.com/hanpama/graphcache/internal/reader"
	"github.com/hanpama/graphcache/internal/record"
)

// NormalizedCache is a pluggable record store.
//
// Implementations must tolerate concurrent reads. Writes are serialized by
// the owning store.
type NormalizedCache interface {
	reader.Source

	// Merge merges rec field by field into the stored record and returns the
	// keys of the records whose content changed.
	Merge(ctx context.Context, rec *record.Record, headers record.CacheHeaders) (record.KeySet, error)
	MergeRecords(ctx context.Context, recs []*record.Record, headers record.CacheHeaders) (record.KeySet, error)

	// Remove deletes key, and with cascade every record reachable from it.
	// It returns the keys of the removed records.
	Remove(ctx context.Context, key string, cascade bool) (record.KeySet, error)
	Clear(ctx context.Context) error

	// Dump returns every stored record.
	Dump(ctx context.Context) (map[string]*record.Record, error)
}

// mergeAll is the MergeRecords of caches without a batched write path.
func mergeAll(ctx context.Context, c NormalizedCache, recs []*record.Record, headers record.CacheHeaders) (record.KeySet, error) {
	changed := record.NewKeySet()
	for _, rec := range recs {
		keys, err := c.Merge(ctx, rec, headers)
		if err != nil {
			return changed, err
		}
		changed.AddAll(keys)
	}
	return changed, nil
}
