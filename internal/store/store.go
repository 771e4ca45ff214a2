// Package store coordinates access to the normalized record graph.
//
// A Store owns one optimistic cache layered over a backing NormalizedCache.
// Writes normalize response data, merge it under exclusive access and then
// publish the changed record keys to subscribers. Reads run concurrently
// with each other but never with a write.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/normalizer"
	"github.com/hanpama/graphcache/internal/reader"
	"github.com/hanpama/graphcache/internal/record"
	"github.com/hanpama/graphcache/internal/selection"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

const defaultSubscriberBuffer = 10

// Store is the guarded entry point to the normalized cache.
type Store struct {
	cache      *cache.OptimisticCache
	guard      *guard
	resolver   selection.CacheKeyResolver
	readMode   reader.Mode
	logger     *zap.Logger
	bus        *eventbus.Bus
	bufferSize int

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a store over backing.
func New(backing cache.NormalizedCache, opts ...Option) *Store {
	s := &Store{
		cache:      cache.NewOptimisticCache(backing),
		guard:      newGuard(),
		resolver:   selection.DefaultResolver{},
		readMode:   reader.Batch,
		logger:     zap.NewNop(),
		bufferSize: defaultSubscriberBuffer,
		subs:       make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) isClosed() bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return s.closed
}

// WriteOperation normalizes data, the response of op, and merges it.
// It returns the keys of the records that changed.
func (s *Store) WriteOperation(ctx context.Context, op *selection.Operation, data map[string]any, variables map[string]any, opts ...CallOption) (record.KeySet, error) {
	return s.write(ctx, op.Name, op.RootKey().Key, op.FieldSets, data, variables, collect(opts))
}

// WriteFragment normalizes data as frag rooted at key and merges it.
func (s *Store) WriteFragment(ctx context.Context, frag *selection.Fragment, key string, data map[string]any, variables map[string]any, opts ...CallOption) (record.KeySet, error) {
	return s.write(ctx, frag.Name, key, frag.FieldSets, data, variables, collect(opts))
}

func (s *Store) write(ctx context.Context, name, rootKey string, sets []selection.FieldSet, data, variables map[string]any, o callOptions) (record.KeySet, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	start := time.Now()
	recs, err := normalizer.Normalize(data, rootKey, sets, variables, s.resolver)
	if err != nil {
		eventbus.Publish(ctx, s.bus, events.CacheWrite{Operation: name, Err: err, Duration: time.Since(start)})
		return nil, err
	}

	var changed record.KeySet
	err = s.guard.writeAccess(ctx, func() error {
		var err error
		changed, err = s.cache.MergeRecords(ctx, values(recs), o.headers)
		return err
	})
	eventbus.Publish(ctx, s.bus, events.CacheWrite{
		Operation: name,
		Records:   len(recs),
		Changed:   len(changed),
		Err:       err,
		Duration:  time.Since(start),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("cache write",
		zap.String("operation", name),
		zap.Int("records", len(recs)),
		zap.Int("changed", len(changed)))

	if !o.noPublish {
		s.Publish(ctx, changed)
	}
	return changed, nil
}

// WriteOptimisticUpdates normalizes data, the optimistic response of op,
// tags every record with mutationID and overlays them.
func (s *Store) WriteOptimisticUpdates(ctx context.Context, op *selection.Operation, data map[string]any, variables map[string]any, mutationID uuid.UUID, opts ...CallOption) (record.KeySet, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	o := collect(opts)
	start := time.Now()
	recs, err := normalizer.Normalize(data, op.RootKey().Key, op.FieldSets, variables, s.resolver)
	if err != nil {
		return nil, err
	}
	tagged := values(recs)
	for _, r := range tagged {
		r.MutationID = mutationID
	}

	var changed record.KeySet
	err = s.guard.writeAccess(ctx, func() error {
		changed = s.cache.AddOptimisticUpdates(tagged)
		return nil
	})
	if err != nil {
		return nil, err
	}
	eventbus.Publish(ctx, s.bus, events.CacheWrite{
		Operation:  op.Name,
		Records:    len(recs),
		Changed:    len(changed),
		Optimistic: true,
		Duration:   time.Since(start),
	})
	s.logger.Debug("optimistic write",
		zap.String("operation", op.Name),
		zap.Stringer("mutation_id", mutationID),
		zap.Int("changed", len(changed)))

	if !o.noPublish {
		s.Publish(ctx, changed)
	}
	return changed, nil
}

// RollbackOptimisticUpdates removes the optimistic writes of mutationID and
// returns the keys whose content changed.
func (s *Store) RollbackOptimisticUpdates(ctx context.Context, mutationID uuid.UUID, opts ...CallOption) (record.KeySet, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	o := collect(opts)
	var changed record.KeySet
	err := s.guard.writeAccess(ctx, func() error {
		changed = s.cache.RemoveOptimisticUpdates(mutationID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	eventbus.Publish(ctx, s.bus, events.CacheRollback{MutationID: mutationID.String(), Changed: len(changed)})
	s.logger.Debug("optimistic rollback",
		zap.Stringer("mutation_id", mutationID),
		zap.Int("changed", len(changed)))

	if !o.noPublish {
		s.Publish(ctx, changed)
	}
	return changed, nil
}

// ReadOperation reassembles the data of op from the cache.
func (s *Store) ReadOperation(ctx context.Context, op *selection.Operation, variables map[string]any, opts ...CallOption) (*reader.Result, error) {
	return s.read(ctx, op.Name, op.RootKey().Key, op.FieldSets, variables, collect(opts))
}

// ReadFragment reassembles frag rooted at key.
func (s *Store) ReadFragment(ctx context.Context, frag *selection.Fragment, key string, variables map[string]any, opts ...CallOption) (*reader.Result, error) {
	return s.read(ctx, frag.Name, key, frag.FieldSets, variables, collect(opts))
}

func (s *Store) read(ctx context.Context, name, rootKey string, sets []selection.FieldSet, variables map[string]any, o callOptions) (*reader.Result, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	mode := s.readMode
	if o.mode != nil {
		mode = *o.mode
	}
	start := time.Now()
	var res *reader.Result
	err := s.guard.readAccess(ctx, func() error {
		var err error
		res, err = reader.Read(ctx, s.cache, reader.Request{
			RootKey:   rootKey,
			FieldSets: sets,
			Variables: variables,
			Resolver:  s.resolver,
			Headers:   o.headers,
		}, mode)
		return err
	})

	ev := events.CacheRead{Operation: name, RootKey: rootKey, Mode: mode.String(), Err: err, Duration: time.Since(start)}
	if res != nil {
		ev.Records = len(res.DependentKeys)
	}
	eventbus.Publish(ctx, s.bus, ev)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Remove deletes key, and with cascade every record reachable from it.
func (s *Store) Remove(ctx context.Context, key string, cascade bool, opts ...CallOption) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	o := collect(opts)
	var removed record.KeySet
	err := s.guard.writeAccess(ctx, func() error {
		var err error
		removed, err = s.cache.Remove(ctx, key, cascade)
		return err
	})
	if err != nil {
		return false, err
	}
	eventbus.Publish(ctx, s.bus, events.CacheRemove{Key: key, Cascade: cascade, Removed: len(removed)})
	s.logger.Debug("cache remove", zap.String("key", key), zap.Bool("cascade", cascade), zap.Int("keys", len(removed)))

	if len(removed) > 0 && !o.noPublish {
		s.Publish(ctx, removed)
	}
	return len(removed) > 0, nil
}

// ClearAll drops every record, including optimistic writes.
func (s *Store) ClearAll(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.guard.writeAccess(ctx, func() error {
		return s.cache.Clear(ctx)
	})
	if err == nil {
		s.logger.Debug("cache cleared")
	}
	return err
}

// Dump returns every record with optimistic writes applied.
func (s *Store) Dump(ctx context.Context) (map[string]*record.Record, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var out map[string]*record.Record
	err := s.guard.readAccess(ctx, func() error {
		var err error
		out, err = s.cache.Dump(ctx)
		return err
	})
	return out, err
}

// AccessCache runs fn with exclusive access to the optimistic cache. fn must
// not call back into the store.
func (s *Store) AccessCache(ctx context.Context, fn func(c *cache.OptimisticCache) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.guard.writeAccess(ctx, func() error { return fn(s.cache) })
}

// Close ends every subscription. Later operations fail with ErrClosed.
func (s *Store) Close() error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
	return nil
}

func values(recs map[string]*record.Record) []*record.Record {
	out := make([]*record.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out
}
