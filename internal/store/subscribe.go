package store

import (
	"context"
	"errors"

	"github.com/hanpama/graphcache/internal/reader"
	"github.com/hanpama/graphcache/internal/record"
	"github.com/hanpama/graphcache/internal/selection"
	"go.uber.org/zap"
)

// Subscription receives the key sets of published changes. When its buffer
// is full the oldest set is dropped, so a slow subscriber never blocks a
// publisher.
type Subscription struct {
	store *Store
	ch    chan record.KeySet
}

// C is closed when the subscription or the store is closed.
func (sub *Subscription) C() <-chan record.KeySet { return sub.ch }

// Close unsubscribes. It is safe to call more than once.
func (sub *Subscription) Close() {
	s := sub.store
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
}

// Subscribe registers a change subscriber. On a closed store the returned
// subscription's channel is already closed.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{store: s, ch: make(chan record.KeySet, s.bufferSize)}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Publish notifies subscribers that keys changed. Empty sets are ignored.
func (s *Store) Publish(ctx context.Context, keys record.KeySet) {
	if len(keys) == 0 {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		if dropped := deliver(sub.ch, keys); dropped {
			s.logger.Debug("subscriber buffer full, dropped oldest change set")
		}
	}
}

// deliver sends keys without blocking, dropping the oldest buffered sets to
// make room.
func deliver(ch chan record.KeySet, keys record.KeySet) (dropped bool) {
	for {
		select {
		case ch <- keys:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}

// WatchResult is one emission of a watched operation.
type WatchResult struct {
	Data map[string]any
	Err  error
}

// Watch reads op now and again whenever a published change touches a record
// the last read depended on. After a failed read any change triggers a
// re-read. The channel is closed when ctx ends or the store closes.
func (s *Store) Watch(ctx context.Context, op *selection.Operation, variables map[string]any, opts ...CallOption) <-chan WatchResult {
	out := make(chan WatchResult)
	sub := s.Subscribe()

	go func() {
		defer close(out)
		defer sub.Close()

		var deps record.KeySet
		emit := func() bool {
			res, err := s.ReadOperation(ctx, op, variables, opts...)
			if errors.Is(err, ErrClosed) {
				return false
			}
			wr := WatchResult{Err: err}
			deps = nil
			if err == nil {
				wr.Data = res.Data
				deps = res.DependentKeys
			} else if ctx.Err() != nil {
				return false
			} else if !errors.Is(err, reader.ErrCacheMiss) {
				s.logger.Warn("watch read failed", zap.String("operation", op.Name), zap.Error(err))
			}
			select {
			case out <- wr:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case keys, ok := <-sub.C():
				if !ok {
					return
				}
				if deps != nil && !deps.Intersects(keys) {
					continue
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out
}
