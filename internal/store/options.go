package store

import (
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/reader"
	"github.com/hanpama/graphcache/internal/record"
	"github.com/hanpama/graphcache/internal/selection"
	"go.uber.org/zap"
)

// Option configures a Store.
type Option func(*Store)

// WithResolver sets the cache key resolver used for writes and reads.
func WithResolver(r selection.CacheKeyResolver) Option {
	return func(s *Store) { s.resolver = r }
}

// WithReadMode sets the default reader.
func WithReadMode(m reader.Mode) Option {
	return func(s *Store) { s.readMode = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithEventBus publishes cache events on b.
func WithEventBus(b *eventbus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithSubscriberBuffer sets the number of change sets buffered per
// subscriber before the oldest is dropped.
func WithSubscriberBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// CallOption adjusts a single store call.
type CallOption func(*callOptions)

type callOptions struct {
	headers   record.CacheHeaders
	noPublish bool
	mode      *reader.Mode
}

func collect(opts []CallOption) callOptions {
	var o callOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Headers passes headers to the backing cache.
func Headers(h record.CacheHeaders) CallOption {
	return func(o *callOptions) { o.headers = h }
}

// NoPublish keeps a write from notifying subscribers.
func NoPublish() CallOption {
	return func(o *callOptions) { o.noPublish = true }
}

// Mode overrides the store's reader for one read.
func Mode(m reader.Mode) CallOption {
	return func(o *callOptions) { o.mode = &m }
}
