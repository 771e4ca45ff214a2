// Package events defines the events published on the eventbus by the store,
// the fetch client and the network transport.
package events

import "time"

// CacheRead is emitted after the store reads an operation or fragment.
type CacheRead struct {
	Operation string
	RootKey   string
	Mode      string
	// Records is the number of records the read depended on.
	Records  int
	Err      error
	Duration time.Duration
}

// CacheWrite is emitted after records are merged into the store, including
// optimistic writes.
type CacheWrite struct {
	Operation  string
	Records    int
	Changed    int
	Optimistic bool
	Err        error
	Duration   time.Duration
}

// CacheRollback is emitted after an optimistic update is rolled back.
type CacheRollback struct {
	MutationID string
	Changed    int
}

// CacheRemove is emitted after records are removed.
type CacheRemove struct {
	Key     string
	Cascade bool
	// Removed counts the removed records, cascaded ones included.
	Removed int
}

// CacheEvict is emitted when the memory cache evicts a record for capacity.
type CacheEvict struct {
	Key string
}
