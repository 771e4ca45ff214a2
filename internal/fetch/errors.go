package fetch

import (
	"errors"
	"fmt"
)

// ErrNoNetwork is returned when a request needs the network and the client
// has none.
var ErrNoNetwork = errors.New("fetch: no network configured")

// CompositeError is returned when both the cache and the network failed
// under a fallback policy.
type CompositeError struct {
	CacheErr   error
	NetworkErr error
}

func (e *CompositeError) Error() string {
	return fmt.Sprintf("fetch: cache and network both failed: cache: %v; network: %v", e.CacheErr, e.NetworkErr)
}

func (e *CompositeError) Unwrap() []error {
	return []error{e.CacheErr, e.NetworkErr}
}
