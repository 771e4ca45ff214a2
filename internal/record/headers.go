package record

// Well-known cache header names understood by the bundled MemoryCache.
// Other layers only forward headers.
const (
	// HeaderDoNotStore skips persisting records on write.
	HeaderDoNotStore = "do-not-store"
	// HeaderEvictAfterRead removes records once they have been read.
	HeaderEvictAfterRead = "evict-after-read"
	// HeaderMemoryCacheOnly keeps reads and writes out of chained caches.
	HeaderMemoryCacheOnly = "memory-cache-only"
)

// CacheHeaders is an immutable bag of side-channel directives passed through
// every read and write.
type CacheHeaders struct {
	values map[string]string
}

// NoHeaders is the empty header set.
var NoHeaders = CacheHeaders{}

// With returns a copy of h with name set to value.
func (h CacheHeaders) With(name, value string) CacheHeaders {
	values := make(map[string]string, len(h.values)+1)
	for k, v := range h.values {
		values[k] = v
	}
	values[name] = value
	return CacheHeaders{values: values}
}

// Get returns the value for name.
func (h CacheHeaders) Get(name string) (string, bool) {
	v, ok := h.values[name]
	return v, ok
}

// Has reports whether name is present with a value other than "false".
func (h CacheHeaders) Has(name string) bool {
	v, ok := h.values[name]
	return ok && v != "false"
}
