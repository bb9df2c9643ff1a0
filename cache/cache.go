// Package cache implements the resource response cache: a TTL-bound, per-URI
// entry store with serialized writes so two concurrent reads of the same
// resource never race a refetch.
package cache

import (
	"sync"
	"time"
)

// Entry is one cached resource body.
type Entry struct {
	Content  []byte
	MimeType string
	cachedAt time.Time
}

// ResourceCache is an in-memory, TTL-bound cache keyed by resource URI. A
// per-URI mutex ("singleflight"-shaped, but hand-rolled since the cache is a
// single-purpose map and pulling in a generic singleflight dependency for one
// call site isn't warranted) ensures concurrent readers of the same URI
// collapse into one fetch rather than stampeding the backing handler.
type ResourceCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	locks   map[string]*sync.Mutex
}

// New creates a ResourceCache whose entries expire ttl after being stored.
func New(ttl time.Duration) *ResourceCache {
	return &ResourceCache{
		ttl:     ttl,
		entries: map[string]*Entry{},
		locks:   map[string]*sync.Mutex{},
	}
}

// lockFor returns (creating if necessary) the per-URI write mutex.
func (c *ResourceCache) lockFor(uri string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[uri]
	if !ok {
		l = &sync.Mutex{}
		c.locks[uri] = l
	}
	return l
}

// Get returns the cached entry for uri if present and not expired.
func (c *ResourceCache) Get(uri string) (*Entry, bool) {
	c.mu.Lock()
	e, ok := c.entries[uri]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.cachedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, uri)
		c.mu.Unlock()
		return nil, false
	}
	return e, true
}

// GetOrLoad returns the cached entry for uri, or calls load under a per-URI
// lock and stores the result if it was missing/expired.
func (c *ResourceCache) GetOrLoad(uri string, load func() ([]byte, string, error)) (*Entry, error) {
	if e, ok := c.Get(uri); ok {
		return e, nil
	}
	lock := c.lockFor(uri)
	lock.Lock()
	defer lock.Unlock()

	// another writer may have populated it while we waited for the lock
	if e, ok := c.Get(uri); ok {
		return e, nil
	}
	content, mimeType, err := load()
	if err != nil {
		return nil, err
	}
	entry := &Entry{Content: content, MimeType: mimeType, cachedAt: time.Now()}
	c.mu.Lock()
	c.entries[uri] = entry
	c.mu.Unlock()
	return entry, nil
}

// Invalidate drops the cached entry for uri, if any, forcing the next read
// to refetch.
func (c *ResourceCache) Invalidate(uri string) {
	c.mu.Lock()
	delete(c.entries, uri)
	c.mu.Unlock()
}
