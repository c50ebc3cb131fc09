// Package reasoningcache remembers the reasoning/thinking text a model
// produced before a given assistant reply, keyed by a fingerprint of
// that reply's content, so a later request that carries the reply as a
// prior assistant turn can be sent with the same reasoning text.
package reasoningcache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultText is returned by Retrieve when no reasoning has been
// recorded for the content yet. Callers use it verbatim rather than
// leaving a reasoning field empty.
const DefaultText = "I analyzed the request carefully before responding."

// DefaultCapacity is used by New when capacity <= 0.
const DefaultCapacity = 256

// Cache maps a fingerprint of request content to the reasoning text
// observed for it. It is safe for concurrent use by many readers and
// one writer per key; the underlying LRU serializes all access
// internally.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[uint64, string]
	cap int
}

// New builds a Cache with room for cap distinct fingerprints. A
// non-positive cap falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[uint64, string](capacity)
	if err != nil {
		// Only returns an error for a non-positive size, which we've
		// already ruled out above.
		panic(err)
	}
	return &Cache{lru: l, cap: capacity}
}

// Fingerprint hashes the raw content used to key the cache. Callers
// pass the assistant's textual content: the accumulated streamed
// content when storing, the prior assistant turn's text when
// retrieving.
func Fingerprint(content []byte) uint64 {
	return xxhash.Sum64(content)
}

// Store records reasoning text for the given content, evicting the
// least recently used entry if the cache is full.
func (c *Cache) Store(content []byte, reasoning string) {
	if reasoning == "" {
		return
	}
	key := Fingerprint(content)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, reasoning)
}

// Retrieve returns the reasoning text recorded for content, or
// (DefaultText, false) if nothing has been recorded yet.
func (c *Cache) Retrieve(content []byte) (string, bool) {
	key := Fingerprint(content)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.lru.Get(key); ok {
		return v, true
	}
	return DefaultText, false
}

// Len reports how many fingerprints are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
