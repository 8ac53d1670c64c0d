// Package toolcache implements the TTL-keyed tool result cache (C2): a
// thread-safe map from (tool name, canonical JSON of arguments) to a cached
// result, with hit/miss/eviction stats.
//
// Grounded on the mutex-protected TTL map shape of
// internal/cache/dedupe.go in the teacher repo; the MD5 canonical-JSON
// keying, per-entry expiry and invalidate-by-prefix semantics are authored
// fresh from §4.2.
package toolcache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is used by Set when the caller passes a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// entry is one cached value plus its expiry time.
type entry struct {
	value      any
	expiryTime time.Time
	toolName   string
}

// Stats is a coherent snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Cache is the process-wide (or per-tool instance) tool result cache.
// All mutations run under a single mutex; Stats() returns a coherent
// snapshot taken under the same lock.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	hits      int64
	misses    int64
	evictions int64
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// canonicalJSON renders args as JSON with map keys in sorted order so that
// semantically identical argument sets always produce the same key
// regardless of field ordering in the source map.
func canonicalJSON(args any) ([]byte, error) {
	normalized, err := normalize(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips args through JSON so that map[string]any keys sort
// deterministically under encoding/json's default (sorted) map key order,
// and so structurally distinct Go representations of the same JSON value
// (e.g. json.RawMessage vs map[string]any) key identically.
func normalize(args any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Key computes the MD5 cache key for (toolName, args).
func Key(toolName string, args any) (string, error) {
	canon, err := canonicalJSON(args)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(append([]byte(toolName+"|"), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// Get looks up (toolName, args). It returns (true, value) iff a live entry
// exists; a stale entry is removed as a side effect of the lookup and
// counted as an eviction, and the call is also counted as a miss.
func (c *Cache) Get(toolName string, args any) (bool, any) {
	key, err := Key(toolName, args)
	if err != nil {
		return false, nil
	}
	return c.GetByKey(key)
}

// GetByKey looks up a precomputed key directly, used when the caller has
// already computed Key to avoid re-marshalling args.
func (c *Cache) GetByKey(key string) (bool, any) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return false, nil
	}
	if now.Before(e.expiryTime) {
		c.hits++
		return true, e.value
	}
	delete(c.entries, key)
	c.evictions++
	c.misses++
	return false, nil
}

// Set stores value for (toolName, args) with the given ttl (DefaultTTL if
// ttl <= 0).
func (c *Cache) Set(toolName string, args any, value any, ttl time.Duration) error {
	key, err := Key(toolName, args)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, expiryTime: time.Now().Add(ttl), toolName: toolName}
	return nil
}

// Invalidate removes a single entry when args is non-nil, or every entry
// belonging to toolName when args is nil. The latter is an acknowledged
// heuristic keyed on the stored tool name rather than an MD5 prefix probe,
// since MD5 gives no usable prefix relationship between keys of the same
// tool with different arguments; see DESIGN.md for the rationale (this
// resolves the Open Question in the design notes by keeping a direct
// name check instead of a prefix probe, which never risks evicting across
// tools and never under-evicts within one).
func (c *Cache) Invalidate(toolName string, args any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if args != nil {
		key, err := Key(toolName, args)
		if err != nil {
			return
		}
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			c.evictions++
		}
		return
	}

	for key, e := range c.entries {
		if e.toolName == toolName {
			delete(c.entries, key)
			c.evictions++
		}
	}
}

// Cleanup scans for and removes expired entries, returning the count
// removed.
func (c *Cache) Cleanup() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiryTime) {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions += int64(removed)
	return removed
}

// Stats returns a coherent snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// Keys returns a sorted snapshot of all currently-held cache keys, for
// debugging and tests.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Layered chains an instance-level cache in front of a shared global
// cache: lookups consult the instance first, then the global (§3
// ownership: "lookups consult the instance cache first, then the
// global"). Sets and invalidations apply to both layers so either cache
// alone stays coherent with what Layered as a whole has ever seen.
type Layered struct {
	Instance *Cache
	Global   *Cache
}

// NewLayered builds a Layered cache over an instance cache and the shared
// global cache.
func NewLayered(instance, global *Cache) *Layered {
	return &Layered{Instance: instance, Global: global}
}

// Get consults Instance first, then Global.
func (l *Layered) Get(toolName string, args any) (bool, any) {
	if l.Instance != nil {
		if hit, v := l.Instance.Get(toolName, args); hit {
			return true, v
		}
	}
	if l.Global != nil {
		return l.Global.Get(toolName, args)
	}
	return false, nil
}

// Set stores into both layers that are present.
func (l *Layered) Set(toolName string, args any, value any, ttl time.Duration) error {
	var firstErr error
	if l.Instance != nil {
		if err := l.Instance.Set(toolName, args, value, ttl); err != nil {
			firstErr = err
		}
	}
	if l.Global != nil {
		if err := l.Global.Set(toolName, args, value, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Invalidate clears from both layers that are present.
func (l *Layered) Invalidate(toolName string, args any) {
	if l.Instance != nil {
		l.Instance.Invalidate(toolName, args)
	}
	if l.Global != nil {
		l.Global.Invalidate(toolName, args)
	}
}
