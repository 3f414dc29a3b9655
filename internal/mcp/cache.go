package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"tandem/internal/logging"
	"tandem/internal/tools"
)

// maxCachedResultSize skips caching for oversized results.
const maxCachedResultSize = 100 * 1024

// cacheEntry is a cached tool result plus its write timestamp.
type cacheEntry struct {
	result   tools.ToolResult
	written  time.Time
	serverID string
}

// ResultCache caches successful external tool results keyed by server,
// tool, and arguments. Entries expire after a TTL; when the cache is full
// the oldest quarter of entries by write time is evicted in one batch.
type ResultCache struct {
	entries    map[string]*cacheEntry
	maxEntries int
	ttl        time.Duration
	mu         sync.Mutex

	hits   int
	misses int
}

// NewResultCache creates a result cache. Non-positive arguments fall back
// to 200 entries and a 5 minute TTL.
func NewResultCache(maxEntries int, ttl time.Duration) *ResultCache {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &ResultCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// cacheKey builds a deterministic key from server, tool, and arguments.
// Arguments are serialized as canonical JSON so that semantically equal
// argument maps produce the same key regardless of insertion order.
func cacheKey(serverID, toolName string, args map[string]any) string {
	canonical := canonicalJSON(args)
	sum := sha256.Sum256([]byte(serverID + "\x00" + toolName + "\x00" + canonical))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON serializes a value with map keys sorted recursively.
func canonicalJSON(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			kb, _ := json.Marshal(k)
			out += string(kb) + ":" + canonicalJSON(val[k])
		}
		return out + "}"
	case []any:
		out := "["
		for i, item := range val {
			if i > 0 {
				out += ","
			}
			out += canonicalJSON(item)
		}
		return out + "]"
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}

// Get returns a cached result if present and not expired.
func (c *ResultCache) Get(serverID, toolName string, args map[string]any) (tools.ToolResult, bool) {
	key := cacheKey(serverID, toolName, args)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return tools.ToolResult{}, false
	}

	if time.Since(entry.written) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return tools.ToolResult{}, false
	}

	c.hits++
	result := entry.result
	result.Cached = true
	return result, true
}

// Put stores a successful result. Failed and oversized results are not cached.
func (c *ResultCache) Put(serverID, toolName string, args map[string]any, result tools.ToolResult) {
	if !result.Success {
		return
	}
	if len(result.Content) > maxCachedResultSize {
		logging.Debug("skipping cache for large result",
			"server", serverID,
			"tool", toolName,
			"size", len(result.Content))
		return
	}

	key := cacheKey(serverID, toolName, args)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	c.entries[key] = &cacheEntry{
		result:   result,
		written:  time.Now(),
		serverID: serverID,
	}
}

// evictOldest removes the oldest quarter of entries by write time.
// Must be called with c.mu held.
func (c *ResultCache) evictOldest() {
	type keyed struct {
		key     string
		written time.Time
	}

	all := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, keyed{key: k, written: e.written})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].written.Before(all[j].written)
	})

	evict := len(all) / 4
	if evict < 1 {
		evict = 1
	}
	for _, k := range all[:evict] {
		delete(c.entries, k.key)
	}

	logging.Debug("cache evicted oldest entries",
		"evicted", evict,
		"remaining", len(c.entries))
}

// InvalidateServer removes all entries for one server.
func (c *ResultCache) InvalidateServer(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if entry.serverID == serverID {
			delete(c.entries, key)
		}
	}
}

// Clear removes all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
}

// Stats reports cache effectiveness counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}

	return CacheStats{
		Entries:    len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    rate,
		MaxEntries: c.maxEntries,
		TTL:        c.ttl,
	}
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Entries    int
	Hits       int
	Misses     int
	HitRate    float64
	MaxEntries int
	TTL        time.Duration
}
