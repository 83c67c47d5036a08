package contextwindow

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheKey identifies a counted message. Counts depend on the model's
// tokenizer, the role and the content.
type CacheKey struct {
	ModelID string
	Role    string
	Content string
}

// TokenCache stores token counts. Implementations must be safe for
// concurrent use. Entries are never invalidated by the manager.
type TokenCache interface {
	Get(key CacheKey) (int, bool)
	Set(key CacheKey, tokens int)
	Len() int
}

// NewMapCache returns an unbounded in-memory cache.
func NewMapCache() TokenCache {
	return &mapCache{entries: make(map[CacheKey]int)}
}

type mapCache struct {
	mu      sync.Mutex
	entries map[CacheKey]int
}

func (c *mapCache) Get(key CacheKey) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.entries[key]
	return n, ok
}

func (c *mapCache) Set(key CacheKey, tokens int) {
	c.mu.Lock()
	c.entries[key] = tokens
	c.mu.Unlock()
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// NewLRUCache returns a cache bounded to size entries, evicting the least
// recently used. A non-positive size yields an unbounded map cache.
func NewLRUCache(size int) TokenCache {
	if size <= 0 {
		return NewMapCache()
	}
	c, err := lru.New[CacheKey, int](size)
	if err != nil {
		// Only returned for size <= 0.
		return NewMapCache()
	}
	return &lruCache{c: c}
}

type lruCache struct {
	c *lru.Cache[CacheKey, int]
}

func (l *lruCache) Get(key CacheKey) (int, bool) { return l.c.Get(key) }
func (l *lruCache) Set(key CacheKey, tokens int) { l.c.Add(key, tokens) }
func (l *lruCache) Len() int                     { return l.c.Len() }

// CountStore is a persistent tier behind the in-memory cache.
type CountStore interface {
	LookupTokens(modelID, role, content string) (int, bool, error)
	StoreTokens(modelID, role, content string, tokens int) error
}

// NewTieredCache layers front over a persistent store. Store hits are
// promoted into front. Store errors are logged and treated as misses, so a
// broken store only costs extra oracle calls.
func NewTieredCache(front TokenCache, store CountStore, logger *slog.Logger) TokenCache {
	if front == nil {
		front = NewMapCache()
	}
	if store == nil {
		return front
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &tieredCache{front: front, store: store, logger: logger}
}

type tieredCache struct {
	front  TokenCache
	store  CountStore
	logger *slog.Logger
}

func (t *tieredCache) Get(key CacheKey) (int, bool) {
	if n, ok := t.front.Get(key); ok {
		return n, true
	}
	n, ok, err := t.store.LookupTokens(key.ModelID, key.Role, key.Content)
	if err != nil {
		t.logger.Warn("token store lookup failed", "model", key.ModelID, "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	t.front.Set(key, n)
	return n, true
}

func (t *tieredCache) Set(key CacheKey, tokens int) {
	t.front.Set(key, tokens)
	if err := t.store.StoreTokens(key.ModelID, key.Role, key.Content, tokens); err != nil {
		t.logger.Warn("token store write failed", "model", key.ModelID, "error", err)
	}
}

func (t *tieredCache) Len() int { return t.front.Len() }
