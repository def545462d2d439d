package cache

import (
	"strings"
	"sync"
	"time"
)

// LocalCache provides an in-memory LRU cache with TTL support
type LocalCache struct {
	mu      sync.Mutex
	items   map[string]*localItem
	maxSize int
	maxTTL  time.Duration
	stats   LocalCacheStats
	stopCh  chan struct{}
	stopped sync.Once
	now     func() time.Time
}

type localItem struct {
	value      []byte
	expiresAt  time.Time
	accessedAt time.Time
}

// LocalCacheStats tracks local cache statistics
type LocalCacheStats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
	Size      int64
}

// LocalCacheConfig defines local cache configuration
type LocalCacheConfig struct {
	MaxSize         int
	MaxTTL          time.Duration
	CleanupInterval time.Duration
}

// DefaultLocalCacheConfig mirrors the fallback tier's defaults
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		MaxSize:         1000,
		MaxTTL:          5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// NewLocalCache creates a new local cache and starts its cleanup loop
func NewLocalCache(cfg LocalCacheConfig) *LocalCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 5 * time.Minute
	}
	lc := &LocalCache{
		items:   make(map[string]*localItem),
		maxSize: cfg.MaxSize,
		maxTTL:  cfg.MaxTTL,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	if cfg.CleanupInterval > 0 {
		go lc.cleanupLoop(cfg.CleanupInterval)
	}
	return lc
}

// Get retrieves an item from local cache
func (lc *LocalCache) Get(key string) ([]byte, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	item, ok := lc.items[key]
	if !ok {
		lc.stats.Misses++
		return nil, false
	}
	now := lc.now()
	if !now.Before(item.expiresAt) {
		delete(lc.items, key)
		lc.stats.Misses++
		return nil, false
	}
	item.accessedAt = now
	lc.stats.Hits++
	return item.value, true
}

// Set stores an item; ttl is capped at the cache's max TTL and 0 means max
func (lc *LocalCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 || ttl > lc.maxTTL {
		ttl = lc.maxTTL
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if _, exists := lc.items[key]; !exists && len(lc.items) >= lc.maxSize {
		lc.evictLRU()
	}
	now := lc.now()
	lc.items[key] = &localItem{value: value, expiresAt: now.Add(ttl), accessedAt: now}
	lc.stats.Sets++
}

// Delete removes an item
func (lc *LocalCache) Delete(key string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if _, ok := lc.items[key]; ok {
		delete(lc.items, key)
		lc.stats.Deletes++
	}
}

// DeleteByPrefix removes every item whose key starts with prefix
func (lc *LocalCache) DeleteByPrefix(prefix string) int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	n := 0
	for key := range lc.items {
		if strings.HasPrefix(key, prefix) {
			delete(lc.items, key)
			n++
		}
	}
	lc.stats.Deletes += int64(n)
	return n
}

// Clear removes all items
func (lc *LocalCache) Clear() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.items = make(map[string]*localItem)
}

// GetStats returns a snapshot of the cache statistics
func (lc *LocalCache) GetStats() LocalCacheStats {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	stats := lc.stats
	stats.Size = int64(len(lc.items))
	return stats
}

// Stop stops the cleanup loop
func (lc *LocalCache) Stop() {
	lc.stopped.Do(func() { close(lc.stopCh) })
}

// evictLRU drops the least recently accessed item. Caller holds mu.
func (lc *LocalCache) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, item := range lc.items {
		if oldestKey == "" || item.accessedAt.Before(oldest) {
			oldestKey = key
			oldest = item.accessedAt
		}
	}
	if oldestKey != "" {
		delete(lc.items, oldestKey)
		lc.stats.Evictions++
	}
}

func (lc *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lc.cleanup()
		case <-lc.stopCh:
			return
		}
	}
}

func (lc *LocalCache) cleanup() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	now := lc.now()
	for key, item := range lc.items {
		if !now.Before(item.expiresAt) {
			delete(lc.items, key)
			lc.stats.Evictions++
		}
	}
}
