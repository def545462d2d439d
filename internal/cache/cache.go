package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Resource specific TTLs
const (
	FoldersTTL  = 10 * time.Minute
	MessagesTTL = 5 * time.Minute
	ContentTTL  = 30 * time.Minute
	UserInfoTTL = time.Hour
)

// maxKeyLength bounds key size; longer keys are content hashed
const maxKeyLength = 200

var (
	lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsync_cache_lookups_total",
		Help: "Cache lookups by tier and result",
	}, []string{"tier", "result"})
	sharedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_cache_shared_errors_total",
		Help: "Failed calls to the shared cache tier",
	})
)

// Config defines tiered cache behaviour
type Config struct {
	Local LocalCacheConfig
	// SharedTimeout bounds every shared-tier call except prefix deletes
	SharedTimeout time.Duration
	// ScanTimeout bounds a prefix delete, which walks the whole keyspace
	ScanTimeout time.Duration
	// SharedBackoff is how long the shared tier is skipped after a failure
	SharedBackoff time.Duration
}

// Cache is a two-tier response cache. The shared tier is optional; any
// failure there degrades to the local tier without surfacing an error.
type Cache struct {
	shared  SharedStore
	local   *LocalCache
	cfg     Config
	logger  zerolog.Logger
	mu      sync.Mutex
	downTil time.Time
	now     func() time.Time
}

// New creates a cache. shared may be nil.
func New(shared SharedStore, cfg Config, logger zerolog.Logger) *Cache {
	if cfg.SharedTimeout <= 0 {
		cfg.SharedTimeout = 250 * time.Millisecond
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 5 * time.Second
	}
	if cfg.SharedBackoff <= 0 {
		cfg.SharedBackoff = 30 * time.Second
	}
	return &Cache{
		shared: shared,
		local:  NewLocalCache(cfg.Local),
		cfg:    cfg,
		logger: logger.With().Str("component", "cache").Logger(),
		now:    time.Now,
	}
}

// Key builds a deterministic key from an operation, a scope (normally the
// mailbox) and a parameter set. Keys over the size bound keep their op and
// scope so prefix invalidation still applies.
func Key(op, scope string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(op)
	b.WriteByte(':')
	b.WriteString(scope)
	for _, k := range names {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	key := b.String()
	if len(key) <= maxKeyLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return op + ":" + scope + ":hash:" + hex.EncodeToString(sum[:])
}

// Prefix returns the invalidation prefix for an operation and scope
func Prefix(op, scope string) string {
	return op + ":" + scope + ":"
}

// Get returns the cached value for key
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := c.local.Get(key); ok {
		lookups.WithLabelValues("local", "hit").Inc()
		return val, true
	}
	lookups.WithLabelValues("local", "miss").Inc()

	if !c.sharedUp() {
		return nil, false
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SharedTimeout)
	defer cancel()
	raw, err := c.shared.Get(sctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.sharedFailed(err)
		}
		lookups.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	expiresAt, val, ok := unframe(raw)
	remaining := expiresAt.Sub(c.now())
	if !ok || remaining <= 0 {
		lookups.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	lookups.WithLabelValues("shared", "hit").Inc()
	c.local.Set(key, val, remaining)
	return val, true
}

// Set stores value in both tiers
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.local.Set(key, value, ttl)
	if !c.sharedUp() {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SharedTimeout)
	defer cancel()
	if err := c.shared.Set(sctx, key, frame(c.now().Add(ttl), value), ttl); err != nil {
		c.sharedFailed(err)
	}
}

// Delete removes key from both tiers
func (c *Cache) Delete(ctx context.Context, key string) {
	c.local.Delete(key)
	if !c.sharedUp() {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SharedTimeout)
	defer cancel()
	if err := c.shared.Delete(sctx, key); err != nil {
		c.sharedFailed(err)
	}
}

// DeleteByPrefix removes every key starting with prefix from both tiers
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) {
	c.local.DeleteByPrefix(prefix)
	if !c.sharedUp() {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.ScanTimeout)
	defer cancel()
	if err := c.shared.DeleteByPrefix(sctx, prefix); err != nil {
		c.sharedFailed(err)
	}
}

// GetJSON decodes a cached JSON value into dest
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON encodes value as JSON and stores it
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache value not serialisable")
		return
	}
	c.Set(ctx, key, raw, ttl)
}

// Stats returns the local tier statistics
func (c *Cache) Stats() LocalCacheStats {
	return c.local.GetStats()
}

// Close stops background work. The cache is not authoritative so nothing is
// flushed.
func (c *Cache) Close() {
	c.local.Stop()
}

func (c *Cache) sharedUp() bool {
	if c.shared == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.downTil)
}

func (c *Cache) sharedFailed(err error) {
	sharedErrors.Inc()
	c.mu.Lock()
	c.downTil = c.now().Add(c.cfg.SharedBackoff)
	c.mu.Unlock()
	c.logger.Warn().Err(err).Dur("backoff", c.cfg.SharedBackoff).Msg("shared cache unavailable, using local tier")
}

// frame prefixes value with its absolute expiry so a local copy made from a
// shared hit never outlives the shared entry.
func frame(expiresAt time.Time, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out, uint64(expiresAt.UnixNano()))
	copy(out[8:], value)
	return out
}

func unframe(raw []byte) (time.Time, []byte, bool) {
	if len(raw) < 8 {
		return time.Time{}, nil, false
	}
	nanos := int64(binary.BigEndian.Uint64(raw[:8]))
	return time.Unix(0, nanos), raw[8:], true
}
