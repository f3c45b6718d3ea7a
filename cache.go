package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Prismer-AI/convsync/kvstore"
)

// ============================================================================
// Local cache
// ============================================================================

// CacheClass selects the TTL applied to an entry.
type CacheClass string

const (
	CacheVolatile CacheClass = "volatile" // presence, typing
	CacheShort    CacheClass = "short"    // message snapshots, conversation docs
	CacheLong     CacheClass = "long"     // titles and other static metadata
)

// CacheTTLs maps each class to its freshness window.
type CacheTTLs struct {
	Volatile time.Duration
	Short    time.Duration
	Long     time.Duration
}

// DefaultCacheTTLs are the TTLs used when none are configured.
var DefaultCacheTTLs = CacheTTLs{
	Volatile: 10 * time.Second,
	Short:    10 * time.Minute,
	Long:     7 * 24 * time.Hour,
}

const (
	cacheKeyPrefix    = "convsync/v2/"
	cacheSchema       = 2
	cacheWriteTimeout = 5 * time.Second
	migrationMarker   = cacheKeyPrefix + "_migrated"
)

// Key prefixes written by earlier releases.
var retiredCachePrefixes = []string{"convsync/v1/", "chat_", "typing_", "conv_"}

// MessagesKey is the cache key of a conversation's confirmed message snapshot.
func MessagesKey(conversationID string) string {
	return cacheKeyPrefix + "messages/" + conversationID
}

// ConversationKey is the cache key of a conversation document.
func ConversationKey(conversationID string) string {
	return cacheKeyPrefix + "conversation/" + conversationID
}

// TitleKey is the cache key of a conversation's display title.
func TitleKey(conversationID string) string {
	return cacheKeyPrefix + "title/" + conversationID
}

// TypingKey is the cache key of a conversation's typing snapshot.
func TypingKey(conversationID string) string {
	return cacheKeyPrefix + "typing/" + conversationID
}

// ConversationListKey is the cache key of a user's conversation list.
func ConversationListKey(userID string) string {
	return cacheKeyPrefix + "list/" + userID
}

type cacheEnvelope struct {
	Value    json.RawMessage `json:"v"`
	StoredAt time.Time       `json:"storedAt"`
	Class    CacheClass      `json:"class"`
	Schema   int             `json:"schema"`
}

// LocalCache is an advisory JSON cache used to paint a plausible screen before
// live data arrives. Reads never fail: a missing, stale or unparseable entry is
// a miss. Writes from the sync path go through SetAsync and never block it.
type LocalCache struct {
	backend kvstore.Backend
	clock   Clock
	ttl     CacheTTLs
	log     *zap.Logger
	metrics *Metrics

	wg      sync.WaitGroup
	mu      sync.Mutex
	queued  map[string]cacheWrite // newest unwritten value per key
	writing map[string]bool       // keys with a running writer
}

type cacheWrite struct {
	data []byte
	ttl  time.Duration
}

// CacheOption configures a LocalCache.
type CacheOption func(*LocalCache)

func WithCacheClock(clock Clock) CacheOption {
	return func(c *LocalCache) { c.clock = clock }
}

func WithCacheTTLs(ttl CacheTTLs) CacheOption {
	return func(c *LocalCache) { c.ttl = ttl }
}

func WithCacheLogger(log *zap.Logger) CacheOption {
	return func(c *LocalCache) { c.log = log }
}

func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *LocalCache) { c.metrics = m }
}

// NewLocalCache wraps backend; a nil backend means an in-memory one.
func NewLocalCache(backend kvstore.Backend, opts ...CacheOption) *LocalCache {
	if backend == nil {
		backend = kvstore.NewMemory()
	}
	c := &LocalCache{
		backend: backend,
		clock:   SystemClock,
		ttl:     DefaultCacheTTLs,
		log:     zap.NewNop(),
		queued:  make(map[string]cacheWrite),
		writing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LocalCache) ttlFor(class CacheClass) time.Duration {
	switch class {
	case CacheVolatile:
		return c.ttl.Volatile
	case CacheShort:
		return c.ttl.Short
	case CacheLong:
		return c.ttl.Long
	}
	return 0
}

// Get decodes the entry at key into v (a non-nil pointer) and reports whether
// a fresh entry was found. v is left untouched on a miss.
func (c *LocalCache) Get(ctx context.Context, key string, v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false
	}
	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.log.Debug("cache_read_failed", zap.String("key", key), zap.Error(err))
		}
		c.metrics.cacheLookup("miss")
		return false
	}
	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Schema != cacheSchema {
		c.log.Debug("cache_entry_corrupt", zap.String("key", key), zap.Error(err))
		c.metrics.cacheLookup("corrupt")
		return false
	}
	ttl := c.ttlFor(env.Class)
	if ttl <= 0 || c.clock.Now().Sub(env.StoredAt) >= ttl {
		c.metrics.cacheLookup("stale")
		return false
	}
	tmp := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(env.Value, tmp.Interface()); err != nil {
		c.log.Debug("cache_value_corrupt", zap.String("key", key), zap.Error(err))
		c.metrics.cacheLookup("corrupt")
		return false
	}
	rv.Elem().Set(tmp.Elem())
	c.metrics.cacheLookup("hit")
	return true
}

func (c *LocalCache) encode(class CacheClass, v any) ([]byte, error) {
	val, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cacheEnvelope{
		Value:    val,
		StoredAt: c.clock.Now(),
		Class:    class,
		Schema:   cacheSchema,
	})
}

// Set writes v synchronously.
func (c *LocalCache) Set(ctx context.Context, key string, class CacheClass, v any) error {
	data, err := c.encode(class, v)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, key, data, c.ttlFor(class))
}

// SetAsync snapshots v now and writes it in the background. Writes of one key
// are applied in call order; a value superseded before its turn is skipped.
// Failures are logged and dropped.
func (c *LocalCache) SetAsync(key string, class CacheClass, v any) {
	data, err := c.encode(class, v)
	if err != nil {
		c.log.Debug("cache_encode_failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.queued[key] = cacheWrite{data: data, ttl: c.ttlFor(class)}
	if c.writing[key] {
		c.mu.Unlock()
		return
	}
	c.writing[key] = true
	c.wg.Add(1)
	c.mu.Unlock()
	go c.drain(key)
}

// drain writes the queued values of key until none is left.
func (c *LocalCache) drain(key string) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		w, ok := c.queued[key]
		if !ok {
			delete(c.writing, key)
			c.mu.Unlock()
			return
		}
		delete(c.queued, key)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		if err := c.backend.Set(ctx, key, w.data, w.ttl); err != nil {
			c.log.Debug("cache_write_failed", zap.String("key", key), zap.Error(err))
		}
		cancel()
	}
}

// Flush waits for pending asynchronous writes.
func (c *LocalCache) Flush() {
	c.wg.Wait()
}

// Delete removes keys.
func (c *LocalCache) Delete(ctx context.Context, keys ...string) error {
	return c.backend.Delete(ctx, keys...)
}

// Migrate removes entries written under retired key schemes. It runs once per
// backend; later calls see the marker and return immediately.
func (c *LocalCache) Migrate(ctx context.Context) (int, error) {
	if _, err := c.backend.Get(ctx, migrationMarker); err == nil {
		return 0, nil
	}
	removed := 0
	for _, prefix := range retiredCachePrefixes {
		keys, err := c.backend.Keys(ctx, prefix)
		if err != nil {
			return removed, err
		}
		if len(keys) == 0 {
			continue
		}
		if err := c.backend.Delete(ctx, keys...); err != nil {
			return removed, err
		}
		removed += len(keys)
	}
	if err := c.backend.Set(ctx, migrationMarker, []byte(c.clock.Now().UTC().Format(time.RFC3339)), 0); err != nil {
		return removed, err
	}
	c.log.Info("cache_migrated", zap.Int("removed", removed))
	return removed, nil
}

// Close flushes pending writes and closes the backend.
func (c *LocalCache) Close() error {
	c.Flush()
	return c.backend.Close()
}
