package comparison

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/epubviz/comparison/internal/store"
	"github.com/hazyhaar/epubviz/dbopen"
)

// Cache stores fetched comparisons by key. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, key Key) (*VisualComparison, error)
	Put(ctx context.Context, key Key, vc *VisualComparison) error
	Delete(ctx context.Context, key Key) error
}

// MemoryCache is an in-process Cache with a TTL and a size bound.
type MemoryCache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[Key]memEntry
}

type memEntry struct {
	vc      *VisualComparison
	expires time.Time
}

// NewMemoryCache returns a MemoryCache. ttl <= 0 means entries never
// expire; maxEntries <= 0 means 256.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &MemoryCache{ttl: ttl, maxEntries: maxEntries, now: time.Now, entries: make(map[Key]memEntry)}
}

// Get returns the cached comparison for key.
func (c *MemoryCache) Get(_ context.Context, key Key) (*VisualComparison, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, nil
	}
	return e.vc, nil
}

// Put stores vc under key, evicting the entry closest to expiry when full.
func (c *MemoryCache) Put(_ context.Context, key Key, vc *VisualComparison) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	e := memEntry{vc: vc}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[key] = e
	return nil
}

// Delete removes key.
func (c *MemoryCache) Delete(_ context.Context, key Key) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) evictLocked() {
	var victim Key
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expires.Before(oldest) {
			victim, oldest, first = k, e.expires, false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}

// SQLiteCache persists comparisons in SQLite.
type SQLiteCache struct {
	st  *store.Store
	ttl time.Duration
	now func() time.Time
}

// OpenSQLiteCache opens (or creates) the cache database at path. The caller
// must blank-import the sqlite driver.
func OpenSQLiteCache(path string, ttl time.Duration, opts ...dbopen.Option) (*SQLiteCache, error) {
	st, err := store.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("comparison: open cache: %w", err)
	}
	return &SQLiteCache{st: st, ttl: ttl, now: time.Now}, nil
}

// Close closes the database.
func (c *SQLiteCache) Close() error { return c.st.Close() }

// Get returns the cached comparison for key, ignoring expired rows.
func (c *SQLiteCache) Get(ctx context.Context, key Key) (*VisualComparison, error) {
	e, err := c.st.Get(ctx, key.JobID, key.ChangeID)
	if err != nil {
		return nil, fmt.Errorf("comparison: cache get %s: %w", key, err)
	}
	if e == nil || e.Expired(c.now()) {
		return nil, nil
	}
	var vc VisualComparison
	if err := json.Unmarshal(e.Payload, &vc); err != nil {
		return nil, fmt.Errorf("comparison: cache decode %s: %w", key, err)
	}
	return &vc, nil
}

// Put stores vc under key.
func (c *SQLiteCache) Put(ctx context.Context, key Key, vc *VisualComparison) error {
	payload, err := json.Marshal(vc)
	if err != nil {
		return fmt.Errorf("comparison: cache encode %s: %w", key, err)
	}
	sum := sha256.Sum256(payload)
	now := c.now()
	e := &store.Entry{
		JobID:       key.JobID,
		ChangeID:    key.ChangeID,
		Payload:     payload,
		ContentHash: hex.EncodeToString(sum[:]),
		FetchedAt:   now.UnixMilli(),
	}
	if c.ttl > 0 {
		exp := now.Add(c.ttl).UnixMilli()
		e.ExpiresAt = &exp
	}
	if err := c.st.Put(ctx, e); err != nil {
		return fmt.Errorf("comparison: cache put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *SQLiteCache) Delete(ctx context.Context, key Key) error {
	return c.st.Delete(ctx, key.JobID, key.ChangeID)
}

// Purge removes expired rows and returns how many were deleted.
func (c *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	return c.st.DeleteExpired(ctx, c.now())
}

// Cached is a Source that consults a Cache first. Only successful fetches
// are cached, so a change that gains a preview later is picked up.
type Cached struct {
	src    Source
	cache  Cache
	logger *slog.Logger
}

// NewCached wraps src with cache.
func NewCached(src Source, cache Cache, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{src: src, cache: cache, logger: logger}
}

// VisualComparison implements Source.
func (c *Cached) VisualComparison(ctx context.Context, jobID, changeID string) (*VisualComparison, error) {
	key := Key{JobID: jobID, ChangeID: changeID}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	vc, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("comparison: cache read failed", "key", key.String(), "error", err)
	} else if vc != nil {
		return vc, nil
	}

	vc, err = c.src.VisualComparison(ctx, jobID, changeID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(ctx, key, vc); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("comparison: cache write failed", "key", key.String(), "error", err)
	}
	return vc, nil
}

// Invalidate drops key from the cache.
func (c *Cached) Invalidate(ctx context.Context, jobID, changeID string) error {
	return c.cache.Delete(ctx, Key{JobID: jobID, ChangeID: changeID})
}
