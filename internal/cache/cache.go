package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
)

const (
	defaultShardCount      = 16
	defaultTTL             = 15 * time.Minute
	defaultCleanupInterval = time.Minute
)

// DocumentKey identifies a document's extraction by content and window.
// The same bytes split with a different window give a different key.
func DocumentKey(data []byte, window int) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + ":" + strconv.Itoa(window)
}

type entry struct {
	result    *domain.DocumentResult
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// ResultCache is a sharded in-memory TTL cache of assembled documents.
// Entries beyond maxEntries per shard evict the entry closest to expiry.
type ResultCache struct {
	shards          []*shard
	ttl             time.Duration
	maxPerShard     int
	cleanupInterval time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	cleanupMu      sync.Mutex
	cleanupRunning bool
	cleanupStop    chan struct{}
	cleanupWg      sync.WaitGroup
}

// Config holds cache settings
type Config struct {
	Shards     int
	TTL        time.Duration
	MaxEntries int
}

// New creates a result cache
func New(cfg Config) *ResultCache {
	if cfg.Shards < 1 {
		cfg.Shards = defaultShardCount
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}

	maxPerShard := 0
	if cfg.MaxEntries > 0 {
		maxPerShard = (cfg.MaxEntries + cfg.Shards - 1) / cfg.Shards
	}

	return &ResultCache{
		shards:          shards,
		ttl:             cfg.TTL,
		maxPerShard:     maxPerShard,
		cleanupInterval: defaultCleanupInterval,
	}
}

// Compile-time interface check
var _ domain.ResultCache = (*ResultCache)(nil)

func (c *ResultCache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns a copy-safe pointer to the cached result. Callers must not modify it.
func (c *ResultCache) Get(ctx context.Context, key string) (*domain.DocumentResult, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.result, true
}

// Set stores a result
func (c *ResultCache) Set(ctx context.Context, key string, result *domain.DocumentResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && c.maxPerShard > 0 && len(s.entries) >= c.maxPerShard {
		s.evictOne(now)
	}
	s.entries[key] = &entry{result: result, expiresAt: now.Add(c.ttl)}
	return nil
}

// evictOne drops an expired entry if there is one, otherwise the one expiring first. Caller holds the lock.
func (s *shard) evictOne(now time.Time) {
	var victim string
	var soonest time.Time
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			return
		}
		if victim == "" || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
		}
	}
	delete(s.entries, victim)
}

// Delete removes a result
func (c *ResultCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// CleanExpired removes every expired entry
func (c *ResultCache) CleanExpired(ctx context.Context) error {
	now := time.Now()
	for _, s := range c.shards {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		for k, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// StartCleanupWorker periodically removes expired entries until StopCleanupWorker
func (c *ResultCache) StartCleanupWorker() {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	if c.cleanupRunning {
		return
	}
	c.cleanupRunning = true
	c.cleanupStop = make(chan struct{})

	c.cleanupWg.Add(1)
	go c.cleanupLoop(c.cleanupStop)
}

// StopCleanupWorker stops the cleanup goroutine and waits for it
func (c *ResultCache) StopCleanupWorker() {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	if !c.cleanupRunning {
		return
	}
	close(c.cleanupStop)
	c.cleanupWg.Wait()
	c.cleanupRunning = false
}

func (c *ResultCache) cleanupLoop(stop <-chan struct{}) {
	defer c.cleanupWg.Done()

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = c.CleanExpired(ctx)
			cancel()
		}
	}
}

// Stats describes cache usage
type Stats struct {
	Entries int   `json:"entries"`
	Expired int   `json:"expired"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats counts entries and lookups
func (c *ResultCache) Stats() Stats {
	now := time.Now()
	stats := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	for _, s := range c.shards {
		s.mu.RLock()
		stats.Entries += len(s.entries)
		for _, e := range s.entries {
			if e.expired(now) {
				stats.Expired++
			}
		}
		s.mu.RUnlock()
	}
	return stats
}
