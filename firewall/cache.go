// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"promptgate/platform/shared/logger"
)

// cacheKeyPrefix namespaces result entries in the shared tier.
const cacheKeyPrefix = "validation:"

// CacheEntry is the stored form of a verdict: the result minus
// latency and timestamp, plus the policy version observed at
// insertion for the staleness check.
type CacheEntry struct {
	Verdict       Verdict `json:"verdict"`
	Fingerprint   string  `json:"prompt_fingerprint"`
	PolicyID      string  `json:"policy_id"`
	PolicyVersion int     `json:"policy_version"`
}

// lruEntry is one L1 slot.
type lruEntry struct {
	key       string
	value     *CacheEntry
	expiresAt time.Time
}

// lruCache is a bounded, TTL-aware LRU map. All operations are O(1)
// and non-blocking (no I/O under the lock).
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recent
	items    map[string]*list.Element
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	// A zero or negative capacity would disable eviction entirely and
	// let the map grow without bound.
	if capacity < 1 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) Get(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*lruEntry)
	if time.Now().After(ent.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return ent.value, true
}

func (c *lruCache) Put(key string, value *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*lruEntry)
		ent.value = value
		ent.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}

	elem := c.order.PushFront(&lruEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[key] = elem
}

func (c *lruCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// ResultCache memoizes safe verdicts across two tiers: a process-local
// LRU and a shared Redis store. Backend errors downgrade silently to a
// miss; the cache never fails a request.
type ResultCache struct {
	l1    *lruCache
	l2    *redis.Client // nil disables the shared tier
	ttlL2 time.Duration
	log   *logger.Logger
}

// NewResultCache builds the two-tier cache. Pass a nil client to run
// with L1 only.
func NewResultCache(l2 *redis.Client, l1Size int, ttlL1, ttlL2 time.Duration) *ResultCache {
	return &ResultCache{
		l1:    newLRUCache(l1Size, ttlL1),
		l2:    l2,
		ttlL2: ttlL2,
		log:   logger.New("result-cache"),
	}
}

// Get looks up a fingerprint, checking L1 then L2 and promoting L2
// hits. An entry whose stored policy version differs from the active
// version is treated as a miss and lazily deleted: reloads change
// fingerprints already, this defends the reload-plus-collision edge.
func (c *ResultCache) Get(ctx context.Context, fingerprint string, activeVersion int) (*CacheEntry, bool) {
	if entry, ok := c.l1.Get(fingerprint); ok {
		if entry.PolicyVersion != activeVersion {
			c.Invalidate(ctx, fingerprint)
			promCacheOps.WithLabelValues("get", "stale").Inc()
			return nil, false
		}
		promCacheOps.WithLabelValues("get", "l1_hit").Inc()
		return entry, true
	}

	if c.l2 == nil {
		promCacheOps.WithLabelValues("get", "miss").Inc()
		return nil, false
	}

	raw, err := c.l2.Get(ctx, cacheKeyPrefix+fingerprint).Result()
	if err != nil {
		if err != redis.Nil {
			promCacheOps.WithLabelValues("get", "error").Inc()
			c.log.ErrorWithErr("", "L2 read failed, treating as miss", err, nil)
		} else {
			promCacheOps.WithLabelValues("get", "miss").Inc()
		}
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		promCacheOps.WithLabelValues("get", "error").Inc()
		c.log.ErrorWithErr("", "L2 entry corrupt, deleting", err, nil)
		c.Invalidate(ctx, fingerprint)
		return nil, false
	}
	if entry.PolicyVersion != activeVersion {
		c.Invalidate(ctx, fingerprint)
		promCacheOps.WithLabelValues("get", "stale").Inc()
		return nil, false
	}

	c.l1.Put(fingerprint, &entry)
	promCacheOps.WithLabelValues("get", "l2_hit").Inc()
	return &entry, true
}

// Put stores a verdict in both tiers. Only safe results are eligible:
// a verdict that blocked, warned, or carries findings could mask later
// policy or pattern changes, so the cache refuses it regardless of
// caller.
func (c *ResultCache) Put(ctx context.Context, entry *CacheEntry) {
	if entry.Verdict.Status != StatusAllowed || len(entry.Verdict.Findings) > 0 {
		promCacheOps.WithLabelValues("put", "rejected").Inc()
		return
	}

	c.l1.Put(entry.Fingerprint, entry)

	if c.l2 == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		promCacheOps.WithLabelValues("put", "error").Inc()
		return
	}
	if err := c.l2.Set(ctx, cacheKeyPrefix+entry.Fingerprint, raw, c.ttlL2).Err(); err != nil {
		promCacheOps.WithLabelValues("put", "error").Inc()
		c.log.ErrorWithErr("", "L2 write failed", err, nil)
		return
	}
	promCacheOps.WithLabelValues("put", "success").Inc()
}

// Invalidate removes a fingerprint from both tiers, best effort.
func (c *ResultCache) Invalidate(ctx context.Context, fingerprint string) {
	c.l1.Delete(fingerprint)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, cacheKeyPrefix+fingerprint).Err(); err != nil {
			c.log.ErrorWithErr("", "L2 delete failed", err, nil)
		}
	}
}

// L1Len reports the current L1 entry count, for statistics.
func (c *ResultCache) L1Len() int { return c.l1.Len() }
