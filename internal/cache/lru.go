package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultLRUSize = 10000

// LRUCache is an in-process cache bounded by entry count, with per-entry
// expiry. Counters live beside the entries and are swept once expired.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	recency  *list.List // front is most recently used
	counters map[string]*windowCounter
	now      func() time.Time
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time
}

type windowCounter struct {
	count   int64
	resetAt time.Time
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

func lruKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

// Get returns the value or nil on a miss or expired entry.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[lruKey(tenantID, key)]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if !c.now().Before(entry.expires) {
		c.evict(elem)
		return nil, nil
	}
	c.recency.MoveToFront(elem)
	return entry.value, nil
}

// Set stores value until ttl elapses, evicting the least recently used
// entries beyond capacity.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := lruKey(tenantID, key)
	expires := c.now().Add(ttl)
	if elem, ok := c.entries[k]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value, entry.expires = value, expires
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[k] = c.recency.PushFront(&lruEntry{key: k, value: value, expires: expires})
	for c.recency.Len() > c.capacity {
		c.evict(c.recency.Back())
	}
	return nil
}

// Delete removes the entry if present.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[lruKey(tenantID, key)]; ok {
		c.evict(elem)
	}
	return nil
}

func (c *LRUCache) GetResult(ctx context.Context, tenantID string, digest string) (*domain.AnalysisResult, error) {
	return getResult(ctx, c, tenantID, digest)
}

func (c *LRUCache) SetResult(ctx context.Context, tenantID string, digest string, result *domain.AnalysisResult, ttl time.Duration) error {
	return setResult(ctx, c, tenantID, digest, result, ttl)
}

// IncrementCounter counts hits in a fixed window that starts on the first hit.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	k := lruKey(tenantID, counterKey(key))
	if counter, ok := c.counters[k]; ok && now.Before(counter.resetAt) {
		counter.count++
		return counter.count, nil
	}

	if len(c.counters) >= c.capacity {
		c.sweepCounters(now)
	}
	c.counters[k] = &windowCounter{count: 1, resetAt: now.Add(window)}
	return 1, nil
}

func (c *LRUCache) sweepCounters(now time.Time) {
	for k, counter := range c.counters {
		if !now.Before(counter.resetAt) {
			delete(c.counters, k)
		}
	}
}

func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry and counter.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	clear(c.counters)
	c.recency.Init()
	return nil
}

// Stats returns the current entry count and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

func (c *LRUCache) evict(elem *list.Element) {
	entry := c.recency.Remove(elem).(*lruEntry)
	delete(c.entries, entry.key)
}
