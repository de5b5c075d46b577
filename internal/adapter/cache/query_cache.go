package cache

import (
	"container/list"
	"sync"
	"time"

	"ragkb/internal/domain"
)

// QueryCache is an LRU+TTL cache of query embeddings. Keys include the
// tenant so one tenant's queries never warm another tenant's cache.
type QueryCache struct {
	mu      sync.Mutex
	lru     *list.List // front is most recently used
	entries map[queryKey]*list.Element
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type queryKey struct {
	tenant domain.TenantID
	model  string
	query  string
}

type cacheEntry struct {
	key      queryKey
	vector   []float32
	storedAt time.Time
}

func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QueryCache{
		lru:     list.New(),
		entries: make(map[queryKey]*list.Element, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *QueryCache) Get(tenant domain.TenantID, model, query string) ([]float32, bool) {
	key := queryKey{tenant, model, query}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.remove(el)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return entry.vector, true
}

func (c *QueryCache) Put(tenant domain.TenantID, model, query string, vector []float32) {
	key := queryKey{tenant, model, query}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.vector = vector
		entry.storedAt = c.now()
		c.lru.MoveToFront(el)
		return
	}
	for c.lru.Len() >= c.maxSize {
		c.remove(c.lru.Back())
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, vector: vector, storedAt: c.now()})
}

// InvalidateTenant drops every entry owned by tenant.
func (c *QueryCache) InvalidateTenant(tenant domain.TenantID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*cacheEntry).key.tenant == tenant {
			c.remove(el)
		}
		el = next
	}
}

func (c *QueryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *QueryCache) remove(el *list.Element) {
	entry := c.lru.Remove(el).(*cacheEntry)
	delete(c.entries, entry.key)
}
