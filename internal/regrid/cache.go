package regrid

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the number of operators kept when no size is given.
const DefaultCacheSize = 16

// Cache keeps recently used operators keyed by source grid, target grid and
// method. Concurrent requests for the same missing operator share one build.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	group  singleflight.Group
	builds atomic.Int64
}

// NewCache creates a cache holding at most maxEntries operators.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheSize
	}
	return &Cache{lru: lru.New(maxEntries)}
}

func operatorKey(src, dst Grid, method Method) string {
	return fmt.Sprintf("%s|%s|%s", method, src.Fingerprint(), dst.Fingerprint())
}

// Operator returns the cached operator for (src, dst, method), building it on
// a miss.
func (c *Cache) Operator(src, dst Grid, method Method) (*Operator, error) {
	key := operatorKey(src, dst, method)
	if op, ok := c.get(key); ok {
		return op, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if op, ok := c.get(key); ok {
			return op, nil
		}
		op, err := BuildOperator(src, dst, method)
		if err != nil {
			return nil, err
		}
		c.builds.Add(1)
		c.mu.Lock()
		c.lru.Add(key, op)
		c.mu.Unlock()
		return op, nil
	})
	if err != nil {
		return nil, err
	}
	op, ok := v.(*Operator)
	if !ok {
		return nil, fmt.Errorf("unexpected operator type %T", v)
	}
	return op, nil
}

func (c *Cache) get(key string) (*Operator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Operator), true
}

// Builds returns how many operators have been constructed.
func (c *Cache) Builds() int64 { return c.builds.Load() }

// Len returns the number of cached operators.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
