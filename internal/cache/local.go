package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dist-adapter/ea-framework/internal/model"
)

// Local is a thread-safe, fixed-capacity in-memory cache with LRU
// eviction and lazy TTL expiration, per spec.md §4.1. On Set at
// capacity, the least-recently-used entry is evicted; Get promotes the
// accessed entry to the front and lazily removes it if expired.
//
// A currently-live success entry is not overwritten by a subsequent
// error Set for the same key until it naturally expires (spec.md §4.1
// "Success-vs-error policy", §3 invariants).
type Local struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	now        func() time.Time
}

type localNode struct {
	key   string
	entry model.CacheEntry
}

// NewLocal creates a local cache with the given capacity. maxEntries<=0
// means unbounded (no eviction ever triggers).
func NewLocal(maxEntries int) *Local {
	return &Local{
		entries:    make(map[string]*list.Element, maxEntries),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached response if present and not expired. Expired
// entries are removed lazily on access, matching the teacher's L1Cache.
func (c *Local) Get(_ context.Context, key string) (model.AdapterResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return model.AdapterResponse{}, false, nil
	}

	node := elem.Value.(*localNode)
	if !node.entry.Live(c.now()) {
		c.removeElementLocked(elem)
		return model.AdapterResponse{}, false, nil
	}

	c.order.MoveToFront(elem)
	return node.entry.Value, true, nil
}

// Set stores value under key with the given ttl, evicting the
// least-recently-used entry if the cache is at capacity. A live
// success entry is preserved against an incoming error write.
func (c *Local) Set(_ context.Context, key string, value model.AdapterResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
	return nil
}

// SetMany stores all entries atomically with respect to the cache's
// internal mutex: no reader observes a partial batch write.
func (c *Local) SetMany(_ context.Context, entries map[string]model.AdapterResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range entries {
		c.setLocked(key, value, ttl)
	}
	return nil
}

func (c *Local) setLocked(key string, value model.AdapterResponse, ttl time.Duration) {
	now := c.now()

	if elem, ok := c.entries[key]; ok {
		node := elem.Value.(*localNode)
		if node.entry.Live(now) && node.entry.Value.IsSuccess() && !value.IsSuccess() {
			// A live success entry dominates a concurrent error write
			// within its TTL (spec.md §3 invariants, §4.1 policy).
			c.order.MoveToFront(elem)
			return
		}
		node.entry = model.CacheEntry{Value: value, ExpiresAt: now.Add(ttl)}
		c.order.MoveToFront(elem)
		return
	}

	if c.maxEntries > 0 && c.order.Len() >= c.maxEntries {
		c.evictLRULocked()
	}

	node := &localNode{key: key, entry: model.CacheEntry{Value: value, ExpiresAt: now.Add(ttl)}}
	elem := c.order.PushFront(node)
	c.entries[key] = elem
}

// Delete removes key unconditionally.
func (c *Local) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeElementLocked(elem)
	}
	return nil
}

func (c *Local) removeElementLocked(elem *list.Element) {
	node := elem.Value.(*localNode)
	delete(c.entries, node.key)
	c.order.Remove(elem)
}

func (c *Local) evictLRULocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.removeElementLocked(oldest)
}

// Len reports the current number of entries, including not-yet-swept
// expired ones (spec.md §4.1: "No background GC").
func (c *Local) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys returns a snapshot of all keys currently stored, live or expired,
// for use by the cache-key pattern introspection helper.
func (c *Local) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
