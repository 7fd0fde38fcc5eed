// Package msgcache implements the message cache: a process-wide,
// per-mailbox UID-to-message lookup that lets repeated FETCH/SEARCH
// traffic on a hot mailbox skip re-reading from storage. It is a cache,
// not a store of record — Clear (and per-mailbox Evict) must be safe to
// call at any time without losing correctness, only performance.
package msgcache

import (
	"sync"

	"raven/internal/patricia"
)

// Message is the minimal shape the cache needs from a cached message; the
// mailbox/message packages satisfy this with their real message type.
type Message any

type mailboxCache struct {
	tree       patricia.Tree[Message]
	generation uint64
}

// Cache is a process-wide cache of Message values keyed by (mailbox id,
// UID). It is safe for concurrent use by multiple connection goroutines.
type Cache struct {
	mu       sync.RWMutex
	enabled  bool
	mailboxes map[int64]*mailboxCache
}

// New returns an enabled, empty Cache.
func New() *Cache {
	return &Cache{enabled: true, mailboxes: make(map[int64]*mailboxCache)}
}

// SetEnabled turns caching on or off process-wide; Insert is a no-op and
// Find always misses while disabled, without discarding what's already
// cached (so re-enabling picks back up where it left off).
func (c *Cache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Insert caches m under (mailboxID, uid).
func (c *Cache) Insert(mailboxID int64, uid uint32, m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	mc := c.mailboxes[mailboxID]
	if mc == nil {
		mc = &mailboxCache{}
		c.mailboxes[mailboxID] = mc
	}
	mc.tree.Insert(uint64(uid), m)
}

// Find returns the cached message for (mailboxID, uid), or nil, false if
// it isn't cached (including while the cache is disabled).
func (c *Cache) Find(mailboxID int64, uid uint32) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled {
		return nil, false
	}
	mc := c.mailboxes[mailboxID]
	if mc == nil {
		return nil, false
	}
	return mc.tree.Find(uint64(uid))
}

// Evict drops every cached message for mailboxID — used after an
// EXPUNGE, or any other change that invalidates cached UIDs wholesale
// rather than one at a time.
func (c *Cache) Evict(mailboxID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc := c.mailboxes[mailboxID]
	if mc == nil {
		return
	}
	mc.generation++
	mc.tree.Clear()
}

// Remove drops a single cached (mailboxID, uid) entry, e.g. after that
// message is individually expunged.
func (c *Cache) Remove(mailboxID int64, uid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc := c.mailboxes[mailboxID]
	if mc == nil {
		return
	}
	mc.tree.Remove(uint64(uid))
}

// Clear empties the entire cache, across every mailbox.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mailboxes = make(map[int64]*mailboxCache)
}

// Generation returns mailboxID's current eviction generation, which
// increments every time Evict runs; callers holding an older generation
// number know their own cached references may be stale even if Find
// still returns something (a new message could since have reused the
// cache slot under cache churn).
func (c *Cache) Generation(mailboxID int64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mc := c.mailboxes[mailboxID]
	if mc == nil {
		return 0
	}
	return mc.generation
}
