// Package sigcache keeps recently seen thought signatures per conversation
// so follow-up requests can replay them to the upstream validator.
package sigcache

import (
	"container/list"
	"sync"
	"time"
)

const (
	entryTTL      = 30 * time.Minute
	sweepInterval = 10 * time.Minute

	// Bounded independently; a busy gateway cycles sessions fast enough
	// that stale entries age out long before the caps matter.
	maxReasoningEntries = 256
	maxToolEntries      = 256
)

type entry struct {
	key       string
	signature string
	storedAt  time.Time
}

// Cache is a process-local scratchpad for reasoning and tool-call thought
// signatures. Entries expire after 30 minutes and each side is capped with
// oldest-first eviction. All methods are safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	reasoning *shard
	tool      *shard
	lastSweep time.Time
	now       func() time.Time
}

func New() *Cache {
	return &Cache{
		reasoning: newShard(maxReasoningEntries),
		tool:      newShard(maxToolEntries),
		now:       time.Now,
	}
}

func cacheKey(sessionID, model string) string {
	return sessionID + "::" + model
}

// StoreReasoning remembers the latest reasoning signature for a session/model
// pair. Empty signatures are ignored.
func (c *Cache) StoreReasoning(sessionID, model, signature string) {
	c.store(c.reasoning, sessionID, model, signature)
}

// Reasoning returns the cached reasoning signature, if present and fresh.
func (c *Cache) Reasoning(sessionID, model string) (string, bool) {
	return c.lookup(c.reasoning, sessionID, model)
}

// StoreTool remembers the latest tool-call signature for a session/model pair.
func (c *Cache) StoreTool(sessionID, model, signature string) {
	c.store(c.tool, sessionID, model, signature)
}

// Tool returns the cached tool-call signature, if present and fresh.
func (c *Cache) Tool(sessionID, model string) (string, bool) {
	return c.lookup(c.tool, sessionID, model)
}

// Clear drops every entry. Used when the token pool reloads.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasoning.clear()
	c.tool.clear()
}

// Len reports the entry counts of the reasoning and tool sides.
func (c *Cache) Len() (reasoning, tool int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reasoning.len(), c.tool.len()
}

func (c *Cache) store(s *shard, sessionID, model, signature string) {
	if sessionID == "" || model == "" || signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.maybeSweep(now)
	s.set(cacheKey(sessionID, model), signature, now)
}

func (c *Cache) lookup(s *shard, sessionID, model string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.maybeSweep(now)
	return s.get(cacheKey(sessionID, model), now)
}

// maybeSweep removes expired entries opportunistically, at most once per
// sweepInterval. Callers must hold c.mu.
func (c *Cache) maybeSweep(now time.Time) {
	if now.Sub(c.lastSweep) < sweepInterval {
		return
	}
	c.lastSweep = now
	c.reasoning.sweep(now)
	c.tool.sweep(now)
}

// shard is one bounded TTL map. Eviction order is insertion order, refreshed
// whenever a key is written again.
type shard struct {
	max     int
	entries map[string]*list.Element
	order   *list.List // front = oldest
}

func newShard(max int) *shard {
	return &shard{
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (s *shard) set(key, signature string, now time.Time) {
	if el, ok := s.entries[key]; ok {
		e := el.Value.(*entry)
		e.signature = signature
		e.storedAt = now
		s.order.MoveToBack(el)
		return
	}
	s.entries[key] = s.order.PushBack(&entry{key: key, signature: signature, storedAt: now})
	for len(s.entries) > s.max {
		s.removeElement(s.order.Front())
	}
}

func (s *shard) get(key string, now time.Time) (string, bool) {
	el, ok := s.entries[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if now.Sub(e.storedAt) > entryTTL {
		s.removeElement(el)
		return "", false
	}
	return e.signature, true
}

func (s *shard) sweep(now time.Time) {
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		if now.Sub(el.Value.(*entry).storedAt) > entryTTL {
			s.removeElement(el)
		}
		el = next
	}
}

func (s *shard) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	delete(s.entries, el.Value.(*entry).key)
	s.order.Remove(el)
}

func (s *shard) clear() {
	s.entries = make(map[string]*list.Element)
	s.order.Init()
}

func (s *shard) len() int { return len(s.entries) }
