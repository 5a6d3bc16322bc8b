// Package toolnames maps sanitized tool names back to the names the client
// declared, so function-call responses can echo the original spelling.
package toolnames

import (
	"container/list"
	"sync"
	"time"
)

const (
	entryTTL      = 30 * time.Minute
	sweepInterval = 10 * time.Minute
	maxEntries    = 512
)

type entry struct {
	key      string
	original string
	storedAt time.Time
}

// Cache remembers safeName -> originalName per session and model. Entries
// expire after 30 minutes; the cache is bounded with oldest-first eviction.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*list.Element
	order     *list.List // front = oldest
	lastSweep time.Time
	now       func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func cacheKey(sessionID, model, safeName string) string {
	return sessionID + "::" + model + "::" + safeName
}

// Store records a sanitized-to-original mapping. When sanitization did not
// change the name there is nothing to recover, so the write is skipped.
func (c *Cache) Store(sessionID, model, safeName, originalName string) {
	if safeName == "" || originalName == "" || safeName == originalName {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.maybeSweep(now)

	key := cacheKey(sessionID, model, safeName)
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.original = originalName
		e.storedAt = now
		c.order.MoveToBack(el)
		return
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, original: originalName, storedAt: now})
	for len(c.entries) > maxEntries {
		c.removeElement(c.order.Front())
	}
}

// Original returns the client's name for a sanitized tool name. When no
// mapping exists the sanitized name is already the original.
func (c *Cache) Original(sessionID, model, safeName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.maybeSweep(now)

	el, ok := c.entries[cacheKey(sessionID, model, safeName)]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if now.Sub(e.storedAt) > entryTTL {
		c.removeElement(el)
		return "", false
	}
	return e.original, true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) maybeSweep(now time.Time) {
	if now.Sub(c.lastSweep) < sweepInterval {
		return
	}
	c.lastSweep = now
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.Sub(el.Value.(*entry).storedAt) > entryTTL {
			c.removeElement(el)
		}
		el = next
	}
}

func (c *Cache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	delete(c.entries, el.Value.(*entry).key)
	c.order.Remove(el)
}
