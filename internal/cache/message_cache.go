// Package cache keeps a bounded, per-group index of recent messages.
package cache

import (
	"sort"
	"sync"
	"time"

	"huddle/pkg/types"
)

// DefaultGroupCapacity is the per-group entry bound used when none is configured.
const DefaultGroupCapacity = 100

// Metrics receives cache signals. interfaces.Telemetry satisfies it.
type Metrics interface {
	CacheAccess(hit bool)
	CacheEvicted(n int)
}

type entry struct {
	msg     *types.Message
	touched uint64
	prev    *entry
	next    *entry
}

// groupCache is one group's entries in touch order.
// head.next is the most recently touched, tail.prev the least.
type groupCache struct {
	items map[string]*entry
	head  *entry
	tail  *entry

	// Coverage: when covered is set the cache holds every stored message of
	// the group created at or after floor. A zero floor means the whole history.
	covered bool
	floor   time.Time
}

func newGroupCache() *groupCache {
	g := &groupCache{
		items: make(map[string]*entry),
		head:  &entry{},
		tail:  &entry{},
	}
	g.head.next = g.tail
	g.tail.prev = g.head
	return g
}

// MessageCache is a size-bounded LRU of messages, partitioned by group.
// It is never authoritative; dropping it only costs store reads.
// TECHNICAL DISCOVERY: recency comes from a logical touch counter rather than
// wall time, so two touches in the same nanosecond still order strictly.
type MessageCache struct {
	mu       sync.Mutex
	capacity int
	touch    uint64
	groups   map[string]*groupCache
	metrics  Metrics

	hits      int64
	misses    int64
	evictions int64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Groups    int   `json:"groups"`
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// New creates a cache holding at most capacity messages per group. metrics may be nil.
func New(capacity int, metrics Metrics) *MessageCache {
	if capacity <= 0 {
		capacity = DefaultGroupCapacity
	}
	return &MessageCache{
		capacity: capacity,
		groups:   make(map[string]*groupCache),
		metrics:  metrics,
	}
}

// Set inserts or refreshes messages for groupID, evicting least recently
// touched entries beyond capacity. Messages are copied.
func (c *MessageCache) Set(groupID string, msgs ...*types.Message) {
	c.mu.Lock()
	evicted := c.setLocked(groupID, msgs)
	c.mu.Unlock()
	c.reportEvicted(evicted)
}

// Fill loads a window returned by the store (newest first) and records
// coverage: every message from the oldest in msgs up to now is cached, or the
// whole group history when complete is true.
func (c *MessageCache) Fill(groupID string, msgs []*types.Message, complete bool) {
	c.mu.Lock()
	// Oldest first so the newest messages end up most recently touched.
	ordered := make([]*types.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		ordered = append(ordered, msgs[i])
	}
	g := c.group(groupID)
	var floor time.Time
	if !complete && len(ordered) > 0 {
		floor = ordered[0].CreatedAt
	}
	if complete || len(ordered) > 0 {
		if !g.covered || floor.Before(g.floor) {
			g.floor = floor
		}
		g.covered = true
	}
	evicted := c.setLocked(groupID, ordered)
	c.mu.Unlock()
	c.reportEvicted(evicted)
}

func (c *MessageCache) setLocked(groupID string, msgs []*types.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	g := c.group(groupID)
	for _, m := range msgs {
		if m == nil {
			continue
		}
		c.touch++
		if e, ok := g.items[m.ID]; ok {
			e.msg = m.Clone()
			e.touched = c.touch
			g.moveToFront(e)
			continue
		}
		e := &entry{msg: m.Clone(), touched: c.touch}
		g.items[m.ID] = e
		g.addToFront(e)
	}
	return c.evictLocked(g)
}

func (c *MessageCache) evictLocked(g *groupCache) int {
	n := 0
	for len(g.items) > c.capacity {
		lru := g.tail.prev
		g.remove(lru)
		delete(g.items, lru.msg.ID)
		// The evicted message is no longer cached, so coverage now starts after it.
		if g.covered {
			if after := lru.msg.CreatedAt.Add(time.Nanosecond); after.After(g.floor) {
				g.floor = after
			}
		}
		n++
	}
	c.evictions += int64(n)
	return n
}

// Get returns a copy of the message or nil on a miss. A hit refreshes recency.
func (c *MessageCache) Get(groupID, messageID string) *types.Message {
	c.mu.Lock()
	var out *types.Message
	if g, ok := c.groups[groupID]; ok {
		if e, ok := g.items[messageID]; ok {
			c.touch++
			e.touched = c.touch
			g.moveToFront(e)
			out = e.msg.Clone()
		}
	}
	if out != nil {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheAccess(out != nil)
	}
	return out
}

// Recent returns up to limit cached messages of groupID created before
// before, newest first. covered reports whether the result is exactly what
// the store would return for the same window.
func (c *MessageCache) Recent(groupID string, before time.Time, limit int) ([]*types.Message, bool) {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	if !ok || limit <= 0 {
		c.misses++
		c.mu.Unlock()
		c.reportAccess(false)
		return nil, false
	}

	candidates := make([]*entry, 0, len(g.items))
	for _, e := range g.items {
		if e.msg.CreatedAt.Before(before) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return newerThan(candidates[i].msg, candidates[j].msg)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	covered := false
	if g.covered {
		switch {
		case g.floor.IsZero():
			covered = true
		case len(candidates) == limit:
			covered = !candidates[len(candidates)-1].msg.CreatedAt.Before(g.floor)
		}
	}

	out := make([]*types.Message, 0, len(candidates))
	for _, e := range candidates {
		if covered {
			c.touch++
			e.touched = c.touch
			g.moveToFront(e)
		}
		out = append(out, e.msg.Clone())
	}
	if covered {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	c.reportAccess(covered)
	return out, covered
}

// Invalidate drops the whole group, including its coverage.
func (c *MessageCache) Invalidate(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, groupID)
}

// InvalidateMessage drops one entry. Coverage is kept because the caller
// removed the message from the store too.
func (c *MessageCache) InvalidateMessage(groupID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return
	}
	if e, ok := g.items[messageID]; ok {
		g.remove(e)
		delete(g.items, messageID)
	}
}

// Len returns the number of cached messages for groupID.
func (c *MessageCache) Len(groupID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[groupID]; ok {
		return len(g.items)
	}
	return 0
}

// Capacity returns the per-group bound.
func (c *MessageCache) Capacity() int { return c.capacity }

// Stats returns current counters.
func (c *MessageCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Groups: len(c.groups), Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
	for _, g := range c.groups {
		s.Entries += len(g.items)
	}
	return s
}

func (c *MessageCache) group(groupID string) *groupCache {
	g, ok := c.groups[groupID]
	if !ok {
		g = newGroupCache()
		c.groups[groupID] = g
	}
	return g
}

func (c *MessageCache) reportEvicted(n int) {
	if n > 0 && c.metrics != nil {
		c.metrics.CacheEvicted(n)
	}
}

func (c *MessageCache) reportAccess(hit bool) {
	if c.metrics != nil {
		c.metrics.CacheAccess(hit)
	}
}

func (g *groupCache) addToFront(e *entry) {
	e.prev = g.head
	e.next = g.head.next
	g.head.next.prev = e
	g.head.next = e
}

func (g *groupCache) remove(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (g *groupCache) moveToFront(e *entry) {
	g.remove(e)
	g.addToFront(e)
}

func newerThan(a, b *types.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
