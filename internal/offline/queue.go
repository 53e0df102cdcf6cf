// Package offline holds events for members without a live connection until
// they reconnect.
package offline

import (
	"sync"
	"time"

	"huddle/internal/clock"
)

const (
	// DefaultTTL is how long an entry stays deliverable.
	DefaultTTL = 24 * time.Hour
	// DefaultMaxPerRecipient bounds one recipient's queue; the oldest entry is dropped first.
	DefaultMaxPerRecipient = 500
)

// Entry is one pending event.
type Entry struct {
	Event      string
	Payload    any
	EnqueuedAt time.Time
}

// DeliverFunc sends one queued event to the reconnected recipient.
type DeliverFunc func(event string, payload any) error

// FlushResult summarises one flush.
type FlushResult struct {
	Delivered int
	Failed    int
	Expired   int
}

// Queue is a per-recipient FIFO with age-based expiry.
type Queue struct {
	clock clock.Clock
	ttl   time.Duration
	max   int

	mu     sync.Mutex
	queues map[string][]Entry
}

// New creates a queue. Non-positive ttl or maxPerRecipient select the defaults.
func New(c clock.Clock, ttl time.Duration, maxPerRecipient int) *Queue {
	if c == nil {
		c = clock.Real{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxPerRecipient <= 0 {
		maxPerRecipient = DefaultMaxPerRecipient
	}
	return &Queue{
		clock:  c,
		ttl:    ttl,
		max:    maxPerRecipient,
		queues: make(map[string][]Entry),
	}
}

// Enqueue appends an event for recipientID. It reports whether the oldest
// entry had to be dropped to respect the per-recipient bound.
func (q *Queue) Enqueue(recipientID, event string, payload any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := append(q.queues[recipientID], Entry{
		Event:      event,
		Payload:    payload,
		EnqueuedAt: q.clock.Now(),
	})
	dropped := false
	if len(entries) > q.max {
		entries = append([]Entry(nil), entries[len(entries)-q.max:]...)
		dropped = true
	}
	q.queues[recipientID] = entries
	return dropped
}

// Flush hands every non-expired entry to deliver in enqueue order, then
// forgets the queue whatever the delivery outcome. Delivery runs without the
// queue lock so new events for the recipient are queued for the next flush.
func (q *Queue) Flush(recipientID string, deliver DeliverFunc) FlushResult {
	q.mu.Lock()
	entries := q.queues[recipientID]
	delete(q.queues, recipientID)
	q.mu.Unlock()

	var res FlushResult
	now := q.clock.Now()
	for _, e := range entries {
		if now.Sub(e.EnqueuedAt) > q.ttl {
			res.Expired++
			continue
		}
		if err := deliver(e.Event, e.Payload); err != nil {
			res.Failed++
			continue
		}
		res.Delivered++
	}
	return res
}

// Len returns the number of entries pending for recipientID.
func (q *Queue) Len(recipientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[recipientID])
}

// Recipients returns how many recipients currently have pending entries.
func (q *Queue) Recipients() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// Purge drops expired entries across all recipients and returns how many
// were removed. Meant for a periodic maintenance sweep.
func (q *Queue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	removed := 0
	for id, entries := range q.queues {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.EnqueuedAt) > q.ttl {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(q.queues, id)
		} else {
			q.queues[id] = kept
		}
	}
	return removed
}
