package audit

import (
	"strings"
	"sync"
	"time"
)

// RingBuffer holds the most recent entries in memory
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewRingBuffer creates a ring buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{entries: make([]Entry, size)}
}

// Add stores e, evicting the oldest entry when full.
func (rb *RingBuffer) Add(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
}

// Count returns the number of entries held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Query returns matching entries, newest first.
func (rb *RingBuffer) Query(q Query) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	results := make([]Entry, 0)
	size := len(rb.entries)
	for i := 1; i <= rb.count; i++ {
		e := rb.entries[(rb.head-i+size)%size]
		if !q.matches(e) {
			continue
		}
		results = append(results, e)
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	return results
}

// Query filters audit entries. Zero fields match everything.
type Query struct {
	Since    time.Time
	Action   Action
	Category string
	Identity string
	Room     string
	Limit    int
}

func (q Query) matches(e Entry) bool {
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.Category != "" && e.Action.Category() != q.Category {
		return false
	}
	if q.Identity != "" && !strings.EqualFold(e.Identity, q.Identity) {
		return false
	}
	if q.Room != "" && !strings.EqualFold(e.Room, q.Room) {
		return false
	}
	return true
}
