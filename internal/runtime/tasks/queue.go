package tasks

import (
	"sync"
	"sync/atomic"
)

// DefaultLevels is the number of priority levels when none is configured.
const DefaultLevels = 3

// PriorityQueue is a set of FIFO levels, each with its own lock. Dequeue
// drains from the highest level down.
type PriorityQueue struct {
	levels []*level
	count  atomic.Int64
}

type level struct {
	mu    sync.Mutex
	items []*Tracker
}

// NewPriorityQueue returns a queue with n levels.
func NewPriorityQueue(n int) *PriorityQueue {
	if n <= 0 {
		n = DefaultLevels
	}
	q := &PriorityQueue{levels: make([]*level, n)}
	for i := range q.levels {
		q.levels[i] = &level{}
	}
	return q
}

// Levels returns the number of levels.
func (q *PriorityQueue) Levels() int { return len(q.levels) }

// Enqueue adds t at its resolved level and returns that level.
func (q *PriorityQueue) Enqueue(t *Tracker) int {
	lv := t.ResolvePriority(len(q.levels))
	t.Level = lv
	l := q.levels[lv]
	l.mu.Lock()
	l.items = append(l.items, t)
	l.mu.Unlock()
	q.count.Add(1)
	return lv
}

// Dequeue removes up to count trackers, highest level first and FIFO within
// a level.
func (q *PriorityQueue) Dequeue(count int) []*Tracker {
	if count <= 0 {
		return nil
	}
	var out []*Tracker
	for i := len(q.levels) - 1; i >= 0 && len(out) < count; i-- {
		l := q.levels[i]
		l.mu.Lock()
		n := min(count-len(out), len(l.items))
		if n > 0 {
			out = append(out, l.items[:n]...)
			clear(l.items[:n])
			l.items = l.items[n:]
		}
		l.mu.Unlock()
	}
	q.count.Add(-int64(len(out)))
	return out
}

// Count returns the number of queued trackers.
func (q *PriorityQueue) Count() int { return int(q.count.Load()) }

// LevelCount returns the number of trackers queued at level i.
func (q *PriorityQueue) LevelCount(i int) int {
	if i < 0 || i >= len(q.levels) {
		return 0
	}
	l := q.levels[i]
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Drain removes and returns every queued tracker.
func (q *PriorityQueue) Drain() []*Tracker {
	return q.Dequeue(int(^uint(0) >> 1))
}
