// Package expiry provides the FIFO queue used to age out leases and
// transactions. Every caller pushes entries with a fixed duration added to a
// monotonically advancing clock, so insertion order is also expiry order and
// the front of the queue always holds the earliest deadline. A caller with
// variable durations needs a heap instead.
package expiry

import (
	"container/list"
	"time"
)

// Entry is one deadline for key.
type Entry[K comparable] struct {
	Expiry time.Time
	Key    K
}

// Queue is a double-ended queue of entries. Front and back operations are
// O(1); RemoveFunc is O(n).
type Queue[K comparable] struct {
	l list.List
}

// New returns an empty queue.
func New[K comparable]() *Queue[K] {
	q := &Queue[K]{}
	q.l.Init()
	return q
}

// PushBack appends an entry.
func (q *Queue[K]) PushBack(expiry time.Time, key K) {
	q.l.PushBack(Entry[K]{Expiry: expiry, Key: key})
}

// Front returns the earliest entry without removing it.
func (q *Queue[K]) Front() (Entry[K], bool) {
	e := q.l.Front()
	if e == nil {
		return Entry[K]{}, false
	}
	return e.Value.(Entry[K]), true
}

// PopFront removes and returns the earliest entry.
func (q *Queue[K]) PopFront() (Entry[K], bool) {
	e := q.l.Front()
	if e == nil {
		return Entry[K]{}, false
	}
	return q.l.Remove(e).(Entry[K]), true
}

// PopExpired removes every entry at the front whose expiry is not after now
// and hands it to fn. It stops at the first unexpired entry.
func (q *Queue[K]) PopExpired(now time.Time, fn func(Entry[K])) {
	for {
		front, ok := q.Front()
		if !ok || front.Expiry.After(now) {
			return
		}
		q.PopFront()
		fn(front)
	}
}

// RemoveFunc deletes every entry for which match returns true and reports
// how many were removed.
func (q *Queue[K]) RemoveFunc(match func(Entry[K]) bool) int {
	removed := 0
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		if match(e.Value.(Entry[K])) {
			q.l.Remove(e)
			removed++
		}
		e = next
	}
	return removed
}

// Len is the number of entries, stale ones included.
func (q *Queue[K]) Len() int { return q.l.Len() }
