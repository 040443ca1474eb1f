package server

import (
	"time"

	"leased/services/leased/internal/expiry"
	"leased/services/leased/internal/lease"
	"leased/services/leased/internal/packet"
	"leased/services/leased/internal/transaction"
)

type registryEntry struct {
	expires time.Time
	tx      *transaction.Server
}

// Registry holds in-flight server transactions by ID and times them out in
// registration order. Timing out a DISCOVER also drops its provisional
// reservation in the pool.
type Registry struct {
	timeout time.Duration
	pool    *lease.Pool
	byID    map[uint32]registryEntry
	queue   *expiry.Queue[uint32]
}

// NewRegistry returns an empty registry whose transactions live for timeout.
func NewRegistry(timeout time.Duration, pool *lease.Pool) *Registry {
	return &Registry{
		timeout: timeout,
		pool:    pool,
		byID:    make(map[uint32]registryEntry),
		queue:   expiry.New[uint32](),
	}
}

// Register tracks tx until now+timeout.
func (r *Registry) Register(tx *transaction.Server, now time.Time) {
	entry := registryEntry{expires: now.Add(r.timeout), tx: tx}
	r.byID[tx.ID] = entry
	r.queue.PushBack(entry.expires, tx.ID)
}

// Lookup returns the in-flight transaction with id.
func (r *Registry) Lookup(id uint32) (*transaction.Server, bool) {
	e, ok := r.byID[id]
	return e.tx, ok
}

// Remove forgets a completed transaction. Its queue entry is left in place
// and skipped by SweepExpired.
func (r *Registry) Remove(id uint32) {
	delete(r.byID, id)
}

// PendingDiscover returns the in-flight DISCOVER exchange of mac, if any.
// It scans every registered transaction.
func (r *Registry) PendingDiscover(mac packet.HardwareAddr) (*transaction.Server, bool) {
	for _, e := range r.byID {
		if e.tx.Type == transaction.Discover && e.tx.HardwareAddr == mac {
			return e.tx, true
		}
	}
	return nil, false
}

// SweepExpired drops every transaction whose timeout is not after now,
// releases their provisional addresses and returns them.
func (r *Registry) SweepExpired(now time.Time) []*transaction.Server {
	var expired []*transaction.Server
	r.queue.PopExpired(now, func(e expiry.Entry[uint32]) {
		entry, ok := r.byID[e.Key]
		if !ok || !entry.expires.Equal(e.Expiry) {
			return
		}
		delete(r.byID, e.Key)
		if entry.tx.Type == transaction.Discover && r.pool != nil {
			r.pool.Unmark(entry.tx.YourIP())
		}
		expired = append(expired, entry.tx)
	})
	return expired
}

// Len is the number of in-flight transactions.
func (r *Registry) Len() int { return len(r.byID) }
