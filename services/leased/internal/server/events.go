package server

import (
	"time"

	"leased/services/leased/internal/lease"
)

// EventKind names a lease lifecycle event.
type EventKind string

const (
	EventCommitted EventKind = "committed"
	EventReleased  EventKind = "released"
	EventExpired   EventKind = "expired"
	EventConflict  EventKind = "conflict"
	EventExhausted EventKind = "exhausted"
)

// Event is published for every change to the lease table and for requests
// the server had to refuse.
type Event struct {
	Kind          EventKind `json:"kind"`
	IP            string    `json:"ip,omitempty"`
	MAC           string    `json:"mac"`
	TransactionID uint32    `json:"transaction_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	At            time.Time `json:"at"`
}

// EventSink receives events synchronously from the dispatch path and must
// not block.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

func bindingEvent(kind EventKind, b lease.Binding, id uint32, now time.Time) Event {
	return Event{
		Kind:          kind,
		IP:            b.IP.String(),
		MAC:           b.MAC.String(),
		TransactionID: id,
		ExpiresAt:     b.ExpiresAt,
		At:            now,
	}
}
