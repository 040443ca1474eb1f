// Package transaction holds the per-exchange state machines for both halves
// of the lease protocol.
package transaction

import (
	"errors"

	"leased/services/leased/internal/packet"
)

var (
	// ErrProtocol reports a message type that is invalid for the current phase
	// or a hardware address that does not belong to the transaction.
	ErrProtocol = errors.New("protocol error")
	// ErrDeclined reports a DECLINE or NAK from the peer.
	ErrDeclined = errors.New("declined by peer")
)

// Type tags the kind of exchange a transaction drives.
type Type uint8

const (
	Discover Type = iota + 1
	Renew
	Release
)

func (t Type) String() string {
	switch t {
	case Discover:
		return "DISCOVER"
	case Renew:
		return "RENEW"
	case Release:
		return "RELEASE"
	default:
		return "UNKNOWN"
	}
}

// Record is the identity shared by client and server transactions.
type Record struct {
	ID           uint32
	HardwareAddr packet.HardwareAddr
	Type         Type
	Phase        int
}
