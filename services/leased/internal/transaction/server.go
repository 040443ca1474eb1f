package transaction

import (
	"fmt"
	"net/netip"

	"leased/services/leased/internal/packet"
)

// Offer is the address a DISCOVER or RENEW exchange hands out.
type Offer struct {
	YourIP    netip.Addr
	ServerIP  netip.Addr
	LeaseTime uint32
}

// variant is the per-type payload of a server transaction.
type variant interface {
	recv(rec *Record, p packet.Packet) (bool, *packet.Packet, error)
}

// exchange backs the two-step DISCOVER and RENEW variants.
type exchange struct {
	offer Offer
}

// release backs the single-shot RELEASE variant.
type release struct{}

// Server drives the server half of one exchange.
type Server struct {
	Record
	v variant
}

// NewDiscover returns a DISCOVER transaction that offers o.
func NewDiscover(id uint32, hw packet.HardwareAddr, o Offer) *Server {
	return &Server{Record: Record{ID: id, HardwareAddr: hw, Type: Discover, Phase: 1}, v: &exchange{offer: o}}
}

// NewRenew returns a RENEW transaction that acknowledges o.
func NewRenew(id uint32, hw packet.HardwareAddr, o Offer) *Server {
	return &Server{Record: Record{ID: id, HardwareAddr: hw, Type: Renew, Phase: 1}, v: &exchange{offer: o}}
}

// NewRelease returns a RELEASE transaction.
func NewRelease(id uint32, hw packet.HardwareAddr) *Server {
	return &Server{Record: Record{ID: id, HardwareAddr: hw, Type: Release}, v: release{}}
}

// Recv feeds one inbound packet to the transaction. done is true when the
// exchange is over; a non-nil reply must be sent to the client.
func (s *Server) Recv(p packet.Packet) (done bool, reply *packet.Packet, err error) {
	if p.HardwareAddr != s.HardwareAddr {
		return true, nil, fmt.Errorf("%w: transaction %#08x belongs to %s, got %s", ErrProtocol, s.ID, s.HardwareAddr, p.HardwareAddr)
	}
	return s.v.recv(&s.Record, p)
}

// YourIP is the address the transaction offers; the zero Addr for RELEASE.
func (s *Server) YourIP() netip.Addr {
	if e, ok := s.v.(*exchange); ok {
		return e.offer.YourIP
	}
	return netip.Addr{}
}

// LeaseTime is the offered lease in seconds; zero for RELEASE.
func (s *Server) LeaseTime() uint32 {
	if e, ok := s.v.(*exchange); ok {
		return e.offer.LeaseTime
	}
	return 0
}

// expected is the inbound message type for each (type, phase) pair; reply is
// what the server sends back, zero for none.
var expected = map[Type][3]struct{ in, reply packet.MessageType }{
	Discover: {1: {packet.Discover, packet.Offer}, 2: {packet.Request, packet.Ack}},
	Renew:    {1: {packet.Request, packet.Ack}, 2: {packet.Ack, 0}},
}

func (e *exchange) recv(rec *Record, p packet.Packet) (bool, *packet.Packet, error) {
	steps, ok := expected[rec.Type]
	if !ok || rec.Phase < 1 || rec.Phase > 2 {
		return true, nil, fmt.Errorf("%w: %s transaction in phase %d", ErrProtocol, rec.Type, rec.Phase)
	}
	step := steps[rec.Phase]
	if p.MessageType != step.in {
		return true, nil, fmt.Errorf("%w: %s transaction expected %s in phase %d, got %s",
			ErrProtocol, rec.Type, step.in, rec.Phase, p.MessageType)
	}

	done := rec.Phase == 2
	if !done {
		rec.Phase++
	}
	if step.reply == 0 {
		return done, nil, nil
	}
	reply := e.reply(rec, p, step.reply)
	return done, &reply, nil
}

func (e *exchange) reply(rec *Record, p packet.Packet, mt packet.MessageType) packet.Packet {
	return packet.Packet{
		Op:             packet.OpReply,
		TransactionID:  rec.ID,
		SecondsElapsed: p.SecondsElapsed,
		ClientIP:       p.ClientIP,
		YourIP:         e.offer.YourIP,
		ServerIP:       e.offer.ServerIP,
		HardwareAddr:   rec.HardwareAddr,
		MessageType:    mt,
	}.WithLeaseTime(e.offer.LeaseTime)
}

func (release) recv(rec *Record, p packet.Packet) (bool, *packet.Packet, error) {
	if p.MessageType != packet.Release {
		return true, nil, fmt.Errorf("%w: release transaction got %s", ErrProtocol, p.MessageType)
	}
	return true, nil, nil
}
