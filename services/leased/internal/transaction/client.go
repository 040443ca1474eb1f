package transaction

import (
	"fmt"
	"math"
	"net/netip"
	"time"

	"leased/services/leased/internal/packet"
)

type clientState uint8

const (
	clientInit clientState = iota
	clientAwaitOffer
	clientAwaitAck
	clientDone
)

var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Client drives the client half of one DISCOVER or RENEW exchange.
type Client struct {
	Record

	ClientIP  netip.Addr
	YourIP    netip.Addr
	ServerIP  netip.Addr
	LeaseTime uint32

	started time.Time
	now     func() time.Time
	state   clientState
	leased  netip.Addr
}

// NewClient returns a client transaction. yourIP is the previously leased
// address; it is only used by a RENEW start and may be the zero Addr.
func NewClient(id uint32, hw packet.HardwareAddr, yourIP netip.Addr, now func() time.Time) *Client {
	if now == nil {
		now = time.Now
	}
	if !yourIP.IsValid() {
		yourIP = netip.IPv4Unspecified()
	}
	return &Client{
		Record:   Record{ID: id, HardwareAddr: hw},
		ClientIP: netip.IPv4Unspecified(),
		YourIP:   yourIP,
		ServerIP: broadcastAddr,
		started:  now(),
		now:      now,
	}
}

// Start emits the opening packet for kind.
func (c *Client) Start(kind Type) (packet.Packet, error) {
	if c.state != clientInit {
		return packet.Packet{}, fmt.Errorf("%w: transaction %#08x already started", ErrProtocol, c.ID)
	}
	c.Type = kind

	switch kind {
	case Discover:
		c.state = clientAwaitOffer
		return packet.Packet{
			Op:            packet.OpRequest,
			TransactionID: c.ID,
			ClientIP:      netip.IPv4Unspecified(),
			YourIP:        netip.IPv4Unspecified(),
			ServerIP:      broadcastAddr,
			HardwareAddr:  c.HardwareAddr,
			MessageType:   packet.Discover,
		}, nil
	case Renew:
		if c.YourIP.IsUnspecified() {
			return packet.Packet{}, fmt.Errorf("%w: renew without a leased address", ErrProtocol)
		}
		c.state = clientAwaitAck
		return packet.Packet{
			Op:            packet.OpRequest,
			TransactionID: c.ID,
			ClientIP:      c.YourIP,
			YourIP:        c.YourIP,
			ServerIP:      c.ServerIP,
			HardwareAddr:  c.HardwareAddr,
			MessageType:   packet.Request,
		}, nil
	default:
		return packet.Packet{}, fmt.Errorf("%w: cannot start a %s transaction", ErrProtocol, kind)
	}
}

// Recv advances the exchange by one inbound packet. done is true once the
// transaction is over, successfully or not; a non-nil reply must be sent.
func (c *Client) Recv(p packet.Packet) (done bool, reply *packet.Packet, err error) {
	if c.state == clientDone || c.state == clientInit {
		return true, nil, fmt.Errorf("%w: %s received with no exchange in progress", ErrProtocol, p.MessageType)
	}
	c.Phase++

	if p.HardwareAddr != c.HardwareAddr {
		c.state = clientDone
		return true, nil, fmt.Errorf("%w: %s addressed to %s, not %s", ErrProtocol, p.MessageType, p.HardwareAddr, c.HardwareAddr)
	}

	switch p.MessageType {
	case packet.Decline, packet.Nak:
		c.state = clientDone
		return true, nil, fmt.Errorf("%w: %s for %s", ErrDeclined, p.MessageType, p.YourIP)
	}

	switch {
	case c.state == clientAwaitOffer && p.MessageType == packet.Offer:
		c.learn(p)
		c.state = clientAwaitAck
		req := packet.Packet{
			Op:             packet.OpRequest,
			TransactionID:  p.TransactionID,
			SecondsElapsed: c.elapsed(),
			ClientIP:       p.ClientIP,
			YourIP:         p.YourIP,
			ServerIP:       p.ServerIP,
			HardwareAddr:   p.HardwareAddr,
			MessageType:    packet.Request,
			LeaseTime:      p.LeaseTime,
			HasLeaseTime:   p.HasLeaseTime,
		}
		return false, &req, nil

	case c.state == clientAwaitOffer && p.MessageType == packet.Ack:
		c.learn(p)
		c.leased = p.YourIP
		c.state = clientDone
		return true, nil, nil

	case c.state == clientAwaitAck && p.MessageType == packet.Ack:
		c.learn(p)
		c.leased = p.YourIP
		c.state = clientDone
		if c.Type != Renew {
			return true, nil, nil
		}
		echo := packet.Packet{
			Op:             packet.OpRequest,
			TransactionID:  p.TransactionID,
			SecondsElapsed: c.elapsed(),
			ClientIP:       p.YourIP,
			YourIP:         p.YourIP,
			ServerIP:       p.ServerIP,
			HardwareAddr:   c.HardwareAddr,
			MessageType:    packet.Ack,
			LeaseTime:      p.LeaseTime,
			HasLeaseTime:   p.HasLeaseTime,
		}
		return true, &echo, nil
	}

	c.state = clientDone
	return true, nil, fmt.Errorf("%w: unexpected %s in phase %d of %s", ErrProtocol, p.MessageType, c.Phase, c.Type)
}

// Release emits a RELEASE for this client's hardware address. It does not
// depend on or change the exchange state.
func (c *Client) Release() packet.Packet {
	return packet.Packet{
		Op:            packet.OpRequest,
		TransactionID: c.ID,
		ClientIP:      netip.IPv4Unspecified(),
		YourIP:        netip.IPv4Unspecified(),
		ServerIP:      c.ServerIP,
		HardwareAddr:  c.HardwareAddr,
		MessageType:   packet.Release,
	}
}

// LeasedIP is the address acknowledged by the server, if any.
func (c *Client) LeasedIP() (netip.Addr, bool) {
	return c.leased, c.leased.IsValid()
}

// Done reports whether the exchange has finished.
func (c *Client) Done() bool { return c.state == clientDone }

func (c *Client) learn(p packet.Packet) {
	c.ClientIP = p.ClientIP
	c.YourIP = p.YourIP
	if p.ServerIP.IsValid() && !p.ServerIP.IsUnspecified() {
		c.ServerIP = p.ServerIP
	}
	if p.HasLeaseTime {
		c.LeaseTime = p.LeaseTime
	}
}

func (c *Client) elapsed() uint16 {
	secs := c.now().Sub(c.started).Seconds()
	if secs < 0 {
		return 0
	}
	if secs > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(secs)
}
