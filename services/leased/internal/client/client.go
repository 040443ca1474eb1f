// Package client drives lease discovery, renewal and release from the client
// side of the protocol.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"leased/services/leased/internal/packet"
	"leased/services/leased/internal/transaction"
)

// ErrNoLease reports a renewal attempted before any address was leased.
var ErrNoLease = errors.New("no leased address")

// Conn carries encoded packets to and from the server.
type Conn interface {
	Send(ctx context.Context, b []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// Option customises a Client.
type Option func(*Client)

// WithHardwareAddr overrides the hardware address derived from the host.
func WithHardwareAddr(hw packet.HardwareAddr) Option {
	return func(c *Client) { c.hw = hw }
}

// WithLeasedIP seeds the client with an address leased earlier, so Renew can
// run without a preceding Discover.
func WithLeasedIP(ip netip.Addr) Option {
	return func(c *Client) { c.leased = ip }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithTransactionIDs replaces the random transaction ID source.
func WithTransactionIDs(next func() uint32) Option {
	return func(c *Client) { c.nextID = next }
}

// Client runs one exchange at a time over conn. It is not safe for
// concurrent use.
type Client struct {
	conn      Conn
	logger    *log.Logger
	hw        packet.HardwareAddr
	leased    netip.Addr
	leaseTime time.Duration
	now       func() time.Time
	nextID    func() uint32
}

// New returns a Client. Without WithHardwareAddr the hardware address is the
// host's node ID.
func New(conn Conn, logger *log.Logger, opts ...Option) (*Client, error) {
	if conn == nil {
		return nil, errors.New("conn is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		conn:   conn,
		logger: logger,
		now:    time.Now,
		nextID: randomID,
	}
	node := uuid.NodeID()
	if len(node) >= 6 {
		var b [8]byte
		copy(b[2:], node[:6])
		c.hw = packet.HardwareAddr(binary.BigEndian.Uint64(b[:]))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func randomID() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}

// HardwareAddr is the address the client identifies itself with.
func (c *Client) HardwareAddr() packet.HardwareAddr { return c.hw }

// LeasedIP returns the current lease, if any.
func (c *Client) LeasedIP() (netip.Addr, bool) {
	return c.leased, c.leased.IsValid() && !c.leased.IsUnspecified()
}

// LeaseTime is the duration granted by the last acknowledgement.
func (c *Client) LeaseTime() time.Duration { return c.leaseTime }

// Discover obtains a new lease, or confirms the one the server already holds
// for this hardware address.
func (c *Client) Discover(ctx context.Context) (netip.Addr, error) {
	return c.run(ctx, transaction.Discover)
}

// Renew extends the current lease.
func (c *Client) Renew(ctx context.Context) (netip.Addr, error) {
	if _, ok := c.LeasedIP(); !ok {
		return netip.Addr{}, ErrNoLease
	}
	return c.run(ctx, transaction.Renew)
}

// Release gives the current lease back. The server does not reply.
func (c *Client) Release(ctx context.Context) error {
	if _, ok := c.LeasedIP(); !ok {
		c.logger.Printf("INFO %s has no lease, sending release anyway", c.hw)
	}
	tx := transaction.NewClient(c.nextID(), c.hw, c.leased, c.now)
	if err := c.conn.Send(ctx, tx.Release().Encode()); err != nil {
		return fmt.Errorf("send release: %w", err)
	}
	c.leased = netip.Addr{}
	c.leaseTime = 0
	return nil
}

func (c *Client) run(ctx context.Context, kind transaction.Type) (netip.Addr, error) {
	tx := transaction.NewClient(c.nextID(), c.hw, c.leased, c.now)
	start, err := tx.Start(kind)
	if err != nil {
		return netip.Addr{}, err
	}
	c.logger.Printf("DEBUG sending %s", start)
	if err := c.conn.Send(ctx, start.Encode()); err != nil {
		return netip.Addr{}, fmt.Errorf("send %s: %w", start.MessageType, err)
	}

	for !tx.Done() {
		in, err := c.receive(ctx, tx.ID)
		if err != nil {
			return netip.Addr{}, err
		}
		done, reply, err := tx.Recv(in)
		if reply != nil {
			c.logger.Printf("DEBUG sending %s", reply)
			if sendErr := c.conn.Send(ctx, reply.Encode()); sendErr != nil {
				return netip.Addr{}, fmt.Errorf("send %s: %w", reply.MessageType, sendErr)
			}
		}
		if err != nil {
			if errors.Is(err, transaction.ErrProtocol) {
				c.logger.Printf("WARN %s transaction %#08x aborted: %v", kind, tx.ID, err)
			}
			if kind == transaction.Renew && errors.Is(err, transaction.ErrDeclined) {
				c.leased = netip.Addr{}
			}
			return netip.Addr{}, err
		}
		if done {
			break
		}
	}

	ip, ok := tx.LeasedIP()
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %s finished without an acknowledgement", transaction.ErrProtocol, kind)
	}
	c.leased = ip
	c.leaseTime = time.Duration(tx.LeaseTime) * time.Second
	c.logger.Printf("INFO leased %s for %s", ip, c.leaseTime)
	return ip, nil
}

// receive returns the next server reply for transaction id. Undecodable
// datagrams, client broadcasts and replies to other transactions share the
// medium and are skipped.
func (c *Client) receive(ctx context.Context, id uint32) (packet.Packet, error) {
	for {
		b, err := c.conn.Receive(ctx)
		if err != nil {
			return packet.Packet{}, fmt.Errorf("receive: %w", err)
		}
		p, err := packet.Decode(b)
		if err != nil {
			c.logger.Printf("WARN dropping datagram: %v", err)
			continue
		}
		if p.Op != packet.OpReply || p.TransactionID != id {
			continue
		}
		c.logger.Printf("DEBUG received %s", p)
		return p, nil
	}
}
