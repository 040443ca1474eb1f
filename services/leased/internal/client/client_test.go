package client

import (
	"context"
	"errors"
	"io"
	"log"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leased/services/leased/internal/packet"
	"leased/services/leased/internal/server"
	"leased/services/leased/internal/transaction"
)

var errNoReply = errors.New("no reply queued")

// loopback delivers every sent packet straight to a server and queues the
// reply for Receive, after any noise injected by the test.
type loopback struct {
	t     *testing.T
	srv   *server.Server
	inbox [][]byte
	sent  []packet.Packet
}

func (l *loopback) Send(_ context.Context, b []byte) error {
	p, err := packet.Decode(b)
	require.NoError(l.t, err)
	l.sent = append(l.sent, p)
	reply, _ := l.srv.Handle(p)
	if reply != nil {
		l.inbox = append(l.inbox, reply.Encode())
	}
	return nil
}

func (l *loopback) Receive(context.Context) ([]byte, error) {
	if len(l.inbox) == 0 {
		return nil, errNoReply
	}
	b := l.inbox[0]
	l.inbox = l.inbox[1:]
	return b, nil
}

func newServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{
		Interface: netip.MustParsePrefix("192.168.0.1/24"),
		LeaseTime: 30 * time.Second,
	}, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return srv
}

func newClient(t *testing.T, conn Conn, hw packet.HardwareAddr, opts ...Option) *Client {
	t.Helper()
	ids := uint32(hw) << 8
	opts = append([]Option{
		WithHardwareAddr(hw),
		WithTransactionIDs(func() uint32 { ids++; return ids }),
	}, opts...)
	c, err := New(conn, log.New(io.Discard, "", 0), opts...)
	require.NoError(t, err)
	return c
}

func TestDiscoverRenewRelease(t *testing.T) {
	srv := newServer(t)
	conn := &loopback{t: t, srv: srv}
	c := newClient(t, conn, 4)
	ctx := context.Background()

	ip, err := c.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.2", ip.String())
	assert.Equal(t, 30*time.Second, c.LeaseTime())
	leased, ok := c.LeasedIP()
	require.True(t, ok)
	assert.Equal(t, ip, leased)

	renewed, err := c.Renew(ctx)
	require.NoError(t, err)
	assert.Equal(t, ip, renewed)
	assert.Zero(t, srv.Stats().Transactions, "renew echo completes the server transaction")
	last := conn.sent[len(conn.sent)-1]
	assert.Equal(t, packet.Ack, last.MessageType)

	require.NoError(t, c.Release(ctx))
	_, ok = c.LeasedIP()
	assert.False(t, ok)
	assert.Empty(t, srv.Leases())
	assert.Equal(t, packet.Release, conn.sent[len(conn.sent)-1].MessageType)
}

func TestTwoClientsGetDistinctAddresses(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	a, err := newClient(t, &loopback{t: t, srv: srv}, 4).Discover(ctx)
	require.NoError(t, err)
	b, err := newClient(t, &loopback{t: t, srv: srv}, 9).Discover(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, srv.Leases(), 2)
}

func TestRediscoverKeepsAddress(t *testing.T) {
	srv := newServer(t)
	conn := &loopback{t: t, srv: srv}
	ctx := context.Background()

	first, err := newClient(t, conn, 4).Discover(ctx)
	require.NoError(t, err)
	second, err := newClient(t, conn, 4).Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRenewOfForeignAddressIsDeclined(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	taken, err := newClient(t, &loopback{t: t, srv: srv}, 4).Discover(ctx)
	require.NoError(t, err)

	c := newClient(t, &loopback{t: t, srv: srv}, 9, WithLeasedIP(taken))
	_, err = c.Renew(ctx)
	assert.ErrorIs(t, err, transaction.ErrDeclined)
	_, ok := c.LeasedIP()
	assert.False(t, ok)
}

func TestRenewWithoutLease(t *testing.T) {
	c := newClient(t, &loopback{t: t, srv: newServer(t)}, 4)
	_, err := c.Renew(context.Background())
	assert.ErrorIs(t, err, ErrNoLease)
}

func TestNoiseIsSkipped(t *testing.T) {
	srv := newServer(t)
	conn := &loopback{t: t, srv: srv}
	c := newClient(t, conn, 4)

	stray := packet.Packet{
		Op:            packet.OpReply,
		TransactionID: 0xffff,
		ClientIP:      netip.IPv4Unspecified(),
		YourIP:        netip.MustParseAddr("192.168.0.77"),
		ServerIP:      netip.MustParseAddr("192.168.0.1"),
		HardwareAddr:  4,
		MessageType:   packet.Offer,
	}
	ownBroadcast := stray
	ownBroadcast.Op = packet.OpRequest
	conn.inbox = append(conn.inbox, []byte("garbage"), stray.Encode(), ownBroadcast.Encode())

	ip, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.2", ip.String())
}

// silentConn accepts every packet and never answers.
type silentConn struct{}

func (silentConn) Send(context.Context, []byte) error { return nil }

func (silentConn) Receive(ctx context.Context) ([]byte, error) { return nil, context.DeadlineExceeded }

func TestReceiveError(t *testing.T) {
	c := newClient(t, silentConn{}, 4)
	_, err := c.Discover(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := c.LeasedIP()
	assert.False(t, ok)

	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestRenewOutsidePoolIsDeclined(t *testing.T) {
	c := newClient(t, &loopback{t: t, srv: newServer(t)}, 4, WithLeasedIP(netip.MustParseAddr("10.9.9.9")))
	_, err := c.Renew(context.Background())
	assert.ErrorIs(t, err, transaction.ErrDeclined)
}

func TestDefaultHardwareAddrFromNodeID(t *testing.T) {
	c, err := New(&loopback{t: t}, nil)
	require.NoError(t, err)
	assert.NotZero(t, c.HardwareAddr())
}
