package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leased/services/leased/internal/client"
	"leased/services/leased/internal/lease"
	"leased/services/leased/internal/packet"
	"leased/services/leased/internal/server"
	"leased/services/leased/internal/transaction"
)

var quiet = log.New(io.Discard, "", 0)

type countingMetrics struct {
	mu       sync.Mutex
	in, out  map[string]int
	errs     map[string]int
	observed int
	stats    server.Stats
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{in: map[string]int{}, out: map[string]int{}, errs: map[string]int{}}
}

func (m *countingMetrics) PacketIn(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in[t]++
}

func (m *countingMetrics) PacketOut(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out[t]++
}

func (m *countingMetrics) DispatchError(class string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[class]++
}

func (m *countingMetrics) ObserveDispatch(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed++
}

func (m *countingMetrics) ObserveStats(s server.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = s
}

func newEngine(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{
		Interface: netip.MustParsePrefix("10.0.0.1/29"),
		LeaseTime: time.Minute,
	}, quiet)
	require.NoError(t, err)
	return srv
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: short", packet.ErrFormat), "format"},
		{fmt.Errorf("%w: wrong phase", transaction.ErrProtocol), "protocol"},
		{transaction.ErrDeclined, "declined"},
		{fmt.Errorf("offer: %w", lease.ErrPoolExhausted), "exhausted"},
		{server.ErrConflict, "conflict"},
		{server.ErrUnsupported, "unsupported"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestDispatch(t *testing.T) {
	m := newCountingMetrics()
	l, err := NewListener(ListenerConfig{ClientPort: 68}, newEngine(t), quiet, WithMetrics(m))
	require.NoError(t, err)

	discover := packet.Packet{
		Op:            packet.OpRequest,
		TransactionID: 7,
		HardwareAddr:  0x020000000001,
		MessageType:   packet.Discover,
	}
	out := l.Dispatch(context.Background(), discover.Encode())
	require.NotNil(t, out)
	offer, err := packet.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, packet.Offer, offer.MessageType)
	assert.Equal(t, uint32(7), offer.TransactionID)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), offer.YourIP)

	assert.Nil(t, l.Dispatch(context.Background(), []byte{1, 2, 3}))

	stray := discover
	stray.Op = packet.OpReply
	assert.Nil(t, l.Dispatch(context.Background(), stray.Encode()))

	assert.Equal(t, 2, m.in["DISCOVER"], "the stray reply is counted before it is rejected")
	assert.Equal(t, 1, m.out["OFFER"])
	assert.Equal(t, 1, m.errs["format"])
	assert.Equal(t, 1, m.errs["unsupported"])
	assert.Equal(t, 3, m.observed)
	assert.Equal(t, 1, m.stats.Transactions)
	assert.Equal(t, 1, m.stats.Provisional)
}

func TestNewListenerRequiresHandler(t *testing.T) {
	_, err := NewListener(ListenerConfig{}, nil, quiet)
	assert.Error(t, err)
}

func TestServeOverUDP(t *testing.T) {
	srvConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	cliConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	cc := NewClientConn(cliConn, srvConn.LocalAddr())
	defer cc.Close()

	l, err := NewListener(ListenerConfig{}, newEngine(t), quiet, WithReplyAddr(cc.LocalAddr()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, srvConn) }()

	c, err := client.New(cc, quiet, client.WithHardwareAddr(0x020000000002))
	require.NoError(t, err)

	opCtx, opCancel := context.WithTimeout(ctx, 5*time.Second)
	defer opCancel()
	ip, err := c.Discover(opCtx)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), ip)

	renewed, err := c.Renew(opCtx)
	require.NoError(t, err)
	assert.Equal(t, ip, renewed)
	require.NoError(t, c.Release(opCtx))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestClientConnReceiveHonoursContext(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	cc := NewClientConn(conn, conn.LocalAddr())
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = cc.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = cc.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, cc.Send(context.Background(), []byte("ping")))
	got, err := cc.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []server.Event
	fail     bool
}

func (r *recordingPublisher) Publish(_ context.Context, subject string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broker down")
	}
	r.subjects = append(r.subjects, subject)
	r.events = append(r.events, v.(server.Event))
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestEventPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	ep := NewEventPublisher(pub, "leased.leases", 8, quiet, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()

	ep.Emit(server.Event{Kind: server.EventCommitted, MAC: "02:00:00:00:00:01"})
	ep.Emit(server.Event{Kind: server.EventReleased, MAC: "02:00:00:00:00:01"})
	require.Eventually(t, func() bool { return pub.count() == 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"leased.leases.committed", "leased.leases.released"}, pub.subjects)
}

func TestEventPublisherDropsWhenFull(t *testing.T) {
	pub := &recordingPublisher{}
	var dropped int
	ep := NewEventPublisher(pub, "leased.leases", 1, quiet, func() { dropped++ })

	ep.Emit(server.Event{Kind: server.EventCommitted})
	ep.Emit(server.Event{Kind: server.EventExpired})
	assert.Equal(t, 1, dropped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ep.Run(ctx))
	assert.Equal(t, 1, pub.count(), "buffered event is flushed on shutdown")
}

func TestEventPublisherSurvivesPublishErrors(t *testing.T) {
	pub := &recordingPublisher{fail: true}
	ep := NewEventPublisher(pub, "leased.leases", 4, quiet, nil)
	ep.Emit(server.Event{Kind: server.EventConflict})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, ep.Run(ctx))
}
