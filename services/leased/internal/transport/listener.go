// Package transport moves encoded packets between UDP sockets and the lease
// engine, and lease events from the engine to NATS.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"leased/services/leased/internal/lease"
	"leased/services/leased/internal/packet"
	"leased/services/leased/internal/server"
	"leased/services/leased/internal/transaction"
)

// maxDatagram covers an Ethernet MTU; longer datagrams are truncated by the
// kernel and then rejected by the decoder.
const maxDatagram = 1500

// Handler is the engine a Listener feeds.
type Handler interface {
	Handle(packet.Packet) (*packet.Packet, error)
	Stats() server.Stats
}

// Metrics receives per-packet measurements.
type Metrics interface {
	PacketIn(messageType string)
	PacketOut(messageType string)
	DispatchError(class string)
	ObserveDispatch(time.Duration)
	ObserveStats(server.Stats)
}

type nopMetrics struct{}

func (nopMetrics) PacketIn(string)               {}
func (nopMetrics) PacketOut(string)              {}
func (nopMetrics) DispatchError(string)          {}
func (nopMetrics) ObserveDispatch(time.Duration) {}
func (nopMetrics) ObserveStats(server.Stats)     {}

// ListenerConfig places the server socket.
type ListenerConfig struct {
	// Interface is the device to bind. Empty binds every device.
	Interface  string
	Port       int
	ClientPort int
}

// ListenerOption customises a Listener.
type ListenerOption func(*Listener)

// WithMetrics records packet counts and dispatch latency.
func WithMetrics(m Metrics) ListenerOption {
	return func(l *Listener) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) ListenerOption {
	return func(l *Listener) {
		if t != nil {
			l.tracer = t
		}
	}
}

// WithReplyAddr sends replies to addr instead of the limited broadcast
// address.
func WithReplyAddr(addr net.Addr) ListenerOption {
	return func(l *Listener) { l.replyTo = addr }
}

// Listener reads requests from one UDP socket and dispatches them one at a
// time.
type Listener struct {
	cfg     ListenerConfig
	handler Handler
	logger  *log.Logger
	metrics Metrics
	tracer  trace.Tracer
	replyTo net.Addr
}

// NewListener returns a Listener for h.
func NewListener(cfg ListenerConfig, h Handler, logger *log.Logger, opts ...ListenerOption) (*Listener, error) {
	if h == nil {
		return nil, errors.New("listener requires a handler")
	}
	if logger == nil {
		logger = log.Default()
	}
	l := &Listener{
		cfg:     cfg,
		handler: h,
		logger:  logger,
		metrics: nopMetrics{},
		tracer:  otel.Tracer("leased/transport"),
		replyTo: &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.ClientPort},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run binds the server port and serves until ctx ends.
func (l *Listener) Run(ctx context.Context, ready *atomic.Bool) error {
	conn, err := server4.NewIPv4UDPConn(l.cfg.Interface, &net.UDPAddr{Port: l.cfg.Port})
	if err != nil {
		return fmt.Errorf("start listener on %q port %d: %w", l.cfg.Interface, l.cfg.Port, err)
	}
	l.logger.Printf("INFO dhcp listening on %q port %d, replies to %s", l.cfg.Interface, l.cfg.Port, l.replyTo)
	if ready != nil {
		ready.Store(true)
		defer ready.Store(false)
	}
	return l.Serve(ctx, conn)
}

// Serve reads from conn until ctx ends or the socket fails. It closes conn.
func (l *Listener) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dhcp read: %w", err)
		}
		reply := l.Dispatch(ctx, buf[:n])
		if reply == nil {
			continue
		}
		if _, err := conn.WriteTo(reply, l.replyTo); err != nil {
			l.logger.Printf("ERROR send reply for %s to %s: %v", peer, l.replyTo, err)
		}
	}
}

// Dispatch decodes one datagram, hands it to the engine and returns the
// encoded reply, or nil when there is nothing to send.
func (l *Listener) Dispatch(ctx context.Context, data []byte) []byte {
	start := time.Now()
	defer func() { l.metrics.ObserveDispatch(time.Since(start)) }()

	_, span := l.tracer.Start(ctx, "dhcp.dispatch", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	p, err := packet.Decode(data)
	if err != nil {
		l.fail(span, err, fmt.Sprintf("%d-byte datagram", len(data)))
		return nil
	}
	span.SetAttributes(
		attribute.String("dhcp.message_type", p.MessageType.String()),
		attribute.Int64("dhcp.xid", int64(p.TransactionID)),
		attribute.String("dhcp.chaddr", p.HardwareAddr.String()),
	)
	l.metrics.PacketIn(p.MessageType.String())

	reply, err := l.handler.Handle(p)
	l.metrics.ObserveStats(l.handler.Stats())
	if err != nil {
		l.fail(span, err, p.String())
	}
	if reply == nil {
		return nil
	}
	span.SetAttributes(attribute.String("dhcp.reply_type", reply.MessageType.String()))
	if reply.YourIP.IsValid() {
		span.SetAttributes(attribute.String("dhcp.yiaddr", reply.YourIP.String()))
	}
	l.metrics.PacketOut(reply.MessageType.String())
	return reply.Encode()
}

func (l *Listener) fail(span trace.Span, err error, what string) {
	class := Classify(err)
	l.metrics.DispatchError(class)
	span.RecordError(err)
	span.SetStatus(codes.Error, class)
	switch class {
	case "format", "unsupported":
		l.logger.Printf("DEBUG dropped %s: %v", what, err)
	case "protocol", "exhausted", "conflict":
		l.logger.Printf("WARN %s: %v", what, err)
	default:
		l.logger.Printf("ERROR %s: %v", what, err)
	}
}

// Classify maps an engine error to the label used in logs and metrics.
func Classify(err error) string {
	switch {
	case errors.Is(err, packet.ErrFormat):
		return "format"
	case errors.Is(err, transaction.ErrProtocol):
		return "protocol"
	case errors.Is(err, transaction.ErrDeclined):
		return "declined"
	case errors.Is(err, lease.ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, server.ErrConflict):
		return "conflict"
	case errors.Is(err, server.ErrUnsupported):
		return "unsupported"
	default:
		return "internal"
	}
}
