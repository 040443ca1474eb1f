// Package server assigns leases in reply to client packets.
package server

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	"leased/services/leased/internal/lease"
	"leased/services/leased/internal/packet"
	"leased/services/leased/internal/transaction"
)

const (
	DefaultLeaseTime          = 30 * time.Second
	DefaultTransactionTimeout = 10 * time.Minute
)

var (
	// ErrConflict reports a request for an address held by another client or
	// outside the pool. The reply is a NAK.
	ErrConflict = errors.New("address conflict")
	// ErrUnsupported reports a packet the server does not act on.
	ErrUnsupported = errors.New("unsupported message")
)

// Config describes the subnet the server assigns from.
type Config struct {
	// Interface is the server's own address and the subnet prefix it serves.
	Interface          netip.Prefix
	LeaseTime          time.Duration
	TransactionTimeout time.Duration
}

// Option customises a Server.
type Option func(*Server)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithEventSink sends lease events to sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Server) { s.events = sink }
}

// Server owns the lease table, address pool and transaction registry. All
// state advances inside Handle; there is no background timer, so expired
// leases and transactions linger until the next packet arrives.
type Server struct {
	mu        sync.Mutex
	serverIP  netip.Addr
	leaseTime uint32
	leases    *lease.Table
	pool      *lease.Pool
	registry  *Registry
	logger    *log.Logger
	events    EventSink
	now       func() time.Time
}

// Stats is a point-in-time view of the server's tables.
type Stats struct {
	Leases       int
	Provisional  int
	Transactions int
	PoolSize     int
}

// New returns a Server for cfg.
func New(cfg Config, logger *log.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	if !cfg.Interface.IsValid() || !cfg.Interface.Addr().Is4() {
		return nil, fmt.Errorf("server interface %s must be an IPv4 prefix", cfg.Interface)
	}
	if cfg.LeaseTime == 0 {
		cfg.LeaseTime = DefaultLeaseTime
	}
	// Option 51 carries whole seconds, and the table must expire on the
	// same instant the client was told.
	if cfg.LeaseTime < time.Second || cfg.LeaseTime%time.Second != 0 {
		return nil, fmt.Errorf("lease time %s must be a positive whole number of seconds", cfg.LeaseTime)
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = DefaultTransactionTimeout
	}

	serverIP := cfg.Interface.Addr()
	leases := lease.NewTable(cfg.LeaseTime)
	pool, err := lease.NewPool(cfg.Interface, leases, serverIP)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s := &Server{
		serverIP:  serverIP,
		leaseTime: uint32(cfg.LeaseTime / time.Second),
		leases:    leases,
		pool:      pool,
		registry:  NewRegistry(cfg.TransactionTimeout, pool),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	logger.Printf("INFO dhcp server on %s, %d assignable addresses, lease %s", cfg.Interface, pool.Size(), cfg.LeaseTime)
	return s, nil
}

// Handle processes one inbound packet to completion and returns the packet
// to send back, if any. A non-nil reply must be sent even when err is set:
// conflicts are answered with a NAK. Errors never leave the tables
// inconsistent.
func (s *Server) Handle(p packet.Packet) (*packet.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, tx := range s.registry.SweepExpired(now) {
		s.logger.Printf("DEBUG transaction %#08x (%s from %s) timed out", tx.ID, tx.Type, tx.HardwareAddr)
	}

	if p.Op != packet.OpRequest {
		return nil, fmt.Errorf("%w: %s with opcode %s", ErrUnsupported, p.MessageType, p.Op)
	}

	if tx, ok := s.registry.Lookup(p.TransactionID); ok {
		return s.forward(tx, p, now)
	}

	switch p.MessageType {
	case packet.Discover:
		return s.discover(p, now)
	case packet.Request:
		return s.request(p, now)
	case packet.Release:
		s.sweepLeases(now)
		return s.forward(transaction.NewRelease(p.TransactionID, p.HardwareAddr), p, now)
	default:
		return nil, fmt.Errorf("%w: %s outside a transaction", ErrUnsupported, p.MessageType)
	}
}

func (s *Server) discover(p packet.Packet, now time.Time) (*packet.Packet, error) {
	s.sweepLeases(now)

	if b, ok := s.leases.LookupMAC(p.HardwareAddr); ok {
		b = s.leases.Lease(b.IP, p.HardwareAddr, now)
		s.emit(bindingEvent(EventCommitted, b, p.TransactionID, now))
		s.logger.Printf("INFO %s already holds %s, lease refreshed", p.HardwareAddr, b.IP)
		reply := s.reply(p, packet.Ack, b.IP)
		return &reply, nil
	}

	// A client that restarts discovery gets its pending offer back instead
	// of a second reservation.
	if prev, ok := s.registry.PendingDiscover(p.HardwareAddr); ok {
		ip := prev.YourIP()
		s.registry.Remove(prev.ID)
		s.logger.Printf("DEBUG %s restarted discovery, reoffering %s", p.HardwareAddr, ip)
		tx := transaction.NewDiscover(p.TransactionID, p.HardwareAddr, s.offer(ip))
		s.registry.Register(tx, now)
		return s.forward(tx, p, now)
	}

	ip, ok := s.pool.Next()
	if !ok {
		s.emit(Event{Kind: EventExhausted, MAC: p.HardwareAddr.String(), TransactionID: p.TransactionID, At: now})
		return nil, fmt.Errorf("%w: no address for %s", lease.ErrPoolExhausted, p.HardwareAddr)
	}
	s.pool.MarkProvisional(ip)
	tx := transaction.NewDiscover(p.TransactionID, p.HardwareAddr, s.offer(ip))
	s.registry.Register(tx, now)
	return s.forward(tx, p, now)
}

func (s *Server) request(p packet.Packet, now time.Time) (*packet.Packet, error) {
	s.sweepLeases(now)

	requested := p.YourIP
	if !requested.IsValid() || requested.IsUnspecified() {
		requested = p.ClientIP
	}
	if !s.pool.Assignable(requested) {
		nak := s.nak(p)
		return &nak, fmt.Errorf("%w: %s requested %s outside the pool", ErrConflict, p.HardwareAddr, requested)
	}
	if b, ok := s.leases.LookupIP(requested); ok && b.MAC != p.HardwareAddr {
		s.emit(Event{Kind: EventConflict, IP: requested.String(), MAC: p.HardwareAddr.String(), TransactionID: p.TransactionID, At: now})
		nak := s.nak(p)
		return &nak, fmt.Errorf("%w: %s requested %s leased to %s", ErrConflict, p.HardwareAddr, requested, b.MAC)
	}
	if s.pool.Provisional(requested) {
		s.emit(Event{Kind: EventConflict, IP: requested.String(), MAC: p.HardwareAddr.String(), TransactionID: p.TransactionID, At: now})
		nak := s.nak(p)
		return &nak, fmt.Errorf("%w: %s requested %s while it is being offered", ErrConflict, p.HardwareAddr, requested)
	}

	tx := transaction.NewRenew(p.TransactionID, p.HardwareAddr, s.offer(requested))
	s.registry.Register(tx, now)
	return s.forward(tx, p, now)
}

func (s *Server) forward(tx *transaction.Server, p packet.Packet, now time.Time) (*packet.Packet, error) {
	done, reply, err := tx.Recv(p)
	if !done {
		return reply, err
	}
	return s.complete(tx, p, reply, err, now)
}

// complete settles a finished transaction: it always leaves the registry and
// the pool's provisional set, and commits or frees the lease on success.
func (s *Server) complete(tx *transaction.Server, p packet.Packet, reply *packet.Packet, txErr error, now time.Time) (*packet.Packet, error) {
	s.registry.Remove(tx.ID)
	if tx.Type == transaction.Discover {
		s.pool.Unmark(tx.YourIP())
	}
	if txErr != nil {
		return nil, txErr
	}

	switch tx.Type {
	case transaction.Release:
		if b, ok := s.leases.LookupMAC(tx.HardwareAddr); ok {
			s.leases.Free(b.IP)
			s.emit(bindingEvent(EventReleased, b, tx.ID, now))
			s.logger.Printf("INFO %s released %s", tx.HardwareAddr, b.IP)
		}
		return nil, nil

	default:
		ip := tx.YourIP()
		if b, ok := s.leases.LookupIP(ip); ok && b.MAC != tx.HardwareAddr {
			s.emit(Event{Kind: EventConflict, IP: ip.String(), MAC: tx.HardwareAddr.String(), TransactionID: tx.ID, At: now})
			nak := s.nak(p)
			return &nak, fmt.Errorf("%w: %s was claimed by %s before %s committed", ErrConflict, ip, b.MAC, tx.HardwareAddr)
		}
		b := s.leases.Lease(ip, tx.HardwareAddr, now)
		s.emit(bindingEvent(EventCommitted, b, tx.ID, now))
		s.logger.Printf("INFO leased %s to %s until %s", ip, tx.HardwareAddr, b.ExpiresAt.UTC().Format(time.RFC3339))
		return reply, nil
	}
}

func (s *Server) sweepLeases(now time.Time) {
	for _, b := range s.leases.SweepExpired(now) {
		s.emit(bindingEvent(EventExpired, b, 0, now))
		s.logger.Printf("INFO lease of %s to %s expired", b.IP, b.MAC)
	}
}

func (s *Server) offer(ip netip.Addr) transaction.Offer {
	return transaction.Offer{YourIP: ip, ServerIP: s.serverIP, LeaseTime: s.leaseTime}
}

func (s *Server) reply(p packet.Packet, mt packet.MessageType, ip netip.Addr) packet.Packet {
	return packet.Packet{
		Op:             packet.OpReply,
		TransactionID:  p.TransactionID,
		SecondsElapsed: p.SecondsElapsed,
		ClientIP:       p.ClientIP,
		YourIP:         ip,
		ServerIP:       s.serverIP,
		HardwareAddr:   p.HardwareAddr,
		MessageType:    mt,
	}.WithLeaseTime(s.leaseTime)
}

func (s *Server) nak(p packet.Packet) packet.Packet {
	return packet.Packet{
		Op:             packet.OpReply,
		TransactionID:  p.TransactionID,
		SecondsElapsed: p.SecondsElapsed,
		ClientIP:       p.ClientIP,
		YourIP:         netip.IPv4Unspecified(),
		ServerIP:       s.serverIP,
		HardwareAddr:   p.HardwareAddr,
		MessageType:    packet.Nak,
	}
}

func (s *Server) emit(e Event) {
	if s.events != nil {
		s.events.Emit(e)
	}
}

// Leases returns the live lease table ordered by IP.
func (s *Server) Leases() []lease.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases.Snapshot()
}

// Stats reports table sizes.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Leases:       s.leases.Len(),
		Provisional:  s.pool.ProvisionalCount(),
		Transactions: s.registry.Len(),
		PoolSize:     s.pool.Size(),
	}
}

// ServerIP is the address placed in every reply.
func (s *Server) ServerIP() netip.Addr { return s.serverIP }
