package lease

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrPoolExhausted reports that every usable address is leased or reserved.
var ErrPoolExhausted = errors.New("address pool exhausted")

// Pool hands out addresses from a subnet's host range, skipping leased and
// provisionally reserved ones. It is not safe for concurrent use.
type Pool struct {
	first       netip.Addr
	last        netip.Addr
	exclude     map[netip.Addr]struct{}
	cursor      netip.Addr
	provisional map[netip.Addr]struct{}
	leases      *Table
}

// NewPool returns a pool over the usable hosts of prefix. Addresses in
// exclude, typically the server's own, are never handed out.
func NewPool(prefix netip.Prefix, leases *Table, exclude ...netip.Addr) (*Pool, error) {
	if leases == nil {
		return nil, errors.New("lease table is required")
	}
	first, last, err := hostRange(prefix)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		first:       first,
		last:        last,
		exclude:     make(map[netip.Addr]struct{}, len(exclude)),
		provisional: make(map[netip.Addr]struct{}),
		leases:      leases,
	}
	for _, ip := range exclude {
		if p.Contains(ip) {
			p.exclude[ip] = struct{}{}
		}
	}
	if p.Size() == 0 {
		return nil, fmt.Errorf("prefix %s leaves no assignable addresses", prefix)
	}
	return p, nil
}

// Contains reports whether ip is in the pool's host range.
func (p *Pool) Contains(ip netip.Addr) bool {
	return ip.Is4() && ip.Compare(p.first) >= 0 && ip.Compare(p.last) <= 0
}

// Assignable reports whether ip may ever be handed out.
func (p *Pool) Assignable(ip netip.Addr) bool {
	if !p.Contains(ip) {
		return false
	}
	_, excluded := p.exclude[ip]
	return !excluded
}

// Size is the number of assignable addresses.
func (p *Pool) Size() int {
	return int(addrToUint32(p.last)-addrToUint32(p.first)) + 1 - len(p.exclude)
}

// Next returns the first free address after the last one returned, wrapping
// once around the range. It reports false when a full cycle finds nothing.
func (p *Pool) Next() (netip.Addr, bool) {
	start := nextInRange(p.cursor, p.first, p.last)
	ip := start
	for {
		if p.free(ip) {
			p.cursor = ip
			return ip, true
		}
		ip = nextInRange(ip, p.first, p.last)
		if ip == start {
			return netip.Addr{}, false
		}
	}
}

// MarkProvisional reserves ip for an in-flight exchange.
func (p *Pool) MarkProvisional(ip netip.Addr) { p.provisional[ip] = struct{}{} }

// Unmark releases a provisional reservation. Unmarking an address that is
// not reserved is a no-op.
func (p *Pool) Unmark(ip netip.Addr) { delete(p.provisional, ip) }

// Provisional reports whether ip is reserved by an in-flight exchange.
func (p *Pool) Provisional(ip netip.Addr) bool {
	_, ok := p.provisional[ip]
	return ok
}

// ProvisionalCount is the number of reserved addresses.
func (p *Pool) ProvisionalCount() int { return len(p.provisional) }

func (p *Pool) free(ip netip.Addr) bool {
	if _, ok := p.exclude[ip]; ok {
		return false
	}
	if p.Provisional(ip) {
		return false
	}
	return !p.leases.Leased(ip)
}
