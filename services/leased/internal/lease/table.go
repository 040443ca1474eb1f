// Package lease tracks IP to hardware address bindings and hands out free
// addresses from a subnet.
package lease

import (
	"net/netip"
	"sort"
	"time"

	"leased/services/leased/internal/expiry"
	"leased/services/leased/internal/packet"
)

// Binding is one live lease.
type Binding struct {
	IP        netip.Addr
	MAC       packet.HardwareAddr
	ExpiresAt time.Time
}

// Table is a bijection between leased IPs and hardware addresses, aged out
// in expiry order. It is not safe for concurrent use.
type Table struct {
	duration time.Duration
	byIP     map[netip.Addr]Binding
	byMAC    map[packet.HardwareAddr]netip.Addr
	queue    *expiry.Queue[netip.Addr]
}

// NewTable returns an empty table whose leases all last duration.
func NewTable(duration time.Duration) *Table {
	return &Table{
		duration: duration,
		byIP:     make(map[netip.Addr]Binding),
		byMAC:    make(map[packet.HardwareAddr]netip.Addr),
		queue:    expiry.New[netip.Addr](),
	}
}

// Duration is the fixed length of every lease.
func (t *Table) Duration() time.Duration { return t.duration }

// Lease binds ip to mac until now+duration, replacing any binding either of
// them had. The queue entry of a replaced binding is left behind and
// discarded by SweepExpired.
func (t *Table) Lease(ip netip.Addr, mac packet.HardwareAddr, now time.Time) Binding {
	if old, ok := t.byMAC[mac]; ok && old != ip {
		delete(t.byIP, old)
	}
	if prev, ok := t.byIP[ip]; ok && prev.MAC != mac {
		delete(t.byMAC, prev.MAC)
	}

	b := Binding{IP: ip, MAC: mac, ExpiresAt: now.Add(t.duration)}
	t.byIP[ip] = b
	t.byMAC[mac] = ip
	t.queue.PushBack(b.ExpiresAt, ip)
	return b
}

// SweepExpired removes every binding whose expiry is not after now and
// returns them.
func (t *Table) SweepExpired(now time.Time) []Binding {
	var expired []Binding
	t.queue.PopExpired(now, func(e expiry.Entry[netip.Addr]) {
		b, ok := t.byIP[e.Key]
		if !ok || !b.ExpiresAt.Equal(e.Expiry) {
			return
		}
		t.remove(b)
		expired = append(expired, b)
	})
	return expired
}

// Free drops the binding for ip immediately. The queue is searched linearly.
func (t *Table) Free(ip netip.Addr) (Binding, bool) {
	b, ok := t.byIP[ip]
	if !ok {
		return Binding{}, false
	}
	t.remove(b)
	t.queue.RemoveFunc(func(e expiry.Entry[netip.Addr]) bool { return e.Key == ip })
	return b, true
}

// LookupIP returns the binding that holds ip.
func (t *Table) LookupIP(ip netip.Addr) (Binding, bool) {
	b, ok := t.byIP[ip]
	return b, ok
}

// LookupMAC returns the binding held by mac.
func (t *Table) LookupMAC(mac packet.HardwareAddr) (Binding, bool) {
	ip, ok := t.byMAC[mac]
	if !ok {
		return Binding{}, false
	}
	return t.byIP[ip], true
}

// Leased reports whether ip is bound.
func (t *Table) Leased(ip netip.Addr) bool {
	_, ok := t.byIP[ip]
	return ok
}

// Len is the number of live bindings.
func (t *Table) Len() int { return len(t.byIP) }

// Snapshot returns the live bindings ordered by IP.
func (t *Table) Snapshot() []Binding {
	out := make([]Binding, 0, len(t.byIP))
	for _, b := range t.byIP {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

func (t *Table) remove(b Binding) {
	delete(t.byIP, b.IP)
	if t.byMAC[b.MAC] == b.IP {
		delete(t.byMAC, b.MAC)
	}
}
