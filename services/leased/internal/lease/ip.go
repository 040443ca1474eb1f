package lease

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// hostRange returns the first and last usable host of an IPv4 prefix,
// excluding the network and broadcast addresses.
func hostRange(prefix netip.Prefix) (first, last netip.Addr, err error) {
	if !prefix.Addr().Is4() {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("prefix %s is not IPv4", prefix)
	}
	bits := prefix.Bits()
	if bits < 0 || bits > 30 {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("prefix %s has no usable host range", prefix)
	}
	network := addrToUint32(prefix.Masked().Addr())
	broadcast := network | (1<<(32-bits) - 1)
	return uint32ToAddr(network + 1), uint32ToAddr(broadcast - 1), nil
}

// nextInRange returns the address after ip, wrapping from last to first.
func nextInRange(ip, first, last netip.Addr) netip.Addr {
	if !ip.IsValid() || ip.Compare(last) >= 0 || ip.Compare(first) < 0 {
		return first
	}
	return ip.Next()
}
