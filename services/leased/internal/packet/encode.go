package packet

import (
	"encoding/binary"
	"net/netip"
)

// Encode serializes p. The option stream always carries the message type,
// the lease time only when p has one, and the end marker.
func (p Packet) Encode() []byte {
	size := HeaderSize + len(magicCookie) + 3 + 1
	if p.HasLeaseTime {
		size += 6
	}
	buf := make([]byte, size)

	buf[0] = byte(p.Op)
	buf[1] = hwTypeEthernet
	buf[2] = hwLenEthernet
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], p.TransactionID)
	binary.BigEndian.PutUint16(buf[8:10], p.SecondsElapsed)
	binary.BigEndian.PutUint16(buf[10:12], flagBroadcast)
	putAddr(buf[12:16], p.ClientIP)
	putAddr(buf[16:20], p.YourIP)
	putAddr(buf[20:24], p.ServerIP)
	// gateway (24:28), server name and boot file stay zero
	binary.BigEndian.PutUint64(buf[28:28+hwAddrFieldSize], uint64(p.HardwareAddr)&hwAddrMask)

	off := HeaderSize
	off += copy(buf[off:], magicCookie[:])
	buf[off], buf[off+1], buf[off+2] = optMessageType, 1, byte(p.MessageType)
	off += 3
	if p.HasLeaseTime {
		buf[off], buf[off+1] = optLeaseTime, 4
		binary.BigEndian.PutUint32(buf[off+2:off+6], p.LeaseTime)
		off += 6
	}
	buf[off] = optEnd
	return buf
}

func putAddr(dst []byte, a netip.Addr) {
	if !a.Is4() {
		return
	}
	v := a.As4()
	copy(dst, v[:])
}
