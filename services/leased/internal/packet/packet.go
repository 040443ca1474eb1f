// Package packet implements the leased wire format: a fixed BOOTP-style header
// followed by a short DHCP option stream.
package packet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
)

// ErrFormat reports a truncated or malformed packet, or misuse of the
// incremental parser.
var ErrFormat = errors.New("malformed packet")

const (
	// HeaderSize is the fixed header up to and excluding the magic cookie.
	HeaderSize = 228
	// InitialSize is the first chunk handed to Begin: the header, the magic
	// cookie, the message type option and the tag of the option after it.
	InitialSize = HeaderSize + 4 + 3 + 1

	hwAddrFieldSize = 8
	serverNameSize  = 64
	bootFileSize    = 128

	flagBroadcast uint16 = 1 << 15
)

const (
	optPad         = uint8(dhcpv4.OptionPad)
	optLeaseTime   = uint8(dhcpv4.OptionIPAddressLeaseTime)
	optMessageType = uint8(dhcpv4.OptionDHCPMessageType)
	optEnd         = uint8(dhcpv4.OptionEnd)

	hwTypeEthernet = uint8(iana.HWTypeEthernet)
	hwLenEthernet  = 6
)

var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// OpCode is the BOOTP operation.
type OpCode uint8

const (
	OpRequest OpCode = 1
	OpReply   OpCode = 2
)

func (o OpCode) String() string { return dhcpv4.OpcodeType(o).String() }

// MessageType is the value carried in option 53.
type MessageType uint8

const (
	Discover MessageType = 1
	Offer    MessageType = 2
	Request  MessageType = 3
	Decline  MessageType = 4
	Ack      MessageType = 5
	Nak      MessageType = 6
	Release  MessageType = 7
	Inform   MessageType = 8
)

// Valid reports whether t is one of the eight known message types.
func (t MessageType) Valid() bool { return t >= Discover && t <= Inform }

func (t MessageType) String() string { return dhcpv4.MessageType(t).String() }

// HardwareAddr is a 48-bit MAC address held in the low bits of a 64-bit field.
type HardwareAddr uint64

const hwAddrMask = 1<<48 - 1

// HardwareAddrFrom converts the first six bytes of mac.
func HardwareAddrFrom(mac net.HardwareAddr) (HardwareAddr, error) {
	if len(mac) < hwLenEthernet {
		return 0, fmt.Errorf("hardware address %q is shorter than %d bytes", mac.String(), hwLenEthernet)
	}
	var v uint64
	for _, b := range mac[:hwLenEthernet] {
		v = v<<8 | uint64(b)
	}
	return HardwareAddr(v), nil
}

// Net returns the address as a six byte net.HardwareAddr.
func (a HardwareAddr) Net() net.HardwareAddr {
	mac := make(net.HardwareAddr, hwLenEthernet)
	v := uint64(a) & hwAddrMask
	for i := hwLenEthernet - 1; i >= 0; i-- {
		mac[i] = byte(v)
		v >>= 8
	}
	return mac
}

func (a HardwareAddr) String() string { return a.Net().String() }

// Packet is a decoded or to-be-encoded leased message. The broadcast flag,
// hardware type and length, hops and gateway address are fixed on the wire and
// not represented.
type Packet struct {
	Op             OpCode
	TransactionID  uint32
	SecondsElapsed uint16
	ClientIP       netip.Addr
	YourIP         netip.Addr
	ServerIP       netip.Addr
	HardwareAddr   HardwareAddr
	MessageType    MessageType
	LeaseTime      uint32
	HasLeaseTime   bool
}

// WithLeaseTime returns a copy of p carrying option 51.
func (p Packet) WithLeaseTime(seconds uint32) Packet {
	p.LeaseTime = seconds
	p.HasLeaseTime = true
	return p
}

func (p Packet) String() string {
	s := fmt.Sprintf("%s xid=%#08x op=%s ciaddr=%s yiaddr=%s siaddr=%s chaddr=%s secs=%d",
		p.MessageType, p.TransactionID, p.Op, addrString(p.ClientIP), addrString(p.YourIP),
		addrString(p.ServerIP), p.HardwareAddr, p.SecondsElapsed)
	if p.HasLeaseTime {
		s += fmt.Sprintf(" lease=%ds", p.LeaseTime)
	}
	return s
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return "0.0.0.0"
	}
	return a.String()
}
