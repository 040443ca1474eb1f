package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

type parseState uint8

const (
	awaitTag parseState = iota
	awaitLength
	awaitValue
)

// PartialPacket is a packet whose option stream is still being read.
// Feed it exactly BytesNeeded bytes at a time until BytesNeeded is zero.
type PartialPacket struct {
	packet Packet
	state  parseState
	tag    uint8
	needed int
}

// Begin decodes the fixed-size leading chunk of a packet. initial must be
// exactly InitialSize bytes.
func Begin(initial []byte) (*PartialPacket, error) {
	if len(initial) != InitialSize {
		return nil, fmt.Errorf("%w: initial chunk is %d bytes, want %d", ErrFormat, len(initial), InitialSize)
	}

	op := OpCode(initial[0])
	if op != OpRequest && op != OpReply {
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrFormat, initial[0])
	}
	if !bytes.Equal(initial[HeaderSize:HeaderSize+4], magicCookie[:]) {
		return nil, fmt.Errorf("%w: bad magic cookie % x", ErrFormat, initial[HeaderSize:HeaderSize+4])
	}
	opt := initial[HeaderSize+4:]
	if opt[0] != optMessageType || opt[1] != 1 {
		return nil, fmt.Errorf("%w: first option must be message type, got tag %d len %d", ErrFormat, opt[0], opt[1])
	}
	msgType := MessageType(opt[2])
	if !msgType.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrFormat, opt[2])
	}

	pp := &PartialPacket{
		packet: Packet{
			Op:             op,
			TransactionID:  binary.BigEndian.Uint32(initial[4:8]),
			SecondsElapsed: binary.BigEndian.Uint16(initial[8:10]),
			ClientIP:       addrAt(initial[12:16]),
			YourIP:         addrAt(initial[16:20]),
			ServerIP:       addrAt(initial[20:24]),
			HardwareAddr:   HardwareAddr(binary.BigEndian.Uint64(initial[28:28+hwAddrFieldSize]) & hwAddrMask),
			MessageType:    msgType,
		},
	}
	pp.onTag(opt[3])
	return pp, nil
}

// BytesNeeded is the exact size of the next chunk ParseMore accepts.
// Zero means the packet is complete.
func (pp *PartialPacket) BytesNeeded() int { return pp.needed }

// Done reports whether the end option has been read.
func (pp *PartialPacket) Done() bool { return pp.needed == 0 }

// ParseMore consumes the next chunk of the option stream.
func (pp *PartialPacket) ParseMore(b []byte) error {
	if pp.needed == 0 {
		return fmt.Errorf("%w: parsing is complete", ErrFormat)
	}
	if len(b) != pp.needed {
		return fmt.Errorf("%w: got %d bytes, %d needed", ErrFormat, len(b), pp.needed)
	}

	switch pp.state {
	case awaitTag:
		pp.onTag(b[0])
	case awaitLength:
		n := int(b[0])
		if pp.tag == optLeaseTime && n != 4 {
			return fmt.Errorf("%w: lease time option has length %d", ErrFormat, n)
		}
		if n == 0 {
			pp.expectTag()
			return nil
		}
		pp.state = awaitValue
		pp.needed = n
	case awaitValue:
		if pp.tag == optLeaseTime {
			pp.packet.LeaseTime = binary.BigEndian.Uint32(b)
			pp.packet.HasLeaseTime = true
		}
		pp.expectTag()
	}
	return nil
}

// Packet returns the assembled packet once parsing is complete.
func (pp *PartialPacket) Packet() (Packet, bool) {
	if pp.needed != 0 {
		return Packet{}, false
	}
	return pp.packet, true
}

func (pp *PartialPacket) onTag(tag uint8) {
	switch tag {
	case optEnd:
		pp.needed = 0
	case optPad:
		pp.expectTag()
	default:
		pp.tag = tag
		pp.state = awaitLength
		pp.needed = 1
	}
}

func (pp *PartialPacket) expectTag() {
	pp.tag = 0
	pp.state = awaitTag
	pp.needed = 1
}

// Read decodes one packet from r, reading exactly as many bytes as the
// option stream requires.
func Read(r io.Reader) (Packet, error) {
	initial := make([]byte, InitialSize)
	if _, err := io.ReadFull(r, initial); err != nil {
		return Packet{}, readErr(err)
	}
	pp, err := Begin(initial)
	if err != nil {
		return Packet{}, err
	}
	var chunk [255]byte
	for !pp.Done() {
		b := chunk[:pp.BytesNeeded()]
		if _, err := io.ReadFull(r, b); err != nil {
			return Packet{}, readErr(err)
		}
		if err := pp.ParseMore(b); err != nil {
			return Packet{}, err
		}
	}
	p, _ := pp.Packet()
	return p, nil
}

// Decode decodes a complete datagram. Bytes after the end option are ignored.
func Decode(data []byte) (Packet, error) {
	return Read(bytes.NewReader(data))
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated packet", ErrFormat)
	}
	return err
}

func addrAt(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte(b))
}
