package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/headunit/internal/protocol"
)

const (
	Magic      byte = 0xA5
	HeaderLen       = 9
	MaxPayload      = 230
	MaxFrame        = HeaderLen + MaxPayload
)

// Flags is the header flag bitset.
type Flags uint8

const (
	FlagNeedAck       Flags = 0x01
	FlagRetransmitted Flags = 0x02
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Header is the fixed 9-byte wire header.
// Layout: magic(1) | flags(1) | src(1) | dst(1) | via(1) | msg_type(1) | seq_num(2, LE) | payload_len(1)
type Header struct {
	Flags      Flags
	Src        protocol.Address
	Dst        protocol.Address
	Via        protocol.Address
	Type       protocol.MsgType
	Seq        uint16
	PayloadLen uint8
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

func (f Frame) NeedAck() bool { return f.Header.Flags.Has(FlagNeedAck) }

func (f Frame) Retransmitted() bool { return f.Header.Flags.Has(FlagRetransmitted) }

// Encode writes h and payload in wire order. PayloadLen is taken from len(payload).
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", protocol.ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	if !h.Dst.ValidDestination() {
		return nil, fmt.Errorf("%w: dst %s", protocol.ErrInvalidAddress, h.Dst)
	}
	if !h.Via.ValidVia() {
		return nil, fmt.Errorf("%w: via %s", protocol.ErrInvalidAddress, h.Via)
	}
	h.PayloadLen = uint8(len(payload))

	buf := make([]byte, HeaderLen+len(payload))
	putHeader(buf, h)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode parses one frame from b. Bytes past 9+payload_len are ignored.
func Decode(b []byte) (Frame, error) {
	f, _, err := Next(b)
	return f, err
}

// Next parses the frame at the start of buf and returns the bytes that follow it.
// ErrTruncatedFrame means buf holds a frame prefix; ErrInvalidMagic means buf[0] is not a frame start.
func Next(buf []byte) (Frame, []byte, error) {
	if len(buf) < 1 || buf[0] != Magic {
		if len(buf) == 0 {
			return Frame{}, buf, fmt.Errorf("%w: empty buffer", protocol.ErrTruncatedFrame)
		}
		return Frame{}, buf, fmt.Errorf("%w: 0x%02x", protocol.ErrInvalidMagic, buf[0])
	}
	if len(buf) < HeaderLen {
		return Frame{}, buf, fmt.Errorf("%w: %d header bytes", protocol.ErrTruncatedFrame, len(buf))
	}
	h := DecodeHeader(buf[:HeaderLen])
	total := HeaderLen + int(h.PayloadLen)
	if len(buf) < total {
		return Frame{}, buf, fmt.Errorf("%w: have %d of %d bytes", protocol.ErrTruncatedFrame, len(buf), total)
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[HeaderLen:total])
	return Frame{Header: h, Payload: payload}, buf[total:], nil
}

// Len reports the full frame length announced by a buffered header, or 0 when
// the header is not yet complete.
func Len(buf []byte) int {
	if len(buf) < HeaderLen {
		return 0
	}
	return HeaderLen + int(buf[HeaderLen-1])
}

// Resync drops bytes up to the next magic byte after buf[0].
func Resync(buf []byte) []byte {
	if len(buf) <= 1 {
		return buf[:0]
	}
	i := bytes.IndexByte(buf[1:], Magic)
	if i < 0 {
		return buf[:0]
	}
	return buf[1+i:]
}

// EncodeHeader returns the 9 header bytes of h as given, including PayloadLen.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

// DecodeHeader reads a header without checking magic. b must hold HeaderLen bytes.
func DecodeHeader(b []byte) Header {
	return Header{
		Flags:      Flags(b[1]),
		Src:        protocol.Address(b[2]),
		Dst:        protocol.Address(b[3]),
		Via:        protocol.Address(b[4]),
		Type:       protocol.MsgType(b[5]),
		Seq:        binary.LittleEndian.Uint16(b[6:8]),
		PayloadLen: b[8],
	}
}

func putHeader(buf []byte, h Header) {
	buf[0] = Magic
	buf[1] = byte(h.Flags)
	buf[2] = byte(h.Src)
	buf[3] = byte(h.Dst)
	buf[4] = byte(h.Via)
	buf[5] = byte(h.Type)
	binary.LittleEndian.PutUint16(buf[6:8], h.Seq)
	buf[8] = h.PayloadLen
}
