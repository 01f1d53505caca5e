package payload

import (
	"fmt"

	"github.com/danmuck/headunit/internal/protocol"
)

// Message is a typed payload that knows its header type.
type Message interface {
	MsgType() protocol.MsgType
	MarshalBinary() ([]byte, error)
}

// Ping carries an optional sender timestamp; an empty body is accepted.
type Ping struct {
	TimestampMS uint32
}

func (Ping) MsgType() protocol.MsgType { return protocol.MsgPing }

func (p Ping) MarshalBinary() ([]byte, error) {
	w := newWriter(4)
	w.u32(p.TimestampMS)
	return w.bytes(), nil
}

func (p *Ping) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		*p = Ping{}
		return nil
	}
	r := newReader("ping", b, 4)
	p.TimestampMS = r.u32()
	return r.done()
}

type AckStatus uint8

const (
	AckOK       AckStatus = 0
	AckRejected AckStatus = 1
	AckBusy     AckStatus = 2
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "ok"
	case AckRejected:
		return "rejected"
	case AckBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Ack acknowledges the frame whose src/seq_num it echoes in the header.
type Ack struct {
	Status AckStatus
}

func (Ack) MsgType() protocol.MsgType { return protocol.MsgAck }

func (a Ack) MarshalBinary() ([]byte, error) {
	return []byte{byte(a.Status)}, nil
}

func (a *Ack) UnmarshalBinary(b []byte) error {
	switch len(b) {
	case 0:
		a.Status = AckOK
		return nil
	case 1:
		a.Status = AckStatus(b[0])
		return nil
	default:
		return fmt.Errorf("%w: ack wants 0..1 bytes, got %d", protocol.ErrInvalidPayload, len(b))
	}
}

type ErrorCode uint8

const (
	ErrorGeneric        ErrorCode = 0x01
	ErrorBadPayload     ErrorCode = 0x02
	ErrorUnsupported    ErrorCode = 0x03
	ErrorProfileInvalid ErrorCode = 0x04
	ErrorBusy           ErrorCode = 0x05
)

// Error reports a failure tied to a previously received frame.
type Error struct {
	Code    ErrorCode
	RefType protocol.MsgType
	RefSeq  uint16
}

func (Error) MsgType() protocol.MsgType { return protocol.MsgError }

func (e Error) MarshalBinary() ([]byte, error) {
	w := newWriter(4)
	w.u8(uint8(e.Code))
	w.u8(uint8(e.RefType))
	w.u16(e.RefSeq)
	return w.bytes(), nil
}

func (e *Error) UnmarshalBinary(b []byte) error {
	r := newReader("error", b, 4)
	e.Code = ErrorCode(r.u8())
	e.RefType = protocol.MsgType(r.u8())
	e.RefSeq = r.u16()
	return r.done()
}

// DiscoveryReq asks every node to answer within ReplyWindowMS (0 = node default).
type DiscoveryReq struct {
	ReplyWindowMS uint16
}

func (DiscoveryReq) MsgType() protocol.MsgType { return protocol.MsgDiscoveryReq }

func (d DiscoveryReq) MarshalBinary() ([]byte, error) {
	w := newWriter(2)
	w.u16(d.ReplyWindowMS)
	return w.bytes(), nil
}

func (d *DiscoveryReq) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		*d = DiscoveryReq{}
		return nil
	}
	r := newReader("discovery_req", b, 2)
	d.ReplyWindowMS = r.u16()
	return r.done()
}

// DiscoveryRes is a node's identity answer.
// Layout: mac(6) | device_type(1) | hw_revision(1) | fw_major(1) | fw_minor(1) | current_id(1)
type DiscoveryRes struct {
	MAC        protocol.MAC
	DeviceType protocol.DeviceType
	HWRevision uint8
	FWMajor    uint8
	FWMinor    uint8
	CurrentID  protocol.Address
}

func (DiscoveryRes) MsgType() protocol.MsgType { return protocol.MsgDiscoveryRes }

func (d DiscoveryRes) MarshalBinary() ([]byte, error) {
	w := newWriter(11)
	w.raw(d.MAC[:])
	w.u8(uint8(d.DeviceType))
	w.u8(d.HWRevision)
	w.u8(d.FWMajor)
	w.u8(d.FWMinor)
	w.u8(uint8(d.CurrentID))
	return w.bytes(), nil
}

func (d *DiscoveryRes) UnmarshalBinary(b []byte) error {
	r := newReader("discovery_res", b, 11)
	copy(d.MAC[:], r.take(6))
	d.DeviceType = protocol.DeviceType(r.u8())
	d.HWRevision = r.u8()
	d.FWMajor = r.u8()
	d.FWMinor = r.u8()
	d.CurrentID = protocol.Address(r.u8())
	return r.done()
}

// AssignID hands NewID to the node whose hardware MAC equals TargetMAC.
type AssignID struct {
	TargetMAC protocol.MAC
	NewID     protocol.Address
}

func (AssignID) MsgType() protocol.MsgType { return protocol.MsgAssignID }

func (a AssignID) MarshalBinary() ([]byte, error) {
	if !a.NewID.IsDynamic() {
		return nil, fmt.Errorf("%w: assign_id %s outside dynamic pool", protocol.ErrInvalidAddress, a.NewID)
	}
	w := newWriter(7)
	w.raw(a.TargetMAC[:])
	w.u8(uint8(a.NewID))
	return w.bytes(), nil
}

func (a *AssignID) UnmarshalBinary(b []byte) error {
	r := newReader("assign_id", b, 7)
	copy(a.TargetMAC[:], r.take(6))
	a.NewID = protocol.Address(r.u8())
	if err := r.done(); err != nil {
		return err
	}
	if !a.NewID.IsDynamic() {
		return fmt.Errorf("%w: assign_id %s outside dynamic pool", protocol.ErrInvalidPayload, a.NewID)
	}
	return nil
}

// Reboot asks a node to restart after DelayMS.
type Reboot struct {
	DelayMS uint16
}

func (Reboot) MsgType() protocol.MsgType { return protocol.MsgReboot }

func (r Reboot) MarshalBinary() ([]byte, error) {
	w := newWriter(2)
	w.u16(r.DelayMS)
	return w.bytes(), nil
}

func (r *Reboot) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		*r = Reboot{}
		return nil
	}
	rd := newReader("reboot", b, 2)
	r.DelayMS = rd.u16()
	return rd.done()
}

// Heartbeat keeps a node's registry entry alive.
type Heartbeat struct {
	UptimeS uint32
	Status  uint8
}

func (Heartbeat) MsgType() protocol.MsgType { return protocol.MsgHeartbeat }

func (h Heartbeat) MarshalBinary() ([]byte, error) {
	w := newWriter(5)
	w.u32(h.UptimeS)
	w.u8(h.Status)
	return w.bytes(), nil
}

func (h *Heartbeat) UnmarshalBinary(b []byte) error {
	r := newReader("heartbeat", b, 5)
	h.UptimeS = r.u32()
	h.Status = r.u8()
	return r.done()
}
