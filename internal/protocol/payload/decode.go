package payload

import (
	"encoding"
	"fmt"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/profile"
)

type decodable interface {
	Message
	encoding.BinaryUnmarshaler
}

func newFor(t protocol.MsgType) (decodable, bool) {
	switch t {
	case protocol.MsgPing:
		return &Ping{}, true
	case protocol.MsgAck:
		return &Ack{}, true
	case protocol.MsgError:
		return &Error{}, true
	case protocol.MsgDiscoveryReq:
		return &DiscoveryReq{}, true
	case protocol.MsgDiscoveryRes:
		return &DiscoveryRes{}, true
	case protocol.MsgAssignID:
		return &AssignID{}, true
	case protocol.MsgReboot:
		return &Reboot{}, true
	case protocol.MsgHeartbeat:
		return &Heartbeat{}, true
	case protocol.MsgSetState:
		return &SetState{}, true
	case protocol.MsgProfileLoad:
		return &profile.Load{}, true
	case protocol.MsgHapticCfg:
		return &HapticCfg{}, true
	case protocol.MsgUIWidget:
		return &UIWidget{}, true
	case protocol.MsgUIMenu:
		return &UIMenu{}, true
	case protocol.MsgEventUIInput:
		return &InputEvent{}, true
	case protocol.MsgEventCritical:
		return &Critical{}, true
	case protocol.MsgEventFlowStart:
		return &FlowStart{}, true
	case protocol.MsgDataSensor:
		return &Sensor{}, true
	case protocol.MsgDataMulti:
		return &Multi{}, true
	case protocol.MsgDataScale:
		return &ScaleData{}, true
	default:
		return nil, false
	}
}

// Decode parses b as the payload of t. The result is a pointer to the typed struct.
func Decode(t protocol.MsgType, b []byte) (Message, error) {
	msg, ok := newFor(t)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", protocol.ErrUnknownMessageType, uint8(t))
	}
	if err := msg.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode marshals m and checks the result against the message table.
func Encode(m Message) ([]byte, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	spec, ok := protocol.SpecFor(m.MsgType())
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", protocol.ErrUnknownMessageType, uint8(m.MsgType()))
	}
	if err := spec.CheckPayload(len(b)); err != nil {
		return nil, err
	}
	return b, nil
}
