package protocol

import "fmt"

// MsgType is the closed set of message kinds carried in the frame header.
type MsgType uint8

const (
	// System
	MsgPing         MsgType = 0x01
	MsgAck          MsgType = 0x02
	MsgError        MsgType = 0x03
	MsgDiscoveryReq MsgType = 0x04
	MsgDiscoveryRes MsgType = 0x05
	MsgAssignID     MsgType = 0x06
	MsgReboot       MsgType = 0x07
	MsgHeartbeat    MsgType = 0x08

	// Control (coordinator -> node)
	MsgSetState    MsgType = 0x10
	MsgProfileLoad MsgType = 0x11
	MsgHapticCfg   MsgType = 0x12
	MsgUIWidget    MsgType = 0x13
	MsgUIMenu      MsgType = 0x14

	// Events (node -> coordinator)
	MsgEventUIInput   MsgType = 0x20
	MsgEventCritical  MsgType = 0x21
	MsgEventFlowStart MsgType = 0x22

	// Telemetry (node -> coordinator)
	MsgDataSensor MsgType = 0x30
	MsgDataMulti  MsgType = 0x31
	MsgDataScale  MsgType = 0x32
)

type Class uint8

const (
	ClassSystem Class = iota + 1
	ClassControl
	ClassEvent
	ClassTelemetry
)

func (c Class) String() string {
	switch c {
	case ClassSystem:
		return "system"
	case ClassControl:
		return "control"
	case ClassEvent:
		return "event"
	case ClassTelemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

// Direction is the legal flow of a message type.
type Direction uint8

const (
	ToNode Direction = iota + 1
	ToCoordinator
	Either
)

func (d Direction) String() string {
	switch d {
	case ToNode:
		return "coordinator->node"
	case ToCoordinator:
		return "node->coordinator"
	case Either:
		return "either"
	default:
		return "unknown"
	}
}

// MessageSpec describes the expected shape of one message type.
type MessageSpec struct {
	Type      MsgType
	Name      string
	Class     Class
	Direction Direction
	MinLen    int
	MaxLen    int
	// FromUnassigned allows the unassigned sentinel as source.
	FromUnassigned bool
	// Passive messages cause no state change when re-delivered.
	Passive bool
}

const maxPayload = 230

var messageSpecs = map[MsgType]MessageSpec{
	MsgPing:         {Name: "PING", Class: ClassSystem, Direction: Either, MinLen: 0, MaxLen: 4, Passive: true},
	MsgAck:          {Name: "ACK", Class: ClassSystem, Direction: Either, MinLen: 0, MaxLen: 1, Passive: true},
	MsgError:        {Name: "ERROR", Class: ClassSystem, Direction: Either, MinLen: 4, MaxLen: 4, FromUnassigned: true},
	MsgDiscoveryReq: {Name: "DISCOVERY_REQ", Class: ClassSystem, Direction: ToNode, MinLen: 0, MaxLen: 2, Passive: true},
	MsgDiscoveryRes: {Name: "DISCOVERY_RES", Class: ClassSystem, Direction: ToCoordinator, MinLen: 11, MaxLen: 11, FromUnassigned: true},
	MsgAssignID:     {Name: "ASSIGN_ID", Class: ClassSystem, Direction: ToNode, MinLen: 7, MaxLen: 7},
	MsgReboot:       {Name: "REBOOT", Class: ClassSystem, Direction: ToNode, MinLen: 0, MaxLen: 2},
	MsgHeartbeat:    {Name: "HEARTBEAT", Class: ClassSystem, Direction: ToCoordinator, MinLen: 5, MaxLen: 5, Passive: true},

	MsgSetState:    {Name: "CMD_SET_STATE", Class: ClassControl, Direction: ToNode, MinLen: 2, MaxLen: 2},
	MsgProfileLoad: {Name: "CMD_PROFILE_LOAD", Class: ClassControl, Direction: ToNode, MinLen: 4 + 13, MaxLen: maxPayload},
	MsgHapticCfg:   {Name: "CMD_HAPTIC_CFG", Class: ClassControl, Direction: ToNode, MinLen: 6, MaxLen: 6},
	MsgUIWidget:    {Name: "CMD_UI_WIDGET", Class: ClassControl, Direction: ToNode, MinLen: 30, MaxLen: 30},
	MsgUIMenu:      {Name: "CMD_UI_MENU", Class: ClassControl, Direction: ToNode, MinLen: 4, MaxLen: 4 + 5*27},

	MsgEventUIInput:   {Name: "EVENT_UI_INPUT", Class: ClassEvent, Direction: ToCoordinator, MinLen: 6, MaxLen: 6},
	MsgEventCritical:  {Name: "EVENT_CRITICAL", Class: ClassEvent, Direction: ToCoordinator, MinLen: 6, MaxLen: 6},
	MsgEventFlowStart: {Name: "EVENT_FLOW_START", Class: ClassEvent, Direction: ToCoordinator, MinLen: 8, MaxLen: 8},

	MsgDataSensor: {Name: "DATA_SENSOR", Class: ClassTelemetry, Direction: ToCoordinator, MinLen: 5, MaxLen: 5},
	MsgDataMulti:  {Name: "DATA_MULTI", Class: ClassTelemetry, Direction: ToCoordinator, MinLen: 2, MaxLen: maxPayload},
	MsgDataScale:  {Name: "DATA_SCALE", Class: ClassTelemetry, Direction: ToCoordinator, MinLen: 11, MaxLen: 11},
}

func init() {
	for t, spec := range messageSpecs {
		spec.Type = t
		messageSpecs[t] = spec
	}
}

// ParseMsgType converts a wire byte into a known MsgType.
func ParseMsgType(b byte) (MsgType, error) {
	t := MsgType(b)
	if _, ok := messageSpecs[t]; !ok {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, b)
	}
	return t, nil
}

// SpecFor returns the table entry for t.
func SpecFor(t MsgType) (MessageSpec, bool) {
	spec, ok := messageSpecs[t]
	return spec, ok
}

func (t MsgType) String() string {
	if spec, ok := messageSpecs[t]; ok {
		return spec.Name
	}
	return fmt.Sprintf("MSG(0x%02x)", uint8(t))
}

// CheckRoute validates the src/dst pair of a frame against the direction of its type.
func (s MessageSpec) CheckRoute(src, dst Address) error {
	if !src.IsNode() && src != AddrCoordinator {
		return fmt.Errorf("%w: source %s", ErrInvalidAddress, src)
	}
	if !dst.ValidDestination() {
		return fmt.Errorf("%w: destination %s", ErrInvalidAddress, dst)
	}
	if src == AddrUnassigned && !s.FromUnassigned {
		return fmt.Errorf("%w: %s not allowed from unassigned source", ErrWrongDirection, s.Name)
	}
	if src == dst {
		return fmt.Errorf("%w: %s loops back to %s", ErrWrongDirection, s.Name, src)
	}
	switch s.Direction {
	case ToNode:
		if src != AddrCoordinator {
			return fmt.Errorf("%w: %s sent by node %s", ErrWrongDirection, s.Name, src)
		}
	case ToCoordinator:
		if src == AddrCoordinator {
			return fmt.Errorf("%w: %s sent by coordinator", ErrWrongDirection, s.Name)
		}
		if dst != AddrCoordinator && dst != AddrBroadcast {
			return fmt.Errorf("%w: %s addressed to node %s", ErrWrongDirection, s.Name, dst)
		}
	}
	return nil
}

// CheckPayload validates the payload length of t.
func (s MessageSpec) CheckPayload(n int) error {
	if n < s.MinLen || n > s.MaxLen {
		return fmt.Errorf("%w: %s payload %d bytes, want %d..%d", ErrInvalidPayload, s.Name, n, s.MinLen, s.MaxLen)
	}
	return nil
}
