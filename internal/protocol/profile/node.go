package profile

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/headunit/internal/protocol"
)

// NodeLen is the packed size of one profile node.
const NodeLen = 13

// Interpolation selects how values evolve from a node to the next one.
type Interpolation uint8

const (
	Linear Interpolation = 0
	Spline Interpolation = 1
	Step   Interpolation = 2
)

func (m Interpolation) String() string {
	switch m {
	case Linear:
		return "linear"
	case Spline:
		return "spline"
	case Step:
		return "step"
	default:
		return fmt.Sprintf("interpolation(%d)", uint8(m))
	}
}

// Priority names the authoritative control variable of a segment.
type Priority uint8

const (
	PriorityFlowIn   Priority = 0
	PriorityPressure Priority = 1
	PriorityFlowOut  Priority = 2
	PriorityEnergy   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityFlowIn:
		return "flow_in"
	case PriorityPressure:
		return "pressure"
	case PriorityFlowOut:
		return "flow_out"
	case PriorityEnergy:
		return "energy"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Channel returns the setpoint channel the priority points at.
func (p Priority) Channel() Channel {
	switch p {
	case PriorityPressure:
		return Pressure
	case PriorityFlowOut:
		return FlowOut
	case PriorityEnergy:
		return Energy
	default:
		return FlowIn
	}
}

// Channel indexes the five target/tolerance pairs of a node, in wire order.
type Channel int

const (
	Temperature Channel = iota
	Pressure
	FlowIn
	FlowOut
	Energy

	NumChannels = 5
)

var channelScale = [NumChannels]float64{
	Temperature: 0.5, // degC
	Pressure:    0.1, // bar
	FlowIn:      0.1, // ml/s
	FlowOut:     0.1, // g/s
	Energy:      1,   // J
}

var channelNames = [NumChannels]string{"temperature", "pressure", "flow_in", "flow_out", "energy"}

func (c Channel) String() string {
	if c < 0 || int(c) >= NumChannels {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// Scale is the physical value of one raw unit on c.
func (c Channel) Scale() float64 { return channelScale[c] }

// Max is the largest encodable physical value on c.
func (c Channel) Max() float64 { return 255 * channelScale[c] }

// Physical converts a raw byte to physical units.
func (c Channel) Physical(raw uint8) float64 { return float64(raw) * channelScale[c] }

// Quantize converts a physical value to the nearest raw unit. Values outside
// 0..Max fail with ErrInvalidPayload.
func (c Channel) Quantize(v float64) (uint8, error) {
	raw := v/channelScale[c] + 0.5
	if raw < 0 || raw >= 256 {
		return 0, fmt.Errorf("%w: %s %.2f outside 0..%.1f", protocol.ErrInvalidPayload, c, v, c.Max())
	}
	return uint8(raw), nil
}

const (
	modeMask      = 0x03
	priorityMask  = 0x0C
	priorityShift = 2
	reservedShift = 4
)

// Node is one timed setpoint sample. Target and Tolerance hold raw fixed-point bytes so
// that a pack/unpack round trip is exact; use Channel.Physical for engineering units.
type Node struct {
	TimeOffsetMS uint16
	Mode         Interpolation
	Priority     Priority
	// Reserved holds config bits 4..7, carried through untouched.
	Reserved  uint8
	Target    [NumChannels]uint8
	Tolerance [NumChannels]uint8
}

// TargetValue returns the target on c in physical units.
func (n Node) TargetValue(c Channel) float64 { return c.Physical(n.Target[c]) }

// ToleranceValue returns the tolerance on c in physical units.
func (n Node) ToleranceValue(c Channel) float64 { return c.Physical(n.Tolerance[c]) }

// Set stores target and tolerance for c given in physical units.
func (n *Node) Set(c Channel, target, tolerance float64) error {
	t, err := c.Quantize(target)
	if err != nil {
		return err
	}
	tol, err := c.Quantize(tolerance)
	if err != nil {
		return err
	}
	n.Target[c] = t
	n.Tolerance[c] = tol
	return nil
}

func (n Node) config() (uint8, error) {
	if n.Mode > Step {
		return 0, fmt.Errorf("%w: interpolation mode %d", protocol.ErrInvalidPayload, n.Mode)
	}
	if n.Priority > PriorityEnergy {
		return 0, fmt.Errorf("%w: priority %d", protocol.ErrInvalidPayload, n.Priority)
	}
	if n.Reserved > 0x0F {
		return 0, fmt.Errorf("%w: reserved config bits 0x%x", protocol.ErrInvalidPayload, n.Reserved)
	}
	return uint8(n.Mode) | uint8(n.Priority)<<priorityShift | n.Reserved<<reservedShift, nil
}

// AppendNode appends the 13-byte encoding of n to dst.
func AppendNode(dst []byte, n Node) ([]byte, error) {
	cfg, err := n.config()
	if err != nil {
		return dst, err
	}
	dst = binary.LittleEndian.AppendUint16(dst, n.TimeOffsetMS)
	dst = append(dst, cfg)
	for c := 0; c < NumChannels; c++ {
		dst = append(dst, n.Target[c], n.Tolerance[c])
	}
	return dst, nil
}

// PackNode returns the 13-byte encoding of n.
func PackNode(n Node) ([]byte, error) {
	return AppendNode(make([]byte, 0, NodeLen), n)
}

// UnpackNode decodes one node from exactly NodeLen bytes.
func UnpackNode(b []byte) (Node, error) {
	if len(b) != NodeLen {
		return Node{}, fmt.Errorf("%w: profile node wants %d bytes, got %d", protocol.ErrInvalidPayload, NodeLen, len(b))
	}
	cfg := b[2]
	n := Node{
		TimeOffsetMS: binary.LittleEndian.Uint16(b[0:2]),
		Mode:         Interpolation(cfg & modeMask),
		Priority:     Priority((cfg & priorityMask) >> priorityShift),
		Reserved:     cfg >> reservedShift,
	}
	if n.Mode > Step {
		return Node{}, fmt.Errorf("%w: interpolation mode %d", protocol.ErrInvalidPayload, n.Mode)
	}
	for c := 0; c < NumChannels; c++ {
		n.Target[c] = b[3+2*c]
		n.Tolerance[c] = b[4+2*c]
	}
	return n, nil
}
