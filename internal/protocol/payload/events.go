package payload

import (
	"fmt"

	"github.com/danmuck/headunit/internal/protocol"
)

type InputKind uint8

const (
	InputClickShort InputKind = 0
	InputClickLong  InputKind = 1
	InputHoldStart  InputKind = 2
	InputHoldEnd    InputKind = 3
	InputRotate     InputKind = 4 // Value is the encoder delta
	InputTouch      InputKind = 5
)

// InputEvent reports a knob or button action.
type InputEvent struct {
	SourceIndex uint8
	Kind        InputKind
	// Value is a duration in ms, an encoder delta or an absolute position depending on Kind.
	Value int32
}

func (InputEvent) MsgType() protocol.MsgType { return protocol.MsgEventUIInput }

func (e InputEvent) MarshalBinary() ([]byte, error) {
	w := newWriter(6)
	w.u8(e.SourceIndex)
	w.u8(uint8(e.Kind))
	w.i32(e.Value)
	return w.bytes(), nil
}

func (e *InputEvent) UnmarshalBinary(b []byte) error {
	r := newReader("ui_input", b, 6)
	e.SourceIndex = r.u8()
	e.Kind = InputKind(r.u8())
	e.Value = r.i32()
	if err := r.done(); err != nil {
		return err
	}
	if e.Kind > InputTouch {
		return fmt.Errorf("%w: input kind %d", protocol.ErrInvalidPayload, e.Kind)
	}
	return nil
}

type CriticalCode uint8

const (
	CriticalOvertemp     CriticalCode = 0x01
	CriticalOverpressure CriticalCode = 0x02
	CriticalDryRun       CriticalCode = 0x03
	CriticalSensorFault  CriticalCode = 0x04
	CriticalWatchdog     CriticalCode = 0x05

	// CriticalDeliveryFailure is raised locally by the coordinator when a
	// NEED_ACK frame exhausts its retry budget. Nodes never send it.
	CriticalDeliveryFailure CriticalCode = 0x80
)

func (c CriticalCode) String() string {
	switch c {
	case CriticalOvertemp:
		return "overtemp"
	case CriticalOverpressure:
		return "overpressure"
	case CriticalDryRun:
		return "dry_run"
	case CriticalSensorFault:
		return "sensor_fault"
	case CriticalWatchdog:
		return "watchdog"
	case CriticalDeliveryFailure:
		return "delivery_failure"
	default:
		return fmt.Sprintf("critical(0x%02x)", uint8(c))
	}
}

// Critical means stop everything.
type Critical struct {
	Code   CriticalCode
	Source protocol.Address
	Value  int32
}

func (Critical) MsgType() protocol.MsgType { return protocol.MsgEventCritical }

func (c Critical) MarshalBinary() ([]byte, error) {
	w := newWriter(6)
	w.u8(uint8(c.Code))
	w.u8(uint8(c.Source))
	w.i32(c.Value)
	return w.bytes(), nil
}

func (c *Critical) UnmarshalBinary(b []byte) error {
	r := newReader("critical", b, 6)
	c.Code = CriticalCode(r.u8())
	c.Source = protocol.Address(r.u8())
	c.Value = r.i32()
	return r.done()
}

// FlowStart is sent by the scales when the first drop is detected.
type FlowStart struct {
	TimestampMS uint32
	WeightMg    int32
}

func (FlowStart) MsgType() protocol.MsgType { return protocol.MsgEventFlowStart }

func (f FlowStart) MarshalBinary() ([]byte, error) {
	w := newWriter(8)
	w.u32(f.TimestampMS)
	w.i32(f.WeightMg)
	return w.bytes(), nil
}

func (f *FlowStart) UnmarshalBinary(b []byte) error {
	r := newReader("flow_start", b, 8)
	f.TimestampMS = r.u32()
	f.WeightMg = r.i32()
	return r.done()
}

// Sensor is a single float reading.
type Sensor struct {
	SensorID uint8
	Value    float32
}

func (Sensor) MsgType() protocol.MsgType { return protocol.MsgDataSensor }

func (s Sensor) MarshalBinary() ([]byte, error) {
	w := newWriter(5)
	w.u8(s.SensorID)
	w.f32(s.Value)
	return w.bytes(), nil
}

func (s *Sensor) UnmarshalBinary(b []byte) error {
	r := newReader("sensor", b, 5)
	s.SensorID = r.u8()
	s.Value = r.f32()
	return r.done()
}

// MaxMultiValues is the number of int16 readings that fit one payload.
const MaxMultiValues = (230 - 2) / 2

// Multi is a compact array of readings scaled x100, for sensors SensorBase..SensorBase+len-1.
type Multi struct {
	SensorBase uint8
	Values     []int16
}

func (Multi) MsgType() protocol.MsgType { return protocol.MsgDataMulti }

func (m Multi) MarshalBinary() ([]byte, error) {
	if len(m.Values) > MaxMultiValues {
		return nil, fmt.Errorf("%w: %d multi values, max %d", protocol.ErrPayloadTooLarge, len(m.Values), MaxMultiValues)
	}
	w := newWriter(2 + 2*len(m.Values))
	w.u8(m.SensorBase)
	w.u8(uint8(len(m.Values)))
	for _, v := range m.Values {
		w.i16(v)
	}
	return w.bytes(), nil
}

func (m *Multi) UnmarshalBinary(b []byte) error {
	r := newReader("multi", b, 2)
	m.SensorBase = r.u8()
	count := int(r.u8())
	if r.err == nil && r.remaining() != 2*count {
		return fmt.Errorf("%w: multi declares %d values in %d bytes", protocol.ErrInvalidPayload, count, r.remaining())
	}
	m.Values = make([]int16, count)
	for i := range m.Values {
		m.Values[i] = r.i16()
	}
	return r.done()
}

// Scaled returns reading i in physical units.
func (m Multi) Scaled(i int) float64 {
	return float64(m.Values[i]) / 100
}

type ScaleStatus uint8

const (
	ScaleStable   ScaleStatus = 0x01
	ScaleTareDone ScaleStatus = 0x02
)

// ScaleData is weight plus output flow from the scales.
type ScaleData struct {
	TimestampMS uint32
	WeightMg    int32
	FlowMgS     int16
	Status      ScaleStatus
}

func (ScaleData) MsgType() protocol.MsgType { return protocol.MsgDataScale }

func (s ScaleData) MarshalBinary() ([]byte, error) {
	w := newWriter(11)
	w.u32(s.TimestampMS)
	w.i32(s.WeightMg)
	w.i16(s.FlowMgS)
	w.u8(uint8(s.Status))
	return w.bytes(), nil
}

func (s *ScaleData) UnmarshalBinary(b []byte) error {
	r := newReader("scale", b, 11)
	s.TimestampMS = r.u32()
	s.WeightMg = r.i32()
	s.FlowMgS = r.i16()
	s.Status = ScaleStatus(r.u8())
	return r.done()
}
