package payload

import (
	"fmt"

	"github.com/danmuck/headunit/internal/protocol"
)

// SetState switches one relay/valve channel on a node.
type SetState struct {
	Channel uint8
	On      bool
}

func (SetState) MsgType() protocol.MsgType { return protocol.MsgSetState }

func (s SetState) MarshalBinary() ([]byte, error) {
	v := uint8(0)
	if s.On {
		v = 1
	}
	return []byte{s.Channel, v}, nil
}

func (s *SetState) UnmarshalBinary(b []byte) error {
	r := newReader("set_state", b, 2)
	s.Channel = r.u8()
	v := r.u8()
	if err := r.done(); err != nil {
		return err
	}
	if v > 1 {
		return fmt.Errorf("%w: set_state value %d", protocol.ErrInvalidPayload, v)
	}
	s.On = v == 1
	return nil
}

type HapticMode uint8

const (
	HapticFree    HapticMode = 0 // bearing
	HapticDetents HapticMode = 1 // menu clicks
	HapticSpring  HapticMode = 2 // manual shot
	HapticBarrier HapticMode = 3 // min/max end stops
	HapticServo   HapticMode = 4 // forced movement
)

// HapticCfg configures the motor physics of a haptic knob.
// Param1/Param2 meaning depends on Mode: steps/snap, center/stiffness, min/max angle.
type HapticCfg struct {
	Mode     HapticMode
	Strength uint8
	Param1   int16
	Param2   int16
}

func (HapticCfg) MsgType() protocol.MsgType { return protocol.MsgHapticCfg }

func (h HapticCfg) validate() error {
	if h.Mode > HapticServo {
		return fmt.Errorf("%w: haptic mode %d", protocol.ErrInvalidPayload, h.Mode)
	}
	if h.Strength > 100 {
		return fmt.Errorf("%w: haptic strength %d%%", protocol.ErrInvalidPayload, h.Strength)
	}
	return nil
}

func (h HapticCfg) MarshalBinary() ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	w := newWriter(6)
	w.u8(uint8(h.Mode))
	w.u8(h.Strength)
	w.i16(h.Param1)
	w.i16(h.Param2)
	return w.bytes(), nil
}

func (h *HapticCfg) UnmarshalBinary(b []byte) error {
	r := newReader("haptic_cfg", b, 6)
	h.Mode = HapticMode(r.u8())
	h.Strength = r.u8()
	h.Param1 = r.i16()
	h.Param2 = r.i16()
	if err := r.done(); err != nil {
		return err
	}
	return h.validate()
}

type WidgetKind uint8

const (
	WidgetLabel       WidgetKind = 0
	WidgetGauge       WidgetKind = 1
	WidgetTimer       WidgetKind = 2
	WidgetWeight      WidgetKind = 3
	WidgetTemperature WidgetKind = 4
	WidgetPressure    WidgetKind = 5
)

// UIWidget draws a single widget on a node display.
// Layout: widget_id(1) | kind(1) | value(4, LE) | label(24)
type UIWidget struct {
	WidgetID uint8
	Kind     WidgetKind
	Value    int32
	Label    string
}

func (UIWidget) MsgType() protocol.MsgType { return protocol.MsgUIWidget }

func (u UIWidget) MarshalBinary() ([]byte, error) {
	w := newWriter(6 + TextLen)
	w.u8(u.WidgetID)
	w.u8(uint8(u.Kind))
	w.i32(u.Value)
	label := PutText(u.Label)
	w.raw(label[:])
	return w.bytes(), nil
}

func (u *UIWidget) UnmarshalBinary(b []byte) error {
	r := newReader("ui_widget", b, 6+TextLen)
	u.WidgetID = r.u8()
	u.Kind = WidgetKind(r.u8())
	u.Value = r.i32()
	var label [TextLen]byte
	copy(label[:], r.take(TextLen))
	u.Label = GetText(label)
	return r.done()
}

const (
	MenuHeaderLen = 4
	MenuItemLen   = 3 + TextLen
	MaxMenuItems  = 5
)

type MenuFlags uint8

const (
	MenuSelected MenuFlags = 0x01
	MenuDisabled MenuFlags = 0x02
	MenuIsBack   MenuFlags = 0x04
	MenuIsNext   MenuFlags = 0x08
)

// MenuItem is one menu entry; ItemID is echoed back on click.
type MenuItem struct {
	ItemID uint8
	IconID uint8
	Flags  MenuFlags
	Text   string
}

// UIMenu carries a window of at most MaxMenuItems entries of a list.
type UIMenu struct {
	ListID     uint8
	TotalItems uint8
	StartIndex uint8
	Items      []MenuItem
}

func (UIMenu) MsgType() protocol.MsgType { return protocol.MsgUIMenu }

func (m UIMenu) validate() error {
	if len(m.Items) > MaxMenuItems {
		return fmt.Errorf("%w: ui_menu carries %d items, max %d", protocol.ErrInvalidPayload, len(m.Items), MaxMenuItems)
	}
	if int(m.StartIndex)+len(m.Items) > int(m.TotalItems) {
		return fmt.Errorf("%w: ui_menu window %d+%d exceeds total %d", protocol.ErrInvalidPayload, m.StartIndex, len(m.Items), m.TotalItems)
	}
	return nil
}

func (m UIMenu) MarshalBinary() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	w := newWriter(MenuHeaderLen + len(m.Items)*MenuItemLen)
	w.u8(m.ListID)
	w.u8(m.TotalItems)
	w.u8(m.StartIndex)
	w.u8(uint8(len(m.Items)))
	for _, it := range m.Items {
		w.u8(it.ItemID)
		w.u8(it.IconID)
		w.u8(uint8(it.Flags))
		text := PutText(it.Text)
		w.raw(text[:])
	}
	return w.bytes(), nil
}

func (m *UIMenu) UnmarshalBinary(b []byte) error {
	r := newReader("ui_menu", b, MenuHeaderLen)
	m.ListID = r.u8()
	m.TotalItems = r.u8()
	m.StartIndex = r.u8()
	count := int(r.u8())
	if r.err == nil && r.remaining() != count*MenuItemLen {
		return fmt.Errorf("%w: ui_menu declares %d items in %d bytes", protocol.ErrInvalidPayload, count, r.remaining())
	}
	m.Items = make([]MenuItem, 0, count)
	for i := 0; i < count; i++ {
		it := MenuItem{ItemID: r.u8(), IconID: r.u8(), Flags: MenuFlags(r.u8())}
		var text [TextLen]byte
		copy(text[:], r.take(TextLen))
		it.Text = GetText(text)
		m.Items = append(m.Items, it)
	}
	if err := r.done(); err != nil {
		return err
	}
	return m.validate()
}

// MenuPages splits a full list into UIMenu windows of MaxMenuItems.
func MenuPages(listID uint8, items []MenuItem) ([]UIMenu, error) {
	if len(items) > 255 {
		return nil, fmt.Errorf("%w: menu of %d items", protocol.ErrInvalidPayload, len(items))
	}
	pages := make([]UIMenu, 0, (len(items)+MaxMenuItems-1)/MaxMenuItems)
	for start := 0; start < len(items); start += MaxMenuItems {
		end := min(start+MaxMenuItems, len(items))
		pages = append(pages, UIMenu{
			ListID:     listID,
			TotalItems: uint8(len(items)),
			StartIndex: uint8(start),
			Items:      items[start:end],
		})
	}
	return pages, nil
}
