package protocol

import (
	"fmt"
	"net"
)

// Version is the protocol revision the codecs implement. It is not carried on the wire.
const Version = 0x02

// Address is a one-byte logical device id.
type Address uint8

const (
	AddrDirect      Address = 0x00 // via field only
	AddrCoordinator Address = 0x01
	AddrUnassigned  Address = 0xFE
	AddrBroadcast   Address = 0xFF

	DynamicMin Address = 0x10
	DynamicMax Address = 0xFD
)

// DynamicPoolSize is the number of assignable addresses.
const DynamicPoolSize = int(DynamicMax-DynamicMin) + 1

type AddressKind uint8

const (
	KindReserved AddressKind = iota
	KindCoordinator
	KindBroadcast
	KindUnassigned
	KindDynamic
)

func (k AddressKind) String() string {
	switch k {
	case KindCoordinator:
		return "coordinator"
	case KindBroadcast:
		return "broadcast"
	case KindUnassigned:
		return "unassigned"
	case KindDynamic:
		return "dynamic"
	default:
		return "reserved"
	}
}

func (a Address) Kind() AddressKind {
	switch {
	case a == AddrCoordinator:
		return KindCoordinator
	case a == AddrBroadcast:
		return KindBroadcast
	case a == AddrUnassigned:
		return KindUnassigned
	case a >= DynamicMin && a <= DynamicMax:
		return KindDynamic
	default:
		return KindReserved
	}
}

func (a Address) IsDynamic() bool { return a.Kind() == KindDynamic }

func (a Address) IsBroadcast() bool { return a == AddrBroadcast }

// IsNode reports whether a can be the source address of a node.
func (a Address) IsNode() bool {
	k := a.Kind()
	return k == KindDynamic || k == KindUnassigned
}

// ValidDestination reports whether a may appear in a frame's dst field.
func (a Address) ValidDestination() bool {
	switch a.Kind() {
	case KindCoordinator, KindBroadcast, KindDynamic:
		return true
	default:
		return false
	}
}

// ValidVia reports whether a may appear in a frame's via field.
func (a Address) ValidVia() bool {
	return a == AddrDirect || a == AddrCoordinator || a.IsDynamic()
}

func (a Address) String() string {
	switch a.Kind() {
	case KindCoordinator, KindBroadcast, KindUnassigned:
		return a.Kind().String()
	default:
		return fmt.Sprintf("0x%02x", uint8(a))
	}
}

// DeviceType identifies the hardware role a node reports during discovery.
type DeviceType uint8

const (
	DeviceUnknown     DeviceType = 0x00
	DeviceBoilerMain  DeviceType = 0x01
	DeviceBoilerSteam DeviceType = 0x02
	DeviceGroupHead   DeviceType = 0x03
	DevicePump        DeviceType = 0x04
	DeviceValve       DeviceType = 0x05
	DeviceScales      DeviceType = 0x10
	DeviceGrinder     DeviceType = 0x11
	DeviceHapticKnob  DeviceType = 0x20
	DeviceSteamLever  DeviceType = 0x21
	DeviceButtonPad   DeviceType = 0x22
)

var deviceTypeNames = map[DeviceType]string{
	DeviceUnknown:     "unknown",
	DeviceBoilerMain:  "boiler_main",
	DeviceBoilerSteam: "boiler_steam",
	DeviceGroupHead:   "group_head",
	DevicePump:        "pump",
	DeviceValve:       "valve",
	DeviceScales:      "scales",
	DeviceGrinder:     "grinder",
	DeviceHapticKnob:  "haptic_knob",
	DeviceSteamLever:  "steam_lever",
	DeviceButtonPad:   "button_pad",
}

func (d DeviceType) String() string {
	if name, ok := deviceTypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("device(0x%02x)", uint8(d))
}

// ParseDeviceType resolves a config name such as "pump" to its DeviceType.
func ParseDeviceType(name string) (DeviceType, bool) {
	for d, n := range deviceTypeNames {
		if n == name {
			return d, true
		}
	}
	return DeviceUnknown, false
}

// MAC is the permanent 6-byte hardware address of a node.
type MAC [6]byte

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

func (m MAC) IsZero() bool {
	return m == MAC{}
}

// ParseMAC accepts the colon or dash separated 6-byte forms.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("protocol: mac %q is not 6 bytes", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}
