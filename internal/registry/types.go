package registry

import (
	"fmt"
	"time"

	"github.com/danmuck/headunit/internal/protocol"
)

// State is the lifecycle of a device as seen by the coordinator.
type State uint8

const (
	StateUnknown State = iota
	StateDiscovered
	StateAssigning
	StateActive
	StateLost
)

var stateNames = map[State]string{
	StateUnknown:    "unknown",
	StateDiscovered: "discovered",
	StateAssigning:  "assigning",
	StateActive:     "active",
	StateLost:       "lost",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st, name := range stateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("registry: unknown state %q", b)
}

// Identity is what a node reports about itself in DISCOVERY_RES.
type Identity struct {
	MAC        protocol.MAC
	Type       protocol.DeviceType
	HWRevision uint8
	FWMajor    uint8
	FWMinor    uint8
}

// Device is one registry record. Address is AddrUnassigned while none is held.
type Device struct {
	Identity
	Name       string
	Address    protocol.Address
	State      State
	FirstSeen  time.Time
	LastSeen   time.Time
	StateSince time.Time
}

// HasAddress reports whether the device currently holds a dynamic address.
func (d Device) HasAddress() bool { return d.Address.IsDynamic() }

// Reservation pins a MAC to a fixed dynamic address.
type Reservation struct {
	MAC     protocol.MAC
	Address protocol.Address
	Name    string
}
