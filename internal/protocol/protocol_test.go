package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressKinds(t *testing.T) {
	cases := []struct {
		addr Address
		want AddressKind
	}{
		{0x01, KindCoordinator},
		{0xFF, KindBroadcast},
		{0xFE, KindUnassigned},
		{0x10, KindDynamic},
		{0xFD, KindDynamic},
		{0x0F, KindReserved},
		{0x00, KindReserved},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.addr.Kind(), "addr=%s", c.addr)
	}
	require.Equal(t, 238, DynamicPoolSize)
}

func TestParseMsgTypeUnknown(t *testing.T) {
	_, err := ParseMsgType(0x09)
	require.ErrorIs(t, err, ErrUnknownMessageType)

	got, err := ParseMsgType(0x11)
	require.NoError(t, err)
	require.Equal(t, MsgProfileLoad, got)
	require.Equal(t, "CMD_PROFILE_LOAD", got.String())
}

func TestCheckRouteDirections(t *testing.T) {
	setState, _ := SpecFor(MsgSetState)
	require.NoError(t, setState.CheckRoute(AddrCoordinator, 0x20))
	require.ErrorIs(t, setState.CheckRoute(0x20, AddrCoordinator), ErrWrongDirection)

	sensor, _ := SpecFor(MsgDataSensor)
	require.NoError(t, sensor.CheckRoute(0x20, AddrCoordinator))
	require.ErrorIs(t, sensor.CheckRoute(AddrCoordinator, 0x20), ErrWrongDirection)
	require.ErrorIs(t, sensor.CheckRoute(0x20, 0x21), ErrWrongDirection)
	require.ErrorIs(t, sensor.CheckRoute(AddrUnassigned, AddrCoordinator), ErrWrongDirection)

	res, _ := SpecFor(MsgDiscoveryRes)
	require.NoError(t, res.CheckRoute(AddrUnassigned, AddrCoordinator))

	ping, _ := SpecFor(MsgPing)
	require.NoError(t, ping.CheckRoute(AddrCoordinator, 0x30))
	require.NoError(t, ping.CheckRoute(0x30, AddrCoordinator))
	require.ErrorIs(t, ping.CheckRoute(0x05, AddrCoordinator), ErrInvalidAddress)
	require.ErrorIs(t, ping.CheckRoute(AddrCoordinator, 0x05), ErrInvalidAddress)
}

func TestCategoryOf(t *testing.T) {
	require.Equal(t, CategoryFrame, CategoryOf(fmt.Errorf("wrap: %w", ErrTruncatedFrame)))
	require.Equal(t, CategoryAddress, CategoryOf(ErrAddressSpaceExhausted))
	require.Equal(t, CategoryTimeout, CategoryOf(ErrAckMissing))
	require.Equal(t, CategoryRejected, CategoryOf(ErrRejected))
	require.Equal(t, CategoryViolation, CategoryOf(&Violation{Src: 0x20, Err: ErrWrongDirection}))
	require.Equal(t, CategoryProfile, CategoryOf(ErrIncompleteAssembly))
	require.Equal(t, CategoryOther, CategoryOf(errors.New("boom")))
	require.Equal(t, CategoryNone, CategoryOf(nil))
}

func TestParseMAC(t *testing.T) {
	m, err := ParseMAC("24:6f:28:aa:bb:01")
	require.NoError(t, err)
	require.Equal(t, MAC{0x24, 0x6f, 0x28, 0xaa, 0xbb, 0x01}, m)
	require.Equal(t, "24:6f:28:aa:bb:01", m.String())

	_, err = ParseMAC("00:00:5e:00:53:01:02:03")
	require.Error(t, err)
}
