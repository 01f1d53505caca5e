package memnet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/transport"
	"github.com/danmuck/headunit/internal/testutil/testlog"
)

func receive(t *testing.T, e *Endpoint) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := e.Receive(ctx)
	require.NoError(t, err)
	return b
}

func requireSilent(t *testing.T, e *Endpoint) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnicastAndBroadcast(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	coord := hub.Join(protocol.AddrCoordinator)
	a := hub.Join(0x10)
	b := hub.Join(0x11)
	ctx := context.Background()

	require.NoError(t, coord.Send(ctx, 0x10, []byte{1}))
	require.Equal(t, []byte{1}, receive(t, a))
	requireSilent(t, b)

	require.NoError(t, coord.Send(ctx, protocol.AddrBroadcast, []byte{2}))
	require.Equal(t, []byte{2}, receive(t, a))
	require.Equal(t, []byte{2}, receive(t, b))
	requireSilent(t, coord)

	require.NoError(t, coord.Send(ctx, 0x42, []byte{3}))
	delivered, dropped, _ := hub.Stats()
	require.Equal(t, uint64(3), delivered)
	require.Zero(t, dropped)
}

func TestSetAddressReroutes(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	coord := hub.Join(protocol.AddrCoordinator)
	n := hub.Join(protocol.AddrUnassigned)

	require.NoError(t, coord.Send(context.Background(), 0x10, []byte{9}))
	requireSilent(t, n)

	n.SetAddress(0x10)
	require.NoError(t, coord.Send(context.Background(), 0x10, []byte{9}))
	require.Equal(t, []byte{9}, receive(t, n))
}

func TestDropAndClose(t *testing.T) {
	testlog.Start(t)
	hub := NewHub()
	coord := hub.Join(protocol.AddrCoordinator)
	n := hub.Join(0x10)

	lost := 0
	hub.SetDrop(func(src, dst protocol.Address, _ []byte) bool {
		if src == protocol.AddrCoordinator && lost < 2 {
			lost++
			return true
		}
		return false
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, coord.Send(context.Background(), 0x10, []byte{byte(i)}))
	}
	require.Equal(t, []byte{2}, receive(t, n))
	_, dropped, _ := hub.Stats()
	require.Equal(t, uint64(2), dropped)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	_, err := n.Receive(context.Background())
	require.True(t, errors.Is(err, transport.ErrClosed))
	require.ErrorIs(t, n.Send(context.Background(), protocol.AddrCoordinator, []byte{1}), transport.ErrClosed)
}

func TestInboxOverflowDrops(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(WithInbox(1))
	coord := hub.Join(protocol.AddrCoordinator)
	hub.Join(0x10)
	require.NoError(t, coord.Send(context.Background(), 0x10, []byte{1}))
	require.NoError(t, coord.Send(context.Background(), 0x10, []byte{2}))
	_, _, overflow := hub.Stats()
	require.Equal(t, uint64(1), overflow)
}

func TestOversizedDatagram(t *testing.T) {
	hub := NewHub()
	e := hub.Join(protocol.AddrCoordinator)
	require.ErrorIs(t, e.Send(context.Background(), 0x10, make([]byte, transport.MaxDatagram+1)), transport.ErrTooLarge)
}
