package node

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/protocol/payload"
	"github.com/danmuck/headunit/internal/protocol/profile"
	"github.com/danmuck/headunit/internal/registry"
	"github.com/danmuck/headunit/internal/testutil/testlog"
	"github.com/danmuck/headunit/internal/transport/memnet"
)

var pumpMAC = protocol.MAC{0x24, 0x6F, 0x28, 0x00, 0x00, 0x01}

type harness struct {
	t     *testing.T
	hub   *memnet.Hub
	coord *memnet.Endpoint
	node  *Emulator
	seq   uint16
}

func newHarness(t *testing.T, addr protocol.Address) *harness {
	t.Helper()
	testlog.Start(t)
	hub := memnet.NewHub(memnet.WithLogger(log.Logger))
	coord := hub.Join(protocol.AddrCoordinator)
	cfg := DefaultConfig(registry.Identity{MAC: pumpMAC, Type: protocol.DevicePump, HWRevision: 2, FWMajor: 1, FWMinor: 4})
	cfg.Address = addr
	cfg.HeartbeatInterval = 0
	n, err := New(cfg, hub.Join(addr), Options{Logger: log.Logger})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return &harness{t: t, hub: hub, coord: coord, node: n, seq: 1000}
}

func (h *harness) send(dst protocol.Address, m payload.Message, needAck bool) uint16 {
	h.t.Helper()
	body, err := payload.Encode(m)
	require.NoError(h.t, err)
	h.seq++
	hdr := frame.Header{Src: protocol.AddrCoordinator, Dst: dst, Type: m.MsgType(), Seq: h.seq}
	if needAck {
		hdr.Flags = frame.FlagNeedAck
	}
	raw, err := frame.Encode(hdr, body)
	require.NoError(h.t, err)
	require.NoError(h.t, h.coord.Send(context.Background(), dst, raw))
	return h.seq
}

func (h *harness) expect(t protocol.MsgType) (frame.Frame, payload.Message) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		raw, err := h.coord.Receive(ctx)
		require.NoError(h.t, err, "waiting for %s", t)
		f, err := frame.Decode(raw)
		require.NoError(h.t, err)
		if f.Header.Type != t {
			continue
		}
		msg, err := payload.Decode(f.Header.Type, f.Payload)
		require.NoError(h.t, err)
		return f, msg
	}
}

func TestAnswersDiscoveryWhileUnassigned(t *testing.T) {
	h := newHarness(t, protocol.AddrUnassigned)
	h.send(protocol.AddrBroadcast, payload.DiscoveryReq{ReplyWindowMS: 100}, false)

	f, msg := h.expect(protocol.MsgDiscoveryRes)
	require.Equal(t, protocol.AddrUnassigned, f.Header.Src)
	res := msg.(*payload.DiscoveryRes)
	require.Equal(t, pumpMAC, res.MAC)
	require.Equal(t, protocol.DevicePump, res.DeviceType)
	require.Equal(t, uint8(4), res.FWMinor)
	require.Equal(t, protocol.AddrUnassigned, res.CurrentID)
}

func TestAssignIDForOtherMACIsIgnored(t *testing.T) {
	h := newHarness(t, protocol.AddrUnassigned)
	other := pumpMAC
	other[5] = 0x99
	h.send(protocol.AddrBroadcast, payload.AssignID{TargetMAC: other, NewID: 0x10}, false)
	h.send(protocol.AddrBroadcast, payload.AssignID{TargetMAC: pumpMAC, NewID: 0x11}, false)

	f, _ := h.expect(protocol.MsgHeartbeat)
	require.Equal(t, protocol.Address(0x11), f.Header.Src)
	require.True(t, f.NeedAck())
	require.Equal(t, protocol.Address(0x11), h.node.Address())
}

func TestReconfirmIsAcked(t *testing.T) {
	h := newHarness(t, 0x12)
	seq := h.send(0x12, payload.AssignID{TargetMAC: pumpMAC, NewID: 0x12}, true)
	f, msg := h.expect(protocol.MsgAck)
	require.Equal(t, seq, f.Header.Seq)
	require.Equal(t, payload.AckOK, msg.(*payload.Ack).Status)
	require.Equal(t, protocol.Address(0x12), h.node.Address())
}

func TestSetStateAndRejectedChannel(t *testing.T) {
	h := newHarness(t, 0x10)
	seq := h.send(0x10, payload.SetState{Channel: 2, On: true}, true)
	f, msg := h.expect(protocol.MsgAck)
	require.Equal(t, seq, f.Header.Seq)
	require.Equal(t, payload.AckOK, msg.(*payload.Ack).Status)
	require.Equal(t, []bool{false, false, true, false}, h.node.State().Channels)

	seq = h.send(0x10, payload.SetState{Channel: 9, On: true}, true)
	_, msg = h.expect(protocol.MsgError)
	require.Equal(t, payload.ErrorBadPayload, msg.(*payload.Error).Code)
	require.Equal(t, seq, msg.(*payload.Error).RefSeq)
	f, msg = h.expect(protocol.MsgAck)
	require.Equal(t, seq, f.Header.Seq)
	require.Equal(t, payload.AckRejected, msg.(*payload.Ack).Status)
}

func TestProfileActivatesOnlyWhenComplete(t *testing.T) {
	h := newHarness(t, 0x10)
	nodes := make([]profile.Node, 17)
	for i := range nodes {
		nodes[i] = profile.Node{TimeOffsetMS: uint16(i * 500)}
		nodes[i].Target[profile.Temperature] = 186
	}
	chunks := []profile.Load{
		{ProfileID: 5, TotalNodes: 17, StartIndex: 9, Nodes: nodes[9:]},
		{ProfileID: 5, TotalNodes: 17, StartIndex: 0, Nodes: nodes[:9]},
	}

	seq := h.send(0x10, &chunks[0], true)
	f, _ := h.expect(protocol.MsgAck)
	require.Equal(t, seq, f.Header.Seq)
	require.Nil(t, h.node.State().Active)

	h.send(0x10, &chunks[1], true)
	h.expect(protocol.MsgAck)
	active := h.node.State().Active
	require.NotNil(t, active)
	require.Equal(t, uint8(5), active.ID)
	require.Len(t, active.Nodes, 17)
}

func TestUIAndHapticState(t *testing.T) {
	h := newHarness(t, 0x20)
	h.send(0x20, payload.HapticCfg{Mode: payload.HapticDetents, Strength: 60, Param1: 12}, true)
	h.expect(protocol.MsgAck)
	h.send(0x20, payload.UIWidget{WidgetID: 1, Kind: payload.WidgetTemperature, Value: 935, Label: "Boiler"}, true)
	h.expect(protocol.MsgAck)

	items := make([]payload.MenuItem, 7)
	for i := range items {
		items[i] = payload.MenuItem{ItemID: uint8(i), Text: "item"}
	}
	pages, err := payload.MenuPages(3, items)
	require.NoError(t, err)
	for i := range pages {
		h.send(0x20, pages[i], true)
		h.expect(protocol.MsgAck)
	}

	st := h.node.State()
	require.Equal(t, payload.HapticDetents, st.Haptic.Mode)
	require.Equal(t, "Boiler", st.Widgets[1].Label)
	require.Len(t, st.Menus[3], 7)
	require.Equal(t, uint8(6), st.Menus[3][6].ItemID)
}

func TestRebootClearsVolatileState(t *testing.T) {
	h := newHarness(t, 0x10)
	h.send(0x10, payload.SetState{Channel: 0, On: true}, true)
	h.expect(protocol.MsgAck)
	h.send(0x10, payload.Reboot{}, true)
	h.expect(protocol.MsgAck)

	st := h.node.State()
	require.Equal(t, 1, st.Reboots)
	require.Equal(t, []bool{false, false, false, false}, st.Channels)
	require.Equal(t, protocol.Address(0x10), st.Address)
}

func TestNewRejectsBadConfig(t *testing.T) {
	hub := memnet.NewHub()
	_, err := New(DefaultConfig(registry.Identity{}), hub.Join(protocol.AddrUnassigned), Options{})
	require.ErrorIs(t, err, protocol.ErrInvalidPayload)

	cfg := DefaultConfig(registry.Identity{MAC: pumpMAC})
	cfg.Address = protocol.AddrCoordinator
	_, err = New(cfg, hub.Join(protocol.AddrUnassigned), Options{})
	require.ErrorIs(t, err, protocol.ErrInvalidAddress)
}
