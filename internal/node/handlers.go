package node

import (
	"context"
	"fmt"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/protocol/payload"
	"github.com/danmuck/headunit/internal/protocol/profile"
)

func (e *Emulator) onAck(_ context.Context, f frame.Frame, _ payload.Message) error {
	e.layer.HandleAck(f)
	return nil
}

func (e *Emulator) onPing(context.Context, frame.Frame, payload.Message) error {
	e.mu.Lock()
	e.pings++
	e.mu.Unlock()
	return nil
}

func (e *Emulator) onDiscoveryReq(ctx context.Context, _ frame.Frame, _ payload.Message) error {
	id := e.cfg.Identity
	res := payload.DiscoveryRes{
		MAC:        id.MAC,
		DeviceType: id.Type,
		HWRevision: id.HWRevision,
		FWMajor:    id.FWMajor,
		FWMinor:    id.FWMinor,
		CurrentID:  e.Address(),
	}
	_, err := e.Report(ctx, res, false)
	return err
}

// onAssignID adopts the new address when the target MAC is ours. Assignments
// meant for other nodes are ignored without error.
func (e *Emulator) onAssignID(ctx context.Context, _ frame.Frame, msg payload.Message) error {
	a := msg.(*payload.AssignID)
	if a.TargetMAC != e.cfg.Identity.MAC {
		return nil
	}
	prev := e.Address()
	if prev != a.NewID {
		e.layer.SetLocal(a.NewID)
		if ad, ok := e.tr.(addresser); ok {
			ad.SetAddress(a.NewID)
		}
		e.log.Info().Str("from", prev.String()).Str("to", a.NewID.String()).Msg("address assigned")
	}
	// Talking from the new address completes the assignment on the coordinator.
	return e.Heartbeat(ctx, prev != a.NewID)
}

// onReboot models a restart: outputs off, partial uploads and the active
// profile gone, sequence numbers reseeded. The assigned address survives.
func (e *Emulator) onReboot(context.Context, frame.Frame, payload.Message) error {
	e.mu.Lock()
	for i := range e.channels {
		e.channels[i] = false
	}
	e.widgets = make(map[uint8]payload.UIWidget)
	e.menus = make(map[uint8][]payload.MenuItem)
	e.haptic = payload.HapticCfg{}
	e.reboots++
	e.bootedAt = e.clk.Now()
	e.mu.Unlock()
	e.asm.Discard(protocol.AddrCoordinator)
	e.store.Deactivate()
	e.layer.Forget(protocol.AddrCoordinator)
	e.layer.Reseed()
	e.log.Info().Msg("rebooted")
	return nil
}

func (e *Emulator) onSetState(ctx context.Context, f frame.Frame, msg payload.Message) error {
	s := msg.(*payload.SetState)
	e.mu.Lock()
	if int(s.Channel) >= len(e.channels) {
		e.mu.Unlock()
		e.reportError(ctx, f, payload.ErrorBadPayload)
		return fmt.Errorf("%w: channel %d of %d", protocol.ErrInvalidPayload, s.Channel, len(e.channels))
	}
	e.channels[s.Channel] = s.On
	e.mu.Unlock()
	return nil
}

func (e *Emulator) onProfileLoad(ctx context.Context, f frame.Frame, msg payload.Message) error {
	l := msg.(*profile.Load)
	p, done, err := e.asm.Add(f.Header.Src, *l)
	if err != nil {
		e.reportError(ctx, f, payload.ErrorProfileInvalid)
		return err
	}
	if !done {
		return nil
	}
	if err := e.store.Put(p); err != nil {
		return err
	}
	if _, err := e.store.Activate(p.ID); err != nil {
		return err
	}
	e.log.Info().Uint8("profile", p.ID).Int("nodes", len(p.Nodes)).Msg("profile active")
	return nil
}

func (e *Emulator) onHapticCfg(_ context.Context, _ frame.Frame, msg payload.Message) error {
	e.mu.Lock()
	e.haptic = *msg.(*payload.HapticCfg)
	e.mu.Unlock()
	return nil
}

func (e *Emulator) onUIWidget(_ context.Context, _ frame.Frame, msg payload.Message) error {
	w := msg.(*payload.UIWidget)
	e.mu.Lock()
	e.widgets[w.WidgetID] = *w
	e.mu.Unlock()
	return nil
}

// onUIMenu merges one window into the list; a different item count starts the list over.
func (e *Emulator) onUIMenu(_ context.Context, _ frame.Frame, msg payload.Message) error {
	m := msg.(*payload.UIMenu)
	e.mu.Lock()
	defer e.mu.Unlock()
	items := e.menus[m.ListID]
	if len(items) != int(m.TotalItems) {
		items = make([]payload.MenuItem, m.TotalItems)
	}
	copy(items[m.StartIndex:], m.Items)
	e.menus[m.ListID] = items
	return nil
}

// State is a snapshot of what the node is currently doing.
type State struct {
	Address  protocol.Address
	Channels []bool
	Haptic   payload.HapticCfg
	Widgets  map[uint8]payload.UIWidget
	Menus    map[uint8][]payload.MenuItem
	Reboots  int
	Pings    int
	Active   *profile.Profile
}

func (e *Emulator) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := State{
		Address:  e.Address(),
		Channels: append([]bool(nil), e.channels...),
		Haptic:   e.haptic,
		Widgets:  make(map[uint8]payload.UIWidget, len(e.widgets)),
		Menus:    make(map[uint8][]payload.MenuItem, len(e.menus)),
		Reboots:  e.reboots,
		Pings:    e.pings,
	}
	for k, v := range e.widgets {
		st.Widgets[k] = v
	}
	for k, v := range e.menus {
		st.Menus[k] = append([]payload.MenuItem(nil), v...)
	}
	if p, ok := e.store.Active(); ok {
		st.Active = &p
	}
	return st
}
