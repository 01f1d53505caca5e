// Package node emulates a mesh device: it answers discovery, adopts the
// address it is assigned, executes control commands and reports events. It is
// used by the simulator and by end-to-end tests of the coordinator.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/headunit/internal/dispatch"
	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/protocol/payload"
	"github.com/danmuck/headunit/internal/protocol/profile"
	"github.com/danmuck/headunit/internal/protocol/session"
	"github.com/danmuck/headunit/internal/registry"
	"github.com/danmuck/headunit/internal/transport"
)

type Config struct {
	Identity registry.Identity
	// Address the node boots with; AddrUnassigned until discovery assigns one.
	Address protocol.Address
	// Channels is the number of relay/valve outputs SET_STATE may switch.
	Channels          int
	HeartbeatInterval time.Duration
	AssemblyTimeout   time.Duration
	StoreSize         int
	Session           session.Config
}

func DefaultConfig(id registry.Identity) Config {
	return Config{
		Identity:          id,
		Address:           protocol.AddrUnassigned,
		Channels:          4,
		HeartbeatInterval: 5 * time.Second,
		AssemblyTimeout:   profile.DefaultAssemblyTimeout,
		StoreSize:         profile.DefaultStoreSize,
		Session:           session.DefaultConfig(),
	}
}

type Options struct {
	Clock  clock.Clock
	Logger zerolog.Logger
}

// addresser is implemented by transports that filter unicasts by address.
type addresser interface {
	SetAddress(protocol.Address)
}

// Emulator is one simulated node. Run must be called for it to react to frames.
type Emulator struct {
	cfg   Config
	tr    transport.Transport
	clk   clock.Clock
	log   zerolog.Logger
	layer *session.Layer
	disp  *dispatch.Dispatcher
	asm   *profile.Assembler
	store *profile.Store

	mu       sync.RWMutex
	channels []bool
	haptic   payload.HapticCfg
	widgets  map[uint8]payload.UIWidget
	menus    map[uint8][]payload.MenuItem
	reboots  int
	bootedAt time.Time
	pings    int
}

func New(cfg Config, tr transport.Transport, opts Options) (*Emulator, error) {
	if cfg.Identity.MAC.IsZero() {
		return nil, fmt.Errorf("%w: node without mac", protocol.ErrInvalidPayload)
	}
	if cfg.Address == 0 {
		cfg.Address = protocol.AddrUnassigned
	}
	if cfg.Address != protocol.AddrUnassigned && !cfg.Address.IsDynamic() {
		return nil, fmt.Errorf("%w: node cannot boot as %s", protocol.ErrInvalidAddress, cfg.Address)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	store, err := profile.NewStore(cfg.StoreSize)
	if err != nil {
		return nil, err
	}
	e := &Emulator{
		cfg:      cfg,
		tr:       tr,
		clk:      opts.Clock,
		log:      opts.Logger.With().Str("node", cfg.Identity.MAC.String()).Logger(),
		asm:      profile.NewAssembler(opts.Clock, cfg.AssemblyTimeout),
		store:    store,
		channels: make([]bool, cfg.Channels),
		widgets:  make(map[uint8]payload.UIWidget),
		menus:    make(map[uint8][]payload.MenuItem),
		bootedAt: opts.Clock.Now(),
	}
	e.layer = session.NewLayer(cfg.Session, cfg.Address, tr, session.Options{
		Clock:  opts.Clock,
		Logger: e.log,
		OnFailure: func(f session.DeliveryFailure) {
			e.log.Warn().Err(f).Msg("report not acknowledged")
		},
	})
	e.disp = dispatch.New(dispatch.Options{
		Guard:  e.layer,
		Acker:  e.layer,
		Logger: e.log,
		Local:  e.layer.Local,
	})
	if err := e.register(); err != nil {
		return nil, err
	}
	if a, ok := tr.(addresser); ok {
		a.SetAddress(cfg.Address)
	}
	return e, nil
}

func (e *Emulator) register() error {
	handlers := map[protocol.MsgType]dispatch.Handler{
		protocol.MsgAck:          e.onAck,
		protocol.MsgPing:         e.onPing,
		protocol.MsgDiscoveryReq: e.onDiscoveryReq,
		protocol.MsgAssignID:     e.onAssignID,
		protocol.MsgReboot:       e.onReboot,
		protocol.MsgSetState:     e.onSetState,
		protocol.MsgProfileLoad:  e.onProfileLoad,
		protocol.MsgHapticCfg:    e.onHapticCfg,
		protocol.MsgUIWidget:     e.onUIWidget,
		protocol.MsgUIMenu:       e.onUIMenu,
	}
	for t, h := range handlers {
		if err := e.disp.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emulator) Identity() registry.Identity { return e.cfg.Identity }

func (e *Emulator) Address() protocol.Address { return e.layer.Local() }

func (e *Emulator) Session() *session.Layer { return e.layer }

// Profiles is the store of completed profiles, including the active one.
func (e *Emulator) Profiles() *profile.Store { return e.store }

// Close releases the transport; Run returns once it notices.
func (e *Emulator) Close() error { return e.tr.Close() }

// Run serves frames, retransmits reports and sends heartbeats until ctx ends.
func (e *Emulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.receiveLoop(ctx) })
	g.Go(func() error { return e.layer.Run(ctx) })
	g.Go(func() error { return e.housekeeping(ctx) })
	return g.Wait()
}

func (e *Emulator) receiveLoop(ctx context.Context) error {
	for {
		raw, err := e.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		if _, err := e.disp.DispatchRaw(ctx, raw); err != nil && !errors.Is(err, dispatch.ErrNotAddressed) {
			e.log.Debug().Err(err).Msg("frame not handled")
		}
	}
}

func (e *Emulator) housekeeping(ctx context.Context) error {
	sweep := e.clk.Ticker(e.asm.Timeout())
	defer sweep.Stop()
	var beat <-chan time.Time
	if e.cfg.HeartbeatInterval > 0 {
		t := e.clk.Ticker(e.cfg.HeartbeatInterval)
		defer t.Stop()
		beat = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			for _, p := range e.asm.Sweep() {
				e.log.Warn().Uint8("profile", p.ProfileID).Int("received", p.Received).
					Uint8("total", p.TotalNodes).Msg("profile assembly timed out")
			}
		case <-beat:
			if e.Address().IsDynamic() {
				if err := e.Heartbeat(ctx, false); err != nil {
					e.log.Debug().Err(err).Msg("heartbeat")
				}
			}
		}
	}
}

// Report sends an event or telemetry message to the coordinator.
func (e *Emulator) Report(ctx context.Context, m payload.Message, needAck bool) (uint16, error) {
	body, err := payload.Encode(m)
	if err != nil {
		return 0, err
	}
	h := frame.Header{Dst: protocol.AddrCoordinator, Type: m.MsgType()}
	if needAck {
		h.Flags = frame.FlagNeedAck
	}
	return e.layer.Send(ctx, h, body)
}

// Heartbeat reports uptime and the number of switched-on channels.
func (e *Emulator) Heartbeat(ctx context.Context, needAck bool) error {
	e.mu.RLock()
	on := 0
	for _, c := range e.channels {
		if c {
			on++
		}
	}
	up := e.clk.Since(e.bootedAt)
	e.mu.RUnlock()
	_, err := e.Report(ctx, payload.Heartbeat{UptimeS: uint32(up / time.Second), Status: uint8(on)}, needAck)
	return err
}

func (e *Emulator) reportError(ctx context.Context, f frame.Frame, code payload.ErrorCode) {
	if !e.Address().IsDynamic() {
		return
	}
	if _, err := e.Report(ctx, payload.Error{Code: code, RefType: f.Header.Type, RefSeq: f.Header.Seq}, false); err != nil {
		e.log.Debug().Err(err).Msg("error report")
	}
}
