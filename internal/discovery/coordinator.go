// Package discovery drives the DISCOVERY_REQ / DISCOVERY_RES / ASSIGN_ID handshake
// and the liveness of assigned devices.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/protocol/payload"
	"github.com/danmuck/headunit/internal/registry"
)

var ErrRateLimited = errors.New("discovery: broadcast rate limited")

// Sender transmits one frame. session.Layer satisfies it.
type Sender interface {
	Send(ctx context.Context, h frame.Header, body []byte) (uint16, error)
}

// Config tunes the handshake timers.
type Config struct {
	// Interval between periodic DISCOVERY_REQ broadcasts; zero disables them.
	Interval time.Duration
	// ReplyWindow is advertised to nodes so they spread their answers.
	ReplyWindow time.Duration
	// AssignTimeout returns an Assigning device to Discovered and frees its address.
	AssignTimeout time.Duration
	// Liveness moves an Active device that stayed silent this long to Lost.
	Liveness time.Duration
	// MinBroadcastGap and BroadcastBurst bound on-demand broadcasts.
	MinBroadcastGap time.Duration
	BroadcastBurst  int
}

func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		ReplyWindow:     500 * time.Millisecond,
		AssignTimeout:   5 * time.Second,
		Liveness:        15 * time.Second,
		MinBroadcastGap: time.Second,
		BroadcastBurst:  2,
	}
}

// EventKind names a device lifecycle transition.
type EventKind string

const (
	EventDiscovered    EventKind = "discovered"
	EventAssigning     EventKind = "assigning"
	EventActive        EventKind = "active"
	EventReconfirmed   EventKind = "reconfirmed"
	EventAssignFailed  EventKind = "assign_failed"
	EventAssignTimeout EventKind = "assign_timeout"
	EventLost          EventKind = "lost"
)

// Event reports one transition. Address is the address the event concerns, which for
// EventLost is the one just released.
type Event struct {
	Kind    EventKind
	Round   string
	Device  registry.Device
	Address protocol.Address
	Err     error
}

// Options carries collaborators. Zero values pick real defaults.
type Options struct {
	Clock  clock.Clock
	Logger zerolog.Logger
	// OnEvent receives lifecycle transitions synchronously.
	OnEvent func(Event)
	// OnRelease is called with every address that stops belonging to a device, so
	// per-peer session state can be dropped before the address is reused.
	OnRelease func(protocol.Address)
}

// Coordinator is the only writer of the registry's lifecycle states.
type Coordinator struct {
	cfg     Config
	reg     *registry.Registry
	send    Sender
	clk     clock.Clock
	log     zerolog.Logger
	limiter *rate.Limiter

	onEvent   func(Event)
	onRelease func(protocol.Address)

	mu    sync.Mutex
	round string
}

func New(cfg Config, reg *registry.Registry, send Sender, opts Options) *Coordinator {
	def := DefaultConfig()
	if cfg.AssignTimeout <= 0 {
		cfg.AssignTimeout = def.AssignTimeout
	}
	if cfg.Liveness <= 0 {
		cfg.Liveness = def.Liveness
	}
	if cfg.MinBroadcastGap <= 0 {
		cfg.MinBroadcastGap = def.MinBroadcastGap
	}
	if cfg.BroadcastBurst <= 0 {
		cfg.BroadcastBurst = def.BroadcastBurst
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Coordinator{
		cfg:       cfg,
		reg:       reg,
		send:      send,
		clk:       opts.Clock,
		log:       opts.Logger.With().Str("component", "discovery").Logger(),
		limiter:   rate.NewLimiter(rate.Every(cfg.MinBroadcastGap), cfg.BroadcastBurst),
		onEvent:   opts.OnEvent,
		onRelease: opts.OnRelease,
	}
}

func (c *Coordinator) Config() Config { return c.cfg }

// Round is the id of the latest broadcast round.
func (c *Coordinator) Round() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

func (c *Coordinator) emit(ev Event) {
	if ev.Round == "" {
		ev.Round = c.Round()
	}
	c.log.Info().Str("event", string(ev.Kind)).Str("mac", ev.Device.MAC.String()).
		Str("addr", ev.Address.String()).Str("round", ev.Round).Err(ev.Err).Msg("device")
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Coordinator) released(addr protocol.Address) {
	if c.onRelease != nil && addr.IsDynamic() {
		c.onRelease(addr)
	}
}

// Broadcast sends DISCOVERY_REQ to every node and starts a new round.
func (c *Coordinator) Broadcast(ctx context.Context) (string, error) {
	if !c.limiter.AllowN(c.clk.Now(), 1) {
		return "", ErrRateLimited
	}
	body, err := payload.DiscoveryReq{ReplyWindowMS: uint16(c.cfg.ReplyWindow / time.Millisecond)}.MarshalBinary()
	if err != nil {
		return "", err
	}
	round := uuid.NewString()
	if _, err := c.send.Send(ctx, frame.Header{Dst: protocol.AddrBroadcast, Type: protocol.MsgDiscoveryReq}, body); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.round = round
	c.mu.Unlock()
	c.log.Debug().Str("round", round).Msg("discovery broadcast")
	return round, nil
}

// HandleResponse processes one DISCOVERY_RES.
//
//	current_id unassigned             allocate, Assigning, broadcast ASSIGN_ID
//	current_id held by this MAC       re-confirm with unicast ASSIGN_ID, Active
//	current_id free                   adopt it, same as re-confirm
//	current_id held by another MAC    allocate a new address as if unassigned
func (c *Coordinator) HandleResponse(ctx context.Context, res payload.DiscoveryRes) (registry.Device, error) {
	id := registry.Identity{
		MAC:        res.MAC,
		Type:       res.DeviceType,
		HWRevision: res.HWRevision,
		FWMajor:    res.FWMajor,
		FWMinor:    res.FWMinor,
	}
	if res.MAC.IsZero() {
		return registry.Device{}, fmt.Errorf("%w: discovery answer without mac", protocol.ErrInvalidPayload)
	}
	prev, known := c.reg.Lookup(id.MAC)
	if !known || prev.State == registry.StateLost {
		c.emit(Event{Kind: EventDiscovered, Device: c.reg.Observe(id), Address: res.CurrentID})
	}

	if res.CurrentID.IsDynamic() {
		d, err := c.reg.Claim(id, res.CurrentID, registry.StateActive)
		if err == nil {
			if prev.Address.IsDynamic() && prev.Address != d.Address {
				c.released(prev.Address)
			}
			if err := c.sendAssign(ctx, d.MAC, d.Address, d.Address); err != nil {
				return d, err
			}
			c.emit(Event{Kind: EventReconfirmed, Device: d, Address: d.Address})
			return d, nil
		}
		if !errors.Is(err, protocol.ErrAddressInUse) {
			return d, err
		}
		c.log.Warn().Str("mac", id.MAC.String()).Str("addr", res.CurrentID.String()).Msg("current id held by another device")
	}

	d, err := c.reg.Allocate(id)
	if err != nil {
		c.emit(Event{Kind: EventAssignFailed, Device: d, Address: res.CurrentID, Err: err})
		return d, err
	}
	if err := c.sendAssign(ctx, d.MAC, d.Address, protocol.AddrBroadcast); err != nil {
		return d, err
	}
	c.emit(Event{Kind: EventAssigning, Device: d, Address: d.Address})
	return d, nil
}

// sendAssign sends ASSIGN_ID. Unicast re-confirmations request an ACK; broadcasts cannot.
func (c *Coordinator) sendAssign(ctx context.Context, mac protocol.MAC, addr, dst protocol.Address) error {
	body, err := payload.AssignID{TargetMAC: mac, NewID: addr}.MarshalBinary()
	if err != nil {
		return err
	}
	h := frame.Header{Dst: dst, Type: protocol.MsgAssignID}
	if !dst.IsBroadcast() {
		h.Flags = frame.FlagNeedAck
	}
	_, err = c.send.Send(ctx, h, body)
	return err
}

// Observe is called for every valid frame from src. It refreshes liveness and
// completes an assignment once the node talks from its new address.
func (c *Coordinator) Observe(src protocol.Address) {
	if !src.IsDynamic() {
		return
	}
	d, ok := c.reg.Touch(src)
	if !ok || d.State != registry.StateAssigning {
		return
	}
	d, err := c.reg.SetState(d.MAC, registry.StateActive)
	if err != nil {
		return
	}
	c.emit(Event{Kind: EventActive, Device: d, Address: d.Address})
}

// Sweep applies the assignment timeout and the liveness window.
func (c *Coordinator) Sweep() {
	for _, d := range c.reg.Expired(registry.StateAssigning, c.cfg.AssignTimeout) {
		addr := d.Address
		if _, ok := c.reg.Release(addr); ok {
			c.released(addr)
		}
		d, err := c.reg.SetState(d.MAC, registry.StateDiscovered)
		if err != nil {
			continue
		}
		c.emit(Event{Kind: EventAssignTimeout, Device: d, Address: addr})
	}
	for _, d := range c.reg.Expired(registry.StateActive, c.cfg.Liveness) {
		addr := d.Address
		lost, ok := c.reg.Release(addr)
		if !ok {
			continue
		}
		c.released(addr)
		c.emit(Event{Kind: EventLost, Device: lost, Address: addr})
	}
}

// Run broadcasts every Interval and sweeps every tick until ctx ends.
func (c *Coordinator) Run(ctx context.Context, tick time.Duration) error {
	sweep := c.clk.Ticker(tick)
	defer sweep.Stop()
	var periodic <-chan time.Time
	if c.cfg.Interval > 0 {
		t := c.clk.Ticker(c.cfg.Interval)
		defer t.Stop()
		periodic = t.C
		if _, err := c.Broadcast(ctx); err != nil && !errors.Is(err, ErrRateLimited) {
			c.log.Warn().Err(err).Msg("initial discovery broadcast")
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			c.Sweep()
		case <-periodic:
			if _, err := c.Broadcast(ctx); err != nil && !errors.Is(err, ErrRateLimited) {
				c.log.Warn().Err(err).Msg("discovery broadcast")
			}
		}
	}
}
