// Package coordinator runs the gateway side of the mesh: it owns the radio
// transport, the device registry, discovery, the reliability layer and the
// dispatcher, and exposes a command API plus a stream of node events.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/headunit/internal/discovery"
	"github.com/danmuck/headunit/internal/dispatch"
	"github.com/danmuck/headunit/internal/observability"
	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/frame"
	"github.com/danmuck/headunit/internal/protocol/payload"
	"github.com/danmuck/headunit/internal/protocol/session"
	"github.com/danmuck/headunit/internal/registry"
	"github.com/danmuck/headunit/internal/transport"
)

var ErrNotRunning = errors.New("coordinator: not running")

type Config struct {
	// Name labels metrics and logs.
	Name      string
	Session   session.Config
	Discovery discovery.Config
	// SweepInterval drives assignment timeouts and liveness checks.
	SweepInterval time.Duration
	// AdminAddr enables the HTTP admin API when set.
	AdminAddr string
	// AdminToken, when set, is required as a bearer token on command routes.
	AdminToken   string
	CORSOrigins  []string
	EventBuffer  int
	Reservations []registry.Reservation
}

func DefaultConfig() Config {
	return Config{
		Name:          "hucoord",
		Session:       session.DefaultConfig(),
		Discovery:     discovery.DefaultConfig(),
		SweepInterval: time.Second,
		EventBuffer:   256,
	}
}

type Options struct {
	Clock  clock.Clock
	Logger zerolog.Logger
}

type Service struct {
	cfg  Config
	tr   transport.Transport
	clk  clock.Clock
	log  zerolog.Logger
	reg  *registry.Registry
	ses  *session.Layer
	disc *discovery.Coordinator
	disp *dispatch.Dispatcher

	events        chan Event
	droppedEvents atomic.Uint64
	running       atomic.Bool
	startedAt     time.Time
	closed        atomic.Bool

	collector     *observability.SessionCollector
	collectorOnce sync.Once
	collecting    atomic.Bool
}

// meteredSender counts outbound frames by type before handing them to the transport.
type meteredSender struct {
	tr transport.Transport
}

func (m meteredSender) Send(ctx context.Context, dst protocol.Address, datagram []byte) error {
	if err := m.tr.Send(ctx, dst, datagram); err != nil {
		return err
	}
	if len(datagram) >= frame.HeaderLen {
		observability.RecordFrame("tx", frame.DecodeHeader(datagram).Type.String())
	}
	return nil
}

func New(cfg Config, tr transport.Transport, opts Options) (*Service, error) {
	if tr == nil {
		return nil, fmt.Errorf("coordinator: nil transport")
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	observability.RegisterMetrics()

	s := &Service{
		cfg:       cfg,
		tr:        tr,
		clk:       opts.Clock,
		log:       opts.Logger.With().Str("service", cfg.Name).Logger(),
		reg:       registry.New(opts.Clock),
		events:    make(chan Event, cfg.EventBuffer),
		startedAt: opts.Clock.Now(),
	}
	for _, res := range cfg.Reservations {
		if err := s.reg.Reserve(res); err != nil {
			return nil, err
		}
	}
	s.ses = session.NewLayer(cfg.Session, protocol.AddrCoordinator, meteredSender{tr: tr}, session.Options{
		Clock:     opts.Clock,
		Logger:    s.log,
		OnFailure: s.onDeliveryFailure,
	})
	s.disc = discovery.New(cfg.Discovery, s.reg, s.ses, discovery.Options{
		Clock:     opts.Clock,
		Logger:    s.log,
		OnEvent:   s.onLifecycle,
		OnRelease: s.ses.Forget,
	})
	s.disp = dispatch.New(dispatch.Options{
		Guard:  s.ses,
		Acker:  s.ses,
		Logger: s.log,
		Local:  s.ses.Local,
		OnFrame: func(f frame.Frame) {
			observability.RecordFrame("rx", f.Header.Type.String())
			s.disc.Observe(f.Header.Src)
		},
		OnViolation: func(v *protocol.Violation) {
			observability.RecordViolation(string(protocol.CategoryOf(v)))
		},
	})
	s.collector = observability.NewSessionCollector(cfg.Name, s.ses.Stats, s.ses.PendingCount)
	if err := s.registerHandlers(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) Registry() *registry.Registry { return s.reg }

func (s *Service) Session() *session.Layer { return s.ses }

func (s *Service) Discovery() *discovery.Coordinator { return s.disc }

// Events streams node reports, device lifecycle changes and delivery failures.
// When nobody drains it, new events are dropped and counted.
func (s *Service) Events() <-chan Event { return s.events }

func (s *Service) DroppedEvents() uint64 { return s.droppedEvents.Load() }

func (s *Service) Running() bool { return s.running.Load() }

// Run blocks until ctx ends or a component fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(ctx) })
	g.Go(func() error { return s.ses.Run(ctx) })
	g.Go(func() error { return s.disc.Run(ctx, s.cfg.SweepInterval) })
	if s.cfg.AdminAddr != "" {
		g.Go(func() error { return s.serveAdmin(ctx, s.cfg.AdminAddr) })
	}
	s.running.Store(true)
	s.log.Info().Int("free_addresses", s.reg.Free()).Msg("coordinator running")
	err := g.Wait()
	s.running.Store(false)
	s.log.Info().Err(err).Msg("coordinator stopped")
	return err
}

func (s *Service) receiveLoop(ctx context.Context) error {
	for {
		raw, err := s.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("coordinator: receive: %w", err)
		}
		out, err := s.disp.DispatchRaw(ctx, raw)
		observability.RecordDispatch(out.String())
		if err != nil && !errors.Is(err, dispatch.ErrNotAddressed) {
			s.log.Debug().Err(err).Msg("inbound frame")
		}
	}
}

// Close releases the transport. It is safe to call more than once.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.collecting.Load() {
		prometheus.Unregister(s.collector)
	}
	var err error
	err = multierr.Append(err, s.tr.Close())
	for _, p := range s.ses.Pending() {
		err = multierr.Append(err, fmt.Errorf("%w: %s seq=%d to %s abandoned", protocol.ErrAckMissing, p.Type, p.Seq, p.Dst))
	}
	return err
}

func (s *Service) onDeliveryFailure(f session.DeliveryFailure) {
	observability.RecordDeliveryFailure(f.Type.String())
	crit := f.Critical()
	s.publish(Event{
		Kind:    EventDeliveryFailure,
		At:      f.At,
		Src:     protocol.AddrCoordinator,
		Message: &crit,
		Failure: &f,
	})
}

func (s *Service) onRejected(item session.PendingAck, ack *payload.Ack) {
	s.log.Warn().Str("type", item.Type.String()).Str("dst", item.Dst.String()).Uint16("seq", item.Seq).
		Str("status", ack.Status.String()).Msg("command rejected")
	s.publish(Event{
		Kind:    EventRejected,
		At:      s.clk.Now(),
		Src:     item.Dst,
		Seq:     item.Seq,
		Message: ack,
		Failure: &session.DeliveryFailure{
			Dst:      item.Dst,
			Seq:      item.Seq,
			Type:     item.Type,
			Attempts: item.Attempts,
			At:       s.clk.Now(),
			Err:      protocol.ErrRejected,
		},
	})
}

func (s *Service) onLifecycle(ev discovery.Event) {
	counts := s.reg.Counts()
	labels := make(map[string]int, len(counts))
	for st, n := range counts {
		labels[st.String()] = n
	}
	observability.SetDevices(deviceStates, labels)
	s.log.Info().Str("kind", string(ev.Kind)).Str("mac", ev.Device.MAC.String()).
		Str("addr", ev.Address.String()).Err(ev.Err).Msg("device lifecycle")
	s.publish(Event{Kind: EventDevice, At: s.clk.Now(), Src: ev.Address, Lifecycle: &ev})
}

var deviceStates = []string{
	registry.StateDiscovered.String(),
	registry.StateAssigning.String(),
	registry.StateActive.String(),
	registry.StateLost.String(),
}

func (s *Service) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.droppedEvents.Add(1)
		s.log.Warn().Str("kind", string(ev.Kind)).Msg("event stream full, dropping")
	}
}

// registerHandlers routes every node-to-coordinator message type.
func (s *Service) registerHandlers() error {
	handlers := map[protocol.MsgType]dispatch.Handler{
		protocol.MsgAck: func(_ context.Context, f frame.Frame, msg payload.Message) error {
			item, ok := s.ses.HandleAck(f)
			if ack := msg.(*payload.Ack); ok && ack.Status != payload.AckOK {
				s.onRejected(item, ack)
			}
			return nil
		},
		protocol.MsgDiscoveryRes: func(ctx context.Context, _ frame.Frame, msg payload.Message) error {
			_, err := s.disc.HandleResponse(ctx, *msg.(*payload.DiscoveryRes))
			return err
		},
	}
	reports := map[protocol.MsgType]EventKind{
		protocol.MsgPing:           EventPing,
		protocol.MsgError:          EventError,
		protocol.MsgHeartbeat:      EventHeartbeat,
		protocol.MsgEventUIInput:   EventInput,
		protocol.MsgEventCritical:  EventCritical,
		protocol.MsgEventFlowStart: EventFlowStart,
		protocol.MsgDataSensor:     EventTelemetry,
		protocol.MsgDataMulti:      EventTelemetry,
		protocol.MsgDataScale:      EventTelemetry,
	}
	for t, kind := range reports {
		handlers[t] = s.reportHandler(kind)
	}
	for t, h := range handlers {
		if err := s.disp.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) reportHandler(kind EventKind) dispatch.Handler {
	return func(ctx context.Context, f frame.Frame, msg payload.Message) error {
		if dispatch.Replayed(ctx) {
			return nil
		}
		if kind == EventCritical {
			c := msg.(*payload.Critical)
			s.log.Error().Str("src", f.Header.Src.String()).Str("code", c.Code.String()).Int32("value", c.Value).
				Msg("critical event")
		}
		s.publish(Event{Kind: kind, At: s.clk.Now(), Src: f.Header.Src, Seq: f.Header.Seq, Message: msg})
		return nil
	}
}
