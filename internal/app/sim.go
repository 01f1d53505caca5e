package app

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/headunit/internal/config"
	"github.com/danmuck/headunit/internal/node"
	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/protocol/payload"
	"github.com/danmuck/headunit/internal/registry"
	"github.com/danmuck/headunit/internal/transport"
	"github.com/danmuck/headunit/internal/transport/memnet"
)

// SimModule replaces the serial gateway with an in-memory mesh: the coordinator
// joins the hub as 0x01 and every configured node runs as an emulator.
var SimModule = fx.Module("sim",
	fx.Provide(
		NewHub,
		CoordinatorEndpoint,
		NewSim,
	),
	fx.Invoke(registerSim),
)

func NewHub(logger zerolog.Logger) *memnet.Hub {
	return memnet.NewHub(memnet.WithLogger(logger))
}

func CoordinatorEndpoint(hub *memnet.Hub) transport.Transport {
	return hub.Join(protocol.AddrCoordinator)
}

// SimOptions tunes the emulators. Zero values keep the node defaults.
type SimOptions struct {
	// Telemetry is the period of synthetic sensor reports; zero disables them.
	Telemetry time.Duration
	Heartbeat time.Duration
}

// Sim is the set of emulated nodes of a simulated machine.
type Sim struct {
	Hub   *memnet.Hub
	Nodes []*node.Emulator
	opts  SimOptions
	log   zerolog.Logger
	rng   *rand.Rand
}

type simParams struct {
	fx.In

	Config  config.Config
	Hub     *memnet.Hub
	Logger  zerolog.Logger
	Options SimOptions `optional:"true"`
}

func NewSim(p simParams) (*Sim, error) {
	s := &Sim{
		Hub:  p.Hub,
		opts: p.Options,
		log:  p.Logger.With().Str("component", "sim").Logger(),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i, spec := range p.Config.Nodes {
		cfg := node.DefaultConfig(registry.Identity{MAC: spec.MAC, Type: spec.Type, HWRevision: 1, FWMajor: 1})
		if p.Options.Heartbeat > 0 {
			cfg.HeartbeatInterval = p.Options.Heartbeat
		}
		logger := p.Logger
		if spec.Name != "" {
			logger = logger.With().Str("name", spec.Name).Logger()
		}
		n, err := node.New(cfg, p.Hub.Join(protocol.AddrUnassigned), node.Options{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("nodes[%d]: %w", i, err)
		}
		s.Nodes = append(s.Nodes, n)
	}
	return s, nil
}

// Run drives every emulator and the telemetry generator until ctx ends.
func (s *Sim) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range s.Nodes {
		n := n
		g.Go(func() error { return n.Run(ctx) })
	}
	if s.opts.Telemetry > 0 {
		g.Go(func() error { return s.telemetry(ctx) })
	}
	s.log.Info().Int("nodes", len(s.Nodes)).Msg("simulated mesh running")
	return g.Wait()
}

func (s *Sim) telemetry(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Telemetry)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, n := range s.Nodes {
				if !n.Address().IsDynamic() {
					continue
				}
				msg := s.reading(n.Identity().Type, time.Since(start))
				if msg == nil {
					continue
				}
				if _, err := n.Report(ctx, msg, false); err != nil {
					s.log.Debug().Err(err).Str("addr", n.Address().String()).Msg("telemetry")
				}
			}
		}
	}
}

// reading fabricates a plausible report for a device type.
func (s *Sim) reading(t protocol.DeviceType, elapsed time.Duration) payload.Message {
	noise := float32(s.rng.NormFloat64() * 0.2)
	switch t {
	case protocol.DeviceBoilerMain, protocol.DeviceGroupHead:
		return payload.Sensor{SensorID: 0, Value: 93 + noise}
	case protocol.DeviceBoilerSteam:
		return payload.Sensor{SensorID: 0, Value: 125 + noise}
	case protocol.DevicePump:
		return payload.Multi{SensorBase: 0, Values: []int16{int16((9 + noise) * 100), int16((2 + noise) * 100)}}
	case protocol.DeviceScales:
		ms := uint32(elapsed / time.Millisecond)
		return payload.ScaleData{
			TimestampMS: ms,
			WeightMg:    int32(ms%30000) * 2,
			FlowMgS:     2000,
			Status:      payload.ScaleStable,
		}
	default:
		return nil
	}
}

func (s *Sim) close() error {
	var err error
	for _, n := range s.Nodes {
		err = multierr.Append(err, n.Close())
	}
	return err
}

func registerSim(lc fx.Lifecycle, sd fx.Shutdowner, sim *Sim, logger zerolog.Logger) {
	runner(lc, sd, logger, "sim", sim.Run, sim.close)
}
