// Package app assembles the binaries with fx: a coordinator over a serial
// gateway for hucoord, and a coordinator plus emulated nodes on an in-memory
// mesh for husim.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/danmuck/headunit/internal/config"
	"github.com/danmuck/headunit/internal/coordinator"
	"github.com/danmuck/headunit/internal/logging"
	"github.com/danmuck/headunit/internal/transport"
	"github.com/danmuck/headunit/internal/transport/serial"
)

// Module provides the logger and the coordinator service and runs the service
// for the lifetime of the app. It needs a config.Config and a transport.Transport.
var Module = fx.Module("headunit",
	fx.Provide(
		NewLogger,
		NewService,
	),
	fx.Invoke(registerService),
)

// SerialModule provides the gateway link named by the serial config section.
var SerialModule = fx.Module("serial",
	fx.Provide(OpenSerial),
)

func NewLogger(cfg config.Config) zerolog.Logger {
	if cfg.LogLevel != "" && !logging.SetLevel(cfg.LogLevel) {
		log := logging.Component("app")
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping default")
	}
	return logging.Component(cfg.Coordinator.Name)
}

func NewService(cfg config.Config, tr transport.Transport, logger zerolog.Logger) (*coordinator.Service, error) {
	return coordinator.New(cfg.Coordinator, tr, coordinator.Options{Logger: logger})
}

func OpenSerial(cfg config.Config, logger zerolog.Logger) (transport.Transport, error) {
	if cfg.Serial.Port == "" {
		return nil, errors.New("serial.port is required")
	}
	link, err := serial.Open(cfg.Serial.Port, cfg.Serial.Baud, logger)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// runner starts fn on OnStart and cancels it on OnStop, waiting at most until the
// stop context ends. A failing fn shuts the app down.
func runner(lc fx.Lifecycle, sd fx.Shutdowner, logger zerolog.Logger, name string, fn func(context.Context) error, closer func() error) {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := fn(ctx); err != nil {
					logger.Error().Err(err).Str("unit", name).Msg("stopped with error")
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				logger.Warn().Str("unit", name).Msg("stop timed out")
			}
			if closer == nil {
				return nil
			}
			return closer()
		},
	})
}

func registerService(lc fx.Lifecycle, sd fx.Shutdowner, svc *coordinator.Service, logger zerolog.Logger) {
	runner(lc, sd, logger, "coordinator", svc.Run, svc.Close)
}

// StopTimeout bounds graceful shutdown of the binaries.
const StopTimeout = 5 * time.Second
