package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/danmuck/headunit/internal/app"
	"github.com/danmuck/headunit/internal/config"
	"github.com/danmuck/headunit/internal/logging"
	"github.com/danmuck/headunit/internal/protocol"
)

// defaultMachine is the node set used when the config lists none.
var defaultMachine = []protocol.DeviceType{
	protocol.DeviceBoilerMain,
	protocol.DeviceBoilerSteam,
	protocol.DeviceGroupHead,
	protocol.DevicePump,
	protocol.DeviceValve,
	protocol.DeviceScales,
	protocol.DeviceHapticKnob,
	protocol.DeviceButtonPad,
}

func machine(n int) []config.NodeSpec {
	out := make([]config.NodeSpec, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, config.NodeSpec{
			MAC:  protocol.MAC{0x02, 0x48, 0x55, 0x00, byte(i >> 8), byte(i + 1)},
			Type: defaultMachine[i%len(defaultMachine)],
		})
	}
	return out
}

func loadConfig(path string, nodes int, admin string) (config.Config, error) {
	cfg := config.Default()
	cfg.Coordinator.Name = "husim"
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if len(cfg.Nodes) == 0 {
		cfg.Nodes = machine(nodes)
	}
	if admin != "" {
		cfg.Coordinator.AdminAddr = admin
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "simulator config file")
	nodes := flag.Int("nodes", len(defaultMachine), "emulated nodes when the config lists none")
	admin := flag.String("admin", "127.0.0.1:7071", "admin API listen address, empty to disable")
	telemetry := flag.Duration("telemetry", time.Second, "synthetic sensor report period, 0 to disable")
	heartbeat := flag.Duration("heartbeat", 0, "node heartbeat period, 0 for the node default")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := loadConfig(*configPath, *nodes, *admin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "husim: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		fx.Supply(cfg),
		fx.Supply(app.SimOptions{Telemetry: *telemetry, Heartbeat: *heartbeat}),
		app.Module,
		app.SimModule,
		fx.StopTimeout(app.StopTimeout),
		fx.NopLogger,
	).Run()
}
