package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/danmuck/headunit/internal/app"
	"github.com/danmuck/headunit/internal/config"
	"github.com/danmuck/headunit/internal/logging"
)

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	configPath := flag.String("config", "cmd/hucoord/config.toml", "coordinator config file (empty for defaults)")
	port := flag.String("port", "", "serial port of the radio gateway, overrides serial.port")
	printConfig := flag.Bool("print-config", false, "print a config template and exit")
	flag.Parse()

	if *printConfig {
		tpl, _ := config.Template("coordinator")
		fmt.Print(tpl)
		return
	}

	logging.ConfigureRuntime()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hucoord: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}

	fx.New(
		fx.Supply(cfg),
		app.Module,
		app.SerialModule,
		fx.StopTimeout(app.StopTimeout),
		fx.NopLogger,
	).Run()
}
