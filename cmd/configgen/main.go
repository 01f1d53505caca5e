package main

import (
	"flag"
	"log"

	"github.com/danmuck/headunit/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "coordinator":
		return "cmd/hucoord/config.toml"
	case "sim":
		return "cmd/husim/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
	}
	return ""
}

func main() {
	kind := flag.String("kind", "coordinator", "config kind: coordinator|sim")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s (%d reservations, %d nodes)",
			*kind, path, len(cfg.Coordinator.Reservations), len(cfg.Nodes))
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
