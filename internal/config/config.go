// Package config loads the TOML file shared by hucoord and husim. Keys that are
// absent keep the defaults of coordinator.DefaultConfig.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/headunit/internal/coordinator"
	"github.com/danmuck/headunit/internal/protocol"
	"github.com/danmuck/headunit/internal/registry"
	"github.com/danmuck/headunit/internal/transport/serial"
)

type SerialConfig struct {
	Port string
	Baud int
}

// NodeSpec describes one emulated node for the simulator.
type NodeSpec struct {
	MAC  protocol.MAC
	Type protocol.DeviceType
	Name string
}

type Config struct {
	LogLevel    string
	Serial      SerialConfig
	Coordinator coordinator.Config
	Nodes       []NodeSpec
}

func Default() Config {
	return Config{
		LogLevel:    "info",
		Serial:      SerialConfig{Baud: serial.DefaultBaud},
		Coordinator: coordinator.DefaultConfig(),
	}
}

type fileConfig struct {
	Name          string   `toml:"name"`
	LogLevel      string   `toml:"log_level"`
	AdminAddr     string   `toml:"admin_addr"`
	AdminToken    string   `toml:"admin_token"`
	CORSOrigins   []string `toml:"cors_origins"`
	EventBuffer   int      `toml:"event_buffer"`
	SweepInterval string   `toml:"sweep_interval"`

	Serial struct {
		Port string `toml:"port"`
		Baud int    `toml:"baud"`
	} `toml:"serial"`

	Session struct {
		AckTimeout        string  `toml:"ack_timeout"`
		MaxAttempts       int     `toml:"max_attempts"`
		SweepInterval     string  `toml:"sweep_interval"`
		BackoffMultiplier float64 `toml:"backoff_multiplier"`
		BackoffMax        string  `toml:"backoff_max"`
		BackoffJitter     bool    `toml:"backoff_jitter"`
	} `toml:"session"`

	Discovery struct {
		Interval        string `toml:"interval"`
		ReplyWindow     string `toml:"reply_window"`
		AssignTimeout   string `toml:"assign_timeout"`
		Liveness        string `toml:"liveness"`
		MinBroadcastGap string `toml:"min_broadcast_gap"`
		BroadcastBurst  int    `toml:"broadcast_burst"`
	} `toml:"discovery"`

	Reservations []struct {
		MAC     string `toml:"mac"`
		Address int    `toml:"address"`
		Name    string `toml:"name"`
	} `toml:"reservations"`

	Nodes []struct {
		MAC  string `toml:"mac"`
		Type string `toml:"type"`
		Name string `toml:"name"`
	} `toml:"nodes"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Decode(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Decode applies the keys present in data onto Default.
func Decode(data string) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown key %q", undecoded[0].String())
	}

	d := durations{meta: meta}
	co := &cfg.Coordinator

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			co.Name = name
		}
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("admin_addr") {
		co.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		co.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		co.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("event_buffer") {
		co.EventBuffer = raw.EventBuffer
	}
	d.set(&co.SweepInterval, raw.SweepInterval, "sweep_interval")

	if meta.IsDefined("serial", "port") {
		cfg.Serial.Port = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baud") {
		cfg.Serial.Baud = raw.Serial.Baud
	}

	s := &co.Session
	d.set(&s.AckTimeout, raw.Session.AckTimeout, "session", "ack_timeout")
	d.set(&s.SweepInterval, raw.Session.SweepInterval, "session", "sweep_interval")
	d.set(&s.Backoff.MaxDelay, raw.Session.BackoffMax, "session", "backoff_max")
	if meta.IsDefined("session", "ack_timeout") {
		s.Backoff.InitialDelay = s.AckTimeout
	}
	if meta.IsDefined("session", "max_attempts") {
		s.MaxAttempts = raw.Session.MaxAttempts
	}
	if meta.IsDefined("session", "backoff_multiplier") {
		s.Backoff.Multiplier = raw.Session.BackoffMultiplier
	}
	if meta.IsDefined("session", "backoff_jitter") {
		s.Backoff.Jitter = raw.Session.BackoffJitter
	}

	disc := &co.Discovery
	d.set(&disc.Interval, raw.Discovery.Interval, "discovery", "interval")
	d.set(&disc.ReplyWindow, raw.Discovery.ReplyWindow, "discovery", "reply_window")
	d.set(&disc.AssignTimeout, raw.Discovery.AssignTimeout, "discovery", "assign_timeout")
	d.set(&disc.Liveness, raw.Discovery.Liveness, "discovery", "liveness")
	d.set(&disc.MinBroadcastGap, raw.Discovery.MinBroadcastGap, "discovery", "min_broadcast_gap")
	if meta.IsDefined("discovery", "broadcast_burst") {
		disc.BroadcastBurst = raw.Discovery.BroadcastBurst
	}
	if d.err != nil {
		return Config{}, d.err
	}

	for i, r := range raw.Reservations {
		mac, err := protocol.ParseMAC(r.MAC)
		if err != nil {
			return Config{}, fmt.Errorf("reservations[%d]: %w", i, err)
		}
		if r.Address < 0 || r.Address > 0xFF {
			return Config{}, fmt.Errorf("reservations[%d]: %w: %d", i, protocol.ErrInvalidAddress, r.Address)
		}
		co.Reservations = append(co.Reservations, registry.Reservation{
			MAC:     mac,
			Address: protocol.Address(r.Address),
			Name:    strings.TrimSpace(r.Name),
		})
	}
	for i, n := range raw.Nodes {
		mac, err := protocol.ParseMAC(n.MAC)
		if err != nil {
			return Config{}, fmt.Errorf("nodes[%d]: %w", i, err)
		}
		dt, ok := protocol.ParseDeviceType(n.Type)
		if !ok {
			return Config{}, fmt.Errorf("nodes[%d]: unknown device type %q", i, n.Type)
		}
		cfg.Nodes = append(cfg.Nodes, NodeSpec{MAC: mac, Type: dt, Name: strings.TrimSpace(n.Name)})
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// durations parses optional duration strings, keeping the first error.
type durations struct {
	meta toml.MetaData
	err  error
}

func (d *durations) set(dst *time.Duration, raw string, key ...string) {
	if d.err != nil || !d.meta.IsDefined(key...) {
		return
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		d.err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = v
}

func Validate(cfg Config) error {
	co := cfg.Coordinator
	switch {
	case strings.TrimSpace(co.Name) == "":
		return fmt.Errorf("config missing name")
	case co.Session.MaxAttempts < 1:
		return fmt.Errorf("session.max_attempts must be at least 1")
	case co.Session.AckTimeout <= 0:
		return fmt.Errorf("session.ack_timeout must be positive")
	case co.Discovery.Liveness <= 0:
		return fmt.Errorf("discovery.liveness must be positive")
	case cfg.Serial.Baud < 0:
		return fmt.Errorf("serial.baud must not be negative")
	}
	seen := make(map[protocol.Address]bool, len(co.Reservations))
	for i, r := range co.Reservations {
		if !r.Address.IsDynamic() {
			return fmt.Errorf("reservations[%d]: %w: %s outside dynamic pool", i, protocol.ErrInvalidAddress, r.Address)
		}
		if seen[r.Address] {
			return fmt.Errorf("reservations[%d]: %w: %s reserved twice", i, protocol.ErrAddressInUse, r.Address)
		}
		seen[r.Address] = true
	}
	return nil
}
