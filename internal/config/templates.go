package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "coordinator", "hucoord":
		return coordinatorTemplate, nil
	case "sim", "husim":
		return simTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const coordinatorTemplate = `name = "hucoord"
log_level = "info"
admin_addr = "127.0.0.1:7070"
admin_token = ""
cors_origins = ["http://localhost:3000"]
sweep_interval = "1s"

[serial]
port = "/dev/ttyUSB0"
baud = 115200

[session]
ack_timeout = "200ms"
max_attempts = 3
sweep_interval = "25ms"
backoff_multiplier = 2.0
backoff_max = "2s"
backoff_jitter = true

[discovery]
interval = "30s"
reply_window = "500ms"
assign_timeout = "5s"
liveness = "15s"
min_broadcast_gap = "1s"
broadcast_burst = 2

[[reservations]]
mac = "24:6f:28:00:00:01"
address = 0x10
name = "main boiler"
`

const simTemplate = `name = "husim"
log_level = "debug"
admin_addr = "127.0.0.1:7071"

[discovery]
interval = "10s"
liveness = "20s"

[[nodes]]
mac = "24:6f:28:00:00:01"
type = "boiler_main"

[[nodes]]
mac = "24:6f:28:00:00:02"
type = "pump"

[[nodes]]
mac = "24:6f:28:00:00:03"
type = "scales"

[[nodes]]
mac = "24:6f:28:00:00:04"
type = "haptic_knob"
name = "front knob"
`
