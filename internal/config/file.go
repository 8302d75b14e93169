package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// fileConfig is the JSON layout of a config file. Durations are Go duration strings.
type fileConfig struct {
	Config

	FetchTimeout      string `json:"fetch_timeout"`
	ReadTimeout       string `json:"read_timeout"`
	DebounceDelay     string `json:"debounce_delay"`
	RestartDelay      string `json:"restart_delay"`
	LogPollInterval   string `json:"log_poll_interval"`
	HeartbeatInterval string `json:"heartbeat_interval"`
}

// LoadFile reads a JSON config file on top of base. Fields missing from the
// file keep their base values.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config file: %w", err)
	}

	fc := fileConfig{Config: base}
	if err := json.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := fc.Config
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"fetch_timeout", fc.FetchTimeout, &cfg.FetchTimeout},
		{"read_timeout", fc.ReadTimeout, &cfg.ReadTimeout},
		{"debounce_delay", fc.DebounceDelay, &cfg.DebounceDelay},
		{"restart_delay", fc.RestartDelay, &cfg.RestartDelay},
		{"log_poll_interval", fc.LogPollInterval, &cfg.LogPollInterval},
		{"heartbeat_interval", fc.HeartbeatInterval, &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return base, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	logrus.Infof("Loaded configuration from %s", path)
	return cfg, nil
}
