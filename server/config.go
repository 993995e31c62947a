// config.go: server configuration, defaults and hot reload
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package server

import (
	"fmt"
	"os"

	"github.com/agilira/argus"
	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/agilira/logc/ring"
)

// LoggingConfig configures the server's own diagnostic log.
type LoggingConfig struct {
	// Level is the diagnostic logging level.
	Level zapcore.Level `yaml:"level"`
	// File receives the diagnostics; empty means stderr.
	File string `yaml:"file"`
}

// Config is the server configuration.
type Config struct {
	// SocketPath is the listening endpoint for clients.
	SocketPath string `yaml:"socket_path"`

	// ShmDir is where per-client shared regions are created.
	ShmDir string `yaml:"shm_dir"`

	// RingSize is the size of each client's shared region, header
	// included (e.g. "16KiB").
	RingSize datasize.ByteSize `yaml:"ring_size"`

	// ThresholdFraction is the fill fraction of RingSize at which
	// clients notify the server.
	ThresholdFraction float64 `yaml:"threshold_fraction"`

	// MaxClients caps concurrently connected clients; connections over
	// the cap are accepted and immediately closed.
	MaxClients int `yaml:"max_clients"`

	// Logging configures the diagnostic log.
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	return &Config{
		SocketPath:        "/dev/shm/logc.server",
		ShmDir:            ring.DefaultDir,
		RingSize:          16 * datasize.KB,
		ThresholdFraction: 0.5,
		MaxClients:        10,
		Logging: LoggingConfig{
			Level: zapcore.InfoLevel,
		},
	}
}

// LoadConfig loads the configuration from the given path over the
// defaults.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg.validate()
}

func (c *Config) validate() (*Config, error) {
	if c.RingSize.Bytes() <= ring.HeaderSize {
		return nil, fmt.Errorf("ring_size %s leaves no payload behind the %d-byte header", c.RingSize, ring.HeaderSize)
	}
	if c.ThresholdFraction <= 0 || c.ThresholdFraction > 1 {
		return nil, fmt.Errorf("threshold_fraction %v is outside (0, 1]", c.ThresholdFraction)
	}
	return c, nil
}

// threshold is the used level, in bytes, at which clients notify.
func (c *Config) threshold() uint32 {
	return uint32(float64(c.RingSize.Bytes()) * c.ThresholdFraction) // #nosec G115 -- ring sizes are far below 4 GiB
}

// WatchConfig re-reads the config file whenever it changes and applies
// the knobs that are safe to flip at runtime - currently the diagnostic
// logging level. Structural knobs (socket path, ring size) stay fixed
// until restart. Returns the watcher so the caller can stop it on
// shutdown.
func WatchConfig(path string, level zap.AtomicLevel, log *zap.SugaredLogger) (*argus.Watcher, error) {
	watcher, err := argus.UniversalConfigWatcher(path, func(config map[string]any) {
		logging, ok := config["logging"].(map[string]any)
		if !ok {
			return
		}
		raw, ok := logging["level"].(string)
		if !ok {
			return
		}

		var parsed zapcore.Level
		if err := parsed.UnmarshalText([]byte(raw)); err != nil {
			log.Warnw("ignoring invalid logging level from config reload", "level", raw)
			return
		}
		if parsed != level.Level() {
			log.Infow("diagnostic logging level changed", "level", parsed)
			level.SetLevel(parsed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("cannot watch config file: %w", err)
	}
	return watcher, nil
}
