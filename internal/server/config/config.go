// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/ngnhng/eventcore/internal/server/types"
)

// Config holds the complete application configuration
type Config struct {
	Service  string        `json:"service_name" env:"APP_NAME"    envDefault:"eventcore"`
	Version  string        `json:"version"      env:"VERSION"     envDefault:"v0.1.0-alpha1"`
	Mode     types.Mode    `json:"mode"         env:"MODE"        envDefault:"debug"`
	Engine   EngineConfig  `json:"engine"       envPrefix:"ENGINE_"`
	NATS     NATSConfig    `json:"nats"         envPrefix:"NATS_"`
	Server   ServerConfig  `json:"server"       envPrefix:"SERVER_"`
	Archive  ArchiveConfig `json:"archive"      envPrefix:"ARCHIVE_"`
	Timeouts TimeoutConfig `json:"timeouts"     envPrefix:"TIMEOUTS_"`
	Logger   LoggerConfig  `json:"logger"       envPrefix:"LOG_"`
}

type ServerConfig struct {
	Host string `json:"host" env:"HOST" envDefault:"localhost"`
	Port string `json:"port" env:"PORT" envDefault:"8080"`
}

// EngineConfig tunes the in-memory core.
type EngineConfig struct {
	DeadLetterCapacity int    `json:"dead_letter_capacity" env:"DEAD_LETTER_CAPACITY"`
	BatchSize          int    `json:"batch_size"           env:"BATCH_SIZE"`
	SnapshotEvery      int    `json:"snapshot_every"       env:"SNAPSHOT_EVERY"` // 0 disables automatic snapshots
	Serde              string `json:"serde"                env:"SERDE"          envDefault:"json"` // json|msgpack
	Relay              bool   `json:"relay"                env:"RELAY"          envDefault:"true"`
}

// ArchiveConfig points at the pebble directory. An empty path disables archiving.
type ArchiveConfig struct {
	Path     string        `json:"path"     env:"PATH"`
	Interval time.Duration `json:"interval" env:"INTERVAL"`
}

// TimeoutConfig holds timeout-related configuration
type TimeoutConfig struct {
	RequestTimeout  time.Duration `json:"request_timeout"  env:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

func LoadConfig() (*Config, error) {
	cfg := Config{
		Engine: EngineConfig{
			DeadLetterCapacity: DefaultDeadLetterCapacity,
			BatchSize:          DefaultBatchSize,
		},
		NATS: NATSConfig{
			Host:          DefaultNATSHost,
			Port:          DefaultNATSPort,
			MaxReconnects: DefaultMaxReconnects,
			ReconnectWait: DefaultReconnectWait,
			DrainTimeout:  DefaultDrainTimeout,
			PingInterval:  DefaultPingInterval,
			MaxPingsOut:   DefaultMaxPingsOut,
			ClientName:    "eventcore",
		},
		Archive: ArchiveConfig{
			Interval: DefaultArchiveInterval,
		},
		Timeouts: TimeoutConfig{
			RequestTimeout:  DefaultRequestTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Service == "":
		return errors.New("service name is required")
	case c.Version == "":
		return errors.New("version is required")
	case c.NATS.Host == "":
		return errors.New("NATS host is required")
	case c.NATS.Port == "":
		return errors.New("NATS port is required")
	case !validPort(c.NATS.Port):
		return fmt.Errorf("invalid NATS port %q", c.NATS.Port)
	case c.NATS.URL == "":
		return errors.New("NATS URL is required")
	case c.NATS.MaxReconnects < -1:
		return errors.New("NATS max reconnects must be >= -1")
	case c.NATS.ReconnectWait <= 0:
		return errors.New("NATS reconnect wait must be positive")
	case c.NATS.DrainTimeout <= 0:
		return errors.New("NATS drain timeout must be positive")
	case c.Server.Host == "":
		return errors.New("server host is required")
	case c.Server.Port == "":
		return errors.New("server port is required")
	case !validPort(c.Server.Port):
		return fmt.Errorf("invalid server port %q", c.Server.Port)
	case c.Engine.DeadLetterCapacity < 0:
		return errors.New("engine dead letter capacity must be >= 0")
	case c.Engine.BatchSize < 0:
		return errors.New("engine batch size must be >= 0")
	case c.Engine.SnapshotEvery < 0:
		return errors.New("engine snapshot interval must be >= 0")
	case c.Engine.Serde != "" && c.Engine.Serde != "json" && c.Engine.Serde != "msgpack":
		return fmt.Errorf("unknown engine serde %q", c.Engine.Serde)
	case c.Archive.Path != "" && c.Archive.Interval < 0:
		return errors.New("archive interval must be >= 0")
	}
	return nil
}

func validPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n <= 65535
}

func (c *Config) ServiceName() string {
	return c.Service
}

func (c *Config) GetVersion() string {
	return c.Version
}

// HTTPAddr is the listen address of the read surface.
func (c *Config) HTTPAddr() string {
	return c.Server.Host + ":" + c.Server.Port
}
