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
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ngnhng/eventcore/internal/server/types"
)

// LevelTrace sits below debug and logs every fold and publish.
const LevelTrace = slog.Level(-8)

// LoggerConfig is parsed under the LOG_ prefix.
type LoggerConfig struct {
	Level        string            `env:"LEVEL"         envDefault:"info"`   // trace|debug|info|warn|error
	Format       string            `env:"FORMAT"        envDefault:"auto"`   // auto|json|text|pretty
	Output       string            `env:"OUTPUT"        envDefault:"stdout"` // stdout|stderr
	SampleRate   float64           `env:"SAMPLE_RATE"   envDefault:"1"`
	Fields       map[string]string `env:"FIELDS"        envKeyValSeparator:"="` // region=eu,zone=a
	OTELExporter string            `env:"OTEL_EXPORTER" envDefault:"none"`      // none|otlp-http|otlp-grpc
	OTELEndpoint string            `env:"OTEL_ENDPOINT"`
}

// Writer is stderr when LOG_OUTPUT asks for it and stdout otherwise.
func (c *Config) Writer() io.Writer {
	if strings.EqualFold(strings.TrimSpace(c.Logger.Output), "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// ParseLevel maps the configured level onto slog, falling back to info.
func (lc *LoggerConfig) ParseLevel() slog.Level {
	if lc == nil {
		return slog.LevelInfo
	}
	name := strings.TrimSpace(lc.Level)
	if strings.EqualFold(name, "trace") {
		return LevelTrace
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ParseSampleRate clamps the rate into [0, 1].
func (lc *LoggerConfig) ParseSampleRate() float64 {
	if lc == nil {
		return 1
	}
	return min(max(lc.SampleRate, 0), 1)
}

func (c *Config) LogLevel() slog.Level           { return c.Logger.ParseLevel() }
func (c *Config) LogFormat() string              { return c.Logger.Format }
func (c *Config) SampleRate() float64            { return c.Logger.ParseSampleRate() }
func (c *Config) OTELExporter() string           { return c.Logger.OTELExporter }
func (c *Config) OTELEndpoint() string           { return c.Logger.OTELEndpoint }
func (c *Config) ExtraFields() map[string]string { return c.Logger.Fields }
func (c *Config) ModeField() types.Mode          { return c.Mode }
func (c *Config) LogServiceName() string         { return c.Service }
func (c *Config) LogServiceVersion() string      { return c.Version }
