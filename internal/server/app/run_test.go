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
package app

import (
	"testing"

	"github.com/ngnhng/eventcore/internal/server/config"
)

func TestOptionsApply(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			NATS:   config.NATSConfig{Host: "localhost", Port: "4222", URL: "nats://from-env:4222"},
			Server: config.ServerConfig{Host: "localhost", Port: "8080"},
		}
	}

	tests := []struct {
		name        string
		opts        Options
		wantURL     string
		wantHTTP    string
		wantArchive string
	}{
		{name: "no overrides keeps env URL", wantURL: "nats://from-env:4222", wantHTTP: "localhost:8080"},
		{name: "host override", opts: Options{NATSHost: "nats"}, wantURL: "nats://nats:4222", wantHTTP: "localhost:8080"},
		{name: "port overrides", opts: Options{NATSPort: "5222", HTTPPort: "9090"}, wantURL: "nats://localhost:5222", wantHTTP: "localhost:9090"},
		{name: "archive path", opts: Options{ArchivePath: "/data"}, wantURL: "nats://from-env:4222", wantHTTP: "localhost:8080", wantArchive: "/data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.opts.apply(cfg)
			if cfg.NATS.URL != tt.wantURL {
				t.Errorf("NATS.URL = %q, want %q", cfg.NATS.URL, tt.wantURL)
			}
			if cfg.HTTPAddr() != tt.wantHTTP {
				t.Errorf("HTTPAddr() = %q, want %q", cfg.HTTPAddr(), tt.wantHTTP)
			}
			if cfg.Archive.Path != tt.wantArchive {
				t.Errorf("Archive.Path = %q, want %q", cfg.Archive.Path, tt.wantArchive)
			}
		})
	}
}
