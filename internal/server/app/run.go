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
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ngnhng/eventcore/internal/server/config"
	"github.com/ngnhng/eventcore/internal/server/logger"
)

// Options are CLI overrides applied on top of the environment.
type Options struct {
	NATSHost    string
	NATSPort    string
	HTTPPort    string
	ArchivePath string
}

func (o Options) apply(cfg *config.Config) {
	if o.NATSHost != "" {
		cfg.NATS.Host = o.NATSHost
	}
	if o.NATSPort != "" {
		cfg.NATS.Port = o.NATSPort
	}
	if o.NATSHost != "" || o.NATSPort != "" {
		cfg.NATS.URL = "nats://" + cfg.NATS.Host + ":" + cfg.NATS.Port
	}
	if o.HTTPPort != "" {
		cfg.Server.Port = o.HTTPPort
	}
	if o.ArchivePath != "" {
		cfg.Archive.Path = o.ArchivePath
	}
}

func Run(ctx context.Context, opts Options) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.NewLogger(ctx, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(log.Slogger)
	defer func() {
		if err := log.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Error("failed to shut down logger provider", "error", err)
		}
	}()

	mgr, err := NewManager(ctx, cfg, log.Slogger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mgr.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		stop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
