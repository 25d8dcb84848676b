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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ngnhng/eventcore/api/serde"
	"github.com/ngnhng/eventcore/internal/eventstore"
	"github.com/ngnhng/eventcore/internal/eventstore/archive"
	"github.com/ngnhng/eventcore/internal/eventstore/stream"
	"github.com/ngnhng/eventcore/internal/server/config"
	"github.com/ngnhng/eventcore/internal/server/handler/command"
	httphandler "github.com/ngnhng/eventcore/internal/server/handler/http"
	jetstreamx "github.com/ngnhng/eventcore/internal/server/infra/jetstream"
	"github.com/ngnhng/eventcore/internal/server/relay"
)

type Manager struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *eventstore.Engine
	conn       *jetstreamx.Connection
	archive    *archive.Archive
	relay      *relay.Relay
	handler    *command.Handler
	httpServer *httphandler.Server

	shutdown sync.Once
}

// NewManager connects to NATS, restores the archive and registers the relay.
// Nothing is served until Run.
func NewManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	codec, err := serde.ByName(cfg.Engine.Serde)
	if err != nil {
		return nil, err
	}

	opts := []eventstore.Option{
		eventstore.WithLogger(logger),
		eventstore.WithDeadLetterCapacity(cfg.Engine.DeadLetterCapacity),
		eventstore.WithBatchSize(cfg.Engine.BatchSize),
	}
	if cfg.Engine.SnapshotEvery > 0 {
		opts = append(opts, eventstore.WithSnapshotStrategy(stream.EveryNEvents(cfg.Engine.SnapshotEvery)))
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		engine: eventstore.New(opts...),
	}

	conn, err := jetstreamx.Connect(cfg, logger)
	if err != nil {
		m.Shutdown()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	m.conn = conn
	if !conn.IsConnected() {
		m.Shutdown()
		return nil, fmt.Errorf("cannot connect to NATS instance")
	}

	if err := m.ensureStreams(ctx); err != nil {
		m.Shutdown()
		return nil, fmt.Errorf("failed to ensure NATS streams: %w", err)
	}
	if err := m.ensureKV(ctx); err != nil {
		m.Shutdown()
		return nil, fmt.Errorf("failed to ensure NATS KV buckets: %w", err)
	}

	// Registered before the restore; the restore rebuild relays events that were
	// archived but never published.
	if cfg.Engine.Relay {
		m.relay = relay.New(conn, conn, codec, relay.WithLogger(logger), relay.WithPublishTimeout(cfg.Timeouts.RequestTimeout))
		if err := m.relay.Load(ctx); err != nil {
			m.Shutdown()
			return nil, err
		}
		if err := m.engine.RegisterProjection(ctx, m.relay.Definition(), false); err != nil {
			m.Shutdown()
			return nil, err
		}
	}

	if cfg.Archive.Path != "" {
		a, err := archive.Open(cfg.Archive.Path, archive.WithLogger(logger))
		if err != nil {
			m.Shutdown()
			return nil, err
		}
		m.archive = a
		if _, err := a.Restore(ctx, m.engine); err != nil {
			m.Shutdown()
			return nil, fmt.Errorf("failed to restore archive: %w", err)
		}
	}

	m.handler = command.NewHandler(m.engine, codec, command.WithLogger(logger), command.WithTimeout(cfg.Timeouts.RequestTimeout))
	m.httpServer = httphandler.NewServer(cfg.HTTPAddr(), m.engine, conn, logger)
	return m, nil
}

// Engine exposes the engine so embedders can register projections and upcasters
// before Run.
func (m *Manager) Engine() *eventstore.Engine {
	return m.engine
}

func (m *Manager) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.httpServer.Start(gCtx)
	})

	g.Go(func() error {
		m.logger.Info("starting command processor")
		return command.RunProcessor(gCtx, m.conn, m.handler)
	})

	components := 2
	if m.archive != nil && m.cfg.Archive.Interval > 0 {
		components++
		g.Go(func() error {
			m.logger.Info("starting archive ticker", "interval", m.cfg.Archive.Interval)
			return m.archiveLoop(gCtx)
		})
	}

	m.logger.Info("manager is running", "components", components)

	// Wait for all goroutines to complete or context cancellation
	err := g.Wait()

	m.logger.Info("initiating graceful shutdown")
	m.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("manager stopped with error", "error", err)
		return err
	}

	m.logger.Info("manager shutdown complete")
	return nil
}

func (m *Manager) archiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Archive.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.archive.Save(ctx, m.engine); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("periodic archive save failed", "error", err)
			}
		}
	}
}

// Shutdown drains the relay, writes a final archive and releases connections.
// It is safe on a partially built manager and runs once.
func (m *Manager) Shutdown() {
	m.shutdown.Do(m.shutdownComponents)
}

func (m *Manager) shutdownComponents() {
	m.logger.Info("shutting down manager components")

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout())
	defer cancel()

	if m.relay != nil {
		if err := m.engine.Projections().Flush(ctx, relay.ProjectionID); err != nil {
			m.logger.Warn("relay not drained", "error", err)
		}
	}

	if m.archive != nil {
		if n, err := m.archive.Save(ctx, m.engine); err != nil {
			m.logger.Error("final archive save failed", "error", err)
		} else {
			m.logger.Info("final archive saved", "events", n)
		}
	}

	m.engine.Close()

	if m.archive != nil {
		if err := m.archive.Close(); err != nil {
			m.logger.Error("closing archive", "error", err)
		}
	}

	// Close NATS connection - this will drain and close all subscriptions
	if m.conn != nil {
		m.logger.Info("closing NATS connection")
		m.conn.Close()
	}
}

func (m *Manager) shutdownTimeout() time.Duration {
	if m.cfg.Timeouts.ShutdownTimeout > 0 {
		return m.cfg.Timeouts.ShutdownTimeout
	}
	return config.DefaultShutdownTimeout
}
