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
// Package jetstreamx wraps the NATS connection used by the relay and the command transport.
package jetstreamx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultClientName = "eventcore"

var ErrNotConnected = errors.New("nats connection is not established")

// Connection represents a NATS connection with JetStream capabilities.
type Connection struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	drain  time.Duration
	logger *slog.Logger
}

// Config is the dependency-injected interface required by Connect.
type Config interface {
	Endpoint() string
	NATSMaxReconnects() int
	NATSReconnectWait() time.Duration
	NATSDrainTimeout() time.Duration
	NATSPingInterval() time.Duration
	NATSMaxPingsOut() int
	// Optional human readable client name; may return empty.
	NATSClientName() string
}

// Connect establishes a connection to NATS with the given configuration.
func Connect(cfg Config, logger *slog.Logger) (*Connection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("jetstreamx: nil config provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	clientName := cfg.NATSClientName()
	if clientName == "" {
		clientName = defaultClientName
	}
	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(cfg.NATSMaxReconnects()),
		nats.ReconnectWait(cfg.NATSReconnectWait()),
		nats.DrainTimeout(cfg.NATSDrainTimeout()),
		nats.PingInterval(cfg.NATSPingInterval()),
		nats.MaxPingsOutstanding(cfg.NATSMaxPingsOut()),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.Endpoint(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Endpoint(), err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Connection{nc: nc, js: js, drain: cfg.NATSDrainTimeout(), logger: logger}, nil
}

// Close drains subscriptions and closes the connection.
func (c *Connection) Close() {
	if c.nc == nil || c.nc.IsClosed() {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("drain failed, closing", "error", err)
		c.nc.Close()
		return
	}
	deadline := time.Now().Add(c.drain)
	for !c.nc.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.nc.Close()
}

// JS returns the JetStream context associated with the NATS connection.
func (c *Connection) JS() (jetstream.JetStream, error) {
	if c.js == nil {
		return nil, fmt.Errorf("JetStream context is not initialized")
	}
	return c.js, nil
}

// NATS returns the underlying NATS connection.
func (c *Connection) NATS() *nats.Conn {
	return c.nc
}

// IsConnected returns whether the NATS connection is currently connected.
func (c *Connection) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Ping round-trips to the server, used by readiness checks.
func (c *Connection) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return c.nc.FlushTimeout(timeout)
}

// EnsureKV creates the bucket if it doesn't exist or updates it if it does.
func (c *Connection) EnsureKV(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure KV %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// EnsureStream creates the stream if it doesn't exist or updates it if it does.
// The retention policy of an existing stream is kept since it cannot change.
func (c *Connection) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.Stream(ctx, cfg.Name)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			stream, err = c.js.CreateStream(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
			}
			return stream, nil
		}
		return nil, fmt.Errorf("failed to get stream %s info: %w", cfg.Name, err)
	}

	cfg.Retention = stream.CachedInfo().Config.Retention
	updated, err := c.js.UpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
	}
	return updated, nil
}

// PublishMsg publishes to JetStream and waits for the acknowledgement.
func (c *Connection) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	ack, err := c.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to publish JetStream message to subject %s: %w", msg.Subject, err)
	}
	return ack, nil
}

// QueueSubscribe creates a queue subscription to a subject using core NATS.
func (c *Connection) QueueSubscribe(subj, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.nc.QueueSubscribe(subj, queue, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to subject %s with queue %s: %w", subj, queue, err)
	}
	return sub, nil
}

// Set stores a key-value pair in the specified bucket and returns its revision.
func (c *Connection) Set(ctx context.Context, bucket, key string, value []byte) (uint64, error) {
	kv, err := c.js.KeyValue(ctx, bucket)
	if err != nil {
		return 0, fmt.Errorf("failed to get KV bucket '%s': %w", bucket, err)
	}

	rev, err := kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("failed to put key '%s' in bucket '%s': %w", key, bucket, err)
	}
	return rev, nil
}

// Get returns the value stored under key. Missing keys yield jetstream.ErrKeyNotFound.
func (c *Connection) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	kv, err := c.js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to get KV bucket '%s': %w", bucket, err)
	}

	entry, err := kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}
