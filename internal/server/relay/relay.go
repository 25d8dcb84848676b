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

// Package relay publishes committed events to JetStream. It runs as an async
// projection; failed publishes land in the dead-letter queue.
//
// The persisted checkpoint never passes an event that failed to publish: it is
// the last position below the lowest failure. Rebuilding the relay projection
// retries the failures and skips what was already published. After a restart
// everything past the checkpoint goes out again and JetStream drops the copies
// it still remembers by message id.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ngnhng/eventcore/api"
	"github.com/ngnhng/eventcore/api/serde"
	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/projection"
)

const (
	ProjectionID = "jetstream-relay"

	DefaultPublishTimeout = 5 * time.Second
)

// Publisher is satisfied by *jetstreamx.Connection.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Checkpoints persists the last published global position.
type Checkpoints interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Set(ctx context.Context, bucket, key string, value []byte) (uint64, error)
}

type Relay struct {
	pub     Publisher
	cp      Checkpoints
	serde   serde.BinarySerde
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	published uint64
	failed    map[uint64]struct{}

	saveMu sync.Mutex
	saved  uint64
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New builds a relay. A nil Checkpoints disables checkpoint persistence and the
// relay relies on JetStream message-id dedupe alone.
func New(pub Publisher, cp Checkpoints, s serde.BinarySerde, opts ...Option) *Relay {
	r := &Relay{
		pub:     pub,
		cp:      cp,
		serde:   s,
		logger:  slog.Default(),
		timeout: DefaultPublishTimeout,
		failed:  map[uint64]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay")
	return r
}

// Load reads the persisted checkpoint. A missing key starts from zero.
func (r *Relay) Load(ctx context.Context) error {
	if r.cp == nil {
		return nil
	}
	raw, err := r.cp.Get(ctx, api.RelayCheckpointBucket, api.RelayCheckpointKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load relay checkpoint: %w", err)
	}
	pos, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("parse relay checkpoint %q: %w", raw, err)
	}
	r.mu.Lock()
	r.published = max(r.published, pos)
	r.mu.Unlock()
	r.saveMu.Lock()
	r.saved = max(r.saved, pos)
	r.saveMu.Unlock()
	r.logger.Info("checkpoint loaded", "position", pos)
	return nil
}

// Checkpoint is the highest global position below which every event was published.
func (r *Relay) Checkpoint() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark()
}

// Failed lists the positions whose publish failed and was not retried successfully.
func (r *Relay) Failed() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.failed))
}

func (r *Relay) watermark() uint64 {
	if len(r.failed) == 0 {
		return r.published
	}
	return slices.Min(slices.Collect(maps.Keys(r.failed))) - 1
}

func (r *Relay) done(pos uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, failed := r.failed[pos]
	return pos <= r.published && !failed
}

// Definition is the projection to register with the engine.
func (r *Relay) Definition() projection.Definition {
	return projection.Definition{
		ID:    ProjectionID,
		Name:  "JetStream relay",
		Fold:  r.fold,
		Async: true,
	}
}

func (r *Relay) fold(ev event.DomainEvent, state projection.State) (projection.State, error) {
	if state == nil {
		state = projection.State{}
	}
	if r.done(ev.GlobalPosition) {
		return state, nil
	}

	msg, err := r.message(ev)
	if err != nil {
		r.fail(ev.GlobalPosition)
		return state, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ack, err := r.pub.PublishMsg(ctx, msg)
	if err != nil {
		r.fail(ev.GlobalPosition)
		return state, fmt.Errorf("relay %s at %d: %w", ev.EventType, ev.GlobalPosition, err)
	}
	if ack != nil && ack.Duplicate {
		r.logger.Debug("duplicate suppressed by server", "event_id", ev.ID, "position", ev.GlobalPosition)
	}

	r.advance(ctx, ev.GlobalPosition)

	published, _ := state["published"].(uint64)
	state["published"] = published + 1
	state["last_position"] = ev.GlobalPosition
	state["last_subject"] = msg.Subject
	return state, nil
}

func (r *Relay) fail(pos uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[pos] = struct{}{}
}

func (r *Relay) advance(ctx context.Context, pos uint64) {
	r.mu.Lock()
	delete(r.failed, pos)
	r.published = max(r.published, pos)
	r.mu.Unlock()

	if r.cp == nil {
		return
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	wm := r.Checkpoint()
	if wm <= r.saved {
		return
	}
	if _, err := r.cp.Set(ctx, api.RelayCheckpointBucket, api.RelayCheckpointKey, []byte(strconv.FormatUint(wm, 10))); err != nil {
		r.logger.Warn("checkpoint not persisted", "position", wm, "error", err)
		return
	}
	r.saved = wm
}

func (r *Relay) message(ev event.DomainEvent) (*nats.Msg, error) {
	body, err := r.serde.SerializeBinary(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	msg := nats.NewMsg(Subject(ev))
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Header.Set("Content-Type", r.serde.ContentType())
	msg.Header.Set(api.HeaderEventID, ev.ID)
	msg.Header.Set(api.HeaderTenantID, ev.TenantID)
	msg.Header.Set(api.HeaderAggregateID, ev.AggregateID)
	msg.Header.Set(api.HeaderStreamPosition, strconv.FormatUint(uint64(ev.StreamPosition), 10))
	msg.Header.Set(api.HeaderGlobalPosition, strconv.FormatUint(ev.GlobalPosition, 10))
	msg.Header.Set(api.HeaderSchemaVersion, strconv.Itoa(ev.SchemaVersion))
	if ev.CorrelationID != "" {
		msg.Header.Set(api.HeaderCorrelationID, ev.CorrelationID)
	}
	return msg, nil
}

// Subject is events.<tenant>.<aggregateType>.<eventType> with each token made
// safe for NATS.
func Subject(ev event.DomainEvent) string {
	return fmt.Sprintf(api.EventPublishSubjectPattern, token(ev.TenantID), token(ev.AggregateType), token(ev.EventType))
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}
