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

// Package eventstore composes the event log, stream registry, upcasters, projections
// and sagas into one engine object.
//
// Construct one Engine at process start and pass it to whoever needs it:
//
//	engine := eventstore.New(eventstore.WithLogger(logger))
//	defer engine.Close()
//
//	ev, err := engine.AppendEvent(ctx, event.Draft{
//	    TenantID:      "t1",
//	    AggregateID:   "order-42",
//	    AggregateType: "order",
//	    EventType:     "OrderCreated",
//	    Payload:       event.Payload{"total": 10},
//	}, version.CheckExact(0))
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/eventlog"
	"github.com/ngnhng/eventcore/internal/eventstore/projection"
	"github.com/ngnhng/eventcore/internal/eventstore/saga"
	"github.com/ngnhng/eventcore/internal/eventstore/stream"
	"github.com/ngnhng/eventcore/internal/eventstore/upcast"
	"github.com/ngnhng/eventcore/internal/eventstore/version"
	"github.com/ngnhng/eventcore/internal/pkg/timeutils"
)

var ErrClosed = errors.New("engine closed")

type options struct {
	logger             *slog.Logger
	clock              timeutils.TimeProvider
	deadLetterCapacity int
	batchSize          int
	snapshots          stream.SnapshotStrategy
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(clock timeutils.TimeProvider) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithDeadLetterCapacity bounds the dead-letter queue.
func WithDeadLetterCapacity(capacity int) Option {
	return func(o *options) { o.deadLetterCapacity = capacity }
}

// WithBatchSize bounds how many events a projection reads from the log at a time.
func WithBatchSize(size int) Option {
	return func(o *options) { o.batchSize = size }
}

// WithSnapshotStrategy snapshots streams automatically after appends.
func WithSnapshotStrategy(strategy stream.SnapshotStrategy) Option {
	return func(o *options) {
		if strategy != nil {
			o.snapshots = strategy
		}
	}
}

type Engine struct {
	log         *eventlog.Memory
	streams     *stream.Registry
	upcasters   *upcast.Registry
	projections *projection.Engine
	sagas       *saga.Orchestrator

	snapshots stream.SnapshotStrategy
	clock     timeutils.TimeProvider
	logger    *slog.Logger

	upcastWarnings atomic.Uint64
	closed         atomic.Bool
}

func New(opts ...Option) *Engine {
	o := options{
		logger:             slog.Default(),
		clock:              timeutils.RealTimeProvider(),
		deadLetterCapacity: projection.DefaultDeadLetterCapacity,
		batchSize:          projection.DefaultBatchSize,
		snapshots:          stream.Never{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		log:       eventlog.NewMemory(eventlog.WithClock(o.clock)),
		streams:   stream.NewRegistry(),
		upcasters: upcast.NewRegistry(),
		snapshots: o.snapshots,
		clock:     o.clock,
		logger:    o.logger,
	}
	e.projections = projection.NewEngine(upcastingSource{e},
		projection.WithLogger(o.logger),
		projection.WithClock(o.clock),
		projection.WithDeadLetterCapacity(o.deadLetterCapacity),
		projection.WithBatchSize(o.batchSize),
	)
	e.sagas = saga.NewOrchestrator(saga.WithLogger(o.logger), saga.WithClock(o.clock))
	return e
}

// AppendEvent records draft as the next event of its stream.
//
// With version.CheckExact the append fails with a *version.ConflictError unless the
// stream is exactly at that version; nothing is recorded and no projection sees
// anything. version.Any (or nil) skips the check.
//
// Projections are told about the event once the stream and log locks are released.
// Synchronous projections have folded it when AppendEvent returns, unless another
// goroutine was folding for them, which then folds it before letting go.
func (e *Engine) AppendEvent(ctx context.Context, draft event.Draft, expected version.Check) (event.DomainEvent, error) {
	if err := draft.Validate(); err != nil {
		return event.DomainEvent{}, fmt.Errorf("append: %w", err)
	}
	if e.closed.Load() {
		return event.DomainEvent{}, fmt.Errorf("append: %w", ErrClosed)
	}

	ev, err := e.append(ctx, draft, expected)
	if err != nil {
		return event.DomainEvent{}, err
	}
	e.projections.Notify()
	return ev, nil
}

func (e *Engine) append(ctx context.Context, draft event.Draft, expected version.Check) (event.DomainEvent, error) {
	key := draft.Key()
	unlock := e.streams.Lock(key)
	defer unlock()

	if err := e.streams.CheckAppend(key, expected); err != nil {
		return event.DomainEvent{}, fmt.Errorf("append %s: %w", key, err)
	}

	previous := e.streams.Version(key)
	ev, err := e.log.Append(ctx, draft, previous+1)
	if err != nil {
		return event.DomainEvent{}, err
	}
	s, err := e.streams.Commit(ev)
	if err != nil {
		return event.DomainEvent{}, fmt.Errorf("append %s: %w", key, err)
	}

	if e.snapshots.ShouldSnapshot(previous, s.Version, ev.EventType) {
		if err := e.snapshotLocked(ctx, key); err != nil {
			e.logger.Warn("automatic snapshot failed", "stream", key.String(), "version", s.Version, "error", err)
		}
	}
	return ev, nil
}

// view is the read-time shape of a stored event.
func (e *Engine) view(ev event.DomainEvent) event.DomainEvent {
	out, err := e.upcasters.Upcast(ev)
	if err != nil {
		e.upcastWarnings.Add(1)
		e.logger.Warn("serving event without upcast",
			"event_id", ev.ID,
			"event_type", ev.EventType,
			"schema_version", ev.SchemaVersion,
			"error", err,
		)
	}
	return out
}

// ReadStream returns the events of one stream with from <= StreamPosition <= to,
// upcast. A zero to reads to the end. Unknown and deleted streams read as empty.
func (e *Engine) ReadStream(ctx context.Context, tenantID, aggregateID string, from, to version.Version) []event.DomainEvent {
	key := event.Key{TenantID: tenantID, AggregateID: aggregateID}
	if s, ok := e.streams.Get(key); ok && s.Status == stream.StatusDeleted {
		return []event.DomainEvent{}
	}

	events := e.log.ReadStream(ctx, key, version.SelectInterval(from, to))
	for i := range events {
		events[i] = e.view(events[i])
	}
	return events
}

// ReadAllByType returns events of tenantID whose type is in eventTypes, upcast and in
// global order, starting strictly after the global position after. Pass the
// GlobalPosition of the last event seen to continue from it. Empty eventTypes
// matches every type, an empty tenant matches every tenant, limit <= 0 is unbounded.
func (e *Engine) ReadAllByType(ctx context.Context, tenantID string, eventTypes []string, after uint64, limit int) []event.DomainEvent {
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	keep := func(ev event.DomainEvent) bool {
		if tenantID != "" && ev.TenantID != tenantID {
			return false
		}
		if len(types) == 0 {
			return true
		}
		_, ok := types[ev.EventType]
		return ok
	}

	events, _ := e.log.ReadAll(ctx, after, keep, limit)
	for i := range events {
		events[i] = e.view(events[i])
	}
	if events == nil {
		events = []event.DomainEvent{}
	}
	return events
}

// ReplayAggregate folds the stream into a single payload, starting from its newest
// snapshot. Every event is shallow-merged into the accumulator, which also records
// _version and _lastEvent. Unknown and deleted streams replay to nil.
func (e *Engine) ReplayAggregate(ctx context.Context, tenantID, aggregateID string) event.Payload {
	s, ok := e.streams.Get(event.Key{TenantID: tenantID, AggregateID: aggregateID})
	if !ok || s.Status == stream.StatusDeleted {
		return nil
	}
	return e.replay(ctx, s, 0)
}

// replay folds s from its snapshot up to the position to, or to the end when to is zero.
func (e *Engine) replay(ctx context.Context, s stream.Stream, to version.Version) event.Payload {
	state := event.Payload{}
	from := version.Version(1)
	if s.HasSnapshot() && (to == 0 || s.SnapshotVersion <= to) {
		state = s.SnapshotData
		from = s.SnapshotVersion + 1
	}
	for _, ev := range e.log.ReadStream(ctx, s.Key(), version.SelectInterval(from, to)) {
		state = mergeFold(state, e.view(ev))
	}
	return state
}

func mergeFold(state event.Payload, ev event.DomainEvent) event.Payload {
	maps.Copy(state, ev.Payload)
	state["_version"] = uint64(ev.StreamPosition)
	state["_lastEvent"] = ev.EventType
	return state
}

// TakeSnapshot stores ReplayAggregate as the stream's snapshot at its current
// version. False for unknown, empty and deleted streams.
func (e *Engine) TakeSnapshot(ctx context.Context, tenantID, aggregateID string) bool {
	key := event.Key{TenantID: tenantID, AggregateID: aggregateID}
	unlock := e.streams.Lock(key)
	defer unlock()

	if err := e.snapshotLocked(ctx, key); err != nil {
		e.logger.Debug("snapshot skipped", "stream", key.String(), "error", err)
		return false
	}
	return true
}

var errNothingToSnapshot = errors.New("nothing to snapshot")

func (e *Engine) snapshotLocked(ctx context.Context, key event.Key) error {
	s, ok := e.streams.Get(key)
	if !ok {
		return stream.ErrStreamNotFound
	}
	if s.Version == 0 || s.Status == stream.StatusDeleted {
		return errNothingToSnapshot
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	state := e.replay(ctx, s, 0)
	return e.streams.SaveSnapshot(key, s.Version, state, e.clock.Now())
}

// GetStream returns the stream bookkeeping.
func (e *Engine) GetStream(tenantID, aggregateID string) (stream.Stream, bool) {
	return e.streams.Get(event.Key{TenantID: tenantID, AggregateID: aggregateID})
}

// Streams lists every stream.
func (e *Engine) Streams() []stream.Stream {
	return e.streams.List()
}

// ArchiveStream stops a stream from accepting events. Its history stays readable.
func (e *Engine) ArchiveStream(tenantID, aggregateID string) error {
	return e.setStatus(event.Key{TenantID: tenantID, AggregateID: aggregateID}, stream.StatusArchived)
}

// ReopenStream makes an archived stream accept events again.
func (e *Engine) ReopenStream(tenantID, aggregateID string) error {
	return e.setStatus(event.Key{TenantID: tenantID, AggregateID: aggregateID}, stream.StatusActive)
}

// DeleteStream hides a stream from reads and closes it for good. Its events stay in
// the log, so global reads and projection rebuilds still see them.
func (e *Engine) DeleteStream(tenantID, aggregateID string) error {
	return e.setStatus(event.Key{TenantID: tenantID, AggregateID: aggregateID}, stream.StatusDeleted)
}

func (e *Engine) setStatus(key event.Key, status stream.Status) error {
	unlock := e.streams.Lock(key)
	defer unlock()
	return e.streams.SetStatus(key, status, e.clock.Now())
}

// RegisterUpcaster adds a read-time payload migration of eventType from one schema
// version to a later one. Snapshots covering events of that type are recomputed so
// they hold the new read-time shape.
func (e *Engine) RegisterUpcaster(from, to int, eventType string, transform upcast.Transform) error {
	if err := e.upcasters.Register(upcast.Upcaster{EventType: eventType, From: from, To: to, Transform: transform}); err != nil {
		return err
	}
	refreshed := 0
	for _, s := range e.streams.List() {
		if s.HasSnapshot() && e.refreshSnapshot(context.Background(), s.Key(), eventType) {
			refreshed++
		}
	}
	if refreshed > 0 {
		e.logger.Info("snapshots recomputed for upcaster", "event_type", eventType, "from", from, "to", to, "streams", refreshed)
	}
	return nil
}

// refreshSnapshot replays the stream from scratch up to its snapshot version when
// the snapshot covers an event of eventType.
func (e *Engine) refreshSnapshot(ctx context.Context, key event.Key, eventType string) bool {
	unlock := e.streams.Lock(key)
	defer unlock()

	s, ok := e.streams.Get(key)
	if !ok || !s.HasSnapshot() {
		return false
	}
	events := e.log.ReadStream(ctx, key, version.SelectInterval(1, s.SnapshotVersion))
	if !slices.ContainsFunc(events, func(ev event.DomainEvent) bool { return ev.EventType == eventType }) {
		return false
	}

	state := event.Payload{}
	for _, ev := range events {
		state = mergeFold(state, e.view(ev))
	}
	if err := e.streams.SaveSnapshot(key, s.SnapshotVersion, state, e.clock.Now()); err != nil {
		e.logger.Warn("snapshot not recomputed", "stream", key.String(), "error", err)
		return false
	}
	return true
}

// RegisterProjection adds a projection. With rebuild set, the existing log is
// replayed into it before returning.
func (e *Engine) RegisterProjection(ctx context.Context, def projection.Definition, rebuild bool) error {
	if err := e.projections.Register(def); err != nil {
		return err
	}
	if !rebuild {
		return nil
	}
	return e.projections.Rebuild(ctx, def.ID)
}

func (e *Engine) RebuildProjection(ctx context.Context, id string) error {
	return e.projections.Rebuild(ctx, id)
}

// GetProjectionState returns a copy of the materialized state, nil when id was never registered.
func (e *Engine) GetProjectionState(id string) projection.State {
	return e.projections.State(id)
}

// Projections exposes projection lifecycle operations beyond the common ones above.
func (e *Engine) Projections() *projection.Engine {
	return e.projections
}

func (e *Engine) ListDeadLetterQueue(limit int) []projection.DeadLetter {
	return e.projections.DeadLetters(limit)
}

func (e *Engine) CreateSaga(def saga.Definition) (saga.Instance, error) {
	return e.sagas.Create(def)
}

// AdvanceSaga reports false for unknown, terminal and compensating sagas.
func (e *Engine) AdvanceSaga(id, step string, delta event.Payload) (saga.Instance, bool) {
	return e.sagas.Advance(id, step, delta)
}

func (e *Engine) CompleteSaga(id string) bool {
	return e.sagas.Complete(id)
}

func (e *Engine) CompensateSaga(id, reason string) bool {
	return e.sagas.Compensate(id, reason)
}

// Sagas exposes the orchestrator for explicit transitions and listing.
func (e *Engine) Sagas() *saga.Orchestrator {
	return e.sagas
}

// Export returns the stored events after the given global position, as recorded
// and without upcasting, together with the log head.
func (e *Engine) Export(ctx context.Context, after uint64, limit int) ([]event.DomainEvent, uint64) {
	return e.log.ReadAll(ctx, after, nil, limit)
}

// Close stops projections and rejects further appends.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.projections.Close()
}

// upcastingSource feeds projection rebuilds the same view live dispatch sees.
type upcastingSource struct {
	e *Engine
}

func (s upcastingSource) ReadAll(
	ctx context.Context,
	after uint64,
	keep func(event.DomainEvent) bool,
	limit int,
) ([]event.DomainEvent, uint64) {
	events, head := s.e.log.ReadAll(ctx, after, keep, limit)
	for i := range events {
		events[i] = s.e.view(events[i])
	}
	return events, head
}

func (s upcastingSource) Head() uint64 {
	return s.e.log.Head()
}
