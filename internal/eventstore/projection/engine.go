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

package projection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/pkg/timeutils"
)

const (
	DefaultBatchSize = 256

	// rebuilds look at the context once per this many folded events
	cancelCheckEvery = 64
)

// Source is the log projections read from. ReadAll returns the events after the
// given global position that satisfy keep, in global order, together with the log
// head observed by the same read.
type Source interface {
	ReadAll(ctx context.Context, after uint64, keep func(event.DomainEvent) bool, limit int) ([]event.DomainEvent, uint64)
	Head() uint64
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(clock timeutils.TimeProvider) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithDeadLetterCapacity(capacity int) Option {
	return func(e *Engine) { e.dead = newDeadLetters(capacity) }
}

// WithBatchSize bounds how many events a projection reads from the log at a time.
func WithBatchSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

// Engine owns every registered projection and the shared dead-letter queue.
//
// Projections pull from the log. Notify only tells them the log grew; each
// projection then reads the events past its own position in global order, so a
// slow projection lags behind without holding up writers or other projections. A
// failing fold is contained: the event goes to the dead-letter queue and the
// projection keeps running.
type Engine struct {
	source    Source
	logger    *slog.Logger
	clock     timeutils.TimeProvider
	batchSize int
	dead      *deadLetters

	mu          sync.RWMutex
	projections map[string]*projection
	order       []*projection
	closed      bool
	wg          sync.WaitGroup
}

func NewEngine(source Source, opts ...Option) *Engine {
	e := &Engine{
		source:      source,
		logger:      slog.Default(),
		clock:       timeutils.RealTimeProvider(),
		batchSize:   DefaultBatchSize,
		dead:        newDeadLetters(DefaultDeadLetterCapacity),
		projections: map[string]*projection{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// progress is the foldable part of a projection. Rebuilds fold into a fresh
// progress and swap it in when done.
type progress struct {
	state       State
	checkpoint  uint64
	handled     uint64
	processed   uint64
	errors      uint64
	consecutive int
	lastError   string
	lastErrorAt time.Time
}

func (pr progress) clone() progress {
	pr.state = pr.state.clone()
	return pr
}

type rebuildState struct {
	pending    []event.DomainEvent
	foldLive   bool
	prevStatus Status
}

type projection struct {
	def      Definition
	interest map[string]struct{}
	batch    int

	// mu guards the fields below. It is held while folding.
	mu      sync.Mutex
	live    progress
	status  Status
	seen    uint64
	rebuild *rebuildState

	// infoMu guards the copy readers see, so Info and List never wait on a fold.
	infoMu    sync.Mutex
	shown     Info
	shownSeen uint64
	advanced  chan struct{}

	draining atomic.Bool
	dirty    atomic.Bool
	wake     chan struct{}
	stop     chan struct{}
}

func (p *projection) matches(ev event.DomainEvent) bool {
	if p.def.TenantID != "" && p.def.TenantID != ev.TenantID {
		return false
	}
	if len(p.interest) == 0 {
		return true
	}
	_, ok := p.interest[ev.EventType]
	return ok
}

func (p *projection) fold(ev event.DomainEvent, state State) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFoldPanic, r)
		}
	}()
	if p.def.Fold != nil {
		return p.def.Fold(ev, state)
	}
	return DefaultFold(ev, state)
}

// publish refreshes the reader copy and wakes Flush waiters. Callers hold p.mu.
func (p *projection) publish() {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()

	p.shown.Status = p.status
	p.shown.CheckpointPosition = p.live.checkpoint
	p.shown.ProcessedEvents = p.live.processed
	p.shown.ErrorCount = p.live.errors
	p.shown.LastError = p.live.lastError
	p.shown.LastErrorAt = p.live.lastErrorAt
	if p.seen > p.shownSeen {
		p.shownSeen = p.seen
		close(p.advanced)
		p.advanced = make(chan struct{})
	}
}

// position is the last global position the projection looked at, and a channel
// closed once it moves on.
func (p *projection) position() (uint64, <-chan struct{}) {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()
	return p.shownSeen, p.advanced
}

func (p *projection) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// Register stores the definition with an empty state, checkpoint zero and status
// running. History is not replayed; call Rebuild for that. The projection sees
// events appended from now on.
func (e *Engine) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	p := &projection{
		def:      def,
		interest: make(map[string]struct{}, len(def.EventTypes)),
		batch:    def.BatchSize,
		live:     progress{state: State{}},
		status:   StatusRunning,
		advanced: make(chan struct{}),
		stop:     make(chan struct{}),
	}
	if p.batch == 0 {
		p.batch = e.batchSize
	}
	p.def.EventTypes = append([]string(nil), def.EventTypes...)
	for _, t := range def.EventTypes {
		p.interest[t] = struct{}{}
	}
	if def.Async {
		p.wake = make(chan struct{}, 1)
	}
	p.shown = Info{
		ID:         def.ID,
		Name:       def.Name,
		TenantID:   def.TenantID,
		EventTypes: p.def.EventTypes,
		Async:      def.Async,
		Status:     StatusRunning,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, ok := e.projections[def.ID]; ok {
		return fmt.Errorf("register %s: %w", def.ID, ErrProjectionExists)
	}
	p.seen = e.source.Head()
	p.shownSeen = p.seen
	e.projections[def.ID] = p
	e.order = append(e.order, p)

	if def.Async {
		e.wg.Add(1)
		go e.consume(p)
	}
	e.logger.Debug("projection registered", "projection", def.ID, "async", def.Async, "event_types", def.EventTypes, "position", p.seen)
	return nil
}

// Remove unregisters a projection and stops its consumer.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.projections[id]
	if !ok {
		return false
	}
	delete(e.projections, id)
	order := make([]*projection, 0, len(e.order)-1)
	for _, other := range e.order {
		if other != p {
			order = append(order, other)
		}
	}
	e.order = order
	close(p.stop)
	return true
}

// Notify tells every projection that the log grew. It must be called after the
// append released its locks. Synchronous projections fold the new events before
// Notify returns, unless another goroutine is folding them right now, in which case
// that goroutine picks them up before it lets go. Async projections are only woken.
func (e *Engine) Notify() {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	targets := append([]*projection(nil), e.order...)
	e.mu.RUnlock()

	for _, p := range targets {
		if p.def.Async {
			p.signal()
			continue
		}
		e.drain(p)
	}
}

func (p *projection) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) consume(p *projection) {
	defer e.wg.Done()
	for {
		select {
		case <-p.wake:
			e.drain(p)
		case <-p.stop:
			return
		}
	}
}

// drain folds what the log holds past the projection's position. Only one
// goroutine drains a projection at a time. A caller that finds it busy marks it
// dirty and returns at once; the busy drainer reads the log again before it lets go.
func (e *Engine) drain(p *projection) {
	p.dirty.Store(true)
	for p.dirty.Load() && p.draining.CompareAndSwap(false, true) {
		for p.dirty.Swap(false) {
			e.drainLocked(p)
		}
		p.draining.Store(false)
	}
}

func (e *Engine) drainLocked(p *projection) {
	for !p.stopped() {
		after, _ := p.position()
		events, head := e.source.ReadAll(context.Background(), after, p.matches, p.batch)
		reached := head
		if len(events) == p.batch {
			reached = events[len(events)-1].GlobalPosition
		}
		for _, ev := range events {
			if p.stopped() {
				return
			}
			e.apply(p, ev)
		}
		e.reach(p, reached)
		if reached >= head {
			return
		}
	}
}

func (e *Engine) reach(p *projection, pos uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.publish()

	p.seen = max(p.seen, pos)
}

func (e *Engine) apply(p *projection, ev event.DomainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.publish()

	if ev.GlobalPosition <= p.seen {
		return
	}
	p.seen = ev.GlobalPosition

	if p.rebuild != nil {
		p.rebuild.pending = append(p.rebuild.pending, ev)
		if !p.rebuild.foldLive {
			return
		}
		e.step(p, &p.live, ev, true)
		return
	}
	if p.status != StatusRunning {
		return
	}
	if e.step(p, &p.live, ev, true) {
		p.status = StatusFailed
		e.logger.Error("projection failed", "projection", p.def.ID, "consecutive_errors", p.live.consecutive, "last_error", p.live.lastError)
	}
}

// step folds one event into pr. It reports whether the consecutive error limit was hit.
func (e *Engine) step(p *projection, pr *progress, ev event.DomainEvent, deadLetter bool) bool {
	pr.handled = ev.GlobalPosition

	next, err := p.fold(ev, pr.state)
	if err != nil {
		now := e.clock.Now()
		pr.errors++
		pr.consecutive++
		pr.lastError = err.Error()
		pr.lastErrorAt = now
		if deadLetter {
			e.dead.push(DeadLetter{
				ProjectionID: p.def.ID,
				Event:        ev.Clone(),
				Error:        err.Error(),
				Timestamp:    now,
			})
			e.logger.Warn("projection fold failed",
				"projection", p.def.ID,
				"event_id", ev.ID,
				"event_type", ev.EventType,
				"global_position", ev.GlobalPosition,
				"error", err,
			)
		}
		return p.def.MaxConsecutiveErrors > 0 && pr.consecutive >= p.def.MaxConsecutiveErrors
	}

	pr.state = next
	pr.checkpoint = ev.GlobalPosition
	pr.processed++
	pr.consecutive = 0
	return false
}

// Rebuild replays the whole log through the projection into fresh state.
//
// The rebuild is all-or-nothing. Until it finishes, reads see the previous state,
// which keeps receiving live events. Events appended while the rebuild runs are
// carried into the new state before it is swapped in. If ctx is cancelled the
// projection returns to its previous status with its previous state.
func (e *Engine) Rebuild(ctx context.Context, id string) error {
	return e.catchUp(ctx, id, true)
}

// Resume restarts a paused or failed projection, folding what it missed since
// the last event it handled.
func (e *Engine) Resume(ctx context.Context, id string) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	if status == StatusRunning {
		return nil
	}
	return e.catchUp(ctx, id, false)
}

func (e *Engine) catchUp(ctx context.Context, id string, fresh bool) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}
	started := e.clock.Now()

	p.mu.Lock()
	if p.rebuild != nil {
		p.mu.Unlock()
		return fmt.Errorf("rebuild %s: %w", id, ErrRebuildInProgress)
	}
	base := progress{state: State{}}
	after := uint64(0)
	if !fresh {
		base = p.live.clone()
		after = p.live.handled
	}
	p.rebuild = &rebuildState{
		foldLive:   p.status == StatusRunning,
		prevStatus: p.status,
	}
	p.status = StatusRebuilding
	p.publish()
	p.mu.Unlock()

	events, head := e.source.ReadAll(ctx, after, p.matches, 0)
	if err := ctx.Err(); err != nil {
		return e.abortRebuild(p, err)
	}
	for i, ev := range events {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return e.abortRebuild(p, err)
			}
		}
		e.step(p, &base, ev, true)
	}
	if err := ctx.Err(); err != nil {
		return e.abortRebuild(p, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.publish()

	rb := p.rebuild
	carried := 0
	for _, ev := range rb.pending {
		if ev.GlobalPosition <= head {
			continue
		}
		// live folding already dead-lettered these
		e.step(p, &base, ev, !rb.foldLive)
		carried++
	}
	p.live = base
	p.seen = max(p.seen, head)
	p.rebuild = nil
	p.status = StatusRunning

	e.logger.Info("projection caught up",
		"projection", id,
		"fresh", fresh,
		"replayed", len(events),
		"carried", carried,
		"checkpoint", p.live.checkpoint,
		"duration", e.clock.Now().Sub(started),
	)
	return nil
}

func (e *Engine) abortRebuild(p *projection, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.publish()

	p.status = p.rebuild.prevStatus
	p.rebuild = nil
	e.logger.Warn("projection rebuild aborted", "projection", p.def.ID, "error", cause)
	return fmt.Errorf("rebuild %s: %w", p.def.ID, cause)
}

// Pause stops folding new events until Resume.
func (e *Engine) Pause(id string) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rebuild != nil {
		return fmt.Errorf("pause %s: %w", id, ErrRebuildInProgress)
	}
	p.status = StatusPaused
	p.publish()
	return nil
}

// State returns a copy of the materialized state, nil for unknown projections.
func (e *Engine) State(id string) State {
	p, err := e.get(id)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live.state.clone()
}

func (e *Engine) Info(id string) (Info, bool) {
	p, err := e.get(id)
	if err != nil {
		return Info{}, false
	}
	return p.info(e.source.Head()), true
}

// List returns every projection in registration order.
func (e *Engine) List() []Info {
	e.mu.RLock()
	targets := append([]*projection(nil), e.order...)
	e.mu.RUnlock()

	head := e.source.Head()
	out := make([]Info, 0, len(targets))
	for _, p := range targets {
		out = append(out, p.info(head))
	}
	return out
}

func (p *projection) info(head uint64) Info {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()

	info := p.shown
	info.EventTypes = slices.Clone(p.shown.EventTypes)
	if head > p.shownSeen {
		info.Lag = head - p.shownSeen
	}
	return info
}

// ActiveCount is the number of running projections.
func (e *Engine) ActiveCount() int {
	active := 0
	for _, info := range e.List() {
		if info.Status == StatusRunning {
			active++
		}
	}
	return active
}

// Flush blocks until the projection has looked at every event appended before
// the call. A fold must not flush its own projection.
func (e *Engine) Flush(ctx context.Context, id string) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}
	if p.stopped() {
		return ErrClosed
	}

	target := e.source.Head()
	if p.def.Async {
		p.signal()
	} else {
		e.drain(p)
	}

	for {
		seen, advanced := p.position()
		if seen >= target {
			return nil
		}
		select {
		case <-advanced:
		case <-p.stop:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// FlushAll flushes every async projection.
func (e *Engine) FlushAll(ctx context.Context) error {
	for _, info := range e.List() {
		if !info.Async {
			continue
		}
		if err := e.Flush(ctx, info.ID); err != nil {
			return fmt.Errorf("flush %s: %w", info.ID, err)
		}
	}
	return nil
}

// DeadLetters returns the newest limit entries, oldest first. limit <= 0 returns all.
func (e *Engine) DeadLetters(limit int) []DeadLetter { return e.dead.list(limit) }

func (e *Engine) DeadLetterCount() int { return e.dead.len() }

// DroppedDeadLetters counts entries evicted from the full dead-letter queue.
func (e *Engine) DroppedDeadLetters() uint64 { return e.dead.droppedCount() }

// Close stops every projection. Events not folded yet stay in the log; a rebuild
// recovers them.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, p := range e.order {
		close(p.stop)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) get(id string) (*projection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.projections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, id)
	}
	return p, nil
}
