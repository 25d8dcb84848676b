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

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/version"
	"github.com/ngnhng/eventcore/internal/pkg/timeutils"
)

var (
	ErrPositionGap   = errors.New("stream position gap")
	ErrNotEmpty      = errors.New("event log is not empty")
	ErrOutOfSequence = errors.New("global position out of sequence")
)

// Memory is the append-only, memory-resident event log.
//
// The log itself only serializes global position assignment. Callers are expected to
// hold the stream lock of the aggregate they append to, which is what makes the
// stream position check-then-assign atomic.
//
// Readers copy under the read lock and never hold it while the caller iterates, so
// reads cannot stall writers for longer than the copy.
type Memory struct {
	mu       sync.RWMutex
	events   []event.DomainEvent
	byStream map[event.Key][]int
	global   uint64
	clock    timeutils.TimeProvider
}

type Option func(*Memory)

func WithClock(clock timeutils.TimeProvider) Option {
	return func(m *Memory) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		events:   []event.DomainEvent{},
		byStream: map[event.Key][]int{},
		clock:    timeutils.RealTimeProvider(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append records the draft at streamPos and the next global position. Nothing runs
// inside the log's critical section besides the bookkeeping, so observers read the
// new event back through ReadAll once Append returns.
func (m *Memory) Append(ctx context.Context, draft event.Draft, streamPos version.Version) (event.DomainEvent, error) {
	if err := ctx.Err(); err != nil {
		return event.DomainEvent{}, fmt.Errorf("append: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := draft.Key()
	if want := version.Version(len(m.byStream[key])) + 1; streamPos != want {
		return event.DomainEvent{}, fmt.Errorf("append: %w: expected %d, got %d", ErrPositionGap, want, streamPos)
	}

	ev, err := event.Record(draft, streamPos, m.global+1, m.clock.Now())
	if err != nil {
		return event.DomainEvent{}, fmt.Errorf("append: %w", err)
	}

	m.global++
	m.events = append(m.events, ev)
	m.byStream[key] = append(m.byStream[key], len(m.events)-1)
	return ev.Clone(), nil
}

// ReadStream returns copies of the stream's events inside selector, ordered by stream position.
func (m *Memory) ReadStream(ctx context.Context, key event.Key, selector version.Selector) []event.DomainEvent {
	if ctx.Err() != nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.byStream[key]
	out := make([]event.DomainEvent, 0, len(idx))
	for _, i := range idx {
		ev := m.events[i]
		if ev.StreamPosition < selector.From {
			continue
		}
		if selector.To > 0 && ev.StreamPosition > selector.To {
			break
		}
		out = append(out, ev.Clone())
	}
	return out
}

// ReadAll returns copies of events with GlobalPosition > after that match keep,
// at most limit of them when limit > 0, plus the log head at the time of the read.
func (m *Memory) ReadAll(
	ctx context.Context,
	after uint64,
	keep func(event.DomainEvent) bool,
	limit int,
) ([]event.DomainEvent, uint64) {
	if ctx.Err() != nil {
		return nil, 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Global positions are dense from 1, so the first candidate sits at index after.
	start := min(int(after), len(m.events))
	out := []event.DomainEvent{}
	for _, ev := range m.events[start:] {
		if keep != nil && !keep(ev) {
			continue
		}
		out = append(out, ev.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, m.global
}

// StreamLength is the number of events recorded for key.
func (m *Memory) StreamLength(key event.Key) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byStream[key])
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Head is the highest assigned global position.
func (m *Memory) Head() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Import loads previously recorded events into an empty log. Events must be in
// strictly increasing global order and contiguous per stream.
func (m *Memory) Import(ctx context.Context, events []event.DomainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.events) > 0 {
		return fmt.Errorf("import: %w", ErrNotEmpty)
	}

	byStream := map[event.Key][]int{}
	var last uint64
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("import: %w", err)
		}
		if ev.GlobalPosition != uint64(i)+1 {
			return fmt.Errorf("import: %w: event %s at %d, want %d", ErrOutOfSequence, ev.ID, ev.GlobalPosition, i+1)
		}
		key := ev.Key()
		if want := version.Version(len(byStream[key])) + 1; ev.StreamPosition != want {
			return fmt.Errorf("import: %w: stream %s expected %d, got %d", ErrPositionGap, key, want, ev.StreamPosition)
		}
		byStream[key] = append(byStream[key], i)
		last = ev.GlobalPosition
	}

	imported := make([]event.DomainEvent, len(events))
	for i, ev := range events {
		imported[i] = ev.Clone()
	}
	m.events = imported
	m.byStream = byStream
	m.global = last
	return nil
}
