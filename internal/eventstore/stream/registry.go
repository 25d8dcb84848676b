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

package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/version"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

var (
	ErrStreamNotFound    = errors.New("stream not found")
	ErrStreamClosed      = errors.New("stream does not accept new events")
	ErrVersionSkew       = errors.New("event does not follow stream version")
	ErrSnapshotAhead     = errors.New("snapshot version is ahead of stream version")
	ErrInvalidStatus     = errors.New("invalid stream status")
	ErrStatusIrrevocable = errors.New("deleted streams cannot change status")
)

// Stream is the per-(tenant, aggregate) bookkeeping derived from the log.
type Stream struct {
	TenantID        string          `json:"tenant_id"        msgpack:"tenant_id"`
	AggregateID     string          `json:"aggregate_id"     msgpack:"aggregate_id"`
	AggregateType   string          `json:"aggregate_type"   msgpack:"aggregate_type"`
	Version         version.Version `json:"version"          msgpack:"version"`
	EventCount      int             `json:"event_count"      msgpack:"event_count"`
	SnapshotVersion version.Version `json:"snapshot_version" msgpack:"snapshot_version"`
	SnapshotData    event.Payload   `json:"snapshot_data"    msgpack:"snapshot_data"`
	Status          Status          `json:"status"           msgpack:"status"`
	CreatedAt       time.Time       `json:"created_at"       msgpack:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"       msgpack:"updated_at"`
}

func (s Stream) Key() event.Key {
	return event.Key{TenantID: s.TenantID, AggregateID: s.AggregateID}
}

func (s Stream) HasSnapshot() bool { return s.SnapshotData != nil }

func (s Stream) clone() Stream {
	s.SnapshotData = s.SnapshotData.Clone()
	return s
}

// Registry tracks every stream the log has seen. A stream only comes into existence
// with its first committed event, so a rejected append leaves no trace here.
type Registry struct {
	mu      sync.RWMutex
	streams map[event.Key]*Stream

	locksMu sync.Mutex
	locks   map[event.Key]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		streams: map[event.Key]*Stream{},
		locks:   map[event.Key]*sync.Mutex{},
	}
}

// Lock acquires the writer lock of one stream and returns its release function.
// The lock is what makes check, position assignment and append atomic per aggregate.
func (r *Registry) Lock(key event.Key) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns a copy of the stream.
func (r *Registry) Get(key event.Key) (Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[key]
	if !ok {
		return Stream{}, false
	}
	return s.clone(), true
}

// CheckAppend validates an append against the current stream state. Unknown streams
// are at version zero and active. Callers must hold the stream lock.
func (r *Registry) CheckAppend(key event.Key, check version.Check) error {
	r.mu.RLock()
	current := version.Zero
	status := StatusActive
	if s, ok := r.streams[key]; ok {
		current = s.Version
		status = s.Status
	}
	r.mu.RUnlock()

	if status != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrStreamClosed, key, status)
	}
	return version.Verify(check, current)
}

// Version returns the current stream version, zero for unknown streams.
func (r *Registry) Version(key event.Key) version.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.streams[key]; ok {
		return s.Version
	}
	return version.Zero
}

// Commit advances the stream by one recorded event. Callers must hold the stream lock.
func (r *Registry) Commit(ev event.DomainEvent) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ev.Key()
	s, ok := r.streams[key]
	if !ok {
		s = &Stream{
			TenantID:      ev.TenantID,
			AggregateID:   ev.AggregateID,
			AggregateType: ev.AggregateType,
			Status:        StatusActive,
			CreatedAt:     ev.RecordedAt,
		}
	}
	if ev.StreamPosition != s.Version+1 {
		return Stream{}, fmt.Errorf("commit %s: %w: version %d, event %d", key, ErrVersionSkew, s.Version, ev.StreamPosition)
	}

	s.Version = ev.StreamPosition
	s.EventCount++
	s.UpdatedAt = ev.RecordedAt
	r.streams[key] = s
	return s.clone(), nil
}

// SaveSnapshot stores state as of ver.
func (r *Registry) SaveSnapshot(key event.Key, ver version.Version, data event.Payload, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[key]
	if !ok {
		return fmt.Errorf("save snapshot %s: %w", key, ErrStreamNotFound)
	}
	if ver > s.Version {
		return fmt.Errorf("save snapshot %s: %w: %d > %d", key, ErrSnapshotAhead, ver, s.Version)
	}
	s.SnapshotVersion = ver
	s.SnapshotData = data.Clone()
	if s.SnapshotData == nil {
		s.SnapshotData = event.Payload{}
	}
	s.UpdatedAt = at
	return nil
}

// SetStatus moves a stream between active and archived, or marks it deleted.
// Deletion is final.
func (r *Registry) SetStatus(key event.Key, status Status, at time.Time) error {
	switch status {
	case StatusActive, StatusArchived, StatusDeleted:
	default:
		return fmt.Errorf("set status %s: %w: %q", key, ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[key]
	if !ok {
		return fmt.Errorf("set status %s: %w", key, ErrStreamNotFound)
	}
	if s.Status == StatusDeleted && status != StatusDeleted {
		return fmt.Errorf("set status %s: %w", key, ErrStatusIrrevocable)
	}
	s.Status = status
	s.UpdatedAt = at
	return nil
}

// List returns copies of all streams ordered by tenant then aggregate id.
func (r *Registry) List() []Stream {
	r.mu.RLock()
	out := make([]Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].AggregateID < out[j].AggregateID
	})
	return out
}

// Stats returns the stream count, the number of streams holding a snapshot and
// the total number of events across streams.
func (r *Registry) Stats() (streams int, snapshots int, events int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.streams {
		if s.HasSnapshot() {
			snapshots++
		}
		events += s.EventCount
	}
	return len(r.streams), snapshots, events
}

// Restore replaces the registry content, for loading an archived log.
// Every stream must already be consistent with the log it accompanies.
func (r *Registry) Restore(streams []Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.streams = make(map[event.Key]*Stream, len(streams))
	for _, s := range streams {
		restored := s.clone()
		r.streams[s.Key()] = &restored
	}
}
