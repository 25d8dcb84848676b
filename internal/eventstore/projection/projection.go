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
	"errors"
	"fmt"
	"time"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
)

type Status string

const (
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusRebuilding Status = "rebuilding"
	StatusFailed     Status = "failed"
)

var (
	ErrProjectionNotFound = errors.New("projection not found")
	ErrProjectionExists   = errors.New("projection already registered")
	ErrInvalidDefinition  = errors.New("invalid projection definition")
	ErrRebuildInProgress  = errors.New("projection rebuild already in progress")
	ErrFoldPanic          = errors.New("projection fold panicked")
	ErrClosed             = errors.New("projection engine closed")
)

// State is the materialized read model of a projection. With the default fold it
// maps aggregate id to the merged payload of that aggregate's events.
type State map[string]any

// FoldFunc folds one event into the projection state and returns the new state.
//
// Folds run after the append that produced the event released its locks, so a fold
// may read the engine and append events. A fold runs with its own projection locked:
// it is handed that projection's state and must not ask for it, flush it or change
// its lifecycle.
type FoldFunc func(ev event.DomainEvent, state State) (State, error)

// Definition describes a projection.
type Definition struct {
	ID   string
	Name string
	// TenantID restricts the projection to one tenant. Empty means every tenant.
	TenantID string
	// EventTypes is the interest set. Empty means every event type.
	EventTypes []string
	// Fold overrides DefaultFold.
	Fold FoldFunc
	// Async folds on a dedicated goroutine instead of on the appending one.
	Async bool
	// BatchSize bounds how many events one read from the log hands the projection;
	// zero selects the engine default.
	BatchSize int
	// MaxConsecutiveErrors moves the projection to failed after that many fold
	// errors in a row. Zero keeps it running regardless.
	MaxConsecutiveErrors int
}

func (d Definition) validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	}
	if d.BatchSize < 0 {
		return fmt.Errorf("%w: negative batch size %d", ErrInvalidDefinition, d.BatchSize)
	}
	if d.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("%w: negative error limit %d", ErrInvalidDefinition, d.MaxConsecutiveErrors)
	}
	return nil
}

// Info is a point-in-time view of a projection's progress.
type Info struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	TenantID           string    `json:"tenant_id,omitempty"`
	EventTypes         []string  `json:"event_types"`
	Async              bool      `json:"async"`
	Status             Status    `json:"status"`
	CheckpointPosition uint64    `json:"checkpoint_position"`
	ProcessedEvents    uint64    `json:"processed_events"`
	ErrorCount         uint64    `json:"error_count"`
	LastError          string    `json:"last_error,omitempty"`
	LastErrorAt        time.Time `json:"last_error_at,omitzero"`
	// Lag counts the log positions the projection has not looked at yet.
	Lag                uint64    `json:"lag"`
}

// DefaultFold merges the event payload into the entry of its aggregate and records
// the stream position and type of the last folded event.
func DefaultFold(ev event.DomainEvent, state State) (State, error) {
	if state == nil {
		state = State{}
	}
	prev, _ := state[ev.AggregateID].(event.Payload)
	merged := prev.Merge(ev.Payload)
	merged["_version"] = uint64(ev.StreamPosition)
	merged["_lastEvent"] = ev.EventType
	state[ev.AggregateID] = merged
	return state, nil
}

func (s State) clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = event.CloneValue(v)
	}
	return out
}
