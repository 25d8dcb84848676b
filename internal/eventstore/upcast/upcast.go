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

// Package upcast migrates old event payload shapes to newer ones at read time.
//
// Upcasters never touch stored events. Chains compose: with 1->2 and 2->3 registered,
// an event recorded at schema version 1 is served at version 3.
package upcast

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
)

var (
	ErrInvalidUpcaster   = errors.New("invalid upcaster")
	ErrDuplicateUpcaster = errors.New("duplicate upcaster")
)

// Transform maps a payload of one schema version to the next. It receives a private
// copy and may modify it.
type Transform func(event.Payload) (event.Payload, error)

type Upcaster struct {
	EventType string
	From      int
	To        int
	Transform Transform
}

// GapError reports an event whose schema version could not be carried up to the
// newest registered version because no upcaster bridges Reached.
type GapError struct {
	EventID   string
	EventType string
	Reached   int
	Target    int
}

func (e *GapError) Error() string {
	return fmt.Sprintf("upcast %s (%s): no upcaster from schema version %d towards %d",
		e.EventType, e.EventID, e.Reached, e.Target)
}

// TransformError reports an upcaster that failed on an event.
type TransformError struct {
	EventID   string
	EventType string
	From      int
	To        int
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("upcast %s (%s) %d->%d: %v", e.EventType, e.EventID, e.From, e.To, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Registry holds upcasters per event type, ordered by From.
type Registry struct {
	mu     sync.RWMutex
	byType map[string][]Upcaster
}

func NewRegistry() *Registry {
	return &Registry{byType: map[string][]Upcaster{}}
}

// Register adds an upcaster. An event type may have only one upcaster per From version.
func (r *Registry) Register(u Upcaster) error {
	if u.EventType == "" {
		return fmt.Errorf("%w: empty event type", ErrInvalidUpcaster)
	}
	if u.From < 1 || u.To <= u.From {
		return fmt.Errorf("%w: %s %d->%d", ErrInvalidUpcaster, u.EventType, u.From, u.To)
	}
	if u.Transform == nil {
		return fmt.Errorf("%w: %s %d->%d has no transform", ErrInvalidUpcaster, u.EventType, u.From, u.To)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ups := r.byType[u.EventType]
	for _, existing := range ups {
		if existing.From == u.From {
			return fmt.Errorf("%w: %s already has an upcaster from %d", ErrDuplicateUpcaster, u.EventType, u.From)
		}
	}
	ups = append(ups, u)
	sort.Slice(ups, func(i, j int) bool { return ups[i].From < ups[j].From })
	r.byType[u.EventType] = ups
	return nil
}

// Latest returns the highest schema version reachable for eventType, 0 if no
// upcaster is registered.
func (r *Registry) Latest(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := 0
	for _, u := range r.byType[eventType] {
		latest = max(latest, u.To)
	}
	return latest
}

// Upcast returns the read-time view of ev.
//
// The chain is all-or-nothing: when it stops short of the latest registered version
// or a transform fails, ev is returned unchanged together with a *GapError or
// *TransformError so callers can serve the older shape and still report the problem.
func (r *Registry) Upcast(ev event.DomainEvent) (event.DomainEvent, error) {
	r.mu.RLock()
	ups := r.byType[ev.EventType]
	r.mu.RUnlock()

	if len(ups) == 0 {
		return ev, nil
	}

	target := 0
	for _, u := range ups {
		target = max(target, u.To)
	}

	current := ev.SchemaVersion
	payload := ev.Payload
	for _, u := range ups {
		if current < u.From || current >= u.To {
			continue
		}
		next, err := u.Transform(payload.Clone())
		if err != nil {
			return ev, &TransformError{EventID: ev.ID, EventType: ev.EventType, From: u.From, To: u.To, Err: err}
		}
		payload = next
		current = u.To
	}

	if current < target {
		return ev, &GapError{EventID: ev.ID, EventType: ev.EventType, Reached: current, Target: target}
	}

	ev.Payload = payload
	ev.SchemaVersion = current
	return ev, nil
}
