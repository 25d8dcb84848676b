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

package saga

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/pkg/timeutils"
)

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(clock timeutils.TimeProvider) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Orchestrator holds saga instances. Every method returns copies.
type Orchestrator struct {
	mu     sync.RWMutex
	sagas  map[string]*Instance
	order  []string
	clock  timeutils.TimeProvider
	logger *slog.Logger
}

func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sagas:  map[string]*Instance{},
		clock:  timeutils.RealTimeProvider(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create is the only way into StatusStarted.
func (o *Orchestrator) Create(def Definition) (Instance, error) {
	if err := def.validate(); err != nil {
		return Instance{}, err
	}
	id := def.ID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return Instance{}, fmt.Errorf("create saga: generate id: %w", err)
		}
		id = v7.String()
	}

	now := o.clock.Now()
	s := Instance{
		ID:                id,
		SagaType:          def.SagaType,
		CorrelationID:     def.CorrelationID,
		TenantID:          def.TenantID,
		Status:            StatusStarted,
		CurrentStep:       def.FirstStep,
		CompletedSteps:    []string{},
		CompensationSteps: def.CompensationSteps,
		Context:           def.Context,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s = s.clone()
	if s.Context == nil {
		s.Context = event.Payload{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.sagas[id]; ok {
		return Instance{}, fmt.Errorf("create saga %s: %w", id, ErrSagaExists)
	}
	o.sagas[id] = &s
	o.order = append(o.order, id)

	o.logger.Debug("saga created", "saga_id", id, "saga_type", s.SagaType, "correlation_id", s.CorrelationID)
	return s.clone(), nil
}

func (o *Orchestrator) Get(id string) (Instance, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s, ok := o.sagas[id]
	if !ok {
		return Instance{}, false
	}
	return s.clone(), true
}

// List returns the sagas matching filter in creation order.
func (o *Orchestrator) List(filter Filter) []Instance {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := []Instance{}
	for _, id := range o.order {
		if s := o.sagas[id]; filter.matches(s) {
			out = append(out, s.clone())
		}
	}
	return out
}

// Advance moves to step, recording the previous step as completed and merging delta
// into the context. Status is left alone. It reports false for unknown sagas,
// terminal sagas and sagas that began compensating.
func (o *Orchestrator) Advance(id, step string, delta event.Payload) (Instance, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sagas[id]
	if !ok || s.Status.Terminal() || s.Status == StatusCompensating {
		return Instance{}, false
	}
	if s.CurrentStep != "" {
		s.CompletedSteps = append(s.CompletedSteps, s.CurrentStep)
	}
	s.CurrentStep = step
	s.Context = s.Context.Merge(delta)
	s.UpdatedAt = o.clock.Now()
	return s.clone(), true
}

// Transition applies a single table-checked status change.
func (o *Orchestrator) Transition(id string, to Status) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sagas[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, id)
	}
	return o.transition(s, to)
}

// Start moves a started saga to in_progress.
func (o *Orchestrator) Start(id string) error {
	return o.Transition(id, StatusInProgress)
}

// Complete is terminal. It reports false, changing nothing, for unknown sagas and
// sagas that cannot complete from their current status.
func (o *Orchestrator) Complete(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sagas[id]
	if !ok {
		return false
	}
	return o.transition(s, StatusCompleted) == nil
}

// BeginCompensation moves the saga to compensating and plans the compensating
// actions, for callers that run them before calling Fail.
func (o *Orchestrator) BeginCompensation(id, reason string) (Instance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sagas[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrSagaNotFound, id)
	}
	if err := o.beginCompensation(s, reason); err != nil {
		return Instance{}, err
	}
	return s.clone(), nil
}

// Fail ends a compensating saga.
func (o *Orchestrator) Fail(id string) error {
	return o.Transition(id, StatusFailed)
}

// Compensate runs BeginCompensation and Fail as one step. A saga already compensating
// is only failed. It reports false for unknown and terminal sagas, which keeps
// redelivered compensation triggers harmless.
func (o *Orchestrator) Compensate(id, reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sagas[id]
	if !ok || s.Status.Terminal() {
		return false
	}
	if s.Status != StatusCompensating {
		if err := o.beginCompensation(s, reason); err != nil {
			return false
		}
	}
	return o.transition(s, StatusFailed) == nil
}

// ActiveCount is the number of non-terminal sagas.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	active := 0
	for _, s := range o.sagas {
		if !s.Status.Terminal() {
			active++
		}
	}
	return active
}

func (o *Orchestrator) beginCompensation(s *Instance, reason string) error {
	if err := o.transition(s, StatusCompensating); err != nil {
		return err
	}
	s.FailureReason = reason
	s.Compensated = s.compensationPlan()
	return nil
}

func (o *Orchestrator) transition(s *Instance, to Status) error {
	if !CanTransition(s.Status, to) {
		return &TransitionError{SagaID: s.ID, From: s.Status, To: to}
	}
	from := s.Status
	s.Status = to
	s.UpdatedAt = o.clock.Now()
	o.logger.Debug("saga transition", "saga_id", s.ID, "from", from, "to", to)
	return nil
}
