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

// Package saga tracks multi-step, cross-aggregate workflows as explicit state machines.
//
// The only legal paths are
//
//	started -> in_progress -> completed
//	started | in_progress -> compensating -> failed
//
// Completed and failed are terminal. The orchestrator records progress; running the
// steps and their compensating actions is up to the caller.
package saga

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
)

type Status string

const (
	StatusStarted      Status = "started"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusFailed       Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusStarted:      {StatusInProgress, StatusCompensating},
	StatusInProgress:   {StatusCompleted, StatusCompensating},
	StatusCompensating: {StatusFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

var (
	ErrSagaNotFound      = errors.New("saga not found")
	ErrSagaExists        = errors.New("saga already exists")
	ErrInvalidDefinition = errors.New("invalid saga definition")
	ErrIllegalTransition = errors.New("illegal saga transition")
)

// TransitionError carries the rejected move.
type TransitionError struct {
	SagaID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("saga %s: illegal transition %s -> %s", e.SagaID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Definition is what CreateSaga starts from.
type Definition struct {
	// ID is optional; a UUIDv7 is generated when empty.
	ID            string
	SagaType      string
	CorrelationID string
	TenantID      string
	// FirstStep becomes CurrentStep.
	FirstStep string
	// CompensationSteps maps a step to the action that undoes it.
	CompensationSteps map[string]string
	Context           event.Payload
}

func (d Definition) validate() error {
	if d.SagaType == "" {
		return fmt.Errorf("%w: empty saga type", ErrInvalidDefinition)
	}
	return nil
}

// Instance is one saga execution.
type Instance struct {
	ID                string            `json:"id"`
	SagaType          string            `json:"saga_type"`
	CorrelationID     string            `json:"correlation_id,omitempty"`
	TenantID          string            `json:"tenant_id,omitempty"`
	Status            Status            `json:"status"`
	CurrentStep       string            `json:"current_step,omitempty"`
	CompletedSteps    []string          `json:"completed_steps"`
	CompensationSteps map[string]string `json:"compensation_steps,omitempty"`
	// Compensated lists the compensating actions to run, most recent step first.
	Compensated   []string      `json:"compensated,omitempty"`
	Context       event.Payload `json:"context"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (s Instance) clone() Instance {
	s.CompletedSteps = slices.Clone(s.CompletedSteps)
	s.Compensated = slices.Clone(s.Compensated)
	if s.CompensationSteps != nil {
		steps := make(map[string]string, len(s.CompensationSteps))
		for k, v := range s.CompensationSteps {
			steps[k] = v
		}
		s.CompensationSteps = steps
	}
	s.Context = s.Context.Clone()
	return s
}

// compensationPlan walks every step reached so far backwards and collects the
// declared compensating actions.
func (s Instance) compensationPlan() []string {
	reached := slices.Clone(s.CompletedSteps)
	if s.CurrentStep != "" {
		reached = append(reached, s.CurrentStep)
	}
	plan := []string{}
	for _, step := range slices.Backward(reached) {
		if action, ok := s.CompensationSteps[step]; ok {
			plan = append(plan, action)
		}
	}
	return plan
}

// Filter selects sagas in List. Zero fields match everything.
type Filter struct {
	TenantID      string
	SagaType      string
	CorrelationID string
	Status        Status
}

func (f Filter) matches(s *Instance) bool {
	return (f.TenantID == "" || f.TenantID == s.TenantID) &&
		(f.SagaType == "" || f.SagaType == s.SagaType) &&
		(f.CorrelationID == "" || f.CorrelationID == s.CorrelationID) &&
		(f.Status == "" || f.Status == s.Status)
}
