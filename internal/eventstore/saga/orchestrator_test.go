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

package saga_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/saga"
	"github.com/ngnhng/eventcore/internal/pkg/timeutils"
)

func newOrchestrator() *saga.Orchestrator {
	return saga.NewOrchestrator(saga.WithClock(&timeutils.Fixed{
		At:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Step: time.Second,
	}))
}

func checkout(t *testing.T, o *saga.Orchestrator) saga.Instance {
	t.Helper()
	s, err := o.Create(saga.Definition{
		SagaType:      "checkout",
		CorrelationID: "order-42",
		TenantID:      "t1",
		FirstStep:     "reserve_stock",
		CompensationSteps: map[string]string{
			"reserve_stock":  "release_stock",
			"charge_payment": "refund_payment",
		},
		Context: event.Payload{"order_id": "order-42"},
	})
	require.NoError(t, err)
	return s
}

func TestCreate(t *testing.T) {
	o := newOrchestrator()
	s := checkout(t, o)

	require.NotEmpty(t, s.ID)
	require.Equal(t, saga.StatusStarted, s.Status)
	require.Equal(t, "reserve_stock", s.CurrentStep)
	require.Empty(t, s.CompletedSteps)
	require.Equal(t, "order-42", s.Context["order_id"])

	_, err := o.Create(saga.Definition{})
	require.ErrorIs(t, err, saga.ErrInvalidDefinition)

	_, err = o.Create(saga.Definition{ID: s.ID, SagaType: "checkout"})
	require.ErrorIs(t, err, saga.ErrSagaExists)
}

func TestAdvanceRecordsPreviousStep(t *testing.T) {
	o := newOrchestrator()
	s := checkout(t, o)

	s, ok := o.Advance(s.ID, "charge_payment", event.Payload{"reserved": true})
	require.True(t, ok)
	require.Equal(t, []string{"reserve_stock"}, s.CompletedSteps)
	require.Equal(t, "charge_payment", s.CurrentStep)
	require.Equal(t, saga.StatusStarted, s.Status, "advancing never changes status")

	s, ok = o.Advance(s.ID, "ship", event.Payload{"charged": 10})
	require.True(t, ok)
	require.Equal(t, []string{"reserve_stock", "charge_payment"}, s.CompletedSteps)
	require.Equal(t, event.Payload{"order_id": "order-42", "reserved": true, "charged": 10}, s.Context)

	_, ok = o.Advance("missing", "x", nil)
	require.False(t, ok)
}

func TestCompleteIsIdempotent(t *testing.T) {
	o := newOrchestrator()
	s := checkout(t, o)
	require.False(t, o.Complete(s.ID), "started sagas cannot complete")

	require.NoError(t, o.Start(s.ID))
	require.True(t, o.Complete(s.ID))
	require.False(t, o.Complete(s.ID))
	require.False(t, o.Compensate(s.ID, "late failure"))

	got, ok := o.Get(s.ID)
	require.True(t, ok)
	require.Equal(t, saga.StatusCompleted, got.Status)

	_, ok = o.Advance(s.ID, "after", nil)
	require.False(t, ok)
	require.False(t, o.Complete("missing"))
}

func TestCompensatePlansReverseActions(t *testing.T) {
	o := newOrchestrator()
	s := checkout(t, o)
	require.NoError(t, o.Start(s.ID))
	_, _ = o.Advance(s.ID, "charge_payment", nil)
	_, _ = o.Advance(s.ID, "ship", nil)

	require.True(t, o.Compensate(s.ID, "carrier unavailable"))
	require.False(t, o.Compensate(s.ID, "again"))
	require.False(t, o.Complete(s.ID))

	got, _ := o.Get(s.ID)
	require.Equal(t, saga.StatusFailed, got.Status)
	require.Equal(t, "carrier unavailable", got.FailureReason)
	require.Equal(t, []string{"refund_payment", "release_stock"}, got.Compensated)
}

func TestCompensateFromStarted(t *testing.T) {
	o := newOrchestrator()
	s := checkout(t, o)
	require.True(t, o.Compensate(s.ID, "rejected"))

	got, _ := o.Get(s.ID)
	require.Equal(t, saga.StatusFailed, got.Status)
	require.Equal(t, []string{"release_stock"}, got.Compensated)
	require.False(t, o.Compensate("missing", "x"))
}

func TestBeginCompensationThenFail(t *testing.T) {
	o := newOrchestrator()
	s := checkout(t, o)

	began, err := o.BeginCompensation(s.ID, "payment declined")
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompensating, began.Status)
	require.Equal(t, []string{"release_stock"}, began.Compensated)

	require.False(t, o.Complete(s.ID), "compensation is one way")
	_, ok := o.Advance(s.ID, "charge_payment", nil)
	require.False(t, ok, "no forward steps once compensation began")
	got, _ := o.Get(s.ID)
	require.Equal(t, "reserve_stock", got.CurrentStep)
	require.Empty(t, got.CompletedSteps)
	require.ErrorIs(t, o.Start(s.ID), saga.ErrIllegalTransition)
	require.Equal(t, 1, o.ActiveCount())

	require.True(t, o.Compensate(s.ID, "ignored"), "compensating sagas are only failed")
	got, _ = o.Get(s.ID)
	require.Equal(t, saga.StatusFailed, got.Status)
	require.Equal(t, "payment declined", got.FailureReason)
	require.Zero(t, o.ActiveCount())
}

func TestTransitionTable(t *testing.T) {
	statuses := []saga.Status{
		saga.StatusStarted,
		saga.StatusInProgress,
		saga.StatusCompleted,
		saga.StatusCompensating,
		saga.StatusFailed,
	}
	legal := map[[2]saga.Status]bool{
		{saga.StatusStarted, saga.StatusInProgress}:      true,
		{saga.StatusStarted, saga.StatusCompensating}:    true,
		{saga.StatusInProgress, saga.StatusCompleted}:    true,
		{saga.StatusInProgress, saga.StatusCompensating}: true,
		{saga.StatusCompensating, saga.StatusFailed}:     true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			require.Equal(t, legal[[2]saga.Status{from, to}], saga.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionError(t *testing.T) {
	o := newOrchestrator()
	s := checkout(t, o)

	err := o.Transition(s.ID, saga.StatusCompleted)
	var terr *saga.TransitionError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, saga.StatusStarted, terr.From)
	require.Equal(t, saga.StatusCompleted, terr.To)

	require.ErrorIs(t, o.Transition("missing", saga.StatusFailed), saga.ErrSagaNotFound)
}

func TestListFiltersAndCopies(t *testing.T) {
	o := newOrchestrator()
	first := checkout(t, o)
	_, err := o.Create(saga.Definition{SagaType: "refund", TenantID: "t2"})
	require.NoError(t, err)

	require.Len(t, o.List(saga.Filter{}), 2)
	require.Len(t, o.List(saga.Filter{TenantID: "t1"}), 1)
	require.Len(t, o.List(saga.Filter{SagaType: "refund"}), 1)
	require.Empty(t, o.List(saga.Filter{Status: saga.StatusCompleted}))

	listed := o.List(saga.Filter{CorrelationID: "order-42"})
	require.Equal(t, first.ID, listed[0].ID)
	listed[0].Context["order_id"] = "mutated"
	got, _ := o.Get(first.ID)
	require.Equal(t, "order-42", got.Context["order_id"])
}
