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

package upcast_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/upcast"
)

func setField(key string, value any) upcast.Transform {
	return func(p event.Payload) (event.Payload, error) {
		p[key] = value
		return p, nil
	}
}

func recorded(schema int, payload event.Payload) event.DomainEvent {
	return event.DomainEvent{ID: "ev-1", EventType: "PriceSet", SchemaVersion: schema, Payload: payload}
}

func TestRegisterValidation(t *testing.T) {
	r := upcast.NewRegistry()

	cases := []upcast.Upcaster{
		{EventType: "", From: 1, To: 2, Transform: setField("a", 1)},
		{EventType: "PriceSet", From: 0, To: 2, Transform: setField("a", 1)},
		{EventType: "PriceSet", From: 2, To: 2, Transform: setField("a", 1)},
		{EventType: "PriceSet", From: 1, To: 2},
	}
	for _, u := range cases {
		require.ErrorIs(t, r.Register(u), upcast.ErrInvalidUpcaster, "%+v", u)
	}

	require.NoError(t, r.Register(upcast.Upcaster{EventType: "PriceSet", From: 1, To: 2, Transform: setField("a", 1)}))
	require.ErrorIs(t,
		r.Register(upcast.Upcaster{EventType: "PriceSet", From: 1, To: 3, Transform: setField("a", 1)}),
		upcast.ErrDuplicateUpcaster)
	require.Equal(t, 2, r.Latest("PriceSet"))
	require.Zero(t, r.Latest("Other"))
}

func TestChainComposes(t *testing.T) {
	r := upcast.NewRegistry()
	require.NoError(t, r.Register(upcast.Upcaster{EventType: "PriceSet", From: 2, To: 3, Transform: setField("currency", "EUR")}))
	require.NoError(t, r.Register(upcast.Upcaster{EventType: "PriceSet", From: 1, To: 2, Transform: setField("cents", true)}))

	original := recorded(1, event.Payload{"amount": 5})
	got, err := r.Upcast(original)
	require.NoError(t, err)
	require.Equal(t, 3, got.SchemaVersion)
	require.Equal(t, event.Payload{"amount": 5, "cents": true, "currency": "EUR"}, got.Payload)
	require.Equal(t, event.Payload{"amount": 5}, original.Payload, "the input event is never modified")

	fromTwo, err := r.Upcast(recorded(2, event.Payload{"amount": 5}))
	require.NoError(t, err)
	require.Equal(t, event.Payload{"amount": 5, "currency": "EUR"}, fromTwo.Payload)

	current, err := r.Upcast(recorded(3, event.Payload{"amount": 5}))
	require.NoError(t, err)
	require.Equal(t, event.Payload{"amount": 5}, current.Payload)
}

func TestSkippingUpcaster(t *testing.T) {
	r := upcast.NewRegistry()
	require.NoError(t, r.Register(upcast.Upcaster{EventType: "PriceSet", From: 1, To: 4, Transform: setField("jumped", true)}))

	got, err := r.Upcast(recorded(2, event.Payload{}))
	require.NoError(t, err)
	require.Equal(t, 4, got.SchemaVersion)
	require.Equal(t, event.Payload{"jumped": true}, got.Payload)
}

func TestGapReturnsOriginal(t *testing.T) {
	r := upcast.NewRegistry()
	require.NoError(t, r.Register(upcast.Upcaster{EventType: "PriceSet", From: 1, To: 2, Transform: setField("cents", true)}))
	require.NoError(t, r.Register(upcast.Upcaster{EventType: "PriceSet", From: 3, To: 4, Transform: setField("currency", "EUR")}))

	original := recorded(1, event.Payload{"amount": 5})
	got, err := r.Upcast(original)

	var gap *upcast.GapError
	require.True(t, errors.As(err, &gap))
	require.Equal(t, 2, gap.Reached)
	require.Equal(t, 4, gap.Target)
	require.Equal(t, original, got)
}

func TestTransformFailureReturnsOriginal(t *testing.T) {
	r := upcast.NewRegistry()
	boom := errors.New("boom")
	require.NoError(t, r.Register(upcast.Upcaster{EventType: "PriceSet", From: 1, To: 2, Transform: setField("cents", true)}))
	require.NoError(t, r.Register(upcast.Upcaster{
		EventType: "PriceSet", From: 2, To: 3,
		Transform: func(event.Payload) (event.Payload, error) { return nil, boom },
	}))

	original := recorded(1, event.Payload{"amount": 5})
	got, err := r.Upcast(original)

	require.ErrorIs(t, err, boom)
	var terr *upcast.TransformError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, 2, terr.From)
	require.Equal(t, original, got)
}

func TestOtherEventTypesUntouched(t *testing.T) {
	r := upcast.NewRegistry()
	require.NoError(t, r.Register(upcast.Upcaster{EventType: "PriceSet", From: 1, To: 2, Transform: setField("cents", true)}))

	ev := event.DomainEvent{EventType: "Other", SchemaVersion: 1, Payload: event.Payload{"x": 1}}
	got, err := r.Upcast(ev)
	require.NoError(t, err)
	require.Equal(t, ev, got)
}
