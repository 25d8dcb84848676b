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

package relay

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ngnhng/eventcore/api"
	"github.com/ngnhng/eventcore/api/serde"
	"github.com/ngnhng/eventcore/internal/eventstore"
	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/version"
)

type fakePublisher struct {
	mu        sync.Mutex
	msgs      []*nats.Msg
	fail      error
	rejecting string
}

// reject fails every publish to subject until called again with "".
func (f *fakePublisher) reject(subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejecting = subject
}

func (f *fakePublisher) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	if f.rejecting != "" && msg.Subject == f.rejecting {
		return nil, errors.New("stream unavailable")
	}
	f.msgs = append(f.msgs, msg)
	return &jetstream.PubAck{Stream: api.EventStream, Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakePublisher) published() []*nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nats.Msg(nil), f.msgs...)
}

type fakeCheckpoints struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (f *fakeCheckpoints) Get(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[bucket+"/"+key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeCheckpoints) Set(_ context.Context, bucket, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = map[string][]byte{}
	}
	f.values[bucket+"/"+key] = value
	return uint64(len(f.values)), nil
}

func appendEvents(t *testing.T, engine *eventstore.Engine, types ...string) {
	t.Helper()
	for _, et := range types {
		_, err := engine.AppendEvent(t.Context(), event.Draft{
			TenantID:      "acme",
			AggregateID:   "order-42",
			AggregateType: "order",
			EventType:     et,
			Payload:       event.Payload{"type": et},
			CorrelationID: "corr-1",
		}, version.Any)
		if err != nil {
			t.Fatalf("append %s: %v", et, err)
		}
	}
}

func TestRelayPublishesCommittedEvents(t *testing.T) {
	pub := &fakePublisher{}
	cp := &fakeCheckpoints{}
	r := New(pub, cp, &serde.JsonSerde{})

	engine := eventstore.New()
	defer engine.Close()
	if err := engine.RegisterProjection(t.Context(), r.Definition(), false); err != nil {
		t.Fatalf("register: %v", err)
	}

	appendEvents(t, engine, "OrderCreated", "OrderShipped")
	if err := engine.Projections().Flush(t.Context(), ProjectionID); err != nil {
		t.Fatalf("flush: %v", err)
	}

	msgs := pub.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	first := msgs[0]
	if first.Subject != "events.acme.order.OrderCreated" {
		t.Errorf("subject = %q", first.Subject)
	}
	tests := []struct {
		header string
		want   string
	}{
		{api.HeaderStreamPosition, "1"},
		{api.HeaderGlobalPosition, "1"},
		{api.HeaderSchemaVersion, "1"},
		{api.HeaderTenantID, "acme"},
		{api.HeaderCorrelationID, "corr-1"},
		{"Content-Type", "application/json"},
	}
	for _, tt := range tests {
		if got := first.Header.Get(tt.header); got != tt.want {
			t.Errorf("header %s = %q, want %q", tt.header, got, tt.want)
		}
	}
	if first.Header.Get(nats.MsgIdHdr) == "" || first.Header.Get(nats.MsgIdHdr) != first.Header.Get(api.HeaderEventID) {
		t.Errorf("message id header must carry the event id: %v", first.Header)
	}

	var decoded event.DomainEvent
	if err := (&serde.JsonSerde{}).DeserializeBinary(msgs[1].Data, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.EventType != "OrderShipped" || decoded.StreamPosition != 2 {
		t.Errorf("decoded = %+v", decoded)
	}

	if r.Checkpoint() != 2 {
		t.Errorf("checkpoint = %d, want 2", r.Checkpoint())
	}
	if raw, _ := cp.Get(t.Context(), api.RelayCheckpointBucket, api.RelayCheckpointKey); string(raw) != "2" {
		t.Errorf("persisted checkpoint = %q", raw)
	}
	state := engine.GetProjectionState(ProjectionID)
	if state["published"] != uint64(2) {
		t.Errorf("state = %v", state)
	}
}

func TestRelaySkipsPublishedPositions(t *testing.T) {
	pub := &fakePublisher{}
	cp := &fakeCheckpoints{values: map[string][]byte{
		api.RelayCheckpointBucket + "/" + api.RelayCheckpointKey: []byte(strconv.Itoa(2)),
	}}
	r := New(pub, cp, &serde.MsgpackSerde{})
	if err := r.Load(t.Context()); err != nil {
		t.Fatalf("load: %v", err)
	}

	engine := eventstore.New()
	defer engine.Close()
	appendEvents(t, engine, "A", "B", "C")

	if err := engine.RegisterProjection(t.Context(), r.Definition(), true); err != nil {
		t.Fatalf("register with rebuild: %v", err)
	}

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].Header.Get(api.HeaderGlobalPosition) != "3" {
		t.Errorf("unexpected message %v", msgs[0].Header)
	}
}

func TestRelayFailuresDeadLetter(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("no responders")}
	r := New(pub, nil, &serde.JsonSerde{})

	engine := eventstore.New()
	defer engine.Close()
	if err := engine.RegisterProjection(t.Context(), r.Definition(), false); err != nil {
		t.Fatalf("register: %v", err)
	}
	appendEvents(t, engine, "OrderCreated")
	if err := engine.Projections().Flush(t.Context(), ProjectionID); err != nil {
		t.Fatalf("flush: %v", err)
	}

	letters := engine.ListDeadLetterQueue(0)
	if len(letters) != 1 || letters[0].ProjectionID != ProjectionID {
		t.Fatalf("dead letters = %+v", letters)
	}
	if r.Checkpoint() != 0 {
		t.Errorf("checkpoint advanced on failure: %d", r.Checkpoint())
	}
}

func TestRelayCheckpointHoldsBelowFailures(t *testing.T) {
	pub := &fakePublisher{}
	pub.reject("events.acme.order.OrderCreated")
	cp := &fakeCheckpoints{}
	r := New(pub, cp, &serde.JsonSerde{})

	engine := eventstore.New()
	defer engine.Close()
	if err := engine.RegisterProjection(t.Context(), r.Definition(), false); err != nil {
		t.Fatalf("register: %v", err)
	}
	appendEvents(t, engine, "OrderCreated", "OrderShipped")
	if err := engine.Projections().Flush(t.Context(), ProjectionID); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := len(pub.published()); got != 1 {
		t.Fatalf("published %d messages, want 1", got)
	}
	if r.Checkpoint() != 0 {
		t.Errorf("checkpoint = %d, want 0 while position 1 is unpublished", r.Checkpoint())
	}
	if _, err := cp.Get(t.Context(), api.RelayCheckpointBucket, api.RelayCheckpointKey); !errors.Is(err, jetstream.ErrKeyNotFound) {
		t.Errorf("checkpoint persisted past a failure: %v", err)
	}
	if got := r.Failed(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Failed() = %v, want [1]", got)
	}

	pub.reject("")
	if err := engine.RebuildProjection(t.Context(), ProjectionID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	msgs := pub.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages after rebuild, want 2", len(msgs))
	}
	if msgs[1].Subject != "events.acme.order.OrderCreated" {
		t.Errorf("rebuild published %q, want only the failed event", msgs[1].Subject)
	}
	if r.Checkpoint() != 2 {
		t.Errorf("checkpoint = %d, want 2", r.Checkpoint())
	}
	if raw, _ := cp.Get(t.Context(), api.RelayCheckpointBucket, api.RelayCheckpointKey); string(raw) != "2" {
		t.Errorf("persisted checkpoint = %q, want 2", raw)
	}
	if got := r.Failed(); len(got) != 0 {
		t.Errorf("Failed() = %v after rebuild", got)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string][]byte
		want    uint64
		wantErr bool
	}{
		{name: "missing key", want: 0},
		{name: "stored", values: map[string][]byte{api.RelayCheckpointBucket + "/" + api.RelayCheckpointKey: []byte("41")}, want: 41},
		{name: "corrupt", values: map[string][]byte{api.RelayCheckpointBucket + "/" + api.RelayCheckpointKey: []byte("x")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(&fakePublisher{}, &fakeCheckpoints{values: tt.values}, &serde.JsonSerde{})
			err := r.Load(t.Context())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if r.Checkpoint() != tt.want {
				t.Errorf("Checkpoint() = %d, want %d", r.Checkpoint(), tt.want)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		ev   event.DomainEvent
		want string
	}{
		{event.DomainEvent{TenantID: "t1", AggregateType: "order", EventType: "Created"}, "events.t1.order.Created"},
		{event.DomainEvent{TenantID: "a.b", AggregateType: "", EventType: "x>y z"}, "events.a_b._.x_y_z"},
	}
	for _, tt := range tests {
		if got := Subject(tt.ev); got != tt.want {
			t.Errorf("Subject(%+v) = %q, want %q", tt.ev, got, tt.want)
		}
	}
}
