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
// Package http serves the read-only HTTP surface of the engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ngnhng/eventcore/internal/eventstore"
	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/projection"
	"github.com/ngnhng/eventcore/internal/eventstore/saga"
	"github.com/ngnhng/eventcore/internal/eventstore/version"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func seededEngine(t *testing.T) (*eventstore.Engine, string) {
	t.Helper()
	engine := eventstore.New()
	t.Cleanup(engine.Close)

	if err := engine.RegisterProjection(t.Context(), projection.Definition{ID: "orders"}, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	failing := projection.Definition{
		ID: "broken",
		Fold: func(event.DomainEvent, projection.State) (projection.State, error) {
			return nil, errors.New("boom")
		},
	}
	if err := engine.RegisterProjection(t.Context(), failing, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, et := range []string{"OrderCreated", "OrderPaid", "OrderShipped"} {
		_, err := engine.AppendEvent(t.Context(), event.Draft{
			TenantID: "t1", AggregateID: "order-42", AggregateType: "order",
			EventType: et, Payload: event.Payload{"status": et},
		}, version.Any)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	instance, err := engine.CreateSaga(saga.Definition{SagaType: "checkout", FirstStep: "reserve"})
	if err != nil {
		t.Fatalf("create saga: %v", err)
	}
	return engine, instance.ID
}

func TestRoutes(t *testing.T) {
	engine, sagaID := seededEngine(t)
	handler := NewServer("", engine, fakePinger{}, nil).Handler()

	tests := []struct {
		name     string
		path     string
		wantCode int
		check    func(t *testing.T, body map[string]any)
	}{
		{
			name:     "health",
			path:     "/healthz",
			wantCode: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["status"] != "ok" {
					t.Errorf("status = %v", body["status"])
				}
			},
		},
		{
			name:     "ready",
			path:     "/readyz",
			wantCode: http.StatusOK,
		},
		{
			name:     "summary",
			path:     "/api/summary",
			wantCode: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["total_events"] != float64(3) || body["dead_letter_count"] != float64(3) {
					t.Errorf("summary = %v", body)
				}
			},
		},
		{
			name:     "projection",
			path:     "/api/projections/orders",
			wantCode: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["checkpoint_position"] != float64(3) {
					t.Errorf("projection = %v", body)
				}
				state := body["state"].(map[string]any)
				order := state["order-42"].(map[string]any)
				if order["status"] != "OrderShipped" {
					t.Errorf("state = %v", state)
				}
			},
		},
		{
			name:     "unknown projection",
			path:     "/api/projections/ghost",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "stream range",
			path:     "/api/streams/t1/order-42?from=2&to=2",
			wantCode: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				events := body["events"].([]any)
				if len(events) != 1 {
					t.Fatalf("events = %v", events)
				}
				if events[0].(map[string]any)["event_type"] != "OrderPaid" {
					t.Errorf("event = %v", events[0])
				}
				if body["stream"].(map[string]any)["version"] != float64(3) {
					t.Errorf("stream = %v", body["stream"])
				}
			},
		},
		{
			name:     "bad range",
			path:     "/api/streams/t1/order-42?from=x",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown stream",
			path:     "/api/streams/t1/nope",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "saga",
			path:     "/api/sagas/" + sagaID,
			wantCode: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["status"] != string(saga.StatusStarted) || body["current_step"] != "reserve" {
					t.Errorf("saga = %v", body)
				}
			},
		},
		{
			name:     "unknown saga",
			path:     "/api/sagas/ghost",
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if tt.check == nil {
				return
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			tt.check(t, body)
		})
	}
}

func TestDeadLettersLimit(t *testing.T) {
	engine, _ := seededEngine(t)
	handler := NewServer("", engine, nil, nil).Handler()

	tests := []struct {
		query    string
		wantCode int
		wantLen  int
	}{
		{"", http.StatusOK, 3},
		{"?limit=2", http.StatusOK, 2},
		{"?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dead-letters"+tt.query, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var letters []projection.DeadLetter
			if err := json.Unmarshal(rec.Body.Bytes(), &letters); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(letters) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(letters), tt.wantLen)
			}
			for _, l := range letters {
				if l.ProjectionID != "broken" {
					t.Errorf("unexpected dead letter %+v", l)
				}
			}
		})
	}
}

func TestReadyReportsNATSOutage(t *testing.T) {
	tests := []struct {
		name     string
		pinger   Pinger
		wantCode int
		wantNATS string
	}{
		{"disabled", nil, http.StatusOK, "disabled"},
		{"connected", fakePinger{}, http.StatusOK, "connected"},
		{"down", fakePinger{err: errors.New("nats connection is not established")}, http.StatusServiceUnavailable, "nats connection is not established"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.pinger).Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Checks["nats"] != tt.wantNATS {
				t.Errorf("nats check = %q, want %q", resp.Checks["nats"], tt.wantNATS)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	engine, _ := seededEngine(t)
	handler := NewServer("", engine, nil, nil).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/summary", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight code = %d headers = %v", rec.Code, rec.Header())
	}
}
