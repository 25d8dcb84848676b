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
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is satisfied by *jetstreamx.Connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	pinger    Pinger
	startTime time.Time
}

// NewHealthHandler creates a new health check handler
func NewHealthHandler(pinger Pinger) *HealthHandler {
	return &HealthHandler{
		pinger:    pinger,
		startTime: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// Health returns basic health status (always returns 200 if server is running)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, "ok", map[string]string{})
}

// Ready reports 503 while the NATS connection is down. Without NATS it is always ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	switch {
	case h.pinger == nil:
		checks["nats"] = "disabled"
	default:
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			checks["nats"] = err.Error()
			ready = false
		} else {
			checks["nats"] = "connected"
		}
	}

	if !ready {
		h.write(w, http.StatusServiceUnavailable, "not ready", checks)
		return
	}
	h.write(w, http.StatusOK, "ready", checks)
}

func (h *HealthHandler) write(w http.ResponseWriter, code int, status string, checks map[string]string) {
	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
