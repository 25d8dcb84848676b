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
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ngnhng/eventcore/internal/eventstore"
	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/projection"
	"github.com/ngnhng/eventcore/internal/eventstore/stream"
	"github.com/ngnhng/eventcore/internal/eventstore/version"
)

// ReadHandler serves engine read models as JSON.
type ReadHandler struct {
	engine *eventstore.Engine
	logger *slog.Logger
}

func NewReadHandler(engine *eventstore.Engine, logger *slog.Logger) *ReadHandler {
	return &ReadHandler{engine: engine, logger: logger}
}

type errorResponse struct {
	Error string `json:"error"`
}

type projectionResponse struct {
	projection.Info
	State projection.State `json:"state"`
}

type streamResponse struct {
	Stream stream.Stream       `json:"stream"`
	Events []event.DomainEvent `json:"events"`
}

func (h *ReadHandler) Summary(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.GetSummary())
}

// DeadLetters lists the newest entries last; ?limit= keeps the newest n.
func (h *ReadHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.queryUint(w, r, "limit")
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.engine.ListDeadLetterQueue(int(limit)))
}

func (h *ReadHandler) Projections(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Projections().List())
}

func (h *ReadHandler) Projection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := h.engine.Projections().Info(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "projection "+id+" not found")
		return
	}
	h.writeJSON(w, http.StatusOK, projectionResponse{Info: info, State: h.engine.GetProjectionState(id)})
}

// Stream returns the stream record and its events; ?from= and ?to= bound the range.
func (h *ReadHandler) Stream(w http.ResponseWriter, r *http.Request) {
	tenant, aggregate := r.PathValue("tenant"), r.PathValue("aggregate")
	s, ok := h.engine.GetStream(tenant, aggregate)
	if !ok {
		h.writeError(w, http.StatusNotFound, "stream "+tenant+"/"+aggregate+" not found")
		return
	}
	from, ok := h.queryUint(w, r, "from")
	if !ok {
		return
	}
	to, ok := h.queryUint(w, r, "to")
	if !ok {
		return
	}
	events := h.engine.ReadStream(r.Context(), tenant, aggregate, version.Version(from), version.Version(to))
	h.writeJSON(w, http.StatusOK, streamResponse{Stream: s, Events: events})
}

func (h *ReadHandler) Saga(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	instance, ok := h.engine.Sagas().Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "saga "+id+" not found")
		return
	}
	h.writeJSON(w, http.StatusOK, instance)
}

func (h *ReadHandler) queryUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid "+name+": "+raw)
		return 0, false
	}
	return v, true
}

func (h *ReadHandler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, errorResponse{Error: msg})
}

func (h *ReadHandler) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
