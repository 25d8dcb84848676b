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

// Package command serves engine operations over NATS request/reply.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ngnhng/eventcore/api"
	"github.com/ngnhng/eventcore/api/serde"
	"github.com/ngnhng/eventcore/internal/eventstore"
	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/projection"
	"github.com/ngnhng/eventcore/internal/eventstore/stream"
	"github.com/ngnhng/eventcore/internal/eventstore/version"
)

var errBadRequest = errors.New("bad request")

type Handler struct {
	engine  *eventstore.Engine
	conv    serde.BinarySerde
	logger  *slog.Logger
	timeout time.Duration
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithTimeout bounds every request handled from NATS.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

func NewHandler(engine *eventstore.Engine, conv serde.BinarySerde, opts ...Option) *Handler {
	h := &Handler{
		engine: engine,
		conv:   conv,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "command")
	return h
}

// Handle executes one command. Failures carry a non-empty Code.
func (h *Handler) Handle(ctx context.Context, cmd api.Command) api.Reply {
	result, err := h.dispatch(ctx, cmd)
	if err != nil {
		code := Code(err)
		if code == api.ErrorCodeInternal {
			h.logger.Error("command failed", "type", cmd.CommandType, "error", err)
		} else {
			h.logger.Debug("command rejected", "type", cmd.CommandType, "code", code, "error", err)
		}
		return api.Reply{Code: code, Error: err.Error()}
	}

	data, err := h.conv.SerializeBinary(result)
	if err != nil {
		return api.Reply{Code: api.ErrorCodeInternal, Error: err.Error()}
	}
	return api.Reply{Result: data}
}

func (h *Handler) dispatch(ctx context.Context, cmd api.Command) (any, error) {
	switch cmd.CommandType {
	case api.AppendCommand:
		var attrs api.AppendAttributes
		if err := h.decode(cmd, &attrs); err != nil {
			return nil, err
		}
		var check version.Check = version.Any
		if attrs.ExpectedVersion != nil {
			check = version.CheckExact(*attrs.ExpectedVersion)
		}
		return h.engine.AppendEvent(ctx, event.Draft{
			TenantID:      attrs.TenantID,
			AggregateID:   attrs.AggregateID,
			AggregateType: attrs.AggregateType,
			EventType:     attrs.EventType,
			EventVersion:  attrs.EventVersion,
			SchemaVersion: attrs.SchemaVersion,
			Payload:       attrs.Payload,
			Metadata:      attrs.Metadata,
			CausationID:   attrs.CausationID,
			CorrelationID: attrs.CorrelationID,
		}, check)

	case api.ReadStreamCommand:
		attrs, err := h.streamAttributes(cmd)
		if err != nil {
			return nil, err
		}
		return h.engine.ReadStream(ctx, attrs.TenantID, attrs.AggregateID, version.Version(attrs.From), version.Version(attrs.To)), nil

	case api.ReadAllCommand:
		var attrs api.ReadAllAttributes
		if err := h.decode(cmd, &attrs); err != nil {
			return nil, err
		}
		return h.engine.ReadAllByType(ctx, attrs.TenantID, attrs.EventTypes, attrs.After, attrs.Limit), nil

	case api.ReplayCommand:
		attrs, err := h.streamAttributes(cmd)
		if err != nil {
			return nil, err
		}
		state := h.engine.ReplayAggregate(ctx, attrs.TenantID, attrs.AggregateID)
		if state == nil {
			return nil, fmt.Errorf("replay %s/%s: %w", attrs.TenantID, attrs.AggregateID, stream.ErrStreamNotFound)
		}
		return state, nil

	case api.SnapshotCommand:
		attrs, err := h.streamAttributes(cmd)
		if err != nil {
			return nil, err
		}
		if _, ok := h.engine.GetStream(attrs.TenantID, attrs.AggregateID); !ok {
			return nil, fmt.Errorf("snapshot %s/%s: %w", attrs.TenantID, attrs.AggregateID, stream.ErrStreamNotFound)
		}
		return api.SnapshotResult{Taken: h.engine.TakeSnapshot(ctx, attrs.TenantID, attrs.AggregateID)}, nil

	case api.ProjectionStateCommand:
		id, err := h.projectionID(cmd)
		if err != nil {
			return nil, err
		}
		info, ok := h.engine.Projections().Info(id)
		if !ok {
			return nil, fmt.Errorf("projection %s: %w", id, projection.ErrProjectionNotFound)
		}
		return struct {
			projection.Info
			State projection.State `json:"state" msgpack:"state"`
		}{info, h.engine.GetProjectionState(id)}, nil

	case api.RebuildProjectionCommand:
		id, err := h.projectionID(cmd)
		if err != nil {
			return nil, err
		}
		if err := h.engine.RebuildProjection(ctx, id); err != nil {
			return nil, err
		}
		info, _ := h.engine.Projections().Info(id)
		return info, nil

	case api.DeadLettersCommand:
		var attrs api.DeadLettersAttributes
		if len(cmd.Attributes) > 0 {
			if err := h.decode(cmd, &attrs); err != nil {
				return nil, err
			}
		}
		return h.engine.ListDeadLetterQueue(attrs.Limit), nil

	case api.SummaryCommand:
		return h.engine.GetSummary(), nil

	default:
		return nil, fmt.Errorf("%w: unknown command type %q", errBadRequest, cmd.CommandType)
	}
}

func (h *Handler) decode(cmd api.Command, into any) error {
	if err := h.conv.DeserializeBinary(cmd.Attributes, into); err != nil {
		return fmt.Errorf("%w: %s attributes: %v", errBadRequest, cmd.CommandType, err)
	}
	return nil
}

func (h *Handler) streamAttributes(cmd api.Command) (api.StreamAttributes, error) {
	var attrs api.StreamAttributes
	if err := h.decode(cmd, &attrs); err != nil {
		return attrs, err
	}
	if attrs.TenantID == "" || attrs.AggregateID == "" {
		return attrs, fmt.Errorf("%w: tenant_id and aggregate_id are required", errBadRequest)
	}
	return attrs, nil
}

func (h *Handler) projectionID(cmd api.Command) (string, error) {
	var attrs api.ProjectionAttributes
	if err := h.decode(cmd, &attrs); err != nil {
		return "", err
	}
	if attrs.ID == "" {
		return "", fmt.Errorf("%w: projection id is required", errBadRequest)
	}
	return attrs.ID, nil
}

// Code maps engine errors to wire error codes.
func Code(err error) api.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errBadRequest),
		errors.Is(err, event.ErrInvalidDraft),
		errors.Is(err, projection.ErrInvalidDefinition):
		return api.ErrorCodeBadRequest
	case errors.Is(err, version.ErrConcurrencyConflict),
		errors.Is(err, projection.ErrRebuildInProgress):
		return api.ErrorCodeConflict
	case errors.Is(err, stream.ErrStreamClosed):
		return api.ErrorCodeStreamClosed
	case errors.Is(err, stream.ErrStreamNotFound),
		errors.Is(err, projection.ErrProjectionNotFound):
		return api.ErrorCodeNotFound
	case errors.Is(err, eventstore.ErrClosed),
		errors.Is(err, projection.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return api.ErrorCodeUnavailable
	default:
		return api.ErrorCodeInternal
	}
}

// HandleRequest is the NATS message callback. The command type falls back to the
// last subject token when the envelope leaves it empty.
func (h *Handler) HandleRequest(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in request handler", "subject", msg.Subject, "error", r)
			h.respond(msg, api.Reply{Code: api.ErrorCodeInternal, Error: fmt.Sprint(r)})
		}
	}()

	var cmd api.Command
	if err := h.conv.DeserializeBinary(msg.Data, &cmd); err != nil {
		h.respond(msg, api.Reply{Code: api.ErrorCodeBadRequest, Error: "malformed command: " + err.Error()})
		return
	}
	if cmd.CommandType == "" {
		if i := strings.LastIndexByte(msg.Subject, '.'); i >= 0 {
			cmd.CommandType = api.CommandType(msg.Subject[i+1:])
		}
	}

	ctx := context.Background()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	h.respond(msg, h.Handle(ctx, cmd))
}

func (h *Handler) respond(msg *nats.Msg, reply api.Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := h.conv.SerializeBinary(reply)
	if err != nil {
		h.logger.Error("failed to encode reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		h.logger.Warn("failed to send reply", "subject", msg.Subject, "error", err)
	}
}

// Subscriber is satisfied by *jetstreamx.Connection.
type Subscriber interface {
	QueueSubscribe(subj, queue string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// RunProcessor serves commands on the queue group until ctx is done.
func RunProcessor(ctx context.Context, conn Subscriber, handler *Handler) error {
	sub, err := conn.QueueSubscribe(
		api.CommandRequestSubjectPattern,
		api.CommandProcessorsQueue,
		handler.HandleRequest,
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			handler.logger.Warn("unsubscribe failed", "error", err)
		}
	}()

	<-ctx.Done()
	return nil
}
