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

package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/ngnhng/eventcore/internal/eventstore/version"
)

// ErrInvalidDraft is returned when a draft lacks the fields required to place it in a stream.
var ErrInvalidDraft = errors.New("invalid event draft")

// Payload is the opaque structured body of an event. Its shape is identified by
// (EventType, SchemaVersion).
type Payload map[string]any

// Metadata carries free-form string annotations such as the acting user or request id.
type Metadata map[string]string

// Key identifies one aggregate stream.
type Key struct {
	TenantID    string `json:"tenant_id"    msgpack:"tenant_id"`
	AggregateID string `json:"aggregate_id" msgpack:"aggregate_id"`
}

func (k Key) String() string { return k.TenantID + "/" + k.AggregateID }

// Draft is what a caller hands to the engine. Positions and RecordedAt are assigned
// on append.
type Draft struct {
	// ID is optional; a UUIDv7 is generated when empty.
	ID            string
	TenantID      string
	AggregateID   string
	AggregateType string
	EventType     string
	// EventVersion is assigned by the producer and stored untouched.
	EventVersion int
	// SchemaVersion identifies the payload shape. Zero means 1.
	SchemaVersion int
	Payload       Payload
	Metadata      Metadata
	CausationID   string
	CorrelationID string
	// OccurredAt defaults to the recording time.
	OccurredAt time.Time
}

func (d Draft) Key() Key {
	return Key{TenantID: d.TenantID, AggregateID: d.AggregateID}
}

// Validate checks the fields needed to address the stream and route the event.
func (d Draft) Validate() error {
	var missing []string
	if strings.TrimSpace(d.TenantID) == "" {
		missing = append(missing, "tenant id")
	}
	if strings.TrimSpace(d.AggregateID) == "" {
		missing = append(missing, "aggregate id")
	}
	if strings.TrimSpace(d.AggregateType) == "" {
		missing = append(missing, "aggregate type")
	}
	if strings.TrimSpace(d.EventType) == "" {
		missing = append(missing, "event type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidDraft, strings.Join(missing, ", "))
	}
	if d.SchemaVersion < 0 {
		return fmt.Errorf("%w: negative schema version %d", ErrInvalidDraft, d.SchemaVersion)
	}
	return nil
}

// DomainEvent is an immutable recorded fact.
type DomainEvent struct {
	ID             string          `json:"id"              msgpack:"id"`
	TenantID       string          `json:"tenant_id"       msgpack:"tenant_id"`
	AggregateID    string          `json:"aggregate_id"    msgpack:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"  msgpack:"aggregate_type"`
	EventType      string          `json:"event_type"      msgpack:"event_type"`
	EventVersion   int             `json:"event_version"   msgpack:"event_version"`
	SchemaVersion  int             `json:"schema_version"  msgpack:"schema_version"`
	Payload        Payload         `json:"payload"         msgpack:"payload"`
	Metadata       Metadata        `json:"metadata"        msgpack:"metadata"`
	StreamPosition version.Version `json:"stream_position" msgpack:"stream_position"`
	GlobalPosition uint64          `json:"global_position" msgpack:"global_position"`
	CausationID    string          `json:"causation_id"    msgpack:"causation_id"`
	CorrelationID  string          `json:"correlation_id"  msgpack:"correlation_id"`
	OccurredAt     time.Time       `json:"occurred_at"     msgpack:"occurred_at"`
	RecordedAt     time.Time       `json:"recorded_at"     msgpack:"recorded_at"`
}

func (e DomainEvent) Key() Key {
	return Key{TenantID: e.TenantID, AggregateID: e.AggregateID}
}

// Clone returns a copy that shares no mutable state with e.
func (e DomainEvent) Clone() DomainEvent {
	e.Payload = e.Payload.Clone()
	e.Metadata = e.Metadata.Clone()
	return e
}

// Record turns a validated draft into an event at the given positions.
func Record(d Draft, streamPos version.Version, globalPos uint64, now time.Time) (DomainEvent, error) {
	id := d.ID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return DomainEvent{}, fmt.Errorf("record event: generate id: %w", err)
		}
		id = v7.String()
	}
	schema := d.SchemaVersion
	if schema == 0 {
		schema = 1
	}
	occurred := d.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	return DomainEvent{
		ID:             id,
		TenantID:       d.TenantID,
		AggregateID:    d.AggregateID,
		AggregateType:  d.AggregateType,
		EventType:      d.EventType,
		EventVersion:   d.EventVersion,
		SchemaVersion:  schema,
		Payload:        d.Payload.Clone(),
		Metadata:       d.Metadata.Clone(),
		StreamPosition: streamPos,
		GlobalPosition: globalPos,
		CausationID:    d.CausationID,
		CorrelationID:  d.CorrelationID,
		OccurredAt:     occurred,
		RecordedAt:     now,
	}, nil
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone deep-copies nested maps and slices. Scalars are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return Payload(cloneMap(p))
}

// Merge shallow-merges src into a copy of p; keys in src win.
func (p Payload) Merge(src Payload) Payload {
	out := make(Payload, len(p)+len(src))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range src {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies the map/slice shapes produced by JSON-like decoders.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}
