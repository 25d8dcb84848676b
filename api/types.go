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

package api

type CommandType string

const (
	AppendCommand            CommandType = "append"
	ReadStreamCommand        CommandType = "read_stream"
	ReadAllCommand           CommandType = "read_all"
	ReplayCommand            CommandType = "replay"
	SnapshotCommand          CommandType = "snapshot"
	ProjectionStateCommand   CommandType = "projection_state"
	RebuildProjectionCommand CommandType = "rebuild_projection"
	DeadLettersCommand       CommandType = "dead_letters"
	SummaryCommand           CommandType = "summary"
)

type ErrorCode string

const (
	ErrorCodeBadRequest   ErrorCode = "bad_request"
	ErrorCodeConflict     ErrorCode = "conflict"
	ErrorCodeNotFound     ErrorCode = "not_found"
	ErrorCodeStreamClosed ErrorCode = "stream_closed"
	ErrorCodeUnavailable  ErrorCode = "unavailable"
	ErrorCodeInternal     ErrorCode = "internal"
)

type (
	// Command is the request envelope. Attributes hold the serialized attributes
	// struct matching CommandType.
	Command struct {
		CommandType CommandType `json:"type"       msgpack:"type"`
		Attributes  []byte      `json:"attributes" msgpack:"attributes"`
	}

	// Reply is the response envelope. Result holds the serialized result on success.
	Reply struct {
		Code   ErrorCode `json:"code,omitempty"   msgpack:"code,omitempty"`
		Error  string    `json:"error,omitempty"  msgpack:"error,omitempty"`
		Result []byte    `json:"result,omitempty" msgpack:"result,omitempty"`
	}
)

type (
	AppendAttributes struct {
		TenantID      string            `json:"tenant_id"                msgpack:"tenant_id"`
		AggregateID   string            `json:"aggregate_id"             msgpack:"aggregate_id"`
		AggregateType string            `json:"aggregate_type"           msgpack:"aggregate_type"`
		EventType     string            `json:"event_type"               msgpack:"event_type"`
		EventVersion  int               `json:"event_version,omitempty"  msgpack:"event_version,omitempty"`
		SchemaVersion int               `json:"schema_version,omitempty" msgpack:"schema_version,omitempty"`
		Payload       map[string]any    `json:"payload"                  msgpack:"payload"`
		Metadata      map[string]string `json:"metadata,omitempty"       msgpack:"metadata,omitempty"`
		CausationID   string            `json:"causation_id,omitempty"   msgpack:"causation_id,omitempty"`
		CorrelationID string            `json:"correlation_id,omitempty" msgpack:"correlation_id,omitempty"`
		// ExpectedVersion enables the optimistic concurrency check when set.
		ExpectedVersion *uint64 `json:"expected_version,omitempty" msgpack:"expected_version,omitempty"`
	}

	StreamAttributes struct {
		TenantID    string `json:"tenant_id"      msgpack:"tenant_id"`
		AggregateID string `json:"aggregate_id"   msgpack:"aggregate_id"`
		From        uint64 `json:"from,omitempty" msgpack:"from,omitempty"`
		To          uint64 `json:"to,omitempty"   msgpack:"to,omitempty"`
	}

	ReadAllAttributes struct {
		TenantID   string   `json:"tenant_id"             msgpack:"tenant_id"`
		EventTypes []string `json:"event_types,omitempty" msgpack:"event_types,omitempty"`
		// After is exclusive: events with a greater global position are returned.
		After uint64 `json:"after,omitempty" msgpack:"after,omitempty"`
		Limit int    `json:"limit,omitempty" msgpack:"limit,omitempty"`
	}

	ProjectionAttributes struct {
		ID string `json:"id" msgpack:"id"`
	}

	DeadLettersAttributes struct {
		Limit int `json:"limit,omitempty" msgpack:"limit,omitempty"`
	}

	SnapshotResult struct {
		Taken bool `json:"taken" msgpack:"taken"`
	}
)
