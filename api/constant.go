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

// NATS Stream Names
const (
	EventStream = "EVENTCORE_EVENTS"
)

// NATS KV Buckets
const (
	RelayCheckpointBucket = "EVENTCORE_RELAY"
	RelayCheckpointKey    = "checkpoint"
)

// NATS Subject Prefix
const (
	EventSubjectPrefix   = "events"
	CommandSubjectPrefix = "eventcore.command"
)

// NATS Subject Format
const (
	EventPublishSubjectPattern  = EventSubjectPrefix + ".%s.%s.%s" // tenant, aggregate type, event type
	CommandRequestSubjectFormat = CommandSubjectPrefix + ".%s"     // command type
)

// NATS Subject Patterns
const (
	EventFilterSubjectPattern    = EventSubjectPrefix + ".>"
	CommandRequestSubjectPattern = CommandSubjectPrefix + ".>"
)

// Queue Groups
const (
	CommandProcessorsQueue = "eventcore-command-processors"
)

// Message Headers
const (
	HeaderEventID        = "Eventcore-Event-Id"
	HeaderTenantID       = "Eventcore-Tenant-Id"
	HeaderAggregateID    = "Eventcore-Aggregate-Id"
	HeaderStreamPosition = "Eventcore-Stream-Position"
	HeaderGlobalPosition = "Eventcore-Global-Position"
	HeaderSchemaVersion  = "Eventcore-Schema-Version"
	HeaderCorrelationID  = "Eventcore-Correlation-Id"
)
