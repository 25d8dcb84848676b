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
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ngnhng/eventcore/api"
)

// eventDedupeWindow bounds how long JetStream remembers Nats-Msg-Id values.
const eventDedupeWindow = 10 * time.Minute

func (m *Manager) ensureStreams(ctx context.Context) error {
	_, err := m.conn.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        api.EventStream,
		Description: "committed domain events relayed by eventcore",
		Subjects:    []string{api.EventFilterSubjectPattern},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  eventDedupeWindow,
	})
	if err != nil {
		m.logger.Error("error ensuring event stream", "stream", api.EventStream, "error", err)
		return fmt.Errorf("failed to ensure event stream: %w", err)
	}
	return nil
}

func (m *Manager) ensureKV(ctx context.Context) error {
	_, err := m.conn.EnsureKV(ctx, jetstream.KeyValueConfig{
		Bucket:      api.RelayCheckpointBucket,
		Description: "last global position published by the relay",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	return err
}
