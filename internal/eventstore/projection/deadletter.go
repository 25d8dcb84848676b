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

package projection

import (
	"sync"
	"time"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
)

// DefaultDeadLetterCapacity bounds the dead-letter queue when no capacity is configured.
const DefaultDeadLetterCapacity = 1000

// DeadLetter is an event a projection failed to fold.
type DeadLetter struct {
	ProjectionID string            `json:"projection_id"`
	Event        event.DomainEvent `json:"event"`
	Error        string            `json:"error"`
	Timestamp    time.Time         `json:"timestamp"`
}

// deadLetters keeps the most recent failures; the oldest entry is dropped once full.
type deadLetters struct {
	mu       sync.Mutex
	entries  []DeadLetter
	capacity int
	dropped  uint64
}

func newDeadLetters(capacity int) *deadLetters {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	return &deadLetters{capacity: capacity}
}

func (q *deadLetters) push(entry DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == q.capacity {
		copy(q.entries, q.entries[1:])
		q.entries = q.entries[:len(q.entries)-1]
		q.dropped++
	}
	q.entries = append(q.entries, entry)
}

// list returns the newest limit entries, oldest first. limit <= 0 returns all.
func (q *deadLetters) list(limit int) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	start := 0
	if limit > 0 && limit < len(q.entries) {
		start = len(q.entries) - limit
	}
	out := make([]DeadLetter, 0, len(q.entries)-start)
	for _, entry := range q.entries[start:] {
		entry.Event = entry.Event.Clone()
		out = append(out, entry)
	}
	return out
}

func (q *deadLetters) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *deadLetters) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
