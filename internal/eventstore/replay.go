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

package eventstore

import (
	"context"
	"fmt"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
)

// Reducer applies one event to a typed aggregate state.
type Reducer[S any] func(state S, ev event.DomainEvent) (S, error)

// Replay folds a whole stream with a typed reducer instead of the payload merge of
// ReplayAggregate. Snapshots are not used, since they hold merged payloads.
//
// Usage:
//
//	type Order struct{ Status string }
//
//	order, err := eventstore.Replay(ctx, engine, "t1", "order-42", Order{},
//	    func(o Order, ev event.DomainEvent) (Order, error) {
//	        if s, ok := ev.Payload["status"].(string); ok {
//	            o.Status = s
//	        }
//	        return o, nil
//	    })
func Replay[S any](ctx context.Context, e *Engine, tenantID, aggregateID string, initial S, reduce Reducer[S]) (S, error) {
	state := initial
	for _, ev := range e.ReadStream(ctx, tenantID, aggregateID, 0, 0) {
		next, err := reduce(state, ev)
		if err != nil {
			return initial, fmt.Errorf("replay %s/%s at %d: %w", tenantID, aggregateID, ev.StreamPosition, err)
		}
		state = next
	}
	if err := ctx.Err(); err != nil {
		return initial, fmt.Errorf("replay %s/%s: %w", tenantID, aggregateID, err)
	}
	return state, nil
}
