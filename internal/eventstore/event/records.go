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
	"fmt"
	"iter"
)

// Records is a lazy sequence of events, used where reading can fail midway
// (for example when scanning an archive).
//
// Usage:
//
//	for ev, err := range records {
//	    if err != nil {
//	        // handle error
//	    }
//	    fmt.Println(ev.EventType, ev.GlobalPosition)
//	}
type Records iter.Seq2[DomainEvent, error]

// Collect consumes the iterator and returns the events or the first error.
func (r Records) Collect() ([]DomainEvent, error) {
	collected := []DomainEvent{}
	for record, err := range r {
		if err != nil {
			return nil, fmt.Errorf("records collect: %w", err)
		}
		collected = append(collected, record)
	}
	return collected, nil
}

// FromSlice adapts an in-memory slice to Records.
func FromSlice(events []DomainEvent) Records {
	return func(yield func(DomainEvent, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}
