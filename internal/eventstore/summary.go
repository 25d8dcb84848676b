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

import "math"

type Summary struct {
	TotalEvents        int     `json:"total_events"`
	TotalStreams       int     `json:"total_streams"`
	ActiveProjections  int     `json:"active_projections"`
	ActiveSagas        int     `json:"active_sagas"`
	DeadLetterCount    int     `json:"dead_letter_count"`
	AvgEventsPerStream float64 `json:"avg_events_per_stream"`
	SnapshotCount      int     `json:"snapshot_count"`
	UpcastWarnings     uint64  `json:"upcast_warnings"`
	GlobalPosition     uint64  `json:"global_position"`
}

func (e *Engine) GetSummary() Summary {
	streams, snapshots, _ := e.streams.Stats()
	total := e.log.Len()

	avg := 0.0
	if streams > 0 {
		avg = math.Round(float64(total)/float64(streams)*100) / 100
	}
	return Summary{
		TotalEvents:        total,
		TotalStreams:       streams,
		ActiveProjections:  e.projections.ActiveCount(),
		ActiveSagas:        e.sagas.ActiveCount(),
		DeadLetterCount:    e.projections.DeadLetterCount(),
		AvgEventsPerStream: avg,
		SnapshotCount:      snapshots,
		UpcastWarnings:     e.upcastWarnings.Load(),
		GlobalPosition:     e.log.Head(),
	}
}
