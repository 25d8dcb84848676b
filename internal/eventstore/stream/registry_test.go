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

package stream_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/stream"
	"github.com/ngnhng/eventcore/internal/eventstore/version"
)

var (
	key = event.Key{TenantID: "t1", AggregateID: "order-1"}
	now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

func recorded(pos version.Version) event.DomainEvent {
	return event.DomainEvent{
		TenantID:       key.TenantID,
		AggregateID:    key.AggregateID,
		AggregateType:  "order",
		EventType:      "Step",
		StreamPosition: pos,
		GlobalPosition: uint64(pos),
		RecordedAt:     now.Add(time.Duration(pos) * time.Second),
	}
}

func TestCommitCreatesAndAdvances(t *testing.T) {
	r := stream.NewRegistry()
	_, ok := r.Get(key)
	require.False(t, ok)
	require.NoError(t, r.CheckAppend(key, version.CheckExact(0)))

	_, err := r.Commit(recorded(1))
	require.NoError(t, err)
	s, err := r.Commit(recorded(2))
	require.NoError(t, err)

	require.Equal(t, version.Version(2), s.Version)
	require.Equal(t, 2, s.EventCount)
	require.Equal(t, stream.StatusActive, s.Status)
	require.Equal(t, now.Add(time.Second), s.CreatedAt)
	require.Equal(t, now.Add(2*time.Second), s.UpdatedAt)
	require.Equal(t, version.Version(2), r.Version(key))

	_, err = r.Commit(recorded(4))
	require.ErrorIs(t, err, stream.ErrVersionSkew)
}

func TestCheckAppend(t *testing.T) {
	r := stream.NewRegistry()
	_, err := r.Commit(recorded(1))
	require.NoError(t, err)

	require.NoError(t, r.CheckAppend(key, version.CheckExact(1)))
	require.NoError(t, r.CheckAppend(key, version.Any))
	require.NoError(t, r.CheckAppend(key, nil))
	require.ErrorIs(t, r.CheckAppend(key, version.CheckExact(0)), version.ErrConcurrencyConflict)

	require.NoError(t, r.SetStatus(key, stream.StatusArchived, now))
	require.ErrorIs(t, r.CheckAppend(key, version.Any), stream.ErrStreamClosed)
}

func TestSnapshots(t *testing.T) {
	r := stream.NewRegistry()
	require.ErrorIs(t, r.SaveSnapshot(key, 1, event.Payload{}, now), stream.ErrStreamNotFound)

	_, err := r.Commit(recorded(1))
	require.NoError(t, err)
	require.ErrorIs(t, r.SaveSnapshot(key, 2, event.Payload{}, now), stream.ErrSnapshotAhead)

	data := event.Payload{"total": 1}
	require.NoError(t, r.SaveSnapshot(key, 1, data, now))
	data["total"] = 2

	s, _ := r.Get(key)
	require.True(t, s.HasSnapshot())
	require.Equal(t, version.Version(1), s.SnapshotVersion)
	require.Equal(t, event.Payload{"total": 1}, s.SnapshotData)

	streams, snapshots, events := r.Stats()
	require.Equal(t, 1, streams)
	require.Equal(t, 1, snapshots)
	require.Equal(t, 1, events)
}

func TestSetStatus(t *testing.T) {
	r := stream.NewRegistry()
	require.ErrorIs(t, r.SetStatus(key, stream.StatusArchived, now), stream.ErrStreamNotFound)

	_, err := r.Commit(recorded(1))
	require.NoError(t, err)
	require.ErrorIs(t, r.SetStatus(key, "frozen", now), stream.ErrInvalidStatus)
	require.NoError(t, r.SetStatus(key, stream.StatusArchived, now))
	require.NoError(t, r.SetStatus(key, stream.StatusActive, now))
	require.NoError(t, r.SetStatus(key, stream.StatusDeleted, now))
	require.ErrorIs(t, r.SetStatus(key, stream.StatusActive, now), stream.ErrStatusIrrevocable)
}

func TestListAndRestore(t *testing.T) {
	r := stream.NewRegistry()
	for _, agg := range []string{"b", "a"} {
		ev := recorded(1)
		ev.AggregateID = agg
		_, err := r.Commit(ev)
		require.NoError(t, err)
	}

	listed := r.List()
	require.Len(t, listed, 2)
	require.Equal(t, "a", listed[0].AggregateID)

	restored := stream.NewRegistry()
	restored.Restore(listed)
	require.Equal(t, listed, restored.List())

	restored.Restore(nil)
	require.Empty(t, restored.List())
}

func TestStrategies(t *testing.T) {
	every := stream.EveryNEvents(3)
	require.False(t, every.ShouldSnapshot(0, 2, "Step"))
	require.True(t, every.ShouldSnapshot(2, 3, "Step"))
	require.False(t, every.ShouldSnapshot(3, 4, "Step"))
	require.True(t, every.ShouldSnapshot(5, 7, "Step"), "crossing a multiple counts")
	require.False(t, stream.EveryNEvents(0).ShouldSnapshot(0, 100, "Step"))

	onShipped := stream.OnEvents("OrderShipped")
	require.True(t, onShipped.ShouldSnapshot(0, 1, "OrderShipped"))
	require.False(t, onShipped.ShouldSnapshot(0, 1, "OrderCreated"))

	combined := stream.AnyOf(stream.Never{}, onShipped, every)
	require.True(t, combined.ShouldSnapshot(2, 3, "OrderCreated"))
	require.True(t, combined.ShouldSnapshot(0, 1, "OrderShipped"))
	require.False(t, combined.ShouldSnapshot(0, 1, "OrderCreated"))
}
