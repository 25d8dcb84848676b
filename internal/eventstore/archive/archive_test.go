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

package archive_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/eventcore/internal/eventstore"
	"github.com/ngnhng/eventcore/internal/eventstore/archive"
	"github.com/ngnhng/eventcore/internal/eventstore/event"
	"github.com/ngnhng/eventcore/internal/eventstore/projection"
	"github.com/ngnhng/eventcore/internal/eventstore/stream"
	"github.com/ngnhng/eventcore/internal/eventstore/version"
)

func openMem(t *testing.T, fs vfs.FS) *archive.Archive {
	t.Helper()
	a, err := archive.Open("archive", archive.WithFS(fs))
	require.NoError(t, err)
	return a
}

func appendAll(t *testing.T, e *eventstore.Engine, aggregate string, types ...string) {
	t.Helper()
	for _, et := range types {
		_, err := e.AppendEvent(t.Context(), event.Draft{
			TenantID:      "t1",
			AggregateID:   aggregate,
			AggregateType: "order",
			EventType:     et,
			Payload:       event.Payload{"status": et},
		}, version.Any)
		require.NoError(t, err)
	}
}

func TestSaveAndRestoreRoundTrip(t *testing.T) {
	fs := vfs.NewMem()
	source := eventstore.New()
	defer source.Close()

	appendAll(t, source, "order-1", "OrderCreated", "OrderPaid")
	appendAll(t, source, "order-2", "OrderCreated")
	require.True(t, source.TakeSnapshot(t.Context(), "t1", "order-1"))
	require.NoError(t, source.ArchiveStream("t1", "order-2"))

	a := openMem(t, fs)
	saved, err := a.Save(t.Context(), source)
	require.NoError(t, err)
	require.Equal(t, 3, saved)

	appendAll(t, source, "order-1", "OrderShipped")
	saved, err = a.Save(t.Context(), source)
	require.NoError(t, err)
	require.Equal(t, 1, saved, "only new events are written")

	last, err := a.LastPosition()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)
	require.NoError(t, a.Close())

	target := eventstore.New()
	defer target.Close()
	require.NoError(t, target.RegisterProjection(t.Context(), projection.Definition{ID: "orders"}, false))

	reopened := openMem(t, fs)
	defer reopened.Close()
	loaded, err := reopened.Restore(t.Context(), target)
	require.NoError(t, err)
	require.Equal(t, 4, loaded)

	want, _ := source.Export(t.Context(), 0, 0)
	got, head := target.Export(t.Context(), 0, 0)
	require.Equal(t, uint64(4), head)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].ID, got[i].ID)
		require.Equal(t, want[i].Payload, got[i].Payload)
		require.Equal(t, want[i].StreamPosition, got[i].StreamPosition)
		require.True(t, want[i].RecordedAt.Equal(got[i].RecordedAt))
	}

	restored, ok := target.GetStream("t1", "order-1")
	require.True(t, ok)
	require.Equal(t, version.Version(3), restored.Version)
	require.Equal(t, version.Version(2), restored.SnapshotVersion)
	require.Equal(t, "OrderPaid", restored.SnapshotData["status"])

	closed, ok := target.GetStream("t1", "order-2")
	require.True(t, ok)
	require.Equal(t, stream.StatusArchived, closed.Status)

	state := target.GetProjectionState("orders")
	require.Equal(t, "OrderShipped", state["order-1"].(event.Payload)["status"])
	require.Equal(t,
		source.ReplayAggregate(t.Context(), "t1", "order-1")["status"],
		target.ReplayAggregate(t.Context(), "t1", "order-1")["status"])
}

func TestRestoreEmptyArchive(t *testing.T) {
	a := openMem(t, vfs.NewMem())
	defer a.Close()

	target := eventstore.New()
	defer target.Close()
	loaded, err := a.Restore(t.Context(), target)
	require.NoError(t, err)
	require.Zero(t, loaded)
	require.Zero(t, target.GetSummary().TotalEvents)
}

func TestSaveRejectsDivergedEngine(t *testing.T) {
	a := openMem(t, vfs.NewMem())
	defer a.Close()

	full := eventstore.New()
	defer full.Close()
	appendAll(t, full, "order-1", "A", "B")
	_, err := a.Save(t.Context(), full)
	require.NoError(t, err)

	fresh := eventstore.New()
	defer fresh.Close()
	_, err = a.Save(t.Context(), fresh)
	require.ErrorIs(t, err, archive.ErrDiverged)
}

func TestSaveHonoursContext(t *testing.T) {
	a := openMem(t, vfs.NewMem())
	defer a.Close()

	e := eventstore.New()
	defer e.Close()
	appendAll(t, e, "order-1", "A")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := a.Save(ctx, e)
	require.ErrorIs(t, err, context.Canceled)

	last, err := a.LastPosition()
	require.NoError(t, err)
	require.Zero(t, last)
}
