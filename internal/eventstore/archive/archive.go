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

// Package archive saves the engine's log to a pebble database and loads it back.
// Saves are explicit and incremental; it is not a write-ahead log.
//
// Layout:
//
//	ge/<8-byte big-endian global position>  msgpack event.DomainEvent
//	s/<tenant>\x00<aggregate>                 msgpack eventstore.StreamState
//	meta/last                                 8-byte big-endian position of the last saved event
package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/ngnhng/eventcore/api/serde"
	"github.com/ngnhng/eventcore/internal/eventstore"
	"github.com/ngnhng/eventcore/internal/eventstore/event"
)

var (
	ErrDiverged = errors.New("archive is ahead of the engine")
	ErrCorrupt  = errors.New("archive is corrupt")
)

var (
	eventPrefix = []byte("ge/")
	statePrefix = []byte("s/")
	lastKey     = []byte("meta/last")
)

// Source is satisfied by *eventstore.Engine.
type Source interface {
	Export(ctx context.Context, after uint64, limit int) ([]event.DomainEvent, uint64)
	StreamStates() []eventstore.StreamState
}

// Target is satisfied by *eventstore.Engine.
type Target interface {
	Restore(ctx context.Context, events []event.DomainEvent, states []eventstore.StreamState) error
}

type Archive struct {
	db     *pebble.DB
	codec  serde.BinarySerde
	logger *slog.Logger
}

type Option func(*options)

type options struct {
	fs     vfs.FS
	logger *slog.Logger
}

// WithFS replaces the on-disk filesystem, e.g. with vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option {
	return func(o *options) { o.fs = fs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func Open(dir string, opts ...Option) (*Archive, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	pebbleOpts := &pebble.Options{}
	if o.fs != nil {
		pebbleOpts.FS = o.fs
	}
	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", dir, err)
	}
	return &Archive{
		db:     db,
		codec:  &serde.MsgpackSerde{},
		logger: o.logger.With("component", "archive"),
	}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// LastPosition is the global position of the newest archived event.
func (a *Archive) LastPosition() (uint64, error) {
	raw, closer, err := a.db.Get(lastKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last position: %w", err)
	}
	defer closer.Close()
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: last position has %d bytes", ErrCorrupt, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Save writes the events recorded since the previous save and replaces every
// stream state, atomically. It returns the number of events written.
func (a *Archive) Save(ctx context.Context, src Source) (int, error) {
	last, err := a.LastPosition()
	if err != nil {
		return 0, err
	}
	events, head := src.Export(ctx, last, 0)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if head < last {
		return 0, fmt.Errorf("%w: archived %d, engine head %d", ErrDiverged, last, head)
	}

	batch := a.db.NewBatch()
	defer batch.Close()

	for _, ev := range events {
		value, err := a.codec.SerializeBinary(ev)
		if err != nil {
			return 0, fmt.Errorf("encode event %d: %w", ev.GlobalPosition, err)
		}
		if err := batch.Set(eventKey(ev.GlobalPosition), value, nil); err != nil {
			return 0, err
		}
		last = ev.GlobalPosition
	}

	if err := batch.DeleteRange(statePrefix, prefixEnd(statePrefix), nil); err != nil {
		return 0, err
	}
	states := src.StreamStates()
	for _, st := range states {
		value, err := a.codec.SerializeBinary(st)
		if err != nil {
			return 0, fmt.Errorf("encode stream %s: %w", st.Key(), err)
		}
		if err := batch.Set(stateKey(st), value, nil); err != nil {
			return 0, err
		}
	}

	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], last)
	if err := batch.Set(lastKey, pos[:], nil); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit archive batch: %w", err)
	}

	if len(events) > 0 {
		a.logger.Debug("archive saved", "events", len(events), "streams", len(states), "last_position", last)
	}
	return len(events), nil
}

// Restore loads the archive into dst in global order. An empty archive leaves dst
// untouched. It returns the number of events loaded.
func (a *Archive) Restore(ctx context.Context, dst Target) (int, error) {
	events, err := a.events(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	states, err := a.states()
	if err != nil {
		return 0, err
	}
	if err := dst.Restore(ctx, events, states); err != nil {
		return 0, err
	}
	a.logger.Info("archive restored", "events", len(events), "streams", len(states))
	return len(events), nil
}

func (a *Archive) events(ctx context.Context) ([]event.DomainEvent, error) {
	iter, err := a.db.NewIter(&pebble.IterOptions{LowerBound: eventPrefix, UpperBound: prefixEnd(eventPrefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []event.DomainEvent
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ev event.DomainEvent
		if err := a.codec.DeserializeBinary(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("%w: event at key %x: %v", ErrCorrupt, iter.Key(), err)
		}
		if want := uint64(len(out)) + 1; ev.GlobalPosition != want {
			return nil, fmt.Errorf("%w: expected global position %d, found %d", ErrCorrupt, want, ev.GlobalPosition)
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

func (a *Archive) states() ([]eventstore.StreamState, error) {
	iter, err := a.db.NewIter(&pebble.IterOptions{LowerBound: statePrefix, UpperBound: prefixEnd(statePrefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []eventstore.StreamState
	for iter.First(); iter.Valid(); iter.Next() {
		var st eventstore.StreamState
		if err := a.codec.DeserializeBinary(iter.Value(), &st); err != nil {
			return nil, fmt.Errorf("%w: stream at key %q: %v", ErrCorrupt, iter.Key(), err)
		}
		out = append(out, st)
	}
	return out, iter.Error()
}

func eventKey(pos uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], pos)
	return key
}

func stateKey(st eventstore.StreamState) []byte {
	return []byte(string(statePrefix) + st.TenantID + "\x00" + st.AggregateID)
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}
