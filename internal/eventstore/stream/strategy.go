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

package stream

import "github.com/ngnhng/eventcore/internal/eventstore/version"

// SnapshotStrategy decides whether a stream should be snapshotted after an append
// moved it from previousVersion to newVersion.
type SnapshotStrategy interface {
	ShouldSnapshot(previousVersion, newVersion version.Version, eventType string) bool
}

// Never disables automatic snapshots.
type Never struct{}

func (Never) ShouldSnapshot(version.Version, version.Version, string) bool { return false }

// EveryNEvents snapshots when the stream version crosses a multiple of N.
//
// Usage:
//
//	strategy := stream.EveryNEvents(100) // at 100, 200, 300...
type EveryNEvents uint64

func (n EveryNEvents) ShouldSnapshot(previousVersion, newVersion version.Version, _ string) bool {
	if n == 0 {
		return false
	}
	nextSnapshotVersion := (uint64(previousVersion)/uint64(n) + 1) * uint64(n)
	return uint64(newVersion) >= nextSnapshotVersion
}

// OnEvents snapshots whenever one of the named event types is appended.
func OnEvents(eventTypes ...string) SnapshotStrategy {
	match := make(map[string]struct{}, len(eventTypes))
	for _, name := range eventTypes {
		match[name] = struct{}{}
	}
	return onEvents(match)
}

type onEvents map[string]struct{}

func (o onEvents) ShouldSnapshot(_, _ version.Version, eventType string) bool {
	_, ok := o[eventType]
	return ok
}

// AnyOf snapshots when at least one of the strategies asks for it.
func AnyOf(strategies ...SnapshotStrategy) SnapshotStrategy {
	return anyOf(strategies)
}

type anyOf []SnapshotStrategy

func (a anyOf) ShouldSnapshot(previousVersion, newVersion version.Version, eventType string) bool {
	for _, s := range a {
		if s.ShouldSnapshot(previousVersion, newVersion, eventType) {
			return true
		}
	}
	return false
}
