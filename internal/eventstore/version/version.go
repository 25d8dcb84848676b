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

package version

import (
	"errors"
	"fmt"
)

// Version is the position of an event within an aggregate stream, or the state of
// the stream after that many events have been appended. An empty stream has version 0
// and the first event gets position 1.
type Version uint64

// Zero is the version of a stream that has never been appended to.
var Zero Version = 0

// ErrConcurrencyConflict is matched by every *ConflictError via errors.Is.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// Selector specifies an inclusive range of stream positions. A zero To means
// "up to the latest event".
//
// Usage:
//
//	// Events 3..7 of the stream.
//	selector := version.SelectInterval(3, 7)
type Selector struct {
	From Version
	To   Version
}

// SelectFromBeginning reads a whole stream.
//
//nolint:gochecknoglobals // It's a helper.
var SelectFromBeginning = Selector{From: 0}

func SelectInterval(from Version, to Version) Selector {
	return Selector{
		From: from,
		To:   to,
	}
}

// Contains reports whether v falls inside the selector.
func (s Selector) Contains(v Version) bool {
	if v < s.From {
		return false
	}
	return s.To == 0 || v <= s.To
}

// Check is the optimistic concurrency contract passed on append.
type Check interface {
	isVersionCheck()
}

// Any disables the optimistic concurrency check.
//
//nolint:gochecknoglobals // It's a helper.
var Any Check = anyCheck{}

type anyCheck struct{}

func (anyCheck) isVersionCheck() {}

// CheckExact requires the stream to be exactly at the given version before the append.
//
// Usage:
//
//	// Expects the aggregate to be at version 5.
//	_, err := engine.AppendEvent(ctx, draft, version.CheckExact(5))
type CheckExact Version

func (CheckExact) isVersionCheck() {}

// CheckExact validates the expectation against the stream's actual version.
//
// Returns a *ConflictError if the versions do not match, or nil if they do.
func (expected CheckExact) CheckExact(actualVersion Version) error {
	if actualVersion != Version(expected) {
		return NewConflictError(Version(expected), actualVersion)
	}
	return nil
}

// Verify runs any Check against the actual version. A nil check behaves like Any.
func Verify(check Check, actual Version) error {
	switch c := check.(type) {
	case nil, anyCheck:
		return nil
	case CheckExact:
		return c.CheckExact(actual)
	default:
		return fmt.Errorf("unsupported version check %T", check)
	}
}

func NewConflictError(expected Version, actual Version) *ConflictError {
	return &ConflictError{
		Expected: expected,
		Actual:   actual,
	}
}

// ConflictError is returned when an append is rejected because the stream moved on
// since the caller read it. Callers re-read the stream and retry with Actual.
type ConflictError struct {
	Expected Version
	Actual   Version
}

func (err ConflictError) Error() string {
	return fmt.Sprintf(
		"version conflict error: expected stream version: %d, actual: %d",
		err.Expected,
		err.Actual,
	)
}

func (err ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}
