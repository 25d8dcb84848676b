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
package types

import "fmt"

// Mode selects the logging pipeline and readiness of debug-only surfaces.
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

func (m Mode) IsDebug() bool { return m == ModeDebug }

// UnmarshalText lets env parsing reject unknown modes.
func (m *Mode) UnmarshalText(text []byte) error {
	switch mode := Mode(text); mode {
	case ModeDebug, ModeRelease:
		*m = mode
		return nil
	default:
		return fmt.Errorf("invalid mode %q: want %q or %q", text, ModeDebug, ModeRelease)
	}
}
