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
// Package serde holds the wire codecs used by the command transport and the relay.
package serde

import (
	"errors"
	"fmt"
)

var ErrUnknownFormat = errors.New("unknown serde format")

type BinarySerde interface {
	SerializeBinary(value any) ([]byte, error)
	DeserializeBinary(data []byte, valuePtr any) error
	// ContentType is sent alongside payloads so consumers can pick a decoder.
	ContentType() string
}

// ByName returns the codec for "json" or "msgpack".
func ByName(name string) (BinarySerde, error) {
	switch name {
	case "json", "":
		return &JsonSerde{}, nil
	case "msgpack":
		return &MsgpackSerde{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}
