// Copyright 2025 East Asian Observatory
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

package sequence

import (
	json "github.com/goccy/go-json"

	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// FieldNumber is the key carrying a frame's own number in its payload.
const FieldNumber = "NUMBER"

// Frame is one indexed unit of sequencer output: its number plus an
// arbitrary key/value payload.
type Frame struct {
	Fields map[string]any
	Number int64
}

// MarshalJSON flattens the frame into a single object with the NUMBER field
// inline, matching the published STATE structure.
func (f Frame) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(f.Fields)+1)
	for k, v := range f.Fields {
		flat[k] = v
	}
	flat[FieldNumber] = f.Number
	return json.Marshal(flat)
}

// UnmarshalJSON rebuilds a frame from its flattened object form.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if raw, ok := flat[FieldNumber]; ok {
		if n, ok := transport.AsInt64(raw); ok {
			f.Number = n
		}
		delete(flat, FieldNumber)
	}
	f.Fields = flat
	return nil
}

// FrameFromValue converts one payload entry (a map carrying NUMBER plus
// fields, or an existing Frame) into a Frame.
func FrameFromValue(v any) (Frame, bool) {
	switch fv := v.(type) {
	case Frame:
		return fv, true
	case map[string]any:
		frame := Frame{Fields: make(map[string]any, len(fv))}
		for k, val := range fv {
			if k == FieldNumber {
				if n, ok := transport.AsInt64(val); ok {
					frame.Number = n
				}
				continue
			}
			frame.Fields[k] = val
		}
		return frame, true
	}
	return Frame{}, false
}

// FramesFromValue converts a published STATE value into its frame slice.
func FramesFromValue(v any) ([]Frame, bool) {
	switch fv := v.(type) {
	case []Frame:
		return fv, true
	case []any:
		frames := make([]Frame, 0, len(fv))
		for _, e := range fv {
			frame, ok := FrameFromValue(e)
			if !ok {
				return nil, false
			}
			frames = append(frames, frame)
		}
		return frames, true
	}
	return nil, false
}
