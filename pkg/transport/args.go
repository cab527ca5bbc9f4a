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

package transport

import (
	"fmt"
	"strconv"
)

// Args is the parsed form of a command's argument payload: positional
// entries (delivered under Argument1..ArgumentN) plus keyword entries.
// Command schemas resolve each field positionally first, then by keyword.
type Args struct {
	keyword    map[string]any
	positional []any
}

// ParseArguments splits a raw command payload into positional and keyword
// arguments. Positional arguments are payload keys of the form Argument<n>,
// numbered from 1; the contiguous run from Argument1 fills the positional
// slice and everything else lands in the keyword map. A sender may skip
// slots (Argument2 without Argument1), so resolution falls back to the
// Argument<n> keyword entry when the slice does not cover a position.
func ParseArguments(raw map[string]any) *Args {
	a := &Args{keyword: make(map[string]any, len(raw))}
	for i := 1; ; i++ {
		v, ok := raw["Argument"+strconv.Itoa(i)]
		if !ok {
			break
		}
		a.positional = append(a.positional, v)
	}
	for k, v := range raw {
		if isPositionalKey(k, len(a.positional)) {
			continue
		}
		a.keyword[k] = v
	}
	return a
}

func isPositionalKey(key string, n int) bool {
	if len(key) <= len("Argument") || key[:len("Argument")] != "Argument" {
		return false
	}
	i, err := strconv.Atoi(key[len("Argument"):])
	return err == nil && i >= 1 && i <= n
}

// Has reports whether the field is present, positionally or by keyword.
// pos is the zero-based positional index of the field in the command's
// schema; pass a negative pos for keyword-only fields.
func (a *Args) Has(pos int, key string) bool {
	_, ok := a.lookup(pos, key)
	return ok
}

func (a *Args) lookup(pos int, key string) (any, bool) {
	if pos >= 0 {
		if pos < len(a.positional) {
			return a.positional[pos], true
		}
		// A slot skipped by the sender stayed in the keyword map under
		// its Argument<n> name.
		if v, ok := a.keyword["Argument"+strconv.Itoa(pos+1)]; ok {
			return v, true
		}
	}
	v, ok := a.keyword[key]
	return v, ok
}

// String resolves a string field, returning def when absent.
func (a *Args) String(pos int, key, def string) (string, error) {
	v, ok := a.lookup(pos, key)
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return def, fmt.Errorf("argument %s: expected string, got %T", key, v)
	}
	return s, nil
}

// Int64 resolves an integer field, returning def when absent.
func (a *Args) Int64(pos int, key string, def int64) (int64, error) {
	v, ok := a.lookup(pos, key)
	if !ok {
		return def, nil
	}
	n, ok := AsInt64(v)
	if !ok {
		return def, fmt.Errorf("argument %s: expected integer, got %T", key, v)
	}
	return n, nil
}

// Float64 resolves a floating-point field, returning def when absent.
func (a *Args) Float64(pos int, key string, def float64) (float64, error) {
	v, ok := a.lookup(pos, key)
	if !ok {
		return def, nil
	}
	f, ok := AsFloat64(v)
	if !ok {
		return def, fmt.Errorf("argument %s: expected number, got %T", key, v)
	}
	return f, nil
}
