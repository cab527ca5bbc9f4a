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

package localbus

import (
	"sort"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// Roster tracks which tasks have recently announced themselves on the bus.
// Entries expire after the configured TTL unless re-announced, so a task
// that stops heartbeating drops out of the roster on its own.
type Roster struct {
	tasks *expiremap.ExpireMap[string, time.Time]
	ttl   time.Duration
}

// NewRoster creates a roster whose entries live for ttl after their last
// announcement.
func NewRoster(ttl time.Duration) *Roster {
	cull := ttl / 4
	if cull < time.Second {
		cull = time.Second
	}
	return &Roster{
		tasks: expiremap.NewEx[string, time.Time](cull, ttl),
		ttl:   ttl,
	}
}

// Announce records the task as alive, refreshing its TTL.
func (r *Roster) Announce(task string) {
	r.tasks.Set(task, time.Now())
}

// Contains reports whether the task announced itself within the TTL window.
func (r *Roster) Contains(task string) bool {
	_, ok := r.tasks.Load(task)
	return ok
}

// List returns the names of all tasks currently in the roster, sorted.
func (r *Roster) List() []string {
	var names []string
	r.tasks.Range(func(key string, _ time.Time) bool {
		names = append(names, key)
		return true
	})
	sort.Strings(names)
	return names
}

// Length returns the number of live roster entries.
func (r *Roster) Length() int {
	return r.tasks.Length()
}
