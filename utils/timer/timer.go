/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package timer provides a lap stopwatch whose results are logged as fields.
package timer

import (
	"sync"
	"time"

	"github.com/CovenantSQL/escrow/utils/log"
)

// Timer records named laps since its creation.
type Timer struct {
	mu    sync.Mutex
	start time.Time
	laps  []lap
}

type lap struct {
	name string
	at   time.Time
}

// NewTimer starts a stopwatch.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Add closes the current lap under name.
func (t *Timer) Add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.laps = append(t.laps, lap{name: name, at: time.Now()})
}

// ToMap returns each lap duration plus "total" when at least one lap exists.
func (t *Timer) ToMap() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := make(map[string]time.Duration, len(t.laps)+1)
	prev := t.start
	for _, l := range t.laps {
		m[l.name] += l.at.Sub(prev)
		prev = l.at
	}
	if len(t.laps) > 0 {
		m["total"] = prev.Sub(t.start)
	}
	return m
}

// ToLogFields returns ToMap as log fields.
func (t *Timer) ToLogFields() log.Fields {
	f := log.Fields{}
	for k, v := range t.ToMap() {
		f[k] = v
	}
	return f
}
