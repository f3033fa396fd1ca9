/* Copyright 2025 Refsync Authors
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

// Package clock provides an abstract layer over the standard time package
// so that time-dependent code can be exercised with a mock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock tells the current time. Implemented by a real clock and by Mock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// New returns a clock backed by the standard library.
func New() Clock {
	return systemClock{}
}

// Mock is a settable clock for tests.
type Mock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMock returns a mock clock set to a fixed, arbitrary point in time.
func NewMock() *Mock {
	return &Mock{now: time.Date(2020, time.January, 2, 15, 4, 5, 0, time.UTC)}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// SetNow sets the mock's current time.
func (m *Mock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the mock's current time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
