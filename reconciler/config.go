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

package reconciler

import (
	"time"
)

// Config tunes reconciliation retries.
type Config struct {
	// Workers is the number of concurrent reconciliation attempts.
	Workers int
	// QueueSize bounds attempts waiting for a worker.
	QueueSize int
	// BaseInterval is the delay after the first pending attempt; it doubles
	// on every further attempt.
	BaseInterval time.Duration
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
	// MaxAttempts fails an operation that is still not terminal.
	MaxAttempts uint32
	// PollTimeout is the deadline of every gateway call.
	PollTimeout time.Duration
	// MaxCASRetries bounds ledger write conflicts per update.
	MaxCASRetries int
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueSize:     256,
		BaseInterval:  time.Second,
		MaxInterval:   time.Minute,
		MaxAttempts:   30,
		PollTimeout:   10 * time.Second,
		MaxCASRetries: 16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = c.BaseInterval
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.MaxCASRetries <= 0 {
		c.MaxCASRetries = d.MaxCASRetries
	}
	return c
}

// Backoff returns the delay before the attempt following attempts
// unsuccessful ones: BaseInterval doubled per attempt, capped at MaxInterval.
func (c Config) Backoff(attempts uint32) time.Duration {
	if attempts == 0 {
		return 0
	}
	d := c.BaseInterval
	for i := uint32(1); i < attempts && d < c.MaxInterval; i++ {
		d *= 2
	}
	if d > c.MaxInterval {
		d = c.MaxInterval
	}
	return d
}
