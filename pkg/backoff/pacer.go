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

// Package backoff paces subscription retries. A disconnected monitor asks
// the pacer how long to wait before the next retry tick; the interval grows
// while the peer stays away and resets as soon as a connection succeeds.
// Retries never escalate to a permanent failure: outliving peer restarts is
// the whole point of the monitors that use this.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Config holds the retry interval bounds for one pacer.
type Config struct {
	ID              string
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns the standard pacing for a remote-parameter monitor.
func DefaultConfig(id string) Config {
	return Config{
		ID:              id,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Pacer computes escalating retry delays for one reconnecting subscription.
type Pacer struct {
	exp    *backoff.ExponentialBackOff
	logger *zap.SugaredLogger
	id     string
}

// NewPacer creates a Pacer with the given bounds.
func NewPacer(cfg Config, logger *zap.SugaredLogger) *Pacer {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	// Never give up; the caller decides when to stop retrying.
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Pacer{
		id:     cfg.ID,
		exp:    exp,
		logger: logger,
	}
}

// NextDelay returns the delay to wait before the next retry tick.
func (p *Pacer) NextDelay() time.Duration {
	d := p.exp.NextBackOff()
	if p.logger != nil {
		p.logger.Debugf("%s: next retry in %s", p.id, d)
	}
	return d
}

// Reset restores the initial interval. Called after a successful connect.
func (p *Pacer) Reset() {
	p.exp.Reset()
}
