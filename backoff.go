/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tunnelguard

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff describes the delay before a client retries a handshake that was
// abandoned. The zero value is DefaultBackoff; otherwise zero durations and
// multipliers take their default and a zero Jitter disables jitter.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	// Jitter is the fraction of the delay that is randomized in both
	// directions, e.g. 0.2 for ±20%.
	Jitter float64
}

// DefaultBackoff starts at one second, doubles and caps at five minutes.
var DefaultBackoff = Backoff{
	Initial:    time.Second,
	Multiplier: 2,
	Max:        5 * time.Minute,
	Jitter:     0.2,
}

func (b Backoff) withDefaults() Backoff {
	if b == (Backoff{}) {
		return DefaultBackoff
	}
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = DefaultBackoff.Jitter
	}
	return b
}

// exponential builds a policy that never gives up on its own. The engine
// bounds reconnects by peer lifetime instead.
func (b Backoff) exponential(clk backoff.Clock) *backoff.ExponentialBackOff {
	b = b.withDefaults()
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     b.Initial,
		RandomizationFactor: b.Jitter,
		Multiplier:          b.Multiplier,
		MaxInterval:         b.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clk,
	}
	policy.Reset()
	return policy
}

// reconnectBackoff spaces the reconnect attempts of one peer. It is reset
// whenever a handshake completes.
type reconnectBackoff struct {
	mu       sync.Mutex
	policy   *backoff.ExponentialBackOff
	attempts uint32
}

func newReconnectBackoff(b Backoff, clk backoff.Clock) *reconnectBackoff {
	return &reconnectBackoff{policy: b.exponential(clk)}
}

// next returns the wait before the following reconnect and counts it.
func (r *reconnectBackoff) next() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return r.policy.NextBackOff()
}

func (r *reconnectBackoff) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.policy.Reset()
}

func (r *reconnectBackoff) count() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
