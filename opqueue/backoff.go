// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package opqueue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: exponential growth capped at
// MaxDelay, with optional ±10% jitter so concurrent queues don't retry in
// lockstep.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	Jitter    bool
}

// DefaultBackoff returns the default retry policy (1s base, 60s cap,
// doubling, jittered).
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
		Factor:    2.0,
		Jitter:    true,
	}
}

// Delay returns the wait before the attempt following retryCount failures:
// min(MaxDelay, BaseDelay * Factor^retryCount), jittered by ±10% when
// enabled and never exceeding MaxDelay.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2.0
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(retryCount))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.Jitter {
		d *= 0.9 + 0.2*rand.Float64()
		if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
			d = max
		}
	}
	return time.Duration(d)
}
