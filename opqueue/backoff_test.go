// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package opqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffExponentialGrowth(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Factor: 2}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
}

func TestBackoffCap(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Factor: 2}
	assert.Equal(t, time.Minute, p.Delay(10))
	assert.Equal(t, time.Minute, p.Delay(100))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	p := DefaultBackoff() // 1s base, 60s cap, doubling, jittered
	for i := 0; i < 200; i++ {
		d := p.Delay(3) // nominal 8s
		assert.GreaterOrEqual(t, d, time.Duration(0.9*8*float64(time.Second)))
		assert.LessOrEqual(t, d, time.Duration(1.1*8*float64(time.Second)))
	}
	for i := 0; i < 200; i++ {
		assert.LessOrEqual(t, p.Delay(50), p.MaxDelay)
	}
}

func TestBackoffNegativeRetryCountClamped(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Factor: 2}
	assert.Equal(t, p.Delay(0), p.Delay(-5))
}
