// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package backoff computes the polling interval of pull style receivers.
//
// The n-th call to CalculateNewInterval since the last reset yields
// base^(n-1) seconds, clamped to [min, max]. A poll that returns work calls
// ResetInterval, a poll that returns nothing calls CalculateNewInterval.
package backoff

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultBase is the growth factor between consecutive empty polls.
const DefaultBase = 1.75

// Calculator tracks the current interval of one polled source.
// It is safe for concurrent use.
type Calculator struct {
	mu       sync.Mutex
	min      time.Duration
	max      time.Duration
	base     float64
	attempts int
	current  time.Duration
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithBase overrides the growth factor.
func WithBase(base float64) Option {
	return func(c *Calculator) { c.base = base }
}

// New creates a calculator bounded by min and max.
func New(min, max time.Duration, opts ...Option) (*Calculator, error) {
	c := &Calculator{min: min, max: max, base: DefaultBase}
	for _, opt := range opts {
		opt(c)
	}
	if min < 0 || max <= 0 {
		return nil, fmt.Errorf("backoff bounds must be positive: min=%s max=%s", min, max)
	}
	if min > max {
		return nil, fmt.Errorf("backoff min %s exceeds max %s", min, max)
	}
	if c.base < 1 {
		return nil, fmt.Errorf("backoff base must be at least 1, got %v", c.base)
	}
	return c, nil
}

// CalculateNewInterval advances the attempt counter and returns the new interval.
func (c *Calculator) CalculateNewInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	seconds := math.Pow(c.base, float64(c.attempts-1))
	next := time.Duration(seconds * float64(time.Second))
	// Pow overflows to +Inf long before attempts wraps.
	if math.IsInf(seconds, 1) || seconds*float64(time.Second) > float64(math.MaxInt64) {
		next = c.max
	}
	c.current = clamp(next, c.min, c.max)
	return c.current
}

// ResetInterval sets the interval and the attempt counter back to zero.
func (c *Calculator) ResetInterval() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	c.current = 0
}

// Interval returns the current interval.
func (c *Calculator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Attempts returns the number of calls since the last reset.
func (c *Calculator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return max(lo, min(d, hi))
}
