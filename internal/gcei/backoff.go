// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package gcei

import (
	"math/rand"
	"time"
)

// maxShift bounds Backoff.Next's doubling so base<<shift never overflows
// time.Duration before the cap takes over.
const maxShift = 20

// Backoff computes a jittered, exponentially doubling delay for retrying
// Unavailable GCEI calls (spec §4.6/§5: base 100ms, cap 30s).
type Backoff struct {
	base, cap time.Duration
	attempt   int
}

// NewBackoff returns a Backoff at its first attempt.
func NewBackoff() *Backoff {
	return &Backoff{base: 100 * time.Millisecond, cap: 30 * time.Second}
}

// Next returns the delay to wait before the next retry and advances the
// internal attempt counter.
func (b *Backoff) Next() time.Duration {
	shift := b.attempt
	if shift > maxShift {
		shift = maxShift
	}
	d := b.base << uint(shift)
	if d <= 0 || d > b.cap {
		d = b.cap
	}
	b.attempt++
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

// Reset restarts the attempt counter so the next delay is drawn from base
// again.
func (b *Backoff) Reset() {
	b.attempt = 0
}
