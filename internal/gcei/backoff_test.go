// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package gcei

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff()
	var prevMax time.Duration
	for i := 0; i < 25; i++ {
		d := b.Next()
		assert.True(t, d >= 0)
		assert.True(t, d <= b.cap)
		if i > 8 {
			// past a handful of doublings every delay should be pinned at
			// the cap's neighborhood, not still growing unbounded.
			assert.True(t, d >= b.cap/2)
		} else {
			// before the cap, attempt i draws from [base<<i / 2, base<<i].
			assert.True(t, d >= (b.base<<uint(i))/2)
		}
		prevMax = d
	}
	_ = prevMax
}

func TestBackoffResetRestartsFromBase(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 10; i++ {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	assert.True(t, d <= b.base)
}
