package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterPerKey(t *testing.T) {
	l := New(0.001, 2, time.Minute)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	assert.True(t, l.Allow("b"), "keys have independent buckets")
	assert.Equal(t, 2, l.Len())
}

func TestLimiterEvictsIdle(t *testing.T) {
	l := New(1, 1, 10*time.Millisecond)
	l.Allow("old")
	time.Sleep(20 * time.Millisecond)
	l.Allow("new")
	assert.Equal(t, 1, l.Len())
}
