package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time            { return c.now }
func (c *fakeClock) Advance(d time.Duration)   { c.now = c.now.Add(d) }
func newFakeClock() *fakeClock                 { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }
func withClock(l *FixedWindow, c *fakeClock)   { l.clock = c.Now }

func TestFixedWindowAllowsUpToLimit(t *testing.T) {
	lim, err := NewFixedWindow(3, time.Minute, 0)
	require.NoError(t, err)
	clock := newFakeClock()
	withClock(lim, clock)

	for i := 0; i < 3; i++ {
		assert.True(t, lim.Hit("k").Allowed, "hit %d", i)
	}
	assert.False(t, lim.Hit("k").Allowed)
}

func TestFixedWindowResetsAfterInterval(t *testing.T) {
	lim, err := NewFixedWindow(1, time.Minute, 0)
	require.NoError(t, err)
	clock := newFakeClock()
	withClock(lim, clock)

	require.True(t, lim.Hit("k").Allowed)
	require.False(t, lim.Hit("k").Allowed)

	clock.Advance(time.Minute)
	assert.True(t, lim.Hit("k").Allowed)
}

func TestFixedWindowCooldown(t *testing.T) {
	lim, err := NewFixedWindow(1, 60*time.Second, 10*time.Second)
	require.NoError(t, err)
	clock := newFakeClock()
	withClock(lim, clock)

	require.True(t, lim.Hit("k").Allowed)

	second := lim.Hit("k")
	require.False(t, second.Allowed)
	assert.InDelta(t, float64(60*time.Second), float64(second.RetryAfter), float64(time.Second),
		"retry-after reports the longer of window remainder and cooldown")

	// within cooldown every hit is denied without incrementing the window
	clock.Advance(5 * time.Second)
	blocked := lim.Hit("k")
	require.False(t, blocked.Allowed)
	assert.Equal(t, 5*time.Second, blocked.RetryAfter)

	// once cooldown and window have both elapsed the key recovers
	clock.Advance(56 * time.Second)
	assert.True(t, lim.Hit("k").Allowed)
}

func TestFixedWindowCooldownSurvivesRollover(t *testing.T) {
	lim, err := NewFixedWindow(1, time.Second, time.Minute)
	require.NoError(t, err)
	clock := newFakeClock()
	withClock(lim, clock)

	require.True(t, lim.Hit("k").Allowed)
	require.False(t, lim.Hit("k").Allowed)

	// window rolls over but the cooldown has not elapsed
	clock.Advance(2 * time.Second)
	assert.False(t, lim.Hit("k").Allowed)
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	lim, err := NewFixedWindow(1, time.Minute, 0)
	require.NoError(t, err)

	require.True(t, lim.Hit("a").Allowed)
	require.False(t, lim.Hit("a").Allowed)
	assert.True(t, lim.Hit("b").Allowed)
}

func TestFixedWindowRejectsBadConfig(t *testing.T) {
	_, err := NewFixedWindow(0, time.Minute, 0)
	require.Error(t, err)
	_, err = NewFixedWindow(1, 0, 0)
	require.Error(t, err)
}
