package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvancesOnSleepAndRecords(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewFakeClock(start)

	require.NoError(t, c.Sleep(context.Background(), 5*time.Second))
	assert.Equal(t, start.Add(5*time.Second), c.Now())
	assert.Equal(t, []time.Duration{5 * time.Second}, c.Sleeps())
}

func TestFakeClockSleepRespectsCancelledContext(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Second)
	assert.Error(t, err)
	assert.Empty(t, c.Sleeps(), "a cancelled sleep must not advance the clock or get recorded")
}

func TestFakeClockUniformDefaultsToNoJitter(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	assert.Equal(t, 1.0, c.Uniform(0.5, 1.5))
}

func TestFakeClockSetUniformFixesFactor(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	c.SetUniform(1.0)
	assert.Equal(t, 1.5, c.Uniform(0.5, 1.5))
}

func TestRealClockSleepRespectsContextCancellation(t *testing.T) {
	c := NewRealClock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRealClockUniformStaysInBounds(t *testing.T) {
	c := NewRealClock()
	for i := 0; i < 20; i++ {
		v := c.Uniform(0.5, 1.5)
		assert.GreaterOrEqual(t, v, 0.5)
		assert.LessOrEqual(t, v, 1.5)
	}
}
