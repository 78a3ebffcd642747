package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClockFiresInOrder(t *testing.T) {
	c := NewManualClock(time.Date(2024, 3, 4, 9, 0, 0, 0, KST()))
	var fired []int
	c.AfterFunc(3*time.Second, func() { fired = append(fired, 3) })
	c.AfterFunc(time.Second, func() { fired = append(fired, 1) })
	stopped := c.AfterFunc(2*time.Second, func() { fired = append(fired, 2) })
	require.True(t, stopped.Stop())

	c.Advance(2 * time.Second)
	assert.Equal(t, []int{1}, fired)
	c.Advance(time.Second)
	assert.Equal(t, []int{1, 3}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManualClockSleep(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() { done <- c.Sleep(context.Background(), time.Second) }()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	c.Advance(time.Second)
	require.NoError(t, <-done)
}

func TestPhaseAt(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2024, 3, 4, h, m, 0, 0, KST()) }
	assert.Equal(t, PhasePreAuction, PhaseAt(day(8, 45)))
	assert.Equal(t, PhaseRegular, PhaseAt(day(9, 0)))
	assert.Equal(t, PhaseRegular, PhaseAt(day(15, 19)))
	assert.Equal(t, PhaseClosingAuction, PhaseAt(day(15, 25)))
	assert.Equal(t, PhaseClosed, PhaseAt(time.Date(2024, 3, 9, 10, 0, 0, 0, KST())))
}

func TestLiveSessionPrefersPushedPhase(t *testing.T) {
	s := NewLiveSession(NewManualClock(time.Date(2024, 3, 4, 10, 0, 0, 0, KST())))
	assert.True(t, s.Regular())
	s.Set(ParsePhase("2"))
	assert.False(t, s.Regular())
	assert.Equal(t, PhaseClosingAuction, s.Phase())
}
