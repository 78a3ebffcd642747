package quota

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(opts ...Option) (*Limiter, *market.ManualClock) {
	clock := market.NewManualClock(time.Date(2024, 3, 4, 9, 0, 0, 0, market.KST()))
	return NewLimiter(clock, logger.NewNopLogger(), opts...), clock
}

func TestCheckIntervalUnconstrained(t *testing.T) {
	l, _ := newTestLimiter()
	assert.Zero(t, l.CheckInterval(Orders))
	for i := 0; i < 4; i++ {
		l.Record(Orders)
	}
	assert.Zero(t, l.CheckInterval(Orders))
}

func TestCheckIntervalPerSecond(t *testing.T) {
	l, clock := newTestLimiter()
	for i := 0; i < 5; i++ {
		l.Record(Orders)
		clock.Advance(100 * time.Millisecond)
	}
	// oldest at t0, now t0+500ms
	assert.Equal(t, 500*time.Millisecond, l.CheckInterval(Orders))
	clock.Advance(500 * time.Millisecond)
	assert.Zero(t, l.CheckInterval(Orders))
}

func TestSixthOrderInOneSecondSleepsAndProceeds(t *testing.T) {
	l, clock := newTestLimiter()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background(), Orders))
		clock.Advance(50 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), Orders) }()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	clock.Advance(750 * time.Millisecond)
	require.NoError(t, <-done)
	assert.Equal(t, 5, l.Count(Orders, 0))
}

func TestAcquireDropsWhenMinuteQuotaExhausted(t *testing.T) {
	l, clock := newTestLimiter()
	for i := 0; i < 300; i++ {
		l.Record(Orders)
		clock.Advance(150 * time.Millisecond)
	}
	// the minute horizon frees its oldest stamp only after 15s
	wait := l.CheckInterval(Orders)
	assert.Greater(t, wait, DropThreshold)

	err := l.Acquire(context.Background(), Orders)
	require.ErrorIs(t, err, ErrWaitTooLong)
	assert.Equal(t, 300, l.Count(Orders, 1))
}

func TestAcquireDropsWithTightHorizon(t *testing.T) {
	l, _ := newTestLimiter(WithHorizons(Orders, Horizon{Window: 2 * time.Second, Limit: 5}))
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background(), Orders))
	}
	require.ErrorIs(t, l.Acquire(context.Background(), Orders), ErrWaitTooLong)
	assert.Equal(t, 5, l.Count(Orders, 0))
}

func TestRateLimitSoundness(t *testing.T) {
	l, clock := newTestLimiter(WithHorizons(Requests,
		Horizon{Window: time.Second, Limit: 5},
		Horizon{Window: 10 * time.Second, Limit: 20},
	))
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		clock.Advance(time.Duration(rnd.Intn(400)) * time.Millisecond)
		if wait := l.CheckInterval(Requests); wait > 0 {
			clock.Advance(wait)
		}
		l.Record(Requests)
		assert.LessOrEqual(t, l.Count(Requests, 0), 5)
		assert.LessOrEqual(t, l.Count(Requests, 1), 20)
	}
}

func TestConditionCooloff(t *testing.T) {
	l, clock := newTestLimiter()
	require.NoError(t, l.AcquireCondition("gap-up"))
	require.ErrorIs(t, l.AcquireCondition("gap-up"), ErrConditionCooloff)
	require.NoError(t, l.AcquireCondition("breakout"))

	clock.Advance(59 * time.Second)
	assert.Equal(t, time.Second, l.CheckConditionInterval("gap-up"))
	clock.Advance(time.Second)
	assert.Zero(t, l.CheckConditionInterval("gap-up"))
	require.NoError(t, l.AcquireCondition("gap-up"))
}
