package sim

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zigzag(n int, low, high float64) []model.Bar {
	bars := make([]model.Bar, n)
	for i := range bars {
		c := low
		if i%2 == 1 {
			c = high
		}
		bars[i] = model.Bar{Time: _now.Add(time.Duration(i) * time.Minute), Close: c, Volume: 200}
	}
	return bars
}

func TestEstimateParams(t *testing.T) {
	p, err := EstimateParams(zigzag(5, 100, 101))
	require.NoError(t, err)
	assert.InDelta(t, math.Log(1.01)/math.Sqrt(_ticksPerMinute), p.Volatility, 1e-9)
	assert.InDelta(t, 10, p.Volume, 1e-9)

	_, err = EstimateParams(zigzag(2, 100, 101))
	assert.ErrorIs(t, err, ErrShortHistory)
}

type chartStub struct {
	bars []model.Bar
	err  error
}

func (s chartStub) MinuteBars(context.Context, string, int) ([]model.Bar, error) {
	return s.bars, s.err
}

func (s chartStub) DayBars(context.Context, string, int) ([]model.Bar, error) {
	return nil, s.err
}

func TestWarmerFitsWalk(t *testing.T) {
	w := NewWalker(&tape{}, market.NewManualClock(_now), 1, logger.NewNopLogger())
	w.Add("005930", 70_000)
	warmer := NewWarmer(w, chartStub{bars: zigzag(5, 100, 101)}, 120, logger.NewNopLogger())

	require.NoError(t, warmer.Fit(context.Background(), "005930"))
	p, _ := w.Params("005930")
	assert.InDelta(t, 10, p.Volume, 1e-9)

	failing := NewWarmer(w, chartStub{err: errors.New("timeout")}, 120, logger.NewNopLogger())
	assert.Error(t, failing.Fit(context.Background(), "005930"))
}

func TestWarmerPrimeRebasesOnRealClose(t *testing.T) {
	w := NewWalker(&tape{}, market.NewManualClock(_now), 1, logger.NewNopLogger())
	w.Add("005930", 70_000)
	warmer := NewWarmer(w, chartStub{bars: zigzag(6, 71_000, 71_500)}, 120, logger.NewNopLogger())

	warmer.Prime(context.Background())
	_, last, _ := w.State("005930")
	assert.Equal(t, int64(71_500), last)
}

func TestWarmerRequestsOncePerSymbol(t *testing.T) {
	w := NewWalker(&tape{}, market.NewManualClock(_now), 1, logger.NewNopLogger())
	w.Add("005930", 70_000)
	warmer := NewWarmer(w, chartStub{bars: zigzag(5, 100, 101)}, 120, logger.NewNopLogger())

	warmer.Request("005930")
	warmer.Request("005930")
	assert.Len(t, warmer.queue, 1)
}
