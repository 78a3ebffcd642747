package tools

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTickSize(t *testing.T) {
	tests := []struct {
		price int64
		want  int64
	}{
		{1, 1}, {1_999, 1}, {2_000, 5}, {4_995, 5}, {5_000, 10}, {19_990, 10},
		{20_000, 50}, {49_950, 50}, {50_000, 100}, {199_900, 100}, {200_000, 500},
		{499_500, 500}, {500_000, 1_000}, {1_250_000, 1_000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TickSize(tt.price), "price %d", tt.price)
	}
}

func TestRoundToTick(t *testing.T) {
	assert.Equal(t, int64(10_000), RoundToTick(10_000, 0))
	assert.Equal(t, int64(10_000), RoundToTick(10_004, 0))
	assert.Equal(t, int64(10_020), RoundToTick(10_000, 2))
	assert.Equal(t, int64(9_990), RoundToTick(10_000, -1))
	assert.Equal(t, int64(2_005), RoundToTick(1_999, 2))
	assert.Equal(t, int64(1_999), RoundToTick(2_000, -1))
	assert.Equal(t, int64(2_025), RoundToTick(1_995, 10))
	assert.Equal(t, int64(1), RoundToTick(2, -5))
	assert.Equal(t, int64(0), RoundToTick(0, 3))
}

func TestRoundToTickMatchesLinearInsideBand(t *testing.T) {
	for _, p := range []int64{1_500, 3_000, 12_000, 30_000, 120_000, 300_000, 800_000} {
		base := RoundToTick(p, 0)
		for n := -20; n <= 20; n++ {
			stepped := RoundToTick(p, n)
			linear := base + int64(n)*TickSize(p)
			if TickSize(stepped) == TickSize(base) && TickSize(linear) == TickSize(base) && stepped > 0 {
				assert.Equal(t, linear, stepped, "p=%d n=%d", p, n)
			}
		}
	}
}

func TestFloorTo(t *testing.T) {
	rate := decimal.RequireFromString("0.00015")
	assert.Equal(t, int64(150), FloorTo(MulRate(1_000_000, rate), 10))
	assert.Equal(t, int64(150), FloorTo(MulRate(1_050_000, rate), 10))
	assert.Equal(t, int64(1_575), FloorTo(MulRate(1_050_000, decimal.RequireFromString("0.0015")), 1))
	assert.Equal(t, int64(0), FloorTo(MulRate(9_000, rate), 10))
}

func TestRatio(t *testing.T) {
	assert.InDelta(t, 4.8125, Ratio(48_125, 1_000_000), 1e-9)
	assert.Equal(t, 0.0, Ratio(1, 0))
}
