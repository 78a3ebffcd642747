package tools

import (
	"github.com/shopspring/decimal"
)

// hoga ladder for domestic equities: upper bound (exclusive) and tick size.
var _ladder = []struct {
	below int64
	tick  int64
}{
	{2_000, 1},
	{5_000, 5},
	{20_000, 10},
	{50_000, 50},
	{200_000, 100},
	{500_000, 500},
}

const _topTick int64 = 1_000

func TickSize(price int64) int64 {
	for _, step := range _ladder {
		if price < step.below {
			return step.tick
		}
	}
	return _topTick
}

// AlignToTick floors price onto the tick grid of its own band.
func AlignToTick(price int64) int64 {
	if price <= 0 {
		return 0
	}
	tick := TickSize(price)
	return price - price%tick
}

// RoundToTick aligns price and then moves it offset ticks up or down. Each step uses the
// tick size of the band it lands in, so crossing a band boundary applies the larger tick.
func RoundToTick(price int64, offset int) int64 {
	q := AlignToTick(price)
	if q <= 0 {
		return 0
	}
	for ; offset > 0; offset-- {
		q += TickSize(q)
	}
	for ; offset < 0; offset++ {
		if q <= 1 {
			return 1
		}
		q -= TickSize(q - 1)
	}
	return q
}

// FloorTo truncates a non-negative won amount down to a multiple of unit.
func FloorTo(v decimal.Decimal, unit int64) int64 {
	if unit <= 1 {
		return v.Floor().IntPart()
	}
	u := decimal.NewFromInt(unit)
	return v.Div(u).Floor().Mul(u).IntPart()
}

// MulRate multiplies a won amount by a rate without float rounding drift.
func MulRate(amount int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(amount).Mul(rate)
}

// Ratio returns num/den*100 rounded to 4 places, 0 when den is 0.
func Ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	r, _ := decimal.NewFromInt(num).Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(den)).Round(4).Float64()
	return r
}
