package chart

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrNotEnoughData = errors.New("not enough bars")

func notEnough(name string, have, need int) error {
	return fmt.Errorf("%w: %s needs %d, got %d", ErrNotEnoughData, name, need, have)
}

func upto(values []float64, offset int) []float64 {
	if offset <= 0 {
		return values
	}
	if offset >= len(values) {
		return nil
	}
	return values[:len(values)-offset]
}

func SMA(values []float64, period, offset int) (float64, error) {
	values = upto(values, offset)
	if period <= 0 || len(values) < period {
		return 0, notEnough("sma", len(values), period)
	}
	var total float64
	for _, v := range values[len(values)-period:] {
		total += v
	}
	return total / float64(period), nil
}

// emaSeries seeds with the SMA of the first period values. Entries before period-1 are zero.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	out[period-1] = seed / float64(period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = (values[i]-out[i-1])*k + out[i-1]
	}
	return out
}

func EMA(values []float64, period, offset int) (float64, error) {
	values = upto(values, offset)
	if period <= 0 || len(values) < period {
		return 0, notEnough("ema", len(values), period)
	}
	ema := emaSeries(values, period)
	return ema[len(ema)-1], nil
}

// WMA weights the newest value by period, the oldest by 1.
func WMA(values []float64, period, offset int) (float64, error) {
	values = upto(values, offset)
	if period <= 0 || len(values) < period {
		return 0, notEnough("wma", len(values), period)
	}
	var total, weights float64
	for i, v := range values[len(values)-period:] {
		w := float64(i + 1)
		total += v * w
		weights += w
	}
	return total / weights, nil
}

func window(values []float64, period, offset int) ([]float64, bool) {
	values = upto(values, offset)
	if period <= 0 || len(values) < period {
		return nil, false
	}
	return values[len(values)-period:], true
}

func Highest(values []float64, period, offset int) (float64, error) {
	w, ok := window(values, period, offset)
	if !ok {
		return 0, notEnough("highest", len(upto(values, offset)), period)
	}
	hi := w[0]
	for _, v := range w[1:] {
		hi = max(hi, v)
	}
	return hi, nil
}

func Lowest(values []float64, period, offset int) (float64, error) {
	w, ok := window(values, period, offset)
	if !ok {
		return 0, notEnough("lowest", len(upto(values, offset)), period)
	}
	lo := w[0]
	for _, v := range w[1:] {
		lo = min(lo, v)
	}
	return lo, nil
}

func Sum(values []float64, period, offset int) (float64, error) {
	w, ok := window(values, period, offset)
	if !ok {
		return 0, notEnough("sum", len(upto(values, offset)), period)
	}
	var total float64
	for _, v := range w {
		total += v
	}
	return total, nil
}

// Stdev is the population standard deviation over the window.
func Stdev(values []float64, period, offset int) (float64, error) {
	w, ok := window(values, period, offset)
	if !ok {
		return 0, notEnough("stdev", len(upto(values, offset)), period)
	}
	mean, _ := SMA(w, period, 0)
	var acc float64
	for _, v := range w {
		acc += (v - mean) * (v - mean)
	}
	return math.Sqrt(acc / float64(period)), nil
}

// CrossUp reports a crossing from at-or-below to above between the previous and newest values.
func CrossUp(a, b []float64) bool {
	if len(a) < 2 || len(b) < 2 {
		return false
	}
	ia, ib := len(a)-1, len(b)-1
	return a[ia-1] <= b[ib-1] && a[ia] > b[ib]
}

func CrossDown(a, b []float64) bool {
	if len(a) < 2 || len(b) < 2 {
		return false
	}
	ia, ib := len(a)-1, len(b)-1
	return a[ia-1] >= b[ib-1] && a[ia] < b[ib]
}

func OBV(closes, volumes []float64) []float64 {
	n := min(len(closes), len(volumes))
	out := make([]float64, n)
	for i := 1; i < n; i++ {
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// RSI uses Wilder smoothing.
func RSI(values []float64, period, offset int) (float64, error) {
	values = upto(values, offset)
	if period <= 0 || len(values) <= period {
		return 0, notEnough("rsi", len(values), period+1)
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	p := float64(period)
	avgGain /= p
	avgLoss /= p

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// ATR uses Wilder smoothing over true ranges.
func ATR(s Series, period, offset int) (float64, error) {
	s = s.Upto(offset)
	if period <= 0 || len(s) < period+1 {
		return 0, notEnough("atr", len(s), period+1)
	}
	tr := make([]float64, len(s))
	tr[0] = s[0].High - s[0].Low
	for i := 1; i < len(s); i++ {
		prevClose := s[i-1].Close
		tr[i] = max(s[i].High-s[i].Low, math.Abs(s[i].High-prevClose), math.Abs(s[i].Low-prevClose))
	}
	var atr float64
	for _, v := range tr[:period] {
		atr += v
	}
	atr /= float64(period)
	for i := period; i < len(tr); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
	}
	return atr, nil
}

type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

func Bollinger(values []float64, period int, deviation float64, offset int) (Bands, error) {
	mid, err := SMA(values, period, offset)
	if err != nil {
		return Bands{}, err
	}
	sd, err := Stdev(values, period, offset)
	if err != nil {
		return Bands{}, err
	}
	return Bands{Upper: mid + deviation*sd, Middle: mid, Lower: mid - deviation*sd}, nil
}

// Stochastic returns the fast %K and its %D smoothing.
func Stochastic(s Series, kPeriod, dPeriod, offset int) (k, d float64, err error) {
	s = s.Upto(offset)
	need := kPeriod + dPeriod - 1
	if kPeriod <= 0 || dPeriod <= 0 || len(s) < need {
		return 0, 0, notEnough("stochastic", len(s), need)
	}
	highs, lows, closes := s.Values(FieldHigh), s.Values(FieldLow), s.Closes()
	ks := make([]float64, 0, dPeriod)
	for back := dPeriod - 1; back >= 0; back-- {
		hi, _ := Highest(highs, kPeriod, back)
		lo, _ := Lowest(lows, kPeriod, back)
		c := closes[len(closes)-1-back]
		if hi == lo {
			ks = append(ks, 50)
			continue
		}
		ks = append(ks, (c-lo)/(hi-lo)*100)
	}
	d, _ = SMA(ks, dPeriod, 0)
	return ks[len(ks)-1], d, nil
}

type MACDValue struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

func MACD(values []float64, fast, slow, signal, offset int) (MACDValue, error) {
	values = upto(values, offset)
	need := slow + signal - 1
	if fast <= 0 || slow <= fast || signal <= 0 || len(values) < need {
		return MACDValue{}, notEnough("macd", len(values), need)
	}
	fastEMA := emaSeries(values, fast)
	slowEMA := emaSeries(values, slow)
	line := make([]float64, 0, len(values)-slow+1)
	for i := slow - 1; i < len(values); i++ {
		line = append(line, fastEMA[i]-slowEMA[i])
	}
	sig := emaSeries(line, signal)
	m, s := line[len(line)-1], sig[len(sig)-1]
	return MACDValue{MACD: m, Signal: s, Histogram: m - s}, nil
}

// HighestOffset returns the offset of the largest value among the last period values, the
// newest one winning ties.
func HighestOffset(values []float64, period int) (int, error) {
	w, ok := window(values, period, 0)
	if !ok {
		return 0, notEnough("highest_offset", len(values), period)
	}
	best := len(w) - 1
	for i := len(w) - 2; i >= 0; i-- {
		if w[i] > w[best] {
			best = i
		}
	}
	return len(w) - 1 - best, nil
}

func LowestOffset(values []float64, period int) (int, error) {
	w, ok := window(values, period, 0)
	if !ok {
		return 0, notEnough("lowest_offset", len(values), period)
	}
	best := len(w) - 1
	for i := len(w) - 2; i >= 0; i-- {
		if w[i] < w[best] {
			best = i
		}
	}
	return len(w) - 1 - best, nil
}

// IsLocalMax reports whether the value at offset is the maximum of the span bars on both sides.
func IsLocalMax(values []float64, offset, span int) bool {
	return localExtremum(values, offset, span, func(c, o float64) bool { return o > c })
}

func IsLocalMin(values []float64, offset, span int) bool {
	return localExtremum(values, offset, span, func(c, o float64) bool { return o < c })
}

func localExtremum(values []float64, offset, span int, beats func(center, other float64) bool) bool {
	i := len(values) - 1 - offset
	if span <= 0 || i-span < 0 || i+span >= len(values) {
		return false
	}
	for j := i - span; j <= i+span; j++ {
		if j != i && beats(values[i], values[j]) {
			return false
		}
	}
	return true
}

// TopKAverage averages the k largest values among the last period values.
func TopKAverage(values []float64, period, k int) (float64, error) {
	w, ok := window(values, period, 0)
	if !ok || k <= 0 {
		return 0, notEnough("top_k_average", len(values), period)
	}
	sorted := append([]float64(nil), w...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	k = min(k, len(sorted))
	var total float64
	for _, v := range sorted[:k] {
		total += v
	}
	return total / float64(k), nil
}

// Consecutive counts how many of the newest bars satisfy pred, stopping at the first miss.
func Consecutive(n int, pred func(offset int) bool) int {
	count := 0
	for offset := 0; offset < n && pred(offset); offset++ {
		count++
	}
	return count
}

// BarsSince returns the offset of the newest bar satisfying pred, or -1.
func BarsSince(n int, pred func(offset int) bool) int {
	for offset := 0; offset < n; offset++ {
		if pred(offset) {
			return offset
		}
	}
	return -1
}
