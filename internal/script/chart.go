package script

import (
	"fmt"

	"github.com/STTM-NSU/trading-core/internal/chart"
	"github.com/STTM-NSU/trading-core/internal/model"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type builtinFn = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// chartManager builds ChartManager(cycle="minute", mult=1). The returned object works on a
// copy of the bars taken at construction.
func (s *Sandbox) chartManager(symbol string) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		cycle, mult, bars := "minute", 1, _chartBars
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cycle?", &cycle, "mult?", &mult, "bars?", &bars); err != nil {
			return nil, err
		}
		key := model.ChartKey{Symbol: symbol, Cycle: model.Cycle(cycle), Multiplier: mult}
		if !key.Cycle.Valid() || mult <= 0 {
			return nil, fmt.Errorf("ChartManager: bad chart %s", key)
		}
		return s.chartObject(s.charts.Bars(key, bars)), nil
	}
}

func (s *Sandbox) chartObject(series chart.Series) *starlarkstruct.Struct {
	ind := s.indicators
	field := func(name string, get func(int) float64) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			offset := 0
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "offset?", &offset); err != nil {
				return nil, err
			}
			if _, ok := series.At(offset); !ok {
				return nil, fmt.Errorf("%s: offset %d out of %d bars", b.Name(), offset, series.Len())
			}
			return starlark.Float(get(offset)), nil
		})
	}
	// windowed wraps an indicator over one column taking (period, offset=0, field="close").
	windowed := func(name string, f func([]float64, int, int) (float64, error)) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var period, offset int
			col := string(chart.FieldClose)
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "period", &period, "offset?", &offset, "field?", &col); err != nil {
				return nil, err
			}
			if !chart.Field(col).Valid() {
				return nil, fmt.Errorf("%s: unknown field %q", b.Name(), col)
			}
			v, err := f(series.Values(chart.Field(col)), period, offset)
			if err != nil {
				return nil, err
			}
			return starlark.Float(v), nil
		})
	}

	members := starlark.StringDict{
		"open":     field("open", series.Open),
		"high":     field("high", series.High),
		"low":      field("low", series.Low),
		"close":    field("close", series.Close),
		"volume":   field("volume", series.Volume),
		"turnover": field("turnover", series.Turnover),
		"len": starlark.NewBuiltin("len", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			return starlark.MakeInt(series.Len()), nil
		}),
		"values": starlark.NewBuiltin("values", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			col, n := string(chart.FieldClose), 0
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "field?", &col, "n?", &n); err != nil {
				return nil, err
			}
			vals := series.Values(chart.Field(col))
			if n > 0 && n < len(vals) {
				vals = vals[len(vals)-n:]
			}
			return floatList(vals), nil
		}),
		"sma":     windowed("sma", chart.SMA),
		"ema":     windowed("ema", chart.EMA),
		"wma":     windowed("wma", chart.WMA),
		"highest": windowed("highest", chart.Highest),
		"lowest":  windowed("lowest", chart.Lowest),
		"sum":     windowed("sum", chart.Sum),
		"stdev":   windowed("stdev", chart.Stdev),
		"rsi": starlark.NewBuiltin("rsi", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			period, offset := ind.RSI.Length, 0
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "period?", &period, "offset?", &offset); err != nil {
				return nil, err
			}
			v, err := chart.RSI(series.Closes(), period, offset)
			if err != nil {
				return nil, err
			}
			return starlark.Float(v), nil
		}),
		"atr": starlark.NewBuiltin("atr", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			period, offset := ind.ATRLength, 0
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "period?", &period, "offset?", &offset); err != nil {
				return nil, err
			}
			v, err := chart.ATR(series, period, offset)
			if err != nil {
				return nil, err
			}
			return starlark.Float(v), nil
		}),
		"bbands": starlark.NewBuiltin("bbands", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			period, offset := ind.BollingerBands.Length, 0
			var dev starlark.Value = starlark.Float(ind.BollingerBands.Deviation)
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "period?", &period, "deviation?", &dev, "offset?", &offset); err != nil {
				return nil, err
			}
			d, ok := starlark.AsFloat(dev)
			if !ok {
				return nil, fmt.Errorf("bbands: deviation must be a number")
			}
			bands, err := chart.Bollinger(series.Closes(), period, d, offset)
			if err != nil {
				return nil, err
			}
			return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
				"upper":  starlark.Float(bands.Upper),
				"middle": starlark.Float(bands.Middle),
				"lower":  starlark.Float(bands.Lower),
			}), nil
		}),
		"stoch": starlark.NewBuiltin("stoch", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			k, d, offset := ind.Stochastic.KLength, ind.Stochastic.DLength, 0
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "k?", &k, "d?", &d, "offset?", &offset); err != nil {
				return nil, err
			}
			kv, dv, err := chart.Stochastic(series, k, d, offset)
			if err != nil {
				return nil, err
			}
			return starlark.Tuple{starlark.Float(kv), starlark.Float(dv)}, nil
		}),
		"macd": starlark.NewBuiltin("macd", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			fast, slow, signal, offset := ind.MACD.FastLength, ind.MACD.SlowLength, ind.MACD.SignalSmoothing, 0
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fast?", &fast, "slow?", &slow, "signal?", &signal, "offset?", &offset); err != nil {
				return nil, err
			}
			v, err := chart.MACD(series.Closes(), fast, slow, signal, offset)
			if err != nil {
				return nil, err
			}
			return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
				"macd":      starlark.Float(v.MACD),
				"signal":    starlark.Float(v.Signal),
				"histogram": starlark.Float(v.Histogram),
			}), nil
		}),
		"obv": starlark.NewBuiltin("obv", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			offset := 0
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "offset?", &offset); err != nil {
				return nil, err
			}
			obv := chart.OBV(series.Closes(), series.Values(chart.FieldVolume))
			i := len(obv) - 1 - offset
			if offset < 0 || i < 0 {
				return nil, fmt.Errorf("obv: offset %d out of %d bars", offset, len(obv))
			}
			return starlark.Float(obv[i]), nil
		}),
		"ma_cross_up": starlark.NewBuiltin("ma_cross_up", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return maCross(b, args, kwargs, series, chart.CrossUp)
		}),
		"ma_cross_down": starlark.NewBuiltin("ma_cross_down", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return maCross(b, args, kwargs, series, chart.CrossDown)
		}),
		"highest_offset": starlark.NewBuiltin("highest_offset", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return extremumOffset(b, args, kwargs, series, chart.HighestOffset)
		}),
		"lowest_offset": starlark.NewBuiltin("lowest_offset", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return extremumOffset(b, args, kwargs, series, chart.LowestOffset)
		}),
		"is_local_max": starlark.NewBuiltin("is_local_max", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return localExtremum(b, args, kwargs, series, chart.IsLocalMax)
		}),
		"is_local_min": starlark.NewBuiltin("is_local_min", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return localExtremum(b, args, kwargs, series, chart.IsLocalMin)
		}),
		"top_volume_avg": starlark.NewBuiltin("top_volume_avg", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return topK(b, args, kwargs, series.Values(chart.FieldVolume))
		}),
		"top_turnover_avg": starlark.NewBuiltin("top_turnover_avg", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return topK(b, args, kwargs, series.Values(chart.FieldTurnover))
		}),
		"consecutive": starlark.NewBuiltin("consecutive", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return predicateScan(thread, b, args, kwargs, series.Len(), chart.Consecutive)
		}),
		"bars_since": starlark.NewBuiltin("bars_since", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return predicateScan(thread, b, args, kwargs, series.Len(), chart.BarsSince)
		}),
	}
	return starlarkstruct.FromStringDict(starlark.String("Chart"), members)
}

func maCross(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, series chart.Series, cross func(a, b []float64) bool) (starlark.Value, error) {
	var fast, slow int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fast", &fast, "slow", &slow); err != nil {
		return nil, err
	}
	closes := series.Closes()
	var fa, sl [2]float64
	for i := 0; i < 2; i++ {
		var err error
		if fa[i], err = chart.SMA(closes, fast, 1-i); err != nil {
			return nil, err
		}
		if sl[i], err = chart.SMA(closes, slow, 1-i); err != nil {
			return nil, err
		}
	}
	return starlark.Bool(cross(fa[:], sl[:])), nil
}

func extremumOffset(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, series chart.Series, f func([]float64, int) (int, error)) (starlark.Value, error) {
	var period int
	col := string(chart.FieldClose)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "period", &period, "field?", &col); err != nil {
		return nil, err
	}
	off, err := f(series.Values(chart.Field(col)), period)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(off), nil
}

func localExtremum(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, series chart.Series, f func([]float64, int, int) bool) (starlark.Value, error) {
	var offset, span int
	col := string(chart.FieldClose)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "offset", &offset, "span", &span, "field?", &col); err != nil {
		return nil, err
	}
	return starlark.Bool(f(series.Values(chart.Field(col)), offset, span)), nil
}

func topK(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, values []float64) (starlark.Value, error) {
	var period, k int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "period", &period, "k", &k); err != nil {
		return nil, err
	}
	v, err := chart.TopKAverage(values, period, k)
	if err != nil {
		return nil, err
	}
	return starlark.Float(v), nil
}

// predicateScan calls a script callable with each offset, newest first.
func predicateScan(
	thread *starlark.Thread,
	b *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
	bars int,
	scan func(int, func(int) bool) int,
) (starlark.Value, error) {
	var pred starlark.Callable
	n := bars
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pred", &pred, "n?", &n); err != nil {
		return nil, err
	}
	var callErr error
	res := scan(min(n, bars), func(offset int) bool {
		if callErr != nil {
			return false
		}
		v, err := starlark.Call(thread, pred, starlark.Tuple{starlark.MakeInt(offset)}, nil)
		if err != nil {
			callErr = err
			return false
		}
		return bool(v.Truth())
	})
	if callErr != nil {
		return nil, callErr
	}
	return starlark.MakeInt(res), nil
}

func floatList(values []float64) *starlark.List {
	elems := make([]starlark.Value, len(values))
	for i, v := range values {
		elems[i] = starlark.Float(v)
	}
	return starlark.NewList(elems)
}
