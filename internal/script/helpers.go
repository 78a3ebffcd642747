package script

import (
	"fmt"
	"math"

	"github.com/STTM-NSU/trading-core/internal/chart"
	"github.com/STTM-NSU/trading-core/internal/tools"
	"go.starlark.net/starlark"
)

// _helpers are the predeclared functions shared by every evaluation.
var _helpers = starlark.StringDict{
	"tick_size":     starlark.NewBuiltin("tick_size", tickSize),
	"round_to_tick": starlark.NewBuiltin("round_to_tick", roundToTick),
	"pct_change":    starlark.NewBuiltin("pct_change", pctChange),
	"clamp":         starlark.NewBuiltin("clamp", clamp),
	"fabs":          starlark.NewBuiltin("fabs", fabs),
	"sma":           listIndicator("sma", chart.SMA),
	"ema":           listIndicator("ema", chart.EMA),
	"wma":           listIndicator("wma", chart.WMA),
	"highest":       listIndicator("highest", chart.Highest),
	"lowest":        listIndicator("lowest", chart.Lowest),
	"rolling_sum":   listIndicator("rolling_sum", chart.Sum),
	"stdev":         listIndicator("stdev", chart.Stdev),
	"rsi":           listIndicator("rsi", chart.RSI),
	"cross_up":      listCross("cross_up", chart.CrossUp),
	"cross_down":    listCross("cross_down", chart.CrossDown),
}

func toFloats(name string, v starlark.Value) ([]float64, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: want a list of numbers, got %s", name, v.Type())
	}
	var out []float64
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		f, ok := starlark.AsFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: element %s is not a number", name, x.Type())
		}
		out = append(out, f)
	}
	return out, nil
}

func number(name string, v starlark.Value) (float64, error) {
	f, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s: want a number, got %s", name, v.Type())
	}
	return f, nil
}

func listIndicator(name string, f func([]float64, int, int) (float64, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			values         starlark.Value
			period, offset int
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "values", &values, "period", &period, "offset?", &offset); err != nil {
			return nil, err
		}
		floats, err := toFloats(b.Name(), values)
		if err != nil {
			return nil, err
		}
		v, err := f(floats, period, offset)
		if err != nil {
			return nil, err
		}
		return starlark.Float(v), nil
	})
}

func listCross(name string, f func(a, b []float64) bool) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x, y starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &x, "b", &y); err != nil {
			return nil, err
		}
		a, err := toFloats(b.Name(), x)
		if err != nil {
			return nil, err
		}
		c, err := toFloats(b.Name(), y)
		if err != nil {
			return nil, err
		}
		return starlark.Bool(f(a, c)), nil
	})
}

func tickSize(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var price starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "price", &price); err != nil {
		return nil, err
	}
	p, err := number(b.Name(), price)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt64(tools.TickSize(int64(p))), nil
}

func roundToTick(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		price  starlark.Value
		offset int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "price", &price, "offset?", &offset); err != nil {
		return nil, err
	}
	p, err := number(b.Name(), price)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt64(tools.RoundToTick(int64(p), offset)), nil
}

func pctChange(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, base starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &x, "base", &base); err != nil {
		return nil, err
	}
	v, err := number(b.Name(), x)
	if err != nil {
		return nil, err
	}
	bv, err := number(b.Name(), base)
	if err != nil {
		return nil, err
	}
	if bv == 0 {
		return nil, fmt.Errorf("%s: zero base", b.Name())
	}
	return starlark.Float((v - bv) / bv * 100), nil
}

func clamp(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, lo, hi starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x, "lo", &lo, "hi", &hi); err != nil {
		return nil, err
	}
	xs, err := number(b.Name(), x)
	if err != nil {
		return nil, err
	}
	l, err := number(b.Name(), lo)
	if err != nil {
		return nil, err
	}
	h, err := number(b.Name(), hi)
	if err != nil {
		return nil, err
	}
	return starlark.Float(math.Min(math.Max(xs, l), h)), nil
}

func fabs(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x); err != nil {
		return nil, err
	}
	v, err := number(b.Name(), x)
	if err != nil {
		return nil, err
	}
	return starlark.Float(math.Abs(v)), nil
}
