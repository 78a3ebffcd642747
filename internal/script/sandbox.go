package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/STTM-NSU/trading-core/internal/chart"
	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/model"
	"go.starlark.net/starlark"
)

const (
	FlagAfter = 3

	_softLimit = 50 * time.Millisecond
	_maxSteps  = 2_000_000
	_chartBars = 400
)

// Charts is the read side of the chart cache.
type Charts interface {
	Bars(key model.ChartKey, n int) chart.Series
}

// Args are the per-evaluation values a script sees.
type Args struct {
	Symbol    string
	Name      string
	LastPrice int64
	HeldQty   int64
	BuyTime   time.Time
}

type Sandbox struct {
	charts     Charts
	indicators config.IndicatorsConfig
	logger     logger.Logger
	softLimit  time.Duration
	modules    *modules
}

func NewSandbox(charts Charts, indicators config.IndicatorsConfig, seed int64, log logger.Logger) *Sandbox {
	indicators.Setup()
	return &Sandbox{
		charts:     charts,
		indicators: indicators,
		logger:     logger.Component(log, "script"),
		softLimit:  _softLimit,
		modules:    newModules(seed),
	}
}

// Eval runs p with args and returns the truth of result. A failing run is false.
func (s *Sandbox) Eval(ctx context.Context, p *Program, args Args) bool {
	ok, err := s.Run(ctx, p, args)
	if flagged := p.record(err != nil); err != nil {
		s.logger.With("incident", "script_error").Warnf("%s: error evaluating %s for %s", err, p.Name, args.Symbol)
		if flagged {
			s.logger.With("incident", "script_flagged").Errorf("script %s failed %d times in a row", p.Name, FlagAfter)
		}
	}
	return ok
}

// Run evaluates p once and reports runtime errors to the caller.
func (s *Sandbox) Run(ctx context.Context, p *Program, args Args) (bool, error) {
	thread := &starlark.Thread{
		Name:  p.Name,
		Load:  s.modules.load,
		Print: func(_ *starlark.Thread, msg string) { s.logger.Debugf("%s: %s", p.Name, msg) },
	}
	thread.SetMaxExecutionSteps(_maxSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel("context done") })
	defer stop()

	started := time.Now()
	globals, err := p.prog.Init(thread, s.predeclared(args))
	if elapsed := time.Since(started); elapsed > s.softLimit {
		s.logger.Warnf("script %s took %s for %s", p.Name, elapsed, args.Symbol)
	}
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return false, fmt.Errorf("%w: %s", err, evalErr.Backtrace())
		}
		return false, err
	}

	v, ok := globals[ResultVar]
	if !ok {
		return false, ErrNoResult
	}
	return bool(v.Truth()), nil
}

func (s *Sandbox) predeclared(args Args) starlark.StringDict {
	var buyTs starlark.Value = starlark.MakeInt(0)
	if !args.BuyTime.IsZero() {
		buyTs = starlark.MakeInt64(args.BuyTime.Unix())
	}
	env := starlark.StringDict{
		"symbol":        starlark.String(args.Symbol),
		"name":          starlark.String(args.Name),
		"last_price":    starlark.MakeInt64(args.LastPrice),
		"held_qty":      starlark.MakeInt64(args.HeldQty),
		"buy_timestamp": buyTs,
		"ChartManager":  starlark.NewBuiltin("ChartManager", s.chartManager(args.Symbol)),
	}
	for k, v := range _helpers {
		env[k] = v
	}
	return env
}

// _predeclaredNames is fixed so programs can be resolved at compile time.
var _predeclaredNames = map[string]bool{
	"symbol":        true,
	"name":          true,
	"last_price":    true,
	"held_qty":      true,
	"buy_timestamp": true,
	"ChartManager":  true,
}

func isPredeclared(name string) bool {
	if _predeclaredNames[name] {
		return true
	}
	_, ok := _helpers[name]
	return ok
}
