package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/STTM-NSU/trading-core/internal/chart"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/model"
)

const (
	// the synthetic walk assumes this many ticks per bar when scaling bar statistics
	_ticksPerMinute = 20.0
	_sessionMinutes = 390.0

	_warmupQueue = 64
)

var ErrShortHistory = errors.New("not enough history to estimate")

// EstimateParams derives per-tick walk parameters from minute bars: the population standard
// deviation of minute log returns scaled down to a tick, and the mean minute volume split
// across its ticks.
func EstimateParams(bars []model.Bar) (Params, error) {
	returns := make([]float64, 0, len(bars))
	var volume float64
	for i, b := range bars {
		volume += b.Volume
		if i == 0 || bars[i-1].Close <= 0 || b.Close <= 0 {
			continue
		}
		returns = append(returns, math.Log(b.Close/bars[i-1].Close))
	}
	if len(returns) < 2 {
		return Params{}, fmt.Errorf("%w: %d bars", ErrShortHistory, len(bars))
	}
	sd, err := chart.Stdev(returns, len(returns), 0)
	if err != nil {
		return Params{}, err
	}
	p := Params{
		Volatility: sd / math.Sqrt(_ticksPerMinute),
		Volume:     volume / float64(len(bars)) / _ticksPerMinute,
	}
	if p.Volatility <= 0 {
		p.Volatility = _defaultVol
	}
	return p, nil
}

// Warmer fits the synthetic walk of a symbol to its real recent minute chart. It runs the
// fetches off the walker's goroutine, once per symbol.
type Warmer struct {
	walker *Walker
	source chart.Source
	bars   int
	logger logger.Logger

	queue chan string
	mu    sync.Mutex
	done  map[string]bool
}

func NewWarmer(walker *Walker, source chart.Source, bars int, log logger.Logger) *Warmer {
	return &Warmer{
		walker: walker,
		source: source,
		bars:   bars,
		logger: logger.Component(log, "warmup"),
		queue:  make(chan string, _warmupQueue),
		done:   make(map[string]bool),
	}
}

// Request queues symbol for a fit unless it was fitted already.
func (w *Warmer) Request(symbol string) {
	w.mu.Lock()
	if w.done[symbol] {
		w.mu.Unlock()
		return
	}
	w.done[symbol] = true
	w.mu.Unlock()

	select {
	case w.queue <- symbol:
	default:
		w.logger.Warnf("warmup queue full, %s keeps default parameters", symbol)
		w.mu.Lock()
		delete(w.done, symbol)
		w.mu.Unlock()
	}
}

// Fit fetches the minute chart of symbol and applies the estimated parameters.
func (w *Warmer) Fit(ctx context.Context, symbol string) error {
	bars, err := w.source.MinuteBars(ctx, symbol, w.bars)
	if err != nil {
		return fmt.Errorf("%w: can't fetch minute chart of %s", err, symbol)
	}
	p, err := EstimateParams(bars)
	if err != nil {
		return fmt.Errorf("%w: can't estimate %s", err, symbol)
	}
	if err := w.walker.SetParams(symbol, p); err != nil {
		return err
	}
	w.logger.Infof("%s fitted: volatility %.5f, volume %.1f per tick", symbol, p.Volatility, p.Volume)
	return nil
}

// Prime rebases every walk on its last real close and fits it, before the walk starts.
func (w *Warmer) Prime(ctx context.Context) {
	for _, symbol := range w.walker.Symbols() {
		bars, err := w.source.MinuteBars(ctx, symbol, w.bars)
		if err != nil {
			w.logger.Errorf("%s: error fetching minute chart of %s", err, symbol)
			continue
		}
		if len(bars) > 0 {
			if err := w.walker.Rebase(symbol, int64(bars[len(bars)-1].Close)); err != nil {
				w.logger.Errorf("%s: error rebasing %s", err, symbol)
			}
		}
		if p, err := EstimateParams(bars); err == nil {
			_ = w.walker.SetParams(symbol, p)
		}
	}
}

func (w *Warmer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case symbol := <-w.queue:
			if err := w.Fit(ctx, symbol); err != nil {
				w.logger.Errorf("%s: error warming up %s", err, symbol)
			}
		}
	}
}
