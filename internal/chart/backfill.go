package chart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"go.uber.org/ratelimit"
)

// Source answers historical chart requests, the broker's minute and daily chart TRs.
type Source interface {
	MinuteBars(ctx context.Context, symbol string, count int) ([]model.Bar, error)
	DayBars(ctx context.Context, symbol string, count int) ([]model.Bar, error)
}

const (
	_defaultWarmupBars = 120
	_backfillQueue     = 256
)

// Backfiller loads minute and day history for symbols the strategies start looking at. The
// chart database is tried first, the broker second.
type Backfiller struct {
	cache  *Cache
	store  *Store
	source Source
	clock  market.Clock
	logger logger.Logger

	rateLimiter ratelimit.Limiter
	bars        int

	queue    chan string
	mu       sync.Mutex
	inflight map[string]struct{}
	onWarm   []func(symbol string)
}

func NewBackfiller(cache *Cache, store *Store, source Source, clock market.Clock, warmupBars int, log logger.Logger) *Backfiller {
	if warmupBars <= 0 {
		warmupBars = _defaultWarmupBars
	}
	return &Backfiller{
		cache:       cache,
		store:       store,
		source:      source,
		clock:       clock,
		logger:      logger.Component(log, "backfill"),
		rateLimiter: ratelimit.New(60, ratelimit.Per(time.Minute)),
		bars:        warmupBars,
		queue:       make(chan string, _backfillQueue),
		inflight:    make(map[string]struct{}),
	}
}

// OnWarm registers a callback run after a symbol's history is loaded.
func (b *Backfiller) OnWarm(f func(symbol string)) {
	b.onWarm = append(b.onWarm, f)
}

// Request schedules a backfill unless the symbol is already warm or queued.
func (b *Backfiller) Request(symbol string) bool {
	if b.cache.Warm(symbol) {
		return false
	}
	b.mu.Lock()
	if _, ok := b.inflight[symbol]; ok {
		b.mu.Unlock()
		return false
	}
	b.inflight[symbol] = struct{}{}
	b.mu.Unlock()

	select {
	case b.queue <- symbol:
		return true
	default:
		b.logger.Warnf("backfill queue full, skipping %s", symbol)
		b.mu.Lock()
		delete(b.inflight, symbol)
		b.mu.Unlock()
		return false
	}
}

func (b *Backfiller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case symbol := <-b.queue:
			if err := b.Load(ctx, symbol); err != nil {
				b.logger.Errorf("%s: error backfilling %s", err, symbol)
			}
			b.mu.Lock()
			delete(b.inflight, symbol)
			b.mu.Unlock()
		}
	}
}

// Load fills minute-1 and day history of symbol and marks it warm.
func (b *Backfiller) Load(ctx context.Context, symbol string) error {
	now := b.clock.Now()

	minuteKey := model.ChartKey{Symbol: symbol, Cycle: model.CycleMinute, Multiplier: 1}
	minutes, err := b.load(ctx, minuteKey, now.Add(-time.Duration(b.bars)*time.Minute*3), now, b.source.MinuteBars)
	if err != nil {
		return err
	}
	dayKey := model.ChartKey{Symbol: symbol, Cycle: model.CycleDay, Multiplier: 1}
	days, err := b.load(ctx, dayKey, now.AddDate(0, 0, -2*b.bars), dayStart(now), b.source.DayBars)
	if err != nil {
		return err
	}

	b.cache.Backfill(minuteKey, minutes)
	b.cache.Backfill(dayKey, days)
	b.cache.SetWarm(symbol)
	b.logger.Debugf("backfilled %s: %d minute bars, %d day bars", symbol, len(minutes), len(days))

	for _, f := range b.onWarm {
		f(symbol)
	}
	return nil
}

func (b *Backfiller) load(
	ctx context.Context,
	key model.ChartKey,
	from, to time.Time,
	fetch func(context.Context, string, int) ([]model.Bar, error),
) ([]model.Bar, error) {
	if b.store != nil {
		dbBars, err := b.store.LoadBars(ctx, key, from, to)
		if err != nil {
			b.logger.Errorf("%s: error loading %s from chart db", err, key)
		}
		if len(dbBars) >= b.bars {
			return dbBars, nil
		}
	}

	b.rateLimiter.Take()
	bars, err := fetch(ctx, key.Symbol, b.bars)
	if err != nil {
		return nil, fmt.Errorf("%w: can't get %s bars from broker", err, key)
	}
	if b.store != nil {
		if err := b.store.SaveBars(ctx, key, bars); err != nil {
			b.logger.Errorf("%s: error saving %s", err, key)
		}
	}
	return bars, nil
}
