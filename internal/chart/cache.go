package chart

import (
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
)

const (
	_defaultMinuteBars = 800
	_defaultDayBars    = 400
	_defaultTickBars   = 600
)

type series struct {
	bars      []model.Bar
	ticks     int // ticks folded into the head bar, tick cycles only
	flushedAt time.Time
}

func (s *series) head() *model.Bar {
	if len(s.bars) == 0 {
		return nil
	}
	return &s.bars[len(s.bars)-1]
}

func (s *series) trim(limit int) {
	if len(s.bars) > limit {
		s.bars = append(s.bars[:0:0], s.bars[len(s.bars)-limit:]...)
	}
}

type symbolCharts struct {
	minute   series
	day      series
	ticks    map[int]*series
	lastTick time.Time
	last     int64
	warm     bool
}

// Cache keeps the minute-1, day and tick-N bars of every symbol seen on the feed. Longer cycles
// are derived on read. Apply is meant to be called from a single goroutine; readers get copies.
type Cache struct {
	mu      sync.RWMutex
	symbols map[string]*symbolCharts
	logger  logger.Logger

	minuteBars int
	dayBars    int
	tickBars   int
}

type Option func(*Cache)

func WithLimits(minuteBars, dayBars, tickBars int) Option {
	return func(c *Cache) {
		if minuteBars > 0 {
			c.minuteBars = minuteBars
		}
		if dayBars > 0 {
			c.dayBars = dayBars
		}
		if tickBars > 0 {
			c.tickBars = tickBars
		}
	}
}

func NewCache(log logger.Logger, opts ...Option) *Cache {
	c := &Cache{
		symbols:    make(map[string]*symbolCharts),
		logger:     logger.Component(log, "chart"),
		minuteBars: _defaultMinuteBars,
		dayBars:    _defaultDayBars,
		tickBars:   _defaultTickBars,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) charts(symbol string) *symbolCharts {
	sc, ok := c.symbols[symbol]
	if !ok {
		sc = &symbolCharts{ticks: make(map[int]*series)}
		c.symbols[symbol] = sc
	}
	return sc
}

// Track registers a tick-N buffer for symbol. Minute and day buffers exist for every symbol.
func (c *Cache) Track(symbol string, tickMultiplier int) {
	if tickMultiplier <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.charts(symbol)
	if _, ok := sc.ticks[tickMultiplier]; !ok {
		sc.ticks[tickMultiplier] = &series{}
	}
}

func minuteStart(t time.Time) time.Time {
	return t.In(market.KST()).Truncate(time.Minute)
}

func dayStart(t time.Time) time.Time {
	t = t.In(market.KST())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, market.KST())
}

// Apply folds a tick into the symbol's buffers. Ticks older than the last applied one are
// dropped and reported as false.
func (c *Cache) Apply(t model.Tick) bool {
	if t.Price <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := c.charts(t.Symbol)
	if !sc.lastTick.IsZero() && t.Time.Before(sc.lastTick) {
		c.logger.Debugf("out of order tick %s at %s, last %s", t.Symbol, t.Time, sc.lastTick)
		return false
	}
	sc.lastTick = t.Time
	sc.last = t.Price

	price := float64(t.Price)
	vol := float64(t.Volume)
	tickBar := model.Bar{Open: price, High: price, Low: price, Close: price, Volume: vol, Turnover: price * vol}

	bar := tickBar
	bar.Time = minuteStart(t.Time)
	foldTime(&sc.minute, bar)
	sc.minute.trim(c.minuteBars)

	bar = tickBar
	bar.Time = dayStart(t.Time)
	if h := sc.day.head(); h == nil || bar.Time.After(h.Time) {
		if t.Open > 0 {
			bar.Open = float64(t.Open)
			bar.High = max(bar.High, float64(t.Open))
			bar.Low = min(bar.Low, float64(t.Open))
		}
	}
	foldTime(&sc.day, bar)
	if t.High > 0 || t.Low > 0 {
		h := sc.day.head()
		if t.High > 0 {
			h.High = max(h.High, float64(t.High))
		}
		if t.Low > 0 {
			h.Low = min(h.Low, float64(t.Low))
		}
	}
	sc.day.trim(c.dayBars)

	for n, s := range sc.ticks {
		bar = tickBar
		bar.Time = t.Time
		h := s.head()
		if h == nil || (s.ticks >= n && t.Time.After(h.Time)) {
			s.bars = append(s.bars, bar)
			s.ticks = 1
		} else {
			h.Merge(bar)
			s.ticks++
		}
		s.trim(c.tickBars)
	}
	return true
}

// foldTime merges bar into the head when it belongs to the same period, appends it when it
// opens a later one.
func foldTime(s *series, bar model.Bar) {
	h := s.head()
	switch {
	case h == nil || bar.Time.After(h.Time):
		s.bars = append(s.bars, bar)
	case bar.Time.Equal(h.Time):
		h.Merge(bar)
	}
}

// Bars returns a copy of the last n bars of key in chronological order, all of them when n <= 0.
func (c *Cache) Bars(key model.ChartKey, n int) Series {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sc, ok := c.symbols[key.Symbol]
	if !ok {
		return nil
	}
	mult := max(key.Multiplier, 1)

	var out []model.Bar
	switch key.Cycle {
	case model.CycleTick:
		s, ok := sc.ticks[mult]
		if !ok {
			return nil
		}
		out = tail(s.bars, n)
	case model.CycleMinute:
		if mult == 1 {
			out = tail(sc.minute.bars, n)
		} else {
			out = tail(aggregateCount(sc.minute.bars, mult), n)
		}
	case model.CycleDay:
		if mult == 1 {
			out = tail(sc.day.bars, n)
		} else {
			out = tail(aggregateCount(sc.day.bars, mult), n)
		}
	case model.CycleWeek:
		out = tail(aggregateCount(aggregate(sc.day.bars, weekStart), mult), n)
	case model.CycleMonth:
		out = tail(aggregateCount(aggregate(sc.day.bars, monthStart), mult), n)
	}
	return Series(out)
}

func tail(bars []model.Bar, n int) []model.Bar {
	if n <= 0 || n > len(bars) {
		n = len(bars)
	}
	out := make([]model.Bar, n)
	copy(out, bars[len(bars)-n:])
	return out
}

func weekStart(t time.Time) time.Time {
	day := dayStart(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func monthStart(t time.Time) time.Time {
	t = t.In(market.KST())
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, market.KST())
}

// aggregate groups chronologically ordered bars by bucket start.
func aggregate(bars []model.Bar, bucket func(time.Time) time.Time) []model.Bar {
	out := make([]model.Bar, 0, len(bars))
	for _, b := range bars {
		start := bucket(b.Time)
		if n := len(out); n > 0 && out[n-1].Time.Equal(start) {
			out[n-1].Merge(b)
			continue
		}
		b.Time = start
		out = append(out, b)
	}
	return out
}

// aggregateCount merges every n consecutive bars, oldest first.
func aggregateCount(bars []model.Bar, n int) []model.Bar {
	if n <= 1 {
		return bars
	}
	out := make([]model.Bar, 0, len(bars)/n+1)
	for i, b := range bars {
		if i%n == 0 {
			out = append(out, b)
			continue
		}
		out[len(out)-1].Merge(b)
	}
	return out
}

// Backfill inserts historical bars in front of what the feed already built. Bars not older
// than the current first bar are ignored so the live head is never overwritten.
func (c *Cache) Backfill(key model.ChartKey, bars []model.Bar) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := c.charts(key.Symbol)
	var s *series
	limit := c.minuteBars
	switch key.Cycle {
	case model.CycleMinute:
		s = &sc.minute
	case model.CycleDay:
		s, limit = &sc.day, c.dayBars
	default:
		return 0
	}

	older := make([]model.Bar, 0, len(bars))
	for _, b := range bars {
		if len(s.bars) > 0 && !b.Time.Before(s.bars[0].Time) {
			continue
		}
		if n := len(older); n > 0 && !b.Time.After(older[n-1].Time) {
			continue
		}
		older = append(older, b)
	}
	if len(older) == 0 {
		return 0
	}
	s.bars = append(older, s.bars...)
	s.trim(limit)
	return len(older)
}

func (c *Cache) SetWarm(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.charts(symbol).warm = true
}

// Warm reports whether minute and day history has been loaded for symbol.
func (c *Cache) Warm(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.symbols[symbol]
	return ok && sc.warm
}

func (c *Cache) Known(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.symbols[symbol]
	return ok
}

// Last is the price of the last applied tick.
func (c *Cache) Last(symbol string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.symbols[symbol]
	if !ok || sc.last == 0 {
		return 0, false
	}
	return sc.last, true
}

// Reset drops every buffer, used when a replay restarts.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = make(map[string]*symbolCharts)
}

type pending struct {
	key  model.ChartKey
	bars []model.Bar
}

// unflushed collects bars changed since the previous flush and moves the flush marks.
func (c *Cache) unflushed() []pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []pending
	collect := func(key model.ChartKey, s *series) {
		if len(s.bars) == 0 {
			return
		}
		i := len(s.bars)
		for i > 0 && !s.bars[i-1].Time.Before(s.flushedAt) {
			i--
		}
		if i == len(s.bars) {
			return
		}
		out = append(out, pending{key: key, bars: append([]model.Bar(nil), s.bars[i:]...)})
		s.flushedAt = s.head().Time
	}
	for symbol, sc := range c.symbols {
		collect(model.ChartKey{Symbol: symbol, Cycle: model.CycleMinute, Multiplier: 1}, &sc.minute)
		collect(model.ChartKey{Symbol: symbol, Cycle: model.CycleDay, Multiplier: 1}, &sc.day)
		for n, s := range sc.ticks {
			collect(model.ChartKey{Symbol: symbol, Cycle: model.CycleTick, Multiplier: n}, s)
		}
	}
	return out
}
