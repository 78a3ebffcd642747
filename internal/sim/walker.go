package sim

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/tools"
	"go.uber.org/ratelimit"
)

var ErrUnknownSymbol = errors.New("symbol not in the simulated universe")

// Bucket is the regime a synthetic walk is in, from A (surging) to E (plunging).
type Bucket byte

const (
	BucketA Bucket = 'A'
	BucketB Bucket = 'B'
	BucketC Bucket = 'C'
	BucketD Bucket = 'D'
	BucketE Bucket = 'E'
)

func (b Bucket) String() string {
	return string(b)
}

// drift per step, in units of the walk's volatility
var _drift = map[Bucket]float64{
	BucketA: 0.6,
	BucketB: 0.2,
	BucketC: 0,
	BucketD: -0.2,
	BucketE: -0.6,
}

const (
	_priceLimit    = 0.30
	_minDwell      = 30 * time.Second
	_maxDwell      = 3 * time.Minute
	_defaultVol    = 0.002
	_defaultVolume = 50
)

// Params shape the ticks of one symbol. Volatility is the standard deviation of the log
// return per tick; Volume is the mean traded quantity per tick.
type Params struct {
	Volatility float64
	Volume     float64
}

func DefaultParams() Params {
	return Params{Volatility: _defaultVol, Volume: _defaultVolume}
}

// Market receives what the walker produces, the paper broker.
type Market interface {
	Tick(t model.Tick)
	EmitCondition(ev model.ConditionEvent) bool
}

// Signals are the conditions a walk raises: buy conditions while a symbol is in bucket A,
// sell conditions while it is in bucket E.
type Signals struct {
	Buy  []model.Condition
	Sell []model.Condition
}

type walk struct {
	symbol string
	base   float64
	price  float64
	bucket Bucket
	since  time.Time
	dwell  time.Duration
	params Params

	open, high, low int64
	cumVolume       int64
}

type WalkerOption func(*Walker)

// WithPacing emits at most rate steps per second.
func WithPacing(rate int) WalkerOption {
	return func(w *Walker) {
		if rate > 0 {
			w.rateLimiter = ratelimit.New(rate)
		}
	}
}

func WithSignals(s Signals) WalkerOption {
	return func(w *Walker) {
		w.signals = s
	}
}

// WithEnterHook is called with every symbol entering bucket A.
func WithEnterHook(f func(symbol string)) WalkerOption {
	return func(w *Walker) {
		w.onEnter = f
	}
}

// Walker drives the synthetic modes: a seeded random walk per symbol of a fixed universe,
// with regime buckets that mean-revert toward the base price.
type Walker struct {
	market  Market
	clock   market.Clock
	logger  logger.Logger
	seed    int64
	signals Signals
	onEnter func(symbol string)

	rateLimiter ratelimit.Limiter

	mu    sync.Mutex
	rng   *rand.Rand
	walks map[string]*walk
	order []string
	steps int64
}

func NewWalker(m Market, clock market.Clock, seed int64, log logger.Logger, opts ...WalkerOption) *Walker {
	w := &Walker{
		market:      m,
		clock:       clock,
		logger:      logger.Component(log, "walker"),
		seed:        seed,
		rateLimiter: ratelimit.NewUnlimited(),
		rng:         rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		walks:       make(map[string]*walk),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add puts symbol in the universe. A zero base draws one from the seeded generator.
func (w *Walker) Add(symbol string, base int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.walks[symbol]; ok {
		return
	}
	if base <= 0 {
		base = tools.AlignToTick(5_000 + w.rng.Int64N(195_000))
	}
	now := w.clock.Now()
	w.walks[symbol] = &walk{
		symbol: symbol,
		base:   float64(base),
		price:  float64(base),
		bucket: BucketC,
		since:  now,
		dwell:  w.dwellLocked(),
		params: DefaultParams(),
		open:   base,
		high:   base,
		low:    base,
	}
	w.order = append(w.order, symbol)
	sort.Strings(w.order)
}

func (w *Walker) Symbols() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.order)
}

// SetParams replaces the tick parameters of symbol.
func (w *Walker) SetParams(symbol string, p Params) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	wk, ok := w.walks[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if p.Volatility <= 0 {
		p.Volatility = _defaultVol
	}
	if p.Volume <= 0 {
		p.Volume = _defaultVolume
	}
	wk.params = p
	return nil
}

func (w *Walker) Params(symbol string) (Params, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wk, ok := w.walks[symbol]
	if !ok {
		return Params{}, false
	}
	return wk.params, true
}

// Rebase moves the walk of symbol to a new base and price, as after a warmup from real history.
func (w *Walker) Rebase(symbol string, price int64) error {
	if price <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	wk, ok := w.walks[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	wk.base, wk.price = float64(price), float64(price)
	wk.open, wk.high, wk.low = price, price, price
	return nil
}

func (w *Walker) State(symbol string) (Bucket, int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wk, ok := w.walks[symbol]
	if !ok {
		return 0, 0, false
	}
	return wk.bucket, w.lastLocked(wk), true
}

func (w *Walker) Steps() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.steps
}

func (w *Walker) dwellLocked() time.Duration {
	return _minDwell + time.Duration(w.rng.Int64N(int64(_maxDwell-_minDwell)))
}

func (w *Walker) lastLocked(wk *walk) int64 {
	return max(1, tools.AlignToTick(int64(math.Round(wk.price))))
}

// nextBucket picks the regime after a dwell expires. Far from base the walk turns back;
// near it the regime is drawn with C the most likely.
func (w *Walker) nextBucketLocked(ratio float64) Bucket {
	r := w.rng.Float64()
	switch {
	case ratio >= 1.20:
		return BucketE
	case ratio >= 1.08:
		if r < 0.6 {
			return BucketD
		}
		return BucketC
	case ratio <= 0.80:
		return BucketA
	case ratio <= 0.92:
		if r < 0.6 {
			return BucketB
		}
		return BucketC
	}
	switch {
	case r < 0.10:
		return BucketA
	case r < 0.30:
		return BucketB
	case r < 0.70:
		return BucketC
	case r < 0.90:
		return BucketD
	default:
		return BucketE
	}
}

type produced struct {
	conditions []model.ConditionEvent
	tick       model.Tick
}

func (w *Walker) conditionsLocked(symbol string, from, to Bucket, now time.Time) []model.ConditionEvent {
	var out []model.ConditionEvent
	add := func(cs []model.Condition, kind model.ConditionKind) {
		for _, c := range cs {
			out = append(out, model.ConditionEvent{Symbol: symbol, Kind: kind, Condition: c, Time: now})
		}
	}
	if from == BucketA {
		add(w.signals.Buy, model.ConditionDrop)
	}
	if from == BucketE {
		add(w.signals.Sell, model.ConditionDrop)
	}
	if to == BucketA {
		add(w.signals.Buy, model.ConditionIn)
	}
	if to == BucketE {
		add(w.signals.Sell, model.ConditionIn)
	}
	return out
}

func (w *Walker) advanceLocked(wk *walk, now time.Time) produced {
	var out produced
	if now.Sub(wk.since) >= wk.dwell {
		next := w.nextBucketLocked(wk.price / wk.base)
		if next != wk.bucket {
			out.conditions = w.conditionsLocked(wk.symbol, wk.bucket, next, now)
			wk.bucket = next
		}
		wk.since, wk.dwell = now, w.dwellLocked()
	}

	vol := wk.params.Volatility
	step := vol * (_drift[wk.bucket] + w.rng.NormFloat64())
	price := wk.price * math.Exp(step)
	lo, hi := wk.base*(1-_priceLimit), wk.base*(1+_priceLimit)
	wk.price = math.Min(math.Max(price, lo), hi)

	last := w.lastLocked(wk)
	qty := max(int64(1), int64(math.Round(w.rng.ExpFloat64()*wk.params.Volume)))
	wk.high = max(wk.high, last)
	wk.low = min(wk.low, last)
	wk.cumVolume += qty
	out.tick = model.Tick{
		Symbol:     wk.symbol,
		Time:       now,
		Price:      last,
		Volume:     qty,
		CumVolume:  wk.cumVolume,
		Open:       wk.open,
		High:       wk.high,
		Low:        wk.low,
		ChangeRate: (float64(last)/wk.base - 1) * 100,
	}
	return out
}

// Step moves every walk once. Condition changes go out before the tick that caused them.
func (w *Walker) Step() {
	now := w.clock.Now()
	w.mu.Lock()
	batch := make([]produced, 0, len(w.order))
	for _, symbol := range w.order {
		batch = append(batch, w.advanceLocked(w.walks[symbol], now))
	}
	w.steps++
	w.mu.Unlock()

	for _, p := range batch {
		for _, ev := range p.conditions {
			w.market.EmitCondition(ev)
			if ev.Kind == model.ConditionIn && w.onEnter != nil && slices.Contains(w.signals.Buy, ev.Condition) {
				w.onEnter(ev.Symbol)
			}
		}
		w.market.Tick(p.tick)
	}
}

// Run steps the walks until ctx is done, paced by the configured rate.
func (w *Walker) Run(ctx context.Context) {
	w.logger.Infof("synthetic walk started for %d symbols", len(w.Symbols()))
	for {
		w.rateLimiter.Take()
		select {
		case <-ctx.Done():
			w.logger.Infof("synthetic walk stopped after %d steps", w.Steps())
			return
		default:
		}
		w.Step()
	}
}

// symbolRand gives a generator that depends only on the seed and the symbol, so history is
// reproducible whatever the walk did.
func (w *Walker) symbolRand(symbol string, salt uint64) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return rand.New(rand.NewPCG(uint64(w.seed)^h.Sum64(), salt))
}

func (w *Walker) anchor(symbol string) (float64, Params, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wk, ok := w.walks[symbol]
	if !ok {
		return 0, Params{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return wk.base, wk.params, nil
}

// history walks backwards from the current base so the newest bar closes at it.
func history(rng *rand.Rand, times []time.Time, last float64, sd, volume float64) []model.Bar {
	bars := make([]model.Bar, len(times))
	closePx := last
	for i := len(times) - 1; i >= 0; i-- {
		openPx := closePx / math.Exp(sd*rng.NormFloat64())
		spread := math.Abs(sd * rng.NormFloat64())
		high := math.Max(openPx, closePx) * (1 + spread)
		low := math.Min(openPx, closePx) * (1 - spread)
		vol := math.Round(volume * (0.5 + rng.Float64()))
		c := float64(tools.AlignToTick(int64(math.Round(closePx))))
		bars[i] = model.Bar{
			Time:     times[i],
			Open:     float64(tools.AlignToTick(int64(math.Round(openPx)))),
			High:     float64(tools.AlignToTick(int64(math.Round(high)))),
			Low:      float64(tools.AlignToTick(int64(math.Round(low)))),
			Close:    c,
			Volume:   vol,
			Turnover: c * vol,
		}
		bars[i].High = math.Max(bars[i].High, math.Max(bars[i].Open, c))
		bars[i].Low = math.Min(bars[i].Low, math.Min(bars[i].Open, c))
		closePx = openPx
	}
	return bars
}

// MinuteBars serves synthetic minute history ending at the walk's base price.
func (w *Walker) MinuteBars(_ context.Context, symbol string, count int) ([]model.Bar, error) {
	base, p, err := w.anchor(symbol)
	if err != nil {
		return nil, err
	}
	times := SessionMinutes(w.clock.Now(), count)
	sd := p.Volatility * math.Sqrt(_ticksPerMinute)
	return history(w.symbolRand(symbol, 1), times, base, sd, p.Volume*_ticksPerMinute), nil
}

// DayBars serves synthetic daily history ending at the walk's base price.
func (w *Walker) DayBars(_ context.Context, symbol string, count int) ([]model.Bar, error) {
	base, p, err := w.anchor(symbol)
	if err != nil {
		return nil, err
	}
	days := TradingDays(previousTradingDay(w.clock.Now()), count)
	sd := p.Volatility * math.Sqrt(_ticksPerMinute*_sessionMinutes)
	return history(w.symbolRand(symbol, 2), days, base, sd, p.Volume*_ticksPerMinute*_sessionMinutes), nil
}
