package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/executor"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/portfolio"
	"github.com/STTM-NSU/trading-core/internal/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_morning = time.Date(2024, 3, 4, 10, 0, 0, 0, market.KST())
	_buyCond = model.Condition{Index: 1, Name: "breakout"}
	_sellCnd = model.Condition{Index: 2, Name: "fade"}
)

type fakeOrders struct {
	mu   sync.Mutex
	reqs []executor.Request
	open map[model.OrderKey]bool
}

func (f *fakeOrders) Submit(_ context.Context, r executor.Request) (model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, r)
	price := r.Price
	if r.Market {
		price = 0
	}
	return model.Order{ID: fmt.Sprintf("core-%d", len(f.reqs)), Symbol: r.Symbol, Side: r.Side, Price: price}, nil
}

func (f *fakeOrders) HasOpen(symbol string, side model.Side) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[model.OrderKey{Symbol: symbol, Side: side}]
}

func (f *fakeOrders) requests() []executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Request(nil), f.reqs...)
}

type fakeCharts struct {
	mu   sync.Mutex
	warm map[string]bool
	last map[string]int64
}

func (f *fakeCharts) Warm(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.warm[symbol]
}

func (f *fakeCharts) Last(symbol string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.last[symbol]
	return p, ok
}

func (f *fakeCharts) set(symbol string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[symbol] = price
}

type fakeBroker struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
	err    error
}

func (f *fakeBroker) SubscribeCondition(_ context.Context, screen string, c model.Condition, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subs = append(f.subs, screen+"/"+c.String())
	return nil
}

func (f *fakeBroker) UnsubscribeCondition(_ context.Context, screen string, c model.Condition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, screen+"/"+c.String())
	return nil
}

type fakeEval struct {
	mu     sync.Mutex
	result bool
	calls  int
}

func (f *fakeEval) Eval(context.Context, *script.Program, script.Args) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

func (f *fakeEval) set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = v
}

type fixture struct {
	engine *Engine
	slot   *Slot
	ledger *portfolio.Ledger
	orders *fakeOrders
	charts *fakeCharts
	broker *fakeBroker
	eval   *fakeEval
	clock  *market.ManualClock
}

func strategyConfig(t *testing.T, mutate func(c *config.StrategyConfig)) config.StrategyConfig {
	t.Helper()
	cfg := config.StrategyConfig{
		Slot:          1,
		Name:          "breakout",
		BuyCondition:  _buyCond,
		SellCondition: _sellCnd,
		Sizing:        config.SizingConfig{Mode: config.FixedCash, Cash: 1_000_000},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.ValidateAndSetup())
	return cfg
}

func newFixture(t *testing.T, cfgs ...config.StrategyConfig) *fixture {
	t.Helper()
	log := logger.NewNopLogger()
	clock := market.NewManualClock(_morning)
	f := &fixture{
		ledger: portfolio.NewLedger("8000000011", 400_000_000, model.LiveFees(), clock, nil, log),
		orders: &fakeOrders{open: make(map[model.OrderKey]bool)},
		charts: &fakeCharts{warm: make(map[string]bool), last: make(map[string]int64)},
		broker: &fakeBroker{},
		eval:   &fakeEval{},
		clock:  clock,
	}
	f.engine = NewEngine(cfgs, Deps{
		Portfolio: f.ledger,
		Charts:    f.charts,
		Orders:    f.orders,
		Broker:    f.broker,
		Scripts:   f.eval,
		Session:   market.AlwaysOpen{},
		Clock:     clock,
	}, log)
	if len(cfgs) > 0 {
		s, err := f.engine.Slot(cfgs[0].Slot)
		require.NoError(t, err)
		require.NoError(t, s.compile())
		f.ledger.SetThresholds(s.Index, portfolio.Thresholds{
			TrailingArmPct: s.cfg.Risk.TrailingArmPct,
			PreserveArmPct: s.cfg.Risk.PreserveArmPct,
		})
		f.slot = s
	}
	return f
}

func (f *fixture) condition(symbol string, side model.Side, kind model.ConditionKind) {
	ev := model.ConditionEvent{Symbol: symbol, Kind: kind, Time: f.clock.Now()}
	k := evBuyCondition
	if side == model.Sell {
		k = evSellCondition
	}
	f.slot.handle(context.Background(), event{kind: k, cond: ev})
}

func (f *fixture) tick(symbol string, price int64) {
	f.charts.set(symbol, price)
	f.ledger.Value(symbol, price)
	f.slot.handle(context.Background(), event{kind: evTick, tick: model.Tick{Symbol: symbol, Price: price, Time: f.clock.Now()}})
}

func TestLimitBuySizedFromFixedCash(t *testing.T) {
	f := newFixture(t, strategyConfig(t, nil))

	f.condition("005930", model.Buy, model.ConditionIn)
	assert.Empty(t, f.orders.requests())
	assert.True(t, f.slot.Watching("005930"))

	f.tick("005930", 10_000)
	reqs := f.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.Buy, reqs[0].Side)
	assert.Equal(t, int64(101), reqs[0].Qty)
	assert.Equal(t, int64(10_000), reqs[0].Price)
	assert.Equal(t, 1, reqs[0].Slot)
	assert.False(t, reqs[0].Market)
	assert.False(t, f.slot.Watching("005930"))

	f.tick("005930", 10_000)
	assert.Len(t, f.orders.requests(), 1)
}

func TestFixedCashRoundsDownAtUnevenPrice(t *testing.T) {
	f := newFixture(t, strategyConfig(t, nil))

	f.condition("005930", model.Buy, model.ConditionIn)
	f.tick("005930", 9_000)
	reqs := f.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(112), reqs[0].Qty)
}

func TestHoldingCapCountsPartialFillOnce(t *testing.T) {
	f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) {
		c.Caps.MaxHoldings = 2
	}))

	f.condition("005930", model.Buy, model.ConditionIn)
	f.tick("005930", 10_000)
	require.Len(t, f.orders.requests(), 1)
	f.ledger.ApplyBuy("005930", "Samsung", 1, 40, 10_000)

	f.condition("000660", model.Buy, model.ConditionIn)
	f.tick("000660", 150_000)
	require.Len(t, f.orders.requests(), 2)

	f.condition("035720", model.Buy, model.ConditionIn)
	f.tick("035720", 50_000)
	assert.Len(t, f.orders.requests(), 2)
	assert.True(t, f.slot.Watching("035720"))
}

func TestMarketBuyFiresOnCondition(t *testing.T) {
	f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) {
		c.Buy.Type = config.Market
		c.Sizing = config.SizingConfig{Mode: config.DepositRatio, Ratio: 0.01}
	}))
	f.charts.set("000660", 150_000)

	f.condition("000660", model.Buy, model.ConditionIn)
	reqs := f.orders.requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Market)
	assert.Equal(t, int64(26), reqs[0].Qty)
}

func TestConditionDropRemovesCandidate(t *testing.T) {
	f := newFixture(t, strategyConfig(t, nil))

	f.condition("005930", model.Buy, model.ConditionIn)
	f.condition("005930", model.Buy, model.ConditionDrop)
	assert.False(t, f.slot.Watching("005930"))
	f.tick("005930", 10_000)
	assert.Empty(t, f.orders.requests())
}

func TestRequiredBuyScriptWaitsForWarmChart(t *testing.T) {
	f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) {
		c.Scripts.Buy = "result = True\n"
		c.Scripts.BuyRequired = true
	}))
	f.eval.set(true)

	f.condition("005930", model.Buy, model.ConditionIn)
	f.tick("005930", 10_000)
	assert.Empty(t, f.orders.requests())
	assert.True(t, f.slot.Watching("005930"))
	assert.Zero(t, f.eval.calls)

	f.charts.mu.Lock()
	f.charts.warm["005930"] = true
	f.charts.mu.Unlock()
	f.eval.set(false)
	f.tick("005930", 10_000)
	assert.Empty(t, f.orders.requests())

	f.eval.set(true)
	f.tick("005930", 10_000)
	assert.Len(t, f.orders.requests(), 1)
}

func TestTrailingStopAfterArming(t *testing.T) {
	f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) {
		c.Risk.TrailingArmPct = 5
		c.Risk.TrailingOffsetPct = 3
	}))
	f.ledger.ApplyBuy("005930", "Samsung", 1, 100, 10_000)

	f.tick("005930", 10_400)
	h, _ := f.ledger.Snapshot("005930")
	assert.False(t, h.Armed)
	f.tick("005930", 10_500)
	f.tick("005930", 10_550)
	h, _ = f.ledger.Snapshot("005930")
	assert.True(t, h.Armed)
	assert.Equal(t, int64(10_550), h.Peak)
	f.tick("005930", 10_240)
	assert.Empty(t, f.orders.requests())

	f.tick("005930", 10_230)
	reqs := f.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.Sell, reqs[0].Side)
	assert.Equal(t, model.ReasonTrailing, reqs[0].Reason)
	assert.Equal(t, int64(100), reqs[0].Qty)
	assert.Equal(t, int64(10_230), reqs[0].Price)
}

func TestPriceRules(t *testing.T) {
	tests := []struct {
		name   string
		risk   config.RiskConfig
		prices []int64
		want   model.SellReason
	}{
		{
			name:   "stop loss",
			risk:   config.RiskConfig{StopLossPct: 3},
			prices: []int64{9_800, 9_700},
			want:   model.ReasonStopLoss,
		},
		{
			name:   "take profit",
			risk:   config.RiskConfig{TakeProfitPct: 5},
			prices: []int64{10_400, 10_500},
			want:   model.ReasonTakeProfit,
		},
		{
			name:   "preservation",
			risk:   config.RiskConfig{PreserveArmPct: 3, PreservePct: 1},
			prices: []int64{10_310, 10_200, 10_100},
			want:   model.ReasonPreservation,
		},
		{
			name:   "not armed",
			risk:   config.RiskConfig{PreserveArmPct: 3, PreservePct: 1},
			prices: []int64{10_200, 9_000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) { c.Risk = tt.risk }))
			f.ledger.ApplyBuy("005930", "Samsung", 1, 100, 10_000)

			for _, p := range tt.prices {
				f.tick("005930", p)
			}
			reqs := f.orders.requests()
			if tt.want == "" {
				assert.Empty(t, reqs)
				return
			}
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.want, reqs[0].Reason)
		})
	}
}

func TestConditionSellAndScriptVeto(t *testing.T) {
	f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) {
		c.Scripts.Sell = "result = True\n"
		c.Scripts.SellAnd = true
	}))
	f.ledger.ApplyBuy("005930", "Samsung", 1, 100, 10_000)

	f.condition("005930", model.Sell, model.ConditionIn)
	assert.Empty(t, f.orders.requests())

	f.eval.set(true)
	f.condition("005930", model.Sell, model.ConditionIn)
	reqs := f.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.ReasonCondition, reqs[0].Reason)
	assert.Equal(t, int64(10_000), reqs[0].Price)
}

func TestSellConditionIgnoresOtherSlots(t *testing.T) {
	f := newFixture(t, strategyConfig(t, nil))
	f.ledger.ApplyBuy("005930", "Samsung", 2, 100, 10_000)

	f.condition("005930", model.Sell, model.ConditionIn)
	assert.Empty(t, f.orders.requests())
}

func TestEndOfDaySellsOnce(t *testing.T) {
	f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) {
		c.EOD = config.EODConfig{Enabled: true, Market: true}
	}))
	f.ledger.ApplyBuy("005930", "Samsung", 1, 100, 10_000)
	f.clock.Set(time.Date(2024, 3, 4, 15, 16, 0, 0, market.KST()))

	f.slot.handle(context.Background(), event{kind: evSweep})
	f.slot.handle(context.Background(), event{kind: evSweep})
	f.tick("005930", 10_100)

	reqs := f.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.ReasonEOD, reqs[0].Reason)
	assert.True(t, reqs[0].Market)

	f.condition("000660", model.Buy, model.ConditionIn)
	f.tick("000660", 150_000)
	assert.Len(t, f.orders.requests(), 1)
	assert.False(t, f.slot.Watching("000660"))
}

func TestLossCutLiquidatesAndLatches(t *testing.T) {
	f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) {
		c.Risk.LossCut = config.LossCutConfig{Ratio: 2}
	}))
	f.ledger.ApplyBuy("005930", "Samsung", 1, 100, 10_000)
	f.ledger.ApplyBuy("000660", "Hynix", 1, 100, 20_000)

	f.tick("005930", 9_500)
	assert.Empty(t, f.orders.requests())

	f.tick("000660", 19_700)
	reqs := f.orders.requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, model.ReasonLossCut, r.Reason)
		assert.True(t, r.Market)
	}
	assert.True(t, f.slot.Status().LossCut)

	f.condition("035720", model.Buy, model.ConditionIn)
	f.tick("035720", 50_000)
	assert.Len(t, f.orders.requests(), 2)

	f.engine.ResetDay()
	assert.False(t, f.slot.Status().LossCut)
}

func TestDailyEntryCapReleasedByUnfilledOrder(t *testing.T) {
	f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) {
		c.Caps.MaxFillsPerDay = 1
	}))

	f.condition("005930", model.Buy, model.ConditionIn)
	f.tick("005930", 10_000)
	f.condition("000660", model.Buy, model.ConditionIn)
	f.tick("000660", 150_000)
	require.Len(t, f.orders.requests(), 1)
	assert.False(t, f.slot.Watching("000660"))

	f.engine.OnClosed(model.Order{Symbol: "005930", Side: model.Buy, Slot: 1, State: model.Cancelled})
	assert.Zero(t, f.slot.Status().Entries)

	f.condition("000660", model.Buy, model.ConditionIn)
	f.tick("000660", 150_000)
	assert.Len(t, f.orders.requests(), 2)
}

func TestNoRebuyAfterSell(t *testing.T) {
	f := newFixture(t, strategyConfig(t, func(c *config.StrategyConfig) {
		c.Caps.NoRebuyAfterSell = true
		c.Caps.MaxFillsPerSymbol = 3
	}))
	f.engine.OnFill(model.Order{Symbol: "005930", Side: model.Sell, Slot: 1}, 10, 10_000)

	f.condition("005930", model.Buy, model.ConditionIn)
	f.tick("005930", 10_000)
	assert.Empty(t, f.orders.requests())
}

func TestOpenBuyHoldsCandidate(t *testing.T) {
	f := newFixture(t, strategyConfig(t, nil))
	f.orders.open[model.OrderKey{Symbol: "005930", Side: model.Buy}] = true

	f.condition("005930", model.Buy, model.ConditionIn)
	f.tick("005930", 10_000)
	assert.Empty(t, f.orders.requests())
	assert.True(t, f.slot.Watching("005930"))
}

func TestEngineRoutesConditions(t *testing.T) {
	first := strategyConfig(t, nil)
	second := strategyConfig(t, func(c *config.StrategyConfig) {
		c.Slot = 2
		c.Name = "copycat"
		c.SellCondition = model.Condition{Index: 7, Name: "other"}
	})
	f := newFixture(t, first, second)

	s, side, ok := f.engine.Route(_buyCond)
	require.True(t, ok)
	assert.Equal(t, 1, s.Index)
	assert.Equal(t, model.Buy, side)

	s, side, ok = f.engine.Route(_sellCnd)
	require.True(t, ok)
	assert.Equal(t, 1, s.Index)
	assert.Equal(t, model.Sell, side)

	_, _, ok = f.engine.Route(model.Condition{Index: 9, Name: "unknown"})
	assert.False(t, ok)

	dup, err := f.engine.Slot(2)
	require.NoError(t, err)
	assert.NotEmpty(t, dup.Status().Error)
	assert.Error(t, f.engine.StartSlot(context.Background(), 2))

	_, err = f.engine.Slot(config.MaxSlots)
	assert.ErrorIs(t, err, ErrSlotRange)
	_, err = f.engine.Slot(3)
	assert.ErrorIs(t, err, ErrNoStrategy)
	_, err = f.engine.Slot(config.DefaultSlot)
	assert.NoError(t, err)
}

func TestStartAndStopManageSubscriptions(t *testing.T) {
	f := newFixture(t, strategyConfig(t, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.engine.Start(ctx))
	assert.True(t, f.slot.Running())
	assert.Equal(t, []string{"1010/" + _buyCond.String(), "1011/" + _sellCnd.String()}, f.broker.subs)

	require.True(t, f.engine.PostCondition(model.ConditionEvent{Symbol: "005930", Kind: model.ConditionIn, Condition: _buyCond}))
	require.Eventually(t, func() bool { return f.slot.Watching("005930") }, time.Second, 2*time.Millisecond)

	f.charts.set("005930", 10_000)
	assert.Equal(t, 1, f.engine.PostTick(model.Tick{Symbol: "005930", Price: 10_000}))
	require.Eventually(t, func() bool { return len(f.orders.requests()) == 1 }, time.Second, 2*time.Millisecond)

	require.NoError(t, f.engine.StopSlot(ctx, 1))
	assert.Equal(t, Stopped, f.slot.State())
	assert.Len(t, f.broker.unsubs, 2)
	assert.False(t, f.slot.PostCondition(model.ConditionEvent{Symbol: "000660", Kind: model.ConditionIn}, model.Buy))
	assert.Zero(t, f.engine.PostTick(model.Tick{Symbol: "000660", Price: 150_000}))

	require.NoError(t, f.engine.Stop(ctx))
}

func TestFailedSubscriptionKeepsSlotStopped(t *testing.T) {
	f := newFixture(t, strategyConfig(t, nil))
	f.broker.err = errors.New("screen busy")

	err := f.engine.StartSlot(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, f.slot.Running())
	assert.Equal(t, "loaded", f.slot.State().String())
}
