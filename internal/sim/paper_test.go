package sim

import (
	"context"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/broker"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _now = time.Date(2024, 3, 4, 10, 0, 0, 0, market.KST())

func drain(p *PaperBroker) []broker.Event {
	var out []broker.Event
	for {
		select {
		case ev := <-p.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func executions(t *testing.T, evs []broker.Event) ([]model.Execution, []model.BalanceUpdate) {
	t.Helper()
	var (
		execs    []model.Execution
		balances []model.BalanceUpdate
	)
	for _, ev := range evs {
		c, ok := ev.(broker.Chejan)
		if !ok {
			continue
		}
		switch c.Gubun {
		case broker.ChejanOrder:
			x, err := broker.ParseExecution(c.Values, _now)
			require.NoError(t, err)
			execs = append(execs, x)
		case broker.ChejanBalance:
			b, err := broker.ParseBalance(c.Values, _now)
			require.NoError(t, err)
			balances = append(balances, b)
		}
	}
	return execs, balances
}

func newPaper(t *testing.T) (*PaperBroker, *market.ManualClock) {
	clock := market.NewManualClock(_now)
	p := NewPaperBroker("8000000011", 10_000_000, clock, logger.NewNopLogger())
	require.NoError(t, p.SubscribeReal(context.Background(), "5000", []string{"005930"}, broker.TickFIDs, true))
	return p, clock
}

func TestPaperMarketBuyFillsAtLast(t *testing.T) {
	p, _ := newPaper(t)
	ctx := context.Background()

	p.Tick(model.Tick{Symbol: "005930", Time: _now, Price: 70_000, Volume: 5})
	evs := drain(p)
	require.Len(t, evs, 1)
	real, ok := evs[0].(broker.RealData)
	require.True(t, ok)
	assert.Equal(t, broker.RealTypeTick, real.RealType)

	require.NoError(t, p.SendOrder(ctx, broker.OrderRequest{
		Type: model.NewBuy, Symbol: "005930", Qty: 10, Hoga: model.HogaMarket,
	}))
	execs, balances := executions(t, drain(p))
	require.Len(t, execs, 2)
	assert.Equal(t, model.ExecAccepted, execs[0].Status)
	assert.Equal(t, "0000001", execs[0].BrokerID)
	assert.Equal(t, model.ExecFilled, execs[1].Status)
	assert.Equal(t, int64(10), execs[1].FillQty)
	assert.Equal(t, int64(70_000), execs[1].FillPrice)
	assert.Equal(t, int64(700_000), execs[1].CumAmount)
	assert.Zero(t, execs[1].Remaining)

	require.Len(t, balances, 1)
	assert.Equal(t, int64(10), balances[0].Qty)
	assert.InDelta(t, 70_000, balances[0].AvgCost, 0.01)
	assert.Equal(t, int64(9_300_000), balances[0].Deposit)
}

func TestPaperLimitSellRestsUntilCrossed(t *testing.T) {
	p, _ := newPaper(t)
	ctx := context.Background()
	p.Tick(model.Tick{Symbol: "005930", Time: _now, Price: 70_000})
	require.NoError(t, p.SendOrder(ctx, broker.OrderRequest{Type: model.NewBuy, Symbol: "005930", Qty: 10, Hoga: model.HogaMarket}))
	drain(p)

	require.NoError(t, p.SendOrder(ctx, broker.OrderRequest{
		Type: model.NewSell, Symbol: "005930", Qty: 10, Price: 71_000, Hoga: model.HogaLimit,
	}))
	execs, _ := executions(t, drain(p))
	require.Len(t, execs, 1)
	assert.Equal(t, model.ExecAccepted, execs[0].Status)

	p.Tick(model.Tick{Symbol: "005930", Time: _now.Add(time.Second), Price: 70_900})
	execs, _ = executions(t, drain(p))
	assert.Empty(t, execs)

	p.Tick(model.Tick{Symbol: "005930", Time: _now.Add(2 * time.Second), Price: 71_100})
	execs, balances := executions(t, drain(p))
	require.Len(t, execs, 1)
	assert.Equal(t, model.Sell, execs[0].Side)
	assert.Equal(t, int64(71_000), execs[0].FillPrice)
	require.Len(t, balances, 1)
	assert.Zero(t, balances[0].Qty)
	assert.Equal(t, int64(10_010_000), balances[0].Deposit)
}

func TestPaperCancelRestingOrder(t *testing.T) {
	p, _ := newPaper(t)
	ctx := context.Background()
	p.Tick(model.Tick{Symbol: "005930", Time: _now, Price: 70_000})
	drain(p)

	require.NoError(t, p.SendOrder(ctx, broker.OrderRequest{
		Type: model.NewBuy, Symbol: "005930", Qty: 5, Price: 69_000, Hoga: model.HogaLimit,
	}))
	execs, _ := executions(t, drain(p))
	require.Len(t, execs, 1)
	id := execs[0].BrokerID

	require.NoError(t, p.SendOrder(ctx, broker.OrderRequest{Type: model.CancelBuy, Symbol: "005930", OrigOrderID: id}))
	execs, _ = executions(t, drain(p))
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Cancel)
	assert.Equal(t, id, execs[0].OrigBrokerID)

	p.Tick(model.Tick{Symbol: "005930", Time: _now.Add(time.Second), Price: 68_000})
	execs, _ = executions(t, drain(p))
	assert.Empty(t, execs)

	err := p.SendOrder(ctx, broker.OrderRequest{Type: model.CancelBuy, Symbol: "005930", OrigOrderID: id})
	assert.ErrorIs(t, err, broker.ErrRejected)
	err = p.SendOrder(ctx, broker.OrderRequest{Type: model.AmendBuy, Symbol: "005930", OrigOrderID: id})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestPaperRewindRestoresAccount(t *testing.T) {
	p, _ := newPaper(t)
	ctx := context.Background()
	p.Tick(model.Tick{Symbol: "005930", Time: _now, Price: 70_000})
	require.NoError(t, p.SendOrder(ctx, broker.OrderRequest{Type: model.NewBuy, Symbol: "005930", Qty: 10, Hoga: model.HogaMarket}))
	drain(p)

	p.Rewind()
	evs := drain(p)
	require.Len(t, evs, 1)
	assert.IsType(t, broker.Rewind{}, evs[0])
	_, ok := p.Last("005930")
	assert.False(t, ok)

	p.Tick(model.Tick{Symbol: "005930", Time: _now, Price: 70_000})
	require.NoError(t, p.SendOrder(ctx, broker.OrderRequest{Type: model.NewBuy, Symbol: "005930", Qty: 10, Hoga: model.HogaMarket}))
	execs, balances := executions(t, drain(p))
	require.Len(t, execs, 2)
	assert.Equal(t, "0000002", execs[0].BrokerID)
	require.Len(t, balances, 1)
	assert.Equal(t, int64(10), balances[0].Qty)
	assert.Equal(t, int64(9_300_000), balances[0].Deposit)
}

func TestPaperSellWithoutHoldingsIsRejected(t *testing.T) {
	p, _ := newPaper(t)
	p.Tick(model.Tick{Symbol: "005930", Time: _now, Price: 70_000})
	drain(p)

	require.NoError(t, p.SendOrder(context.Background(), broker.OrderRequest{
		Type: model.NewSell, Symbol: "005930", Qty: 1, Hoga: model.HogaMarket,
	}))
	execs, _ := executions(t, drain(p))
	require.Len(t, execs, 1)
	assert.NotEmpty(t, execs[0].RejectReason)
}

func TestPaperConditionsOnlyWhenSubscribed(t *testing.T) {
	p, _ := newPaper(t)
	cond := model.Condition{Index: 1, Name: "breakout"}
	ev := model.ConditionEvent{Symbol: "005930", Kind: model.ConditionIn, Condition: cond}

	assert.False(t, p.EmitCondition(ev))
	require.NoError(t, p.SubscribeCondition(context.Background(), "1010", cond, true))
	assert.True(t, p.EmitCondition(ev))

	evs := drain(p)
	require.Len(t, evs, 1)
	rc, ok := evs[0].(broker.RealCondition)
	require.True(t, ok)
	assert.Equal(t, "I", rc.Kind)
	assert.Equal(t, 1, rc.Index)
}

func TestPaperAnswersChartRequestsFromHistory(t *testing.T) {
	clock := market.NewManualClock(_now)
	w := NewWalker(nil, clock, 7, logger.NewNopLogger())
	w.Add("005930", 70_000)
	p := NewPaperBroker("8000000011", 10_000_000, clock, logger.NewNopLogger(), WithHistory(w))

	source := broker.NewChartSource(p, broker.NewScreens(3000, 3099), clock, 0, 0)
	bars, err := source.MinuteBars(context.Background(), "005930", 30)
	require.NoError(t, err)
	require.Len(t, bars, 30)
	assert.Equal(t, float64(70_000), bars[29].Close)
	assert.True(t, bars[0].Time.Before(bars[29].Time))

	days, err := source.DayBars(context.Background(), "005930", 5)
	require.NoError(t, err)
	assert.Len(t, days, 5)
}
