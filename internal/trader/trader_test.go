package trader

import (
	"context"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/database"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _now = time.Date(2024, 3, 4, 10, 0, 0, 0, market.KST())

const _synthetic = `
app: {mode: 1, initial_deposit: 10000000}
sim: {seed: 7, universe: ["005930", "000660"]}
strategies:
  - slot: 1
    name: breakout
    buy_condition: {index: 3, name: gap-up}
    sell_condition: {index: 4, name: fade}
    sizing: {mode: fixed_cash, cash: 1000000}
`

const _replay = `
app: {mode: 3}
sim: {replay_date: "20240301", speed: 2}
`

const _replayTrading = `
app: {mode: 3, initial_deposit: 10000000}
sim: {replay_date: "20240301", speed: 1}
strategies:
  - slot: 1
    name: breakout
    buy_condition: {index: 3, name: gap-up}
    sell_condition: {index: 4, name: fade}
    sizing: {mode: fixed_cash, cash: 1000000}
`

const _live = `
app: {mode: 0, account: "5555555511"}
`

func newTrader(t *testing.T, cfgText string, opts ...Option) *Trader {
	t.Helper()
	cfg, err := config.Parse([]byte(cfgText))
	require.NoError(t, err)

	ops, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	charts, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ops.Close()
		_ = charts.Close()
	})

	opts = append([]Option{WithClock(market.NewManualClock(_now))}, opts...)
	tr, err := New(cfg, ops, charts, logger.NewNopLogger(), opts...)
	require.NoError(t, err)
	require.NoError(t, tr.Setup(context.Background()))
	return tr
}

func TestSyntheticWiring(t *testing.T) {
	tr := newTrader(t, _synthetic)

	require.NotNil(t, tr.paper)
	require.NotNil(t, tr.walker)
	assert.Nil(t, tr.warmer)
	assert.Nil(t, tr.replayer)
	assert.Equal(t, []string{"005930", "000660"}, tr.walker.Symbols())
	assert.Nil(t, tr.Handler().Replay)
	assert.Equal(t, "synthetic", tr.Handler().Mode)
	assert.True(t, tr.session.Regular())
}

func TestStartSubscribesStrategyConditions(t *testing.T) {
	tr := newTrader(t, _synthetic)
	ctx := context.Background()

	require.NoError(t, tr.connect(ctx))
	require.NoError(t, tr.engine.Start(ctx))
	assert.ElementsMatch(t, []model.Condition{
		{Index: 3, Name: "gap-up"},
		{Index: 4, Name: "fade"},
	}, tr.paper.Subscribed())

	require.NoError(t, tr.engine.Stop(ctx))
	assert.Empty(t, tr.paper.Subscribed())
}

func TestLiveRefusesForeignAccount(t *testing.T) {
	paper := sim.NewPaperBroker("1234567811", 1_000_000, market.NewManualClock(_now), logger.NewNopLogger())
	tr := newTrader(t, _live, WithBroker(paper))

	err := tr.connect(context.Background())
	assert.ErrorIs(t, err, ErrAccount)
}

func TestReplayWiring(t *testing.T) {
	tr := newTrader(t, _replay)

	require.NotNil(t, tr.replayer)
	assert.Nil(t, tr.walker)
	assert.NotNil(t, tr.Handler().Replay)
	assert.True(t, tr.clock.Now().Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, market.KST())))

	st := tr.replayer.Status()
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, 2.0, st.Speed)
	assert.Zero(t, st.Total)
}

func TestScheduleRegistersJobs(t *testing.T) {
	tr := newTrader(t, _synthetic)
	s := NewScheduler(context.Background(), logger.NewNopLogger())
	require.NoError(t, tr.Schedule(s))
	assert.Equal(t, 3, s.Jobs())

	assert.Error(t, s.Add("broken", "every tuesday", func(context.Context) {}))
}

func TestPersistPurgesOldRows(t *testing.T) {
	tr := newTrader(t, _synthetic)
	ctx := context.Background()

	key := model.ChartKey{Symbol: "005930", Cycle: model.CycleDay, Multiplier: 1}
	require.NoError(t, tr.chartStore.SaveBars(ctx, key, []model.Bar{
		{Time: _now.AddDate(0, 0, -120), Close: 60_000},
		{Time: _now.AddDate(0, 0, -1), Close: 70_000},
	}))

	tr.Persist(ctx)

	bars, err := tr.chartStore.LoadBars(ctx, key, _now.AddDate(-1, 0, 0), _now)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 70_000.0, bars[0].Close)
}

func TestAggregateAndResetDay(t *testing.T) {
	tr := newTrader(t, _synthetic)
	ctx := context.Background()

	tr.aggregate(ctx)
	assert.Equal(t, int64(10_000_000), tr.ledger.Summary().Deposit)

	tr.resetDay(ctx)
	assert.Empty(t, tr.executor.Open())
}

// pump hands every queued paper callback to the router, as the event loop does.
func pump(ctx context.Context, tr *Trader) {
	for {
		select {
		case ev := <-tr.paper.Events():
			tr.router.Dispatch(ctx, ev)
		default:
			return
		}
	}
}

func TestReplayResetStartsTheDayOver(t *testing.T) {
	wall := market.NewManualClock(_now)
	tr := newTrader(t, _replayTrading, WithClock(wall))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	open := time.Date(2024, 3, 1, 9, 0, 0, 0, market.KST())
	require.NoError(t, tr.journal.RecordCondition(ctx, model.ConditionEvent{
		Symbol: "005930", Kind: model.ConditionIn, Condition: model.Condition{Index: 3, Name: "gap-up"}, Time: open.Add(time.Second),
	}))
	require.NoError(t, tr.journal.MarkCandidate(ctx, "005930"))
	tr.journal.RecordTick(model.Tick{Symbol: "005930", Time: open.Add(2 * time.Second), Price: 70_000, Volume: 1})
	tr.journal.RecordTick(model.Tick{Symbol: "005930", Time: open.Add(3 * time.Second), Price: 70_100, Volume: 1})
	require.NoError(t, tr.journal.Flush(ctx))
	require.NoError(t, tr.replayer.Load(ctx))

	require.NoError(t, tr.connect(ctx))
	require.NoError(t, tr.engine.Start(ctx))
	t.Cleanup(func() { _ = tr.engine.Stop(context.Background()) })
	slot, err := tr.engine.Slot(1)
	require.NoError(t, err)

	play := func() {
		require.NoError(t, tr.replayer.Play())
		pump(ctx, tr)
		require.Eventually(t, func() bool { return slot.Watching("005930") }, time.Second, 2*time.Millisecond)

		wall.Advance(time.Second)
		pump(ctx, tr)
		last, ok := tr.cache.Last("005930")
		require.True(t, ok)
		assert.Equal(t, int64(70_000), last)
		require.Eventually(t, func() bool { return len(tr.executor.Open()) == 1 }, time.Second, 2*time.Millisecond)
		assert.Equal(t, int64(15), tr.executor.Open()[0].Qty)

		wall.Advance(time.Second)
		pump(ctx, tr)
		last, _ = tr.cache.Last("005930")
		assert.Equal(t, int64(70_100), last)
	}

	play()

	require.NoError(t, tr.replayer.Reset())
	pump(ctx, tr)
	assert.Empty(t, tr.executor.Open())
	assert.False(t, tr.cache.Known("005930"))
	assert.Equal(t, int64(10_000_000), tr.ledger.Deposit())
	assert.True(t, tr.clock.Now().Equal(open.Add(time.Second)))

	play()
}
