package sim

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_buyCond  = model.Condition{Index: 1, Name: "breakout"}
	_sellCond = model.Condition{Index: 2, Name: "fade"}
)

type tape struct {
	mu    sync.Mutex
	log   []string
	ticks []model.Tick
	conds []model.ConditionEvent
}

func (tp *tape) Tick(t model.Tick) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.ticks = append(tp.ticks, t)
	tp.log = append(tp.log, fmt.Sprintf("tick %s %d", t.Symbol, t.Price))
}

func (tp *tape) EmitCondition(ev model.ConditionEvent) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.conds = append(tp.conds, ev)
	tp.log = append(tp.log, fmt.Sprintf("cond %s %s %s", ev.Condition.Name, ev.Kind, ev.Symbol))
	return true
}

func runWalker(seed int64, steps int, opts ...WalkerOption) (*Walker, *tape) {
	tp := &tape{}
	clock := market.NewManualClock(_now)
	w := NewWalker(tp, clock, seed, logger.NewNopLogger(), opts...)
	for _, s := range []string{"005930", "000660", "035720"} {
		w.Add(s, 0)
	}
	for i := 0; i < steps; i++ {
		w.Step()
		clock.Advance(time.Second)
	}
	return w, tp
}

func TestWalkerIsDeterministicForSeed(t *testing.T) {
	_, a := runWalker(42, 300)
	_, b := runWalker(42, 300)
	_, c := runWalker(43, 300)
	assert.Equal(t, a.log, b.log)
	assert.NotEqual(t, a.log, c.log)
}

func TestWalkerStaysWithinPriceLimits(t *testing.T) {
	w, tp := runWalker(5, 5000)
	require.Len(t, tp.ticks, 3*5000)
	assert.Equal(t, int64(5000), w.Steps())

	bases := make(map[string]int64)
	for _, tk := range tp.ticks {
		if _, ok := bases[tk.Symbol]; !ok {
			bases[tk.Symbol] = tk.Open
		}
		base := float64(bases[tk.Symbol])
		assert.GreaterOrEqual(t, float64(tk.Price), base*0.69, tk.Symbol)
		assert.LessOrEqual(t, float64(tk.Price), base*1.31, tk.Symbol)
		assert.GreaterOrEqual(t, tk.High, tk.Price)
		assert.LessOrEqual(t, tk.Low, tk.Price)
	}
}

func TestWalkerSignalsFollowBuckets(t *testing.T) {
	var entered []string
	_, tp := runWalker(11, 5000,
		WithSignals(Signals{Buy: []model.Condition{_buyCond}, Sell: []model.Condition{_sellCond}}),
		WithEnterHook(func(symbol string) { entered = append(entered, symbol) }),
	)
	require.NotEmpty(t, tp.conds)

	// per symbol and condition, hits alternate in, drop, in
	last := make(map[string]model.ConditionKind)
	ins := 0
	for _, ev := range tp.conds {
		key := ev.Symbol + ev.Condition.Name
		prev, seen := last[key]
		if !seen {
			assert.Equal(t, model.ConditionIn, ev.Kind, key)
		} else {
			assert.NotEqual(t, prev, ev.Kind, key)
		}
		last[key] = ev.Kind
		if ev.Kind == model.ConditionIn && ev.Condition == _buyCond {
			ins++
		}
	}
	assert.Len(t, entered, ins)

	// a condition goes out right before the tick of the same symbol that caused it
	for i, line := range tp.log {
		if !strings.HasPrefix(line, "cond") {
			continue
		}
		symbol := line[strings.LastIndex(line, " ")+1:]
		j := i + 1
		for j < len(tp.log) && strings.HasPrefix(tp.log[j], "cond") {
			j++
		}
		require.Less(t, j, len(tp.log))
		assert.True(t, strings.HasPrefix(tp.log[j], "tick "+symbol), tp.log[j])
	}
}

func TestWalkerParams(t *testing.T) {
	w, _ := runWalker(1, 0)
	require.NoError(t, w.SetParams("005930", Params{Volatility: 0.01, Volume: 10}))
	p, ok := w.Params("005930")
	require.True(t, ok)
	assert.Equal(t, 0.01, p.Volatility)

	require.NoError(t, w.SetParams("005930", Params{}))
	p, _ = w.Params("005930")
	assert.Equal(t, DefaultParams(), p)

	assert.ErrorIs(t, w.SetParams("999999", DefaultParams()), ErrUnknownSymbol)

	require.NoError(t, w.Rebase("005930", 55_000))
	_, last, ok := w.State("005930")
	require.True(t, ok)
	assert.Equal(t, int64(55_000), last)
}
