package sim

import (
	"context"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _open = time.Date(2024, 3, 4, 9, 0, 0, 0, market.KST())

type dayStub struct {
	conds     []model.ConditionEvent
	ticks     []model.Tick
	whitelist []string
}

func (d dayStub) LoadConditions(context.Context, string) ([]model.ConditionEvent, error) {
	return d.conds, nil
}

func (d dayStub) LoadTicks(context.Context, string) ([]model.Tick, error) {
	return d.ticks, nil
}

func (d dayStub) DailySim(context.Context, string) ([]string, error) {
	return d.whitelist, nil
}

func at(sec int) time.Time {
	return _open.Add(time.Duration(sec) * time.Second)
}

func recordedDay() dayStub {
	return dayStub{
		conds: []model.ConditionEvent{
			{Symbol: "005930", Kind: model.ConditionIn, Condition: _buyCond, Time: at(0)},
			{Symbol: "000660", Kind: model.ConditionIn, Condition: _buyCond, Time: at(20)},
		},
		ticks: []model.Tick{
			{Symbol: "005930", Time: at(0), Price: 70_000},
			{Symbol: "000660", Time: at(1), Price: 150_000},
			{Symbol: "005930", Time: at(10), Price: 70_100},
			{Symbol: "000660", Time: at(30), Price: 150_500},
		},
	}
}

func newReplay(t *testing.T, day dayStub, speed float64) (*Replayer, *tape, *market.ManualClock, *market.ManualClock) {
	tp := &tape{}
	sim := market.NewManualClock(_now)
	wall := market.NewManualClock(_now)
	r, err := NewReplayer(day, tp, sim, wall, "20240304", speed, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))
	return r, tp, sim, wall
}

func TestReplayPlaysInRecordedOrder(t *testing.T) {
	r, tp, sim, wall := newReplay(t, recordedDay(), 1)
	assert.True(t, sim.Now().Equal(at(0)))

	require.NoError(t, r.Play())
	assert.Equal(t, []string{"cond breakout I 005930", "tick 005930 70000"}, tp.log)

	// 000660 is not flagged yet, its tick at 09:00:01 is skipped
	wall.Advance(10 * time.Second)
	assert.Equal(t, "tick 005930 70100", tp.log[len(tp.log)-1])
	assert.Len(t, tp.log, 3)
	assert.True(t, sim.Now().Equal(at(10)))

	wall.Advance(20 * time.Second)
	assert.Equal(t, []string{
		"cond breakout I 005930", "tick 005930 70000", "tick 005930 70100",
		"cond breakout I 000660", "tick 000660 150500",
	}, tp.log)

	select {
	case <-r.Done():
	default:
		t.Fatal("replay should be finished")
	}
	assert.Equal(t, "finished", r.Status().State)
	assert.Equal(t, 2, r.Status().Flagged)
	assert.ErrorIs(t, r.Play(), ErrFinished)
}

func TestReplaySpeedScalesWaits(t *testing.T) {
	r, tp, _, wall := newReplay(t, recordedDay(), 10)
	require.NoError(t, r.Play())
	require.Len(t, tp.log, 2)

	wall.Advance(999 * time.Millisecond)
	assert.Len(t, tp.log, 2)
	wall.Advance(time.Millisecond)
	assert.Len(t, tp.log, 3)
}

func TestReplayPauseKeepsProgressAndResumesAtNewSpeed(t *testing.T) {
	r, tp, sim, wall := newReplay(t, recordedDay(), 2)
	require.NoError(t, r.Play())

	// 09:00:01 passes without output, the next item is 09:00:10
	wall.Advance(500 * time.Millisecond)
	wall.Advance(time.Second)
	require.NoError(t, r.Pause())
	assert.True(t, sim.Now().Equal(at(3)), sim.Now())
	assert.ErrorIs(t, r.Pause(), ErrNotPlaying)

	wall.Advance(time.Hour)
	assert.Len(t, tp.log, 2)

	require.NoError(t, r.SetSpeed(1))
	require.NoError(t, r.Resume())
	wall.Advance(6900 * time.Millisecond)
	assert.Len(t, tp.log, 2)
	wall.Advance(100 * time.Millisecond)
	assert.Len(t, tp.log, 3)
	assert.True(t, sim.Now().Equal(at(10)))
}

func TestReplaySpeedChangeWhilePlaying(t *testing.T) {
	r, tp, sim, wall := newReplay(t, recordedDay(), 1)
	require.NoError(t, r.Play())
	wall.Advance(time.Second)
	wall.Advance(time.Second)

	// one second into the nine second wait for 09:00:10, eight left at x5
	require.NoError(t, r.SetSpeed(5))
	assert.True(t, sim.Now().Equal(at(2)))
	wall.Advance(1599 * time.Millisecond)
	assert.Len(t, tp.log, 2)
	wall.Advance(time.Millisecond)
	assert.Len(t, tp.log, 3)

	assert.ErrorIs(t, r.SetSpeed(3), ErrBadSpeed)
	assert.Equal(t, float64(5), r.Speed())
}

func TestReplayResetStartsOver(t *testing.T) {
	r, tp, sim, wall := newReplay(t, recordedDay(), 1)
	require.NoError(t, r.Play())
	wall.Advance(time.Minute)
	require.Len(t, tp.log, 5)

	var rewoundAt time.Time
	r.OnReset(func() { rewoundAt = sim.Now() })
	require.NoError(t, r.Reset())
	assert.True(t, rewoundAt.Equal(at(0)))
	st := r.Status()
	assert.Equal(t, "ready", st.State)
	assert.Zero(t, st.Cursor)
	assert.Zero(t, st.Flagged)
	assert.True(t, sim.Now().Equal(at(0)))

	require.NoError(t, r.Play())
	assert.Len(t, tp.log, 7)
	assert.Equal(t, "tick 005930 70000", tp.log[6])
}

func TestReplayWhitelist(t *testing.T) {
	day := recordedDay()
	day.whitelist = []string{"000660"}
	r, tp, _, wall := newReplay(t, day, 10)

	require.NoError(t, r.Play())
	wall.Advance(time.Minute)
	assert.Equal(t, []string{"cond breakout I 000660", "tick 000660 150500"}, tp.log)
	assert.Equal(t, 3, r.Status().Total)
}

func TestReplayRejectsBadSpeedAndUnloadedPlay(t *testing.T) {
	_, err := NewReplayer(dayStub{}, &tape{}, market.NewManualClock(_now), market.NewManualClock(_now), "20240304", 4, logger.NewNopLogger())
	assert.ErrorIs(t, err, ErrBadSpeed)

	r, err := NewReplayer(dayStub{}, &tape{}, market.NewManualClock(_now), market.NewManualClock(_now), "20240304", 1, logger.NewNopLogger())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Play(), ErrNotLoaded)

	require.NoError(t, r.Load(context.Background()))
	require.NoError(t, r.Play())
	select {
	case <-r.Done():
	default:
		t.Fatal("empty day should finish at once")
	}
}
