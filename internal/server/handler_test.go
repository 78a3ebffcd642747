package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/sim"
	"github.com/STTM-NSU/trading-core/internal/strategy"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _now = time.Date(2024, 3, 4, 10, 0, 0, 0, market.KST())

type stubPortfolio struct{}

func (stubPortfolio) Summary() model.Summary {
	return model.Summary{Holdings: 1, TotalCost: 1_000_000, MarketValue: 1_050_000, ProfitLoss: 50_000, ReturnPct: 5}
}

func (stubPortfolio) Holdings() []model.Holding {
	return []model.Holding{{Symbol: "005930", Qty: 10, AvgCost: 100_000, Slot: 1}}
}

type stubOrders struct {
	staleAsked time.Duration
}

func (s *stubOrders) Open() []model.Order {
	return []model.Order{{ID: "a", Symbol: "005930"}, {ID: "b", Symbol: "000660"}}
}

func (s *stubOrders) Stale(d time.Duration) []model.Order {
	s.staleAsked = d
	return []model.Order{{ID: "b", Symbol: "000660"}}
}

type stubStrategies struct {
	started, stopped []int
}

func (s *stubStrategies) Statuses() []strategy.Status {
	return []strategy.Status{{Slot: 0, Name: "default", State: "running"}}
}

func (s *stubStrategies) StartSlot(_ context.Context, i int) error {
	if i >= 6 {
		return strategy.ErrSlotRange
	}
	s.started = append(s.started, i)
	return nil
}

func (s *stubStrategies) StopSlot(_ context.Context, i int) error {
	s.stopped = append(s.stopped, i)
	return nil
}

type stubReports struct {
	date string
}

func (s *stubReports) Report(_ context.Context, date string) ([]model.ProfitReport, error) {
	s.date = date
	return []model.ProfitReport{{Date: date, Slot: 1, Realized: 12_345}}, nil
}

type stubReplay struct {
	state string
	speed float64
}

func (s *stubReplay) Status() sim.ReplayStatus {
	return sim.ReplayStatus{State: s.state, Speed: s.speed}
}

func (s *stubReplay) Pause() error {
	if s.state != "playing" {
		return sim.ErrNotPlaying
	}
	s.state = "paused"
	return nil
}

func (s *stubReplay) Resume() error {
	s.state = "playing"
	return nil
}

func (s *stubReplay) Reset() error {
	s.state = "ready"
	return nil
}

func (s *stubReplay) SetSpeed(speed float64) error {
	if speed != 2 {
		return sim.ErrBadSpeed
	}
	s.speed = speed
	return nil
}

type fixture struct {
	handler    *Handler
	orders     *stubOrders
	strategies *stubStrategies
	reports    *stubReports
	replay     *stubReplay
}

func newFixture(withReplay bool) *fixture {
	f := &fixture{
		orders:     &stubOrders{},
		strategies: &stubStrategies{},
		reports:    &stubReports{},
		replay:     &stubReplay{state: "playing", speed: 1},
	}
	f.handler = &Handler{
		Portfolio:  stubPortfolio{},
		Orders:     f.orders,
		Strategies: f.strategies,
		Reports:    f.reports,
		Clock:      market.NewManualClock(_now),
		Mode:       "replay",
		Logger:     logger.NewNopLogger(),
	}
	if withReplay {
		f.handler.Replay = f.replay
	}
	return f
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	engine := NewEngine(f.handler, false)
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var env envelope
	if path != "/healthz" {
		require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func TestHealth(t *testing.T) {
	code, _ := newFixture(false).do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestPortfolio(t *testing.T) {
	code, env := newFixture(false).do(t, http.MethodGet, "/api/portfolio", "")
	require.Equal(t, http.StatusOK, code)
	data := env.Data.(map[string]any)
	summary := data["summary"].(map[string]any)
	assert.EqualValues(t, 50_000, summary["profit_loss"])
	assert.Len(t, data["holdings"], 1)
}

func TestOrders(t *testing.T) {
	f := newFixture(false)
	code, env := f.do(t, http.MethodGet, "/api/orders", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, env.Data, 2)

	code, env = f.do(t, http.MethodGet, "/api/orders?stale=5m", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, env.Data, 1)
	assert.Equal(t, 5*time.Minute, f.orders.staleAsked)

	code, _ = f.do(t, http.MethodGet, "/api/orders?stale=soon", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStrategyStartStop(t *testing.T) {
	f := newFixture(false)
	code, _ := f.do(t, http.MethodPost, "/api/strategies/2/start", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/api/strategies/2/stop", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []int{2}, f.strategies.started)
	assert.Equal(t, []int{2}, f.strategies.stopped)

	code, _ = f.do(t, http.MethodPost, "/api/strategies/9/start", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodPost, "/api/strategies/x/start", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConclusionsDefaultToToday(t *testing.T) {
	f := newFixture(false)
	code, env := f.do(t, http.MethodGet, "/api/conclusions", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "20240304", f.reports.date)
	assert.Len(t, env.Data, 1)

	code, _ = f.do(t, http.MethodGet, "/api/conclusions?date=2024-03-04", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestReplayControls(t *testing.T) {
	f := newFixture(true)
	code, _ := f.do(t, http.MethodPost, "/api/replay/pause", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paused", f.replay.state)

	code, env := f.do(t, http.MethodPost, "/api/replay/pause", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, env.Message, sim.ErrNotPlaying.Error())

	code, _ = f.do(t, http.MethodPost, "/api/replay/resume", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/api/replay/speed", `{"speed": 2}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), f.replay.speed)
	code, _ = f.do(t, http.MethodPost, "/api/replay/speed", `{"speed": 3}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/replay/reset", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", f.replay.state)
}

func TestReplayMissingOutsideReplayMode(t *testing.T) {
	f := newFixture(false)
	code, _ := f.do(t, http.MethodGet, "/api/replay", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodPost, "/api/replay/pause", "")
	assert.Equal(t, http.StatusNotFound, code)
}
