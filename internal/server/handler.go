package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/sim"
	"github.com/STTM-NSU/trading-core/internal/strategy"
	"github.com/gin-gonic/gin"
)

type Portfolio interface {
	Summary() model.Summary
	Holdings() []model.Holding
}

type Orders interface {
	Open() []model.Order
	Stale(d time.Duration) []model.Order
}

type Strategies interface {
	Statuses() []strategy.Status
	StartSlot(ctx context.Context, i int) error
	StopSlot(ctx context.Context, i int) error
}

type Reports interface {
	Report(ctx context.Context, date string) ([]model.ProfitReport, error)
}

type Replay interface {
	Status() sim.ReplayStatus
	Pause() error
	Resume() error
	Reset() error
	SetSpeed(speed float64) error
}

// Handler is the operator API. Replay is nil outside replay mode.
type Handler struct {
	Portfolio  Portfolio
	Orders     Orders
	Strategies Strategies
	Reports    Reports
	Replay     Replay
	Clock      market.Clock
	Mode       string
	Logger     logger.Logger
}

var errNoReplay = errors.New("replay is not running")

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)

	api := r.Group("/api")
	api.GET("/portfolio", h.portfolio)
	api.GET("/orders", h.orders)
	api.GET("/strategies", h.strategies)
	api.POST("/strategies/:slot/start", h.startStrategy)
	api.POST("/strategies/:slot/stop", h.stopStrategy)
	api.GET("/conclusions", h.conclusions)

	replay := api.Group("/replay")
	replay.GET("", h.replayStatus)
	replay.POST("/pause", h.replayControl(Replay.Pause))
	replay.POST("/resume", h.replayControl(Replay.Resume))
	replay.POST("/reset", h.replayControl(Replay.Reset))
	replay.POST("/speed", h.replaySpeed)
}

// NewEngine builds the gin engine with recovery and request logging.
func NewEngine(h *Handler, debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLog(h.Logger))
	h.Register(engine)
	return engine
}

func requestLog(log logger.Logger) gin.HandlerFunc {
	log = logger.Component(log, "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": h.Mode, "time": h.Clock.Now()})
}

func (h *Handler) portfolio(c *gin.Context) {
	ok(c, gin.H{
		"summary":  h.Portfolio.Summary(),
		"holdings": h.Portfolio.Holdings(),
	})
}

// orders lists open orders; with ?stale=5m only those untouched for that long.
func (h *Handler) orders(c *gin.Context) {
	if v := c.Query("stale"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		ok(c, h.Orders.Stale(d))
		return
	}
	ok(c, h.Orders.Open())
}

func (h *Handler) strategies(c *gin.Context) {
	ok(c, h.Strategies.Statuses())
}

func (h *Handler) startStrategy(c *gin.Context) {
	h.slotAction(c, h.Strategies.StartSlot)
}

func (h *Handler) stopStrategy(c *gin.Context) {
	h.slotAction(c, h.Strategies.StopSlot)
}

func (h *Handler) slotAction(c *gin.Context, action func(context.Context, int) error) {
	slot, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := action(c.Request.Context(), slot); err != nil {
		switch {
		case errors.Is(err, strategy.ErrSlotRange), errors.Is(err, strategy.ErrNoStrategy):
			fail(c, http.StatusNotFound, err)
		default:
			fail(c, http.StatusConflict, err)
		}
		return
	}
	h.Logger.Infof("operator toggled strategy slot %d via %s", slot, c.Request.URL.Path)
	ok(c, h.Strategies.Statuses())
}

func (h *Handler) conclusions(c *gin.Context) {
	date := c.DefaultQuery("date", market.TradingDay(h.Clock.Now()))
	if _, err := time.Parse("20060102", date); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	rows, err := h.Reports.Report(c.Request.Context(), date)
	if err != nil {
		h.Logger.Errorf("%s: error building report for %s", err, date)
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, rows)
}

func (h *Handler) replayStatus(c *gin.Context) {
	if h.Replay == nil {
		fail(c, http.StatusNotFound, errNoReplay)
		return
	}
	ok(c, h.Replay.Status())
}

func (h *Handler) replayControl(action func(Replay) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Replay == nil {
			fail(c, http.StatusNotFound, errNoReplay)
			return
		}
		if err := action(h.Replay); err != nil {
			fail(c, http.StatusConflict, err)
			return
		}
		ok(c, h.Replay.Status())
	}
}

type speedRequest struct {
	Speed float64 `json:"speed" binding:"required"`
}

func (h *Handler) replaySpeed(c *gin.Context) {
	if h.Replay == nil {
		fail(c, http.StatusNotFound, errNoReplay)
		return
	}
	var req speedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.Replay.SetSpeed(req.Speed); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, h.Replay.Status())
}
