package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/executor"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/portfolio"
	"github.com/STTM-NSU/trading-core/internal/script"
)

var (
	ErrSlotRange  = errors.New("strategy slot out of range")
	ErrNoStrategy = errors.New("no strategy in slot")
	ErrDisabled   = errors.New("strategy disabled")
)

type Portfolio interface {
	Snapshot(symbol string) (model.Holding, bool)
	Holdings() []model.Holding
	HoldingsBySlot(slot int) []model.Holding
	Deposit() int64
	SetThresholds(slot int, t portfolio.Thresholds)
}

type Charts interface {
	Warm(symbol string) bool
	Last(symbol string) (int64, bool)
}

type Orders interface {
	Submit(ctx context.Context, r executor.Request) (model.Order, error)
	HasOpen(symbol string, side model.Side) bool
}

type Subscriber interface {
	SubscribeCondition(ctx context.Context, screen string, c model.Condition, realtime bool) error
	UnsubscribeCondition(ctx context.Context, screen string, c model.Condition) error
}

type Evaluator interface {
	Eval(ctx context.Context, p *script.Program, args script.Args) bool
}

type Deps struct {
	Portfolio Portfolio
	Charts    Charts
	Orders    Orders
	Broker    Subscriber
	Scripts   Evaluator
	Session   market.Session
	Clock     market.Clock
}

// Route says which slot and side a condition feeds.
type Route struct {
	Slot int
	Side model.Side
}

// Engine owns the strategy slots. Slot 0 always exists.
type Engine struct {
	deps   Deps
	logger logger.Logger

	slots  [config.MaxSlots]*Slot
	routes map[model.Condition]Route

	mu   sync.Mutex
	base context.Context
}

func NewEngine(cfgs []config.StrategyConfig, deps Deps, log logger.Logger) *Engine {
	e := &Engine{
		deps:   deps,
		logger: logger.Component(log, "strategy"),
		routes: make(map[model.Condition]Route),
		base:   context.Background(),
	}
	for _, cfg := range cfgs {
		if cfg.Slot < 0 || cfg.Slot >= config.MaxSlots {
			e.logger.Errorf("%s: slot %d of %q ignored", ErrSlotRange, cfg.Slot, cfg.Name)
			continue
		}
		if cfg.Err == nil {
			cfg.Err = e.route(cfg)
		}
		e.slots[cfg.Slot] = newSlot(cfg, &e.deps, e.logger)
	}
	if e.slots[config.DefaultSlot] == nil {
		def := config.DefaultStrategy()
		def.Err = def.ValidateAndSetup()
		e.slots[config.DefaultSlot] = newSlot(def, &e.deps, e.logger)
	}
	return e
}

func (e *Engine) route(cfg config.StrategyConfig) error {
	for _, r := range []struct {
		c    model.Condition
		side model.Side
	}{{cfg.BuyCondition, model.Buy}, {cfg.SellCondition, model.Sell}} {
		if r.c.IsZero() {
			continue
		}
		if other, ok := e.routes[r.c]; ok {
			return fmt.Errorf("%w: condition %s already feeds slot %d", config.ErrInvalid, r.c, other.Slot)
		}
	}
	if !cfg.BuyCondition.IsZero() {
		e.routes[cfg.BuyCondition] = Route{Slot: cfg.Slot, Side: model.Buy}
	}
	if !cfg.SellCondition.IsZero() {
		e.routes[cfg.SellCondition] = Route{Slot: cfg.Slot, Side: model.Sell}
	}
	return nil
}

// Route finds the slot a condition delivery belongs to.
func (e *Engine) Route(c model.Condition) (*Slot, model.Side, bool) {
	r, ok := e.routes[c]
	if !ok {
		return nil, 0, false
	}
	return e.slots[r.Slot], r.Side, true
}

func (e *Engine) Owner(c model.Condition) (Route, bool) {
	r, ok := e.routes[c]
	return r, ok
}

// PostCondition queues ev on the owning slot. It is false when no running slot owns it.
func (e *Engine) PostCondition(ev model.ConditionEvent) bool {
	s, side, ok := e.Route(ev.Condition)
	if !ok || s == nil {
		return false
	}
	return s.PostCondition(ev, side)
}

func (e *Engine) Slot(i int) (*Slot, error) {
	if i < 0 || i >= config.MaxSlots {
		return nil, fmt.Errorf("%w: %d", ErrSlotRange, i)
	}
	if e.slots[i] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoStrategy, i)
	}
	return e.slots[i], nil
}

func (e *Engine) Slots() []*Slot {
	out := make([]*Slot, 0, config.MaxSlots)
	for _, s := range e.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Start runs every valid slot. A slot that fails to start is reported and the others run.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.base = ctx
	e.mu.Unlock()

	var errs []error
	for _, s := range e.Slots() {
		if s.cfg.Disabled {
			continue
		}
		if err := s.start(ctx, ctx); err != nil {
			e.logger.Errorf("%s: error starting slot %d (%s)", err, s.Index, s.cfg.Name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) StartSlot(ctx context.Context, i int) error {
	s, err := e.Slot(i)
	if err != nil {
		return err
	}
	e.mu.Lock()
	base := e.base
	e.mu.Unlock()
	return s.start(ctx, base)
}

func (e *Engine) StopSlot(ctx context.Context, i int) error {
	s, err := e.Slot(i)
	if err != nil {
		return err
	}
	return s.stop(ctx)
}

func (e *Engine) Stop(ctx context.Context) error {
	var errs []error
	for _, s := range e.Slots() {
		if err := s.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PostTick hands a tick to every running slot that watches or holds the symbol. The chart and
// the ledger must already reflect it.
func (e *Engine) PostTick(t model.Tick) int {
	n := 0
	for _, s := range e.Slots() {
		if s.Wants(t.Symbol) && s.post(event{kind: evTick, tick: t}) {
			n++
		}
	}
	return n
}

// SweepEOD asks every running slot to re-check its holdings against the time based rules.
func (e *Engine) SweepEOD() {
	for _, s := range e.Slots() {
		s.post(event{kind: evSweep})
	}
}

func (e *Engine) ResetDay() {
	for _, s := range e.Slots() {
		s.resetDay()
	}
	e.logger.Infof("daily strategy counters reset")
}

func (e *Engine) OnFill(o model.Order, qty, price int64) {
	if s, err := e.Slot(o.Slot); err == nil {
		s.onFill(o, qty, price)
	}
}

func (e *Engine) OnClosed(o model.Order) {
	if s, err := e.Slot(o.Slot); err == nil {
		s.onClosed(o)
	}
}

func (e *Engine) Statuses() []Status {
	out := make([]Status, 0, config.MaxSlots)
	for _, s := range e.Slots() {
		out = append(out, s.Status())
	}
	return out
}
