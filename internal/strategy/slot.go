package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/portfolio"
	"github.com/STTM-NSU/trading-core/internal/script"
)

const (
	_queueSize = 1024

	// percent comparisons tolerate float noise from price ratios
	_eps = 1e-9
)

type State int32

const (
	Loaded State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type eventKind int

const (
	evBuyCondition eventKind = iota
	evSellCondition
	evTick
	evSweep
)

type event struct {
	kind eventKind
	cond model.ConditionEvent
	tick model.Tick
}

// Status is the operator view of a slot.
type Status struct {
	Slot       int           `json:"slot"`
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Error      string        `json:"error,omitempty"`
	Entries    int           `json:"entries"`
	Watching   int           `json:"watching"`
	Holdings   int           `json:"holdings"`
	LossCut    bool          `json:"loss_cut"`
	BuyScript  *script.Stats `json:"buy_script,omitempty"`
	SellScript *script.Stats `json:"sell_script,omitempty"`
}

// Slot is one strategy instance with its own evaluation goroutine and queue.
type Slot struct {
	Index int

	cfg    config.StrategyConfig
	deps   *Deps
	logger logger.Logger

	buyScript  *script.Program
	sellScript *script.Program
	buyScreen  string
	sellScreen string

	queue chan event
	state atomic.Int32

	lifecycle sync.Mutex
	halt      chan struct{}
	done      chan struct{}

	wmu   sync.RWMutex
	watch map[string]time.Time

	mu       sync.Mutex
	sellHits map[string]bool
	entries  int
	bySymbol map[string]int
	pending  map[string]bool
	sold     map[string]bool
	eodSent  map[string]bool
	lossCut  bool
}

func newSlot(cfg config.StrategyConfig, deps *Deps, log logger.Logger) *Slot {
	return &Slot{
		Index:      cfg.Slot,
		cfg:        cfg,
		deps:       deps,
		logger:     log.With("slot", cfg.Slot, "strategy", cfg.Name),
		buyScreen:  fmt.Sprintf("%04d", 1000+cfg.Slot*10),
		sellScreen: fmt.Sprintf("%04d", 1001+cfg.Slot*10),
		queue:      make(chan event, _queueSize),
		watch:      make(map[string]time.Time),
		sellHits:   make(map[string]bool),
		bySymbol:   make(map[string]int),
		pending:    make(map[string]bool),
		sold:       make(map[string]bool),
		eodSent:    make(map[string]bool),
	}
}

func (s *Slot) Config() config.StrategyConfig {
	return s.cfg
}

func (s *Slot) State() State {
	return State(s.state.Load())
}

func (s *Slot) Running() bool {
	return s.State() == Running
}

func (s *Slot) compile() error {
	if s.cfg.Scripts.Buy != "" && s.buyScript == nil {
		p, err := script.Compile(s.cfg.Name+".buy", s.cfg.Scripts.Buy)
		if err != nil {
			return fmt.Errorf("%w: can't compile buy script of %s", err, s.cfg.Name)
		}
		s.buyScript = p
	}
	if s.cfg.Scripts.Sell != "" && s.sellScript == nil {
		p, err := script.Compile(s.cfg.Name+".sell", s.cfg.Scripts.Sell)
		if err != nil {
			return fmt.Errorf("%w: can't compile sell script of %s", err, s.cfg.Name)
		}
		s.sellScript = p
	}
	return nil
}

// start subscribes the slot's conditions and launches its loop on base.
func (s *Slot) start(ctx, base context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cfg.Err != nil {
		return fmt.Errorf("%w: slot %d", s.cfg.Err, s.Index)
	}
	if s.cfg.Disabled {
		return fmt.Errorf("%w: slot %d", ErrDisabled, s.Index)
	}
	if s.Running() {
		return nil
	}
	if err := s.compile(); err != nil {
		return err
	}
	s.deps.Portfolio.SetThresholds(s.Index, portfolio.Thresholds{
		TrailingArmPct: s.cfg.Risk.TrailingArmPct,
		PreserveArmPct: s.cfg.Risk.PreserveArmPct,
	})

	if c := s.cfg.BuyCondition; !c.IsZero() {
		if err := s.deps.Broker.SubscribeCondition(ctx, s.buyScreen, c, true); err != nil {
			return fmt.Errorf("%w: can't subscribe buy condition %s", err, c)
		}
	}
	if c := s.cfg.SellCondition; !c.IsZero() {
		if err := s.deps.Broker.SubscribeCondition(ctx, s.sellScreen, c, true); err != nil {
			if b := s.cfg.BuyCondition; !b.IsZero() {
				_ = s.deps.Broker.UnsubscribeCondition(ctx, s.buyScreen, b)
			}
			return fmt.Errorf("%w: can't subscribe sell condition %s", err, c)
		}
	}

	s.halt = make(chan struct{})
	s.done = make(chan struct{})
	s.state.Store(int32(Running))
	go s.run(base, s.halt, s.done)
	s.logger.Infof("strategy started")
	return nil
}

// stop ends the loop, drops queued evaluations and unsubscribes. Orders in flight are left to
// finish on their own.
func (s *Slot) stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.Running() {
		return nil
	}
	s.state.Store(int32(Stopped))
	close(s.halt)
	<-s.done

	dropped := 0
	for len(s.queue) > 0 {
		<-s.queue
		dropped++
	}
	s.wmu.Lock()
	s.watch = make(map[string]time.Time)
	s.wmu.Unlock()

	var errs []error
	if c := s.cfg.BuyCondition; !c.IsZero() {
		errs = append(errs, s.deps.Broker.UnsubscribeCondition(ctx, s.buyScreen, c))
	}
	if c := s.cfg.SellCondition; !c.IsZero() {
		errs = append(errs, s.deps.Broker.UnsubscribeCondition(ctx, s.sellScreen, c))
	}
	s.logger.Infof("strategy stopped, %d queued evaluations dropped", dropped)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: can't unsubscribe conditions of slot %d", err, s.Index)
	}
	return nil
}

func (s *Slot) run(ctx context.Context, halt, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-halt:
			return
		case ev := <-s.queue:
			s.handle(ctx, ev)
		}
	}
}

func (s *Slot) post(ev event) bool {
	if !s.Running() {
		return false
	}
	select {
	case s.queue <- ev:
		return true
	default:
		s.logger.With("incident", "slot_queue_full").Warnf("evaluation queue full, %s dropped", ev.symbol())
		return false
	}
}

func (ev event) symbol() string {
	switch ev.kind {
	case evTick:
		return ev.tick.Symbol
	case evSweep:
		return "sweep"
	default:
		return ev.cond.Symbol
	}
}

// PostCondition queues a routed condition delivery.
func (s *Slot) PostCondition(ev model.ConditionEvent, side model.Side) bool {
	kind := evBuyCondition
	if side == model.Sell {
		kind = evSellCondition
	}
	return s.post(event{kind: kind, cond: ev})
}

// Wants reports whether ticks of symbol matter to this slot.
func (s *Slot) Wants(symbol string) bool {
	if !s.Running() {
		return false
	}
	s.wmu.RLock()
	_, ok := s.watch[symbol]
	s.wmu.RUnlock()
	if ok {
		return true
	}
	h, held := s.deps.Portfolio.Snapshot(symbol)
	return held && h.Slot == s.Index
}

func (s *Slot) Watching(symbol string) bool {
	s.wmu.RLock()
	defer s.wmu.RUnlock()
	_, ok := s.watch[symbol]
	return ok
}

func (s *Slot) addWatch(symbol string, at time.Time) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, ok := s.watch[symbol]; !ok {
		s.watch[symbol] = at
	}
}

func (s *Slot) unwatch(symbol string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	delete(s.watch, symbol)
}

func (s *Slot) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evBuyCondition:
		s.onBuyCondition(ctx, ev.cond)
	case evSellCondition:
		s.onSellCondition(ctx, ev.cond)
	case evTick:
		s.onTick(ctx, ev.tick)
	case evSweep:
		s.sweep(ctx)
	}
}

func (s *Slot) onTick(ctx context.Context, t model.Tick) {
	if s.Watching(t.Symbol) {
		s.tryBuy(ctx, t.Symbol, t.Price)
	}
	if h, ok := s.deps.Portfolio.Snapshot(t.Symbol); ok && h.Slot == s.Index {
		s.trySell(ctx, h)
	}
}

// sweep re-checks every holding of the slot, mainly for end-of-day liquidation.
func (s *Slot) sweep(ctx context.Context) {
	for _, h := range s.deps.Portfolio.HoldingsBySlot(s.Index) {
		s.trySell(ctx, h)
	}
}

func (s *Slot) args(symbol, name string, last int64) script.Args {
	a := script.Args{Symbol: symbol, Name: name, LastPrice: last}
	if h, ok := s.deps.Portfolio.Snapshot(symbol); ok {
		a.HeldQty = h.Qty
		a.BuyTime = h.AcquiredAt
		if a.Name == "" {
			a.Name = h.Name
		}
	}
	return a
}

func (s *Slot) onFill(o model.Order, qty, _ int64) {
	if o.Side != model.Sell || qty <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sold[o.Symbol] = true
}

func (s *Slot) onClosed(o model.Order) {
	if o.Side != model.Buy || o.External {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, o.Symbol)
	if o.FilledQty > 0 {
		return
	}
	if s.entries > 0 {
		s.entries--
	}
	if s.bySymbol[o.Symbol] > 0 {
		s.bySymbol[o.Symbol]--
	}
}

func (s *Slot) resetDay() {
	s.mu.Lock()
	s.entries = 0
	s.bySymbol = make(map[string]int)
	s.sold = make(map[string]bool)
	s.eodSent = make(map[string]bool)
	s.sellHits = make(map[string]bool)
	s.lossCut = false
	s.pending = make(map[string]bool)
	s.mu.Unlock()

	s.wmu.Lock()
	s.watch = make(map[string]time.Time)
	s.wmu.Unlock()
}

func (s *Slot) Status() Status {
	st := Status{
		Slot:     s.Index,
		Name:     s.cfg.Name,
		State:    s.State().String(),
		Holdings: len(s.deps.Portfolio.HoldingsBySlot(s.Index)),
	}
	if s.cfg.Err != nil {
		st.Error = s.cfg.Err.Error()
	}
	s.mu.Lock()
	st.Entries = s.entries
	st.LossCut = s.lossCut
	s.mu.Unlock()
	s.wmu.RLock()
	st.Watching = len(s.watch)
	s.wmu.RUnlock()
	if s.buyScript != nil {
		stats := s.buyScript.Stats()
		st.BuyScript = &stats
	}
	if s.sellScript != nil {
		stats := s.sellScript.Stats()
		st.SellScript = &stats
	}
	return st
}

func minuteOfDay(t time.Time) int {
	t = t.In(market.KST())
	return t.Hour()*60 + t.Minute()
}
