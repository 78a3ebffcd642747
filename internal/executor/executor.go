package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/STTM-NSU/trading-core/internal/broker"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/quota"
	"github.com/google/uuid"
)

const (
	_orderIDPrefix = "core-"
	_queueSize     = 256

	_orderRequestName  = "core_order"
	_cancelRequestName = "core_cancel"
)

var (
	ErrDuplicateSide = errors.New("order already open for symbol and side")
	ErrQueueFull     = errors.New("order queue full")
	ErrStopped       = errors.New("order pipeline stopped")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrUnknownOrder  = errors.New("unknown order")
	ErrNotCancelable = errors.New("order can't be cancelled")
	ErrSessionClosed = errors.New("market session closed")
)

type Sender interface {
	SendOrder(ctx context.Context, req broker.OrderRequest) error
}

type Journal interface {
	RecordTrade(ctx context.Context, event string, o model.Order, fillQty, fillPrice int64) error
}

// Request is what a strategy asks for. Price is ignored for market orders.
type Request struct {
	Symbol      string
	Name        string
	Side        model.Side
	Slot        int
	Qty         int64
	Price       int64
	Market      bool
	Reason      model.SellReason
	CancelAfter time.Duration
}

type job struct {
	id     string
	cancel bool
}

type entry struct {
	order       model.Order
	cancelAfter time.Duration
	timer       market.Timer
	prev        model.OrderState
}

// Executor serializes outbound orders behind the order quota and owns the open-order set.
type Executor struct {
	sender  Sender
	limiter *quota.Limiter
	session market.Session
	clock   market.Clock
	journal Journal
	screens *broker.Screens
	logger  logger.Logger
	account string

	queue   chan job
	stopped atomic.Bool

	mu       sync.RWMutex
	orders   map[string]*entry
	byKey    map[model.OrderKey]*entry
	byBroker map[string]*entry
	closed   map[string]model.Order
}

type Option func(*Executor)

func WithJournal(j Journal) Option {
	return func(e *Executor) {
		e.journal = j
	}
}

func WithScreens(s *broker.Screens) Option {
	return func(e *Executor) {
		e.screens = s
	}
}

func WithQueueSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.queue = make(chan job, n)
		}
	}
}

func New(
	sender Sender,
	limiter *quota.Limiter,
	session market.Session,
	clock market.Clock,
	account string,
	log logger.Logger,
	opts ...Option) *Executor {
	e := &Executor{
		sender:   sender,
		limiter:  limiter,
		session:  session,
		clock:    clock,
		screens:  broker.NewScreens(2000, 2099),
		logger:   logger.Component(log, "executor"),
		account:  account,
		queue:    make(chan job, _queueSize),
		orders:   make(map[string]*entry),
		byKey:    make(map[model.OrderKey]*entry),
		byBroker: make(map[string]*entry),
		closed:   make(map[string]model.Order),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit creates the order record and queues it for dispatch. An order whose side is already
// open, or that the order quota would drop anyway, never gets a record.
func (e *Executor) Submit(ctx context.Context, r Request) (model.Order, error) {
	if e.stopped.Load() {
		return model.Order{}, ErrStopped
	}
	if r.Qty <= 0 || r.Symbol == "" || (r.Side != model.Buy && r.Side != model.Sell) {
		return model.Order{}, fmt.Errorf("%w: %s %s x%d", ErrInvalidOrder, r.Side, r.Symbol, r.Qty)
	}
	if r.Market {
		r.Price = 0
	} else if r.Price <= 0 {
		return model.Order{}, fmt.Errorf("%w: limit %s %s without price", ErrInvalidOrder, r.Side, r.Symbol)
	}
	if wait := e.limiter.CheckInterval(quota.Orders); wait > quota.DropThreshold {
		e.logger.With("incident", "rate_limit_drop").Warnf("%s %s x%d dropped, order quota needs %s", r.Side, r.Symbol, r.Qty, wait)
		return model.Order{}, fmt.Errorf("%w: orders need %s", quota.ErrWaitTooLong, wait)
	}

	now := e.clock.Now()
	key := model.OrderKey{Symbol: r.Symbol, Side: r.Side}
	en := &entry{
		order: model.Order{
			ID:           _orderIDPrefix + uuid.NewString(),
			Symbol:       r.Symbol,
			Name:         r.Name,
			Side:         r.Side,
			Slot:         r.Slot,
			State:        model.Requested,
			Qty:          r.Qty,
			RemainingQty: r.Qty,
			Price:        r.Price,
			Market:       r.Market,
			Reason:       r.Reason,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		cancelAfter: r.CancelAfter,
	}

	e.mu.Lock()
	if open, ok := e.byKey[key]; ok {
		e.mu.Unlock()
		return model.Order{}, fmt.Errorf("%w: %s (%s)", ErrDuplicateSide, key, open.order.State)
	}
	e.orders[en.order.ID] = en
	e.byKey[key] = en
	select {
	case e.queue <- job{id: en.order.ID}:
	default:
		e.removeLocked(en)
		e.mu.Unlock()
		return model.Order{}, ErrQueueFull
	}
	o := en.order
	e.mu.Unlock()

	e.record(ctx, "requested", o, 0, 0)
	return o, nil
}

func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return
		case j := <-e.queue:
			if j.cancel {
				e.sendCancel(ctx, j.id)
			} else {
				e.send(ctx, j.id)
			}
		}
	}
}

// Stop refuses new orders and disarms every cancel timer. Open orders stay tracked.
func (e *Executor) Stop() {
	e.stopped.Store(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, en := range e.orders {
		if en.timer != nil {
			en.timer.Stop()
			en.timer = nil
		}
	}
}

func (e *Executor) snapshot(id string) (model.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return en.order, true
}

func (e *Executor) send(ctx context.Context, id string) {
	o, ok := e.snapshot(id)
	if !ok || o.State != model.Requested {
		return
	}
	if !e.session.Regular() {
		e.logger.With("incident", "session_closed").Warnf("%s %s x%d dropped outside regular session", o.Side, o.Symbol, o.Qty)
		e.drop(ctx, id, "dropped")
		return
	}
	if err := e.limiter.Acquire(ctx, quota.Orders); err != nil {
		e.logger.Warnf("%s: %s %s x%d not sent", err, o.Side, o.Symbol, o.Qty)
		e.drop(ctx, id, "dropped")
		return
	}

	e.mu.Lock()
	en, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.transitionLocked(en, model.Submitted)
	o = en.order
	e.mu.Unlock()

	req := broker.OrderRequest{
		Name:    _orderRequestName,
		Screen:  e.screens.Next(),
		Account: e.account,
		Type:    model.NewOrderType(o.Side),
		Symbol:  o.Symbol,
		Qty:     o.Qty,
		Price:   o.Price,
		Hoga:    o.Hoga(),
	}
	if err := e.sender.SendOrder(ctx, req); err != nil {
		e.logger.Errorf("%s: error sending %s %s x%d", err, o.Side, o.Symbol, o.Qty)
		e.drop(ctx, id, "send_failed")
		return
	}
	e.logger.Infof("sent %s %s x%d @ %d (%s)", o.Side, o.Symbol, o.Qty, o.Price, o.Reason)
	e.record(ctx, "submitted", o, 0, 0)
}

func (e *Executor) drop(ctx context.Context, id, event string) {
	e.mu.Lock()
	en, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.transitionLocked(en, model.Rejected)
	e.removeLocked(en)
	o := en.order
	e.mu.Unlock()
	e.record(ctx, event, o, 0, 0)
}

// Cancel asks the broker to cancel the remaining quantity of an accepted order.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	en, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	st := en.order.State
	if st != model.Accepted && st != model.PartiallyFilled {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancelable, id, st)
	}
	select {
	case e.queue <- job{id: id, cancel: true}:
	default:
		e.mu.Unlock()
		return ErrQueueFull
	}
	en.prev = st
	e.transitionLocked(en, model.CancelRequested)
	o := en.order
	e.mu.Unlock()

	e.record(ctx, "cancel_requested", o, 0, 0)
	return nil
}

func (e *Executor) cancelOnTimeout(id string) {
	o, ok := e.snapshot(id)
	if !ok {
		return
	}
	if err := e.Cancel(context.Background(), id); err != nil {
		if !errors.Is(err, ErrNotCancelable) {
			e.logger.Errorf("%s: error cancelling %s %s after timeout", err, o.Side, o.Symbol)
		}
		return
	}
	e.logger.Infof("cancel timeout for %s %s (%s), %d left", o.Side, o.Symbol, o.BrokerID, o.RemainingQty)
}

func (e *Executor) sendCancel(ctx context.Context, id string) {
	o, ok := e.snapshot(id)
	if !ok || o.State != model.CancelRequested {
		return
	}
	if err := e.limiter.Acquire(ctx, quota.Orders); err != nil {
		e.logger.Warnf("%s: cancel of %s not sent", err, o.BrokerID)
		e.revertCancel(id)
		return
	}
	req := broker.OrderRequest{
		Name:        _cancelRequestName,
		Screen:      e.screens.Next(),
		Account:     e.account,
		Type:        model.CancelOrderType(o.Side),
		Symbol:      o.Symbol,
		Qty:         o.RemainingQty,
		Hoga:        model.HogaLimit,
		OrigOrderID: o.BrokerID,
	}
	if err := e.sender.SendOrder(ctx, req); err != nil {
		e.logger.Errorf("%s: error cancelling %s", err, o.BrokerID)
		e.revertCancel(id)
	}
}

func (e *Executor) revertCancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.orders[id]
	if !ok || en.order.State != model.CancelRequested {
		return
	}
	e.transitionLocked(en, en.prev)
}

func (e *Executor) transitionLocked(en *entry, to model.OrderState) {
	if err := en.order.Transition(to, e.clock.Now()); err != nil {
		e.logger.Warnf("%s: order %s forced to %s", err, en.order.ID, to)
		en.order.State = to
		en.order.UpdatedAt = e.clock.Now()
	}
}

func (e *Executor) removeLocked(en *entry) {
	if en.timer != nil {
		en.timer.Stop()
		en.timer = nil
	}
	delete(e.orders, en.order.ID)
	if cur, ok := e.byKey[en.order.Key()]; ok && cur == en {
		delete(e.byKey, en.order.Key())
	}
	if en.order.BrokerID != "" {
		delete(e.byBroker, en.order.BrokerID)
		e.closed[en.order.BrokerID] = en.order
	}
}

func (e *Executor) record(ctx context.Context, event string, o model.Order, fillQty, fillPrice int64) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordTrade(ctx, event, o, fillQty, fillPrice); err != nil {
		e.logger.Errorf("%s: error journaling %s of %s", err, event, o.ID)
	}
}

func (e *Executor) HasOpen(symbol string, side model.Side) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.byKey[model.OrderKey{Symbol: symbol, Side: side}]
	return ok
}

func (e *Executor) Get(id string) (model.Order, bool) {
	return e.snapshot(id)
}

// Open lists non-terminal orders, oldest first.
func (e *Executor) Open() []model.Order {
	e.mu.RLock()
	out := make([]model.Order, 0, len(e.orders))
	for _, en := range e.orders {
		out = append(out, en.order)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Abandon drops every tracked order, open ones included, without telling the broker. Used when
// a simulated broker starts its day over and the orders no longer exist there.
func (e *Executor) Abandon() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.orders)
	for _, en := range e.orders {
		if en.timer != nil {
			en.timer.Stop()
		}
	}
	e.orders = make(map[string]*entry)
	e.byKey = make(map[model.OrderKey]*entry)
	e.byBroker = make(map[string]*entry)
	e.closed = make(map[string]model.Order)
	return n
}

// Reset forgets terminal orders kept for late callbacks. Called at the start of a day.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = make(map[string]model.Order)
}
