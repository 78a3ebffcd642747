package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/conclusion"
	"github.com/STTM-NSU/trading-core/internal/executor"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
)

const (
	_inboxSize = 1024
)

type Orders interface {
	Apply(x model.Execution) executor.Update
}

type Ledger interface {
	ApplyBuy(symbol, name string, slot int, qty, price int64) model.Holding
	ApplySell(symbol string, qty, price int64) (model.Holding, bool)
	AdoptBalance(u model.BalanceUpdate)
}

type Lots interface {
	Buy(ctx context.Context, f conclusion.BuyFill) error
	Sell(ctx context.Context, f conclusion.SellFill) ([]model.Lot, error)
}

type Journal interface {
	RecordTrade(ctx context.Context, event string, o model.Order, fillQty, fillPrice int64) error
}

// Listener is told about fills and closed orders after the ledger and lots are updated.
type Listener interface {
	OnFill(o model.Order, qty, price int64)
	OnClosed(o model.Order)
}

type item struct {
	exec    *model.Execution
	balance *model.BalanceUpdate
}

// Reconciler applies broker order, fill and balance callbacks. Mutations of one symbol are
// serialized; different symbols may interleave.
type Reconciler struct {
	orders   Orders
	ledger   Ledger
	lots     Lots
	journal  Journal
	listener Listener
	clock    market.Clock
	logger   logger.Logger

	inbox chan item

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(orders Orders, ledger Ledger, lots Lots, journal Journal, clock market.Clock, log logger.Logger) *Reconciler {
	return &Reconciler{
		orders:  orders,
		ledger:  ledger,
		lots:    lots,
		journal: journal,
		clock:   clock,
		logger:  logger.Component(log, "reconciler"),
		inbox:   make(chan item, _inboxSize),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) SetListener(l Listener) {
	r.listener = l
}

// PostExecution queues a callback for Run. It blocks while the inbox is full; fills are
// never dropped.
func (r *Reconciler) PostExecution(ctx context.Context, x model.Execution) error {
	select {
	case r.inbox <- item{exec: &x}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) PostBalance(ctx context.Context, b model.BalanceUpdate) error {
	select {
	case r.inbox <- item{balance: &b}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the inbox in arrival order, so acceptance is applied before the fills behind it.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return
		case it := <-r.inbox:
			r.handle(ctx, it)
		}
	}
}

func (r *Reconciler) drain(ctx context.Context) {
	for {
		select {
		case it := <-r.inbox:
			r.handle(ctx, it)
		default:
			return
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, it item) {
	switch {
	case it.exec != nil:
		r.HandleExecution(ctx, *it.exec)
	case it.balance != nil:
		r.HandleBalance(ctx, *it.balance)
	}
}

func (r *Reconciler) lock(symbol string) func() {
	r.mu.Lock()
	l, ok := r.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		r.locks[symbol] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (r *Reconciler) HandleExecution(ctx context.Context, x model.Execution) executor.Update {
	defer r.lock(x.Symbol)()
	if x.Time.IsZero() {
		x.Time = r.clock.Now()
	}

	u := r.orders.Apply(x)
	switch u.Kind {
	case executor.UpdateIgnored:
		return u
	case executor.UpdateAccepted:
		r.logger.Debugf("accepted %s %s x%d as %s", u.Order.Side, u.Order.Symbol, u.Order.Qty, u.Order.BrokerID)
		r.record(ctx, "accepted", u.Order, 0, 0)
	case executor.UpdateExternal:
		r.record(ctx, "external", u.Order, 0, 0)
	case executor.UpdateRejected:
		r.logger.With("incident", "order_rejected").Warnf("%s %s rejected: %s", u.Order.Side, u.Order.Symbol, x.RejectReason)
		r.record(ctx, "rejected", u.Order, 0, 0)
	case executor.UpdateCancelAccepted:
		r.logger.Infof("%s %s (%s) cancelled, %d of %d filled", u.Order.Side, u.Order.Symbol, u.Order.BrokerID,
			u.Order.FilledQty, u.Order.Qty)
		r.record(ctx, "cancelled", u.Order, 0, 0)
	case executor.UpdateFill:
		r.applyFill(ctx, u, x.Time)
		event := "fill"
		if u.Order.State == model.Filled {
			event = "filled"
		}
		r.record(ctx, event, u.Order, u.FillQty, u.FillPrice)
		if r.listener != nil {
			r.listener.OnFill(u.Order, u.FillQty, u.FillPrice)
		}
	}
	if u.Closed && r.listener != nil {
		r.listener.OnClosed(u.Order)
	}
	return u
}

func (r *Reconciler) applyFill(ctx context.Context, u executor.Update, at time.Time) {
	o := u.Order
	switch o.Side {
	case model.Buy:
		h := r.ledger.ApplyBuy(o.Symbol, o.Name, o.Slot, u.FillQty, u.FillPrice)
		r.logger.Infof("bought %s x%d @ %d, holding %d @ %.1f", o.Symbol, u.FillQty, u.FillPrice, h.Qty, h.AvgCost)
		err := r.lots.Buy(ctx, conclusion.BuyFill{
			OrderID:   o.BrokerID,
			Symbol:    o.Symbol,
			Name:      o.Name,
			Slot:      o.Slot,
			FilledQty: o.FilledQty,
			AvgPrice:  o.AvgFillPrice(),
			Amount:    o.FilledAmount,
			Time:      at,
		})
		if err != nil {
			r.logger.Errorf("%s: error recording buy lot %s", err, o.BrokerID)
		}
	case model.Sell:
		h, _ := r.ledger.ApplySell(o.Symbol, u.FillQty, u.FillPrice)
		r.logger.Infof("sold %s x%d @ %d (%s), %d left", o.Symbol, u.FillQty, u.FillPrice, o.Reason, h.Qty)
		closes, err := r.lots.Sell(ctx, conclusion.SellFill{
			OrderID:   o.BrokerID,
			Symbol:    o.Symbol,
			FilledQty: o.FilledQty,
			Amount:    o.FilledAmount,
			Time:      at,
		})
		switch {
		case errors.Is(err, conclusion.ErrLotShortage):
			r.logger.Warnf("%s: %s closes are incomplete until the balance snapshot arrives", err, o.Symbol)
		case err != nil:
			r.logger.Errorf("%s: error closing lots of %s", err, o.BrokerID)
		default:
			var realized int64
			for _, c := range closes {
				realized += c.Realized
			}
			r.logger.Debugf("%s %s realized %d over %d lots", o.Symbol, o.BrokerID, realized, len(closes))
		}
	}
}

// HandleBalance adopts the broker's position for the symbol.
func (r *Reconciler) HandleBalance(_ context.Context, b model.BalanceUpdate) {
	defer r.lock(b.Symbol)()
	r.ledger.AdoptBalance(b)
}

func (r *Reconciler) record(ctx context.Context, event string, o model.Order, qty, price int64) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordTrade(ctx, event, o, qty, price); err != nil {
		r.logger.Errorf("%s: error journaling %s of %s", err, event, o.ID)
	}
}
