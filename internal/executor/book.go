package executor

import (
	"time"

	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/google/uuid"
)

type UpdateKind int

const (
	UpdateIgnored UpdateKind = iota
	UpdateAccepted
	UpdateExternal
	UpdateRejected
	UpdateCancelAccepted
	UpdateFill
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateAccepted:
		return "accepted"
	case UpdateExternal:
		return "external"
	case UpdateRejected:
		return "rejected"
	case UpdateCancelAccepted:
		return "cancel_accepted"
	case UpdateFill:
		return "fill"
	default:
		return "ignored"
	}
}

// Update describes what one broker callback did to the open-order set. FillQty is the
// incremental quantity of this callback, not the cumulative one.
type Update struct {
	Kind      UpdateKind
	Order     model.Order
	FillQty   int64
	FillPrice int64
	Closed    bool
}

// Apply maps an order callback onto its record. Callbacks that match nothing are tracked as
// external orders so later fills always land somewhere.
func (e *Executor) Apply(x model.Execution) Update {
	e.mu.Lock()
	defer e.mu.Unlock()

	if x.Cancel {
		return e.applyCancelLocked(x)
	}
	if x.Amend {
		return e.applyAmendLocked(x)
	}
	en := e.lookupLocked(x)
	switch x.Status {
	case model.ExecAccepted:
		if en == nil && x.OrigBrokerID != "" {
			return e.applyCancelLocked(x)
		}
		return e.applyAcceptedLocked(en, x)
	case model.ExecFilled:
		return e.applyFillLocked(en, x)
	default:
		return Update{Kind: UpdateIgnored}
	}
}

func (e *Executor) lookupLocked(x model.Execution) *entry {
	if en, ok := e.byBroker[x.BrokerID]; ok {
		return en
	}
	if en, ok := e.byKey[model.OrderKey{Symbol: x.Symbol, Side: x.Side}]; ok && en.order.BrokerID == "" {
		return en
	}
	return nil
}

func (e *Executor) bindLocked(en *entry, brokerID string) {
	if en.order.BrokerID == "" && brokerID != "" {
		en.order.BrokerID = brokerID
		e.byBroker[brokerID] = en
	}
}

func (e *Executor) applyAcceptedLocked(en *entry, x model.Execution) Update {
	if en == nil {
		en = e.externalLocked(x)
		return Update{Kind: UpdateExternal, Order: en.order}
	}
	e.bindLocked(en, x.BrokerID)
	if x.RejectReason != "" {
		e.transitionLocked(en, model.Rejected)
		e.removeLocked(en)
		return Update{Kind: UpdateRejected, Order: en.order, Closed: true}
	}
	if en.order.State != model.Requested && en.order.State != model.Submitted {
		return Update{Kind: UpdateIgnored, Order: en.order}
	}
	if x.Qty > 0 {
		en.order.Qty = x.Qty
	}
	en.order.RemainingQty = x.Remaining
	if x.Price > 0 {
		en.order.Price = x.Price
	}
	e.transitionLocked(en, model.Accepted)
	e.armLocked(en)
	return Update{Kind: UpdateAccepted, Order: en.order}
}

func (e *Executor) armLocked(en *entry) {
	if en.cancelAfter <= 0 || en.timer != nil {
		return
	}
	id := en.order.ID
	en.timer = e.clock.AfterFunc(en.cancelAfter, func() {
		e.cancelOnTimeout(id)
	})
}

func (e *Executor) externalLocked(x model.Execution) *entry {
	now := e.clock.Now()
	en := &entry{
		order: model.Order{
			ID:           _orderIDPrefix + uuid.NewString(),
			Symbol:       x.Symbol,
			Name:         x.Name,
			Side:         x.Side,
			Slot:         config.DefaultSlot,
			State:        model.Requested,
			BrokerID:     x.BrokerID,
			Qty:          x.Qty,
			RemainingQty: x.Remaining,
			Price:        x.Price,
			Reason:       model.ReasonExternal,
			External:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
	e.transitionLocked(en, model.Accepted)
	e.orders[en.order.ID] = en
	e.byBroker[x.BrokerID] = en
	e.logger.With("incident", "external_order").Warnf("tracking external %s %s x%d (%s)", x.Side, x.Symbol, x.Qty, x.BrokerID)
	return en
}

func (e *Executor) applyFillLocked(en *entry, x model.Execution) Update {
	if en == nil {
		if o, ok := e.closed[x.BrokerID]; ok {
			return e.lateFillLocked(o, x)
		}
		en = e.externalLocked(x)
	}
	e.bindLocked(en, x.BrokerID)

	delta := x.FillQty - en.order.FilledQty
	if delta <= 0 {
		return Update{Kind: UpdateIgnored, Order: en.order}
	}
	fillOrder(&en.order, x, delta)

	closed := x.Remaining <= 0
	if closed {
		e.transitionLocked(en, model.Filled)
		e.removeLocked(en)
	} else {
		e.transitionLocked(en, model.PartiallyFilled)
	}
	return Update{Kind: UpdateFill, Order: en.order, FillQty: delta, FillPrice: x.FillPrice, Closed: closed}
}

// lateFillLocked books a fill that arrives after its order was closed, e.g. a partial that
// crossed a cancel.
func (e *Executor) lateFillLocked(o model.Order, x model.Execution) Update {
	delta := x.FillQty - o.FilledQty
	if delta <= 0 {
		return Update{Kind: UpdateIgnored, Order: o}
	}
	fillOrder(&o, x, delta)
	o.UpdatedAt = e.clock.Now()
	e.closed[x.BrokerID] = o
	e.logger.With("incident", "late_fill").Warnf("fill of %d for closed order %s", delta, x.BrokerID)
	return Update{Kind: UpdateFill, Order: o, FillQty: delta, FillPrice: x.FillPrice, Closed: true}
}

func fillOrder(o *model.Order, x model.Execution, delta int64) {
	o.FilledQty = x.FillQty
	if x.CumAmount > 0 {
		o.FilledAmount = x.CumAmount
	} else {
		o.FilledAmount += delta * x.FillPrice
	}
	if x.Qty > o.Qty {
		o.Qty = x.Qty
	}
	o.RemainingQty = x.Remaining
}

func (e *Executor) applyCancelLocked(x model.Execution) Update {
	orig, ok := e.byBroker[x.OrigBrokerID]
	if !ok {
		e.logger.Debugf("cancel %s for unknown order %s", x.BrokerID, x.OrigBrokerID)
		return Update{Kind: UpdateIgnored}
	}
	if x.Status == model.ExecFilled {
		return Update{Kind: UpdateIgnored, Order: orig.order}
	}
	e.transitionLocked(orig, model.CancelAccepted)
	e.transitionLocked(orig, model.Cancelled)
	e.removeLocked(orig)
	return Update{Kind: UpdateCancelAccepted, Order: orig.order, Closed: true}
}

// applyAmendLocked moves the record onto the amendment's order number.
func (e *Executor) applyAmendLocked(x model.Execution) Update {
	orig, ok := e.byBroker[x.OrigBrokerID]
	if !ok {
		if cur, ok := e.byBroker[x.BrokerID]; ok {
			return e.applyFillOrIgnoreLocked(cur, x)
		}
		en := e.externalLocked(x)
		return Update{Kind: UpdateExternal, Order: en.order}
	}
	delete(e.byBroker, x.OrigBrokerID)
	orig.order.BrokerID = x.BrokerID
	e.byBroker[x.BrokerID] = orig
	if x.Price > 0 {
		orig.order.Price = x.Price
	}
	if x.Remaining > 0 {
		orig.order.RemainingQty = x.Remaining
		orig.order.Qty = orig.order.FilledQty + x.Remaining
	}
	orig.order.UpdatedAt = e.clock.Now()
	return Update{Kind: UpdateAccepted, Order: orig.order}
}

func (e *Executor) applyFillOrIgnoreLocked(en *entry, x model.Execution) Update {
	if x.Status == model.ExecFilled {
		return e.applyFillLocked(en, x)
	}
	return Update{Kind: UpdateIgnored, Order: en.order}
}

// Stale lists accepted orders older than d, for the operator view.
func (e *Executor) Stale(d time.Duration) []model.Order {
	now := e.clock.Now()
	var out []model.Order
	for _, o := range e.Open() {
		if o.State != model.Requested && now.Sub(o.UpdatedAt) >= d {
			out = append(out, o)
		}
	}
	return out
}
