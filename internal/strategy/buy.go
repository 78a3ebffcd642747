package strategy

import (
	"context"
	"errors"
	"math"
	"slices"

	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/executor"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/quota"
	"github.com/STTM-NSU/trading-core/internal/tools"
)

type verdict int

const (
	hold verdict = iota
	reject
	approve
)

func (s *Slot) onBuyCondition(ctx context.Context, ev model.ConditionEvent) {
	if ev.Kind == model.ConditionDrop {
		s.unwatch(ev.Symbol)
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = s.deps.Clock.Now()
	}
	s.addWatch(ev.Symbol, at)
	if !s.cfg.Buy.Market() {
		return
	}
	if last, ok := s.deps.Charts.Last(ev.Symbol); ok {
		s.tryBuy(ctx, ev.Symbol, last)
	}
}

// tryBuy runs the entry checks for a watched symbol at price last and submits the buy when
// they all pass. A rejected candidate is dropped from the watch set; a held one waits for
// the next tick.
func (s *Slot) tryBuy(ctx context.Context, symbol string, last int64) {
	v, why := s.checkBuy(ctx, symbol, last)
	switch v {
	case hold:
		s.logger.Debugf("buy %s on hold: %s", symbol, why)
		return
	case reject:
		s.logger.Debugf("buy %s rejected: %s", symbol, why)
		s.unwatch(symbol)
		return
	}

	market := s.cfg.Buy.Market()
	price := tools.RoundToTick(last, s.cfg.Buy.HogaOffset)
	qty := s.quantity(price)
	if qty < 1 {
		s.logger.Infof("buy %s skipped, budget below one share at %d", symbol, price)
		s.unwatch(symbol)
		return
	}
	r := executor.Request{
		Symbol:      symbol,
		Side:        model.Buy,
		Slot:        s.Index,
		Qty:         qty,
		Price:       price,
		Market:      market,
		Reason:      model.ReasonBuy,
		CancelAfter: s.cfg.Buy.CancelAfter,
	}
	o, err := s.deps.Orders.Submit(ctx, r)
	switch {
	case err == nil:
		s.mu.Lock()
		s.entries++
		s.bySymbol[symbol]++
		s.pending[symbol] = true
		s.mu.Unlock()
		s.unwatch(symbol)
		s.logger.Infof("buy %s x%d @ %d submitted as %s", symbol, qty, o.Price, o.ID)
	case errors.Is(err, executor.ErrDuplicateSide):
		s.logger.Debugf("buy %s already in flight", symbol)
	case errors.Is(err, quota.ErrWaitTooLong):
		// dropped orders are not retried
		s.unwatch(symbol)
	default:
		s.unwatch(symbol)
		s.logger.Warnf("%s: buy %s not placed", err, symbol)
	}
}

func (s *Slot) checkBuy(ctx context.Context, symbol string, last int64) (verdict, string) {
	if s.buyScript != nil {
		switch {
		case s.deps.Charts.Warm(symbol):
			if !s.deps.Scripts.Eval(ctx, s.buyScript, s.args(symbol, "", last)) {
				return hold, "buy script declined"
			}
		case s.cfg.Scripts.BuyRequired:
			return hold, "chart not warm"
		}
	}
	if !s.deps.Session.Regular() {
		return hold, "outside regular session"
	}

	caps := s.cfg.Caps
	s.mu.Lock()
	lossCut := s.lossCut
	entries := s.entries
	perSymbol := s.bySymbol[symbol]
	sold := s.sold[symbol]
	pending := make([]string, 0, len(s.pending))
	for sym := range s.pending {
		pending = append(pending, sym)
	}
	s.mu.Unlock()

	switch {
	case lossCut:
		return reject, "loss cut fired today"
	case entries >= caps.MaxFillsPerDay:
		return reject, "daily entry cap reached"
	case perSymbol >= caps.MaxFillsPerSymbol:
		return reject, "symbol entry cap reached"
	case caps.NoRebuyAfterSell && sold:
		return reject, "sold today"
	}
	if _, held := s.deps.Portfolio.Snapshot(symbol); held && !caps.AllowDuplicateBuy {
		return reject, "already held"
	}
	if s.deps.Orders.HasOpen(symbol, model.Buy) {
		return hold, "buy order open"
	}
	if s.occupied(pending) >= caps.MaxHoldings {
		return hold, "holding cap reached"
	}

	m := minuteOfDay(s.deps.Clock.Now())
	if s.cfg.EOD.Enabled && s.cfg.EOD.At.Reached(m) {
		return reject, "past end of day"
	}
	if !s.cfg.Window.Contains(m) {
		return hold, "outside trading window"
	}
	if last <= 0 {
		return hold, "no price"
	}
	return approve, ""
}

// occupied counts the slot's holdings plus pending buys that have not produced a holding yet.
func (s *Slot) occupied(pending []string) int {
	held := s.deps.Portfolio.HoldingsBySlot(s.Index)
	n := len(held)
	for _, sym := range pending {
		if !slices.ContainsFunc(held, func(h model.Holding) bool { return h.Symbol == sym }) {
			n++
		}
	}
	return n
}

// quantity sizes a buy at price per the slot's sizing mode, rounding down to whole shares.
// Fixed cash buys one share beyond what the cash covers, so any budget buys at least one.
func (s *Slot) quantity(price int64) int64 {
	if price <= 0 {
		return 0
	}
	switch s.cfg.Sizing.Mode {
	case config.DepositRatio:
		budget := float64(s.deps.Portfolio.Deposit()) * s.cfg.Sizing.Ratio
		return int64(math.Floor(budget / float64(price)))
	default:
		return (s.cfg.Sizing.Cash + price) / price
	}
}
