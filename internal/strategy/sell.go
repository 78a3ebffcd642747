package strategy

import (
	"context"
	"errors"

	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/executor"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/portfolio"
	"github.com/STTM-NSU/trading-core/internal/tools"
)

func (s *Slot) onSellCondition(ctx context.Context, ev model.ConditionEvent) {
	if ev.Kind == model.ConditionDrop {
		s.mu.Lock()
		delete(s.sellHits, ev.Symbol)
		s.mu.Unlock()
		return
	}
	h, ok := s.deps.Portfolio.Snapshot(ev.Symbol)
	if !ok || h.Slot != s.Index {
		s.logger.Debugf("sell condition hit %s, not held by this strategy", ev.Symbol)
		return
	}
	s.mu.Lock()
	s.sellHits[ev.Symbol] = true
	s.mu.Unlock()
	s.trySell(ctx, h)
}

// trySell runs the exit rules in priority order and submits at most one sell for h.
func (s *Slot) trySell(ctx context.Context, h model.Holding) {
	if h.Qty <= 0 || !s.deps.Session.Regular() {
		return
	}
	if s.deps.Orders.HasOpen(h.Symbol, model.Sell) {
		return
	}

	if reason, ok := s.signalReason(ctx, h); ok {
		s.sell(ctx, h, reason, s.cfg.Sell.Market(), s.cfg.Sell.HogaOffset)
		return
	}
	if s.checkLossCut(ctx) {
		return
	}
	if s.eodDue(h.Symbol) {
		if s.sell(ctx, h, model.ReasonEOD, s.cfg.EOD.Market, s.cfg.EOD.HogaOffset) {
			s.mu.Lock()
			s.eodSent[h.Symbol] = true
			s.mu.Unlock()
		}
		return
	}
	if reason, ok := s.riskReason(h); ok {
		s.sell(ctx, h, reason, s.cfg.Sell.Market(), s.cfg.Sell.HogaOffset)
	}
}

// signalReason covers the script and sell-condition exits.
func (s *Slot) signalReason(ctx context.Context, h model.Holding) (model.SellReason, bool) {
	sc := s.cfg.Scripts
	evaluated, verdict := false, false
	eval := func() bool {
		if !evaluated {
			verdict = s.deps.Scripts.Eval(ctx, s.sellScript, s.args(h.Symbol, h.Name, h.LastPrice))
			evaluated = true
		}
		return verdict
	}

	if s.sellScript != nil && sc.SellOr && eval() {
		return model.ReasonScript, true
	}
	s.mu.Lock()
	hit := s.sellHits[h.Symbol]
	s.mu.Unlock()
	if hit && !s.cfg.SellCondition.IsZero() {
		if s.sellScript != nil && sc.SellAnd && !eval() {
			return "", false
		}
		s.mu.Lock()
		delete(s.sellHits, h.Symbol)
		s.mu.Unlock()
		return model.ReasonCondition, true
	}
	return "", false
}

func (s *Slot) eodDue(symbol string) bool {
	if !s.cfg.EOD.Enabled || !s.cfg.EOD.At.Reached(minuteOfDay(s.deps.Clock.Now())) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.eodSent[symbol]
}

// riskReason covers the price based exits. Holdings without a valuation are skipped.
func (s *Slot) riskReason(h model.Holding) (model.SellReason, bool) {
	if h.LastPrice <= 0 || h.AvgCost <= 0 {
		return "", false
	}
	r := s.cfg.Risk
	ret := h.ReturnPct
	switch {
	case r.StopLossPct > 0 && ret+r.StopLossPct <= _eps:
		return model.ReasonStopLoss, true
	case r.PreserveArmPct > 0 && h.Protected && ret <= r.PreservePct+_eps:
		return model.ReasonPreservation, true
	case r.TakeProfitPct > 0 && ret >= r.TakeProfitPct-_eps:
		return model.ReasonTakeProfit, true
	case r.TrailingArmPct > 0 && h.Armed && h.Peak > 0:
		drop := float64(h.LastPrice-h.Peak) / float64(h.Peak) * 100
		if drop+r.TrailingOffsetPct <= _eps {
			return model.ReasonTrailing, true
		}
	}
	return "", false
}

// checkLossCut fires the aggregate loss cut once per day and liquidates the matching holdings
// of the slot at market. It reports whether the cut fired now.
func (s *Slot) checkLossCut(ctx context.Context) bool {
	lc := s.cfg.Risk.LossCut
	if lc.Ratio == 0 {
		return false
	}
	s.mu.Lock()
	fired := s.lossCut
	s.mu.Unlock()
	if fired {
		return false
	}

	scope := s.deps.Portfolio.HoldingsBySlot(s.Index)
	if lc.Scope == config.ScopeGlobal {
		scope = s.deps.Portfolio.Holdings()
	}
	if len(scope) == 0 {
		return false
	}
	agg := portfolio.AggregateReturn(scope)
	triggered := (lc.Ratio > 0 && agg <= -lc.Ratio+_eps) || (lc.Ratio < 0 && agg >= -lc.Ratio-_eps)
	if !triggered {
		return false
	}

	s.mu.Lock()
	s.lossCut = true
	s.mu.Unlock()
	s.logger.With("incident", "loss_cut").Warnf("aggregate return %.2f%% crossed %.2f%%, liquidating (%s)",
		agg, -lc.Ratio, lc.Mode)

	for _, h := range s.deps.Portfolio.HoldingsBySlot(s.Index) {
		switch lc.Mode {
		case config.LossCutAbove:
			if h.ReturnPct < lc.Threshold-_eps {
				continue
			}
		case config.LossCutBelow:
			if h.ReturnPct > lc.Threshold+_eps {
				continue
			}
		}
		if s.deps.Orders.HasOpen(h.Symbol, model.Sell) {
			continue
		}
		s.sell(ctx, h, model.ReasonLossCut, true, 0)
	}
	return true
}

// sell submits the whole holding. A limit sell without a known price goes out at market.
func (s *Slot) sell(ctx context.Context, h model.Holding, reason model.SellReason, market bool, offset int) bool {
	var price int64
	if !market {
		if h.LastPrice <= 0 {
			market = true
		} else {
			price = tools.RoundToTick(h.LastPrice, offset)
		}
	}
	o, err := s.deps.Orders.Submit(ctx, executor.Request{
		Symbol:      h.Symbol,
		Name:        h.Name,
		Side:        model.Sell,
		Slot:        s.Index,
		Qty:         h.Qty,
		Price:       price,
		Market:      market,
		Reason:      reason,
		CancelAfter: s.cfg.Sell.CancelAfter,
	})
	switch {
	case err == nil:
		s.logger.Infof("sell %s x%d (%s) submitted as %s, return %.2f%%", h.Symbol, h.Qty, reason, o.ID, h.ReturnPct)
		return true
	case errors.Is(err, executor.ErrDuplicateSide):
		return false
	default:
		s.logger.Warnf("%s: sell %s (%s) not placed", err, h.Symbol, reason)
		return false
	}
}
