package portfolio

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/tools"
	"github.com/jmoiron/sqlx"
)

const (
	_flushInterval = 1 * time.Minute

	// latch levels are compared in won, half a won below the exact level
	_armEps = 0.5
)

// Thresholds are the per-slot latch levels in percent over average cost.
type Thresholds struct {
	TrailingArmPct float64
	PreserveArmPct float64
}

// Ledger keeps live holdings and the estimated deposit. Writes come from the reconciler and
// the tick valuation path; strategies only read snapshots.
type Ledger struct {
	db     *sqlx.DB
	logger logger.Logger
	clock  market.Clock
	fees   model.FeeSchedule

	mu sync.RWMutex

	accountID  string
	deposit    int64
	holdings   map[string]*model.Holding
	thresholds map[int]Thresholds
	summary    model.Summary
}

func NewLedger(
	accountID string,
	initialDeposit int64,
	fees model.FeeSchedule,
	clock market.Clock,
	db *sqlx.DB,
	log logger.Logger) *Ledger {
	return &Ledger{
		db:         db,
		logger:     logger.Component(log, "portfolio"),
		clock:      clock,
		fees:       fees,
		accountID:  accountID,
		deposit:    initialDeposit,
		holdings:   make(map[string]*model.Holding),
		thresholds: make(map[int]Thresholds),
	}
}

func (p *Ledger) SetThresholds(slot int, t Thresholds) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thresholds[slot] = t
}

func (p *Ledger) Deposit() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deposit
}

// ApplyBuy adds a fill to the holding, averaging the cost, and debits the estimated deposit.
func (p *Ledger) ApplyBuy(symbol, name string, slot int, qty, price int64) model.Holding {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.holdings[symbol]
	if !ok {
		now := p.clock.Now()
		h = &model.Holding{
			Symbol:     symbol,
			Name:       name,
			Slot:       slot,
			Peak:       price,
			AcquiredAt: now,
			AcquiredMs: now.UnixMilli(),
		}
		p.holdings[symbol] = h
	}
	total := h.Qty + qty
	if total > 0 {
		h.AvgCost = (float64(h.Qty)*h.AvgCost + float64(qty)*float64(price)) / float64(total)
	}
	h.Qty = total
	if h.Name == "" {
		h.Name = name
	}
	p.deposit -= price * qty
	p.valueLocked(h, price)
	return *h
}

// ApplySell deducts a fill and credits the deposit. The holding is removed when flat.
func (p *Ledger) ApplySell(symbol string, qty, price int64) (model.Holding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deposit += price * qty
	h, ok := p.holdings[symbol]
	if !ok {
		p.logger.With("incident", "sell_without_holding").Warnf("sell fill for %s x%d without a local holding", symbol, qty)
		return model.Holding{Symbol: symbol}, false
	}
	h.Qty -= qty
	if h.Qty <= 0 {
		if h.Qty < 0 {
			p.logger.With("incident", "oversold").Warnf("%s oversold by %d", symbol, -h.Qty)
		}
		delete(p.holdings, symbol)
		out := *h
		out.Qty = 0
		return out, false
	}
	p.valueLocked(h, price)
	return *h, true
}

// Value applies a tick to a held symbol. It returns false when the symbol is not held.
func (p *Ledger) Value(symbol string, last int64) (model.Holding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.holdings[symbol]
	if !ok {
		return model.Holding{}, false
	}
	p.valueLocked(h, last)
	return *h, true
}

func (p *Ledger) valueLocked(h *model.Holding, last int64) {
	if last <= 0 {
		return
	}
	h.LastPrice = last
	if last > h.Peak {
		h.Peak = last
	}
	cost := h.Cost()
	h.MarketValue = last * h.Qty
	h.ProfitLoss = h.MarketValue - cost - p.fees.RoundTripCost(cost, h.MarketValue)
	if h.AvgCost > 0 {
		h.ReturnPct = (float64(last) - h.AvgCost) / h.AvgCost * 100
	}

	t := p.thresholds[h.Slot]
	if t.TrailingArmPct > 0 && float64(last) >= h.AvgCost*(1+t.TrailingArmPct/100)-_armEps {
		h.Armed = true
	}
	if t.PreserveArmPct > 0 && float64(last) >= h.AvgCost*(1+t.PreserveArmPct/100)-_armEps {
		h.Protected = true
	}
}

// AdoptBalance takes the broker's quantity and average cost as authoritative.
func (p *Ledger) AdoptBalance(u model.BalanceUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.Deposit > 0 {
		p.deposit = u.Deposit
	}
	h, ok := p.holdings[u.Symbol]
	if u.Qty <= 0 {
		if ok {
			p.logger.Infof("balance snapshot closed %s locally", u.Symbol)
			delete(p.holdings, u.Symbol)
		}
		return
	}
	if !ok {
		now := p.clock.Now()
		h = &model.Holding{
			Symbol:     u.Symbol,
			Name:       u.Name,
			Slot:       0,
			Peak:       int64(u.AvgCost),
			AcquiredAt: now,
			AcquiredMs: now.UnixMilli(),
		}
		p.holdings[u.Symbol] = h
		p.logger.Infof("adopted external holding %s x%d @ %.0f", u.Symbol, u.Qty, u.AvgCost)
	}
	if h.Qty != u.Qty {
		p.logger.Debugf("balance snapshot %s qty %d -> %d", u.Symbol, h.Qty, u.Qty)
	}
	h.Qty = u.Qty
	if u.AvgCost > 0 {
		h.AvgCost = u.AvgCost
	}
	last := u.LastPrice
	if last <= 0 {
		last = h.LastPrice
	}
	p.valueLocked(h, last)
}

func (p *Ledger) Snapshot(symbol string) (model.Holding, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.holdings[symbol]
	if !ok {
		return model.Holding{}, false
	}
	return *h, true
}

func (p *Ledger) Held(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.holdings[symbol]
	return ok
}

func (p *Ledger) Holdings() []model.Holding {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (p *Ledger) HoldingsBySlot(slot int) []model.Holding {
	all := p.Holdings()
	out := all[:0]
	for _, h := range all {
		if h.Slot == slot {
			out = append(out, h)
		}
	}
	return out
}

// Reset empties the holdings and sets the deposit, as at the start of a simulated account.
func (p *Ledger) Reset(deposit int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deposit = deposit
	p.holdings = make(map[string]*model.Holding)
	p.summary = model.Summary{Deposit: deposit}
}

// Recompute rebuilds the aggregate summary from the holdings map.
func (p *Ledger) Recompute() model.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := model.Summary{Holdings: len(p.holdings), Deposit: p.deposit}
	for _, h := range p.holdings {
		s.TotalCost += h.Cost()
		s.MarketValue += h.MarketValue
		s.ProfitLoss += h.ProfitLoss
	}
	s.ReturnPct = tools.Ratio(s.ProfitLoss, s.TotalCost)
	p.summary = s
	return s
}

func (p *Ledger) Summary() model.Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.summary
}

// AggregateReturn is the cost-weighted gross return of the given holdings in percent.
func AggregateReturn(holdings []model.Holding) float64 {
	var cost, value float64
	for _, h := range holdings {
		if h.LastPrice <= 0 {
			continue
		}
		cost += h.AvgCost * float64(h.Qty)
		value += float64(h.LastPrice * h.Qty)
	}
	if cost == 0 {
		return 0
	}
	return (value - cost) / cost * 100
}

func (p *Ledger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if err := p.FlushToDB(context.WithoutCancel(ctx)); err != nil {
				p.logger.Errorf("%s: error flushing portfolio", err)
			}
			return
		case <-time.After(_flushInterval):
			if err := p.FlushToDB(ctx); err != nil {
				p.logger.Errorf("%s: error flushing portfolio", err)
			}
		}
	}
}
