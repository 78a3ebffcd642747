package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/broker"
	"github.com/STTM-NSU/trading-core/internal/chart"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
)

const (
	_eventBuffer = 4096
)

var ErrUnsupported = errors.New("not supported by the paper broker")

type paperOrder struct {
	id     string
	symbol string
	name   string
	side   model.Side
	qty    int64
	price  int64
	market bool
	filled int64
	amount int64
}

type position struct {
	qty  int64
	cost float64
}

// PaperBroker stands in for the broker bridge in simulated modes. Orders fill against the last
// simulated price, market orders at once and limit orders when the price crosses; callbacks go
// out on Events as the same chejan the bridge would send.
type PaperBroker struct {
	account string
	clock   market.Clock
	history chart.Source
	logger  logger.Logger

	events chan broker.Event

	mu         sync.Mutex
	connected  bool
	seq        int
	initial    int64
	deposit    int64
	last       map[string]int64
	names      map[string]string
	reals      map[string]string
	conditions map[model.Condition]string
	orders     map[string]*paperOrder
	positions  map[string]*position
}

type PaperOption func(*PaperBroker)

// WithHistory answers the chart TRs from source.
func WithHistory(source chart.Source) PaperOption {
	return func(p *PaperBroker) {
		p.history = source
	}
}

func NewPaperBroker(account string, deposit int64, clock market.Clock, log logger.Logger, opts ...PaperOption) *PaperBroker {
	p := &PaperBroker{
		account:    account,
		clock:      clock,
		logger:     logger.Component(log, "paper"),
		events:     make(chan broker.Event, _eventBuffer),
		initial:    deposit,
		deposit:    deposit,
		last:       make(map[string]int64),
		names:      make(map[string]string),
		reals:      make(map[string]string),
		conditions: make(map[model.Condition]string),
		orders:     make(map[string]*paperOrder),
		positions:  make(map[string]*position),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rewind drops orders, positions and prices and restores the starting deposit. Subscriptions
// stay and order numbers keep counting, so new orders never reuse an old number.
func (p *PaperBroker) Rewind() {
	p.mu.Lock()
	p.deposit = p.initial
	p.last = make(map[string]int64)
	p.orders = make(map[string]*paperOrder)
	p.positions = make(map[string]*position)
	p.mu.Unlock()

	p.emit(broker.Rewind{})
	p.logger.Infof("paper account rewound to %d", p.initial)
}

func (p *PaperBroker) Events() <-chan broker.Event {
	return p.events
}

func (p *PaperBroker) emit(evs ...broker.Event) {
	for _, ev := range evs {
		p.events <- ev
	}
}

func (p *PaperBroker) Connect(context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.emit(broker.Connected{Code: 0})
	return nil
}

func (p *PaperBroker) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *PaperBroker) LoginInfo(context.Context) (broker.LoginInfo, error) {
	return broker.LoginInfo{Accounts: []string{p.account}, Mock: true}, nil
}

func (p *PaperBroker) LoadConditions(context.Context) error {
	p.emit(broker.ConditionLoaded{OK: true, Msg: "paper"})
	return nil
}

// Conditions lists the conditions subscribed so far; any name is accepted.
func (p *PaperBroker) Conditions(context.Context) ([]model.Condition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Condition, 0, len(p.conditions))
	for c := range p.conditions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (p *PaperBroker) SubscribeCondition(_ context.Context, screen string, c model.Condition, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conditions[c] = screen
	return nil
}

func (p *PaperBroker) UnsubscribeCondition(_ context.Context, _ string, c model.Condition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conditions, c)
	return nil
}

// Subscribed returns the live conditions, for the synthetic producers.
func (p *PaperBroker) Subscribed() []model.Condition {
	out, _ := p.Conditions(context.Background())
	return out
}

func (p *PaperBroker) SubscribeReal(_ context.Context, screen string, symbols []string, _ string, add bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !add {
		for s, sc := range p.reals {
			if sc == screen {
				delete(p.reals, s)
			}
		}
	}
	for _, s := range symbols {
		if s != "" {
			p.reals[s] = screen
		}
	}
	return nil
}

func (p *PaperBroker) UnsubscribeReal(_ context.Context, screen, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s, sc := range p.reals {
		if (screen == "ALL" || sc == screen) && (symbol == "ALL" || symbol == s) {
			delete(p.reals, s)
		}
	}
	return nil
}

// EmitCondition pushes a condition hit if the condition is subscribed.
func (p *PaperBroker) EmitCondition(ev model.ConditionEvent) bool {
	p.mu.Lock()
	_, ok := p.conditions[ev.Condition]
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.emit(broker.RealCondition{
		Symbol: ev.Symbol,
		Kind:   string(ev.Kind),
		Name:   ev.Condition.Name,
		Index:  ev.Condition.Index,
	})
	return true
}

// Tick moves the simulated market. Resting orders that cross are filled, and the tick is
// pushed when the symbol is subscribed.
func (p *PaperBroker) Tick(t model.Tick) {
	p.mu.Lock()
	p.last[t.Symbol] = t.Price
	var evs []broker.Event
	if _, ok := p.reals[t.Symbol]; ok {
		evs = append(evs, broker.RealData{Symbol: t.Symbol, RealType: broker.RealTypeTick, Values: broker.TickValues(t)})
	}
	ids := make([]string, 0)
	for id, o := range p.orders {
		if o.symbol == t.Symbol {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		evs = append(evs, p.tryFillLocked(p.orders[id], t.Price, t.Time)...)
	}
	p.mu.Unlock()
	p.emit(evs...)
}

func (p *PaperBroker) SetName(symbol, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[symbol] = name
}

func (p *PaperBroker) Last(symbol string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.last[symbol]
	return v, ok
}

func (p *PaperBroker) SendOrder(_ context.Context, req broker.OrderRequest) error {
	now := p.clock.Now()
	p.mu.Lock()
	var (
		evs []broker.Event
		err error
	)
	switch req.Type {
	case model.NewBuy, model.NewSell:
		evs, err = p.newOrderLocked(req, now)
	case model.CancelBuy, model.CancelSell:
		evs, err = p.cancelLocked(req, now)
	default:
		err = fmt.Errorf("%w: order type %d", ErrUnsupported, req.Type)
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.emit(evs...)
	return nil
}

func (p *PaperBroker) nextIDLocked() string {
	p.seq++
	return fmt.Sprintf("%07d", p.seq)
}

func (p *PaperBroker) newOrderLocked(req broker.OrderRequest, now time.Time) ([]broker.Event, error) {
	if req.Qty <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", broker.ErrRejected, req.Qty)
	}
	side := model.Buy
	if req.Type == model.NewSell {
		side = model.Sell
	}
	o := &paperOrder{
		id:     p.nextIDLocked(),
		symbol: req.Symbol,
		name:   p.names[req.Symbol],
		side:   side,
		qty:    req.Qty,
		price:  req.Price,
		market: req.Hoga == model.HogaMarket,
	}
	accepted := model.Execution{
		Account: p.account, BrokerID: o.id, Symbol: o.symbol, Name: o.name, Status: model.ExecAccepted,
		Side: side, Qty: o.qty, Price: o.price, Remaining: o.qty, Time: now,
	}
	if side == model.Sell {
		if pos := p.positions[o.symbol]; pos == nil || pos.qty < o.qty {
			accepted.RejectReason = "insufficient holdings"
			return []broker.Event{chejan(broker.ChejanOrder, broker.ExecutionValues(accepted))}, nil
		}
	}
	p.orders[o.id] = o
	evs := []broker.Event{chejan(broker.ChejanOrder, broker.ExecutionValues(accepted))}
	if last, ok := p.last[o.symbol]; ok {
		evs = append(evs, p.tryFillLocked(o, last, now)...)
	}
	return evs, nil
}

func (p *PaperBroker) cancelLocked(req broker.OrderRequest, now time.Time) ([]broker.Event, error) {
	o, ok := p.orders[req.OrigOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: no open order %s", broker.ErrRejected, req.OrigOrderID)
	}
	delete(p.orders, o.id)
	x := model.Execution{
		Account: p.account, BrokerID: p.nextIDLocked(), OrigBrokerID: o.id, Symbol: o.symbol, Name: o.name,
		Status: model.ExecAccepted, Side: o.side, Cancel: true, Qty: o.qty - o.filled, Time: now,
	}
	return []broker.Event{chejan(broker.ChejanOrder, broker.ExecutionValues(x))}, nil
}

// tryFillLocked fills the whole remainder of o when last crosses its limit.
func (p *PaperBroker) tryFillLocked(o *paperOrder, last int64, now time.Time) []broker.Event {
	if last <= 0 {
		return nil
	}
	price := last
	if !o.market {
		if (o.side == model.Buy && last > o.price) || (o.side == model.Sell && last < o.price) {
			return nil
		}
		price = o.price
	}
	qty := o.qty - o.filled
	pos := p.positions[o.symbol]
	if o.side == model.Sell && (pos == nil || pos.qty < qty) {
		return nil
	}
	o.filled += qty
	o.amount += qty * price
	delete(p.orders, o.id)

	if pos == nil {
		pos = &position{}
		p.positions[o.symbol] = pos
	}
	switch o.side {
	case model.Buy:
		pos.cost = (pos.cost*float64(pos.qty) + float64(qty*price)) / float64(pos.qty+qty)
		pos.qty += qty
		p.deposit -= qty * price
	case model.Sell:
		pos.qty -= qty
		p.deposit += qty * price
		if pos.qty <= 0 {
			delete(p.positions, o.symbol)
		}
	}

	fill := model.Execution{
		Account: p.account, BrokerID: o.id, Symbol: o.symbol, Name: o.name, Status: model.ExecFilled,
		Side: o.side, Qty: o.qty, Price: o.price, Remaining: o.qty - o.filled, CumAmount: o.amount,
		FillPrice: price, FillQty: o.filled, Time: now,
	}
	balance := model.BalanceUpdate{
		Account: p.account, Symbol: o.symbol, Name: o.name, Qty: pos.qty, AvgCost: pos.cost,
		LastPrice: last, Deposit: p.deposit, Time: now,
	}
	return []broker.Event{
		chejan(broker.ChejanOrder, broker.ExecutionValues(fill)),
		chejan(broker.ChejanBalance, broker.BalanceValues(balance)),
	}
}

func chejan(gubun string, values map[string]string) broker.Event {
	return broker.Chejan{Gubun: gubun, Values: values}
}

// Request answers the minute and day chart TRs from the history source, newest row first as
// the real TRs do.
func (p *PaperBroker) Request(ctx context.Context, req broker.TRRequest) (broker.TRResponse, error) {
	if p.history == nil {
		return broker.TRResponse{}, fmt.Errorf("%w: TR %s", ErrUnsupported, req.TRCode)
	}
	symbol := req.Inputs["종목코드"]
	var (
		bars   []model.Bar
		err    error
		layout string
		col    string
	)
	switch req.TRCode {
	case broker.TRMinuteChart:
		bars, err = p.history.MinuteBars(ctx, symbol, 900)
		layout, col = "20060102150405", "체결시간"
	case broker.TRDayChart:
		bars, err = p.history.DayBars(ctx, symbol, 600)
		layout, col = "20060102", "일자"
	default:
		return broker.TRResponse{}, fmt.Errorf("%w: TR %s", ErrUnsupported, req.TRCode)
	}
	if err != nil {
		return broker.TRResponse{}, fmt.Errorf("%w: can't build %s history", err, symbol)
	}
	records := make([]map[string]string, 0, len(bars))
	for i := len(bars) - 1; i >= 0; i-- {
		b := bars[i]
		records = append(records, map[string]string{
			col:    b.Time.In(market.KST()).Format(layout),
			"현재가":  strconv.FormatInt(int64(b.Close), 10),
			"시가":   strconv.FormatInt(int64(b.Open), 10),
			"고가":   strconv.FormatInt(int64(b.High), 10),
			"저가":   strconv.FormatInt(int64(b.Low), 10),
			"거래량":  strconv.FormatInt(int64(b.Volume), 10),
			"거래대금": strconv.FormatInt(int64(b.Turnover/1_000_000), 10),
		})
	}
	return broker.TRResponse{Records: records}, nil
}

var _ broker.Broker = (*PaperBroker)(nil)
