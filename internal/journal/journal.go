package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	_flushInterval = 2 * time.Second
	_maxBuffered   = 5_000
)

// TradeRow is one order transition.
type TradeRow struct {
	ID        string  `db:"id" json:"id"`
	Date      string  `db:"date" json:"date"`
	TsMs      int64   `db:"ts_ms" json:"ts_ms"`
	Event     string  `db:"event" json:"event"`
	OrderID   string  `db:"order_id" json:"order_id"`
	BrokerID  string  `db:"broker_id" json:"broker_id"`
	Symbol    string  `db:"symbol" json:"symbol"`
	Name      string  `db:"name" json:"name"`
	Side      int     `db:"side" json:"side"`
	Slot      int     `db:"slot" json:"slot"`
	State     string  `db:"state" json:"state"`
	Qty       int64   `db:"qty" json:"qty"`
	FilledQty int64   `db:"filled_qty" json:"filled_qty"`
	Remaining int64   `db:"remaining" json:"remaining"`
	Price     int64   `db:"price" json:"price"`
	FillQty   int64   `db:"fill_qty" json:"fill_qty"`
	FillPrice int64   `db:"fill_price" json:"fill_price"`
	AvgPrice  float64 `db:"avg_price" json:"avg_price"`
	Reason    string  `db:"reason" json:"reason"`
	External  bool    `db:"external" json:"external"`
}

type conditionRow struct {
	Date     string `db:"date"`
	TsMs     int64  `db:"ts_ms"`
	Symbol   string `db:"symbol"`
	Kind     string `db:"kind"`
	CondIdx  int    `db:"cond_index"`
	CondName string `db:"cond_name"`
}

type tickRow struct {
	Date       string  `db:"date"`
	TsMs       int64   `db:"ts_ms"`
	Seq        int64   `db:"seq"`
	Symbol     string  `db:"symbol"`
	Price      int64   `db:"price"`
	Volume     int64   `db:"volume"`
	CumVolume  int64   `db:"cum_volume"`
	Open       int64   `db:"open"`
	High       int64   `db:"high"`
	Low        int64   `db:"low"`
	ChangeRate float64 `db:"change_rate"`
}

// Journal is the audit side of the operational database.
type Journal struct {
	db     *sqlx.DB
	clock  market.Clock
	logger logger.Logger

	mu         sync.Mutex
	seq        int64
	ticks      []tickRow
	candidates map[string]string
}

func New(db *sqlx.DB, clock market.Clock, log logger.Logger) *Journal {
	return &Journal{
		db:         db,
		clock:      clock,
		logger:     logger.Component(log, "journal"),
		candidates: make(map[string]string),
	}
}

// RecordTrade writes one row for an order transition.
func (j *Journal) RecordTrade(ctx context.Context, event string, o model.Order, fillQty, fillPrice int64) error {
	now := j.clock.Now()
	row := TradeRow{
		ID:        uuid.NewString(),
		Date:      market.TradingDay(now),
		TsMs:      now.UnixMilli(),
		Event:     event,
		OrderID:   o.ID,
		BrokerID:  o.BrokerID,
		Symbol:    o.Symbol,
		Name:      o.Name,
		Side:      int(o.Side),
		Slot:      o.Slot,
		State:     o.State.String(),
		Qty:       o.Qty,
		FilledQty: o.FilledQty,
		Remaining: o.RemainingQty,
		Price:     o.Price,
		FillQty:   fillQty,
		FillPrice: fillPrice,
		AvgPrice:  o.AvgFillPrice(),
		Reason:    string(o.Reason),
		External:  o.External,
	}
	if _, err := j.db.NamedExecContext(ctx, _insertTrade, row); err != nil {
		return fmt.Errorf("%w: can't insert trade", err)
	}
	return nil
}

func (j *Journal) Trades(ctx context.Context, date string) ([]TradeRow, error) {
	var rows []TradeRow
	if err := j.db.SelectContext(ctx, &rows, j.db.Rebind(_queryTrades), date); err != nil {
		return nil, fmt.Errorf("%w: can't query trades", err)
	}
	return rows, nil
}

func (j *Journal) RecordCondition(ctx context.Context, ev model.ConditionEvent) error {
	row := conditionRow{
		Date:     market.TradingDay(ev.Time),
		TsMs:     ev.Time.UnixMilli(),
		Symbol:   ev.Symbol,
		Kind:     string(ev.Kind),
		CondIdx:  ev.Condition.Index,
		CondName: ev.Condition.Name,
	}
	if _, err := j.db.NamedExecContext(ctx, _insertCondition, row); err != nil {
		return fmt.Errorf("%w: can't insert condition", err)
	}
	return nil
}

// MarkCandidate starts recording ticks for symbol today and whitelists it for replay.
func (j *Journal) MarkCandidate(ctx context.Context, symbol string) error {
	date := market.TradingDay(j.clock.Now())
	j.mu.Lock()
	if j.candidates[symbol] == date {
		j.mu.Unlock()
		return nil
	}
	j.candidates[symbol] = date
	j.mu.Unlock()

	if _, err := j.db.ExecContext(ctx, j.db.Rebind(_insertDailySim), date, symbol); err != nil {
		return fmt.Errorf("%w: can't insert daily_sim", err)
	}
	return nil
}

func (j *Journal) Candidate(symbol string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.candidates[symbol] == market.TradingDay(j.clock.Now())
}

// RecordTick buffers a tick of a candidate symbol; Run flushes the buffer in batches.
func (j *Journal) RecordTick(t model.Tick) {
	date := market.TradingDay(t.Time)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.candidates[t.Symbol] != date {
		return
	}
	if len(j.ticks) >= _maxBuffered {
		j.logger.Warnf("tick journal buffer full, dropping %s tick", t.Symbol)
		return
	}
	j.seq++
	j.ticks = append(j.ticks, tickRow{
		Date:       date,
		TsMs:       t.Time.UnixMilli(),
		Seq:        j.seq,
		Symbol:     t.Symbol,
		Price:      t.Price,
		Volume:     t.Volume,
		CumVolume:  t.CumVolume,
		Open:       t.Open,
		High:       t.High,
		Low:        t.Low,
		ChangeRate: t.ChangeRate,
	})
}

func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	batch := j.ticks
	j.ticks = nil
	j.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: can't begin tick flush", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, row := range batch {
		if _, err := tx.NamedExecContext(ctx, _insertTick, row); err != nil {
			return fmt.Errorf("%w: can't insert tick", err)
		}
	}
	return tx.Commit()
}

func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if err := j.Flush(context.WithoutCancel(ctx)); err != nil {
				j.logger.Errorf("%s: error flushing ticks", err)
			}
			return
		case <-time.After(_flushInterval):
			if err := j.Flush(ctx); err != nil {
				j.logger.Errorf("%s: error flushing ticks", err)
			}
		}
	}
}

// LoadConditions returns the day's condition hits ordered by ingestion time.
func (j *Journal) LoadConditions(ctx context.Context, date string) ([]model.ConditionEvent, error) {
	var rows []conditionRow
	if err := j.db.SelectContext(ctx, &rows, j.db.Rebind(_queryConditions), date); err != nil {
		return nil, fmt.Errorf("%w: can't query conditions", err)
	}
	out := make([]model.ConditionEvent, len(rows))
	for i, r := range rows {
		out[i] = model.ConditionEvent{
			Symbol:    r.Symbol,
			Kind:      model.ConditionKind(r.Kind),
			Condition: model.Condition{Index: r.CondIdx, Name: r.CondName},
			Time:      time.UnixMilli(r.TsMs).In(market.KST()),
		}
	}
	return out, nil
}

// LoadTicks returns the day's recorded ticks in arrival order.
func (j *Journal) LoadTicks(ctx context.Context, date string) ([]model.Tick, error) {
	var rows []tickRow
	if err := j.db.SelectContext(ctx, &rows, j.db.Rebind(_queryTicks), date); err != nil {
		return nil, fmt.Errorf("%w: can't query ticks", err)
	}
	out := make([]model.Tick, len(rows))
	for i, r := range rows {
		out[i] = model.Tick{
			Symbol:     r.Symbol,
			Time:       time.UnixMilli(r.TsMs).In(market.KST()),
			Price:      r.Price,
			Volume:     r.Volume,
			CumVolume:  r.CumVolume,
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			ChangeRate: r.ChangeRate,
		}
	}
	return out, nil
}

func (j *Journal) DailySim(ctx context.Context, date string) ([]string, error) {
	var symbols []string
	if err := j.db.SelectContext(ctx, &symbols, j.db.Rebind(_queryDailySim), date); err != nil {
		return nil, fmt.Errorf("%w: can't query daily_sim", err)
	}
	return symbols, nil
}

// Purge removes audit rows older than the given trading day.
func (j *Journal) Purge(ctx context.Context, before string) (int64, error) {
	var total int64
	for _, q := range _purges {
		res, err := j.db.ExecContext(ctx, j.db.Rebind(q), before)
		if err != nil {
			return total, fmt.Errorf("%w: can't purge journal", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
