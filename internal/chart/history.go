package chart

import (
	"context"

	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
)

// StoredHistory answers history requests from the chart database alone, for replays that run
// without a broker.
type StoredHistory struct {
	store *Store
	clock market.Clock
}

func NewStoredHistory(store *Store, clock market.Clock) *StoredHistory {
	return &StoredHistory{store: store, clock: clock}
}

func (h *StoredHistory) MinuteBars(ctx context.Context, symbol string, count int) ([]model.Bar, error) {
	now := h.clock.Now()
	// sessions are 390 minutes; reach back far enough to cover weekends
	from := now.AddDate(0, 0, -(count/390+1)*3)
	bars, err := h.store.LoadBars(ctx, model.ChartKey{Symbol: symbol, Cycle: model.CycleMinute, Multiplier: 1}, from, now)
	if err != nil {
		return nil, err
	}
	return tail(bars, count), nil
}

// DayBars returns completed sessions only, the current day is still being replayed.
func (h *StoredHistory) DayBars(ctx context.Context, symbol string, count int) ([]model.Bar, error) {
	to := dayStart(h.clock.Now())
	from := to.AddDate(0, 0, -2*count-7)
	bars, err := h.store.LoadBars(ctx, model.ChartKey{Symbol: symbol, Cycle: model.CycleDay, Multiplier: 1}, from, to)
	if err != nil {
		return nil, err
	}
	return tail(bars, count), nil
}
