package chart

import (
	"context"
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/database"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoredHistory(t *testing.T) {
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	store := NewStore(db, logger.NewNopLogger())
	require.NoError(t, store.Migrate(ctx))

	minutes := make([]model.Bar, 10)
	for i := range minutes {
		minutes[i] = model.Bar{Time: _open.Add(time.Duration(i) * time.Minute), Close: float64(100 + i)}
	}
	require.NoError(t, store.SaveBars(ctx, minuteKey("A", 1), minutes))

	days := []model.Bar{
		{Time: dayStart(_open).AddDate(0, 0, -3), Close: 90},
		{Time: dayStart(_open).AddDate(0, 0, -1), Close: 95},
		{Time: dayStart(_open), Close: 99},
	}
	require.NoError(t, store.SaveBars(ctx, model.ChartKey{Symbol: "A", Cycle: model.CycleDay, Multiplier: 1}, days))

	clock := market.NewManualClock(_open.Add(6*time.Minute + 30*time.Second))
	h := NewStoredHistory(store, clock)

	bars, err := h.MinuteBars(ctx, "A", 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 104.0, bars[0].Close)
	assert.Equal(t, 106.0, bars[2].Close)

	daily, err := h.DayBars(ctx, "A", 5)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, 95.0, daily[1].Close)

	none, err := h.MinuteBars(ctx, "B", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}
