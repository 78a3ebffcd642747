package conclusion

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

var _day = time.Date(2024, 3, 4, 9, 0, 0, 0, market.KST())

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db, model.LiveFees(), logger.NewNopLogger())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func buy(t *testing.T, s *Store, id, symbol string, qty int64, price float64, at time.Time) {
	t.Helper()
	require.NoError(t, s.Buy(context.Background(), BuyFill{
		OrderID: id, Symbol: symbol, Slot: 1, FilledQty: qty, AvgPrice: price,
		Amount: int64(price * float64(qty)), Time: at,
	}))
}

func TestRoundTripWithPartialBuyFills(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	buy(t, s, "ORD1", "005930", 60, 10_000, _day)
	buy(t, s, "ORD1", "005930", 100, 10_000, _day.Add(time.Second))

	lots, err := s.OpenLots(ctx, "005930")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(100), lots[0].BuyQty)
	assert.Equal(t, int64(1_000_000), lots[0].BuyAmount)

	closes, err := s.Sell(ctx, SellFill{OrderID: "ORD2", Symbol: "005930", FilledQty: 100, Amount: 1_050_000, Time: _day.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, closes, 1)

	c := closes[0]
	assert.Equal(t, int64(1_000_000), c.BuyAmount)
	assert.Equal(t, int64(1_050_000), c.SellAmount)
	assert.Equal(t, int64(150), c.BuyFee)
	assert.Equal(t, int64(150), c.SellFee)
	assert.Equal(t, int64(1_575), c.Tax)
	assert.Equal(t, int64(48_125), c.Realized)
	assert.Equal(t, int64(100), c.SoldQty)
	assert.InDelta(t, 4.8125, c.RealizedRatio, 1e-9)

	qty, err := s.OpenQty(ctx, "005930")
	require.NoError(t, err)
	assert.Zero(t, qty)
}

func TestFIFOAcrossTwoLots(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	buy(t, s, "B2", "035720", 10, 1_200, _day.Add(time.Minute))
	buy(t, s, "B1", "035720", 10, 1_000, _day)

	closes, err := s.Sell(ctx, SellFill{OrderID: "S1", Symbol: "035720", FilledQty: 15, Amount: 19_500, Time: _day.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, closes, 2)

	assert.Equal(t, "B1", closes[0].BuyOrderID)
	assert.Equal(t, int64(10), closes[0].SoldQty)
	assert.Equal(t, int64(13_000), closes[0].SellAmount)
	assert.Equal(t, int64(10*(1_300-1_000)-19), closes[0].Realized)

	assert.Equal(t, "B2", closes[1].BuyOrderID)
	assert.Equal(t, int64(5), closes[1].SoldQty)
	assert.Equal(t, int64(5*(1_300-1_200)-9), closes[1].Realized)

	open, err := s.OpenLots(ctx, "035720")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "B2", open[0].BuyOrderID)
	assert.Equal(t, int64(5), open[0].SoldQty)
}

func TestFIFOTieBreaksOnOrderID(t *testing.T) {
	s := setupStore(t)
	buy(t, s, "B9", "000660", 5, 100_000, _day)
	buy(t, s, "B3", "000660", 5, 110_000, _day)

	closes, err := s.Sell(context.Background(), SellFill{OrderID: "S", Symbol: "000660", FilledQty: 5, Amount: 600_000, Time: _day.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, closes, 1)
	assert.Equal(t, "B3", closes[0].BuyOrderID)
}

func TestSellIsIdempotentAndGrowsOnPartials(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	buy(t, s, "B1", "005930", 10, 10_000, _day)
	buy(t, s, "B2", "005930", 10, 10_000, _day.Add(time.Minute))

	_, err := s.Sell(ctx, SellFill{OrderID: "S1", Symbol: "005930", FilledQty: 6, Amount: 63_000, Time: _day.Add(time.Hour)})
	require.NoError(t, err)
	again, err := s.Sell(ctx, SellFill{OrderID: "S1", Symbol: "005930", FilledQty: 6, Amount: 63_000, Time: _day.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, int64(6), again[0].SoldQty)

	closes, err := s.Sell(ctx, SellFill{OrderID: "S1", Symbol: "005930", FilledQty: 15, Amount: 157_500, Time: _day.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, closes, 2)
	assert.Equal(t, int64(10), closes[0].SoldQty)
	assert.Equal(t, int64(5), closes[1].SoldQty)
	assert.Equal(t, int64(157_500), closes[0].SellAmount+closes[1].SellAmount)

	stored, err := s.Closes(ctx, "005930", "S1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	qty, err := s.OpenQty(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(5), qty)
}

func TestPartialsMatchConsolidatedSell(t *testing.T) {
	consolidated := setupStore(t)
	split := setupStore(t)
	ctx := context.Background()
	for _, s := range []*Store{consolidated, split} {
		buy(t, s, "B1", "A", 30, 5_000, _day)
		buy(t, s, "B2", "A", 30, 5_100, _day.Add(time.Minute))
	}

	one, err := consolidated.Sell(ctx, SellFill{OrderID: "S", Symbol: "A", FilledQty: 50, Amount: 260_000, Time: _day.Add(time.Hour)})
	require.NoError(t, err)

	var parts []model.Lot
	for _, cum := range []int64{7, 19, 33, 50} {
		parts, err = split.Sell(ctx, SellFill{OrderID: "S", Symbol: "A", FilledQty: cum, Amount: cum * 5_200, Time: _day.Add(time.Hour)})
		require.NoError(t, err)
	}

	var a, b int64
	for _, l := range one {
		a += l.Realized
	}
	for _, l := range parts {
		b += l.Realized
	}
	assert.InDelta(t, a, b, 4)
}

func TestLotShortageCommitsKnownPart(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	buy(t, s, "B1", "051910", 4, 400_000, _day)

	closes, err := s.Sell(ctx, SellFill{OrderID: "S1", Symbol: "051910", FilledQty: 6, Amount: 2_460_000, Time: _day.Add(time.Hour)})
	require.ErrorIs(t, err, ErrLotShortage)
	require.Len(t, closes, 1)
	assert.Equal(t, int64(4), closes[0].SoldQty)
	assert.Equal(t, int64(1_640_000), closes[0].SellAmount)

	qty, err := s.OpenQty(ctx, "051910")
	require.NoError(t, err)
	assert.Zero(t, qty)
}

func TestReportAndPurge(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	buy(t, s, "B1", "005930", 100, 10_000, _day)
	_, err := s.Sell(ctx, SellFill{OrderID: "S1", Symbol: "005930", FilledQty: 100, Amount: 1_050_000, Time: _day.Add(time.Hour)})
	require.NoError(t, err)
	buy(t, s, "B2", "000660", 1, 100_000, _day)

	rows, err := s.Report(ctx, "20240304")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Slot)
	assert.Equal(t, int64(48_125), rows[0].Realized)
	assert.Equal(t, int64(300), rows[0].Fees)

	n, err := s.Purge(ctx, "20240401")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	open, err := s.OpenLots(ctx, "000660")
	require.NoError(t, err)
	assert.Len(t, open, 1, "open lots survive the purge")
}

func TestDiscardDropsOneBuyDay(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	buy(t, s, "B1", "005930", 100, 10_000, _day)
	_, err := s.Sell(ctx, SellFill{OrderID: "S1", Symbol: "005930", FilledQty: 100, Amount: 1_050_000, Time: _day.Add(time.Hour)})
	require.NoError(t, err)
	buy(t, s, "B2", "005930", 5, 10_000, _day)
	buy(t, s, "B3", "005930", 7, 10_000, _day.AddDate(0, 0, 1))

	n, err := s.Discard(ctx, "20240304")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	open, err := s.OpenLots(ctx, "005930")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "B3", open[0].BuyOrderID)
}
