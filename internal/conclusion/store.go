package conclusion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/tools"
	"github.com/jmoiron/sqlx"
)

var ErrLotShortage = errors.New("lot shortage")

// BuyFill carries the cumulative state of one buy order.
type BuyFill struct {
	OrderID   string
	Symbol    string
	Name      string
	Slot      int
	FilledQty int64
	AvgPrice  float64
	Amount    int64
	Time      time.Time
}

// SellFill carries the cumulative state of one sell order.
type SellFill struct {
	OrderID   string
	Symbol    string
	FilledQty int64
	Amount    int64
	Time      time.Time
}

type Store struct {
	db     *sqlx.DB
	fees   model.FeeSchedule
	logger logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(db *sqlx.DB, fees model.FeeSchedule, log logger.Logger) *Store {
	return &Store{
		db:     db,
		fees:   fees,
		logger: logger.Component(log, "conclusion"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Store) lock(symbol string) func() {
	s.mu.Lock()
	l, ok := s.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.locks[symbol] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Buy upserts the open lot of a buy order. Later callbacks overwrite the buy side with the
// latest cumulative quantity, average price and amount.
func (s *Store) Buy(ctx context.Context, f BuyFill) error {
	if f.FilledQty <= 0 {
		return nil
	}
	defer s.lock(f.Symbol)()

	amount := f.Amount
	if amount <= 0 {
		amount = int64(math.Round(f.AvgPrice * float64(f.FilledQty)))
	}
	lot := model.Lot{
		BuyDate:    market.TradingDay(f.Time),
		BuyOrderID: f.OrderID,
		Symbol:     f.Symbol,
		Name:       f.Name,
		Slot:       f.Slot,
		BuyTime:    f.Time.UnixMilli(),
		BuyQty:     f.FilledQty,
		BuyPrice:   f.AvgPrice,
		BuyAmount:  amount,
	}
	if _, err := s.db.NamedExecContext(ctx, _upsertLot, lot); err != nil {
		return fmt.Errorf("%w: can't upsert lot %s", err, f.OrderID)
	}
	return nil
}

// Sell applies the cumulative fill of a sell order FIFO across the symbol's open lots.
// Re-delivered callbacks are no-ops and later partials grow the clones already written for
// the order. When lots run out the known part is committed and ErrLotShortage is returned.
func (s *Store) Sell(ctx context.Context, f SellFill) ([]model.Lot, error) {
	if f.FilledQty <= 0 {
		return nil, nil
	}
	defer s.lock(f.Symbol)()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: can't begin sell", err)
	}
	defer func() { _ = tx.Rollback() }()

	var clones []model.Lot
	if err := tx.SelectContext(ctx, &clones, tx.Rebind(_queryClones), f.Symbol, f.OrderID); err != nil {
		return nil, fmt.Errorf("%w: can't query closes", err)
	}
	var applied int64
	for _, c := range clones {
		applied += c.SoldQty
	}
	remaining := f.FilledQty - applied
	if remaining <= 0 {
		return clones, nil
	}

	var open []model.Lot
	if err := tx.SelectContext(ctx, &open, tx.Rebind(_queryOpenLots), f.Symbol); err != nil {
		return nil, fmt.Errorf("%w: can't query open lots", err)
	}

	index := make(map[string]int, len(clones))
	for i, c := range clones {
		index[c.BuyDate+"/"+c.BuyOrderID] = i
	}
	for i := range open {
		if remaining == 0 {
			break
		}
		lot := &open[i]
		take := min(lot.Available(), remaining)
		if take <= 0 {
			continue
		}
		lot.SoldQty += take
		lot.SellTime = f.Time.UnixMilli()
		if _, err := tx.NamedExecContext(ctx, _updateLotSold, lot); err != nil {
			return nil, fmt.Errorf("%w: can't update lot %s", err, lot.BuyOrderID)
		}
		key := lot.BuyDate + "/" + lot.BuyOrderID
		if j, ok := index[key]; ok {
			clones[j].SoldQty += take
		} else {
			c := *lot
			c.SellOrderID = f.OrderID
			c.SoldQty = take
			index[key] = len(clones)
			clones = append(clones, c)
		}
		remaining -= take
	}

	closedQty := f.FilledQty - remaining
	closedAmount := f.Amount
	if remaining > 0 {
		closedAmount = int64(math.Round(float64(f.Amount) * float64(closedQty) / float64(f.FilledQty)))
	}
	s.price(clones, closedQty, closedAmount, f.Time)

	for _, c := range clones {
		if _, err := tx.NamedExecContext(ctx, _upsertClose, c); err != nil {
			return nil, fmt.Errorf("%w: can't write close %s/%s", err, c.BuyOrderID, c.SellOrderID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: can't commit sell", err)
	}

	if remaining > 0 {
		s.logger.With("incident", "lot_shortage").Errorf("%s sell %s: %d shares without a known lot",
			f.Symbol, f.OrderID, remaining)
		return clones, fmt.Errorf("%w: %s short by %d", ErrLotShortage, f.Symbol, remaining)
	}
	return clones, nil
}

// price spreads the order's sell amount over its close portions and derives fees, tax and
// realized P/L per portion. The last portion absorbs the rounding remainder.
func (s *Store) price(clones []model.Lot, qty, amount int64, at time.Time) {
	if qty <= 0 {
		return
	}
	avg := float64(amount) / float64(qty)
	var spread int64
	for i := range clones {
		c := &clones[i]
		sellAmount := int64(math.Round(avg * float64(c.SoldQty)))
		if i == len(clones)-1 {
			sellAmount = amount - spread
		}
		spread += sellAmount
		buyAmount := int64(math.Round(c.BuyPrice * float64(c.SoldQty)))

		c.BuyQty = c.SoldQty
		c.BuyAmount = buyAmount
		c.SellDate = market.TradingDay(at)
		c.SellTime = at.UnixMilli()
		c.SellPrice = avg
		c.SellAmount = sellAmount
		c.BuyFee = s.fees.Fee(buyAmount)
		c.SellFee = s.fees.Fee(sellAmount)
		c.Tax = s.fees.Tax(sellAmount)
		c.Realized = sellAmount - buyAmount - (c.BuyFee + c.SellFee + c.Tax)
		c.RealizedRatio = tools.Ratio(c.Realized, buyAmount)
	}
}

// OpenLots returns the lots with outstanding shares in FIFO order.
func (s *Store) OpenLots(ctx context.Context, symbol string) ([]model.Lot, error) {
	var lots []model.Lot
	if err := s.db.SelectContext(ctx, &lots, s.db.Rebind(_queryOpenLots), symbol); err != nil {
		return nil, fmt.Errorf("%w: can't query open lots", err)
	}
	return lots, nil
}

// OpenQty is Σ(buy_qty - sold_qty) over the symbol's open lots.
func (s *Store) OpenQty(ctx context.Context, symbol string) (int64, error) {
	var qty int64
	if err := s.db.GetContext(ctx, &qty, s.db.Rebind(_queryOpenQty), symbol); err != nil {
		return 0, fmt.Errorf("%w: can't query open qty", err)
	}
	return qty, nil
}

// Closes returns the close portions written for one sell order.
func (s *Store) Closes(ctx context.Context, symbol, sellOrderID string) ([]model.Lot, error) {
	var lots []model.Lot
	if err := s.db.SelectContext(ctx, &lots, s.db.Rebind(_queryClones), symbol, sellOrderID); err != nil {
		return nil, fmt.Errorf("%w: can't query closes", err)
	}
	return lots, nil
}

// Report sums realized P/L per slot for closes made on the given trading day.
func (s *Store) Report(ctx context.Context, date string) ([]model.ProfitReport, error) {
	var rows []model.ProfitReport
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(_queryReport), date); err != nil {
		return nil, fmt.Errorf("%w: can't query report", err)
	}
	for i := range rows {
		rows[i].RatioPct = tools.Ratio(rows[i].Realized, rows[i].BuyAmount)
	}
	return rows, nil
}

// Purge deletes closed rows whose buy date is before the given trading day.
func (s *Store) Purge(ctx context.Context, before string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(_purgeClosed), before)
	if err != nil {
		return 0, fmt.Errorf("%w: can't purge conclusion", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Discard deletes every row bought on date, open or closed. A restarted replay trades the
// day again from nothing.
func (s *Store) Discard(ctx context.Context, date string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(_deleteDay), date)
	if err != nil {
		return 0, fmt.Errorf("%w: can't discard conclusion of %s", err, date)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
