package chart

import (
	"context"
	"fmt"
	"time"

	"github.com/STTM-NSU/trading-core/internal/database"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/jmoiron/sqlx"
)

func barsTable(name string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			cycle TEXT NOT NULL,
			multiplier INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			ts BIGINT NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			turnover DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (cycle, multiplier, symbol, ts)
		)`, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts)`, name, name),
	}
}

var Schema = append(append(barsTable("tick_chart"), barsTable("minute_chart")...), barsTable("dwm_chart")...)

const (
	_upsertBar = `INSERT INTO %s (cycle, multiplier, symbol, ts, open, high, low, close, volume, turnover)
					VALUES (:cycle, :multiplier, :symbol, :ts, :open, :high, :low, :close, :volume, :turnover)
					ON CONFLICT (cycle, multiplier, symbol, ts)
					DO UPDATE SET open = excluded.open, high = excluded.high, low = excluded.low,
						close = excluded.close, volume = excluded.volume, turnover = excluded.turnover`
	_queryBars = `SELECT ts, open, high, low, close, volume, turnover FROM %s
					WHERE cycle = ? AND multiplier = ? AND symbol = ? AND ts >= ? AND ts < ?
					ORDER BY ts`
	_purgeBars = `DELETE FROM %s WHERE ts < ?`
)

type barRow struct {
	Cycle      string  `db:"cycle"`
	Multiplier int     `db:"multiplier"`
	Symbol     string  `db:"symbol"`
	Ts         int64   `db:"ts"`
	Open       float64 `db:"open"`
	High       float64 `db:"high"`
	Low        float64 `db:"low"`
	Close      float64 `db:"close"`
	Volume     float64 `db:"volume"`
	Turnover   float64 `db:"turnover"`
}

func tableFor(c model.Cycle) string {
	switch c {
	case model.CycleTick:
		return "tick_chart"
	case model.CycleMinute:
		return "minute_chart"
	default:
		return "dwm_chart"
	}
}

// Store persists bars in the chart database.
type Store struct {
	db     *sqlx.DB
	logger logger.Logger
}

func NewStore(db *sqlx.DB, log logger.Logger) *Store {
	return &Store{db: db, logger: logger.Component(log, "chart_db")}
}

func (s *Store) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, s.db, Schema...)
}

func (s *Store) SaveBars(ctx context.Context, key model.ChartKey, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	query := fmt.Sprintf(_upsertBar, tableFor(key.Cycle))
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: can't begin bars tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, b := range bars {
		row := barRow{
			Cycle:      string(key.Cycle),
			Multiplier: max(key.Multiplier, 1),
			Symbol:     key.Symbol,
			Ts:         b.Time.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			Turnover:   b.Turnover,
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return fmt.Errorf("%w: can't upsert %s bar", err, key)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: can't commit bars", err)
	}
	return nil
}

// LoadBars returns the bars of key in [from, to) in chronological order.
func (s *Store) LoadBars(ctx context.Context, key model.ChartKey, from, to time.Time) ([]model.Bar, error) {
	var rows []barRow
	query := s.db.Rebind(fmt.Sprintf(_queryBars, tableFor(key.Cycle)))
	if err := s.db.SelectContext(ctx, &rows, query,
		string(key.Cycle), max(key.Multiplier, 1), key.Symbol, from.UnixMilli(), to.UnixMilli()); err != nil {
		return nil, fmt.Errorf("%w: can't query %s bars", err, key)
	}
	bars := make([]model.Bar, len(rows))
	for i, r := range rows {
		bars[i] = model.Bar{
			Time:     time.UnixMilli(r.Ts).In(market.KST()),
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Close:    r.Close,
			Volume:   r.Volume,
			Turnover: r.Turnover,
		}
	}
	return bars, nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"tick_chart", "minute_chart", "dwm_chart"} {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(_purgeBars, table)), before.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("%w: can't purge %s", err, table)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Flush writes bars the feed changed since the last flush.
func (s *Store) Flush(ctx context.Context, c *Cache) error {
	for _, p := range c.unflushed() {
		if err := s.SaveBars(ctx, p.key, p.bars); err != nil {
			return err
		}
	}
	return nil
}

// Run flushes the cache every interval and once more on exit.
func (s *Store) Run(ctx context.Context, c *Cache, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.WithoutCancel(ctx), c); err != nil {
				s.logger.Errorf("%s: error flushing chart", err)
			}
			return
		case <-time.After(interval):
			if err := s.Flush(ctx, c); err != nil {
				s.logger.Errorf("%s: error flushing chart", err)
			}
		}
	}
}
