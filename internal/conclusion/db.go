package conclusion

import (
	"context"

	"github.com/STTM-NSU/trading-core/internal/database"
)

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS conclusion (
		buy_date TEXT NOT NULL,
		buy_order_id TEXT NOT NULL,
		sell_order_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		slot INTEGER NOT NULL DEFAULT 0,
		buy_time BIGINT NOT NULL,
		buy_qty BIGINT NOT NULL,
		buy_price DOUBLE PRECISION NOT NULL,
		buy_amount BIGINT NOT NULL,
		sold_qty BIGINT NOT NULL DEFAULT 0,
		sell_date TEXT NOT NULL DEFAULT '',
		sell_time BIGINT NOT NULL DEFAULT 0,
		sell_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		sell_amount BIGINT NOT NULL DEFAULT 0,
		buy_fee BIGINT NOT NULL DEFAULT 0,
		sell_fee BIGINT NOT NULL DEFAULT 0,
		tax BIGINT NOT NULL DEFAULT 0,
		realized BIGINT NOT NULL DEFAULT 0,
		realized_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (buy_date, buy_order_id, sell_order_id)
	)`,
	`CREATE INDEX IF NOT EXISTS conclusion_symbol_idx ON conclusion (symbol, sell_order_id)`,
}

const _lotColumns = `buy_date, buy_order_id, sell_order_id, symbol, name, slot, buy_time, buy_qty, buy_price,
	buy_amount, sold_qty, sell_date, sell_time, sell_price, sell_amount, buy_fee, sell_fee, tax, realized, realized_ratio`

const (
	_upsertLot = `INSERT INTO conclusion (
						buy_date, buy_order_id, sell_order_id, symbol, name, slot,
						buy_time, buy_qty, buy_price, buy_amount
					) VALUES (
						:buy_date, :buy_order_id, '', :symbol, :name, :slot,
						:buy_time, :buy_qty, :buy_price, :buy_amount
					)
					ON CONFLICT (buy_date, buy_order_id, sell_order_id)
					DO UPDATE SET
						buy_qty = excluded.buy_qty,
						buy_price = excluded.buy_price,
						buy_amount = excluded.buy_amount`
	_updateLotSold = `UPDATE conclusion SET sold_qty = :sold_qty, sell_time = :sell_time
					WHERE buy_date = :buy_date AND buy_order_id = :buy_order_id AND sell_order_id = ''`
	_upsertClose = `INSERT INTO conclusion (` + _lotColumns + `) VALUES (
						:buy_date, :buy_order_id, :sell_order_id, :symbol, :name, :slot, :buy_time,
						:buy_qty, :buy_price, :buy_amount, :sold_qty, :sell_date, :sell_time, :sell_price,
						:sell_amount, :buy_fee, :sell_fee, :tax, :realized, :realized_ratio
					)
					ON CONFLICT (buy_date, buy_order_id, sell_order_id)
					DO UPDATE SET
						buy_qty = excluded.buy_qty,
						buy_amount = excluded.buy_amount,
						sold_qty = excluded.sold_qty,
						sell_date = excluded.sell_date,
						sell_time = excluded.sell_time,
						sell_price = excluded.sell_price,
						sell_amount = excluded.sell_amount,
						buy_fee = excluded.buy_fee,
						sell_fee = excluded.sell_fee,
						tax = excluded.tax,
						realized = excluded.realized,
						realized_ratio = excluded.realized_ratio`
	_queryClones = `SELECT ` + _lotColumns + ` FROM conclusion
					WHERE symbol = ? AND sell_order_id = ?
					ORDER BY buy_time, buy_order_id`
	_queryOpenLots = `SELECT ` + _lotColumns + ` FROM conclusion
					WHERE symbol = ? AND sell_order_id = '' AND sold_qty < buy_qty
					ORDER BY buy_time, buy_order_id`
	_queryOpenQty = `SELECT COALESCE(SUM(buy_qty - sold_qty), 0) FROM conclusion
					WHERE symbol = ? AND sell_order_id = ''`
	_queryReport = `SELECT sell_date AS date, slot, COUNT(*) AS closes,
						SUM(buy_amount) AS buy_amount, SUM(sell_amount) AS sell_amount,
						SUM(buy_fee + sell_fee) AS fees, SUM(tax) AS tax, SUM(realized) AS realized
					FROM conclusion
					WHERE sell_order_id <> '' AND sell_date = ?
					GROUP BY sell_date, slot
					ORDER BY slot`
	_deleteDay   = `DELETE FROM conclusion WHERE buy_date = ?`
	_purgeClosed = `DELETE FROM conclusion
					WHERE buy_date < ? AND (sell_order_id <> '' OR sold_qty >= buy_qty)`
)

func (s *Store) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, s.db, Schema...)
}
