package journal

import (
	"context"

	"github.com/STTM-NSU/trading-core/internal/database"
)

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		ts_ms BIGINT NOT NULL,
		event TEXT NOT NULL,
		order_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL,
		side INTEGER NOT NULL,
		slot INTEGER NOT NULL,
		state TEXT NOT NULL,
		qty BIGINT NOT NULL,
		filled_qty BIGINT NOT NULL,
		remaining BIGINT NOT NULL,
		price BIGINT NOT NULL,
		fill_qty BIGINT NOT NULL,
		fill_price BIGINT NOT NULL,
		avg_price DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL,
		external BOOLEAN NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_date_idx ON trades (date, ts_ms)`,
	`CREATE TABLE IF NOT EXISTS real_condition (
		date TEXT NOT NULL,
		ts_ms BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		cond_index INTEGER NOT NULL,
		cond_name TEXT NOT NULL,
		PRIMARY KEY (date, symbol, cond_index, kind, ts_ms)
	)`,
	`CREATE TABLE IF NOT EXISTS real_data (
		date TEXT NOT NULL,
		ts_ms BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		price BIGINT NOT NULL,
		volume BIGINT NOT NULL,
		cum_volume BIGINT NOT NULL,
		open BIGINT NOT NULL,
		high BIGINT NOT NULL,
		low BIGINT NOT NULL,
		change_rate DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol, ts_ms, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS real_data_date_idx ON real_data (date, ts_ms)`,
	`CREATE TABLE IF NOT EXISTS daily_sim (
		date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		PRIMARY KEY (date, symbol)
	)`,
}

const (
	_insertTrade = `INSERT INTO trades (
						id, date, ts_ms, event, order_id, broker_id, symbol, name, side, slot, state,
						qty, filled_qty, remaining, price, fill_qty, fill_price, avg_price, reason, external
					) VALUES (
						:id, :date, :ts_ms, :event, :order_id, :broker_id, :symbol, :name, :side, :slot, :state,
						:qty, :filled_qty, :remaining, :price, :fill_qty, :fill_price, :avg_price, :reason, :external
					)`
	_queryTrades = `SELECT id, date, ts_ms, event, order_id, broker_id, symbol, name, side, slot, state,
						qty, filled_qty, remaining, price, fill_qty, fill_price, avg_price, reason, external
					FROM trades WHERE date = ? ORDER BY ts_ms`
	_insertCondition = `INSERT INTO real_condition (date, ts_ms, symbol, kind, cond_index, cond_name)
					VALUES (:date, :ts_ms, :symbol, :kind, :cond_index, :cond_name)
					ON CONFLICT (date, symbol, cond_index, kind, ts_ms) DO NOTHING`
	_queryConditions = `SELECT date, ts_ms, symbol, kind, cond_index, cond_name
					FROM real_condition WHERE date = ? ORDER BY ts_ms, symbol`
	_insertTick = `INSERT INTO real_data (date, ts_ms, seq, symbol, price, volume, cum_volume, open, high, low, change_rate)
					VALUES (:date, :ts_ms, :seq, :symbol, :price, :volume, :cum_volume, :open, :high, :low, :change_rate)
					ON CONFLICT (symbol, ts_ms, seq)
					DO UPDATE SET price = excluded.price, volume = excluded.volume, cum_volume = excluded.cum_volume`
	_queryTicks = `SELECT date, ts_ms, seq, symbol, price, volume, cum_volume, open, high, low, change_rate
					FROM real_data WHERE date = ? ORDER BY ts_ms, seq`
	_insertDailySim = `INSERT INTO daily_sim (date, symbol) VALUES (?, ?)
					ON CONFLICT (date, symbol) DO NOTHING`
	_queryDailySim = `SELECT symbol FROM daily_sim WHERE date = ? ORDER BY symbol`
)

var _purges = []string{
	`DELETE FROM trades WHERE date < ?`,
	`DELETE FROM real_condition WHERE date < ?`,
	`DELETE FROM real_data WHERE date < ?`,
	`DELETE FROM daily_sim WHERE date < ?`,
}

func (j *Journal) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, j.db, Schema...)
}
