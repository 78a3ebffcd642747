package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/STTM-NSU/trading-core/internal/database"
	"github.com/STTM-NSU/trading-core/internal/model"
)

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger (
		account_id TEXT PRIMARY KEY,
		deposit BIGINT NOT NULL,
		updated_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS holdings (
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL,
		slot INTEGER NOT NULL,
		qty BIGINT NOT NULL,
		avg_cost DOUBLE PRECISION NOT NULL,
		last_price BIGINT NOT NULL,
		peak BIGINT NOT NULL,
		armed BOOLEAN NOT NULL,
		protected BOOLEAN NOT NULL,
		acquired_ms BIGINT NOT NULL,
		PRIMARY KEY (account_id, symbol)
	)`,
}

const (
	_queryDeposit  = "SELECT deposit FROM ledger WHERE account_id = ?"
	_queryHoldings = `SELECT symbol, name, slot, qty, avg_cost, last_price, peak, armed, protected, acquired_ms
						FROM holdings WHERE account_id = ?`
	_updateDeposit = `INSERT INTO ledger (account_id, deposit, updated_ms) VALUES (?, ?, ?)
						ON CONFLICT (account_id)
						DO UPDATE SET deposit = excluded.deposit, updated_ms = excluded.updated_ms`
	_deleteHoldings = "DELETE FROM holdings WHERE account_id = ?"
	_updateHolding  = `INSERT INTO holdings (
								account_id, symbol, name, slot, qty, avg_cost,
								last_price, peak, armed, protected, acquired_ms
							) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
							ON CONFLICT (account_id, symbol)
							DO UPDATE SET
								name = excluded.name,
								slot = excluded.slot,
								qty = excluded.qty,
								avg_cost = excluded.avg_cost,
								last_price = excluded.last_price,
								peak = excluded.peak,
								armed = excluded.armed,
								protected = excluded.protected,
								acquired_ms = excluded.acquired_ms`
)

func (p *Ledger) Migrate(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	return database.Migrate(ctx, p.db, Schema...)
}

// LoadFromDB restores the last flushed snapshot. It reports false when none exists.
func (p *Ledger) LoadFromDB(ctx context.Context) (bool, error) {
	if p.db == nil {
		return false, nil
	}
	var deposit int64
	if err := p.db.GetContext(ctx, &deposit, p.db.Rebind(_queryDeposit), p.accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: can't query ledger", err)
	}

	var holdings []model.Holding
	if err := p.db.SelectContext(ctx, &holdings, p.db.Rebind(_queryHoldings), p.accountID); err != nil {
		return true, fmt.Errorf("%w: can't query holdings", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.deposit = deposit
	p.holdings = make(map[string]*model.Holding, len(holdings))
	for i := range holdings {
		h := holdings[i]
		h.AcquiredAt = time.UnixMilli(h.AcquiredMs)
		p.valueLocked(&h, h.LastPrice)
		p.holdings[h.Symbol] = &h
	}
	return true, nil
}

func (p *Ledger) FlushToDB(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	p.mu.RLock()
	deposit := p.deposit
	holdings := make([]model.Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		holdings = append(holdings, *h)
	}
	p.mu.RUnlock()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: can't begin portfolio flush", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(_updateDeposit), p.accountID, deposit, p.clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("%w: can't update ledger", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(_deleteHoldings), p.accountID); err != nil {
		return fmt.Errorf("%w: can't clear holdings", err)
	}
	for _, h := range holdings {
		if _, err := tx.ExecContext(ctx, tx.Rebind(_updateHolding),
			p.accountID, h.Symbol, h.Name, h.Slot, h.Qty, h.AvgCost,
			h.LastPrice, h.Peak, h.Armed, h.Protected, h.AcquiredMs,
		); err != nil {
			return fmt.Errorf("%w: can't update holding %s", err, h.Symbol)
		}
	}
	return tx.Commit()
}
