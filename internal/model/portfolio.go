package model

import "time"

type Holding struct {
	Symbol      string    `json:"symbol" db:"symbol"`
	Name        string    `json:"name" db:"name"`
	Slot        int       `json:"slot" db:"slot"`
	Qty         int64     `json:"qty" db:"qty"`
	AvgCost     float64   `json:"avg_cost" db:"avg_cost"`
	LastPrice   int64     `json:"last_price" db:"last_price"`
	MarketValue int64     `json:"market_value" db:"-"`
	ProfitLoss  int64     `json:"profit_loss" db:"-"`
	ReturnPct   float64   `json:"return_pct" db:"-"`
	Peak        int64     `json:"peak" db:"peak"`
	Armed       bool      `json:"armed" db:"armed"`
	Protected   bool      `json:"protected" db:"protected"`
	AcquiredAt  time.Time `json:"acquired_at" db:"-"`
	AcquiredMs  int64     `json:"-" db:"acquired_ms"`
}

// Cost is the book cost of the position in won.
func (h Holding) Cost() int64 {
	return int64(h.AvgCost*float64(h.Qty) + 0.5)
}

// Summary is the aggregate of all holdings plus the estimated deposit.
type Summary struct {
	Holdings    int     `json:"holdings"`
	TotalCost   int64   `json:"total_cost"`
	MarketValue int64   `json:"market_value"`
	Deposit     int64   `json:"deposit"`
	ProfitLoss  int64   `json:"profit_loss"`
	ReturnPct   float64 `json:"return_pct"`
}
