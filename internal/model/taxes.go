package model

import (
	"github.com/STTM-NSU/trading-core/internal/tools"
	"github.com/shopspring/decimal"
)

var (
	LiveFeeRate = decimal.RequireFromString("0.00015")
	SimFeeRate  = decimal.RequireFromString("0.00035")
	SalesTax    = decimal.RequireFromString("0.0015")
)

// FeeSchedule holds the commission and sell-side tax rates. Fees floor to 10 won, tax to 1 won.
type FeeSchedule struct {
	FeeRate decimal.Decimal
	TaxRate decimal.Decimal
}

func LiveFees() FeeSchedule {
	return FeeSchedule{FeeRate: LiveFeeRate, TaxRate: SalesTax}
}

func SimFees() FeeSchedule {
	return FeeSchedule{FeeRate: SimFeeRate, TaxRate: SalesTax}
}

func (f FeeSchedule) Fee(amount int64) int64 {
	return tools.FloorTo(tools.MulRate(amount, f.FeeRate), 10)
}

func (f FeeSchedule) Tax(amount int64) int64 {
	return tools.FloorTo(tools.MulRate(amount, f.TaxRate), 1)
}

// RoundTripCost is buy fee + sell fee + tax for a position bought for buyAmount and valued at sellAmount.
func (f FeeSchedule) RoundTripCost(buyAmount, sellAmount int64) int64 {
	return f.Fee(buyAmount) + f.Fee(sellAmount) + f.Tax(sellAmount)
}
