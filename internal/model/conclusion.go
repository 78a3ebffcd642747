package model

// Lot is one conclusion row. An open lot has an empty SellOrderID and tracks the cumulative
// SoldQty; each FIFO close portion is stored as a clone keyed by its sell order id.
type Lot struct {
	BuyDate       string  `json:"buy_date" db:"buy_date"`
	BuyOrderID    string  `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID   string  `json:"sell_order_id" db:"sell_order_id"`
	Symbol        string  `json:"symbol" db:"symbol"`
	Name          string  `json:"name" db:"name"`
	Slot          int     `json:"slot" db:"slot"`
	BuyTime       int64   `json:"buy_time" db:"buy_time"`
	BuyQty        int64   `json:"buy_qty" db:"buy_qty"`
	BuyPrice      float64 `json:"buy_price" db:"buy_price"`
	BuyAmount     int64   `json:"buy_amount" db:"buy_amount"`
	SoldQty       int64   `json:"sold_qty" db:"sold_qty"`
	SellDate      string  `json:"sell_date" db:"sell_date"`
	SellTime      int64   `json:"sell_time" db:"sell_time"`
	SellPrice     float64 `json:"sell_price" db:"sell_price"`
	SellAmount    int64   `json:"sell_amount" db:"sell_amount"`
	BuyFee        int64   `json:"buy_fee" db:"buy_fee"`
	SellFee       int64   `json:"sell_fee" db:"sell_fee"`
	Tax           int64   `json:"tax" db:"tax"`
	Realized      int64   `json:"realized" db:"realized"`
	RealizedRatio float64 `json:"realized_ratio" db:"realized_ratio"`
}

func (l Lot) Open() bool {
	return l.SellOrderID == ""
}

func (l Lot) Available() int64 {
	return l.BuyQty - l.SoldQty
}

// ProfitReport is the realized summary over a set of close portions.
type ProfitReport struct {
	Date       string  `json:"date" db:"date"`
	Slot       int     `json:"slot" db:"slot"`
	Closes     int64   `json:"closes" db:"closes"`
	BuyAmount  int64   `json:"buy_amount" db:"buy_amount"`
	SellAmount int64   `json:"sell_amount" db:"sell_amount"`
	Fees       int64   `json:"fees" db:"fees"`
	Tax        int64   `json:"tax" db:"tax"`
	Realized   int64   `json:"realized" db:"realized"`
	RatioPct   float64 `json:"ratio_pct" db:"-"`
}
