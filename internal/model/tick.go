package model

import "time"

type Tick struct {
	Symbol     string    `json:"symbol" db:"symbol"`
	Time       time.Time `json:"time" db:"-"`
	Price      int64     `json:"price" db:"price"`
	Volume     int64     `json:"volume" db:"volume"`
	CumVolume  int64     `json:"cum_volume" db:"cum_volume"`
	Open       int64     `json:"open" db:"open"`
	High       int64     `json:"high" db:"high"`
	Low        int64     `json:"low" db:"low"`
	ChangeRate float64   `json:"change_rate" db:"change_rate"`
}

// Turnover is the traded value of this tick in won.
func (t Tick) Turnover() int64 {
	return t.Price * t.Volume
}
