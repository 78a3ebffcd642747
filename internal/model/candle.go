package model

import (
	"fmt"
	"time"
)

type Cycle string

const (
	CycleTick   Cycle = "tick"
	CycleMinute Cycle = "minute"
	CycleDay    Cycle = "day"
	CycleWeek   Cycle = "week"
	CycleMonth  Cycle = "month"
)

func (c Cycle) Valid() bool {
	switch c {
	case CycleTick, CycleMinute, CycleDay, CycleWeek, CycleMonth:
		return true
	default:
		return false
	}
}

// ChartKey selects one chart buffer.
type ChartKey struct {
	Symbol     string
	Cycle      Cycle
	Multiplier int
}

func (k ChartKey) String() string {
	return fmt.Sprintf("%s:%s%d", k.Symbol, k.Cycle, k.Multiplier)
}

type Bar struct {
	Time     time.Time `json:"time" db:"-"`
	Open     float64   `json:"open" db:"open"`
	High     float64   `json:"high" db:"high"`
	Low      float64   `json:"low" db:"low"`
	Close    float64   `json:"close" db:"close"`
	Volume   float64   `json:"volume" db:"volume"`
	Turnover float64   `json:"turnover" db:"turnover"`
}

// Merge folds a later bar into b.
func (b *Bar) Merge(next Bar) {
	if next.High > b.High {
		b.High = next.High
	}
	if next.Low < b.Low {
		b.Low = next.Low
	}
	b.Close = next.Close
	b.Volume += next.Volume
	b.Turnover += next.Turnover
}
