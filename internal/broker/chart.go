package broker

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
)

const (
	TRMinuteChart = "opt10080"
	TRDayChart    = "opt10081"

	_chartPageRows = 900
)

// ChartSource answers chart backfill with the minute and daily chart TRs.
type ChartSource struct {
	broker  Broker
	screens *Screens
	clock   market.Clock
	retries int
	backoff time.Duration
}

func NewChartSource(b Broker, screens *Screens, clock market.Clock, retries int, backoff time.Duration) *ChartSource {
	return &ChartSource{broker: b, screens: screens, clock: clock, retries: retries, backoff: backoff}
}

func (s *ChartSource) MinuteBars(ctx context.Context, symbol string, count int) ([]model.Bar, error) {
	req := TRRequest{
		Name:    "minute_chart",
		TRCode:  TRMinuteChart,
		Inputs:  map[string]string{"종목코드": symbol, "틱범위": "1", "수정주가구분": "1"},
		Outputs: []string{"체결시간", "현재가", "시가", "고가", "저가", "거래량"},
		Screen:  s.screens.Next(),
	}
	records, err := RequestPages(ctx, s.broker, req, pages(count), s.retries, s.backoff)
	if err != nil {
		return nil, err
	}
	return parseBars(records, "체결시간", "20060102150405", count, false)
}

func (s *ChartSource) DayBars(ctx context.Context, symbol string, count int) ([]model.Bar, error) {
	req := TRRequest{
		Name:    "day_chart",
		TRCode:  TRDayChart,
		Inputs:  map[string]string{"종목코드": symbol, "기준일자": market.TradingDay(s.clock.Now()), "수정주가구분": "1"},
		Outputs: []string{"일자", "현재가", "시가", "고가", "저가", "거래량", "거래대금"},
		Screen:  s.screens.Next(),
	}
	records, err := RequestPages(ctx, s.broker, req, pages(count), s.retries, s.backoff)
	if err != nil {
		return nil, err
	}
	return parseBars(records, "일자", "20060102", count, true)
}

func pages(count int) int {
	return max(1, (count+_chartPageRows-1)/_chartPageRows)
}

// parseBars converts newest-first chart rows into at most count chronological bars.
// Daily turnover comes in millions of won.
func parseBars(records []map[string]string, timeCol, layout string, count int, dayTurnover bool) ([]model.Bar, error) {
	bars := make([]model.Bar, 0, len(records))
	for _, r := range records {
		f := fields{values: r}
		at, err := time.ParseInLocation(layout, f.str(timeCol), market.KST())
		if err != nil {
			return nil, fmt.Errorf("%w: bad chart time %q", err, f.str(timeCol))
		}
		b := model.Bar{
			Time:   at,
			Open:   float64(f.abs("시가")),
			High:   float64(f.abs("고가")),
			Low:    float64(f.abs("저가")),
			Close:  float64(f.abs("현재가")),
			Volume: float64(f.abs("거래량")),
		}
		if dayTurnover {
			b.Turnover = float64(f.abs("거래대금")) * 1_000_000
		} else {
			b.Turnover = b.Close * b.Volume
		}
		if f.err != nil {
			return nil, fmt.Errorf("%w: bad chart row", f.err)
		}
		bars = append(bars, b)
	}
	slices.SortFunc(bars, func(a, b model.Bar) int { return a.Time.Compare(b.Time) })
	bars = slices.CompactFunc(bars, func(a, b model.Bar) bool { return a.Time.Equal(b.Time) })
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}
