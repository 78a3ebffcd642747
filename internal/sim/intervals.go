package sim

import (
	"time"

	"github.com/STTM-NSU/trading-core/internal/market"
)

var (
	_sessionOpen  = 9 * time.Hour
	_sessionClose = 15*time.Hour + 30*time.Minute
)

func dayOf(t time.Time) time.Time {
	t = t.In(market.KST())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, market.KST())
}

func weekday(t time.Time) bool {
	return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday
}

// previousTradingDay steps back over weekends. Holidays are not known here.
func previousTradingDay(t time.Time) time.Time {
	t = dayOf(t).AddDate(0, 0, -1)
	for !weekday(t) {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// TradingDays returns the n weekdays ending with the day of end, oldest first.
func TradingDays(end time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	days := make([]time.Time, n)
	day := dayOf(end)
	if !weekday(day) {
		day = previousTradingDay(day)
	}
	for i := n - 1; i >= 0; i-- {
		days[i] = day
		day = previousTradingDay(day)
	}
	return days
}

// DivideIntoMinutes lists the minute starts in [from, to).
func DivideIntoMinutes(from, to time.Time) []time.Time {
	minutes := make([]time.Time, 0, max(0, int(to.Sub(from).Minutes())))
	for from = from.Truncate(time.Minute); from.Before(to); from = from.Add(time.Minute) {
		minutes = append(minutes, from)
	}
	return minutes
}

// SessionMinutes returns the n regular-session minute starts before end, oldest first,
// reaching back over earlier trading days when today's session is too short.
func SessionMinutes(end time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	var chunks [][]time.Time
	have := 0
	day := dayOf(end)
	to := end.In(market.KST())
	if !weekday(day) {
		day = previousTradingDay(day)
		to = day.Add(_sessionClose)
	}
	for have < n {
		from := day.Add(_sessionOpen)
		if closing := day.Add(_sessionClose); to.After(closing) {
			to = closing
		}
		if to.After(from) {
			m := DivideIntoMinutes(from, to)
			chunks = append(chunks, m)
			have += len(m)
		}
		day = previousTradingDay(day)
		to = day.Add(_sessionClose)
	}
	out := make([]time.Time, 0, have)
	for i := len(chunks) - 1; i >= 0; i-- {
		out = append(out, chunks[i]...)
	}
	return out[len(out)-n:]
}
