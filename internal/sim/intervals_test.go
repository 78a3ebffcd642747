package sim

import (
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradingDaysSkipWeekends(t *testing.T) {
	// Monday
	end := time.Date(2024, 3, 4, 10, 0, 0, 0, market.KST())
	days := TradingDays(end, 3)
	require.Len(t, days, 3)
	assert.Equal(t, 28, days[0].Day())
	assert.Equal(t, 29, days[1].Day())
	assert.Equal(t, 4, days[2].Day())

	sunday := time.Date(2024, 3, 3, 12, 0, 0, 0, market.KST())
	assert.Equal(t, 1, TradingDays(sunday, 1)[0].Day())
}

func TestDivideIntoMinutes(t *testing.T) {
	from := time.Date(2024, 3, 4, 9, 0, 30, 0, market.KST())
	to := time.Date(2024, 3, 4, 9, 3, 0, 0, market.KST())
	minutes := DivideIntoMinutes(from, to)
	require.Len(t, minutes, 3)
	assert.Equal(t, 0, minutes[0].Second())
	assert.Equal(t, 2, minutes[2].Minute())
}

func TestSessionMinutesReachIntoPreviousDay(t *testing.T) {
	end := time.Date(2024, 3, 4, 9, 2, 0, 0, market.KST())
	minutes := SessionMinutes(end, 5)
	require.Len(t, minutes, 5)

	friday := time.Date(2024, 3, 1, 15, 27, 0, 0, market.KST())
	assert.True(t, minutes[0].Equal(friday))
	assert.True(t, minutes[2].Equal(friday.Add(2*time.Minute)))
	assert.True(t, minutes[3].Equal(time.Date(2024, 3, 4, 9, 0, 0, 0, market.KST())))
	assert.True(t, minutes[4].Equal(time.Date(2024, 3, 4, 9, 1, 0, 0, market.KST())))

	for i := 1; i < len(minutes); i++ {
		assert.True(t, minutes[i].After(minutes[i-1]))
	}
}

func TestSessionMinutesAfterClose(t *testing.T) {
	end := time.Date(2024, 3, 4, 18, 0, 0, 0, market.KST())
	minutes := SessionMinutes(end, 2)
	assert.Equal(t, 15, minutes[1].Hour())
	assert.Equal(t, 29, minutes[1].Minute())
}
