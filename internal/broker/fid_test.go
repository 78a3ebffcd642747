package broker

import (
	"testing"
	"time"

	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _now = time.Date(2024, 3, 4, 10, 0, 0, 0, market.KST())

func TestParseTick(t *testing.T) {
	tick, err := ParseTick("005930", map[string]string{
		FIDTime:       "093015",
		FIDPrice:      "-10500",
		FIDVolume:     "-30",
		FIDCumVolume:  "125000",
		FIDOpen:       "+10300",
		FIDHigh:       "+10600",
		FIDLow:        "-10200",
		FIDChangeRate: "+1.25",
	}, _now)
	require.NoError(t, err)
	assert.Equal(t, int64(10_500), tick.Price)
	assert.Equal(t, int64(30), tick.Volume)
	assert.Equal(t, int64(10_200), tick.Low)
	assert.InDelta(t, 1.25, tick.ChangeRate, 1e-9)
	assert.True(t, tick.Time.Equal(time.Date(2024, 3, 4, 9, 30, 15, 0, market.KST())))

	_, err = ParseTick("005930", map[string]string{FIDPrice: "abc"}, _now)
	assert.Error(t, err)
	_, err = ParseTick("005930", map[string]string{}, _now)
	assert.Error(t, err)
}

func TestParseExecution(t *testing.T) {
	e, err := ParseExecution(map[string]string{
		FIDAccount:     "8012345611",
		FIDOrderNo:     "0012345",
		FIDCode:        "A005930",
		FIDName:        "삼성전자  ",
		FIDOrderStatus: StatusFilled,
		FIDOrderQty:    "100",
		FIDOrderPrice:  "10000",
		FIDRemaining:   "40",
		FIDCumAmount:   "600000",
		FIDOrigOrderNo: "0000000",
		FIDOrderGubun:  "+매수",
		FIDSide:        "2",
		FIDOrderTime:   "091501",
		FIDFillPrice:   "10000",
		FIDFillQty:     "60",
	}, _now)
	require.NoError(t, err)
	assert.Equal(t, "0012345", e.BrokerID)
	assert.Equal(t, "", e.OrigBrokerID)
	assert.Equal(t, "005930", e.Symbol)
	assert.Equal(t, "삼성전자", e.Name)
	assert.Equal(t, model.ExecFilled, e.Status)
	assert.Equal(t, model.Buy, e.Side)
	assert.Equal(t, int64(60), e.FillQty)
	assert.Equal(t, int64(40), e.Remaining)
	assert.False(t, e.Cancel)

	cancel, err := ParseExecution(map[string]string{
		FIDOrderNo:     "0012399",
		FIDCode:        "A000660",
		FIDOrderStatus: StatusAccepted,
		FIDOrigOrderNo: "0012345",
		FIDOrderGubun:  "매수취소",
		FIDSide:        "2",
	}, _now)
	require.NoError(t, err)
	assert.True(t, cancel.Cancel)
	assert.Equal(t, "0012345", cancel.OrigBrokerID)

	_, err = ParseExecution(map[string]string{FIDOrderNo: "1", FIDOrderStatus: "??", FIDSide: "2"}, _now)
	assert.Error(t, err)
}

func TestParseBalanceAndPhase(t *testing.T) {
	b, err := ParseBalance(map[string]string{
		FIDCode:       "A035720",
		FIDHoldingQty: "15",
		FIDAvgCost:    "1066.67",
		FIDPrice:      "-1300",
		FIDDeposit:    "399000000",
	}, _now)
	require.NoError(t, err)
	assert.Equal(t, "035720", b.Symbol)
	assert.Equal(t, int64(15), b.Qty)
	assert.InDelta(t, 1066.67, b.AvgCost, 1e-9)
	assert.Equal(t, int64(1300), b.LastPrice)

	assert.Equal(t, market.PhaseRegular, ParseSessionPhase(map[string]string{FIDPhase: "3"}))
}

func TestParseConditionEvent(t *testing.T) {
	ev, err := ParseConditionEvent(RealCondition{Symbol: "A005930", Kind: "I", Name: "gap-up ", Index: 2}, _now)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionEvent{
		Symbol:    "005930",
		Kind:      model.ConditionIn,
		Condition: model.Condition{Index: 2, Name: "gap-up"},
		Time:      _now,
	}, ev)

	_, err = ParseConditionEvent(RealCondition{Symbol: "005930", Kind: "X"}, _now)
	assert.Error(t, err)
}

func TestSynthesizedChejanParses(t *testing.T) {
	in := model.Execution{
		Account: "1", BrokerID: "7", OrigBrokerID: "3", Symbol: "000660", Status: model.ExecAccepted,
		Side: model.Sell, Cancel: true, Qty: 10, Price: 9_900, Remaining: 10, Time: _now,
	}
	out, err := ParseExecution(ExecutionValues(in), _now)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
