package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
)

// Real data FIDs.
const (
	FIDTime       = "20"
	FIDPrice      = "10"
	FIDChange     = "11"
	FIDChangeRate = "12"
	FIDCumVolume  = "13"
	FIDVolume     = "15"
	FIDOpen       = "16"
	FIDHigh       = "17"
	FIDLow        = "18"
	FIDPhase      = "215"
)

// Chejan FIDs.
const (
	FIDAccount      = "9201"
	FIDOrderNo      = "9203"
	FIDCode         = "9001"
	FIDName         = "302"
	FIDOrderStatus  = "913"
	FIDOrderQty     = "900"
	FIDOrderPrice   = "901"
	FIDRemaining    = "902"
	FIDCumAmount    = "903"
	FIDOrigOrderNo  = "904"
	FIDOrderGubun   = "905"
	FIDSide         = "907"
	FIDOrderTime    = "908"
	FIDFillPrice    = "910"
	FIDFillQty      = "911"
	FIDRejectReason = "919"

	FIDHoldingQty = "930"
	FIDAvgCost    = "931"
	FIDDeposit    = "951"
)

const (
	StatusAccepted  = "접수"
	StatusFilled    = "체결"
	StatusConfirmed = "확인"
)

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	s = strings.TrimPrefix(s, "+")
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: can't parse %q", err, s)
	}
	return v, nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "+"))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: can't parse %q", err, s)
	}
	return v, nil
}

type fields struct {
	values map[string]string
	err    error
}

func (f *fields) str(fid string) string {
	return strings.TrimSpace(f.values[fid])
}

func (f *fields) int(fid string) int64 {
	v, err := parseInt(f.values[fid])
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("%w: fid %s", err, fid)
	}
	return v
}

func (f *fields) abs(fid string) int64 {
	return model.AbsPrice(f.int(fid))
}

func (f *fields) float(fid string) float64 {
	v, err := parseFloat(f.values[fid])
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("%w: fid %s", err, fid)
	}
	return v
}

// clockOn places an HHMMSS time on the trading day of ref.
func clockOn(ref time.Time, hhmmss string) time.Time {
	hhmmss = strings.TrimSpace(hhmmss)
	ref = ref.In(market.KST())
	if len(hhmmss) < 6 {
		return ref
	}
	t, err := time.ParseInLocation("150405", hhmmss[:6], market.KST())
	if err != nil {
		return ref
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), t.Second(), 0, market.KST())
}

// ParseTick decodes a 주식체결 payload. Prices and volumes carry a direction sign that is
// dropped.
func ParseTick(symbol string, values map[string]string, now time.Time) (model.Tick, error) {
	f := fields{values: values}
	t := model.Tick{
		Symbol:     model.NormalizeCode(symbol),
		Time:       clockOn(now, f.str(FIDTime)),
		Price:      f.abs(FIDPrice),
		Volume:     f.abs(FIDVolume),
		CumVolume:  f.abs(FIDCumVolume),
		Open:       f.abs(FIDOpen),
		High:       f.abs(FIDHigh),
		Low:        f.abs(FIDLow),
		ChangeRate: f.float(FIDChangeRate),
	}
	if f.err != nil {
		return model.Tick{}, fmt.Errorf("%w: can't parse tick of %s", f.err, symbol)
	}
	if t.Price == 0 {
		return model.Tick{}, fmt.Errorf("empty price in tick of %s", symbol)
	}
	return t, nil
}

// ParseExecution decodes chejan gubun 0. FIDFillQty and FIDCumAmount are cumulative for the
// order.
func ParseExecution(values map[string]string, now time.Time) (model.Execution, error) {
	f := fields{values: values}
	e := model.Execution{
		Account:      f.str(FIDAccount),
		BrokerID:     f.str(FIDOrderNo),
		OrigBrokerID: f.str(FIDOrigOrderNo),
		Symbol:       model.NormalizeCode(f.str(FIDCode)),
		Name:         f.str(FIDName),
		Qty:          f.int(FIDOrderQty),
		Price:        f.abs(FIDOrderPrice),
		Remaining:    f.int(FIDRemaining),
		CumAmount:    f.int(FIDCumAmount),
		FillPrice:    f.abs(FIDFillPrice),
		FillQty:      f.int(FIDFillQty),
		RejectReason: f.str(FIDRejectReason),
		Time:         clockOn(now, f.str(FIDOrderTime)),
	}
	if f.err != nil {
		return model.Execution{}, fmt.Errorf("%w: can't parse chejan", f.err)
	}

	switch f.str(FIDOrderStatus) {
	case StatusAccepted:
		e.Status = model.ExecAccepted
	case StatusFilled:
		e.Status = model.ExecFilled
	case StatusConfirmed:
		e.Status = model.ExecConfirmed
	default:
		return model.Execution{}, fmt.Errorf("unknown order status %q", f.str(FIDOrderStatus))
	}

	switch f.str(FIDSide) {
	case "1":
		e.Side = model.Sell
	case "2":
		e.Side = model.Buy
	default:
		return model.Execution{}, fmt.Errorf("unknown order side %q", f.str(FIDSide))
	}

	gubun := f.str(FIDOrderGubun)
	e.Cancel = strings.Contains(gubun, "취소")
	e.Amend = strings.Contains(gubun, "정정")
	// an order without an original carries all zeros
	if strings.Trim(e.OrigBrokerID, "0") == "" {
		e.OrigBrokerID = ""
	}
	if e.BrokerID == "" {
		return model.Execution{}, fmt.Errorf("chejan without order number")
	}
	return e, nil
}

// ParseBalance decodes chejan gubun 1.
func ParseBalance(values map[string]string, now time.Time) (model.BalanceUpdate, error) {
	f := fields{values: values}
	b := model.BalanceUpdate{
		Account:   f.str(FIDAccount),
		Symbol:    model.NormalizeCode(f.str(FIDCode)),
		Name:      f.str(FIDName),
		Qty:       f.int(FIDHoldingQty),
		AvgCost:   f.float(FIDAvgCost),
		LastPrice: f.abs(FIDPrice),
		Deposit:   f.int(FIDDeposit),
		Time:      now,
	}
	if f.err != nil {
		return model.BalanceUpdate{}, fmt.Errorf("%w: can't parse balance", f.err)
	}
	if b.Symbol == "" {
		return model.BalanceUpdate{}, fmt.Errorf("balance without symbol")
	}
	return b, nil
}

// ParseSessionPhase decodes a 장시작시간 payload.
func ParseSessionPhase(values map[string]string) market.Phase {
	return market.ParsePhase(strings.TrimSpace(values[FIDPhase]))
}

// ParseConditionEvent normalizes an on-real-condition callback.
func ParseConditionEvent(ev RealCondition, now time.Time) (model.ConditionEvent, error) {
	kind := model.ConditionKind(strings.TrimSpace(ev.Kind))
	if kind != model.ConditionIn && kind != model.ConditionDrop {
		return model.ConditionEvent{}, fmt.Errorf("unknown condition kind %q", ev.Kind)
	}
	return model.ConditionEvent{
		Symbol:    model.NormalizeCode(ev.Symbol),
		Kind:      kind,
		Condition: model.Condition{Index: ev.Index, Name: strings.TrimSpace(ev.Name)},
		Time:      now,
	}, nil
}

// ExecutionValues is the inverse of ParseExecution, used by brokers that synthesize chejan.
func ExecutionValues(e model.Execution) map[string]string {
	status := StatusAccepted
	switch e.Status {
	case model.ExecFilled:
		status = StatusFilled
	case model.ExecConfirmed:
		status = StatusConfirmed
	}
	side, gubun := "2", "+매수"
	if e.Side == model.Sell {
		side, gubun = "1", "-매도"
	}
	switch {
	case e.Cancel && e.Side == model.Sell:
		gubun = "매도취소"
	case e.Cancel:
		gubun = "매수취소"
	}
	return map[string]string{
		FIDAccount:      e.Account,
		FIDOrderNo:      e.BrokerID,
		FIDOrigOrderNo:  e.OrigBrokerID,
		FIDCode:         "A" + e.Symbol,
		FIDName:         e.Name,
		FIDOrderStatus:  status,
		FIDOrderQty:     strconv.FormatInt(e.Qty, 10),
		FIDOrderPrice:   strconv.FormatInt(e.Price, 10),
		FIDRemaining:    strconv.FormatInt(e.Remaining, 10),
		FIDCumAmount:    strconv.FormatInt(e.CumAmount, 10),
		FIDOrderGubun:   gubun,
		FIDSide:         side,
		FIDOrderTime:    e.Time.In(market.KST()).Format("150405"),
		FIDFillPrice:    strconv.FormatInt(e.FillPrice, 10),
		FIDFillQty:      strconv.FormatInt(e.FillQty, 10),
		FIDRejectReason: e.RejectReason,
	}
}

func BalanceValues(b model.BalanceUpdate) map[string]string {
	return map[string]string{
		FIDAccount:    b.Account,
		FIDCode:       "A" + b.Symbol,
		FIDName:       b.Name,
		FIDHoldingQty: strconv.FormatInt(b.Qty, 10),
		FIDAvgCost:    strconv.FormatFloat(b.AvgCost, 'f', 2, 64),
		FIDPrice:      strconv.FormatInt(b.LastPrice, 10),
		FIDDeposit:    strconv.FormatInt(b.Deposit, 10),
	}
}

func TickValues(t model.Tick) map[string]string {
	return map[string]string{
		FIDTime:       t.Time.In(market.KST()).Format("150405"),
		FIDPrice:      strconv.FormatInt(t.Price, 10),
		FIDVolume:     strconv.FormatInt(t.Volume, 10),
		FIDCumVolume:  strconv.FormatInt(t.CumVolume, 10),
		FIDOpen:       strconv.FormatInt(t.Open, 10),
		FIDHigh:       strconv.FormatInt(t.High, 10),
		FIDLow:        strconv.FormatInt(t.Low, 10),
		FIDChangeRate: strconv.FormatFloat(t.ChangeRate, 'f', 2, 64),
	}
}
