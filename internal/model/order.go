package model

import (
	"errors"
	"fmt"
	"time"
)

type Side int

const (
	Buy  Side = 1
	Sell Side = 2
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderType is the broker's send-order code.
type OrderType int

const (
	NewBuy     OrderType = 1
	NewSell    OrderType = 2
	CancelBuy  OrderType = 3
	CancelSell OrderType = 4
	AmendBuy   OrderType = 5
	AmendSell  OrderType = 6
)

func NewOrderType(s Side) OrderType {
	if s == Sell {
		return NewSell
	}
	return NewBuy
}

func CancelOrderType(s Side) OrderType {
	if s == Sell {
		return CancelSell
	}
	return CancelBuy
}

// HogaType is the broker's price-type code.
type HogaType string

const (
	HogaLimit  HogaType = "00"
	HogaMarket HogaType = "03"
)

type OrderState int

const (
	Requested OrderState = iota
	Submitted
	Accepted
	PartiallyFilled
	Filled
	CancelRequested
	CancelAccepted
	Cancelled
	Rejected
)

var _orderStateNames = map[OrderState]string{
	Requested:       "requested",
	Submitted:       "submitted",
	Accepted:        "accepted",
	PartiallyFilled: "partially_filled",
	Filled:          "filled",
	CancelRequested: "cancel_requested",
	CancelAccepted:  "cancel_accepted",
	Cancelled:       "cancelled",
	Rejected:        "rejected",
}

func (s OrderState) String() string {
	if n, ok := _orderStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s OrderState) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

var ErrInvalidTransition = errors.New("invalid order state transition")

var _transitions = map[OrderState][]OrderState{
	Requested:       {Submitted, Accepted, Rejected, Cancelled},
	Submitted:       {Accepted, PartiallyFilled, Filled, Rejected, Cancelled},
	Accepted:        {PartiallyFilled, Filled, CancelRequested, CancelAccepted, Cancelled, Rejected},
	PartiallyFilled: {PartiallyFilled, Filled, CancelRequested, CancelAccepted, Cancelled},
	CancelRequested: {PartiallyFilled, Filled, CancelAccepted, Cancelled, Accepted},
	CancelAccepted:  {Cancelled, Filled, PartiallyFilled},
}

type SellReason string

const (
	ReasonBuy          SellReason = "buy"
	ReasonScript       SellReason = "script"
	ReasonCondition    SellReason = "condition"
	ReasonLossCut      SellReason = "loss_cut"
	ReasonEOD          SellReason = "eod"
	ReasonStopLoss     SellReason = "stop_loss"
	ReasonPreservation SellReason = "preservation"
	ReasonTakeProfit   SellReason = "take_profit"
	ReasonTrailing     SellReason = "trailing"
	ReasonExternal     SellReason = "external"
)

// OrderKey is the single-open-order key.
type OrderKey struct {
	Symbol string
	Side   Side
}

func (k OrderKey) String() string {
	return k.Symbol + "/" + k.Side.String()
}

// Order is the local record of one order from creation until a terminal state.
type Order struct {
	ID           string     `json:"id"`
	Symbol       string     `json:"symbol"`
	Name         string     `json:"name"`
	Side         Side       `json:"side"`
	Slot         int        `json:"slot"`
	State        OrderState `json:"state"`
	BrokerID     string     `json:"broker_id"`
	Qty          int64      `json:"qty"`
	FilledQty    int64      `json:"filled_qty"`
	RemainingQty int64      `json:"remaining_qty"`
	FilledAmount int64      `json:"filled_amount"`
	Price        int64      `json:"price"`
	Market       bool       `json:"market"`
	Reason       SellReason `json:"reason"`
	External     bool       `json:"external"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (o *Order) Key() OrderKey {
	return OrderKey{Symbol: o.Symbol, Side: o.Side}
}

func (o *Order) Hoga() HogaType {
	if o.Market {
		return HogaMarket
	}
	return HogaLimit
}

// AvgFillPrice is the volume weighted fill price so far.
func (o *Order) AvgFillPrice() float64 {
	if o.FilledQty == 0 {
		return 0
	}
	return float64(o.FilledAmount) / float64(o.FilledQty)
}

// Transition moves the record to the next state, rejecting moves out of terminal states and
// moves the lifecycle does not allow.
func (o *Order) Transition(to OrderState, at time.Time) error {
	if o.State == to && to != PartiallyFilled {
		return nil
	}
	if o.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, o.State)
	}
	for _, next := range _transitions[o.State] {
		if next == to {
			o.State = to
			o.UpdatedAt = at
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.State, to)
}

// ExecStatus is the chejan order status text mapped to an enum.
type ExecStatus int

const (
	ExecAccepted ExecStatus = iota + 1
	ExecFilled
	ExecConfirmed
)

func (s ExecStatus) String() string {
	switch s {
	case ExecAccepted:
		return "accepted"
	case ExecFilled:
		return "filled"
	case ExecConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Execution is one order/fill callback from the broker.
type Execution struct {
	Account      string
	BrokerID     string
	OrigBrokerID string
	Symbol       string
	Name         string
	Status       ExecStatus
	Side         Side
	Cancel       bool
	Amend        bool
	Qty          int64
	Price        int64
	Remaining    int64
	CumAmount    int64
	FillPrice    int64
	FillQty      int64
	RejectReason string
	Time         time.Time
}

// BalanceUpdate is the broker's post-trade position snapshot for one symbol.
type BalanceUpdate struct {
	Account   string
	Symbol    string
	Name      string
	Qty       int64
	AvgCost   float64
	LastPrice int64
	Deposit   int64
	Time      time.Time
}
