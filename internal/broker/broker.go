package broker

import (
	"context"
	"errors"
	"time"

	"github.com/STTM-NSU/trading-core/internal/model"
)

var (
	ErrTimeout      = errors.New("broker request timed out")
	ErrNotConnected = errors.New("broker not connected")
	ErrRejected     = errors.New("broker rejected request")
)

const (
	RealTypeTick    = "주식체결"
	RealTypeSession = "장시작시간"

	ChejanOrder   = "0"
	ChejanBalance = "1"

	// real data FID lists requested on subscribe
	TickFIDs    = "20;10;11;12;13;15;16;17;18"
	SessionFIDs = "215;20;214"
)

type LoginInfo struct {
	Accounts []string `json:"accounts"`
	Mock     bool     `json:"mock"`
}

// TRRequest is a transaction request; results come back as one or more pages.
type TRRequest struct {
	Name    string            `json:"name"`
	TRCode  string            `json:"tr_code"`
	Inputs  map[string]string `json:"inputs"`
	Outputs []string          `json:"outputs"`
	Next    bool              `json:"next"`
	Screen  string            `json:"screen"`
	Timeout time.Duration     `json:"-"`
}

type TRResponse struct {
	Records []map[string]string `json:"records"`
	Next    bool                `json:"next"`
}

type OrderRequest struct {
	Name        string          `json:"name"`
	Screen      string          `json:"screen"`
	Account     string          `json:"account"`
	Type        model.OrderType `json:"order_type"`
	Symbol      string          `json:"symbol"`
	Qty         int64           `json:"qty"`
	Price       int64           `json:"price"`
	Hoga        model.HogaType  `json:"hoga"`
	OrigOrderID string          `json:"orig_order_id"`
}

// Broker is the request side of the vendor API. Callbacks are delivered on Events.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	LoginInfo(ctx context.Context) (LoginInfo, error)
	LoadConditions(ctx context.Context) error
	Conditions(ctx context.Context) ([]model.Condition, error)
	SubscribeCondition(ctx context.Context, screen string, c model.Condition, realtime bool) error
	UnsubscribeCondition(ctx context.Context, screen string, c model.Condition) error
	SubscribeReal(ctx context.Context, screen string, symbols []string, fids string, add bool) error
	UnsubscribeReal(ctx context.Context, screen, symbol string) error
	SendOrder(ctx context.Context, req OrderRequest) error
	Request(ctx context.Context, req TRRequest) (TRResponse, error)
	Events() <-chan Event
}
