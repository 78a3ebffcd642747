package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"resty.dev/v3"
)

const (
	_connectURL         = "/connect"
	_disconnectURL      = "/disconnect"
	_loginInfoURL       = "/login-info"
	_loadConditionsURL  = "/conditions/load"
	_conditionsURL      = "/conditions"
	_subscribeCondURL   = "/conditions/subscribe"
	_unsubscribeCondURL = "/conditions/unsubscribe"
	_subscribeRealURL   = "/real/subscribe"
	_unsubscribeRealURL = "/real/unsubscribe"
	_sendOrderURL       = "/orders"
	_trURL              = "/tr"

	_eventsBuffer = 4096
)

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type okResponse struct {
	Code int `json:"code"`
}

// Client talks to the out-of-process bridge that hosts the vendor control. Requests go over
// HTTP, callbacks arrive on a websocket.
type Client struct {
	c      *resty.Client
	cfg    config.BrokerConfig
	logger logger.Logger

	events    chan Event
	connected atomic.Bool

	mu      sync.Mutex
	waiters map[string]chan TRData
	loaded  chan ConditionLoaded

	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(cfg config.BrokerConfig, log logger.Logger) *Client {
	l := logger.Component(log, "broker")
	client := resty.New().
		SetLogger(l).
		SetBaseURL(cfg.Address).
		SetTimeout(cfg.TRTimeout)

	return &Client{
		c:       client,
		cfg:     cfg,
		logger:  l,
		events:  make(chan Event, _eventsBuffer),
		waiters: make(map[string]chan TRData),
	}
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	if result == nil {
		result = &okResponse{}
	}
	req := c.c.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		SetError(&errorResponse{})

	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("%w: can't send request %s", err, path)
	}
	defer resp.Body.Close()

	c.logger.Debugf("got response %s status: %s, %s", resp.Request.URL, resp.Status(), resp.Duration())

	if resp.IsError() {
		e := resp.Error().(*errorResponse)
		return fmt.Errorf("%w: %s (%d)", ErrRejected, e.Message, e.Code)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("bridge unexpected status %s on %s", resp.Status(), path)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	resp, err := c.c.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&errorResponse{}).
		Get(path)
	if err != nil {
		return fmt.Errorf("%w: can't send request %s", err, path)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		e := resp.Error().(*errorResponse)
		return fmt.Errorf("%w: %s (%d)", ErrRejected, e.Message, e.Code)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("bridge unexpected status %s on %s", resp.Status(), path)
	}
	return nil
}

// Connect opens the event stream, asks the bridge to log in and waits for on-connect.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return err
	}
	go c.stream(streamCtx, conn)

	if err := c.post(ctx, _connectURL, struct{}{}, nil); err != nil {
		cancel()
		return err
	}

	timer := time.NewTimer(c.cfg.ConditionTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: waiting for login", ErrTimeout)
		case <-time.After(100 * time.Millisecond):
			if c.connected.Load() {
				return nil
			}
		}
	}
}

func (c *Client) Disconnect() error {
	c.connected.Store(false)
	err := c.post(context.Background(), _disconnectURL, struct{}{}, nil)
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return err
}

func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.cfg.Address)
	if err != nil {
		return "", fmt.Errorf("%w: bad bridge address", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.cfg.EventsPath
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	addr, err := c.eventsURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: can't dial %s", err, addr)
	}
	return conn, nil
}

// stream reads frames until ctx ends, reconnecting after ReconnectDelay on failures.
func (c *Client) stream(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	for {
		if conn != nil {
			c.read(ctx, conn)
			_ = conn.Close()
			conn = nil
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
		var err error
		if conn, err = c.dial(ctx); err != nil {
			c.logger.Errorf("%s: error reconnecting to bridge", err)
		}
	}
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warnf("%s: bridge stream closed", err)
			}
			return
		}
		var f frame
		if err := sonic.Unmarshal(data, &f); err != nil {
			c.logger.Errorf("%s: error decoding bridge frame", err)
			continue
		}
		ev, ok := f.event()
		if !ok {
			c.logger.Warnf("unknown bridge frame type %q", f.Type)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev Event) {
	switch e := ev.(type) {
	case Connected:
		c.connected.Store(e.Code == 0)
	case TRData:
		c.mu.Lock()
		w, ok := c.waiters[e.Screen]
		c.mu.Unlock()
		if ok {
			w <- e
			return
		}
	case ConditionLoaded:
		c.mu.Lock()
		w := c.loaded
		c.mu.Unlock()
		if w != nil {
			select {
			case w <- e:
			default:
			}
		}
	}
	select {
	case c.events <- ev:
	default:
		c.logger.With("incident", "event_overflow").Errorf("event buffer full, dropping %T", ev)
	}
}

func (c *Client) ready() error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) LoginInfo(ctx context.Context) (LoginInfo, error) {
	var info LoginInfo
	if err := c.ready(); err != nil {
		return info, err
	}
	if err := c.get(ctx, _loginInfoURL, &info); err != nil {
		return info, err
	}
	return info, nil
}

// LoadConditions asks for the condition screens and waits for on-condition-loaded.
func (c *Client) LoadConditions(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	w := make(chan ConditionLoaded, 1)
	c.mu.Lock()
	c.loaded = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.loaded = nil
		c.mu.Unlock()
	}()

	if err := c.post(ctx, _loadConditionsURL, struct{}{}, nil); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConditionTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: loading conditions", ErrTimeout)
	case ev := <-w:
		if !ev.OK {
			return fmt.Errorf("%w: %s", ErrRejected, ev.Msg)
		}
		return nil
	}
}

func (c *Client) Conditions(ctx context.Context) ([]model.Condition, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var out []model.Condition
	if err := c.get(ctx, _conditionsURL, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type conditionRequest struct {
	Screen string `json:"screen"`
	Name   string `json:"name"`
	Index  int    `json:"index"`
	Mode   int    `json:"mode"`
}

func (c *Client) SubscribeCondition(ctx context.Context, screen string, cond model.Condition, realtime bool) error {
	if err := c.ready(); err != nil {
		return err
	}
	mode := 0
	if realtime {
		mode = 1
	}
	return c.post(ctx, _subscribeCondURL, conditionRequest{Screen: screen, Name: cond.Name, Index: cond.Index, Mode: mode}, nil)
}

func (c *Client) UnsubscribeCondition(ctx context.Context, screen string, cond model.Condition) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.post(ctx, _unsubscribeCondURL, conditionRequest{Screen: screen, Name: cond.Name, Index: cond.Index}, nil)
}

type realRequest struct {
	Screen  string   `json:"screen"`
	Symbols []string `json:"symbols,omitempty"`
	Symbol  string   `json:"symbol,omitempty"`
	FIDs    string   `json:"fids,omitempty"`
	Mode    string   `json:"mode,omitempty"`
}

func (c *Client) SubscribeReal(ctx context.Context, screen string, symbols []string, fids string, add bool) error {
	if err := c.ready(); err != nil {
		return err
	}
	mode := "0"
	if add {
		mode = "1"
	}
	return c.post(ctx, _subscribeRealURL, realRequest{Screen: screen, Symbols: symbols, FIDs: fids, Mode: mode}, nil)
}

func (c *Client) UnsubscribeReal(ctx context.Context, screen, symbol string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.post(ctx, _unsubscribeRealURL, realRequest{Screen: screen, Symbol: symbol}, nil)
}

func (c *Client) SendOrder(ctx context.Context, req OrderRequest) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.post(ctx, _sendOrderURL, req, nil)
}

// Request sends a TR and waits for its on-tr-data on the same screen.
func (c *Client) Request(ctx context.Context, req TRRequest) (TRResponse, error) {
	if err := c.ready(); err != nil {
		return TRResponse{}, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.TRTimeout
	}

	w := make(chan TRData, 1)
	c.mu.Lock()
	c.waiters[req.Screen] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, req.Screen)
		c.mu.Unlock()
	}()

	if err := c.post(ctx, _trURL, req, nil); err != nil {
		return TRResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return TRResponse{}, fmt.Errorf("%w: %s %s", ErrTimeout, req.TRCode, req.Name)
	case data := <-w:
		return TRResponse{Records: data.Records, Next: data.Next}, nil
	}
}
