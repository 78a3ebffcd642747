package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/STTM-NSU/trading-core/internal/broker"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/strategy"
)

// a real-data screen carries at most this many symbols
const _symbolsPerScreen = 100

type Charts interface {
	Apply(t model.Tick) bool
}

type Ledger interface {
	Value(symbol string, last int64) (model.Holding, bool)
}

type Strategies interface {
	Owner(c model.Condition) (strategy.Route, bool)
	PostCondition(ev model.ConditionEvent) bool
	PostTick(t model.Tick) int
}

type Backfill interface {
	Request(symbol string) bool
}

type Subscriber interface {
	SubscribeReal(ctx context.Context, screen string, symbols []string, fids string, add bool) error
}

type Journal interface {
	RecordCondition(ctx context.Context, ev model.ConditionEvent) error
	MarkCandidate(ctx context.Context, symbol string) error
	RecordTick(t model.Tick)
}

// Callbacks receives order and balance callbacks, the reconciler inbox.
type Callbacks interface {
	PostExecution(ctx context.Context, x model.Execution) error
	PostBalance(ctx context.Context, b model.BalanceUpdate) error
}

type PhaseSetter interface {
	Set(p market.Phase)
}

type Deps struct {
	Charts     Charts
	Ledger     Ledger
	Strategies Strategies
	Backfill   Backfill
	Broker     Subscriber
	Journal    Journal
	Callbacks  Callbacks
	// Session is nil in simulation, where the session is always open.
	Session PhaseSetter
	Clock   market.Clock
	// Rewind runs when a replayed day starts over. Nil outside replay.
	Rewind func(ctx context.Context)
}

// Router is the single consumer of broker callbacks. Ticks go to the chart cache, then the
// ledger, then the strategies; conditions go to the owning strategy; chejan goes to the
// reconciler.
type Router struct {
	deps    Deps
	logger  logger.Logger
	screens *broker.Screens

	mu         sync.Mutex
	subscribed map[string]string
	screen     string
	onScreen   int
}

func New(deps Deps, log logger.Logger) *Router {
	return &Router{
		deps:       deps,
		logger:     logger.Component(log, "feed"),
		screens:    broker.NewScreens(5000, 5099),
		subscribed: make(map[string]string),
	}
}

func (r *Router) Run(ctx context.Context, events <-chan broker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.logger.Warnf("broker event stream closed")
				return
			}
			r.Dispatch(ctx, ev)
		}
	}
}

func (r *Router) Dispatch(ctx context.Context, ev broker.Event) {
	now := r.deps.Clock.Now()
	switch e := ev.(type) {
	case broker.RealData:
		r.onRealData(ctx, e)
	case broker.Chejan:
		r.onChejan(ctx, e)
	case broker.RealCondition:
		c, err := broker.ParseConditionEvent(e, now)
		if err != nil {
			r.logger.Warnf("%s: error parsing condition callback", err)
			return
		}
		r.OnCondition(ctx, c)
	case broker.Rewind:
		r.logger.Infof("broker day rewound")
		if r.deps.Rewind != nil {
			r.deps.Rewind(ctx)
		}
	case broker.Connected:
		r.logger.Infof("broker connected, code %d", e.Code)
	case broker.Message:
		r.logger.Debugf("broker message %s/%s: %s", e.Name, e.TRCode, e.Msg)
	}
}

func (r *Router) onRealData(ctx context.Context, e broker.RealData) {
	switch e.RealType {
	case broker.RealTypeTick:
		t, err := broker.ParseTick(e.Symbol, e.Values, r.deps.Clock.Now())
		if err != nil {
			r.logger.Debugf("%s: skipping tick", err)
			return
		}
		r.OnTick(ctx, t)
	case broker.RealTypeSession:
		p := broker.ParseSessionPhase(e.Values)
		if r.deps.Session != nil {
			r.deps.Session.Set(p)
		}
		r.logger.Infof("market session phase %s", p)
	}
}

func (r *Router) onChejan(ctx context.Context, e broker.Chejan) {
	now := r.deps.Clock.Now()
	switch e.Gubun {
	case broker.ChejanOrder:
		x, err := broker.ParseExecution(e.Values, now)
		if err != nil {
			r.logger.Errorf("%s: error parsing order callback", err)
			return
		}
		if err := r.deps.Callbacks.PostExecution(ctx, x); err != nil {
			r.logger.Errorf("%s: error queueing order callback %s", err, x.BrokerID)
		}
	case broker.ChejanBalance:
		b, err := broker.ParseBalance(e.Values, now)
		if err != nil {
			r.logger.Errorf("%s: error parsing balance callback", err)
			return
		}
		if err := r.deps.Callbacks.PostBalance(ctx, b); err != nil {
			r.logger.Errorf("%s: error queueing balance of %s", err, b.Symbol)
		}
	default:
		r.logger.Debugf("chejan gubun %q ignored", e.Gubun)
	}
}

// OnCondition routes a condition delivery to the one strategy that subscribed it. A symbol
// entering a condition is subscribed for ticks and its history is backfilled.
func (r *Router) OnCondition(ctx context.Context, ev model.ConditionEvent) {
	if r.deps.Journal != nil {
		if err := r.deps.Journal.RecordCondition(ctx, ev); err != nil {
			r.logger.Errorf("%s: error journaling condition hit", err)
		}
	}
	route, ok := r.deps.Strategies.Owner(ev.Condition)
	if !ok {
		r.logger.With("incident", "condition_mismatch").Warnf("no strategy owns condition %s (%s %s)",
			ev.Condition, ev.Symbol, ev.Kind)
		return
	}
	if ev.Kind == model.ConditionIn {
		if err := r.Watch(ctx, ev.Symbol); err != nil {
			r.logger.Errorf("%s: error subscribing %s", err, ev.Symbol)
		}
		if r.deps.Journal != nil {
			if err := r.deps.Journal.MarkCandidate(ctx, ev.Symbol); err != nil {
				r.logger.Errorf("%s: error marking candidate %s", err, ev.Symbol)
			}
		}
	}
	if !r.deps.Strategies.PostCondition(ev) {
		r.logger.Debugf("condition %s for %s not taken by slot %d", ev.Condition, ev.Symbol, route.Slot)
	}
}

// OnTick applies t to the chart, values the holding and then wakes the strategies.
func (r *Router) OnTick(_ context.Context, t model.Tick) {
	if !r.deps.Charts.Apply(t) {
		return
	}
	r.deps.Ledger.Value(t.Symbol, t.Price)
	if r.deps.Journal != nil {
		r.deps.Journal.RecordTick(t)
	}
	r.deps.Strategies.PostTick(t)
}

// Watch subscribes symbol to tick data once and requests its chart history.
func (r *Router) Watch(ctx context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribed[symbol]; ok {
		return nil
	}
	if r.screen == "" || r.onScreen >= _symbolsPerScreen {
		r.screen = r.screens.Next()
		r.onScreen = 0
	}
	if err := r.deps.Broker.SubscribeReal(ctx, r.screen, []string{symbol}, broker.TickFIDs, true); err != nil {
		return fmt.Errorf("%w: can't subscribe real data of %s", err, symbol)
	}
	r.subscribed[symbol] = r.screen
	r.onScreen++
	if r.deps.Backfill != nil {
		r.deps.Backfill.Request(symbol)
	}
	return nil
}

// SubscribeSession asks for market phase pushes.
func (r *Router) SubscribeSession(ctx context.Context) error {
	if err := r.deps.Broker.SubscribeReal(ctx, r.screens.Next(), []string{""}, broker.SessionFIDs, true); err != nil {
		return fmt.Errorf("%w: can't subscribe session phase", err)
	}
	return nil
}

func (r *Router) Subscribed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribed)
}

// Forget clears the subscription bookkeeping after the broker dropped real data, at day change
// or reconnect.
func (r *Router) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = make(map[string]string)
	r.screen = ""
	r.onScreen = 0
}
