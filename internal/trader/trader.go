package trader

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/STTM-NSU/trading-core/internal/broker"
	"github.com/STTM-NSU/trading-core/internal/chart"
	"github.com/STTM-NSU/trading-core/internal/conclusion"
	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/executor"
	"github.com/STTM-NSU/trading-core/internal/feed"
	"github.com/STTM-NSU/trading-core/internal/journal"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/STTM-NSU/trading-core/internal/model"
	"github.com/STTM-NSU/trading-core/internal/portfolio"
	"github.com/STTM-NSU/trading-core/internal/quota"
	"github.com/STTM-NSU/trading-core/internal/reconciler"
	"github.com/STTM-NSU/trading-core/internal/script"
	"github.com/STTM-NSU/trading-core/internal/server"
	"github.com/STTM-NSU/trading-core/internal/sim"
	"github.com/STTM-NSU/trading-core/internal/strategy"
	"github.com/jmoiron/sqlx"
)

const (
	_shutdownGrace = 5 * time.Second
	_staleAfter    = 10 * time.Minute
	_simAccount    = "8000000011"
	_simSweep      = "*/10 * * * * *"
)

var ErrAccount = errors.New("account not offered by broker")

type Option func(*Trader)

// WithClock replaces the real clock of the live and synthetic modes.
func WithClock(c market.Clock) Option {
	return func(t *Trader) {
		t.clock = c
		t.wall = c
	}
}

// WithBroker replaces the bridge client in live mode.
func WithBroker(b broker.Broker) Option {
	return func(t *Trader) {
		t.raw = b
	}
}

// Trader owns every component of one trading process and their loops.
type Trader struct {
	cfg    config.Config
	logger logger.Logger
	base   logger.Logger

	// clock drives trading, wall paces replay and the operator API timeouts
	clock market.Clock
	wall  market.Clock

	ops    *sqlx.DB
	charts *sqlx.DB

	raw     broker.Broker
	broker  *broker.Gated
	session market.Session
	limiter *quota.Limiter

	ledger     *portfolio.Ledger
	lots       *conclusion.Store
	journal    *journal.Journal
	cache      *chart.Cache
	chartStore *chart.Store
	backfill   *chart.Backfiller
	sandbox    *script.Sandbox
	executor   *executor.Executor
	reconciler *reconciler.Reconciler
	engine     *strategy.Engine
	router     *feed.Router
	handler    *server.Handler

	paper    *sim.PaperBroker
	walker   *sim.Walker
	warmer   *sim.Warmer
	remote   *broker.Client
	replayer *sim.Replayer
}

// New wires the components for cfg.App.Mode. ops holds trades, conclusions, the journal and
// the holdings snapshot; charts holds the bar tables.
func New(cfg config.Config, ops, charts *sqlx.DB, log logger.Logger, opts ...Option) (*Trader, error) {
	t := &Trader{
		cfg:    cfg,
		logger: logger.Component(log, "trader"),
		base:   log,
		clock:  market.RealClock(),
		wall:   market.RealClock(),
		ops:    ops,
		charts: charts,
	}
	for _, opt := range opts {
		opt(t)
	}

	mode := cfg.App.Mode
	account := cfg.App.Account
	fees := model.FeeSchedule{FeeRate: cfg.App.FeeRateDecimal(), TaxRate: cfg.App.TaxRateDecimal()}

	t.chartStore = chart.NewStore(charts, log)

	switch mode {
	case config.ModeLive:
		if t.raw == nil {
			t.raw = broker.NewClient(cfg.Broker, log)
		}
		t.session = market.NewLiveSession(t.clock)
	case config.ModeSynthetic, config.ModeSyntheticWarmup:
		account = cmp.Or(account, _simAccount)
		t.session = market.AlwaysOpen{}
		t.buildWalker(account, log)
	case config.ModeReplay:
		account = cmp.Or(account, _simAccount)
		t.session = market.AlwaysOpen{}
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", config.ErrInvalid, mode)
	}

	var simClock *market.ManualClock
	if mode == config.ModeReplay {
		start, err := time.ParseInLocation("20060102", cfg.Sim.ReplayDate, market.KST())
		if err != nil {
			return nil, fmt.Errorf("%w: can't parse replay date", err)
		}
		simClock = market.NewManualClock(start.Add(9 * time.Hour))
		t.clock = simClock
	}
	t.journal = journal.New(ops, t.clock, log)

	if simClock != nil {
		var err error
		t.paper = sim.NewPaperBroker(account, cfg.App.InitialDeposit, simClock, log,
			sim.WithHistory(chart.NewStoredHistory(t.chartStore, simClock)))
		t.raw = t.paper
		t.replayer, err = sim.NewReplayer(t.journal, t.paper, simClock, t.wall, cfg.Sim.ReplayDate, cfg.Sim.Speed, log)
		if err != nil {
			return nil, err
		}
	}

	t.limiter = quota.NewLimiter(t.clock, log, cfg.Quota.Options()...)
	t.broker = broker.NewGated(t.raw, t.limiter)

	t.ledger = portfolio.NewLedger(account, cfg.App.InitialDeposit, fees, t.clock, ops, log)
	t.lots = conclusion.NewStore(ops, fees, log)

	t.cache = chart.NewCache(log)
	source := broker.NewChartSource(t.broker, broker.NewScreens(3000, 3099), t.clock, cfg.Broker.Retries, cfg.Broker.RetryBackoff)
	t.backfill = chart.NewBackfiller(t.cache, t.chartStore, source, t.clock, 0, log)
	t.backfill.OnWarm(func(symbol string) {
		t.logger.Debugf("chart history of %s loaded", symbol)
	})
	t.sandbox = script.NewSandbox(t.cache, cfg.Indicators, cfg.Sim.Seed, log)

	t.executor = executor.New(t.raw, t.limiter, t.session, t.clock, account, log,
		executor.WithJournal(t.journal))
	t.reconciler = reconciler.New(t.executor, t.ledger, t.lots, t.journal, t.clock, log)

	t.engine = strategy.NewEngine(cfg.Strategies, strategy.Deps{
		Portfolio: t.ledger,
		Charts:    t.cache,
		Orders:    t.executor,
		Broker:    t.broker,
		Scripts:   t.sandbox,
		Session:   t.session,
		Clock:     t.clock,
	}, log)
	t.reconciler.SetListener(t.engine)

	deps := feed.Deps{
		Charts:     t.cache,
		Ledger:     t.ledger,
		Strategies: t.engine,
		Backfill:   t.backfill,
		Broker:     t.broker,
		Callbacks:  t.reconciler,
		Clock:      t.clock,
	}
	// a replay reads the journal of its day, it must not write into it
	if mode != config.ModeReplay {
		deps.Journal = t.journal
	}
	if s, ok := t.session.(*market.LiveSession); ok {
		deps.Session = s
	}
	if t.replayer != nil {
		deps.Rewind = t.rewind
		t.replayer.OnReset(t.paper.Rewind)
	}
	t.router = feed.New(deps, log)

	t.handler = &server.Handler{
		Portfolio:  t.ledger,
		Orders:     t.executor,
		Strategies: t.engine,
		Reports:    t.lots,
		Clock:      t.clock,
		Mode:       mode.String(),
		Logger:     log,
	}
	if t.replayer != nil {
		t.handler.Replay = t.replayer
	}
	return t, nil
}

// rewind clears what the replayed day built up. It runs on the event pump after the paper
// broker has started over, so every callback of the abandoned run has been handled.
func (t *Trader) rewind(ctx context.Context) {
	t.cache.Reset()
	t.router.Forget()
	t.ledger.Reset(t.cfg.App.InitialDeposit)
	t.engine.ResetDay()
	dropped := t.executor.Abandon()
	n, err := t.lots.Discard(ctx, t.cfg.Sim.ReplayDate)
	if err != nil {
		t.logger.Errorf("%s: error discarding replayed conclusions", err)
	}
	t.logger.Infof("replay restarted: %d orders dropped, %d conclusion rows discarded", dropped, n)
}

// buildWalker sets up the paper broker and the synthetic walk. The walk raises the buy and
// sell conditions the strategies subscribe to.
func (t *Trader) buildWalker(account string, log logger.Logger) {
	var signals sim.Signals
	for _, s := range t.cfg.Strategies {
		if s.Err != nil || s.Disabled {
			continue
		}
		if !s.BuyCondition.IsZero() {
			signals.Buy = append(signals.Buy, s.BuyCondition)
		}
		if !s.SellCondition.IsZero() {
			signals.Sell = append(signals.Sell, s.SellCondition)
		}
	}

	opts := []sim.WalkerOption{
		sim.WithPacing(t.cfg.Sim.TicksPerSecond),
		sim.WithSignals(signals),
	}
	if t.cfg.App.Mode == config.ModeSyntheticWarmup {
		opts = append(opts, sim.WithEnterHook(func(symbol string) {
			if t.warmer != nil {
				t.warmer.Request(symbol)
			}
		}))
	}

	t.paper = sim.NewPaperBroker(account, t.cfg.App.InitialDeposit, t.clock, log)
	t.walker = sim.NewWalker(t.paper, t.clock, t.cfg.Sim.Seed, log, opts...)
	for _, symbol := range t.cfg.Sim.Universe {
		t.walker.Add(symbol, 0)
	}
	sim.WithHistory(t.walker)(t.paper)
	t.raw = t.paper

	if t.cfg.App.Mode == config.ModeSyntheticWarmup {
		t.remote = broker.NewClient(t.cfg.Broker, log)
		remote := broker.NewGated(t.remote, quota.NewLimiter(t.clock, log, t.cfg.Quota.Options()...))
		source := broker.NewChartSource(remote, broker.NewScreens(3100, 3199), t.clock, t.cfg.Broker.Retries, t.cfg.Broker.RetryBackoff)
		t.warmer = sim.NewWarmer(t.walker, source, t.cfg.Sim.WarmupBars, log)
	}
}

func (t *Trader) Handler() *server.Handler {
	return t.handler
}

// Setup creates the tables and restores state that survives restarts.
func (t *Trader) Setup(ctx context.Context) error {
	if err := t.ledger.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: can't migrate ledger", err)
	}
	if err := t.lots.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: can't migrate conclusions", err)
	}
	if err := t.journal.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: can't migrate journal", err)
	}
	if err := t.chartStore.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: can't migrate chart db", err)
	}

	// simulated brokers start flat, an old snapshot would not match them
	if t.cfg.App.Mode == config.ModeLive {
		restored, err := t.ledger.LoadFromDB(ctx)
		if err != nil {
			return fmt.Errorf("%w: can't restore holdings", err)
		}
		if restored {
			s := t.ledger.Recompute()
			t.logger.Infof("restored %d holdings, deposit %d", s.Holdings, s.Deposit)
		}
	}

	if t.replayer != nil {
		if err := t.replayer.Load(ctx); err != nil {
			return fmt.Errorf("%w: can't load replay of %s", err, t.cfg.Sim.ReplayDate)
		}
		st := t.replayer.Status()
		t.logger.Infof("replay of %s loaded: %d items", st.Date, st.Total)
	}
	return nil
}

// connect logs in and checks the configured account.
func (t *Trader) connect(ctx context.Context) error {
	if err := t.raw.Connect(ctx); err != nil {
		return fmt.Errorf("%w: can't connect broker", err)
	}
	info, err := t.raw.LoginInfo(ctx)
	if err != nil {
		return fmt.Errorf("%w: can't get login info", err)
	}
	if t.cfg.App.Mode == config.ModeLive {
		if !slices.Contains(info.Accounts, t.cfg.App.Account) {
			return fmt.Errorf("%w: %s", ErrAccount, t.cfg.App.Account)
		}
		if info.Mock {
			t.logger.Warnf("broker is connected to the mock investment server")
		}
	}
	if err := t.raw.LoadConditions(ctx); err != nil {
		return fmt.Errorf("%w: can't load conditions", err)
	}
	if t.cfg.App.Mode == config.ModeLive {
		if err := t.router.SubscribeSession(ctx); err != nil {
			t.logger.Errorf("%s: error subscribing market phase, using the nominal schedule", err)
		}
	}
	t.logger.Infof("broker ready, accounts %v", info.Accounts)
	return nil
}

// Schedule registers the wall clock jobs.
func (t *Trader) Schedule(s *Scheduler) error {
	sweep := SpecEODSweep
	if t.cfg.App.Mode.Simulated() {
		sweep = _simSweep
	}
	jobs := []struct {
		name, spec string
		job        func(context.Context)
	}{
		{"daily_reset", SpecDailyReset, t.resetDay},
		{"aggregate", SpecAggregate, t.aggregate},
		{"eod_sweep", sweep, func(context.Context) { t.engine.SweepEOD() }},
	}
	for _, j := range jobs {
		if err := s.Add(j.name, j.spec, j.job); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trader) resetDay(context.Context) {
	t.engine.ResetDay()
	t.executor.Reset()
	t.router.Forget()
}

func (t *Trader) aggregate(context.Context) {
	s := t.ledger.Recompute()
	t.logger.Infof("portfolio: %d holdings, cost %d, value %d, deposit %d, p/l %d (%.2f%%)",
		s.Holdings, s.TotalCost, s.MarketValue, s.Deposit, s.ProfitLoss, s.ReturnPct)
	for _, o := range t.executor.Stale(_staleAfter) {
		t.logger.With("incident", "stale_order").Warnf("order %s %s %s untouched since %s",
			o.ID, o.Side, o.Symbol, o.UpdatedAt.Format(time.TimeOnly))
	}
}

// Run starts every loop, connects the broker and blocks until ctx is done. Shutdown stops the
// strategies, gives the loops a grace period and persists what is left.
func (t *Trader) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(runCtx)
		}()
	}

	spawn(func(ctx context.Context) { t.router.Run(ctx, t.broker.Events()) })
	spawn(t.executor.Run)
	spawn(t.reconciler.Run)
	spawn(t.journal.Run)
	spawn(t.ledger.Run)
	spawn(t.backfill.Run)
	spawn(func(ctx context.Context) { t.chartStore.Run(ctx, t.cache, t.cfg.Storage.FlushInterval) })

	if err := t.connect(runCtx); err != nil {
		cancel()
		wg.Wait()
		return err
	}
	if err := t.engine.Start(runCtx); err != nil {
		t.logger.Errorf("%s: error starting strategies", err)
	}

	t.startProducers(runCtx, spawn)

	scheduler := NewScheduler(runCtx, t.base)
	if err := t.Schedule(scheduler); err != nil {
		cancel()
		wg.Wait()
		return err
	}
	scheduler.Start()

	api := server.NewHTTPServer(runCtx, t.cfg.App.HTTPPort, server.NewEngine(t.handler, t.cfg.App.LogLevel == "debug"), t.base)
	spawn(func(ctx context.Context) {
		if err := api.Run(ctx); err != nil {
			t.logger.Errorf("%s: error serving operator api", err)
		}
	})

	<-ctx.Done()
	t.logger.Infoln("start graceful shutdown")

	graceCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), _shutdownGrace)
	defer stop()

	scheduler.Stop()
	if err := t.engine.Stop(graceCtx); err != nil {
		t.logger.Errorf("%s: error stopping strategies", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-graceCtx.Done():
		t.logger.Warnf("loops did not stop within %s", _shutdownGrace)
	}

	persistCtx, stopPersist := context.WithTimeout(context.WithoutCancel(ctx), _shutdownGrace)
	defer stopPersist()
	t.Persist(persistCtx)

	if err := t.raw.Disconnect(); err != nil {
		t.logger.Errorf("%s: error disconnecting broker", err)
	}
	if t.remote != nil {
		_ = t.remote.Disconnect()
	}
	return nil
}

// startProducers runs the simulated market of the synthetic and replay modes.
func (t *Trader) startProducers(ctx context.Context, spawn func(func(context.Context))) {
	if t.warmer != nil {
		if err := t.remote.Connect(ctx); err != nil {
			t.logger.Errorf("%s: error connecting chart source, walks keep default parameters", err)
		} else {
			spawn(t.drainRemote)
			t.warmer.Prime(ctx)
		}
		spawn(t.warmer.Run)
	}
	if t.walker != nil {
		spawn(t.walker.Run)
	}
	if t.replayer != nil {
		if err := t.replayer.Play(); err != nil {
			t.logger.Errorf("%s: error starting replay", err)
		}
		spawn(func(ctx context.Context) {
			select {
			case <-ctx.Done():
			case <-t.replayer.Done():
				t.logger.Infof("replay of %s finished", t.cfg.Sim.ReplayDate)
			}
		})
	}
}

// drainRemote empties the callback stream of the chart-only bridge connection.
func (t *Trader) drainRemote(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.remote.Events():
			if !ok {
				return
			}
			if m, isMsg := ev.(broker.Message); isMsg {
				t.logger.Debugf("chart source message %s: %s", m.TRCode, m.Msg)
			}
		}
	}
}

// Persist flushes buffered state and drops rows older than the retention.
func (t *Trader) Persist(ctx context.Context) {
	if err := t.ledger.FlushToDB(ctx); err != nil {
		t.logger.Errorf("%s: error flushing holdings", err)
	}
	if err := t.journal.Flush(ctx); err != nil {
		t.logger.Errorf("%s: error flushing journal", err)
	}
	if err := t.chartStore.Flush(ctx, t.cache); err != nil {
		t.logger.Errorf("%s: error flushing charts", err)
	}

	cutoff := t.clock.Now().Add(-t.cfg.Storage.Retention)
	day := market.TradingDay(cutoff)
	if n, err := t.journal.Purge(ctx, day); err != nil {
		t.logger.Errorf("%s: error purging journal", err)
	} else if n > 0 {
		t.logger.Infof("purged %d journal rows before %s", n, day)
	}
	if n, err := t.lots.Purge(ctx, day); err != nil {
		t.logger.Errorf("%s: error purging conclusions", err)
	} else if n > 0 {
		t.logger.Infof("purged %d conclusion rows before %s", n, day)
	}
	if n, err := t.chartStore.Purge(ctx, cutoff); err != nil {
		t.logger.Errorf("%s: error purging charts", err)
	} else if n > 0 {
		t.logger.Infof("purged %d chart rows before %s", n, day)
	}
}
