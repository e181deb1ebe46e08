// Package engine assembles the trading runtime: feed connection, market data
// dispatch, quote and position state, order lifecycle, strategies, and the
// optional session journal.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/deepterminal/deepterminal/config"
	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/broker"
	"github.com/deepterminal/deepterminal/internal/coordinator"
	"github.com/deepterminal/deepterminal/internal/dispatcher"
	"github.com/deepterminal/deepterminal/internal/feed"
	"github.com/deepterminal/deepterminal/internal/journal"
	"github.com/deepterminal/deepterminal/internal/ledger"
	"github.com/deepterminal/deepterminal/internal/positions"
	"github.com/deepterminal/deepterminal/internal/quotestore"
	"github.com/deepterminal/deepterminal/internal/risk"
	"github.com/deepterminal/deepterminal/internal/schema"
	"github.com/deepterminal/deepterminal/internal/strategy"
	"github.com/deepterminal/deepterminal/internal/strategy/js"
	"github.com/deepterminal/deepterminal/internal/telemetry"
)

// marketView exposes read-only quote and position state to strategies.
type marketView struct {
	quotes *quotestore.Store
	book   *positions.Book
}

func (v *marketView) Quote(instrument schema.Instrument) (schema.Quote, bool) {
	return v.quotes.Get(instrument)
}

func (v *marketView) Position(instrument schema.Instrument) (positions.Position, bool) {
	return v.book.Get(instrument)
}

// Engine owns the wiring between the feed, the market data path, the order
// lifecycle, and the strategy runner. Construct with New, then Start, then
// Close in reverse.
type Engine struct {
	cfg     config.Config
	logger  *log.Logger
	metrics *telemetry.EngineMetrics

	quotes      *quotestore.Store
	book        *positions.Book
	ledger      *ledger.Ledger
	broker      broker.Broker
	coordinator *coordinator.Coordinator
	dispatcher  *dispatcher.Dispatcher
	runner      *strategy.Runner
	registry    *strategy.Registry
	scripts     *js.Loader
	risk        *risk.Manager

	feed    *feed.Connection
	journal *journal.Journal

	cancel      context.CancelFunc
	quoteCancel func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
	startOnce   sync.Once
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithBroker substitutes the broker client. The default is the Upstox REST
// client built from the broker config.
func WithBroker(b broker.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// New builds a stopped engine from configuration. Strategies declared in the
// config are registered immediately so a bad strategy fails boot rather than
// the first tick.
func New(cfg config.Config, metrics *telemetry.EngineMetrics, logger *log.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = log.Default()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		quotes:  quotestore.New(),
		book:    positions.NewBook(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	if e.broker == nil {
		client, err := broker.NewUpstoxClient(cfg.Broker.AccessToken,
			broker.WithBaseURL(cfg.Broker.BaseURL),
			broker.WithMaxAttempts(cfg.Broker.MaxAttempts),
			broker.WithMetrics(metrics))
		if err != nil {
			return nil, err
		}
		e.broker = client
	}

	e.ledger = ledger.New(
		ledger.WithUpdateBuffer(cfg.Engine.UpdateBuffer),
		ledger.WithLogger(logger))

	coordOpts := []coordinator.Option{
		coordinator.WithSubmitTimeout(cfg.Broker.SubmitTimeout),
		coordinator.WithRateLimit(rate.Limit(cfg.Broker.RateLimit), cfg.Broker.RateBurst),
		coordinator.WithLogger(logger),
		coordinator.WithFillHook(e.onFill),
	}
	if cfg.Risk.Enabled() {
		e.risk = risk.NewManager(cfg.Risk, e.book)
		coordOpts = append(coordOpts, coordinator.WithPreTradeCheck(e.risk.CheckOrder))
	}
	e.coordinator = coordinator.New(e.ledger, e.broker, metrics, coordOpts...)

	e.dispatcher = dispatcher.New(e.quotes, metrics, logger,
		dispatcher.WithSubscriberBuffer(cfg.Engine.SubscriberBuffer),
		dispatcher.WithQuoteHook(e.onQuoteChanged),
		dispatcher.WithOrderEventHook(e.onOrderEvent))

	env := &strategy.Env{
		Trader: e.coordinator,
		Market: &marketView{quotes: e.quotes, book: e.book},
		Logger: logger,
	}
	e.runner = strategy.NewRunner(env, metrics, logger,
		strategy.WithCallbackBudget(cfg.Engine.CallbackBudget),
		strategy.WithMaxOverruns(cfg.Engine.MaxOverruns))

	e.registry = strategy.NewRegistry()
	if cfg.Engine.ScriptDir != "" {
		loader, err := js.NewLoader(cfg.Engine.ScriptDir)
		if err != nil {
			return nil, err
		}
		if err := loader.Refresh(); err != nil {
			return nil, err
		}
		e.scripts = loader
	}

	for _, spec := range cfg.Strategies {
		if err := e.registerSpec(spec); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *Engine) registerSpec(spec config.StrategySpec) error {
	var (
		s   strategy.Strategy
		err error
	)
	switch {
	case spec.Script != "":
		s, err = e.buildScripted(spec)
	default:
		s, err = e.registry.Build(spec.Name, spec.Params)
	}
	if err != nil {
		return fmt.Errorf("strategy %s: %w", spec.ID, err)
	}
	if err := e.runner.Register(spec.ID, s); err != nil {
		return err
	}
	return nil
}

func (e *Engine) buildScripted(spec config.StrategySpec) (strategy.Strategy, error) {
	if e.scripts == nil {
		return nil, errs.New("engine/strategy", errs.CodeInvalid,
			errs.WithMessage("script strategies require engine.scriptDir"))
	}
	module, ok := e.scripts.Lookup(spec.Script)
	if !ok {
		return nil, errs.New("engine/strategy", errs.CodeNotFound,
			errs.WithMessage("script module "+spec.Script+" not found under "+e.scripts.Root()))
	}
	return js.NewStrategy(module, spec.Params, e.logger)
}

// onQuoteChanged runs on the dispatcher's consumer goroutine for every
// accepted quote change: the position book re-marks first, then strategies
// learn about their moved position.
func (e *Engine) onQuoteChanged(quote schema.Quote) {
	if pos, ok := e.book.OnQuoteChanged(quote); ok {
		e.runner.NotifyPosition(pos)
	}
}

// onFill applies a confirmed execution to the position book and notifies
// strategies of the resulting position.
func (e *Engine) onFill(fill schema.Fill, _ schema.Order) {
	pos := e.book.OnFill(fill)
	e.runner.NotifyPosition(pos)
}

func (e *Engine) onOrderEvent(ev schema.OrderEvent) {
	e.coordinator.HandleOrderEvent(context.Background(), ev)
}

// Start connects the feed, subscribes the configured instruments, and starts
// the dispatch and strategy loops. It returns once the feed is live.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel

		jnl, err := journal.Open(ctx, e.cfg.Journal.DSN, e.logger)
		if err != nil {
			startErr = err
			return
		}
		e.journal = jnl
		// The journal drains on ledger close rather than context cancel so
		// shutdown never loses recorded transitions.
		e.journal.Run(context.Background(), e.ledger.Updates())

		conn, err := feed.NewConnection(e.cfg.Feed.URL, e.feedToken(),
			feed.WithLogger(e.logger),
			feed.WithFrameBuffer(e.cfg.Feed.FrameBuffer),
			feed.WithPingInterval(e.cfg.Feed.PingInterval))
		if err != nil {
			startErr = err
			return
		}

		instruments, err := e.cfg.ParsedInstruments()
		if err != nil {
			startErr = err
			return
		}
		if err := conn.Subscribe(instruments...); err != nil {
			startErr = err
			return
		}
		if err := conn.Start(ctx); err != nil {
			startErr = err
			return
		}
		e.feed = conn

		quotesCh, quoteCancel := e.dispatcher.Subscribe("strategy-runner")
		e.quoteCancel = quoteCancel

		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			e.dispatcher.Run(runCtx, conn.Frames())
		}()
		go func() {
			defer e.wg.Done()
			e.runner.Run(runCtx, quotesCh)
		}()
	})
	return startErr
}

func (e *Engine) feedToken() string {
	if e.cfg.Feed.Token != "" {
		return e.cfg.Feed.Token
	}
	return e.cfg.Broker.AccessToken
}

// Submit places an order through the lifecycle coordinator.
func (e *Engine) Submit(ctx context.Context, req schema.OrderRequest) (schema.Order, error) {
	return e.coordinator.Submit(ctx, req)
}

// Cancel requests cancellation of a working order.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	return e.coordinator.Cancel(ctx, orderID)
}

// Quotes exposes the quote store for read access.
func (e *Engine) Quotes() *quotestore.Store { return e.quotes }

// Positions exposes the position book for read access.
func (e *Engine) Positions() *positions.Book { return e.book }

// Orders exposes the order ledger for read access.
func (e *Engine) Orders() *ledger.Ledger { return e.ledger }

// FeedStatus reports connection lifecycle changes. Nil before Start.
func (e *Engine) FeedStatus() <-chan schema.FeedStatus {
	if e.feed == nil {
		return nil
	}
	return e.feed.Status()
}

// StrategyIDs lists the currently registered strategies.
func (e *Engine) StrategyIDs() []string { return e.runner.StrategyIDs() }

// Watch adds instruments to the live subscription set.
func (e *Engine) Watch(instruments ...schema.Instrument) error {
	if e.feed == nil {
		return errs.New("engine/watch", errs.CodeUnavailable,
			errs.WithMessage("engine not started"))
	}
	return e.feed.Subscribe(instruments...)
}

// Unwatch removes instruments from the live subscription set.
func (e *Engine) Unwatch(instruments ...schema.Instrument) error {
	if e.feed == nil {
		return errs.New("engine/watch", errs.CodeUnavailable,
			errs.WithMessage("engine not started"))
	}
	return e.feed.Unsubscribe(instruments...)
}

// Close tears the engine down: the feed stops first so no new work arrives,
// in-flight broker calls drain, then the ledger update stream closes and the
// journal flushes.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.feed != nil {
			e.feed.Close()
		}
		if e.cancel != nil {
			e.cancel()
		}
		if e.quoteCancel != nil {
			e.quoteCancel()
		}
		e.coordinator.Close()
		e.wg.Wait()
		e.ledger.Close()
		e.journal.Close()
	})
}
