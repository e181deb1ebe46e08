package strategy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/positions"
	"github.com/deepterminal/deepterminal/internal/schema"
	"github.com/deepterminal/deepterminal/internal/telemetry"
)

const (
	defaultCallbackBudget = 50 * time.Millisecond
	defaultMaxOverruns    = 3
	defaultPositionBuffer = 64
)

type registration struct {
	id       string
	strategy Strategy
	overruns int
}

// Runner invokes strategy callbacks in registration order on a single
// serialized goroutine. A faulting strategy is caught, logged and evicted;
// no strategy can take down the engine.
type Runner struct {
	env     *Env
	metrics *telemetry.EngineMetrics
	logger  *log.Logger

	budget      time.Duration
	maxOverruns int

	mu   sync.Mutex
	regs []*registration

	positionCh chan positions.Position
}

// Option configures the runner.
type Option func(*Runner)

// WithCallbackBudget sets the per-callback time budget.
func WithCallbackBudget(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.budget = d
		}
	}
}

// WithMaxOverruns sets how many consecutive budget overruns evict a strategy.
func WithMaxOverruns(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxOverruns = n
		}
	}
}

// WithPositionBuffer sizes the position update buffer.
func WithPositionBuffer(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.positionCh = make(chan positions.Position, n)
		}
	}
}

// NewRunner constructs a runner delivering events to strategies with env.
func NewRunner(env *Env, metrics *telemetry.EngineMetrics, logger *log.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	if env == nil {
		env = &Env{}
	}
	if env.Logger == nil {
		env.Logger = logger
	}
	r := &Runner{
		env:         env,
		metrics:     metrics,
		logger:      logger,
		budget:      defaultCallbackBudget,
		maxOverruns: defaultMaxOverruns,
		positionCh:  make(chan positions.Position, defaultPositionBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register initializes the strategy and appends it to the invocation order.
func (r *Runner) Register(id string, s Strategy) error {
	if id == "" || s == nil {
		return errs.New("strategy/register", errs.CodeInvalid, errs.WithMessage("id and strategy required"))
	}

	r.mu.Lock()
	for _, reg := range r.regs {
		if reg.id == id {
			r.mu.Unlock()
			return errs.New("strategy/register", errs.CodeInvalid, errs.WithMessage("strategy id already registered: "+id))
		}
	}
	r.mu.Unlock()

	if err := initializeStrategy(s, r.env); err != nil {
		return errs.New("strategy/register", errs.CodeInvalid,
			errs.WithMessage("initialize "+id), errs.WithCause(err))
	}

	r.mu.Lock()
	r.regs = append(r.regs, &registration{id: id, strategy: s})
	r.mu.Unlock()
	return nil
}

// Unregister removes the strategy; it receives no further events.
func (r *Runner) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.regs {
		if reg.id == id {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return true
		}
	}
	return false
}

// StrategyIDs returns the registered ids in invocation order.
func (r *Runner) StrategyIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.regs))
	for i, reg := range r.regs {
		out[i] = reg.id
	}
	return out
}

// NotifyPosition queues a position update for delivery. The buffer is
// bounded with drop-oldest so the order path never blocks on strategies.
func (r *Runner) NotifyPosition(pos positions.Position) {
	select {
	case r.positionCh <- pos:
		return
	default:
	}
	select {
	case <-r.positionCh:
		r.metrics.FanoutDrop(context.Background(), "strategy-runner")
	default:
	}
	select {
	case r.positionCh <- pos:
	default:
		r.metrics.FanoutDrop(context.Background(), "strategy-runner")
	}
}

// Run drains quote and position events until the context ends or the quote
// stream closes. All callbacks execute on this goroutine.
func (r *Runner) Run(ctx context.Context, quotes <-chan schema.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case quote, ok := <-quotes:
			if !ok {
				return
			}
			r.dispatchTick(ctx, quote)
		case pos := <-r.positionCh:
			r.dispatchPosition(ctx, pos)
		}
	}
}

func (r *Runner) dispatchTick(ctx context.Context, quote schema.Quote) {
	for _, reg := range r.snapshot() {
		r.invoke(ctx, reg, "onTickData", func() { reg.strategy.OnTickData(quote) })
	}
}

func (r *Runner) dispatchPosition(ctx context.Context, pos positions.Position) {
	for _, reg := range r.snapshot() {
		r.invoke(ctx, reg, "onPositionUpdate", func() { reg.strategy.OnPositionUpdate(pos) })
	}
}

func (r *Runner) snapshot() []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registration, len(r.regs))
	copy(out, r.regs)
	return out
}

// invoke runs one callback with panic recovery and budget accounting.
func (r *Runner) invoke(ctx context.Context, reg *registration, name string, fn func()) {
	start := time.Now()
	panicked := r.guard(reg, name, fn)
	elapsed := time.Since(start)

	if panicked {
		r.evict(ctx, reg.id, "panic")
		return
	}
	if elapsed > r.budget {
		reg.overruns++
		r.logger.Printf("strategy %s: %s overran budget (%s > %s, strike %d/%d)",
			reg.id, name, elapsed, r.budget, reg.overruns, r.maxOverruns)
		if reg.overruns >= r.maxOverruns {
			r.evict(ctx, reg.id, "budget")
		}
		return
	}
	reg.overruns = 0
}

func (r *Runner) guard(reg *registration, name string, fn func()) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			r.logger.Printf("strategy %s: %s panicked: %v", reg.id, name, rec)
		}
	}()
	fn()
	return false
}

func (r *Runner) evict(ctx context.Context, id, reason string) {
	if r.Unregister(id) {
		r.metrics.StrategyEvicted(ctx, id, reason)
		r.logger.Printf("strategy %s: unregistered (%s)", id, reason)
	}
}

func initializeStrategy(s Strategy, env *Env) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("initialize panicked: %v", rec)
		}
	}()
	return s.Initialize(env)
}
