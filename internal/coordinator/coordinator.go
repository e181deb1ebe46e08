// Package coordinator owns the order lifecycle: request validation, broker
// submission, and reconciliation of broker events against the ledger.
package coordinator

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/broker"
	"github.com/deepterminal/deepterminal/internal/ledger"
	"github.com/deepterminal/deepterminal/internal/schema"
	"github.com/deepterminal/deepterminal/internal/telemetry"
)

const (
	defaultSubmitTimeout = 5 * time.Second
	defaultRateLimit     = rate.Limit(10)
	defaultRateBurst     = 20
)

// FillHook observes every fill accepted by the ledger, together with the
// order state after the fill was applied.
type FillHook func(fill schema.Fill, order schema.Order)

// PreTradeCheck vets a validated request before it reaches the ledger. A
// non-nil error rejects the submission synchronously.
type PreTradeCheck func(req schema.OrderRequest) error

// Coordinator validates order requests, dispatches broker calls off the
// caller's goroutine, and routes broker events back into the ledger.
type Coordinator struct {
	ledger  *ledger.Ledger
	broker  broker.Broker
	limiter *rate.Limiter
	metrics *telemetry.EngineMetrics
	logger  *log.Logger
	onFill  FillHook
	check   PreTradeCheck

	timeout time.Duration
	wg      conc.WaitGroup
	closed  atomic.Bool
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithSubmitTimeout bounds each broker call.
func WithSubmitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit throttles order submissions.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Coordinator) {
		if limit > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFillHook installs the fill observer.
func WithFillHook(hook FillHook) Option {
	return func(c *Coordinator) { c.onFill = hook }
}

// WithPreTradeCheck installs a risk check run on every submission.
func WithPreTradeCheck(check PreTradeCheck) Option {
	return func(c *Coordinator) { c.check = check }
}

// New constructs a coordinator over the given ledger and broker.
func New(ldg *ledger.Ledger, brk broker.Broker, metrics *telemetry.EngineMetrics, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:  ldg,
		broker:  brk,
		limiter: rate.NewLimiter(defaultRateLimit, defaultRateBurst),
		metrics: metrics,
		logger:  log.Default(),
		timeout: defaultSubmitTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Submit validates the request, records a Pending order, and dispatches the
// broker call asynchronously. The returned order reflects the Pending state;
// subsequent transitions arrive through the ledger's update stream.
func (c *Coordinator) Submit(ctx context.Context, req schema.OrderRequest) (schema.Order, error) {
	if c.closed.Load() {
		return schema.Order{}, errs.New("coordinator/submit", errs.CodeUnavailable,
			errs.WithMessage("coordinator closed"))
	}
	if err := req.Validate(); err != nil {
		return schema.Order{}, err
	}
	if c.check != nil {
		if err := c.check(req); err != nil {
			return schema.Order{}, err
		}
	}
	if !c.limiter.Allow() {
		return schema.Order{}, errs.New("coordinator/submit", errs.CodeUnavailable,
			errs.WithMessage("order rate limit exceeded"))
	}

	order := c.ledger.Create(req)
	c.wg.Go(func() { c.placeOrder(order) })
	return order, nil
}

// placeOrder runs on its own goroutine. The call carries its own deadline
// rather than the submitter's context so a departing caller cannot abandon
// an order in flight.
func (c *Coordinator) placeOrder(order schema.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	brokerID, err := c.broker.PlaceOrder(ctx, order)
	elapsed := float64(time.Since(start).Milliseconds())

	if err != nil {
		c.metrics.SubmitDuration(ctx, elapsed, "rejected")
		reason := rejectReason(err)
		c.logger.Printf("order %s: broker rejected: %v", order.ID, err)
		if applyErr := c.ledger.ApplyReject(order.ID, reason); applyErr != nil {
			c.logger.Printf("order %s: record rejection: %v", order.ID, applyErr)
		}
		return
	}

	c.metrics.SubmitDuration(ctx, elapsed, "submitted")
	if err := c.ledger.MarkSubmitted(order.ID); err != nil {
		// Terminal before the broker responded (e.g. rejected by a
		// concurrent event); the venue ack will be dropped downstream.
		c.logger.Printf("order %s: mark submitted: %v", order.ID, err)
		return
	}
	ack := schema.Ack{OrderID: order.ID, BrokerOrderID: brokerID, At: time.Now()}
	if err := c.ledger.ApplyAck(ack); err != nil {
		c.logger.Printf("order %s: apply ack: %v", order.ID, err)
	}
}

// Cancel requests cancellation of an open order. Only submitted,
// acknowledged, or partially filled orders can be cancelled, and the
// order must already carry a broker order id: while the placement call
// is still in flight the order is Pending and Cancel returns
// CodeInvalid, so callers retry once the broker has acknowledged.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) error {
	if c.closed.Load() {
		return errs.New("coordinator/cancel", errs.CodeUnavailable,
			errs.WithMessage("coordinator closed"))
	}
	order, ok := c.ledger.Get(orderID)
	if !ok {
		return errs.New("coordinator/cancel", errs.CodeNotFound,
			errs.WithMessage("unknown order: "+orderID))
	}
	switch order.Status {
	case schema.StatusSubmitted, schema.StatusAcknowledged, schema.StatusPartiallyFilled:
	default:
		return errs.New("coordinator/cancel", errs.CodeInvalid,
			errs.WithMessage("order "+orderID+" not cancellable in state "+string(order.Status)))
	}
	if order.BrokerOrderID == "" {
		return errs.New("coordinator/cancel", errs.CodeInvalid,
			errs.WithMessage("order "+orderID+" has no broker id yet"))
	}

	c.wg.Go(func() { c.cancelOrder(order) })
	return nil
}

func (c *Coordinator) cancelOrder(order schema.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		c.logger.Printf("order %s: broker cancel failed: %v", order.ID, err)
		return
	}
	if err := c.ledger.ApplyCancel(order.ID); err != nil {
		c.logger.Printf("order %s: record cancel: %v", order.ID, err)
	}
}

// HandleOrderEvent reconciles a feed order event against the ledger. Events
// for unknown orders and illegal transitions are counted and dropped; the
// data path never stops on a bad event.
func (c *Coordinator) HandleOrderEvent(ctx context.Context, ev schema.OrderEvent) {
	id, ok := c.resolveOrderID(ev)
	if !ok {
		c.metrics.InvalidTransition(ctx)
		c.logger.Printf("order event %s: no matching order (broker id %q)", ev.Kind, ev.BrokerOrderID)
		return
	}

	var err error
	switch ev.Kind {
	case schema.OrderEventAck:
		err = c.ledger.ApplyAck(schema.Ack{OrderID: id, BrokerOrderID: ev.BrokerOrderID, At: ev.At})
	case schema.OrderEventFill:
		err = c.applyFill(id, ev)
	case schema.OrderEventCancel:
		err = c.ledger.ApplyCancel(id)
	case schema.OrderEventReject:
		err = c.ledger.ApplyReject(id, ev.Reason)
	default:
		err = errs.New("coordinator/events", errs.CodeMalformed,
			errs.WithMessage("unknown event kind "+string(ev.Kind)))
	}

	if err != nil {
		c.metrics.InvalidTransition(ctx)
		c.logger.Printf("order %s: drop %s event: %v", id, ev.Kind, err)
	}
}

func (c *Coordinator) applyFill(id string, ev schema.OrderEvent) error {
	fill := schema.Fill{
		OrderID:    id,
		Instrument: ev.Instrument,
		Side:       ev.Side,
		Quantity:   ev.Quantity,
		Price:      ev.Price,
		At:         ev.At,
	}
	order, err := c.ledger.ApplyFill(fill)
	if err != nil {
		return err
	}
	if c.onFill != nil {
		c.onFill(fill, order)
	}
	return nil
}

func (c *Coordinator) resolveOrderID(ev schema.OrderEvent) (string, bool) {
	if ev.OrderID != "" {
		if _, ok := c.ledger.Get(ev.OrderID); ok {
			return ev.OrderID, true
		}
	}
	if ev.BrokerOrderID != "" {
		if id, ok := c.ledger.Resolve(ev.BrokerOrderID); ok {
			return id, true
		}
	}
	return "", false
}

// Close stops accepting new work and waits for in-flight broker calls to
// finish. Ledger transitions produced during the drain are still applied.
func (c *Coordinator) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.wg.Wait()
}

func rejectReason(err error) string {
	if errs.Is(err, errs.CodeTimeout) {
		return "timeout"
	}
	var envelope *errs.E
	if errors.As(err, &envelope) {
		if envelope.RawMsg != "" {
			return envelope.RawMsg
		}
		if envelope.Message != "" {
			return envelope.Message
		}
		return string(envelope.Code)
	}
	return err.Error()
}
