// Package ledger is the single source of truth for order lifecycle state.
package ledger

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/schema"
)

const defaultUpdateBuffer = 256

// Ledger tracks every order created in this session and validates each state
// transition against the lifecycle machine. Acknowledgements may arrive out
// of order or duplicated; violations are returned as invalid_transition
// errors for the caller to log and drop, never propagated down the pipeline.
type Ledger struct {
	mu     sync.RWMutex
	orders map[string]*schema.Order
	byRef  map[string]string // broker order id -> correlation id

	updates chan schema.OrderUpdated
	dropped uint64
	closed  bool
	logger  *log.Logger
}

// Option configures the ledger.
type Option func(*Ledger)

// WithUpdateBuffer sizes the OrderUpdated channel.
func WithUpdateBuffer(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.updates = make(chan schema.OrderUpdated, n)
		}
	}
}

// WithLogger sets the logger used for dropped-update reporting.
func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		orders:  make(map[string]*schema.Order),
		byRef:   make(map[string]string),
		updates: make(chan schema.OrderUpdated, defaultUpdateBuffer),
		logger:  log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Create registers a new Pending order from the validated request and
// assigns its correlation id.
func (l *Ledger) Create(req schema.OrderRequest) schema.Order {
	now := time.Now().UTC()
	order := schema.Order{
		ID:           uuid.NewString(),
		Instrument:   req.Instrument,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		TriggerPrice: req.TriggerPrice,
		Status:       schema.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	l.mu.Lock()
	l.orders[order.ID] = &order
	l.mu.Unlock()

	l.publish(order)
	return order
}

// MarkSubmitted records that the broker call was dispatched.
func (l *Ledger) MarkSubmitted(id string) error {
	return l.transition(id, schema.StatusSubmitted, func(o *schema.Order) {})
}

// ApplyAck records the broker acknowledgement and its assigned order id.
func (l *Ledger) ApplyAck(ack schema.Ack) error {
	return l.transition(ack.OrderID, schema.StatusAcknowledged, func(o *schema.Order) {
		if ack.BrokerOrderID != "" {
			o.BrokerOrderID = ack.BrokerOrderID
			l.byRef[ack.BrokerOrderID] = o.ID
		}
	})
}

// ApplyFill applies an execution to the order, moving it to PartiallyFilled
// or Filled and maintaining the volume-weighted average fill price.
func (l *Ledger) ApplyFill(fill schema.Fill) (schema.Order, error) {
	l.mu.Lock()
	order, ok := l.orders[fill.OrderID]
	if !ok {
		l.mu.Unlock()
		return schema.Order{}, errs.New("ledger/fill", errs.CodeInvalidTransition,
			errs.WithMessage("fill for unknown order "+fill.OrderID))
	}
	if fill.Quantity <= 0 || fill.Quantity > order.RemainingQty() {
		l.mu.Unlock()
		return schema.Order{}, errs.New("ledger/fill", errs.CodeInvalidTransition,
			errs.WithMessage("fill quantity outside remaining quantity"))
	}
	next := schema.StatusPartiallyFilled
	if order.FilledQty+fill.Quantity == order.Quantity {
		next = schema.StatusFilled
	}
	if !order.Status.CanTransition(next) {
		status := order.Status
		l.mu.Unlock()
		return schema.Order{}, errs.New("ledger/fill", errs.CodeInvalidTransition,
			errs.WithMessage("fill not allowed from status "+string(status)))
	}

	prevQty := decimal.NewFromInt(order.FilledQty)
	fillQty := decimal.NewFromInt(fill.Quantity)
	totalQty := prevQty.Add(fillQty)
	order.AvgFillPrice = order.AvgFillPrice.Mul(prevQty).Add(fill.Price.Mul(fillQty)).Div(totalQty)
	order.FilledQty += fill.Quantity
	order.Status = next
	order.UpdatedAt = time.Now().UTC()
	snapshot := *order
	l.mu.Unlock()

	l.publish(snapshot)
	return snapshot, nil
}

// ApplyCancel confirms a broker-side cancellation.
func (l *Ledger) ApplyCancel(id string) error {
	return l.transition(id, schema.StatusCancelled, func(o *schema.Order) {})
}

// ApplyReject moves the order to Rejected with the given reason.
func (l *Ledger) ApplyReject(id, reason string) error {
	return l.transition(id, schema.StatusRejected, func(o *schema.Order) {
		o.Reason = reason
	})
}

// Get returns the order with the given correlation id.
func (l *Ledger) Get(id string) (schema.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	order, ok := l.orders[id]
	if !ok {
		return schema.Order{}, false
	}
	return *order, true
}

// Resolve maps a broker-assigned order id back to the correlation id.
func (l *Ledger) Resolve(brokerOrderID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byRef[brokerOrderID]
	return id, ok
}

// ListOpen returns every order not yet in a terminal state.
func (l *Ledger) ListOpen() []schema.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schema.Order, 0, len(l.orders))
	for _, order := range l.orders {
		if !order.Status.Terminal() {
			out = append(out, *order)
		}
	}
	return out
}

// Updates exposes the stream of accepted transitions.
func (l *Ledger) Updates() <-chan schema.OrderUpdated { return l.updates }

// DroppedUpdates reports how many updates were discarded because the
// consumer lagged behind.
func (l *Ledger) DroppedUpdates() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// Close stops the update stream. Further transitions are still recorded.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.updates)
	}
}

func (l *Ledger) transition(id string, next schema.OrderStatus, mutate func(*schema.Order)) error {
	l.mu.Lock()
	order, ok := l.orders[id]
	if !ok {
		l.mu.Unlock()
		return errs.New("ledger/transition", errs.CodeInvalidTransition,
			errs.WithMessage("unknown order "+id))
	}
	if !order.Status.CanTransition(next) {
		from := order.Status
		l.mu.Unlock()
		return errs.New("ledger/transition", errs.CodeInvalidTransition,
			errs.WithMessage("illegal transition "+string(from)+" -> "+string(next)))
	}
	order.Status = next
	order.UpdatedAt = time.Now().UTC()
	mutate(order)
	snapshot := *order
	l.mu.Unlock()

	l.publish(snapshot)
	return nil
}

// publish emits the update without ever blocking a transition: if the buffer
// is full the oldest update is discarded and counted.
func (l *Ledger) publish(order schema.Order) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	update := schema.OrderUpdated{Order: order, At: time.Now().UTC()}
	select {
	case l.updates <- update:
	default:
		select {
		case <-l.updates:
			l.dropped++
		default:
		}
		select {
		case l.updates <- update:
		default:
			l.dropped++
		}
	}
	l.mu.Unlock()
}
