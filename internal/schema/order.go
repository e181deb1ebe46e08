package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/deepterminal/deepterminal/errs"
)

// Side distinguishes buy and sell orders.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign maps the side onto the signed-quantity convention: buys are positive.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Validate ensures the side is one of the two known values.
func (s Side) Validate() error {
	switch s {
	case SideBuy, SideSell:
		return nil
	default:
		return errs.New("schema/side", errs.CodeInvalid, errs.WithMessage("side must be BUY or SELL"))
	}
}

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "SL"
)

// OrderStatus tracks the order lifecycle. Transitions are monotonic; see
// Status.CanTransition for the legal edges.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusAcknowledged    OrderStatus = "ACKNOWLEDGED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusAcknowledged, StatusRejected, StatusCancelled},
	StatusAcknowledged:    {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal forward
// step of the lifecycle state machine.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderRequest is an order submission from the UI or a strategy.
type OrderRequest struct {
	Instrument   Instrument
	Side         Side
	Type         OrderType
	Quantity     int64
	LimitPrice   *decimal.Decimal
	TriggerPrice *decimal.Decimal
}

// Validate checks quantity and price fields against the order type.
func (r OrderRequest) Validate() error {
	if err := r.Instrument.Validate(); err != nil {
		return err
	}
	if err := r.Side.Validate(); err != nil {
		return err
	}
	if r.Quantity <= 0 {
		return errs.New("schema/order-request", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	switch r.Type {
	case OrderTypeMarket:
		return nil
	case OrderTypeLimit:
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return errs.New("schema/order-request", errs.CodeInvalid, errs.WithMessage("limit order requires a positive limit price"))
		}
		return nil
	case OrderTypeStopLoss:
		if r.TriggerPrice == nil || !r.TriggerPrice.IsPositive() {
			return errs.New("schema/order-request", errs.CodeInvalid, errs.WithMessage("stop-loss order requires a positive trigger price"))
		}
		return nil
	default:
		return errs.New("schema/order-request", errs.CodeInvalid, errs.WithMessage("unknown order type"))
	}
}

// Order is the ledger's view of a single order. ID is the locally-generated
// correlation id; BrokerOrderID is assigned once the broker acknowledges.
type Order struct {
	ID            string
	BrokerOrderID string
	Instrument    Instrument
	Side          Side
	Type          OrderType
	Quantity      int64
	LimitPrice    *decimal.Decimal
	TriggerPrice  *decimal.Decimal
	Status        OrderStatus
	Reason        string
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemainingQty returns the unfilled quantity.
func (o Order) RemainingQty() int64 { return o.Quantity - o.FilledQty }

// Ack is a broker acknowledgement for a submitted order.
type Ack struct {
	OrderID       string
	BrokerOrderID string
	At            time.Time
}

// Fill confirms that some or all of an order's quantity executed.
type Fill struct {
	OrderID    string
	Instrument Instrument
	Side       Side
	Quantity   int64
	Price      decimal.Decimal
	At         time.Time
}

// SignedQuantity returns the fill quantity with the side's sign applied.
func (f Fill) SignedQuantity() int64 { return f.Quantity * f.Side.Sign() }
