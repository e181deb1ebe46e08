package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderEventKind enumerates the broker-originated order events the feed can
// deliver.
type OrderEventKind string

const (
	OrderEventAck    OrderEventKind = "ACK"
	OrderEventFill   OrderEventKind = "FILL"
	OrderEventCancel OrderEventKind = "CANCEL"
	OrderEventReject OrderEventKind = "REJECT"
)

// OrderEvent is a normalized broker order update from the feed, not yet
// reconciled against the ledger. Either OrderID (correlation id echoed back)
// or BrokerOrderID identifies the order.
type OrderEvent struct {
	Kind          OrderEventKind
	OrderID       string
	BrokerOrderID string
	Instrument    Instrument
	Side          Side
	Quantity      int64
	Price         decimal.Decimal
	Reason        string
	At            time.Time
}

// OrderUpdated is published by the ledger after every accepted transition.
type OrderUpdated struct {
	Order Order
	At    time.Time
}

// RawFrame is an undecoded frame received from the feed connection. Epoch
// identifies the connection generation it arrived on.
type RawFrame struct {
	Data       []byte
	Epoch      uint32
	ReceivedAt time.Time
}

// FeedStatus reports feed connection state changes to interested consumers.
type FeedStatus struct {
	Connected bool
	Epoch     uint32
	At        time.Time
}
