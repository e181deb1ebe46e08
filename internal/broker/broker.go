// Package broker defines the outbound order interface and its Upstox
// implementation.
package broker

import (
	"context"

	"github.com/deepterminal/deepterminal/internal/schema"
)

// Broker places and cancels orders with the upstream venue. Implementations
// must honor ctx cancellation; the coordinator bounds every call with a
// deadline.
type Broker interface {
	// PlaceOrder submits the order and returns the broker-assigned id.
	PlaceOrder(ctx context.Context, order schema.Order) (string, error)
	// CancelOrder requests cancellation of a previously placed order.
	CancelOrder(ctx context.Context, brokerOrderID string) error
}
