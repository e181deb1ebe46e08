// Package strategy hosts pluggable trading strategies and the runner that
// drives their callbacks from engine events.
package strategy

import (
	"context"
	"log"

	"github.com/deepterminal/deepterminal/internal/positions"
	"github.com/deepterminal/deepterminal/internal/schema"
)

// Trader is the order interface exposed to strategies. It is the same
// surface the UI uses; strategies never mutate engine state directly.
type Trader interface {
	Submit(ctx context.Context, req schema.OrderRequest) (schema.Order, error)
	Cancel(ctx context.Context, orderID string) error
}

// MarketView grants read-only access to engine state.
type MarketView interface {
	Quote(instrument schema.Instrument) (schema.Quote, bool)
	Position(instrument schema.Instrument) (positions.Position, bool)
}

// Env is handed to each strategy at initialization. There are no ambient
// globals; everything a strategy may touch arrives here.
type Env struct {
	Trader Trader
	Market MarketView
	Logger *log.Logger
}

// Strategy is the fixed capability set for strategy plugins. Callbacks run
// on the runner's serialized goroutine and must not block: a callback that
// repeatedly overruns its time budget is unregistered.
type Strategy interface {
	// Initialize is called once at registration, before any events.
	Initialize(env *Env) error
	// OnTickData is invoked for every accepted quote change.
	OnTickData(quote schema.Quote)
	// OnPositionUpdate is invoked after every position book recompute.
	OnPositionUpdate(pos positions.Position)
}

// Base is an embeddable no-op implementation of Strategy; strategies embed
// it and override the callbacks they care about.
type Base struct{}

// Initialize implements Strategy.
func (Base) Initialize(*Env) error { return nil }

// OnTickData implements Strategy.
func (Base) OnTickData(schema.Quote) {}

// OnPositionUpdate implements Strategy.
func (Base) OnPositionUpdate(positions.Position) {}

// NoOp is a pass-through strategy that performs no actions.
type NoOp struct{ Base }
