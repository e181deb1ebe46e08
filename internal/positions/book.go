// Package positions derives and maintains per-instrument position state,
// average cost and realized/unrealized P&L from fills and quotes.
package positions

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deepterminal/deepterminal/internal/schema"
)

// Position is the current net exposure for one instrument. NetQty is signed:
// positive long, negative short. Zero-quantity positions persist so realized
// P&L survives a flat book.
type Position struct {
	Instrument    schema.Instrument
	NetQty        int64
	AvgCost       decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastPrice     decimal.Decimal
	UpdatedAt     time.Time
}

// Long reports whether the position is net long.
func (p Position) Long() bool { return p.NetQty > 0 }

// Short reports whether the position is net short.
func (p Position) Short() bool { return p.NetQty < 0 }

// TotalPnL returns realized plus unrealized P&L.
func (p Position) TotalPnL() decimal.Decimal { return p.RealizedPnL.Add(p.UnrealizedPnL) }

// Book owns at most one Position per instrument. Fills extend or reduce the
// position under weighted-average-cost accounting; quote changes only remark
// unrealized P&L. Every operation is O(1); there are no full-book rescans.
type Book struct {
	mu        sync.RWMutex
	positions map[schema.Instrument]*Position
}

// NewBook constructs an empty position book.
func NewBook() *Book {
	return &Book{positions: make(map[schema.Instrument]*Position)}
}

// OnFill applies an execution to the book and returns the updated position.
//
// A fill in the direction of the existing position blends the average cost by
// quantity. A fill against it first closes quantity at the stored average
// cost, accruing realized P&L of (fill price - avg cost) x closed x direction
// sign; any remainder past flat opens a reversed position whose average cost
// is the fill price.
func (b *Book) OnFill(fill schema.Fill) Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[fill.Instrument]
	if !ok {
		pos = &Position{Instrument: fill.Instrument}
		b.positions[fill.Instrument] = pos
	}

	signed := fill.SignedQuantity()
	qty := fill.Quantity

	switch {
	case pos.NetQty == 0 || sameSign(pos.NetQty, signed):
		held := abs(pos.NetQty)
		total := decimal.NewFromInt(held + qty)
		pos.AvgCost = pos.AvgCost.Mul(decimal.NewFromInt(held)).
			Add(fill.Price.Mul(decimal.NewFromInt(qty))).
			Div(total)
		pos.NetQty += signed

	default:
		held := abs(pos.NetQty)
		closed := qty
		if closed > held {
			closed = held
		}
		dir := int64(1)
		if pos.NetQty < 0 {
			dir = -1
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(
			fill.Price.Sub(pos.AvgCost).Mul(decimal.NewFromInt(closed * dir)))

		pos.NetQty += signed
		switch {
		case pos.NetQty == 0:
			pos.AvgCost = decimal.Zero
		case sameSign(pos.NetQty, signed):
			// Fully reversed: the remainder is a fresh position at fill price.
			pos.AvgCost = fill.Price
		}
	}

	pos.UpdatedAt = fill.At
	b.remark(pos)
	return *pos
}

// OnQuoteChanged remarks unrealized P&L from the current quote without
// touching realized P&L or cost basis. It returns the updated position and
// whether the instrument has one.
func (b *Book) OnQuoteChanged(quote schema.Quote) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[quote.Instrument]
	if !ok {
		return Position{}, false
	}
	pos.LastPrice = quote.LastPrice
	pos.UpdatedAt = quote.Timestamp
	b.remark(pos)
	return *pos, true
}

// Get returns the position for the instrument.
func (b *Book) Get(instrument schema.Instrument) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[instrument]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// GetAll returns a snapshot of every tracked position.
func (b *Book) GetAll() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// remark recomputes unrealized P&L as (last price - avg cost) x signed
// quantity. The signed quantity carries the direction: a short position gains
// as the price drops. Callers hold the write lock.
func (b *Book) remark(pos *Position) {
	if pos.NetQty == 0 || pos.LastPrice.IsZero() {
		pos.UnrealizedPnL = decimal.Zero
		return
	}
	pos.UnrealizedPnL = pos.LastPrice.Sub(pos.AvgCost).Mul(decimal.NewFromInt(pos.NetQty))
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
