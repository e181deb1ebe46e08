// Package risk enforces pre-trade limits on outgoing orders.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/positions"
	"github.com/deepterminal/deepterminal/internal/schema"
)

// Limits defines the pre-trade risk parameters. A zero value disables the
// corresponding check.
type Limits struct {
	// MaxOrderQuantity caps the size of a single order.
	MaxOrderQuantity int64 `yaml:"maxOrderQuantity"`

	// MaxPositionQuantity caps the absolute net position an order may
	// grow an instrument to, assuming a full fill.
	MaxPositionQuantity int64 `yaml:"maxPositionQuantity"`

	// MaxOrderNotional caps quantity times limit price for priced orders.
	// Market orders carry no price and bypass this check.
	MaxOrderNotional decimal.Decimal `yaml:"maxOrderNotional"`
}

// Enabled reports whether any limit is configured.
func (l Limits) Enabled() bool {
	return l.MaxOrderQuantity > 0 || l.MaxPositionQuantity > 0 || l.MaxOrderNotional.IsPositive()
}

// PositionReader supplies the current net position for the projection check.
type PositionReader interface {
	Get(instrument schema.Instrument) (positions.Position, bool)
}

// Manager evaluates order requests against the configured limits.
type Manager struct {
	limits Limits
	book   PositionReader
}

// NewManager builds a manager reading current exposure from book. A nil book
// disables the position projection check.
func NewManager(limits Limits, book PositionReader) *Manager {
	return &Manager{limits: limits, book: book}
}

// CheckOrder rejects requests that would breach a configured limit. The
// position check projects a full fill onto the current net quantity, so a
// reducing order always passes even at the cap.
func (m *Manager) CheckOrder(req schema.OrderRequest) error {
	if m == nil {
		return nil
	}

	if m.limits.MaxOrderQuantity > 0 && req.Quantity > m.limits.MaxOrderQuantity {
		return errs.New("risk/check", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("order quantity %d exceeds limit %d",
				req.Quantity, m.limits.MaxOrderQuantity)))
	}

	if m.limits.MaxOrderNotional.IsPositive() && req.LimitPrice != nil {
		notional := req.LimitPrice.Mul(decimal.NewFromInt(req.Quantity))
		if notional.GreaterThan(m.limits.MaxOrderNotional) {
			return errs.New("risk/check", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("order notional %s exceeds limit %s",
					notional, m.limits.MaxOrderNotional)))
		}
	}

	if m.limits.MaxPositionQuantity > 0 && m.book != nil {
		var held int64
		if pos, ok := m.book.Get(req.Instrument); ok {
			held = pos.NetQty
		}
		projected := held + req.Quantity*req.Side.Sign()
		if abs(projected) > m.limits.MaxPositionQuantity && abs(projected) > abs(held) {
			return errs.New("risk/check", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("projected position %d for %s exceeds limit %d",
					projected, req.Instrument.Key(), m.limits.MaxPositionQuantity)))
		}
	}

	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
