package strategy

import (
	"context"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/positions"
	"github.com/deepterminal/deepterminal/internal/schema"
)

type positionSide int

const (
	sideFlat positionSide = iota
	sideLong
	sideShort
)

// SMACross trades crossovers of a short simple moving average over a long
// one: short above long goes long, short below long goes short. Opposite
// exposure is flattened before the new position is opened.
type SMACross struct {
	Base

	env        *Env
	instrument schema.Instrument
	short      int
	long       int
	quantity   int64

	prices []float64
	side   positionSide
}

// NewSMACross builds the strategy for one instrument key.
func NewSMACross(instrumentKey string, short, long int, quantity int64) (*SMACross, error) {
	instrument, err := schema.ParseInstrument(instrumentKey)
	if err != nil {
		return nil, err
	}
	if short <= 0 || long <= 0 || short >= long {
		return nil, errs.New("strategy/smacross", errs.CodeInvalid,
			errs.WithMessage("periods must satisfy 0 < short < long"))
	}
	if quantity <= 0 {
		return nil, errs.New("strategy/smacross", errs.CodeInvalid,
			errs.WithMessage("quantity must be positive"))
	}
	return &SMACross{
		instrument: instrument,
		short:      short,
		long:       long,
		quantity:   quantity,
	}, nil
}

// Initialize captures the environment and seeds the position side from any
// pre-existing exposure.
func (s *SMACross) Initialize(env *Env) error {
	if env == nil || env.Trader == nil {
		return errs.New("strategy/smacross", errs.CodeInvalid, errs.WithMessage("trader required"))
	}
	s.env = env
	if env.Market != nil {
		if pos, ok := env.Market.Position(s.instrument); ok {
			s.side = sideOf(pos.NetQty)
		}
	}
	return nil
}

// OnTickData appends the price and trades on moving average crossovers.
func (s *SMACross) OnTickData(quote schema.Quote) {
	if quote.Instrument != s.instrument {
		return
	}
	price := quote.LastPrice.InexactFloat64()
	if price <= 0 {
		return
	}

	s.prices = append(s.prices, price)
	if len(s.prices) > s.long {
		s.prices = s.prices[len(s.prices)-s.long:]
	}
	if len(s.prices) < s.long {
		return
	}

	shortMA := mean(s.prices[len(s.prices)-s.short:])
	longMA := mean(s.prices)

	switch {
	case shortMA > longMA && s.side != sideLong:
		s.enter(schema.SideBuy, sideLong)
	case shortMA < longMA && s.side != sideShort:
		s.enter(schema.SideSell, sideShort)
	}
}

// OnPositionUpdate resynchronizes the tracked side with actual exposure.
func (s *SMACross) OnPositionUpdate(pos positions.Position) {
	if pos.Instrument != s.instrument {
		return
	}
	s.side = sideOf(pos.NetQty)
}

// enter flattens opposite exposure, then opens the new position.
func (s *SMACross) enter(side schema.Side, target positionSide) {
	ctx := context.Background()

	if s.env.Market != nil {
		if pos, ok := s.env.Market.Position(s.instrument); ok {
			held := pos.NetQty
			if (target == sideLong && held < 0) || (target == sideShort && held > 0) {
				s.submit(ctx, side, abs64(held))
			}
		}
	}
	s.submit(ctx, side, s.quantity)
	s.side = target
}

func (s *SMACross) submit(ctx context.Context, side schema.Side, quantity int64) {
	req := schema.OrderRequest{
		Instrument: s.instrument,
		Side:       side,
		Type:       schema.OrderTypeMarket,
		Quantity:   quantity,
	}
	if _, err := s.env.Trader.Submit(ctx, req); err != nil && s.env.Logger != nil {
		s.env.Logger.Printf("smacross: submit %s %d %s: %v", side, quantity, s.instrument.Key(), err)
	}
}

func sideOf(netQty int64) positionSide {
	switch {
	case netQty > 0:
		return sideLong
	case netQty < 0:
		return sideShort
	default:
		return sideFlat
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
