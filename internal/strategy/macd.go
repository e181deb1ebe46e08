package strategy

import (
	"context"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/positions"
	"github.com/deepterminal/deepterminal/internal/schema"
)

// ema is an incrementally updated exponential moving average, seeded with
// the simple average of the first period values.
type ema struct {
	period int
	warmup []float64
	value  float64
	ready  bool
}

func newEMA(period int) *ema {
	return &ema{period: period}
}

// Update feeds one value and reports whether the EMA is warmed up.
func (e *ema) Update(v float64) bool {
	if !e.ready {
		e.warmup = append(e.warmup, v)
		if len(e.warmup) < e.period {
			return false
		}
		e.value = mean(e.warmup)
		e.warmup = nil
		e.ready = true
		return true
	}
	multiplier := 2 / float64(e.period+1)
	e.value = (v-e.value)*multiplier + e.value
	return true
}

func (e *ema) Value() float64 { return e.value }

// MACD trades crossovers of the MACD line (fast EMA minus slow EMA) over
// its signal line (an EMA of the MACD line). Crossing above buys, crossing
// below sells; opposite exposure is flattened first.
type MACD struct {
	Base

	env        *Env
	instrument schema.Instrument
	quantity   int64

	fast   *ema
	slow   *ema
	signal *ema

	side      positionSide
	prevAbove bool
	havePrev  bool
}

// NewMACD builds the strategy for one instrument key.
func NewMACD(instrumentKey string, fastPeriod, slowPeriod, signalPeriod int, quantity int64) (*MACD, error) {
	instrument, err := schema.ParseInstrument(instrumentKey)
	if err != nil {
		return nil, err
	}
	if fastPeriod <= 0 || slowPeriod <= 0 || signalPeriod <= 0 || fastPeriod >= slowPeriod {
		return nil, errs.New("strategy/macd", errs.CodeInvalid,
			errs.WithMessage("periods must satisfy 0 < fast < slow and signal > 0"))
	}
	if quantity <= 0 {
		return nil, errs.New("strategy/macd", errs.CodeInvalid,
			errs.WithMessage("quantity must be positive"))
	}
	return &MACD{
		instrument: instrument,
		quantity:   quantity,
		fast:       newEMA(fastPeriod),
		slow:       newEMA(slowPeriod),
		signal:     newEMA(signalPeriod),
	}, nil
}

// Initialize captures the environment and seeds the position side.
func (m *MACD) Initialize(env *Env) error {
	if env == nil || env.Trader == nil {
		return errs.New("strategy/macd", errs.CodeInvalid, errs.WithMessage("trader required"))
	}
	m.env = env
	if env.Market != nil {
		if pos, ok := env.Market.Position(m.instrument); ok {
			m.side = sideOf(pos.NetQty)
		}
	}
	return nil
}

// OnTickData updates the EMAs and trades on MACD/signal crossovers.
func (m *MACD) OnTickData(quote schema.Quote) {
	if quote.Instrument != m.instrument {
		return
	}
	price := quote.LastPrice.InexactFloat64()
	if price <= 0 {
		return
	}

	fastReady := m.fast.Update(price)
	slowReady := m.slow.Update(price)
	if !fastReady || !slowReady {
		return
	}
	macdLine := m.fast.Value() - m.slow.Value()
	if !m.signal.Update(macdLine) {
		return
	}

	above := macdLine > m.signal.Value()
	if !m.havePrev {
		m.havePrev = true
		m.prevAbove = above
		return
	}
	crossedUp := above && !m.prevAbove
	crossedDown := !above && m.prevAbove
	m.prevAbove = above

	switch {
	case crossedUp && m.side != sideLong:
		m.enter(schema.SideBuy, sideLong)
	case crossedDown && m.side != sideShort:
		m.enter(schema.SideSell, sideShort)
	}
}

// OnPositionUpdate resynchronizes the tracked side with actual exposure.
func (m *MACD) OnPositionUpdate(pos positions.Position) {
	if pos.Instrument != m.instrument {
		return
	}
	m.side = sideOf(pos.NetQty)
}

func (m *MACD) enter(side schema.Side, target positionSide) {
	ctx := context.Background()

	if m.env.Market != nil {
		if pos, ok := m.env.Market.Position(m.instrument); ok {
			held := pos.NetQty
			if (target == sideLong && held < 0) || (target == sideShort && held > 0) {
				m.submit(ctx, side, abs64(held))
			}
		}
	}
	m.submit(ctx, side, m.quantity)
	m.side = target
}

func (m *MACD) submit(ctx context.Context, side schema.Side, quantity int64) {
	req := schema.OrderRequest{
		Instrument: m.instrument,
		Side:       side,
		Type:       schema.OrderTypeMarket,
		Quantity:   quantity,
	}
	if _, err := m.env.Trader.Submit(ctx, req); err != nil && m.env.Logger != nil {
		m.env.Logger.Printf("macd: submit %s %d %s: %v", side, quantity, m.instrument.Key(), err)
	}
}
