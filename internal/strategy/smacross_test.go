package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/deepterminal/deepterminal/internal/positions"
	"github.com/deepterminal/deepterminal/internal/schema"
)

type stubTrader struct {
	mu       sync.Mutex
	requests []schema.OrderRequest
}

func (s *stubTrader) Submit(_ context.Context, req schema.OrderRequest) (schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return schema.Order{ID: "stub", Status: schema.StatusPending}, nil
}

func (s *stubTrader) Cancel(context.Context, string) error { return nil }

func (s *stubTrader) submitted() []schema.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.OrderRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

type stubMarket struct {
	quotes    map[schema.Instrument]schema.Quote
	positions map[schema.Instrument]positions.Position
}

func (m *stubMarket) Quote(instrument schema.Instrument) (schema.Quote, bool) {
	q, ok := m.quotes[instrument]
	return q, ok
}

func (m *stubMarket) Position(instrument schema.Instrument) (positions.Position, bool) {
	p, ok := m.positions[instrument]
	return p, ok
}

func feedPrices(s Strategy, instrument schema.Instrument, prices ...float64) {
	for i, p := range prices {
		s.OnTickData(schema.Quote{
			Instrument: instrument,
			LastPrice:  decimal.NewFromFloat(p),
			Timestamp:  time.Now(),
			Seq:        uint64(i + 1),
		})
	}
}

func TestNewSMACrossValidation(t *testing.T) {
	_, err := NewSMACross("", 10, 30, 1)
	require.Error(t, err, "instrument key required")

	_, err = NewSMACross("NSE:INFY", 30, 10, 1)
	require.Error(t, err, "short must be below long")

	_, err = NewSMACross("NSE:INFY", 10, 30, 0)
	require.Error(t, err, "quantity must be positive")
}

func TestSMACrossGoesLongWhenShortAboveLong(t *testing.T) {
	instrument := schema.Instrument{Exchange: "NSE", Symbol: "INFY"}
	trader := &stubTrader{}

	strat, err := NewSMACross("NSE:INFY", 2, 4, 5)
	require.NoError(t, err)
	require.NoError(t, strat.Initialize(&Env{Trader: trader, Market: &stubMarket{}}))

	// Rising prices: the 2-tick average sits above the 4-tick average as
	// soon as both are available.
	feedPrices(strat, instrument, 100, 101, 102, 103)

	reqs := trader.submitted()
	require.Len(t, reqs, 1)
	require.Equal(t, schema.SideBuy, reqs[0].Side)
	require.Equal(t, schema.OrderTypeMarket, reqs[0].Type)
	require.Equal(t, int64(5), reqs[0].Quantity)
}

func TestSMACrossIgnoresTicksBeforeWarmup(t *testing.T) {
	instrument := schema.Instrument{Exchange: "NSE", Symbol: "INFY"}
	trader := &stubTrader{}

	strat, err := NewSMACross("NSE:INFY", 2, 4, 1)
	require.NoError(t, err)
	require.NoError(t, strat.Initialize(&Env{Trader: trader, Market: &stubMarket{}}))

	feedPrices(strat, instrument, 100, 101, 102)
	require.Empty(t, trader.submitted())
}

func TestSMACrossFlattensShortBeforeGoingLong(t *testing.T) {
	instrument := schema.Instrument{Exchange: "NSE", Symbol: "INFY"}
	trader := &stubTrader{}
	market := &stubMarket{positions: map[schema.Instrument]positions.Position{
		instrument: {Instrument: instrument, NetQty: -3},
	}}

	strat, err := NewSMACross("NSE:INFY", 2, 4, 2)
	require.NoError(t, err)
	require.NoError(t, strat.Initialize(&Env{Trader: trader, Market: market}))
	require.Equal(t, sideShort, strat.side, "seeded from existing exposure")

	feedPrices(strat, instrument, 100, 101, 102, 103)

	reqs := trader.submitted()
	require.Len(t, reqs, 2)
	require.Equal(t, schema.SideBuy, reqs[0].Side)
	require.Equal(t, int64(3), reqs[0].Quantity, "existing short closed first")
	require.Equal(t, schema.SideBuy, reqs[1].Side)
	require.Equal(t, int64(2), reqs[1].Quantity, "then the new long opened")
}

func TestSMACrossDoesNotPyramidWhileAlreadyLong(t *testing.T) {
	instrument := schema.Instrument{Exchange: "NSE", Symbol: "INFY"}
	trader := &stubTrader{}

	strat, err := NewSMACross("NSE:INFY", 2, 4, 1)
	require.NoError(t, err)
	require.NoError(t, strat.Initialize(&Env{Trader: trader, Market: &stubMarket{}}))

	feedPrices(strat, instrument, 100, 101, 102, 103, 104, 105)
	require.Len(t, trader.submitted(), 1, "single entry despite repeated signal")
}

func TestSMACrossGoesShortWhenShortBelowLong(t *testing.T) {
	instrument := schema.Instrument{Exchange: "NSE", Symbol: "INFY"}
	trader := &stubTrader{}

	strat, err := NewSMACross("NSE:INFY", 2, 4, 1)
	require.NoError(t, err)
	require.NoError(t, strat.Initialize(&Env{Trader: trader, Market: &stubMarket{}}))

	feedPrices(strat, instrument, 103, 102, 101, 100)

	reqs := trader.submitted()
	require.Len(t, reqs, 1)
	require.Equal(t, schema.SideSell, reqs[0].Side)
}

func TestSMACrossIgnoresOtherInstruments(t *testing.T) {
	other := schema.Instrument{Exchange: "NSE", Symbol: "TCS"}
	trader := &stubTrader{}

	strat, err := NewSMACross("NSE:INFY", 2, 4, 1)
	require.NoError(t, err)
	require.NoError(t, strat.Initialize(&Env{Trader: trader, Market: &stubMarket{}}))

	feedPrices(strat, other, 100, 101, 102, 103, 104)
	require.Empty(t, trader.submitted())
}

func TestSMACrossResyncsSideFromPositionUpdates(t *testing.T) {
	instrument := schema.Instrument{Exchange: "NSE", Symbol: "INFY"}
	trader := &stubTrader{}

	strat, err := NewSMACross("NSE:INFY", 2, 4, 1)
	require.NoError(t, err)
	require.NoError(t, strat.Initialize(&Env{Trader: trader, Market: &stubMarket{}}))

	strat.OnPositionUpdate(positions.Position{Instrument: instrument, NetQty: 7})
	require.Equal(t, sideLong, strat.side)

	strat.OnPositionUpdate(positions.Position{Instrument: instrument, NetQty: 0})
	require.Equal(t, sideFlat, strat.side)
}
