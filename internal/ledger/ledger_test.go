package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/schema"
)

var infy = schema.Instrument{Exchange: "NSE", Symbol: "INFY"}

func marketBuy(qty int64) schema.OrderRequest {
	return schema.OrderRequest{
		Instrument: infy,
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeMarket,
		Quantity:   qty,
	}
}

func TestCreateAssignsCorrelationID(t *testing.T) {
	l := New()
	defer l.Close()

	order := l.Create(marketBuy(10))
	require.NotEmpty(t, order.ID)
	require.Equal(t, schema.StatusPending, order.Status)

	stored, ok := l.Get(order.ID)
	require.True(t, ok)
	require.Equal(t, order.ID, stored.ID)
}

func TestLifecycleHappyPath(t *testing.T) {
	l := New()
	defer l.Close()

	order := l.Create(marketBuy(10))
	require.NoError(t, l.MarkSubmitted(order.ID))
	require.NoError(t, l.ApplyAck(schema.Ack{OrderID: order.ID, BrokerOrderID: "EX-77"}))

	id, ok := l.Resolve("EX-77")
	require.True(t, ok)
	require.Equal(t, order.ID, id)

	partial, err := l.ApplyFill(schema.Fill{
		OrderID: order.ID, Instrument: infy, Side: schema.SideBuy,
		Quantity: 4, Price: decimal.NewFromInt(1500),
	})
	require.NoError(t, err)
	require.Equal(t, schema.StatusPartiallyFilled, partial.Status)
	require.EqualValues(t, 4, partial.FilledQty)

	final, err := l.ApplyFill(schema.Fill{
		OrderID: order.ID, Instrument: infy, Side: schema.SideBuy,
		Quantity: 6, Price: decimal.NewFromInt(1510),
	})
	require.NoError(t, err)
	require.Equal(t, schema.StatusFilled, final.Status)
	require.EqualValues(t, 10, final.FilledQty)
	// 4@1500 + 6@1510 -> 1506
	require.True(t, final.AvgFillPrice.Equal(decimal.NewFromInt(1506)),
		"avg fill price = %s", final.AvgFillPrice)

	require.Empty(t, l.ListOpen())
}

func TestFillAfterTerminalStateIsDropped(t *testing.T) {
	l := New()
	defer l.Close()

	order := l.Create(marketBuy(5))
	require.NoError(t, l.MarkSubmitted(order.ID))
	require.NoError(t, l.ApplyAck(schema.Ack{OrderID: order.ID}))
	require.NoError(t, l.ApplyCancel(order.ID))

	_, err := l.ApplyFill(schema.Fill{
		OrderID: order.ID, Instrument: infy, Side: schema.SideBuy,
		Quantity: 5, Price: decimal.NewFromInt(100),
	})
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))

	stored, _ := l.Get(order.ID)
	require.Equal(t, schema.StatusCancelled, stored.Status, "failed fill must not mutate status")
}

func TestDuplicateAckIsDropped(t *testing.T) {
	l := New()
	defer l.Close()

	order := l.Create(marketBuy(5))
	require.NoError(t, l.MarkSubmitted(order.ID))
	require.NoError(t, l.ApplyAck(schema.Ack{OrderID: order.ID}))

	err := l.ApplyAck(schema.Ack{OrderID: order.ID})
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))
}

func TestUnknownOrderEventsAreInvalidTransitions(t *testing.T) {
	l := New()
	defer l.Close()

	require.True(t, errs.Is(l.ApplyAck(schema.Ack{OrderID: "ghost"}), errs.CodeInvalidTransition))
	require.True(t, errs.Is(l.ApplyCancel("ghost"), errs.CodeInvalidTransition))
	require.True(t, errs.Is(l.ApplyReject("ghost", "nope"), errs.CodeInvalidTransition))
	_, err := l.ApplyFill(schema.Fill{OrderID: "ghost", Quantity: 1, Price: decimal.NewFromInt(1)})
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))
}

func TestOverFillIsRejected(t *testing.T) {
	l := New()
	defer l.Close()

	order := l.Create(marketBuy(5))
	require.NoError(t, l.MarkSubmitted(order.ID))
	require.NoError(t, l.ApplyAck(schema.Ack{OrderID: order.ID}))

	_, err := l.ApplyFill(schema.Fill{
		OrderID: order.ID, Instrument: infy, Side: schema.SideBuy,
		Quantity: 6, Price: decimal.NewFromInt(100),
	})
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))
}

func TestUpdatesStreamCarriesTransitions(t *testing.T) {
	l := New(WithUpdateBuffer(16))
	defer l.Close()

	order := l.Create(marketBuy(1))
	require.NoError(t, l.MarkSubmitted(order.ID))
	require.NoError(t, l.ApplyReject(order.ID, "insufficient funds"))

	var statuses []schema.OrderStatus
	for i := 0; i < 3; i++ {
		update := <-l.Updates()
		statuses = append(statuses, update.Order.Status)
	}
	require.Equal(t, []schema.OrderStatus{
		schema.StatusPending,
		schema.StatusSubmitted,
		schema.StatusRejected,
	}, statuses)
}

func TestSlowUpdateConsumerDropsOldest(t *testing.T) {
	l := New(WithUpdateBuffer(1))
	defer l.Close()

	order := l.Create(marketBuy(1))
	require.NoError(t, l.MarkSubmitted(order.ID))
	require.NoError(t, l.ApplyAck(schema.Ack{OrderID: order.ID}))

	require.Positive(t, l.DroppedUpdates())
	update := <-l.Updates()
	require.Equal(t, schema.StatusAcknowledged, update.Order.Status,
		"the newest update wins when the buffer overflows")
}
