package journal

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/deepterminal/deepterminal/internal/schema"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	dsn := os.Getenv("JOURNAL_TEST_DSN")
	if dsn == "" {
		t.Skip("JOURNAL_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j, err := Open(ctx, dsn, log.New(os.Stderr, "journal-test ", log.LstdFlags))
	require.NoError(t, err)
	require.NotNil(t, j)
	t.Cleanup(func() {
		_, _ = j.pool.Exec(context.Background(), "TRUNCATE journal_transitions, journal_orders")
		j.Close()
	})
	return j
}

func testOrder(id string, status schema.OrderStatus) schema.Order {
	now := time.Now().UTC()
	limit := decimal.NewFromInt(1500)
	return schema.Order{
		ID:         id,
		Instrument: schema.Instrument{Exchange: "NSE", Symbol: "INFY"},
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Quantity:   10,
		LimitPrice: &limit,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestJournalDisabledWithoutDSN(t *testing.T) {
	j, err := Open(context.Background(), "   ", nil)
	require.NoError(t, err)
	require.Nil(t, j)

	// Nil journal is safe to use everywhere.
	require.NoError(t, j.Record(context.Background(), schema.OrderUpdated{}))
	j.Run(context.Background(), nil)
	j.Close()
}

func TestJournalRecordsTransitions(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	order := testOrder("ord-journal-1", schema.StatusPending)
	require.NoError(t, j.Record(ctx, schema.OrderUpdated{Order: order, At: order.UpdatedAt}))

	order.Status = schema.StatusAcknowledged
	order.BrokerOrderID = "UPX-900"
	order.UpdatedAt = time.Now().UTC()
	require.NoError(t, j.Record(ctx, schema.OrderUpdated{Order: order, At: order.UpdatedAt}))

	order.Status = schema.StatusFilled
	order.FilledQty = 10
	order.AvgFillPrice = decimal.NewFromInt(1499)
	order.UpdatedAt = time.Now().UTC()
	require.NoError(t, j.Record(ctx, schema.OrderUpdated{Order: order, At: order.UpdatedAt}))

	var status, brokerID string
	var filled int64
	row := j.pool.QueryRow(ctx,
		"SELECT status, broker_order_id, filled_qty FROM journal_orders WHERE id = $1", order.ID)
	require.NoError(t, row.Scan(&status, &brokerID, &filled))
	require.Equal(t, "FILLED", status)
	require.Equal(t, "UPX-900", brokerID)
	require.EqualValues(t, 10, filled)

	var transitions int
	row = j.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM journal_transitions WHERE order_id = $1", order.ID)
	require.NoError(t, row.Scan(&transitions))
	require.Equal(t, 3, transitions)
}

func TestJournalRunConsumesUpdates(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	updates := make(chan schema.OrderUpdated, 4)
	order := testOrder("ord-journal-run", schema.StatusPending)
	updates <- schema.OrderUpdated{Order: order, At: order.UpdatedAt}
	order.Status = schema.StatusSubmitted
	updates <- schema.OrderUpdated{Order: order, At: time.Now().UTC()}
	close(updates)

	j.Run(ctx, updates)

	require.Eventually(t, func() bool {
		var transitions int
		row := j.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM journal_transitions WHERE order_id = $1", order.ID)
		if err := row.Scan(&transitions); err != nil {
			return false
		}
		return transitions == 2
	}, 5*time.Second, 50*time.Millisecond)
}
