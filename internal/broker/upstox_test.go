package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/schema"
)

func testOrder() schema.Order {
	limit := decimal.NewFromInt(1500)
	return schema.Order{
		ID:         "corr-1",
		Instrument: schema.Instrument{Exchange: "NSE", Symbol: "INFY"},
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Quantity:   10,
		LimitPrice: &limit,
		Status:     schema.StatusPending,
	}
}

func newTestClient(t *testing.T, handler http.Handler, opts ...UpstoxOption) (*UpstoxClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]UpstoxOption{WithBaseURL(server.URL)}, opts...)
	client, err := NewUpstoxClient("test-token", opts...)
	require.NoError(t, err)
	return client, server
}

func TestPlaceOrderSuccess(t *testing.T) {
	var captured placeOrderPayload
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/order/place", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"UPX-42"}}`))
	}))

	brokerID, err := client.PlaceOrder(context.Background(), testOrder())
	require.NoError(t, err)
	require.Equal(t, "UPX-42", brokerID)

	require.Equal(t, "BUY", captured.TransactionType)
	require.Equal(t, "NSE", captured.Exchange)
	require.Equal(t, "INFY", captured.Symbol)
	require.Equal(t, int64(10), captured.Quantity)
	require.Equal(t, "LIMIT", captured.OrderType)
	require.Equal(t, float64(1500), captured.Price)
	require.Equal(t, "corr-1", captured.Tag)
}

func TestPlaceOrderVenueRejectionIsPermanent(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","errors":[{"errorCode":"UDAPI1021","message":"insufficient funds"}]}`))
	}))

	_, err := client.PlaceOrder(context.Background(), testOrder())
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Equal(t, int32(1), calls.Load(), "4xx is not retried")

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "UDAPI1021", envelope.RawCode)
	require.Equal(t, "insufficient funds", envelope.RawMsg)
	require.Equal(t, http.StatusBadRequest, envelope.HTTP)
}

func TestPlaceOrderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"UPX-7"}}`))
	}), WithMaxAttempts(3))

	brokerID, err := client.PlaceOrder(context.Background(), testOrder())
	require.NoError(t, err)
	require.Equal(t, "UPX-7", brokerID)
	require.Equal(t, int32(3), calls.Load())
}

func TestPlaceOrderExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), WithMaxAttempts(2))

	_, err := client.PlaceOrder(context.Background(), testOrder())
	require.True(t, errs.Is(err, errs.CodeExternal))
	require.Equal(t, int32(2), calls.Load())
}

func TestPlaceOrderDeadlineMapsToTimeout(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.PlaceOrder(ctx, testOrder())
	require.True(t, errs.Is(err, errs.CodeTimeout), "got %v", err)
}

func TestPlaceOrderMissingOrderID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{}}`))
	}))

	_, err := client.PlaceOrder(context.Background(), testOrder())
	require.True(t, errs.Is(err, errs.CodeExternal))
}

func TestCancelOrder(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/order/cancel", r.URL.Path)
		require.Equal(t, "UPX-42", r.URL.Query().Get("order_id"))
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"UPX-42"}}`))
	}))

	require.NoError(t, client.CancelOrder(context.Background(), "UPX-42"))
}

func TestCancelOrderRequiresID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	err := client.CancelOrder(context.Background(), "  ")
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestNewUpstoxClientRequiresToken(t *testing.T) {
	_, err := NewUpstoxClient("")
	require.Error(t, err)
}
