package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/deepterminal/deepterminal/config"
	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/schema"
)

type fakeBroker struct {
	mu     sync.Mutex
	placed []schema.Order
	next   int
}

func (f *fakeBroker) PlaceOrder(_ context.Context, order schema.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, order)
	f.next++
	return fmt.Sprintf("UPX-%d", f.next), nil
}

func (f *fakeBroker) CancelOrder(context.Context, string) error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Broker.AccessToken = "test-token"
	cfg.Engine.Instruments = []string{"NSE:INFY"}
	cfg.Engine.ScriptDir = t.TempDir()
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config) (*Engine, *fakeBroker) {
	t.Helper()
	brk := &fakeBroker{}
	e, err := New(cfg, nil, nil, WithBroker(brk))
	require.NoError(t, err)
	return e, brk
}

// runDataPath starts the dispatcher and runner loops against a hand-fed
// frame channel, standing in for a live websocket session.
func runDataPath(t *testing.T, e *Engine) chan<- schema.RawFrame {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan schema.RawFrame, 32)
	quotes, quoteCancel := e.dispatcher.Subscribe("strategy-runner")

	done := make(chan struct{}, 2)
	go func() { e.dispatcher.Run(ctx, frames); done <- struct{}{} }()
	go func() { e.runner.Run(ctx, quotes); done <- struct{}{} }()

	t.Cleanup(func() {
		cancel()
		quoteCancel()
		<-done
		<-done
		e.coordinator.Close()
		e.ledger.Close()
	})
	return frames
}

func tickFrame(t *testing.T, seq uint64, price string) schema.RawFrame {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type":           "tick",
		"instrument_key": "NSE:INFY",
		"ltp":            price,
		"seq":            seq,
	})
	require.NoError(t, err)
	return schema.RawFrame{Data: data, Epoch: 1, ReceivedAt: time.Now().UTC()}
}

func fillFrame(t *testing.T, brokerID string, side schema.Side, qty int64, price string) schema.RawFrame {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type":              "order_update",
		"event":             "fill",
		"exchange_order_id": brokerID,
		"instrument_key":    "NSE:INFY",
		"transaction_type":  string(side),
		"quantity":          qty,
		"price":             price,
	})
	require.NoError(t, err)
	return schema.RawFrame{Data: data, Epoch: 1, ReceivedAt: time.Now().UTC()}
}

func marketOrder(side schema.Side, qty int64) schema.OrderRequest {
	return schema.OrderRequest{
		Instrument: schema.Instrument{Exchange: "NSE", Symbol: "INFY"},
		Side:       side,
		Type:       schema.OrderTypeMarket,
		Quantity:   qty,
	}
}

func TestEngineOrderAndPositionFlow(t *testing.T) {
	e, brk := newTestEngine(t, testConfig(t))
	frames := runDataPath(t, e)
	ctx := context.Background()
	instrument := schema.Instrument{Exchange: "NSE", Symbol: "INFY"}

	buy, err := e.Submit(ctx, marketOrder(schema.SideBuy, 10))
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, buy.Status)

	require.Eventually(t, func() bool {
		stored, ok := e.Orders().Get(buy.ID)
		return ok && stored.Status == schema.StatusAcknowledged
	}, 2*time.Second, 10*time.Millisecond)

	brk.mu.Lock()
	require.Len(t, brk.placed, 1)
	brk.mu.Unlock()

	frames <- fillFrame(t, "UPX-1", schema.SideBuy, 10, "100")
	require.Eventually(t, func() bool {
		stored, ok := e.Orders().Get(buy.ID)
		return ok && stored.Status == schema.StatusFilled
	}, 2*time.Second, 10*time.Millisecond)

	pos, ok := e.Positions().Get(instrument)
	require.True(t, ok)
	require.EqualValues(t, 10, pos.NetQty)
	require.True(t, pos.AvgCost.Equal(decimal.NewFromInt(100)))

	// Partial unwind at a profit realizes 4 * (110 - 100).
	sell, err := e.Submit(ctx, marketOrder(schema.SideSell, 4))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		stored, ok := e.Orders().Get(sell.ID)
		return ok && stored.Status == schema.StatusAcknowledged
	}, 2*time.Second, 10*time.Millisecond)

	frames <- fillFrame(t, "UPX-2", schema.SideSell, 4, "110")
	require.Eventually(t, func() bool {
		pos, ok := e.Positions().Get(instrument)
		return ok && pos.NetQty == 6
	}, 2*time.Second, 10*time.Millisecond)

	pos, _ = e.Positions().Get(instrument)
	require.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(40)), "realized %s", pos.RealizedPnL)

	// A tick re-marks the remaining 6 shares: 6 * (105 - 100).
	frames <- tickFrame(t, 1, "105")
	require.Eventually(t, func() bool {
		pos, ok := e.Positions().Get(instrument)
		return ok && pos.UnrealizedPnL.Equal(decimal.NewFromInt(30))
	}, 2*time.Second, 10*time.Millisecond)

	quote, ok := e.Quotes().Get(instrument)
	require.True(t, ok)
	require.True(t, quote.LastPrice.Equal(decimal.NewFromInt(105)))
}

// feedServer is a minimal websocket endpoint: it waits for the subscribe
// replay, then pushes the queued frames and holds the session open. An
// armed gate delays the frames until the test says so.
type feedServer struct {
	frames []string
	gate   chan struct{}
}

func (s *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err != nil {
		return
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return
		}
	}
	for _, frame := range s.frames {
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			return
		}
	}
	<-ctx.Done()
}

func TestEngineStartOutlivesStartupContext(t *testing.T) {
	srv := &feedServer{
		frames: []string{`{"type":"tick","instrument_key":"NSE:INFY","ltp":"1500","seq":1}`},
		gate:   make(chan struct{}),
	}
	server := httptest.NewServer(srv)
	defer server.Close()

	cfg := testConfig(t)
	cfg.Feed.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	e, _ := newTestEngine(t, cfg)
	defer e.Close()

	// The entrypoint bounds Start with a deadline and releases it as soon
	// as Start returns; the feed and dispatch loops must keep running.
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	require.NoError(t, e.Start(startCtx))
	startCancel()

	// Only release the tick once the startup context is gone.
	close(srv.gate)

	instrument := schema.Instrument{Exchange: "NSE", Symbol: "INFY"}
	require.Eventually(t, func() bool {
		quote, ok := e.Quotes().Get(instrument)
		return ok && quote.LastPrice.Equal(decimal.NewFromInt(1500))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngineEnforcesRiskLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Risk.MaxOrderQuantity = 5
	e, brk := newTestEngine(t, cfg)
	defer func() {
		e.coordinator.Close()
		e.ledger.Close()
	}()

	_, err := e.Submit(context.Background(), marketOrder(schema.SideBuy, 6))
	require.True(t, errs.Is(err, errs.CodeInvalid))

	brk.mu.Lock()
	require.Empty(t, brk.placed)
	brk.mu.Unlock()
}

func TestEngineRegistersConfiguredStrategies(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategies = []config.StrategySpec{
		{ID: "quiet", Name: "noop"},
		{ID: "trend", Name: "smacross", Params: map[string]any{
			"instrument": "NSE:INFY",
			"quantity":   2,
		}},
	}
	e, _ := newTestEngine(t, cfg)
	require.ElementsMatch(t, []string{"quiet", "trend"}, e.StrategyIDs())
	e.coordinator.Close()
	e.ledger.Close()
}

func TestEngineRegistersScriptedStrategy(t *testing.T) {
	cfg := testConfig(t)
	script := `
module.exports = {
    create: function (env) {
        return {
            onTickData: function (quote) {},
        };
    },
};`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Engine.ScriptDir, "watcher.js"), []byte(script), 0o600))
	cfg.Strategies = []config.StrategySpec{{ID: "scripted", Script: "watcher"}}

	e, _ := newTestEngine(t, cfg)
	require.Equal(t, []string{"scripted"}, e.StrategyIDs())
	e.coordinator.Close()
	e.ledger.Close()
}

func TestEngineRejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategies = []config.StrategySpec{{ID: "ghost", Name: "does-not-exist"}}
	_, err := New(cfg, nil, nil, WithBroker(&fakeBroker{}))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestEngineRejectsMissingScript(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategies = []config.StrategySpec{{ID: "ghost", Script: "missing"}}
	_, err := New(cfg, nil, nil, WithBroker(&fakeBroker{}))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestEngineStrategyTradesOnTicks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategies = []config.StrategySpec{
		{ID: "trend", Name: "smacross", Params: map[string]any{
			"instrument":   "NSE:INFY",
			"short_period": 2,
			"long_period":  3,
			"quantity":     5,
		}},
	}
	e, brk := newTestEngine(t, cfg)
	frames := runDataPath(t, e)

	// A steady rise fills the long window with the short average on top.
	prices := []string{"100", "101", "102", "103"}
	for i, p := range prices {
		frames <- tickFrame(t, uint64(i+1), p)
	}

	require.Eventually(t, func() bool {
		brk.mu.Lock()
		defer brk.mu.Unlock()
		return len(brk.placed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	brk.mu.Lock()
	placed := brk.placed[0]
	brk.mu.Unlock()
	require.Equal(t, schema.SideBuy, placed.Side)
	require.EqualValues(t, 5, placed.Quantity)
}
