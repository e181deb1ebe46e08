package schema

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/deepterminal/deepterminal/errs"
)

func TestInstrumentKeyRoundTrip(t *testing.T) {
	cases := []Instrument{
		{Exchange: "NSE", Symbol: "RELIANCE"},
		{Exchange: "NSE", Symbol: "NIFTY", Segment: "FUT", Expiry: "2026-09-25"},
		{Exchange: "BSE", Symbol: "SENSEX", Segment: "OPT"},
	}
	for _, instr := range cases {
		parsed, err := ParseInstrument(instr.Key())
		if err != nil {
			t.Fatalf("parse %q: %v", instr.Key(), err)
		}
		if parsed != instr {
			t.Errorf("round trip %q: got %+v want %+v", instr.Key(), parsed, instr)
		}
	}
}

func TestParseInstrumentRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{"", "NSE", "NSE:RELIANCE:FUT:2026-09-25:extra", ":RELIANCE"} {
		if _, err := ParseInstrument(key); !errs.Is(err, errs.CodeInvalid) {
			t.Errorf("ParseInstrument(%q): expected invalid_request, got %v", key, err)
		}
	}
}

func TestTickAfterOrdersByEpochThenSeq(t *testing.T) {
	tick := Tick{Epoch: 2, Seq: 5}
	if !tick.After(1, 100) {
		t.Error("newer epoch must supersede any sequence from an older epoch")
	}
	if !tick.After(2, 4) {
		t.Error("higher sequence in the same epoch must supersede")
	}
	if tick.After(2, 5) {
		t.Error("equal sequence must not supersede")
	}
	if tick.After(3, 0) {
		t.Error("older epoch must not supersede")
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	legal := []struct{ from, to OrderStatus }{
		{StatusPending, StatusSubmitted},
		{StatusPending, StatusRejected},
		{StatusSubmitted, StatusAcknowledged},
		{StatusSubmitted, StatusCancelled},
		{StatusAcknowledged, StatusPartiallyFilled},
		{StatusAcknowledged, StatusFilled},
		{StatusPartiallyFilled, StatusPartiallyFilled},
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to OrderStatus }{
		{StatusFilled, StatusCancelled},
		{StatusCancelled, StatusFilled},
		{StatusRejected, StatusSubmitted},
		{StatusAcknowledged, StatusPending},
		{StatusSubmitted, StatusFilled},
		{StatusPartiallyFilled, StatusRejected},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}

	for _, status := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected} {
		if !status.Terminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}
}

func TestOrderRequestValidate(t *testing.T) {
	instr := Instrument{Exchange: "NSE", Symbol: "TCS"}
	price := decimal.NewFromInt(4100)

	valid := []OrderRequest{
		{Instrument: instr, Side: SideBuy, Type: OrderTypeMarket, Quantity: 1},
		{Instrument: instr, Side: SideSell, Type: OrderTypeLimit, Quantity: 10, LimitPrice: &price},
		{Instrument: instr, Side: SideSell, Type: OrderTypeStopLoss, Quantity: 5, TriggerPrice: &price},
	}
	for i, req := range valid {
		if err := req.Validate(); err != nil {
			t.Errorf("valid request %d rejected: %v", i, err)
		}
	}

	invalid := []OrderRequest{
		{Instrument: instr, Side: SideBuy, Type: OrderTypeMarket, Quantity: 0},
		{Instrument: instr, Side: SideBuy, Type: OrderTypeMarket, Quantity: -3},
		{Instrument: instr, Side: SideBuy, Type: OrderTypeLimit, Quantity: 1},
		{Instrument: instr, Side: SideBuy, Type: OrderTypeStopLoss, Quantity: 1},
		{Instrument: instr, Side: "HOLD", Type: OrderTypeMarket, Quantity: 1},
		{Instrument: Instrument{}, Side: SideBuy, Type: OrderTypeMarket, Quantity: 1},
	}
	for i, req := range invalid {
		if err := req.Validate(); !errs.Is(err, errs.CodeInvalid) {
			t.Errorf("invalid request %d: expected invalid_request, got %v", i, err)
		}
	}
}

func TestFillSignedQuantity(t *testing.T) {
	buy := Fill{Side: SideBuy, Quantity: 10}
	sell := Fill{Side: SideSell, Quantity: 4}
	if buy.SignedQuantity() != 10 {
		t.Errorf("buy signed quantity = %d, want 10", buy.SignedQuantity())
	}
	if sell.SignedQuantity() != -4 {
		t.Errorf("sell signed quantity = %d, want -4", sell.SignedQuantity())
	}
}
