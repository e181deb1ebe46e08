package dispatcher

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/schema"
)

// wireFrame is the on-the-wire union of feed frame kinds. Tick frames carry
// price fields; order_update frames carry the execution fields.
type wireFrame struct {
	Type          string          `json:"type"`
	InstrumentKey string          `json:"instrument_key"`
	LTP           decimal.Decimal `json:"ltp"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Seq           uint64          `json:"seq"`
	TS            int64           `json:"ts"`

	Event           string          `json:"event"`
	OrderID         string          `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	TransactionType string          `json:"transaction_type"`
	Quantity        int64           `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Reason          string          `json:"reason"`
}

// decoded is the normalized result of parsing one raw frame: exactly one of
// tick or order is set.
type decoded struct {
	tick  *schema.Tick
	order *schema.OrderEvent
}

// decodeFrame parses and validates a raw feed frame. Failures are reported
// as malformed_input; the caller counts and drops them.
func decodeFrame(raw schema.RawFrame) (decoded, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed, errs.WithCause(err))
	}

	switch strings.ToLower(strings.TrimSpace(frame.Type)) {
	case "tick", "ltpc", "full":
		return decodeTick(frame, raw)
	case "order_update":
		return decodeOrderEvent(frame, raw)
	default:
		return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed,
			errs.WithMessage("unknown frame type "+strings.TrimSpace(frame.Type)))
	}
}

func decodeTick(frame wireFrame, raw schema.RawFrame) (decoded, error) {
	instrument, err := schema.ParseInstrument(frame.InstrumentKey)
	if err != nil {
		return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed,
			errs.WithMessage("tick instrument"), errs.WithCause(err))
	}
	if frame.Seq == 0 {
		return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed,
			errs.WithMessage("tick missing sequence number"))
	}
	if !frame.LTP.IsPositive() {
		return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed,
			errs.WithMessage("tick missing last traded price"))
	}
	tick := schema.Tick{
		Instrument: instrument,
		LastPrice:  frame.LTP,
		Bid:        frame.Bid,
		Ask:        frame.Ask,
		Timestamp:  frameTime(frame.TS, raw.ReceivedAt),
		Epoch:      raw.Epoch,
		Seq:        frame.Seq,
	}
	return decoded{tick: &tick}, nil
}

func decodeOrderEvent(frame wireFrame, raw schema.RawFrame) (decoded, error) {
	var kind schema.OrderEventKind
	switch strings.ToLower(strings.TrimSpace(frame.Event)) {
	case "ack":
		kind = schema.OrderEventAck
	case "fill", "trade":
		kind = schema.OrderEventFill
	case "cancel", "cancelled":
		kind = schema.OrderEventCancel
	case "reject", "rejected":
		kind = schema.OrderEventReject
	default:
		return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed,
			errs.WithMessage("unknown order event "+strings.TrimSpace(frame.Event)))
	}
	if frame.OrderID == "" && frame.ExchangeOrderID == "" {
		return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed,
			errs.WithMessage("order event missing order id"))
	}

	event := schema.OrderEvent{
		Kind:          kind,
		OrderID:       frame.OrderID,
		BrokerOrderID: frame.ExchangeOrderID,
		Reason:        frame.Reason,
		At:            frameTime(frame.TS, raw.ReceivedAt),
	}
	if frame.InstrumentKey != "" {
		instrument, err := schema.ParseInstrument(frame.InstrumentKey)
		if err != nil {
			return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed,
				errs.WithMessage("order event instrument"), errs.WithCause(err))
		}
		event.Instrument = instrument
	}
	if kind == schema.OrderEventFill {
		if frame.Quantity <= 0 || !frame.Price.IsPositive() {
			return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed,
				errs.WithMessage("fill requires positive quantity and price"))
		}
		switch strings.ToUpper(strings.TrimSpace(frame.TransactionType)) {
		case string(schema.SideBuy):
			event.Side = schema.SideBuy
		case string(schema.SideSell):
			event.Side = schema.SideSell
		default:
			return decoded{}, errs.New("dispatcher/decode", errs.CodeMalformed,
				errs.WithMessage("fill requires a transaction type"))
		}
		event.Quantity = frame.Quantity
		event.Price = frame.Price
	}
	return decoded{order: &event}, nil
}

func frameTime(millis int64, fallback time.Time) time.Time {
	if millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	if fallback.IsZero() {
		return time.Now().UTC()
	}
	return fallback.UTC()
}
