package js

import (
	"context"
	"fmt"
	"log"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/positions"
	"github.com/deepterminal/deepterminal/internal/schema"
	"github.com/deepterminal/deepterminal/internal/strategy"
)

// Strategy adapts a JavaScript module to the strategy callback interface.
// The module must export create(env) returning a handler object whose
// optional onTickData and onPositionUpdate methods receive plain objects.
// All callbacks run on the strategy runner's serialized goroutine, so the
// underlying goja runtime is never entered concurrently.
type Strategy struct {
	module  *Module
	config  map[string]any
	logger  *log.Logger
	rt      *goja.Runtime
	exports *goja.Object
	handler *goja.Object
	env     *strategy.Env
}

// NewStrategy instantiates a scripted strategy from a compiled module.
func NewStrategy(module *Module, cfg map[string]any, logger *log.Logger) (*Strategy, error) {
	if module == nil || module.Program == nil {
		return nil, errs.New("strategy/js", errs.CodeInvalid, errs.WithMessage("module required"))
	}
	if logger == nil {
		logger = log.Default()
	}

	rt := goja.New()
	exports, err := runModule(rt, module.Program)
	if err != nil {
		return nil, errs.New("strategy/js", errs.CodeInvalid,
			errs.WithMessage("evaluate "+module.Name), errs.WithCause(err))
	}

	return &Strategy{
		module:  module,
		config:  cloneConfig(cfg),
		logger:  logger,
		rt:      rt,
		exports: exports,
	}, nil
}

// Initialize invokes the module's create export with the bridged environment.
func (s *Strategy) Initialize(env *strategy.Env) error {
	if env == nil || env.Trader == nil {
		return errs.New("strategy/js", errs.CodeInvalid, errs.WithMessage("trader required"))
	}
	s.env = env

	create, ok := goja.AssertFunction(s.exports.Get("create"))
	if !ok {
		return errs.New("strategy/js", errs.CodeInvalid,
			errs.WithMessage(s.module.Name+": create export missing or not callable"))
	}

	jsEnv := s.rt.NewObject()
	_ = jsEnv.Set("config", s.config)
	_ = jsEnv.Set("log", s.bridgeLog())
	_ = jsEnv.Set("submitOrder", s.bridgeSubmit())
	_ = jsEnv.Set("cancelOrder", s.bridgeCancel())
	_ = jsEnv.Set("getQuote", s.bridgeQuote())
	_ = jsEnv.Set("getPosition", s.bridgePosition())

	value, err := create(goja.Undefined(), jsEnv)
	if err != nil {
		return errs.New("strategy/js", errs.CodeInvalid,
			errs.WithMessage(s.module.Name+": create failed"), errs.WithCause(err))
	}
	handler := value.ToObject(s.rt)
	if handler == nil {
		return errs.New("strategy/js", errs.CodeInvalid,
			errs.WithMessage(s.module.Name+": create returned non-object"))
	}
	s.handler = handler
	return nil
}

// OnTickData forwards the quote to the handler's onTickData method.
func (s *Strategy) OnTickData(quote schema.Quote) {
	s.callHandler("onTickData", map[string]any{
		"instrument_key": quote.Instrument.Key(),
		"ltp":            quote.LastPrice.InexactFloat64(),
		"bid":            quote.Bid.InexactFloat64(),
		"ask":            quote.Ask.InexactFloat64(),
		"seq":            quote.Seq,
		"ts":             quote.Timestamp.UnixMilli(),
	})
}

// OnPositionUpdate forwards the position to the handler's onPositionUpdate method.
func (s *Strategy) OnPositionUpdate(pos positions.Position) {
	s.callHandler("onPositionUpdate", map[string]any{
		"instrument_key": pos.Instrument.Key(),
		"net_qty":        pos.NetQty,
		"avg_cost":       pos.AvgCost.InexactFloat64(),
		"realized_pnl":   pos.RealizedPnL.InexactFloat64(),
		"unrealized_pnl": pos.UnrealizedPnL.InexactFloat64(),
		"last_price":     pos.LastPrice.InexactFloat64(),
	})
}

func (s *Strategy) callHandler(method string, arg map[string]any) {
	if s.handler == nil {
		return
	}
	value := s.handler.Get(method)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return
	}
	if _, err := callable(s.handler, s.rt.ToValue(arg)); err != nil {
		// JS exceptions become Go panics so the runner evicts the script.
		panic(fmt.Sprintf("js strategy %s: %s: %v", s.module.Name, method, err))
	}
}

func (s *Strategy) bridgeLog() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.Export()
		}
		s.logger.Println(append([]any{"js[" + s.module.Name + "]:"}, parts...)...)
		return goja.Undefined()
	}
}

// bridgeSubmit exposes order submission as submitOrder({instrument_key,
// side, type, quantity, limit_price, trigger_price}) returning the order id.
func (s *Strategy) bridgeSubmit() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(s.rt.ToValue("submitOrder: request object required"))
		}
		raw, ok := call.Arguments[0].Export().(map[string]any)
		if !ok {
			panic(s.rt.ToValue("submitOrder: request must be an object"))
		}
		req, err := decodeOrderRequest(raw)
		if err != nil {
			panic(s.rt.ToValue("submitOrder: " + err.Error()))
		}
		order, err := s.env.Trader.Submit(context.Background(), req)
		if err != nil {
			panic(s.rt.ToValue("submitOrder: " + err.Error()))
		}
		return s.rt.ToValue(order.ID)
	}
}

func (s *Strategy) bridgeCancel() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(s.rt.ToValue("cancelOrder: order id required"))
		}
		id := call.Arguments[0].String()
		if err := s.env.Trader.Cancel(context.Background(), id); err != nil {
			panic(s.rt.ToValue("cancelOrder: " + err.Error()))
		}
		return goja.Undefined()
	}
}

func (s *Strategy) bridgeQuote() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		instrument, ok := s.parseInstrumentArg(call, "getQuote")
		if !ok || s.env.Market == nil {
			return goja.Null()
		}
		quote, found := s.env.Market.Quote(instrument)
		if !found {
			return goja.Null()
		}
		return s.rt.ToValue(map[string]any{
			"instrument_key": quote.Instrument.Key(),
			"ltp":            quote.LastPrice.InexactFloat64(),
			"bid":            quote.Bid.InexactFloat64(),
			"ask":            quote.Ask.InexactFloat64(),
		})
	}
}

func (s *Strategy) bridgePosition() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		instrument, ok := s.parseInstrumentArg(call, "getPosition")
		if !ok || s.env.Market == nil {
			return goja.Null()
		}
		pos, found := s.env.Market.Position(instrument)
		if !found {
			return goja.Null()
		}
		return s.rt.ToValue(map[string]any{
			"instrument_key": pos.Instrument.Key(),
			"net_qty":        pos.NetQty,
			"avg_cost":       pos.AvgCost.InexactFloat64(),
			"realized_pnl":   pos.RealizedPnL.InexactFloat64(),
		})
	}
}

func (s *Strategy) parseInstrumentArg(call goja.FunctionCall, op string) (schema.Instrument, bool) {
	if len(call.Arguments) == 0 {
		panic(s.rt.ToValue(op + ": instrument key required"))
	}
	instrument, err := schema.ParseInstrument(call.Arguments[0].String())
	if err != nil {
		panic(s.rt.ToValue(op + ": " + err.Error()))
	}
	return instrument, true
}

func decodeOrderRequest(raw map[string]any) (schema.OrderRequest, error) {
	req := schema.OrderRequest{
		Type: schema.OrderTypeMarket,
	}

	key, _ := raw["instrument_key"].(string)
	instrument, err := schema.ParseInstrument(key)
	if err != nil {
		return schema.OrderRequest{}, err
	}
	req.Instrument = instrument

	if side, ok := raw["side"].(string); ok {
		req.Side = schema.Side(side)
	}
	if typ, ok := raw["type"].(string); ok && typ != "" {
		req.Type = schema.OrderType(typ)
	}
	req.Quantity = toInt64(raw["quantity"])

	if price, ok := numericValue(raw["limit_price"]); ok {
		d := decimal.NewFromFloat(price)
		req.LimitPrice = &d
	}
	if price, ok := numericValue(raw["trigger_price"]); ok {
		d := decimal.NewFromFloat(price)
		req.TriggerPrice = &d
	}

	if err := req.Validate(); err != nil {
		return schema.OrderRequest{}, err
	}
	return req, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func cloneConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}
