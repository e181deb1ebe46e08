package strategy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/deepterminal/deepterminal/errs"
)

// Factory builds a strategy from free-form config parameters.
type Factory func(config map[string]any) (Strategy, error)

// ConfigField describes one tunable parameter of a strategy.
type ConfigField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required"`
}

// Metadata describes a registered strategy kind for the UI.
type Metadata struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"displayName"`
	Description string        `json:"description,omitempty"`
	Config      []ConfigField `json:"config"`
}

// Definition couples strategy metadata with its factory.
type Definition struct {
	meta    Metadata
	factory Factory
}

// Metadata returns a copy of the definition's metadata; callers may mutate
// the returned config fields freely.
func (d Definition) Metadata() Metadata {
	fields := make([]ConfigField, len(d.meta.Config))
	copy(fields, d.meta.Config)
	meta := d.meta
	meta.Config = fields
	return meta
}

// Registry maps strategy kind names to factories. The built-in kinds are
// registered at construction; callers may add their own.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns a registry preloaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.mustRegister(Definition{
		meta: Metadata{
			Name:        "noop",
			DisplayName: "No-Op",
			Description: "Pass-through strategy that performs no actions.",
		},
		factory: func(_ map[string]any) (Strategy, error) {
			return &NoOp{}, nil
		},
	})

	r.mustRegister(Definition{
		meta: Metadata{
			Name:        "smacross",
			DisplayName: "SMA Crossover",
			Description: "Trades crossovers of a short simple moving average over a long one.",
			Config: []ConfigField{
				{Name: "instrument", Type: "string", Description: "Instrument key to trade", Required: true},
				{Name: "short_period", Type: "int", Description: "Short moving average window in ticks", Default: 10, Required: false},
				{Name: "long_period", Type: "int", Description: "Long moving average window in ticks", Default: 30, Required: false},
				{Name: "quantity", Type: "int", Description: "Quantity per market order", Default: 1, Required: false},
			},
		},
		factory: func(cfg map[string]any) (Strategy, error) {
			return NewSMACross(
				stringValue(cfg, "instrument", ""),
				intValue(cfg, "short_period", 10),
				intValue(cfg, "long_period", 30),
				int64(intValue(cfg, "quantity", 1)),
			)
		},
	})

	r.mustRegister(Definition{
		meta: Metadata{
			Name:        "macd",
			DisplayName: "MACD",
			Description: "Trades MACD/signal line crossovers using incremental EMAs.",
			Config: []ConfigField{
				{Name: "instrument", Type: "string", Description: "Instrument key to trade", Required: true},
				{Name: "fast_period", Type: "int", Description: "Fast EMA period", Default: 12, Required: false},
				{Name: "slow_period", Type: "int", Description: "Slow EMA period", Default: 26, Required: false},
				{Name: "signal_period", Type: "int", Description: "Signal EMA period", Default: 9, Required: false},
				{Name: "quantity", Type: "int", Description: "Quantity per market order", Default: 1, Required: false},
			},
		},
		factory: func(cfg map[string]any) (Strategy, error) {
			return NewMACD(
				stringValue(cfg, "instrument", ""),
				intValue(cfg, "fast_period", 12),
				intValue(cfg, "slow_period", 26),
				intValue(cfg, "signal_period", 9),
				int64(intValue(cfg, "quantity", 1)),
			)
		},
	})
}

func (r *Registry) mustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(fmt.Sprintf("register builtin strategy: %v", err))
	}
}

// Register adds a strategy definition under its lowercased name.
func (r *Registry) Register(def Definition) error {
	name := strings.ToLower(strings.TrimSpace(def.meta.Name))
	if name == "" {
		return errs.New("strategy/registry", errs.CodeInvalid, errs.WithMessage("strategy name required"))
	}
	if def.factory == nil {
		return errs.New("strategy/registry", errs.CodeInvalid, errs.WithMessage("strategy "+name+" missing factory"))
	}
	def.meta.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; exists {
		return errs.New("strategy/registry", errs.CodeInvalid, errs.WithMessage("strategy already registered: "+name))
	}
	r.defs[name] = def
	return nil
}

// Build instantiates a strategy of the given kind with config parameters.
func (r *Registry) Build(name string, cfg map[string]any) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	def, ok := r.defs[key]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("strategy/registry", errs.CodeNotFound, errs.WithMessage("unknown strategy: "+name))
	}
	strat, err := def.factory(cfg)
	if err != nil {
		return nil, err
	}
	if strat == nil {
		return nil, errs.New("strategy/registry", errs.CodeInvalid, errs.WithMessage("factory for "+key+" returned nil"))
	}
	return strat, nil
}

// List returns metadata for every registered kind, sorted by name.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func stringValue(cfg map[string]any, key, def string) string {
	if cfg == nil {
		return def
	}
	if raw, ok := cfg[key]; ok {
		if val, ok := raw.(string); ok && strings.TrimSpace(val) != "" {
			return val
		}
	}
	return def
}

func intValue(cfg map[string]any, key string, def int) int {
	if cfg == nil {
		return def
	}
	if raw, ok := cfg[key]; ok {
		switch v := raw.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return parsed
			}
		}
	}
	return def
}
