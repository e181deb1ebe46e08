// Package config loads the terminal configuration with precedence:
// defaults, then YAML, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deepterminal/deepterminal/internal/risk"
	"github.com/deepterminal/deepterminal/internal/schema"
	"github.com/deepterminal/deepterminal/internal/telemetry"
)

// FeedConfig configures the market data websocket.
type FeedConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	PingInterval time.Duration `yaml:"pingInterval"`
	FrameBuffer  int           `yaml:"frameBuffer"`
}

// BrokerConfig configures the Upstox REST client and submission policy.
type BrokerConfig struct {
	BaseURL       string        `yaml:"baseUrl"`
	AccessToken   string        `yaml:"accessToken"`
	SubmitTimeout time.Duration `yaml:"submitTimeout"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	RateLimit     float64       `yaml:"rateLimit"`
	RateBurst     int           `yaml:"rateBurst"`
}

// EngineConfig sets the data path buffer sizes and strategy budgets.
type EngineConfig struct {
	Instruments      []string      `yaml:"instruments"`
	SubscriberBuffer int           `yaml:"subscriberBuffer"`
	UpdateBuffer     int           `yaml:"updateBuffer"`
	CallbackBudget   time.Duration `yaml:"callbackBudget"`
	MaxOverruns      int           `yaml:"maxOverruns"`
	ScriptDir        string        `yaml:"scriptDir"`
}

// StrategySpec declares one strategy instance to start at boot. Name selects
// a built-in factory; Script points at a JavaScript module instead.
type StrategySpec struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Script string         `yaml:"script"`
	Params map[string]any `yaml:"params"`
}

// JournalConfig configures the optional Postgres session journal. The
// journal stays disabled when the DSN is empty.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// Config is the unified terminal configuration.
type Config struct {
	Feed       FeedConfig       `yaml:"feed"`
	Broker     BrokerConfig     `yaml:"broker"`
	Engine     EngineConfig     `yaml:"engine"`
	Strategies []StrategySpec   `yaml:"strategies"`
	Risk       risk.Limits      `yaml:"risk"`
	Journal    JournalConfig    `yaml:"journal"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL:          "wss://api.upstox.com/v2/feed/market-data/socket",
			PingInterval: 30 * time.Second,
			FrameBuffer:  1024,
		},
		Broker: BrokerConfig{
			BaseURL:       "https://api.upstox.com/v2",
			SubmitTimeout: 5 * time.Second,
			MaxAttempts:   3,
			RateLimit:     10,
			RateBurst:     20,
		},
		Engine: EngineConfig{
			SubscriberBuffer: 64,
			UpdateBuffer:     256,
			CallbackBudget:   50 * time.Millisecond,
			MaxOverruns:      3,
			ScriptDir:        "strategies",
		},
		Telemetry: telemetry.Config{
			ServiceName: "deepterminal",
		},
	}
}

// Load reads the configuration with precedence defaults < YAML < env vars.
// A missing file is not an error; defaults and env apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := cfg.loadYAML(path); err != nil {
		return Config{}, err
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("DEEPTERMINAL_CONFIG")
	}
	if path = strings.TrimSpace(path); path == "" {
		path = "config/terminal.yaml"
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path.
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("DEEPTERMINAL_FEED_URL")); v != "" {
		c.Feed.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("UPSTOX_ACCESS_TOKEN")); v != "" {
		c.Broker.AccessToken = v
		if c.Feed.Token == "" {
			c.Feed.Token = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEEPTERMINAL_JOURNAL_DSN")); v != "" {
		c.Journal.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Feed.URL) == "" {
		return fmt.Errorf("config: feed.url required")
	}
	if strings.TrimSpace(c.Broker.AccessToken) == "" {
		return fmt.Errorf("config: broker.accessToken required (or UPSTOX_ACCESS_TOKEN)")
	}
	if c.Broker.SubmitTimeout <= 0 {
		return fmt.Errorf("config: broker.submitTimeout must be positive")
	}
	if c.Engine.CallbackBudget <= 0 {
		return fmt.Errorf("config: engine.callbackBudget must be positive")
	}
	if c.Risk.MaxOrderQuantity < 0 || c.Risk.MaxPositionQuantity < 0 {
		return fmt.Errorf("config: risk limits must not be negative")
	}

	for _, key := range c.Engine.Instruments {
		if _, err := schema.ParseInstrument(key); err != nil {
			return fmt.Errorf("config: engine.instruments: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.Strategies))
	for i, spec := range c.Strategies {
		if spec.ID == "" {
			return fmt.Errorf("config: strategies[%d]: id required", i)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("config: duplicate strategy id %q", spec.ID)
		}
		seen[spec.ID] = struct{}{}
		if (spec.Name == "") == (spec.Script == "") {
			return fmt.Errorf("config: strategy %q: exactly one of name or script required", spec.ID)
		}
	}
	return nil
}

// ParsedInstruments returns the configured watch list as typed instruments.
func (c *Config) ParsedInstruments() ([]schema.Instrument, error) {
	out := make([]schema.Instrument, 0, len(c.Engine.Instruments))
	for _, key := range c.Engine.Instruments {
		instrument, err := schema.ParseInstrument(key)
		if err != nil {
			return nil, err
		}
		out = append(out, instrument)
	}
	return out, nil
}
