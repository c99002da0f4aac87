package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the ibkr-broker service.
type Config struct {
	Server     Server     `yaml:"server"`
	Gateway    Gateway    `yaml:"gateway"`
	MarketData MarketData `yaml:"market_data"`
	Risk       Risk       `yaml:"risk"`
	Logging    Logging    `yaml:"logging"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Gateway kinds.
const (
	GatewayCPAPI     = "cpapi"
	GatewaySimulator = "simulator"
)

// Gateway describes how to reach the broker's trading gateway.
type Gateway struct {
	Kind               string `yaml:"kind"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"` // 7497 paper, 7496 live
	ClientID           int    `yaml:"client_id"`
	MarketDataType     int    `yaml:"market_data_type"`
	ConnectTimeoutSec  int    `yaml:"connect_timeout_sec"`
	ConnectOnStart     bool   `yaml:"connect_on_start"`
	KeepaliveSec       int    `yaml:"keepalive_sec"`
	BaseURL            string `yaml:"base_url"`
	AccountID          string `yaml:"account_id"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	RequestsPerMin     int    `yaml:"requests_per_min"`
	ConfirmWarnings    bool   `yaml:"confirm_warnings"` // auto-accept order precaution prompts
}

// ConnectTimeout returns the bounded handshake wait.
func (g Gateway) ConnectTimeout() time.Duration {
	return time.Duration(g.ConnectTimeoutSec) * time.Second
}

// Keepalive returns the keepalive interval; zero disables it.
func (g Gateway) Keepalive() time.Duration {
	return time.Duration(g.KeepaliveSec) * time.Second
}

// CPAPIURL returns the Client Portal REST base URL, derived from host and
// port unless set explicitly.
func (g Gateway) CPAPIURL() string {
	if g.BaseURL != "" {
		return strings.TrimRight(g.BaseURL, "/")
	}
	return fmt.Sprintf("https://%s:%d/v1/api", g.Host, g.Port)
}

// MarketData bounds the waits for asynchronous gateway events and sizes the
// worker pool that performs them.
type MarketData struct {
	QuoteWaitMs       int `yaml:"quote_wait_ms"`
	OptionBatchWaitMs int `yaml:"option_batch_wait_ms"`
	OrderAckWaitMs    int `yaml:"order_ack_wait_ms"`
	PositionsWaitMs   int `yaml:"positions_wait_ms"`
	Workers           int `yaml:"workers"`
}

// Risk holds the optional pre-trade guard limits. Zero disables a limit.
type Risk struct {
	MaxQuantity float64 `yaml:"max_quantity"`
	MaxNotional float64 `yaml:"max_notional"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 60,
		},
		Gateway: Gateway{
			Kind:               GatewayCPAPI,
			Host:               "127.0.0.1",
			Port:               7497,
			ClientID:           19,
			MarketDataType:     3,
			ConnectTimeoutSec:  10,
			ConnectOnStart:     true,
			KeepaliveSec:       60,
			InsecureSkipVerify: true,
			RequestsPerMin:     600,
			ConfirmWarnings:    false,
		},
		MarketData: MarketData{
			QuoteWaitMs:       500,
			OptionBatchWaitMs: 2000,
			OrderAckWaitMs:    300,
			PositionsWaitMs:   5000,
			Workers:           8,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads an optional .env file, applies the defaults, merges the YAML
// configuration file at the given path if it exists, and then applies
// environment variable overrides. The result is validated.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Env-only deployments have no file.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("IB_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if err := envInt("IB_PORT", &cfg.Gateway.Port); err != nil {
		return err
	}
	if err := envInt("IB_CLIENT_ID", &cfg.Gateway.ClientID); err != nil {
		return err
	}
	if err := envInt("IB_MKT_DATA_TYPE", &cfg.Gateway.MarketDataType); err != nil {
		return err
	}
	if v := os.Getenv("IB_GATEWAY_KIND"); v != "" {
		cfg.Gateway.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("IB_CPAPI_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("IB_ACCOUNT_ID"); v != "" {
		cfg.Gateway.AccountID = v
	}
	if err := envBool("IB_CONNECT_ON_START", &cfg.Gateway.ConnectOnStart); err != nil {
		return err
	}
	if err := envBool("IB_CONFIRM_WARNINGS", &cfg.Gateway.ConfirmWarnings); err != nil {
		return err
	}

	if v := os.Getenv("BROKER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if err := envInt("BROKER_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return envBool("LOG_PRETTY", &cfg.Logging.Pretty)
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	*dst = b
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Gateway.Kind {
	case GatewayCPAPI, GatewaySimulator:
	default:
		errs = append(errs, fmt.Errorf("gateway.kind %q: want %s or %s", c.Gateway.Kind, GatewayCPAPI, GatewaySimulator))
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Gateway.MarketDataType < 1 || c.Gateway.MarketDataType > 4 {
		errs = append(errs, fmt.Errorf("gateway.market_data_type %d: want 1-4", c.Gateway.MarketDataType))
	}
	if c.Gateway.ConnectTimeoutSec <= 0 {
		errs = append(errs, errors.New("gateway.connect_timeout_sec must be positive"))
	}

	md := c.MarketData
	if md.QuoteWaitMs <= 0 || md.OptionBatchWaitMs <= 0 || md.OrderAckWaitMs <= 0 || md.PositionsWaitMs <= 0 {
		errs = append(errs, errors.New("market_data waits must be positive"))
	}
	if md.Workers <= 0 {
		errs = append(errs, errors.New("market_data.workers must be positive"))
	}

	if c.Risk.MaxQuantity < 0 || c.Risk.MaxNotional < 0 {
		errs = append(errs, errors.New("risk limits must not be negative"))
	}

	return errors.Join(errs...)
}
