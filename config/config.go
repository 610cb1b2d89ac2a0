package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// ExchangeConfig selects and configures the trading venue
type ExchangeConfig struct {
	Name      string `json:"name"` // "binance" or "paper"
	Testnet   bool   `json:"testnet,omitempty"`
	APIKey    string `json:"api_key,omitempty"`    // falls back to BINANCE_API_KEY
	SecretKey string `json:"secret_key,omitempty"` // falls back to BINANCE_SECRET_KEY
}

// RiskPolicy holds the hard risk limits applied to every decision.
// These are business parameters, kept configurable on purpose.
type RiskPolicy struct {
	MinLeverage            int     `json:"min_leverage"`
	MaxLeverage            int     `json:"max_leverage"`
	MinLiquidationDistance float64 `json:"min_liquidation_distance"` // fraction, e.g. 0.15
	MaxRiskFraction        float64 `json:"max_risk_fraction"`        // fraction of account value, e.g. 0.03
	MaintenanceMarginRatio float64 `json:"maintenance_margin_ratio"` // used by the liquidation estimate
	MaxPositions           int     `json:"max_positions"`            // concurrent open positions across instruments
}

// OracleConfig configures the decision model endpoint (any OpenAI-compatible API)
type OracleConfig struct {
	Model          string  `json:"model"`
	BaseURL        string  `json:"base_url,omitempty"`
	APIKey         string  `json:"api_key,omitempty"` // falls back to ORACLE_API_KEY / OPENAI_API_KEY
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend string `json:"backend"` // "sqlite" or "postgres"
	DSN     string `json:"dsn"`     // file path for sqlite, connection string for postgres (DATABASE_URL overrides)
}

// APIConfig configures the dashboard HTTP server
type APIConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// LoggingConfig configures logrus output
type LoggingConfig struct {
	Level  string `json:"level"`  // trace|debug|info|warn|error
	Format string `json:"format"` // "text" or "json"
}

// Config main configuration
type Config struct {
	Exchange         ExchangeConfig `json:"exchange"`
	Instruments      []string       `json:"instruments"` // base symbols, e.g. ["BTC","ETH","SOL"]
	IntervalSeconds  int            `json:"interval_seconds"`
	CacheClearCycles int            `json:"cache_clear_cycles"`
	InitialBalance   float64        `json:"initial_balance"`
	Risk             RiskPolicy     `json:"risk"`
	Oracle           OracleConfig   `json:"oracle"`
	Store            StoreConfig    `json:"store"`
	API              APIConfig      `json:"api"`
	Logging          LoggingConfig  `json:"logging"`
}

// LoadConfig loads configuration from file, applies env fallbacks and defaults
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnv fills secrets from the environment when the file leaves them blank
func (c *Config) applyEnv() {
	if c.Exchange.APIKey == "" {
		c.Exchange.APIKey = os.Getenv("BINANCE_API_KEY")
	}
	if c.Exchange.SecretKey == "" {
		c.Exchange.SecretKey = os.Getenv("BINANCE_SECRET_KEY")
	}
	if c.Oracle.APIKey == "" {
		c.Oracle.APIKey = os.Getenv("ORACLE_API_KEY")
	}
	if c.Oracle.APIKey == "" {
		c.Oracle.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Store.Backend = "postgres"
		c.Store.DSN = dsn
	}
}

// Validate validates configuration validity and applies defaults
func (c *Config) Validate() error {
	if c.Exchange.Name == "" {
		c.Exchange.Name = "paper"
	}
	if c.Exchange.Name != "binance" && c.Exchange.Name != "paper" {
		return fmt.Errorf("exchange.name must be 'binance' or 'paper', got '%s'", c.Exchange.Name)
	}
	if c.Exchange.Name == "binance" {
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			return fmt.Errorf("exchange api_key and secret_key must be configured when using Binance")
		}
	}

	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument must be configured")
	}
	seen := make(map[string]bool)
	for i, inst := range c.Instruments {
		inst = strings.ToUpper(strings.TrimSpace(inst))
		if inst == "" {
			return fmt.Errorf("instruments[%d]: symbol cannot be empty", i)
		}
		if strings.HasSuffix(inst, "USDT") {
			return fmt.Errorf("instruments[%d]: use the base symbol (e.g. 'BTC'), not '%s'", i, inst)
		}
		if seen[inst] {
			return fmt.Errorf("instruments[%d]: symbol '%s' is duplicated", i, inst)
		}
		seen[inst] = true
		c.Instruments[i] = inst
	}

	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 180
	}
	if c.CacheClearCycles <= 0 {
		c.CacheClearCycles = 10
	}
	if c.InitialBalance <= 0 {
		return fmt.Errorf("initial_balance must be greater than 0")
	}

	if c.Risk.MinLeverage <= 0 {
		c.Risk.MinLeverage = 1
	}
	if c.Risk.MaxLeverage <= 0 {
		c.Risk.MaxLeverage = 20
	}
	if c.Risk.MinLeverage > c.Risk.MaxLeverage {
		return fmt.Errorf("risk.min_leverage (%d) exceeds risk.max_leverage (%d)", c.Risk.MinLeverage, c.Risk.MaxLeverage)
	}
	if c.Risk.MinLiquidationDistance <= 0 {
		c.Risk.MinLiquidationDistance = 0.15
	}
	if c.Risk.MaxRiskFraction <= 0 {
		c.Risk.MaxRiskFraction = 0.03
	}
	if c.Risk.MaintenanceMarginRatio <= 0 {
		c.Risk.MaintenanceMarginRatio = 0.005
	}
	if c.Risk.MaxPositions <= 0 {
		c.Risk.MaxPositions = len(c.Instruments)
	}

	if c.Oracle.Model == "" {
		return fmt.Errorf("oracle.model must be configured")
	}
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle api key must be configured (oracle.api_key or ORACLE_API_KEY)")
	}
	if c.Oracle.Temperature <= 0 {
		c.Oracle.Temperature = 0.1
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 120
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Backend != "sqlite" && c.Store.Backend != "postgres" {
		return fmt.Errorf("store.backend must be 'sqlite' or 'postgres', got '%s'", c.Store.Backend)
	}
	if c.Store.DSN == "" {
		if c.Store.Backend == "postgres" {
			return fmt.Errorf("store.dsn must be configured for postgres")
		}
		c.Store.DSN = "pilot.db"
	}

	if c.API.Port <= 0 {
		c.API.Port = 8080
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}

// Interval returns the cycle cadence
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// OracleTimeout returns the per-call deadline for the decision model
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSeconds) * time.Second
}
