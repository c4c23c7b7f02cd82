package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for swapflowd.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	DatabasePath  string           `yaml:"database"`
	JobsPath      string           `yaml:"jobs_database"`
	Aggregator    AggregatorConfig `yaml:"aggregator"`
	Chains        []Chain          `yaml:"chains"`
	Swap          SwapConfig       `yaml:"swap"`
	AutoSell      AutoSellConfig   `yaml:"autosell"`
	Catalogue     CatalogueConfig  `yaml:"catalogue"`
}

// AggregatorConfig locates the liquidity aggregation API.
type AggregatorConfig struct {
	BaseURL  string   `yaml:"base_url"`
	ClientID string   `yaml:"client_id"`
	Timeout  Duration `yaml:"timeout"`
}

// Chain maps a chain identifier onto its RPC endpoint.
type Chain struct {
	ChainID    uint64 `yaml:"chain_id"`
	Name       string `yaml:"name"`
	RPCURL     string `yaml:"rpc_url"`
	Stablecoin string `yaml:"stablecoin"`
}

// SwapConfig tunes the execution pipeline. Quote freshness is not
// configurable: a summary older than the aggregator's TTL is always
// re-fetched.
type SwapConfig struct {
	DefaultSlippageBps int      `yaml:"default_slippage_bps"`
	ReceiptMaxWait     Duration `yaml:"receipt_max_wait"`
	Simulate           *bool    `yaml:"simulate"`
}

// AutoSellConfig tunes the delayed liquidation worker.
type AutoSellConfig struct {
	Delay       Duration `yaml:"delay"`
	BackoffSeed Duration `yaml:"backoff_seed"`
	BackoffCap  Duration `yaml:"backoff_cap"`
}

// CatalogueConfig tunes the token catalogue sync engine.
type CatalogueConfig struct {
	PageSize     int      `yaml:"page_size"`
	BatchPages   int      `yaml:"batch_pages"`
	PageDelay    Duration `yaml:"page_delay"`
	PageAttempts int      `yaml:"page_attempts"`
	FreshnessTTL Duration `yaml:"freshness_ttl"`
	SyncInterval Duration `yaml:"sync_interval"`
}

// Load reads, parses, and validates the configuration file.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8085"
	}
	if c.Aggregator.Timeout.Duration <= 0 {
		c.Aggregator.Timeout.Duration = 15 * time.Second
	}
	if c.Swap.DefaultSlippageBps <= 0 {
		c.Swap.DefaultSlippageBps = 50
	}
	if c.Swap.ReceiptMaxWait.Duration <= 0 {
		c.Swap.ReceiptMaxWait.Duration = 30 * time.Second
	}
	// Simulation is opt-out: only an explicit `simulate: false` disables it.
	if c.Swap.Simulate == nil {
		enabled := true
		c.Swap.Simulate = &enabled
	}
	if c.AutoSell.Delay.Duration <= 0 {
		c.AutoSell.Delay.Duration = 24 * time.Hour
	}
	if c.AutoSell.BackoffSeed.Duration <= 0 {
		c.AutoSell.BackoffSeed.Duration = 20 * time.Minute
	}
	if c.AutoSell.BackoffCap.Duration <= 0 {
		c.AutoSell.BackoffCap.Duration = 6 * time.Hour
	}
	if c.Catalogue.PageSize <= 0 {
		c.Catalogue.PageSize = 100
	}
	if c.Catalogue.BatchPages <= 0 {
		c.Catalogue.BatchPages = 5
	}
	if c.Catalogue.PageDelay.Duration <= 0 {
		c.Catalogue.PageDelay.Duration = 200 * time.Millisecond
	}
	if c.Catalogue.PageAttempts <= 0 {
		c.Catalogue.PageAttempts = 3
	}
	if c.Catalogue.FreshnessTTL.Duration <= 0 {
		c.Catalogue.FreshnessTTL.Duration = 5 * time.Minute
	}
	if c.Catalogue.SyncInterval.Duration <= 0 {
		c.Catalogue.SyncInterval.Duration = time.Minute
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database path required")
	}
	if strings.TrimSpace(c.JobsPath) == "" {
		return fmt.Errorf("jobs database path required")
	}
	if strings.TrimSpace(c.Aggregator.BaseURL) == "" {
		return fmt.Errorf("aggregator base url required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain required")
	}
	seen := make(map[uint64]struct{}, len(c.Chains))
	for _, chain := range c.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("chain id must be positive")
		}
		if strings.TrimSpace(chain.RPCURL) == "" {
			return fmt.Errorf("chain %d: rpc url required", chain.ChainID)
		}
		if _, dup := seen[chain.ChainID]; dup {
			return fmt.Errorf("chain %d declared twice", chain.ChainID)
		}
		seen[chain.ChainID] = struct{}{}
	}
	return nil
}
