// Package config defines all configuration for the trading backend.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via NOTLIKE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	BotToken      string `mapstructure:"bot_token"`      // presentation-layer credential, opaque to the core
	EncryptionKey string `mapstructure:"encryption_key"` // at-rest secret encryption, opaque to the core

	Networks  map[string]NetworkConfig `mapstructure:"networks"`
	Fees      FeesConfig               `mapstructure:"fees"`
	Orders    OrdersConfig             `mapstructure:"orders"`
	P2P       P2PConfig                `mapstructure:"p2p"`
	Storage   StorageConfig            `mapstructure:"storage"`
	Backup    BackupConfig             `mapstructure:"backup"`
	Notify    NotifyConfig             `mapstructure:"notify"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Dashboard DashboardConfig          `mapstructure:"dashboard"`
}

// NetworkConfig describes one supported chain: its DEX venues (name → base
// URL) and the stable token the trigger watcher prices against.
type NetworkConfig struct {
	Venues      map[string]string `mapstructure:"venues"`
	StableToken string            `mapstructure:"stable_token"` // defaults to USDT
}

// FeesConfig is the platform fee table, in percent.
//
//   - SwapPct: taken from swap output on completed spot orders.
//   - P2PPct:  taken from released escrow on completed P2P deals.
//   - NotifyHourUTC: hour of the daily fee notification job.
type FeesConfig struct {
	SwapPct       float64 `mapstructure:"swap_pct"`
	P2PPct        float64 `mapstructure:"p2p_pct"`
	NotifyHourUTC int     `mapstructure:"notify_hour_utc"`
}

// OrdersConfig tunes the order engine and trigger watcher.
type OrdersConfig struct {
	WatcherInterval time.Duration `mapstructure:"watcher_interval"` // trigger poll period, default 1s
	QuoteTTL        time.Duration `mapstructure:"quote_ttl"`        // quote memoization TTL, default 60s
	SlippageBps     int           `mapstructure:"slippage_bps"`     // default slippage bound
	StaleAfter      time.Duration `mapstructure:"stale_after"`      // PENDING market orders older than this are flagged at startup
}

// P2PConfig tunes the escrow engine.
type P2PConfig struct {
	OrderTTL      time.Duration `mapstructure:"order_ttl"`      // OPEN ads expire after this, default 24h
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // expiry sweep period, default 60s
}

// StorageConfig sets where the sqlite database lives.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// BackupConfig controls periodic database snapshots.
type BackupConfig struct {
	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"` // default 6h
	Keep     int           `mapstructure:"keep"`     // snapshots retained, default 8
	Token    string        `mapstructure:"token"`    // off-site destination credential, opaque to the core
}

// NotifyConfig points the notification port at its delivery webhook.
// Empty URL disables outbound notifications (logged instead).
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the ops HTTP server (health, snapshots,
// /metrics, websocket event stream).
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: NOTLIKE_BOT_TOKEN, NOTLIKE_ENCRYPTION_KEY,
// NOTLIKE_BACKUP_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("NOTLIKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("NOTLIKE_BOT_TOKEN"); tok != "" {
		cfg.BotToken = tok
	}
	if key := os.Getenv("NOTLIKE_ENCRYPTION_KEY"); key != "" {
		cfg.EncryptionKey = key
	}
	if tok := os.Getenv("NOTLIKE_BACKUP_TOKEN"); tok != "" {
		cfg.Backup.Token = tok
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Orders.WatcherInterval <= 0 {
		c.Orders.WatcherInterval = time.Second
	}
	if c.Orders.QuoteTTL <= 0 {
		c.Orders.QuoteTTL = 60 * time.Second
	}
	if c.Orders.SlippageBps <= 0 {
		c.Orders.SlippageBps = 100
	}
	if c.Orders.StaleAfter <= 0 {
		c.Orders.StaleAfter = 10 * time.Minute
	}
	if c.P2P.OrderTTL <= 0 {
		c.P2P.OrderTTL = 24 * time.Hour
	}
	if c.P2P.SweepInterval <= 0 {
		c.P2P.SweepInterval = 60 * time.Second
	}
	if c.Backup.Interval <= 0 {
		c.Backup.Interval = 6 * time.Hour
	}
	if c.Backup.Keep <= 0 {
		c.Backup.Keep = 8
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = 10 * time.Second
	}
	for name, nc := range c.Networks {
		if nc.StableToken == "" {
			nc.StableToken = "USDT"
			c.Networks[name] = nc
		}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("networks: at least one network with venues is required")
	}
	for name, nc := range c.Networks {
		if name != strings.ToUpper(name) {
			return fmt.Errorf("networks.%s: network symbols must be uppercase", name)
		}
		if len(nc.Venues) == 0 {
			return fmt.Errorf("networks.%s: at least one venue base URL is required", name)
		}
		for venue, url := range nc.Venues {
			if url == "" {
				return fmt.Errorf("networks.%s.venues.%s: base URL is required", name, venue)
			}
		}
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Fees.SwapPct < 0 || c.Fees.SwapPct >= 100 {
		return fmt.Errorf("fees.swap_pct must be in [0, 100)")
	}
	if c.Fees.P2PPct < 0 || c.Fees.P2PPct >= 100 {
		return fmt.Errorf("fees.p2p_pct must be in [0, 100)")
	}
	if c.Fees.NotifyHourUTC < 0 || c.Fees.NotifyHourUTC > 23 {
		return fmt.Errorf("fees.notify_hour_utc must be in [0, 23]")
	}
	if c.Orders.SlippageBps >= 10000 {
		return fmt.Errorf("orders.slippage_bps must be < 10000")
	}
	if c.Backup.Dir == "" {
		return fmt.Errorf("backup.dir is required")
	}
	if c.Dashboard.Enabled && c.Dashboard.Port == 0 {
		return fmt.Errorf("dashboard.port is required when dashboard is enabled")
	}
	return nil
}

// Stable returns the stable token for a network, or "USDT" for networks
// added at runtime that never went through config defaults.
func (c *Config) Stable(network string) string {
	if nc, ok := c.Networks[network]; ok && nc.StableToken != "" {
		return nc.StableToken
	}
	return "USDT"
}
