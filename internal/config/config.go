package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradedesk server.
type Config struct {
	Server  Server  `yaml:"server"`
	Broker  Broker  `yaml:"broker"`
	Engine  Engine  `yaml:"engine"`
	Storage Storage `yaml:"storage"`
	Feed    Feed    `yaml:"feed"`
	Logging Logging `yaml:"logging"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Broker selects and configures the brokerage session.
type Broker struct {
	// Backend is "sim" or "alpaca".
	Backend string `yaml:"backend"`
	// TimeoutSec bounds each mutating broker call. 0 uses the guard default.
	TimeoutSec int    `yaml:"timeout_sec"`
	Alpaca     Alpaca `yaml:"alpaca"`
	Sim        Sim    `yaml:"sim"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	// PollIntervalSec paces the position/account snapshot poller.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	RequestsPerMin  int `yaml:"requests_per_min"`
}

// Sim configures the simulated broker backend.
type Sim struct {
	Account            string  `yaml:"account"`
	FillDelayMs        int     `yaml:"fill_delay_ms"`
	FillSlices         int     `yaml:"fill_slices"`
	StartCash          float64 `yaml:"start_cash"`
	CommissionPerShare float64 `yaml:"commission_per_share"`
}

// Engine holds order entry limits and reconciliation behaviour.
type Engine struct {
	// MaxOrderQty caps the share or contract quantity of a single order.
	// 0 disables the cap.
	MaxOrderQty int64 `yaml:"max_order_qty"`
	// MaxOpenOrders caps concurrently working orders. 0 disables the cap.
	MaxOpenOrders int `yaml:"max_open_orders"`
	// AdoptForeignOrders records orders the broker reports that were not
	// placed by this process.
	AdoptForeignOrders bool `yaml:"adopt_foreign_orders"`
	// ResolveWaitSec bounds how long an event may wait for its order's
	// broker ID binding before it is dropped as unknown.
	ResolveWaitSec int `yaml:"resolve_wait_sec"`
}

// Storage holds paths and cadences for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// IDFile persists the order ID counter across restarts.
	IDFile             string `yaml:"id_file"`
	DrainIntervalSec   int    `yaml:"drain_interval_sec"`
	DrainBatch         int    `yaml:"drain_batch"`
	JournalIntervalSec int    `yaml:"journal_interval_sec"`
}

// Feed configures downstream update publishing.
type Feed struct {
	Kafka Kafka `yaml:"kafka"`
}

// Kafka names the cluster and topic for the update feed. Disabled means no
// producer is started.
type Kafka struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("BROKER_BACKEND"); v != "" {
		cfg.Broker.Backend = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Broker.Alpaca.BaseURL = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Feed.Kafka.Brokers = strings.Split(v, ",")
	}

	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Feed.Kafka.Topic = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}
}
