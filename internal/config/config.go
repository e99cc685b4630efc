package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"otc-settlement/internal/logging"
)

// MinDebounce is the smallest accepted alert debounce window.
const MinDebounce = 5 * time.Second

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Bot        BotConfig        `mapstructure:"bot"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN               string        `mapstructure:"dsn"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ApplicationName   string        `mapstructure:"application_name"`
}

// MonitorConfig governs the periodic queue/alert sweep.
type MonitorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// SettlementConfig controls the decision dispatcher.
type SettlementConfig struct {
	// AutoSettlementEnabled is the static default used when neither the
	// environment nor the feature_flags table says otherwise.
	AutoSettlementEnabled bool   `mapstructure:"auto_settlement_enabled"`
	ForceSync             bool   `mapstructure:"force_sync"`
	Workers               int    `mapstructure:"workers"`
	QueueSize             int    `mapstructure:"queue_size"`
	Currency              string `mapstructure:"currency"`
}

// WalletConfig lists networks whose addresses are EVM hex addresses.
type WalletConfig struct {
	EVMNetworks []string `mapstructure:"evm_networks"`
}

// EthereumConfig covers on-chain receipt verification.
type EthereumConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	Networks         []string      `mapstructure:"networks"`
	MinConfirmations uint64        `mapstructure:"min_confirmations"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines derived alert thresholds and routing.
type AlertingConfig struct {
	QueueThreshold   int            `mapstructure:"queue_threshold"`
	FlaggedThreshold int            `mapstructure:"flagged_threshold"`
	ErrorThreshold   int            `mapstructure:"error_threshold"`
	Debounce         time.Duration  `mapstructure:"debounce"`
	OwnerEmail       string         `mapstructure:"owner_email"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
	Redis            RedisConfig    `mapstructure:"redis"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RedisConfig configures the alert pub/sub fan-out.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Path      string `mapstructure:"path"`
	BearerKey string `mapstructure:"bearer_key"`
}

// BotConfig configures the Telegram command bot.
type BotConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Token        string  `mapstructure:"token"`
	PollTimeout  int     `mapstructure:"poll_timeout"`
	QueueLimit   int     `mapstructure:"queue_limit"`
	AllowedChats []int64 `mapstructure:"allowed_chats"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("OTCSETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "otcsettle")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.application_name", "otcsettle")

	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.align_to_bucket", false)
	v.SetDefault("monitor.advisory_lock_key", int64(0x6f746373))
	v.SetDefault("monitor.startup_delay", "0s")

	v.SetDefault("settlement.auto_settlement_enabled", false)
	v.SetDefault("settlement.force_sync", false)
	v.SetDefault("settlement.workers", 4)
	v.SetDefault("settlement.queue_size", 256)
	v.SetDefault("settlement.currency", "USDT")

	v.SetDefault("wallet.evm_networks", []string{"ethereum", "polygon", "arbitrum", "base", "bsc"})

	v.SetDefault("ethereum.networks", []string{"ethereum"})
	v.SetDefault("ethereum.min_confirmations", 1)
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("alerting.queue_threshold", 50)
	v.SetDefault("alerting.flagged_threshold", 5)
	v.SetDefault("alerting.error_threshold", 5)
	v.SetDefault("alerting.debounce", "60s")
	v.SetDefault("alerting.owner_email", "alerts@example.com")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.redis.enabled", false)
	v.SetDefault("alerting.redis.addr", "localhost:6379")
	v.SetDefault("alerting.redis.channel", "otcsettle:alerts")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9108")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("bot.enabled", false)
	v.SetDefault("bot.poll_timeout", 60)
	v.SetDefault("bot.queue_limit", 10)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Settlement.Workers <= 0 {
		return fmt.Errorf("settlement.workers must be greater than zero")
	}
	if c.Settlement.QueueSize <= 0 {
		return fmt.Errorf("settlement.queue_size must be greater than zero")
	}
	if c.Alerting.QueueThreshold < 1 {
		return fmt.Errorf("alerting.queue_threshold must be at least 1")
	}
	if c.Alerting.FlaggedThreshold < 1 {
		return fmt.Errorf("alerting.flagged_threshold must be at least 1")
	}
	if c.Alerting.ErrorThreshold < 1 {
		return fmt.Errorf("alerting.error_threshold must be at least 1")
	}
	if c.Alerting.Debounce < MinDebounce {
		return fmt.Errorf("alerting.debounce must be at least %s", MinDebounce)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Bot.Enabled && c.Bot.Token == "" {
		return fmt.Errorf("bot.token 必须配置")
	}
	if c.Alerting.Redis.Enabled && c.Alerting.Redis.Addr == "" {
		return fmt.Errorf("alerting.redis.addr must be set when redis is enabled")
	}
	return nil
}

// DebounceSeconds returns the alert debounce window in whole seconds.
func (c *Config) DebounceSeconds() int {
	return int(c.Alerting.Debounce / time.Second)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// IsEVMNetwork reports whether network uses EVM hex addresses.
func (c *Config) IsEVMNetwork(network string) bool {
	for _, n := range c.Wallet.EVMNetworks {
		if strings.EqualFold(strings.TrimSpace(n), network) {
			return true
		}
	}
	return false
}
