package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Redis       RedisConfig       `yaml:"redis"`
	Events      EventsConfig      `yaml:"events"`
	Engine      EngineConfig      `yaml:"engine"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig contains store connection settings
type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // "postgres" or "sqlite"
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	SSLMode    string `yaml:"ssl_mode"`
	SQLitePath string `yaml:"sqlite_path"`
	// AutoMigrate applies embedded migrations on startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// JWTConfig contains JWT token settings
type JWTConfig struct {
	Secret            string `yaml:"secret"`
	AccessTokenExpiry int    `yaml:"access_token_expiry_minutes"`
	Issuer            string `yaml:"issuer"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// LedgerConfig points at the financial ledger. An empty URL selects the
// logging client.
type LedgerConfig struct {
	URL                 string `yaml:"url"`
	APIKey              string `yaml:"api_key"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	MaxRetries          int    `yaml:"max_retries"`
	BreakerMaxFailures  uint32 `yaml:"breaker_max_failures"`
	BreakerOpenSeconds  int    `yaml:"breaker_open_seconds"`
	RetryBaseDelayMilli int    `yaml:"retry_base_delay_ms"`
}

// MarketplaceConfig points at the listing service.
type MarketplaceConfig struct {
	URL             string `yaml:"url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// RedisConfig is optional; without it listings are not cached.
type RedisConfig struct {
	URL string `yaml:"url"`
}

const (
	BrokerLog      = "log"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

// EventsConfig selects the notification broker the outbox relays to
type EventsConfig struct {
	Broker       string   `yaml:"broker"` // "log", "kafka" or "rabbitmq"
	KafkaBrokers []string `yaml:"kafka_brokers"`
	Topic        string   `yaml:"topic"`
	RabbitMQURL  string   `yaml:"rabbitmq_url"`
	Exchange     string   `yaml:"exchange"`
}

// EngineConfig contains transaction engine tunables
type EngineConfig struct {
	OutboxBatchSize      int `yaml:"outbox_batch_size"`
	OutboxMaxAttempts    int `yaml:"outbox_max_attempts"`
	SettlementRetryLimit int `yaml:"settlement_retry_limit"`
	// RelayIntervalSeconds > 0 drains the outbox inside the server process
	// as well; 0 leaves it to the cronjob.
	RelayIntervalSeconds int `yaml:"relay_interval_seconds"`
}

// SchedulerConfig contains cron schedule settings
type SchedulerConfig struct {
	ExpireVerificationLinks string `yaml:"expire_verification_links"`
	PublishOutbox           string `yaml:"publish_outbox"`
	RetryPendingSettlements string `yaml:"retry_pending_settlements"`
	FlagOverdueTransactions string `yaml:"flag_overdue_transactions"`
}

// Load reads configuration from a YAML file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables if present
	cfg.overrideWithEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// overrideWithEnv overrides config values with environment variables
func (c *Config) overrideWithEnv() {
	// Database
	if val := os.Getenv("DB_DRIVER"); val != "" {
		c.Database.Driver = val
	}
	if val := os.Getenv("DB_HOST"); val != "" {
		c.Database.Host = val
	}
	if val := os.Getenv("DB_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Database.Port)
	}
	if val := os.Getenv("DB_USER"); val != "" {
		c.Database.User = val
	}
	if val := os.Getenv("DB_PASSWORD"); val != "" {
		c.Database.Password = val
	}
	if val := os.Getenv("DB_NAME"); val != "" {
		c.Database.Database = val
	}
	if val := os.Getenv("DB_SSL_MODE"); val != "" {
		c.Database.SSLMode = val
	}
	if val := os.Getenv("SQLITE_PATH"); val != "" {
		c.Database.SQLitePath = val
	}

	// JWT
	if val := os.Getenv("JWT_SECRET"); val != "" {
		c.JWT.Secret = val
	}

	// Server
	if val := os.Getenv("SERVER_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("SERVER_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Server.Port)
	}

	// Log
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}

	// Collaborators
	if val := os.Getenv("LEDGER_URL"); val != "" {
		c.Ledger.URL = val
	}
	if val := os.Getenv("MARKETPLACE_URL"); val != "" {
		c.Marketplace.URL = val
	}
	if val := os.Getenv("REDIS_URL"); val != "" {
		c.Redis.URL = val
	}

	// Events
	if val := os.Getenv("EVENTS_BROKER"); val != "" {
		c.Events.Broker = val
	}
	if val := os.Getenv("KAFKA_BROKERS"); val != "" {
		c.Events.KafkaBrokers = strings.Split(val, ",")
	}
	if val := os.Getenv("RABBITMQ_URL"); val != "" {
		c.Events.RabbitMQURL = val
	}

	// Set defaults for log if not configured
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks if the configuration is valid and fills defaults
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Database validation
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	// JWT validation
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters")
	}
	if c.JWT.AccessTokenExpiry == 0 {
		c.JWT.AccessTokenExpiry = 60
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "gearhouse"
	}

	// Ledger defaults
	if c.Ledger.TimeoutSeconds == 0 {
		c.Ledger.TimeoutSeconds = 10
	}
	if c.Ledger.MaxRetries == 0 {
		c.Ledger.MaxRetries = 3
	}
	if c.Ledger.BreakerMaxFailures == 0 {
		c.Ledger.BreakerMaxFailures = 5
	}
	if c.Ledger.BreakerOpenSeconds == 0 {
		c.Ledger.BreakerOpenSeconds = 30
	}
	if c.Ledger.RetryBaseDelayMilli == 0 {
		c.Ledger.RetryBaseDelayMilli = 200
	}

	// Marketplace defaults
	if c.Marketplace.TimeoutSeconds == 0 {
		c.Marketplace.TimeoutSeconds = 5
	}
	if c.Marketplace.CacheTTLSeconds == 0 {
		c.Marketplace.CacheTTLSeconds = 300
	}

	// Events validation
	if c.Events.Broker == "" {
		c.Events.Broker = BrokerLog
	}
	switch c.Events.Broker {
	case BrokerLog:
	case BrokerKafka:
		if len(c.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka brokers are required for the kafka event broker")
		}
	case BrokerRabbitMQ:
		if c.Events.RabbitMQURL == "" {
			return fmt.Errorf("rabbitmq url is required for the rabbitmq event broker")
		}
	default:
		return fmt.Errorf("unsupported event broker: %s", c.Events.Broker)
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "gearhouse.notifications"
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "gearhouse.events"
	}

	// Engine defaults
	if c.Engine.OutboxBatchSize == 0 {
		c.Engine.OutboxBatchSize = 100
	}
	if c.Engine.OutboxMaxAttempts == 0 {
		c.Engine.OutboxMaxAttempts = 10
	}
	if c.Engine.SettlementRetryLimit == 0 {
		c.Engine.SettlementRetryLimit = 50
	}
	if c.Engine.RelayIntervalSeconds < 0 {
		return fmt.Errorf("engine relay interval cannot be negative")
	}

	// Scheduler defaults
	if c.Scheduler.ExpireVerificationLinks == "" {
		c.Scheduler.ExpireVerificationLinks = "0 */15 * * * *" // Every 15 minutes
	}
	if c.Scheduler.PublishOutbox == "" {
		c.Scheduler.PublishOutbox = "*/10 * * * * *" // Every 10 seconds
	}
	if c.Scheduler.RetryPendingSettlements == "" {
		c.Scheduler.RetryPendingSettlements = "0 */5 * * * *" // Every 5 minutes
	}
	if c.Scheduler.FlagOverdueTransactions == "" {
		c.Scheduler.FlagOverdueTransactions = "0 0 * * * *" // Hourly
	}

	return nil
}

// GetDatabaseConnectionString returns the driver-specific data source name
func (c *Config) GetDatabaseConnectionString() string {
	if c.Database.Driver == DriverSQLite {
		return c.Database.SQLitePath
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetServerAddress returns the HTTP server address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
