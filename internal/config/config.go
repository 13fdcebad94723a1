// Package config loads process configuration via viper, adapted from the
// teacher's internal/config/config.go: same SetDefault/BindEnv/Unmarshal/
// validate shape, with the GRPC and MessageQueue-consumer sections
// dropped (this spec's external interface is the HTTP gateway of §6, not
// gRPC, and internal/eventbus is publish-only, not a consumer) and a
// Notifier section added for internal/notifier.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	EventBus      EventBusConfig      `mapstructure:"event_bus"`
	Notifier      NotifierConfig      `mapstructure:"notifier"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Execution     ExecutionConfig     `mapstructure:"execution"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Address   string `mapstructure:"address"`
	AuthToken string `mapstructure:"auth_token"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig backs internal/cache. An empty URL disables caching
// (NopCache is used instead) since Redis is a latency optimization here,
// not a durability requirement -- the repository remains the source of
// truth for execution state.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// EventBusConfig backs internal/eventbus. An empty URL disables
// publication (NopBus is used instead), matching the monitor's
// best-effort, swallow-failure contract for its event stream.
type EventBusConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// NotifierConfig backs internal/notifier. An empty URL disables outbound
// terminal notifications (NopNotifier is used instead).
type NotifierConfig struct {
	URL               string  `mapstructure:"url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// ExecutionConfig maps directly onto engine.Config.
type ExecutionConfig struct {
	MaxConcurrency            int64         `mapstructure:"max_concurrency"`
	DefaultWorkflowTimeout    time.Duration `mapstructure:"default_workflow_timeout"`
	DefaultRetryInterval      time.Duration `mapstructure:"default_retry_interval"`
	ExponentialBackoff        bool          `mapstructure:"exponential_backoff"`
	MaxRetryBackoff           time.Duration `mapstructure:"max_retry_backoff"`
	LegacyExpressionSemantics bool          `mapstructure:"legacy_expression_semantics"`
}

// Load loads configuration from environment variables and config files,
// in the teacher's setDefaults -> bindEnvVars -> ReadInConfig -> Unmarshal
// -> validate order.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/etlengine")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "etlengine")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.log_level", "info")

	viper.SetDefault("http.address", ":8080")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttl", "10m")

	viper.SetDefault("event_bus.exchange", "etlengine.events")

	viper.SetDefault("notifier.requests_per_second", 5.0)
	viper.SetDefault("notifier.burst_size", 10)

	viper.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	viper.SetDefault("observability.service_name", "etlengine")
	viper.SetDefault("observability.environment", "development")

	viper.SetDefault("execution.max_concurrency", 10)
	viper.SetDefault("execution.default_workflow_timeout", "15m")
	viper.SetDefault("execution.default_retry_interval", "1s")
	viper.SetDefault("execution.exponential_backoff", true)
	viper.SetDefault("execution.max_retry_backoff", "30s")
	viper.SetDefault("execution.legacy_expression_semantics", false)
}

func bindEnvVars() {
	viper.BindEnv("app.environment", "APP_ENV")
	viper.BindEnv("app.log_level", "LOG_LEVEL")

	viper.BindEnv("http.address", "HTTP_ADDR")
	viper.BindEnv("http.auth_token", "HTTP_AUTH_TOKEN")

	viper.BindEnv("database.url", "POSTGRES_URL")
	viper.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("event_bus.url", "RABBITMQ_URL")
	viper.BindEnv("event_bus.exchange", "RABBITMQ_EXCHANGE")

	viper.BindEnv("notifier.url", "NOTIFIER_URL")

	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	viper.BindEnv("execution.max_concurrency", "ENGINE_CONCURRENCY")
	viper.BindEnv("execution.default_workflow_timeout", "WORKFLOW_DEFAULT_TIMEOUT")
	viper.BindEnv("execution.legacy_expression_semantics", "LEGACY_EXPRESSION_SEMANTICS")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Execution.MaxConcurrency <= 0 {
		return fmt.Errorf("execution.max_concurrency must be greater than 0")
	}
	return nil
}

// GetEnvAsInt retrieves an environment variable as an integer with a
// default value.
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a
// default value.
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a
// default value.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
