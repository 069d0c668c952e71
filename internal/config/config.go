// Package config provides centralized configuration for the pipeline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the chainsight pipeline. Every
// component receives its section at construction time; nothing reads ambient
// state after startup.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch" yaml:"opensearch"`
	Postgres   PostgresConfig   `mapstructure:"postgres" yaml:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion" yaml:"ingestion"`
	Monitor    MonitorConfig    `mapstructure:"monitor" yaml:"monitor"`
	Alerting   AlertingConfig   `mapstructure:"alerting" yaml:"alerting"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Port                int `mapstructure:"port" yaml:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// NATSConfig holds stream source and dead-letter settings.
type NATSConfig struct {
	URL              string `mapstructure:"url" yaml:"url"`
	Name             string `mapstructure:"name" yaml:"name"`
	EventStream      string `mapstructure:"event_stream" yaml:"event_stream"`
	SubjectPrefix    string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	DLQStream        string `mapstructure:"dlq_stream" yaml:"dlq_stream"`
	DLQSubjectPrefix string `mapstructure:"dlq_subject_prefix" yaml:"dlq_subject_prefix"`
}

// OpenSearchConfig holds Eventhouse sink settings.
type OpenSearchConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`
	Index    string `mapstructure:"index" yaml:"index"`
}

// PostgresConfig holds Lakehouse sink settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// ConnString builds a pgx-compatible connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// RedisConfig holds watermark store settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// IngestionConfig controls the coordinator and the dual-sink writer.
type IngestionConfig struct {
	Partitions              []string      `mapstructure:"partitions" yaml:"partitions"`
	MaxWriteAttempts        int           `mapstructure:"max_write_attempts" yaml:"max_write_attempts"`
	BackoffBase             time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap              time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	SinkTimeout             time.Duration `mapstructure:"sink_timeout" yaml:"sink_timeout"`
	CircuitBreakerThreshold float64       `mapstructure:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerWindow    int           `mapstructure:"circuit_breaker_window" yaml:"circuit_breaker_window"`
	CircuitBreakerCooldown  time.Duration `mapstructure:"circuit_breaker_cooldown" yaml:"circuit_breaker_cooldown"`
	BufferSize              int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	ShutdownTimeout         time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MonitorConfig controls the data quality monitor.
type MonitorConfig struct {
	Interval                time.Duration `mapstructure:"interval" yaml:"interval"`
	WindowSize              time.Duration `mapstructure:"window_size" yaml:"window_size"`
	CompletenessTolerance   float64       `mapstructure:"completeness_tolerance" yaml:"completeness_tolerance"`
	FreshnessTolerance      time.Duration `mapstructure:"freshness_tolerance" yaml:"freshness_tolerance"`
	HistorySize             int           `mapstructure:"history_size" yaml:"history_size"`
	InconclusiveAlertCycles int           `mapstructure:"inconclusive_alert_cycles" yaml:"inconclusive_alert_cycles"`
}

// AlertingConfig controls notification delivery.
type AlertingConfig struct {
	WebhookURL                 string `mapstructure:"webhook_url" yaml:"webhook_url"`
	SlackWebhookURL            string `mapstructure:"slack_webhook_url" yaml:"slack_webhook_url"`
	NotificationTimeoutSeconds int    `mapstructure:"notification_timeout_seconds" yaml:"notification_timeout_seconds"`
}

// NotificationTimeout returns the channel delivery timeout.
func (a AlertingConfig) NotificationTimeout() time.Duration {
	return time.Duration(a.NotificationTimeoutSeconds) * time.Second
}

// ReadTimeout returns the admin server read timeout.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the admin server write timeout.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.port", 8095)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "chainsight-pipeline")
	v.SetDefault("nats.event_stream", "CHAIN_EVENTS")
	v.SetDefault("nats.subject_prefix", "chain.events")
	v.SetDefault("nats.dlq_stream", "CHAIN_DLQ")
	v.SetDefault("nats.dlq_subject_prefix", "chain.dlq")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.index", "chain-events")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "chainsight")
	v.SetDefault("postgres.database", "chainsight")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "chainsight:watermark:")

	v.SetDefault("ingestion.partitions", []string{"0", "1", "2", "3"})
	v.SetDefault("ingestion.max_write_attempts", 5)
	v.SetDefault("ingestion.backoff_base", 200*time.Millisecond)
	v.SetDefault("ingestion.backoff_cap", 10*time.Second)
	v.SetDefault("ingestion.sink_timeout", 5*time.Second)
	v.SetDefault("ingestion.circuit_breaker_threshold", 0.5)
	v.SetDefault("ingestion.circuit_breaker_window", 20)
	v.SetDefault("ingestion.circuit_breaker_cooldown", 30*time.Second)
	v.SetDefault("ingestion.buffer_size", 1000)
	v.SetDefault("ingestion.shutdown_timeout", 10*time.Second)

	v.SetDefault("monitor.interval", 60*time.Second)
	v.SetDefault("monitor.window_size", 5*time.Minute)
	v.SetDefault("monitor.completeness_tolerance", 0.005)
	v.SetDefault("monitor.freshness_tolerance", 5*time.Minute)
	v.SetDefault("monitor.history_size", 100)
	v.SetDefault("monitor.inconclusive_alert_cycles", 3)

	v.SetDefault("alerting.notification_timeout_seconds", 10)
}

// Load reads configuration from the given YAML file (optional) with
// CHAINSIGHT_-prefixed environment overrides, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("CHAINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the components rely on.
func (c *Config) Validate() error {
	if len(c.Ingestion.Partitions) == 0 {
		return fmt.Errorf("config: ingestion.partitions must not be empty")
	}
	if c.Ingestion.MaxWriteAttempts < 1 {
		return fmt.Errorf("config: ingestion.max_write_attempts must be >= 1")
	}
	if c.Ingestion.BackoffBase <= 0 || c.Ingestion.BackoffCap < c.Ingestion.BackoffBase {
		return fmt.Errorf("config: backoff_base must be > 0 and <= backoff_cap")
	}
	if c.Ingestion.CircuitBreakerThreshold <= 0 || c.Ingestion.CircuitBreakerThreshold > 1 {
		return fmt.Errorf("config: circuit_breaker_threshold must be in (0, 1]")
	}
	if c.Ingestion.CircuitBreakerWindow < 1 {
		return fmt.Errorf("config: circuit_breaker_window must be >= 1")
	}
	if c.Ingestion.BufferSize < 1 {
		return fmt.Errorf("config: buffer_size must be >= 1")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("config: monitor.interval must be > 0")
	}
	if c.Monitor.WindowSize <= 0 {
		return fmt.Errorf("config: monitor.window_size must be > 0")
	}
	if c.Monitor.CompletenessTolerance < 0 {
		return fmt.Errorf("config: monitor.completeness_tolerance must be >= 0")
	}
	if c.Monitor.FreshnessTolerance <= 0 {
		return fmt.Errorf("config: monitor.freshness_tolerance must be > 0")
	}
	if c.Monitor.HistorySize < 1 {
		return fmt.Errorf("config: monitor.history_size must be >= 1")
	}
	return nil
}

// WriteDefault writes a starter config file with the default values.
func WriteDefault(path string) error {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshal defaults: %w", err)
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
