package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig         `mapstructure:"log"`
	Orders     ServiceConfig     `mapstructure:"orders"`
	Payments   ServiceConfig     `mapstructure:"payments"`
	ClickHouse DatabaseConfig    `mapstructure:"clickhouse"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Bus        BusConfig         `mapstructure:"bus"`
	Relay      RelayConfig       `mapstructure:"relay"`
	Topics     map[string]string `mapstructure:"topics"` // event type -> topic
	Ledger     LedgerConfig      `mapstructure:"ledger"`
	RateLimit  RateLimitConfig   `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ServiceConfig is everything one side of the saga owns: its API address,
// its database and the consumer group it reads its input topic with.
type ServiceConfig struct {
	HTTP          HTTPConfig     `mapstructure:"http"`
	MySQL         DatabaseConfig `mapstructure:"mysql"`
	ConsumerGroup string         `mapstructure:"consumer_group"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type BusConfig struct {
	Driver         string         `mapstructure:"driver"` // kafka | rabbitmq
	PublishTimeout time.Duration  `mapstructure:"publish_timeout"`
	Kafka          KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ       RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Prefetch int    `mapstructure:"prefetch"`
}

type RelayConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
	Archive   bool          `mapstructure:"archive"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type LedgerConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"` // per user, 0 disables
}

// Service returns the settings of "orders" or "payments".
func (c Config) Service(name string) (ServiceConfig, error) {
	switch name {
	case "orders":
		return c.Orders, nil
	case "payments":
		return c.Payments, nil
	default:
		return ServiceConfig{}, fmt.Errorf("unknown service %q (want orders or payments)", name)
	}
}

// Topic returns the topic configured for an event type. Viper lowercases map
// keys, so the lookup is case-insensitive.
func (c Config) Topic(eventType string) string {
	return c.Topics[strings.ToLower(eventType)]
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (SHOP_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (SHOP_*), nested keys use '_': SHOP_ORDERS_MYSQL_DSN
	v.SetEnvPrefix("SHOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
