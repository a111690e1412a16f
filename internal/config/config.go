// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	ServiceName string `yaml:"service_name"`
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`

	Database  Database  `yaml:"database"`
	Redis     Redis     `yaml:"redis"`
	Kafka     Kafka     `yaml:"kafka"`
	Telemetry Telemetry `yaml:"telemetry"`
	Ledger    Ledger    `yaml:"ledger"`
}

type Database struct {
	// URL, when set, replaces the individual connection fields.
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`

	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	ConnectAttempts int           `yaml:"connect_attempts"`
}

// DSN returns the connection string for pgx and lib/pq.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type Redis struct {
	// Addr empty disables the idempotency cache.
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type Kafka struct {
	// Brokers empty disables event publishing.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Telemetry struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type Ledger struct {
	LockTimeout       time.Duration `yaml:"lock_timeout"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	DefaultThreshold  int64         `yaml:"default_low_stock_threshold"`
	SalesActivityDays int           `yaml:"sales_activity_days"`
	SalesAverageDays  int           `yaml:"sales_average_days"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ServiceName: "inventory-ledger",
		Port:        "8080",
		LogLevel:    "info",
		Database: Database{
			Host:            "localhost",
			Port:            "5432",
			User:            "root",
			Password:        "ledger_pass",
			Name:            "inventory_db",
			SSLMode:         "disable",
			MaxConns:        25,
			MinConns:        5,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			ConnectAttempts: 30,
		},
		Redis: Redis{IdempotencyTTL: 24 * time.Hour},
		Kafka: Kafka{Topic: "inventory.changed"},
		Telemetry: Telemetry{
			Enabled:      true,
			OTLPEndpoint: "localhost:4318",
		},
		Ledger: Ledger{
			LockTimeout:       2 * time.Second,
			PublishTimeout:    5 * time.Second,
			DefaultThreshold:  10,
			SalesActivityDays: 60,
			SalesAverageDays:  30,
		},
	}
}

// Load reads the file named by LEDGER_CONFIG, if any, then applies the
// environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("LEDGER_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.Host = getEnv("DATABASE_HOST", c.Database.Host)
	c.Database.Port = getEnv("DATABASE_PORT", c.Database.Port)
	c.Database.User = getEnv("DATABASE_USER", c.Database.User)
	c.Database.Password = getEnv("DATABASE_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DATABASE_NAME", c.Database.Name)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)

	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)

	var err error
	if c.Telemetry.Enabled, err = getBool("OTEL_ENABLED", c.Telemetry.Enabled); err != nil {
		return err
	}
	if c.Ledger.LockTimeout, err = getDuration("LEDGER_LOCK_TIMEOUT", c.Ledger.LockTimeout); err != nil {
		return err
	}
	if c.Ledger.PublishTimeout, err = getDuration("LEDGER_PUBLISH_TIMEOUT", c.Ledger.PublishTimeout); err != nil {
		return err
	}
	if c.Redis.IdempotencyTTL, err = getDuration("LEDGER_IDEMPOTENCY_TTL", c.Redis.IdempotencyTTL); err != nil {
		return err
	}
	if c.Ledger.DefaultThreshold, err = getInt("LEDGER_DEFAULT_THRESHOLD", c.Ledger.DefaultThreshold); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger.lock_timeout must be positive, got %s", c.Ledger.LockTimeout)
	}
	if c.Ledger.PublishTimeout <= 0 {
		return fmt.Errorf("ledger.publish_timeout must be positive, got %s", c.Ledger.PublishTimeout)
	}
	if c.Ledger.DefaultThreshold < 0 {
		return fmt.Errorf("ledger.default_low_stock_threshold must not be negative")
	}
	if c.Ledger.SalesActivityDays <= 0 || c.Ledger.SalesAverageDays <= 0 {
		return fmt.Errorf("ledger sales windows must be positive")
	}
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
