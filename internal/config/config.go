package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Sanitizer SanitizerConfig `yaml:"sanitizer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Log       LogConfig       `yaml:"log"`
	Sentry    SentryConfig    `yaml:"sentry"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN builds a lib/pq connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// RedisConfig is optional; an empty Addr keeps usage counters in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RabbitMQConfig is optional; an empty URL keeps dispatch jobs in process.
type RabbitMQConfig struct {
	URL           string `yaml:"url"`
	DispatchQueue string `yaml:"dispatch_queue"`
}

type GatewayConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	RatePerSec int           `yaml:"rate_per_sec"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

type SanitizerConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	ScheduledInterval time.Duration `yaml:"scheduled_interval"`
	RecurringInterval time.Duration `yaml:"recurring_interval"`
}

type DispatchConfig struct {
	DefaultMinDelay int `yaml:"default_min_delay"`
	DefaultMaxDelay int `yaml:"default_max_delay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			Name:    "leadblast",
			SSLMode: "disable",
		},
		RabbitMQ: RabbitMQConfig{DispatchQueue: "campaign_dispatch"},
		Gateway: GatewayConfig{
			BaseURL:    "http://localhost:8081",
			RatePerSec: 5,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
		},
		Sanitizer: SanitizerConfig{
			Command: "exiftool",
			Args:    []string{"-all=", "-overwrite_original"},
			Timeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			TickInterval:      60 * time.Second,
			ScheduledInterval: 60 * time.Second,
			RecurringInterval: 3600 * time.Second,
		},
		Dispatch: DispatchConfig{DefaultMinDelay: 5, DefaultMaxDelay: 15},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE
// (if set), then applies environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.DispatchQueue = getEnv("RABBITMQ_DISPATCH_QUEUE", c.RabbitMQ.DispatchQueue)

	c.Gateway.BaseURL = getEnv("GATEWAY_BASE_URL", c.Gateway.BaseURL)
	c.Gateway.APIKey = getEnv("GATEWAY_API_KEY", c.Gateway.APIKey)
	c.Gateway.RatePerSec = getEnvAsInt("GATEWAY_RATE_PER_SEC", c.Gateway.RatePerSec)
	c.Gateway.MaxRetries = getEnvAsInt("GATEWAY_MAX_RETRIES", c.Gateway.MaxRetries)
	c.Gateway.Timeout = getEnvAsDuration("GATEWAY_TIMEOUT", c.Gateway.Timeout)

	c.Sanitizer.Command = getEnv("SANITIZER_COMMAND", c.Sanitizer.Command)
	if args, ok := os.LookupEnv("SANITIZER_ARGS"); ok {
		c.Sanitizer.Args = strings.Fields(args)
	}
	c.Sanitizer.Timeout = getEnvAsDuration("SANITIZER_TIMEOUT", c.Sanitizer.Timeout)

	c.Scheduler.Enabled = getEnvAsBool("SCHEDULER_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.TickInterval = getEnvAsDuration("SCHEDULER_TICK_INTERVAL", c.Scheduler.TickInterval)
	c.Scheduler.ScheduledInterval = getEnvAsDuration("SCHEDULER_SCHEDULED_INTERVAL", c.Scheduler.ScheduledInterval)
	c.Scheduler.RecurringInterval = getEnvAsDuration("SCHEDULER_RECURRING_INTERVAL", c.Scheduler.RecurringInterval)

	c.Dispatch.DefaultMinDelay = getEnvAsInt("DISPATCH_DEFAULT_MIN_DELAY", c.Dispatch.DefaultMinDelay)
	c.Dispatch.DefaultMaxDelay = getEnvAsInt("DISPATCH_DEFAULT_MAX_DELAY", c.Dispatch.DefaultMaxDelay)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Sentry.DSN = getEnv("SENTRY_DSN", c.Sentry.DSN)
	c.Sentry.Environment = getEnv("SENTRY_ENVIRONMENT", c.Sentry.Environment)
}

// Validate rejects configurations the dispatch engine cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.DefaultMinDelay < 0 || c.Dispatch.DefaultMaxDelay < c.Dispatch.DefaultMinDelay {
		return fmt.Errorf("invalid dispatch delay bounds [%d, %d]", c.Dispatch.DefaultMinDelay, c.Dispatch.DefaultMaxDelay)
	}
	if c.Scheduler.Enabled && c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base url is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvAsBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}
