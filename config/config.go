package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	LiveTree   LiveTreeConfig   `yaml:"livetree"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Control    ControlConfig    `yaml:"control"`
	Registry   RegistryConfig   `yaml:"registry"`
	Reports    ReportsConfig    `yaml:"reports"`
	Provision  ProvisionConfig  `yaml:"provision"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Auth       AuthConfig       `yaml:"auth"`
	Influx     InfluxConfig     `yaml:"influx"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	AdminToken      string   `yaml:"admin_token"`
}

// DatabaseConfig holds the durable store connection configuration.
// A DSN starting with "sqlite:" or "file:" selects the SQLite driver.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogQueries             bool   `yaml:"log_queries"`
}

// LiveTreeConfig selects the live key-value tree backend.
type LiveTreeConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// MQTTConfig holds the device transport configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// LivenessConfig holds the heartbeat tracker configuration.
type LivenessConfig struct {
	WindowSeconds        int           `yaml:"window_seconds"`
	Window               time.Duration `yaml:"-"`
	SweepIntervalSeconds int           `yaml:"sweep_interval_seconds"`
	SweepInterval        time.Duration `yaml:"-"`
}

// TelemetryConfig controls how live readings are sampled into history.
type TelemetryConfig struct {
	HistoryIntervalSeconds   int           `yaml:"history_interval_seconds"`
	HistoryInterval          time.Duration `yaml:"-"`
	SignificantMoistureDelta int           `yaml:"significant_moisture_delta"`
}

// ControlConfig holds retry settings for command writes.
type ControlConfig struct {
	RetryMaxAttempts       int           `yaml:"retry_max_attempts"`
	RetryMaxElapsedSeconds int           `yaml:"retry_max_elapsed_seconds"`
	RetryMaxElapsed        time.Duration `yaml:"-"`
	BreakerFailures        int           `yaml:"breaker_failures"`
	BreakerOpenSeconds     int           `yaml:"breaker_open_seconds"`
}

// RegistryConfig controls the live-tree mirror reconciliation.
type RegistryConfig struct {
	ReconcileIntervalSeconds int           `yaml:"reconcile_interval_seconds"`
	ReconcileInterval        time.Duration `yaml:"-"`
}

// ReportsConfig bounds report queries.
type ReportsConfig struct {
	DefaultEventLimit int `yaml:"default_event_limit"`
	MaxEventLimit     int `yaml:"max_event_limit"`
}

// ProvisionConfig configures the manufacturer manifest sync.
type ProvisionConfig struct {
	Enabled         bool              `yaml:"enabled"`
	IntervalSeconds int               `yaml:"interval_seconds"`
	Interval        time.Duration     `yaml:"-"`
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers"`
	PageSize        int               `yaml:"page_size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// AuthConfig selects how user identity is established.
type AuthConfig struct {
	Mode                   string `yaml:"mode"` // "firebase" or "header"
	FirebaseCredentialFile string `yaml:"firebase_credentials_file"`
	FirebaseProjectID      string `yaml:"firebase_project_id"`
}

// InfluxConfig configures the optional telemetry export.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Load reads the configuration from the given path and applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("IRRIGATION_DB_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("IRRIGATION_REDIS_ADDR")); v != "" {
		c.LiveTree.RedisAddr = v
	}
	if v := os.Getenv("IRRIGATION_REDIS_PASSWORD"); v != "" {
		c.LiveTree.RedisPassword = v
	}
	if v := strings.TrimSpace(os.Getenv("IRRIGATION_MQTT_BROKER")); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("IRRIGATION_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("IRRIGATION_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("IRRIGATION_VAPID_PUBLIC_KEY"); v != "" {
		c.Push.PublicKey = v
	}
	if v := os.Getenv("IRRIGATION_VAPID_PRIVATE_KEY"); v != "" {
		c.Push.PrivateKey = v
	}
	if v := os.Getenv("IRRIGATION_INFLUX_TOKEN"); v != "" {
		c.Influx.Token = v
	}
}

// ApplyDefaults fills zero values and derives the duration fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 10
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 5
	}
	if c.Server.CacheTTLSeconds <= 0 {
		c.Server.CacheTTLSeconds = 30
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "file:irrigation.db?cache=shared"
	}

	if c.LiveTree.Backend == "" {
		c.LiveTree.Backend = "memory"
	}
	if c.LiveTree.KeyPrefix == "" {
		c.LiveTree.KeyPrefix = "tree:"
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "irrigationd"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "irrigation"
	}
	if c.MQTT.QoS > 2 {
		c.MQTT.QoS = 1
	}

	if c.Liveness.WindowSeconds <= 0 {
		c.Liveness.WindowSeconds = 20
	}
	c.Liveness.Window = time.Duration(c.Liveness.WindowSeconds) * time.Second
	if c.Liveness.SweepIntervalSeconds <= 0 {
		c.Liveness.SweepIntervalSeconds = 5
	}
	c.Liveness.SweepInterval = time.Duration(c.Liveness.SweepIntervalSeconds) * time.Second

	if c.Telemetry.HistoryIntervalSeconds <= 0 {
		c.Telemetry.HistoryIntervalSeconds = 300
	}
	c.Telemetry.HistoryInterval = time.Duration(c.Telemetry.HistoryIntervalSeconds) * time.Second
	if c.Telemetry.SignificantMoistureDelta <= 0 {
		c.Telemetry.SignificantMoistureDelta = 5
	}

	if c.Control.RetryMaxAttempts <= 0 {
		c.Control.RetryMaxAttempts = 3
	}
	if c.Control.RetryMaxElapsedSeconds <= 0 {
		c.Control.RetryMaxElapsedSeconds = 10
	}
	c.Control.RetryMaxElapsed = time.Duration(c.Control.RetryMaxElapsedSeconds) * time.Second
	if c.Control.BreakerFailures <= 0 {
		c.Control.BreakerFailures = 5
	}
	if c.Control.BreakerOpenSeconds <= 0 {
		c.Control.BreakerOpenSeconds = 30
	}

	if c.Registry.ReconcileIntervalSeconds <= 0 {
		c.Registry.ReconcileIntervalSeconds = 60
	}
	c.Registry.ReconcileInterval = time.Duration(c.Registry.ReconcileIntervalSeconds) * time.Second

	if c.Reports.DefaultEventLimit <= 0 {
		c.Reports.DefaultEventLimit = 50
	}
	if c.Reports.MaxEventLimit <= 0 {
		c.Reports.MaxEventLimit = 500
	}

	if c.Provision.IntervalSeconds <= 0 {
		c.Provision.IntervalSeconds = 3600
	}
	c.Provision.Interval = time.Duration(c.Provision.IntervalSeconds) * time.Second
	if c.Provision.PageSize <= 0 {
		c.Provision.PageSize = 100
	}

	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}

	if c.WorkerPool.Size <= 0 {
		c.WorkerPool.Size = 1
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "firebase"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}
