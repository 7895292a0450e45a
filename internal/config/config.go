package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for inferq.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Broadcast BroadcastConfig
	Media     MediaConfig
	Delivery  DeliveryConfig
	Storage   StorageConfig
	Vector    VectorConfig
	Inference InferenceConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

// DatabaseConfig selects the job store. Type "memory" keeps everything in
// process and ignores the connection settings.
type DatabaseConfig struct {
	Type            string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type WorkerConfig struct {
	PollInterval    time.Duration
	MaxRetries      int
	Concurrency     int
	ClaimLease      time.Duration
	SweepInterval   time.Duration
	DuplicatePolicy string
}

type BroadcastConfig struct {
	Type    string
	Topic   string
	AMQPURL string
}

type MediaConfig struct {
	URL     string
	Token   string
	Stub    bool
	Timeout time.Duration
}

type DeliveryConfig struct {
	MaxAttempts int
	Timeout     time.Duration
}

type StorageConfig struct {
	Type  string
	Dir   string
	Minio MinioConfig
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type VectorConfig struct {
	Type string
}

type InferenceConfig struct {
	Provider string
	URL      string
	Timeout  time.Duration
}

// APIKey is a named credential. Hash is a bcrypt hash of the raw key.
type APIKey struct {
	Name   string
	Hash   string
	Scopes []string
}

type AuthConfig struct {
	APIKeys            []APIKey
	RateLimitPerMinute int
}

var defaults = map[string]any{
	"INFERQ_PORT":                8080,
	"INFERQ_ENV":                 "development",
	"LOG_LEVEL":                  "info",
	"STORE_TYPE":                 "postgres",
	"DATABASE_MAX_OPEN_CONNS":    25,
	"DATABASE_MAX_IDLE_CONNS":    5,
	"DATABASE_CONN_MAX_LIFETIME": 5 * time.Minute,
	"WORKER_POLL_INTERVAL":       5 * time.Second,
	"WORKER_MAX_RETRIES":         3,
	"WORKER_CONCURRENCY":         1,
	"WORKER_CLAIM_LEASE":         time.Duration(0),
	"WORKER_SWEEP_INTERVAL":      time.Minute,
	"DUPLICATE_POLICY":           "reject",
	"BROADCAST_TYPE":             "none",
	"BROADCAST_TOPIC":            "inference/events",
	"MEDIA_STORE_STUB":           false,
	"MEDIA_TIMEOUT":              30 * time.Second,
	"DELIVERY_MAX_ATTEMPTS":      3,
	"DELIVERY_TIMEOUT":           30 * time.Second,
	"STORAGE_TYPE":               "local",
	"STORAGE_DIR":                "./data/artifacts",
	"MINIO_BUCKET":               "inferq-artifacts",
	"MINIO_USE_SSL":              false,
	"VECTOR_STORE":               "redis",
	"INFERENCE_PROVIDER":         "stub",
	"INFERENCE_TIMEOUT":          60 * time.Second,
	"RATE_LIMIT_PER_MINUTE":      60,
}

// Load reads configuration from environment variables, layered over the
// YAML file named by INFERQ_CONFIG if set, and returns a validated Config.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("INFERQ_CONFIG"))
}

// LoadFile is Load with an explicit config file. An empty path reads the
// environment only. Environment variables take precedence over the file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	keys, err := parseAPIKeys(v.GetStringSlice("API_KEYS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetInt("INFERQ_PORT"),
			Env:      v.GetString("INFERQ_ENV"),
			LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		},
		Database: DatabaseConfig{
			Type:            v.GetString("STORE_TYPE"),
			URL:             v.GetString("DATABASE_URL"),
			MaxOpenConns:    v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DATABASE_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DATABASE_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			URL: v.GetString("REDIS_URL"),
		},
		Worker: WorkerConfig{
			PollInterval:    v.GetDuration("WORKER_POLL_INTERVAL"),
			MaxRetries:      v.GetInt("WORKER_MAX_RETRIES"),
			Concurrency:     v.GetInt("WORKER_CONCURRENCY"),
			ClaimLease:      v.GetDuration("WORKER_CLAIM_LEASE"),
			SweepInterval:   v.GetDuration("WORKER_SWEEP_INTERVAL"),
			DuplicatePolicy: v.GetString("DUPLICATE_POLICY"),
		},
		Broadcast: BroadcastConfig{
			Type:    v.GetString("BROADCAST_TYPE"),
			Topic:   v.GetString("BROADCAST_TOPIC"),
			AMQPURL: v.GetString("AMQP_URL"),
		},
		Media: MediaConfig{
			URL:     strings.TrimRight(v.GetString("MEDIA_STORE_URL"), "/"),
			Token:   v.GetString("MEDIA_STORE_TOKEN"),
			Stub:    v.GetBool("MEDIA_STORE_STUB"),
			Timeout: v.GetDuration("MEDIA_TIMEOUT"),
		},
		Delivery: DeliveryConfig{
			MaxAttempts: v.GetInt("DELIVERY_MAX_ATTEMPTS"),
			Timeout:     v.GetDuration("DELIVERY_TIMEOUT"),
		},
		Storage: StorageConfig{
			Type: v.GetString("STORAGE_TYPE"),
			Dir:  v.GetString("STORAGE_DIR"),
			Minio: MinioConfig{
				Endpoint:  v.GetString("MINIO_ENDPOINT"),
				AccessKey: v.GetString("MINIO_ACCESS_KEY"),
				SecretKey: v.GetString("MINIO_SECRET_KEY"),
				Bucket:    v.GetString("MINIO_BUCKET"),
				UseSSL:    v.GetBool("MINIO_USE_SSL"),
			},
		},
		Vector: VectorConfig{
			Type: v.GetString("VECTOR_STORE"),
		},
		Inference: InferenceConfig{
			Provider: v.GetString("INFERENCE_PROVIDER"),
			URL:      strings.TrimRight(v.GetString("INFERENCE_URL"), "/"),
			Timeout:  v.GetDuration("INFERENCE_TIMEOUT"),
		},
		Auth: AuthConfig{
			APIKeys:            keys,
			RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseAPIKeys accepts "name:hash" or "name:hash:scope|scope" entries
// separated by commas or whitespace.
func parseAPIKeys(raw []string) ([]APIKey, error) {
	var keys []APIKey
	for _, item := range raw {
		for _, entry := range strings.Split(item, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			parts := strings.Split(entry, ":")
			if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
				return nil, fmt.Errorf("API_KEYS entry %q must be name:bcrypt-hash[:scopes]", entry)
			}
			key := APIKey{Name: parts[0], Hash: parts[1]}
			if len(parts) == 3 && parts[2] != "" {
				key.Scopes = strings.Split(parts[2], "|")
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s; got %q", key, strings.Join(allowed, ", "), value)
}

func httpURL(key, value string) error {
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return fmt.Errorf("%s must start with http:// or https://, got %q", key, value)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("INFERQ_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if err := oneOf("LOG_LEVEL", c.Server.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}

	if err := oneOf("STORE_TYPE", c.Database.Type, "postgres", "memory"); err != nil {
		return err
	}
	if c.Database.Type == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_TYPE is postgres")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("WORKER_MAX_RETRIES must not be negative, got %d", c.Worker.MaxRetries)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive")
	}
	if c.Worker.ClaimLease < 0 {
		return fmt.Errorf("WORKER_CLAIM_LEASE must not be negative")
	}
	if err := oneOf("DUPLICATE_POLICY", c.Worker.DuplicatePolicy, "reject", "supersede"); err != nil {
		return err
	}

	if err := oneOf("BROADCAST_TYPE", c.Broadcast.Type, "redis", "amqp", "none"); err != nil {
		return err
	}
	if c.Broadcast.Type == "amqp" && c.Broadcast.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required when BROADCAST_TYPE is amqp")
	}

	if err := oneOf("VECTOR_STORE", c.Vector.Type, "redis", "memory"); err != nil {
		return err
	}
	if c.NeedsRedis() && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when VECTOR_STORE or BROADCAST_TYPE is redis")
	}

	if !c.Media.Stub {
		if c.Media.URL == "" {
			return fmt.Errorf("MEDIA_STORE_URL is required unless MEDIA_STORE_STUB is set")
		}
		if err := httpURL("MEDIA_STORE_URL", c.Media.URL); err != nil {
			return err
		}
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at least 1, got %d", c.Delivery.MaxAttempts)
	}

	if err := oneOf("STORAGE_TYPE", c.Storage.Type, "local", "minio"); err != nil {
		return err
	}
	if c.Storage.Type == "local" && c.Storage.Dir == "" {
		return fmt.Errorf("STORAGE_DIR is required when STORAGE_TYPE is local")
	}
	if c.Storage.Type == "minio" {
		m := c.Storage.Minio
		if m.Endpoint == "" || m.AccessKey == "" || m.SecretKey == "" || m.Bucket == "" {
			return fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET are required when STORAGE_TYPE is minio")
		}
	}

	if err := oneOf("INFERENCE_PROVIDER", c.Inference.Provider, "stub", "remote"); err != nil {
		return err
	}
	if c.Inference.Provider == "remote" {
		if c.Inference.URL == "" {
			return fmt.Errorf("INFERENCE_URL is required when INFERENCE_PROVIDER is remote")
		}
		if err := httpURL("INFERENCE_URL", c.Inference.URL); err != nil {
			return err
		}
	}

	if c.Auth.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1, got %d", c.Auth.RateLimitPerMinute)
	}
	if c.Server.Env == "production" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required when INFERQ_ENV is production")
	}

	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Vector.Type == "redis" || c.Broadcast.Type == "redis"
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Server.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
