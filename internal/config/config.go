package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Model       ModelConfig
	RateLimit   RateLimitConfig
	Redis       RedisConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	Debug          bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string

	EnableTLS bool
	CertFile  string
	KeyFile   string
	CertDir   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ModelConfig struct {
	Path string
}

type RateLimitConfig struct {
	Enabled bool
	// RPS and Burst drive the in-memory token buckets; Window is the
	// fixed window used by the redis counter (RPS*Window requests per window).
	RPS    float64
	Burst  int
	Window time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int

	// mutual TLS material, used for rediss:// URLs
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

var (
	loaded *Config
	mu     sync.Mutex
)

// LoadConfig reads an optional .env file and builds the configuration from
// the environment. The result is cached for Get.
func LoadConfig() *Config {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 5000),
			Debug:          getEnvBool("SERVER_DEBUG", false),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			EnableTLS:      getEnvBool("ENABLE_TLS", false),
			CertFile:       getEnv("TLS_CERT_FILE", ""),
			KeyFile:        getEnv("TLS_KEY_FILE", ""),
			CertDir:        getEnv("TLS_CERT_DIR", "certs"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Model: ModelConfig{
			Path: getEnv("MODEL_PATH", "models/trust_model.json"),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", false),
			RPS:     getEnvFloat("RATE_LIMIT_RPS", 20),
			Burst:   getEnvInt("RATE_LIMIT_BURST", 40),
			Window:  getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),

			TLSCAFile:   getEnv("REDIS_TLS_CA_FILE", "certs/ca.crt"),
			TLSCertFile: getEnv("REDIS_TLS_CERT_FILE", "certs/redis.crt"),
			TLSKeyFile:  getEnv("REDIS_TLS_KEY_FILE", "certs/redis.key"),
		},
	}

	if cfg.Server.Debug {
		cfg.Logging.Level = "debug"
	}

	mu.Lock()
	loaded = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	mu.Lock()
	cfg := loaded
	mu.Unlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("MODEL_PATH is required"))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", c.RateLimit.RPS))
		}
		if c.RateLimit.Burst <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be positive, got %d", c.RateLimit.Burst))
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window))
		}
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
