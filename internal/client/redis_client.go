package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trust-scorer/internal/config"
	"trust-scorer/internal/util"
)

type RedisClient struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedisClient connects to cfg.URL and pings it. rediss:// URLs use mutual
// TLS with cfg.TLSCAFile, cfg.TLSCertFile and cfg.TLSKeyFile.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = util.Get()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// only set password if not already in URL
	if opts.Password == "" && cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
		opts.MinIdleConns = cfg.PoolSize / 2
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 500 * time.Millisecond
	opts.WriteTimeout = 500 * time.Millisecond
	opts.PoolTimeout = time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	if strings.HasPrefix(cfg.URL, "rediss://") {
		tlsConfig, err := redisTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConfig
	}

	rc := NewRedisClientFrom(redis.NewClient(opts), logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.HealthCheck(pingCtx); err != nil {
		rc.Client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis client initialized",
		util.String("addr", opts.Addr),
		util.Int("db", opts.DB),
		util.Int("pool_size", opts.PoolSize))
	return rc, nil
}

// NewRedisClientFrom wraps an existing go-redis client.
func NewRedisClientFrom(c *redis.Client, logger *zap.Logger) *RedisClient {
	if logger == nil {
		logger = util.Get()
	}
	return &RedisClient{Client: c, logger: logger}
}

func redisTLSConfig(cfg config.RedisConfig) (*tls.Config, error) {
	caCert, err := os.ReadFile(cfg.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read Redis CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caCert); !ok {
		return nil, fmt.Errorf("failed to append CA cert from %s", cfg.TLSCAFile)
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load Redis TLS certificate/key: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (r *RedisClient) Close() error {
	if r.Client == nil {
		return nil
	}
	if err := r.Client.Close(); err != nil {
		r.logger.Error("Failed to close Redis client", util.ErrorField(err))
		return err
	}
	r.logger.Info("Redis client closed")
	return nil
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// IncrWithExpire increments key and refreshes its TTL in one transaction.
func (r *RedisClient) IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := r.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
