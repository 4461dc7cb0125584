package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trust-scorer/internal/artifact"
	"trust-scorer/internal/bucketing"
	"trust-scorer/internal/client"
	"trust-scorer/internal/config"
	"trust-scorer/internal/ratelimit"
	"trust-scorer/internal/service"
	"trust-scorer/internal/tls"
	"trust-scorer/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	redisClient      *client.RedisClient
	bucketingManager *bucketing.BucketingManager
	limiter          ratelimit.Limiter
	serviceFactory   *service.ServiceFactory

	stopCleanup context.CancelFunc
	closeOnce   sync.Once
}

// NewFactory loads configuration from the environment, installs the global
// logger and builds every dependency.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return NewFactoryWithConfig(context.Background(), cfg, logger)
}

// NewFactoryWithConfig builds the dependencies for cfg. The model artifact is
// loaded exactly once here; a failed load is logged and leaves the scorer
// unavailable instead of failing startup.
func NewFactoryWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = util.Get()
	}
	f := &Factory{
		config:           cfg,
		logger:           logger,
		bucketingManager: bucketing.NewBucketingManager(),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg, logger)
	}

	if err := f.initializeLimiter(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	f.initializeModel()

	logger.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("rate_limit_enabled", cfg.RateLimit.Enabled),
		util.Bool("model_loaded", f.ScoringService().Loaded()),
	)
	return f, nil
}

// initializeModel loads the artifact at the configured path.
func (f *Factory) initializeModel() {
	path := f.config.Model.Path
	a, err := artifact.Load(path, f.bucketingManager)
	if err != nil {
		f.logger.Error("Failed to load model artifact, scoring disabled",
			util.String("path", path),
			util.ErrorField(err))
	} else {
		f.logger.Info("Model artifact loaded",
			util.String("path", path),
			util.String("model_id", a.ModelID.String()),
			util.String("kind", string(a.Kind)),
			util.String("variant", a.Variant),
			util.Strings("features", a.Schema().Names()))
	}
	f.serviceFactory = service.NewServiceFactory(a, err, f.logger)
}

// initializeLimiter selects the shared redis counter when REDIS_URL is set
// and the in-memory limiter otherwise.
func (f *Factory) initializeLimiter(ctx context.Context) error {
	rl := f.config.RateLimit
	if !rl.Enabled {
		return nil
	}

	if f.config.Redis.URL != "" {
		rc, err := client.NewRedisClient(ctx, f.config.Redis, f.logger)
		if err != nil {
			if f.config.IsProduction() {
				return err
			}
			f.logger.Warn("Redis unavailable, falling back to in-memory rate limiting", util.ErrorField(err))
		} else {
			f.redisClient = rc
			limit := ratelimit.WindowLimit(rl.RPS, rl.Window)
			f.limiter = ratelimit.NewRedisLimiter(rc, limit, rl.Window)
			f.logger.Info("Using redis rate limiter",
				util.Int("limit", limit),
				util.Duration("window", rl.Window))
			return nil
		}
	}

	mem := ratelimit.NewMemoryLimiter(rl.RPS, rl.Burst, f.logger)
	cleanupCtx, cancel := context.WithCancel(context.Background())
	f.stopCleanup = cancel
	go mem.StartCleanup(cleanupCtx, time.Minute)
	f.limiter = mem
	f.logger.Info("Using in-memory rate limiter",
		util.Float64("rps", rl.RPS),
		util.Int("burst", rl.Burst))
	return nil
}

// ==============================
// Accessors
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

// Limiter is nil when rate limiting is disabled.
func (f *Factory) Limiter() ratelimit.Limiter {
	return f.limiter
}

func (f *Factory) ScoringService() *service.ScoringService {
	return f.serviceFactory.ScoringService()
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports dependencies that are configured but failing. A
// missing model is reported but does not make the process unhealthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if !f.ScoringService().Loaded() {
		healthErrors["model"] = service.ErrModelUnavailable
	}
	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		f.logger.Info("Shutting down factory...")

		if f.stopCleanup != nil {
			f.stopCleanup()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		f.logger.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}
