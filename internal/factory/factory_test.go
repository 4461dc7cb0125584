package factory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"trust-scorer/internal/config"
	"trust-scorer/internal/ratelimit"
	"trust-scorer/internal/trainer"
)

func baseConfig(modelPath string) *config.Config {
	return &config.Config{
		Environment: "development",
		Model:       config.ModelConfig{Path: modelPath},
		RateLimit:   config.RateLimitConfig{RPS: 5, Burst: 5, Window: time.Minute},
	}
}

func trainedModel(t *testing.T) string {
	t.Helper()
	opts := trainer.DefaultOptions()
	opts.Samples = 500
	opts.Trees = 20
	opts.OutPath = filepath.Join(t.TempDir(), "model.json")
	if _, err := trainer.New(nil, zap.NewNop()).Run(context.Background(), opts); err != nil {
		t.Fatalf("train: %v", err)
	}
	return opts.OutPath
}

func TestFactoryLoadsModel(t *testing.T) {
	f, err := NewFactoryWithConfig(context.Background(), baseConfig(trainedModel(t)), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFactoryWithConfig: %v", err)
	}
	defer f.Close()

	st := f.ScoringService().Status()
	if !st.ModelLoaded || st.Variant != "risk" {
		t.Fatalf("status = %+v", st)
	}
	if f.Limiter() != nil {
		t.Fatal("rate limiting should be off by default")
	}
	if errs := f.HealthCheck(context.Background()); len(errs) != 0 {
		t.Fatalf("health errors: %v", errs)
	}
}

func TestFactoryMissingModelStaysUp(t *testing.T) {
	cfg := baseConfig(filepath.Join(t.TempDir(), "absent.json"))
	f, err := NewFactoryWithConfig(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("missing model must not fail startup: %v", err)
	}
	defer f.Close()

	if f.ScoringService().Loaded() {
		t.Fatal("scorer reports a model that does not exist")
	}
	if _, ok := f.HealthCheck(context.Background())["model"]; !ok {
		t.Fatal("health check should report the missing model")
	}
}

func TestFactoryLimiterSelection(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		cfg := baseConfig(filepath.Join(t.TempDir(), "absent.json"))
		cfg.RateLimit.Enabled = true
		f, err := NewFactoryWithConfig(context.Background(), cfg, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if _, ok := f.Limiter().(*ratelimit.MemoryLimiter); !ok {
			t.Fatalf("limiter = %T", f.Limiter())
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig(filepath.Join(t.TempDir(), "absent.json"))
		cfg.RateLimit.Enabled = true
		cfg.Redis = config.RedisConfig{URL: "redis://" + mr.Addr() + "/0", PoolSize: 2}
		f, err := NewFactoryWithConfig(context.Background(), cfg, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if _, ok := f.Limiter().(*ratelimit.RedisLimiter); !ok {
			t.Fatalf("limiter = %T", f.Limiter())
		}
	})

	t.Run("redis down in development", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		cfg := baseConfig(filepath.Join(t.TempDir(), "absent.json"))
		cfg.RateLimit.Enabled = true
		cfg.Redis = config.RedisConfig{URL: "redis://" + addr}
		f, err := NewFactoryWithConfig(context.Background(), cfg, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if _, ok := f.Limiter().(*ratelimit.MemoryLimiter); !ok {
			t.Fatalf("limiter = %T", f.Limiter())
		}
	})
}
