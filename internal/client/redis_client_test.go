package client

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"trust-scorer/internal/config"
	scorertls "trust-scorer/internal/tls"
)

func TestRedisTLSConfigUsesConfiguredFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := scorertls.NewDevCertGenerator(dir, zap.NewNop()).GenerateCert([]string{"redis.internal"}); err != nil {
		t.Fatal(err)
	}
	// environment must not override the loaded config
	t.Setenv("REDIS_TLS_CA_FILE", filepath.Join(dir, "elsewhere.pem"))

	cfg := config.RedisConfig{
		TLSCAFile:   filepath.Join(dir, "dev-cert.pem"),
		TLSCertFile: filepath.Join(dir, "dev-cert.pem"),
		TLSKeyFile:  filepath.Join(dir, "dev-key.pem"),
	}
	tlsConfig, err := redisTLSConfig(cfg)
	if err != nil {
		t.Fatalf("redisTLSConfig: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 || tlsConfig.RootCAs == nil {
		t.Fatalf("tls config = %+v", tlsConfig)
	}

	cfg.TLSCAFile = filepath.Join(dir, "absent-ca.pem")
	if _, err := redisTLSConfig(cfg); err == nil || !strings.Contains(err.Error(), "CA file") {
		t.Fatalf("missing CA file: %v", err)
	}

	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.TLSCAFile = garbage
	if _, err := redisTLSConfig(cfg); err == nil || !strings.Contains(err.Error(), garbage) {
		t.Fatalf("unparsable CA file: %v", err)
	}
}
