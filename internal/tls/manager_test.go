package tls

import (
	"bytes"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"trust-scorer/internal/config"
)

func testConfig(env, certDir string) *config.Config {
	return &config.Config{
		Environment: env,
		Server:      config.ServerConfig{Host: "0.0.0.0", CertDir: certDir},
	}
}

func TestDevCertificateGeneratedAndReused(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")

	m := NewTLSManager(testConfig("development", dir), zap.NewNop())
	cfg, err := m.GetTLSConfig()
	if err != nil {
		t.Fatalf("GetTLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("min version = %x", cfg.MinVersion)
	}
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate: %v", err)
	}

	first, err := os.ReadFile(filepath.Join(dir, devCertName))
	if err != nil {
		t.Fatalf("certificate not written: %v", err)
	}

	// a fresh manager must reuse the cached certificate
	if _, err := NewTLSManager(testConfig("development", dir), zap.NewNop()).Certificate(); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, devCertName))
	if !bytes.Equal(first, second) {
		t.Fatal("valid development certificate was regenerated")
	}
}

func TestProductionRequiresKeyPair(t *testing.T) {
	m := NewTLSManager(testConfig("production", t.TempDir()), zap.NewNop())
	if _, err := m.GetTLSConfig(); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("want ErrNoCertificate, got %v", err)
	}
}

func TestConfiguredKeyPair(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewDevCertGenerator(dir, zap.NewNop()).GenerateCert([]string{"scorer.internal"}); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig("production", t.TempDir())
	cfg.Server.CertFile = filepath.Join(dir, devCertName)
	cfg.Server.KeyFile = filepath.Join(dir, devKeyName)
	if _, err := NewTLSManager(cfg, zap.NewNop()).Certificate(); err != nil {
		t.Fatalf("configured key pair rejected: %v", err)
	}

	cfg.Server.KeyFile = filepath.Join(dir, "missing.pem")
	if _, err := NewTLSManager(cfg, zap.NewNop()).Certificate(); err == nil {
		t.Fatal("missing key file accepted")
	}
}
