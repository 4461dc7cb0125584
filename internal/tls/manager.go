package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"trust-scorer/internal/config"
	"trust-scorer/internal/util"
)

var ErrNoCertificate = errors.New("no TLS certificate configured")

// TLSManager serves the scorer certificate: the configured key pair when
// present, otherwise a self-signed certificate outside production.
type TLSManager struct {
	certFile   string
	keyFile    string
	certDir    string
	host       string
	production bool
	logger     *zap.Logger

	once sync.Once
	cert *tls.Certificate
	err  error
}

func NewTLSManager(cfg *config.Config, logger *zap.Logger) *TLSManager {
	if logger == nil {
		logger = util.Get()
	}
	return &TLSManager{
		certFile:   cfg.Server.CertFile,
		keyFile:    cfg.Server.KeyFile,
		certDir:    cfg.Server.CertDir,
		host:       cfg.Server.Host,
		production: cfg.IsProduction(),
		logger:     logger,
	}
}

// Certificate loads or generates the certificate once.
func (m *TLSManager) Certificate() (*tls.Certificate, error) {
	m.once.Do(func() {
		m.cert, m.err = m.loadCertificate()
	})
	return m.cert, m.err
}

func (m *TLSManager) loadCertificate() (*tls.Certificate, error) {
	if m.certFile != "" && m.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		m.logger.Info("Loaded TLS certificate", util.String("cert_file", m.certFile))
		return &cert, nil
	}
	if m.production {
		return nil, fmt.Errorf("%w: TLS_CERT_FILE and TLS_KEY_FILE are required in production", ErrNoCertificate)
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.host != "" && m.host != "0.0.0.0" && m.host != "::" {
		hosts = append(hosts, m.host)
	}
	cert, err := NewDevCertGenerator(m.certDir, m.logger).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &cert, nil
}

func (m *TLSManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.Certificate()
}

// GetTLSConfig returns the server TLS settings. The certificate is resolved
// eagerly so startup fails instead of the first handshake.
func (m *TLSManager) GetTLSConfig() (*tls.Config, error) {
	if _, err := m.Certificate(); err != nil {
		return nil, err
	}
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}
