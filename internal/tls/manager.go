package tls

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// TLSManager picks a certificate source: autocert, then a static key pair,
// then a self-signed development certificate outside production.
type TLSManager struct {
	server      config.ServerConfig
	production  bool
	autoCert    *autocert.Manager
	staticOnce  sync.Once
	static      *tls.Certificate
	selfSigned  *tls.Certificate
	selfSignErr error
	selfOnce    sync.Once
}

func NewTLSManager(server config.ServerConfig, environment string) *TLSManager {
	manager := &TLSManager{
		server:     server,
		production: environment == "production",
	}
	if server.AutoCert && server.EnableTLS {
		manager.setupAutoCert()
	}
	return manager
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.server.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.server.Domain),
		Cache:      autocert.DirCache(m.server.AutoCertDir),
		Email:      m.server.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.server.Domain),
		zap.String("cache_dir", m.server.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if cert := m.loadStatic(); cert != nil {
		return cert, nil
	}

	if m.production {
		return nil, fmt.Errorf("no certificate available for %q", hello.ServerName)
	}
	return m.selfSignedCert()
}

func (m *TLSManager) loadStatic() *tls.Certificate {
	m.staticOnce.Do(func() {
		if m.server.CertFile == "" || m.server.KeyFile == "" {
			return
		}
		cert, err := tls.LoadX509KeyPair(m.server.CertFile, m.server.KeyFile)
		if err != nil {
			util.Error("Failed to load TLS key pair", zap.Error(err))
			return
		}
		m.static = &cert
	})
	return m.static
}

func (m *TLSManager) selfSignedCert() (*tls.Certificate, error) {
	m.selfOnce.Do(func() {
		hosts := []string{"localhost", "127.0.0.1", "::1"}
		if m.server.Domain != "" {
			hosts = append([]string{m.server.Domain}, hosts...)
		}
		cert, err := NewDevCertGenerator(m.server.AutoCertDir).GenerateCert(hosts)
		if err != nil {
			m.selfSignErr = fmt.Errorf("failed to generate self-signed certificate: %w", err)
			return
		}
		m.selfSigned = &cert
	})
	return m.selfSigned, m.selfSignErr
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
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
	}
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
