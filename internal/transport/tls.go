package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

const (
	ProviderGo      = "go"
	ProviderGoTLS13 = "go-tls13"
)

// TLSConfig describes the client side TLS material used for every server
// connection. A nil *TLSConfig means plaintext. Values are read-only once
// handed to NewServerChannels.
type TLSConfig struct {
	// Provider selects the handshake profile: "go" (default, TLS 1.2+) or
	// "go-tls13" (TLS 1.3 only).
	Provider string
	// KeyStorePath is a PEM file with the client certificate chain and its
	// private key. Optional; enables mutual TLS.
	KeyStorePath string
	// TrustStorePath is a PEM bundle of CAs trusted for server
	// certificates. Optional; the platform roots are used when empty.
	TrustStorePath string
	// ServerName overrides the name verified against server certificates.
	// Defaults to the host of the server being dialed.
	ServerName string
}

// Build loads the configured material into a fresh *tls.Config. Every
// failure is returned as a *ConfigurationError.
func (c *TLSConfig) Build(serverName string) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "", ProviderGo:
	case ProviderGoTLS13:
		tlsCfg.MinVersion = tls.VersionTLS13
	default:
		return nil, &ConfigurationError{Err: fmt.Errorf("unsupported tls provider %q", c.Provider)}
	}
	if c.ServerName != "" {
		tlsCfg.ServerName = c.ServerName
	}
	if c.KeyStorePath != "" {
		pemBytes, err := os.ReadFile(c.KeyStorePath)
		if err != nil {
			return nil, &ConfigurationError{Err: fmt.Errorf("read key store: %w", err)}
		}
		cert, err := tls.X509KeyPair(pemBytes, pemBytes)
		if err != nil {
			return nil, &ConfigurationError{Err: fmt.Errorf("load key store %s: %w", c.KeyStorePath, err)}
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if c.TrustStorePath != "" {
		pemBytes, err := os.ReadFile(c.TrustStorePath)
		if err != nil {
			return nil, &ConfigurationError{Err: fmt.Errorf("read trust store: %w", err)}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, &ConfigurationError{Err: fmt.Errorf("parse trust store %s: no certificates", c.TrustStorePath)}
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// Validate checks the provider name without touching the filesystem.
func (c *TLSConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "", ProviderGo, ProviderGoTLS13:
		return nil
	}
	return &ConfigurationError{Err: fmt.Errorf("unsupported tls provider %q", c.Provider)}
}
