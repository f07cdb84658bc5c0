package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AkshathPatkar/pinot/internal/server"
)

type testCert struct {
	pemPath string
	pool    *x509.CertPool
	cert    tls.Certificate
}

// newTestCert writes a self-signed certificate for 127.0.0.1 and its key to
// one PEM file, usable as both a key store and a trust store.
func newTestCert(t *testing.T, name string) testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	path := filepath.Join(t.TempDir(), name+".pem")
	if err := os.WriteFile(path, append(certPEM, keyPEM...), 0o600); err != nil {
		t.Fatal(err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)
	return testCert{pemPath: path, pool: pool, cert: pair}
}

func mutualTLSServerConfig(serverCert testCert, clientCA *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert.cert},
		ClientCAs:    clientCA,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

func TestMutualTLSRoundTrip(t *testing.T) {
	serverCert := newTestCert(t, "server")
	clientCert := newTestCert(t, "client")
	srv, dest, log := startDataServer(t, server.Config{TLSConfig: mutualTLSServerConfig(serverCert, clientCert.pool)})

	metrics := newRecordingMetrics()
	handler := newRecordingHandler()
	channels := newTestChannels(t, Config{
		TLS:     &TLSConfig{Provider: ProviderGoTLS13, KeyStorePath: clientCert.pemPath, TrustStorePath: serverCert.pemPath},
		Metrics: metrics,
		Handler: handler,
	})

	resp := newRecordingResponse(2)
	for id := int64(1); id <= 2; id++ {
		if err := channels.SendRequest(context.Background(), testTable, resp, dest, instanceRequest(id), time.Second); err != nil {
			t.Fatal(err)
		}
	}
	resp.await(t)
	resp.await(t)
	log.awaitCount(t, 2)

	select {
	case <-handler.frames:
	case <-time.After(5 * time.Second):
		t.Fatal("no response over tls")
	}
	if got := srv.Accepted(); got != 1 {
		t.Fatalf("accepted=%d, want 1", got)
	}
	if connects, _, requests, _ := metrics.snapshot(); connects != 1 || requests != 2 {
		t.Fatalf("connects=%d requests=%d", connects, requests)
	}
}

func TestUntrustedServerCertificateFailsConnect(t *testing.T) {
	serverCert := newTestCert(t, "server")
	stranger := newTestCert(t, "stranger")
	_, dest, log := startDataServer(t, server.Config{TLSConfig: &tls.Config{Certificates: []tls.Certificate{serverCert.cert}}})

	channels := newTestChannels(t, Config{TLS: &TLSConfig{TrustStorePath: stranger.pemPath}})
	err := channels.SendRequest(context.Background(), testTable, nil, dest, instanceRequest(1), time.Second)
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if channels.Connected(dest) {
		t.Fatal("failed handshake must not leave a live connection")
	}
	if got := len(log.snapshot()); got != 0 {
		t.Fatalf("server received %d requests, want none", got)
	}
}

func TestMissingKeyStoreWritesNothing(t *testing.T) {
	srv, dest, _ := startDataServer(t, server.Config{})
	channels := newTestChannels(t, Config{TLS: &TLSConfig{KeyStorePath: filepath.Join(t.TempDir(), "absent.pem")}})

	err := channels.SendRequest(context.Background(), testTable, nil, dest, instanceRequest(1), time.Second)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := srv.Accepted(); got != 0 {
		t.Fatalf("accepted=%d, want no connection attempt", got)
	}
}

func TestUnsupportedProviderIsConfigurationError(t *testing.T) {
	_, dest, _ := startDataServer(t, server.Config{})
	channels := newTestChannels(t, Config{TLS: &TLSConfig{Provider: "openssl"}})

	err := channels.SendRequest(context.Background(), testTable, nil, dest, instanceRequest(1), time.Second)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if (&TLSConfig{Provider: "openssl"}).Validate() == nil {
		t.Fatal("Validate accepted unknown provider")
	}
	if err := (&TLSConfig{Provider: " GO-TLS13 "}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cert := newTestCert(t, "node")

	cfg, err := (&TLSConfig{}).Build("10.0.0.7")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinVersion != tls.VersionTLS12 || cfg.ServerName != "10.0.0.7" || cfg.RootCAs != nil || len(cfg.Certificates) != 0 {
		t.Fatalf("unexpected default config: %+v", cfg)
	}

	cfg, err = (&TLSConfig{Provider: ProviderGoTLS13, KeyStorePath: cert.pemPath, TrustStorePath: cert.pemPath, ServerName: "pinot-server"}).Build("10.0.0.7")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinVersion != tls.VersionTLS13 || cfg.ServerName != "pinot-server" {
		t.Fatalf("unexpected config: min=%x name=%q", cfg.MinVersion, cfg.ServerName)
	}
	if len(cfg.Certificates) != 1 || cfg.RootCAs == nil {
		t.Fatal("key store or trust store not loaded")
	}

	empty := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(empty, []byte("not a certificate\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var cfgErr *ConfigurationError
	if _, err := (&TLSConfig{TrustStorePath: empty}).Build("h"); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for empty trust store, got %v", err)
	}
	if _, err := (&TLSConfig{KeyStorePath: empty}).Build("h"); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for bad key store, got %v", err)
	}
}
