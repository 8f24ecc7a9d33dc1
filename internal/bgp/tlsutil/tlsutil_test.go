package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func generateSelfSignedCert(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("generate serial: %v", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadCAPool(t *testing.T) {
	t.Run("valid PEM file loads", func(t *testing.T) {
		certPEM, _ := generateSelfSignedCert(t, "test-ca")
		dir := t.TempDir()
		caPath := filepath.Join(dir, "ca.pem")
		writeFile(t, caPath, certPEM)

		pool, err := LoadCAPool(caPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pool == nil {
			t.Fatal("expected non-nil cert pool")
		}
	})

	t.Run("nonexistent file returns error", func(t *testing.T) {
		if _, err := LoadCAPool("/nonexistent/path/ca.pem"); err == nil {
			t.Fatal("expected error for nonexistent file")
		}
	})

	t.Run("invalid PEM content returns error", func(t *testing.T) {
		dir := t.TempDir()
		caPath := filepath.Join(dir, "invalid.pem")
		writeFile(t, caPath, []byte("not a valid PEM"))
		if _, err := LoadCAPool(caPath); err == nil {
			t.Fatal("expected error for invalid PEM content")
		}
	})
}

func TestCertificateLoader(t *testing.T) {
	t.Run("create loader and get certificate", func(t *testing.T) {
		dir := t.TempDir()
		certPEM, keyPEM := generateSelfSignedCert(t, "test-server")
		certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
		writeFile(t, certPath, certPEM)
		writeFile(t, keyPath, keyPEM)

		loader, err := NewCertificateLoader(certPath, keyPath, testLogger())
		if err != nil {
			t.Fatalf("create loader: %v", err)
		}
		defer loader.Close()

		cert, err := loader.GetCertificate(nil)
		if err != nil {
			t.Fatalf("get certificate: %v", err)
		}
		if cert == nil {
			t.Fatal("expected non-nil certificate")
		}
	})

	t.Run("invalid cert path returns error", func(t *testing.T) {
		if _, err := NewCertificateLoader("/nonexistent/cert.pem", "/nonexistent/key.pem", testLogger()); err == nil {
			t.Fatal("expected error for nonexistent cert files")
		}
	})

	t.Run("mismatched cert and key returns error", func(t *testing.T) {
		dir := t.TempDir()
		certPEM1, _ := generateSelfSignedCert(t, "cert1")
		_, keyPEM2 := generateSelfSignedCert(t, "cert2")
		certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
		writeFile(t, certPath, certPEM1)
		writeFile(t, keyPath, keyPEM2)

		if _, err := NewCertificateLoader(certPath, keyPath, testLogger()); err == nil {
			t.Fatal("expected error for mismatched cert/key")
		}
	})

	t.Run("reload on cert file change", func(t *testing.T) {
		dir := t.TempDir()
		certPEM1, keyPEM1 := generateSelfSignedCert(t, "original-cn")
		certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
		writeFile(t, certPath, certPEM1)
		writeFile(t, keyPath, keyPEM1)

		loader, err := NewCertificateLoader(certPath, keyPath, testLogger())
		if err != nil {
			t.Fatalf("create loader: %v", err)
		}
		defer loader.Close()

		cert1, err := loader.GetCertificate(nil)
		if err != nil {
			t.Fatalf("get initial certificate: %v", err)
		}
		initialParsed, err := x509.ParseCertificate(cert1.Certificate[0])
		if err != nil {
			t.Fatalf("parse initial certificate: %v", err)
		}
		initialSerial := initialParsed.SerialNumber

		certPEM2, keyPEM2 := generateSelfSignedCert(t, "reloaded-cn")
		writeFile(t, certPath, certPEM2)
		writeFile(t, keyPath, keyPEM2)

		var reloaded bool
		for i := 0; i < 20; i++ {
			time.Sleep(100 * time.Millisecond)
			cert2, err := loader.GetCertificate(nil)
			if err != nil || cert2 == nil {
				continue
			}
			parsed, err := x509.ParseCertificate(cert2.Certificate[0])
			if err != nil {
				continue
			}
			if parsed.SerialNumber.Cmp(initialSerial) != 0 {
				reloaded = true
				if parsed.Subject.CommonName != "reloaded-cn" {
					t.Errorf("expected CN 'reloaded-cn', got %q", parsed.Subject.CommonName)
				}
				break
			}
		}
		if !reloaded {
			t.Error("certificate was not reloaded within 2 seconds after file change")
		}
	})
}

func TestNewServerTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM := generateSelfSignedCert(t, "server")
	certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	writeFile(t, certPath, certPEM)
	writeFile(t, keyPath, keyPEM)

	loader, err := NewCertificateLoader(certPath, keyPath, testLogger())
	if err != nil {
		t.Fatalf("create loader: %v", err)
	}
	defer loader.Close()

	t.Run("without CA pool requires no client cert", func(t *testing.T) {
		cfg := NewServerTLSConfig(loader, nil)
		if cfg.ClientAuth == tls.RequireAndVerifyClientCert {
			t.Error("expected no client auth requirement without a CA pool")
		}
		if cfg.MinVersion != tls.VersionTLS13 {
			t.Error("expected minimum TLS 1.3")
		}
	})

	t.Run("with CA pool requires and verifies client cert", func(t *testing.T) {
		caPath := filepath.Join(dir, "ca.pem")
		writeFile(t, caPath, certPEM)
		pool, err := LoadCAPool(caPath)
		if err != nil {
			t.Fatalf("load CA pool: %v", err)
		}

		cfg := NewServerTLSConfig(loader, pool)
		if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
			t.Error("expected RequireAndVerifyClientCert")
		}
		if cfg.ClientCAs == nil {
			t.Error("expected ClientCAs to be set")
		}
	})
}
