// Package tlsutil loads and hot-reloads the TLS certificate bgpd's
// introspection HTTP endpoint (/metrics, /status, /peers, /routes) serves over,
// when an operator configures one. The BGP session itself is always
// plain TCP per RFC 4271 — this package has nothing to do with peering.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertificateLoader holds a TLS certificate pair, reloading it from disk
// whenever the underlying files change so a certificate rotation never
// requires restarting the process.
type CertificateLoader struct {
	certPath string
	keyPath  string
	cert     *tls.Certificate
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	done     chan struct{}
	log      *slog.Logger
}

// NewCertificateLoader loads certPath/keyPath once and watches both files
// for further changes.
func NewCertificateLoader(certPath, keyPath string, log *slog.Logger) (*CertificateLoader, error) {
	if log == nil {
		log = slog.Default()
	}
	cl := &CertificateLoader{
		certPath: certPath,
		keyPath:  keyPath,
		done:     make(chan struct{}),
		log:      log,
	}

	if err := cl.loadCertificate(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	cl.watcher = watcher

	if err := watcher.Add(certPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch cert file: %w", err)
	}
	if err := watcher.Add(keyPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch key file: %w", err)
	}

	go cl.watchLoop()
	return cl, nil
}

func (cl *CertificateLoader) loadCertificate() error {
	cert, err := tls.LoadX509KeyPair(cl.certPath, cl.keyPath)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertificateLoader) watchLoop() {
	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := cl.loadCertificate(); err != nil {
					cl.log.Error("failed to reload introspection certificate", "error", err)
				} else {
					cl.log.Info("introspection certificate reloaded")
				}
			}
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				cl.watcher.Remove(event.Name)
				time.Sleep(100 * time.Millisecond)
				if err := cl.watcher.Add(event.Name); err != nil {
					cl.log.Warn("failed to re-watch certificate file after rotation",
						"file", event.Name, "error", err)
				}
				if err := cl.loadCertificate(); err != nil {
					cl.log.Warn("failed to reload certificate after rotation", "error", err)
				}
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.log.Error("certificate watcher error", "error", err)
		case <-cl.done:
			return
		}
	}
}

// GetCertificate is suitable for tls.Config.GetCertificate.
func (cl *CertificateLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Close stops the file watcher.
func (cl *CertificateLoader) Close() error {
	close(cl.done)
	return cl.watcher.Close()
}

// LoadCAPool reads a PEM-encoded CA bundle, for verifying clients that
// present a certificate to the introspection endpoint.
func LoadCAPool(caPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caPath)
	}
	return pool, nil
}

// NewServerTLSConfig builds the tls.Config the introspection HTTP server
// listens with. When caPool is non-nil, client certificates are requested
// and verified; otherwise the endpoint is TLS-encrypted but unauthenticated
// beyond whatever sits in front of it.
func NewServerTLSConfig(certLoader *CertificateLoader, caPool *x509.CertPool) *tls.Config {
	cfg := &tls.Config{
		GetCertificate: certLoader.GetCertificate,
		MinVersion:     tls.VersionTLS13,
	}
	if caPool != nil {
		cfg.ClientCAs = caPool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}
