package main

import (
	"context"
	"crypto/x509"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/routeflow/bgpd/internal/bgp/config"
	"github.com/routeflow/bgpd/internal/bgp/metrics"
	"github.com/routeflow/bgpd/internal/bgp/server"
	"github.com/routeflow/bgpd/internal/bgp/tlsutil"
)

const (
	shutdownTimeout     = 30 * time.Second
	metricsPollInterval = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/bgpd.example.yaml", "path to config file")
	listenAddr := flag.String("http-addr", ":9090", "address for the /status, /peers, /routes and /metrics HTTP endpoints")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	env := server.LoadEnvOverrides()

	provider, err := config.NewFileProvider(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	srv := server.New(provider, env, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- srv.Run(ctx) }()

	collector := metrics.NewCollector()
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	statusHandler := metrics.NewHTTPHandler(srv)
	mux.Handle("/status", statusHandler)
	mux.Handle("/peers", statusHandler)
	mux.Handle("/routes", statusHandler)
	httpSrv := &http.Server{Addr: *listenAddr, Handler: mux}

	go func() {
		err := serveIntrospection(httpSrv, env)
		if err != nil && err != http.ErrServerClosed {
			slog.Error("introspection http server error", "error", err)
		}
	}()

	go pollMetrics(ctx, srv, collector)

	slog.Info("bgpd running", "http_addr", *listenAddr)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-runErrCh:
		if err != nil && ctx.Err() == nil {
			slog.Error("config provider stream ended", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	go func() {
		<-shutdownCtx.Done()
		if shutdownCtx.Err() == context.DeadlineExceeded {
			slog.Error("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	slog.Info("stopping bgp server")
	if err := srv.Close(); err != nil {
		slog.Error("bgp server close error", "error", err)
	}
	httpSrv.Shutdown(shutdownCtx)

	slog.Info("bgpd stopped gracefully")
}

// serveIntrospection starts httpSrv in plaintext, or over TLS (with
// optional mTLS) when BGP_HTTP_TLS_CERT/BGP_HTTP_TLS_KEY are configured.
func serveIntrospection(httpSrv *http.Server, env server.EnvOverrides) error {
	if env.HTTPTLSCertPath == "" || env.HTTPTLSKeyPath == "" {
		return httpSrv.ListenAndServe()
	}

	loader, err := tlsutil.NewCertificateLoader(env.HTTPTLSCertPath, env.HTTPTLSKeyPath, slog.Default())
	if err != nil {
		return err
	}

	var caPool *x509.CertPool
	if env.HTTPTLSCAPath != "" {
		caPool, err = tlsutil.LoadCAPool(env.HTTPTLSCAPath)
		if err != nil {
			return err
		}
	}

	httpSrv.TLSConfig = tlsutil.NewServerTLSConfig(loader, caPool)
	slog.Info("introspection endpoint serving TLS", "ca_verification", caPool != nil)
	return httpSrv.ListenAndServeTLS("", "")
}

// pollMetrics pushes every peer's current snapshot into the Prometheus
// series on a fixed interval; peer state changes fire far more often than
// a typical scrape would catch otherwise.
func pollMetrics(ctx context.Context, srv *server.Server, c *metrics.Collector) {
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.ObserveMetrics(c)
		}
	}
}
