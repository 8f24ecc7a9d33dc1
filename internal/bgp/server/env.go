package server

import (
	"os"
	"strconv"
	"time"
)

// defaultRTFilterEORTimeout is the RTarget End-of-RIB deferral fallback
// spec.md §4.8 requires when the remote never sends an explicit RTarget
// End-of-RIB marker.
const defaultRTFilterEORTimeout = 30 * time.Second

// Connection-attempt rate limit defaults for the passive TCP listener, one
// configured neighbor legitimately reconnects far less often than this.
const (
	defaultConnAttemptsPerInterval = 5
	defaultConnRateInterval        = 30 * time.Second
	defaultConnRateCleanup         = time.Minute
	defaultConnRateStaleAfter      = 5 * time.Minute
)

// EnvOverrides holds the process-wide environment variable overrides
// spec.md §6 names, applied uniformly to every configured peer rather than
// read per-neighbor from the YAML document.
type EnvOverrides struct {
	KeepaliveSeconds   int
	GracefulRestart    bool
	RTFilterEORTimeout time.Duration
	SkipUpdateSend     bool

	// HTTPTLSCertPath/HTTPTLSKeyPath/HTTPTLSCAPath configure TLS for the
	// introspection endpoint (/metrics, /status, /peers, /routes), never for the
	// BGP session itself. HTTPTLSCAPath is optional: set it to require and
	// verify a client certificate, leave it empty for encryption only.
	HTTPTLSCertPath string
	HTTPTLSKeyPath  string
	HTTPTLSCAPath   string

	// ConnAttemptsPerInterval/ConnRateInterval bound how often a single
	// source IP may open a new TCP connection to the passive listener
	// before being rejected outright, ahead of any per-peer FSM logic.
	ConnAttemptsPerInterval int
	ConnRateInterval        time.Duration
	ConnRateCleanup         time.Duration
	ConnRateStaleAfter      time.Duration
}

// LoadEnvOverrides reads BGP_KEEPALIVE_SECONDS, BGP_GRACEFUL_RESTART_ENABLE,
// BGP_RTFILTER_EOR_TIMEOUT, BGP_SKIP_UPDATE_SEND, BGP_HTTP_TLS_CERT,
// BGP_HTTP_TLS_KEY, BGP_HTTP_TLS_CA, BGP_CONN_ATTEMPTS_PER_INTERVAL and
// BGP_CONN_RATE_INTERVAL, mirroring the
// teacher's applyEnvOverrides shape (only set a field when the variable is
// present and parses).
func LoadEnvOverrides() EnvOverrides {
	e := EnvOverrides{
		RTFilterEORTimeout:      defaultRTFilterEORTimeout,
		ConnAttemptsPerInterval: defaultConnAttemptsPerInterval,
		ConnRateInterval:        defaultConnRateInterval,
		ConnRateCleanup:         defaultConnRateCleanup,
		ConnRateStaleAfter:      defaultConnRateStaleAfter,
	}
	if v := os.Getenv("BGP_KEEPALIVE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			e.KeepaliveSeconds = n
		}
	}
	if v := os.Getenv("BGP_GRACEFUL_RESTART_ENABLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			e.GracefulRestart = b
		}
	}
	if v := os.Getenv("BGP_RTFILTER_EOR_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			e.RTFilterEORTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("BGP_SKIP_UPDATE_SEND"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			e.SkipUpdateSend = b
		}
	}
	e.HTTPTLSCertPath = os.Getenv("BGP_HTTP_TLS_CERT")
	e.HTTPTLSKeyPath = os.Getenv("BGP_HTTP_TLS_KEY")
	e.HTTPTLSCAPath = os.Getenv("BGP_HTTP_TLS_CA")
	if v := os.Getenv("BGP_CONN_ATTEMPTS_PER_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			e.ConnAttemptsPerInterval = n
		}
	}
	if v := os.Getenv("BGP_CONN_RATE_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			e.ConnRateInterval = time.Duration(n) * time.Second
		}
	}
	return e
}
