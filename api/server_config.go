package api

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// HTTPServerConfig configures httpserver.Server.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr is where Prometheus metrics are served. Empty disables them.
	MetricsAddr string
	EnablePprof bool

	// TLS serves the API over TLS with the configured service certificate.
	// Plain HTTP is used when nil.
	TLS *tls.Config

	Log *slog.Logger

	// DrainDuration is how long /drain waits after flipping readiness, so load
	// balancers stop routing before shutdown begins.
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}
