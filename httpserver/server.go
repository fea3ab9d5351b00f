package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/ruteri/ccf-recovery-service/api"
	"github.com/ruteri/ccf-recovery-service/common"
	"github.com/ruteri/ccf-recovery-service/metrics"
)

// RouteRegistrar mounts a component's routes on the server router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv         *http.Server
	mux         *chi.Mux
	metricsSrv  *metrics.MetricsServer
	readyChecks []ReadinessCheck
}

func New(cfg *api.HTTPServerConfig, handlers ...RouteRegistrar) (srv *Server, err error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		srv:        nil,
		metricsSrv: metricsSrv,
	}
	srv.isReady.Store(true)
	srv.mux = srv.getRouter()
	srv.Mount(handlers...)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLS,
	}

	return srv, nil
}

// Metrics returns the service counters registered on the metrics server.
func (srv *Server) Metrics() *metrics.Recovery {
	return srv.metricsSrv.Recovery()
}

// AddReadinessCheck makes /readyz fail while check returns an error.
func (srv *Server) AddReadinessCheck(check ReadinessCheck) {
	srv.readyChecks = append(srv.readyChecks, check)
}

// Handler returns the API router.
func (srv *Server) Handler() http.Handler {
	return srv.mux
}

// Mount registers handler routes behind the access log. It must be called
// before RunInBackground.
func (srv *Server) Mount(handlers ...RouteRegistrar) {
	if len(handlers) == 0 {
		return
	}
	srv.mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		for _, h := range handlers {
			h.RegisterRoutes(r)
		}
	})
}

func (srv *Server) getRouter() *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(srv.metricsSrv.Recovery().Middleware)

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ready := srv.isReady.Load()
	if ready {
		for _, check := range srv.readyChecks {
			if err := check(r.Context()); err != nil {
				srv.log.Warn("readiness check failed", "err", err)
				ready = false
				break
			}
		}
	}
	srv.Metrics().ReadinessProbe(ready)

	if !ready {
		WriteJSON(w, http.StatusServiceUnavailable, api.StatusResponse{Status: "not ready"})
		return
	}
	WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "already draining"})
		return
	}
	srv.log.Info("Server marked as not ready")

	go func() {
		// load balancers need the drain period to notice
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "already ready"})
		return
	}
	srv.log.Info("Server marked as ready")
	WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "ready"})
}

func (srv *Server) RunInBackground() {
	// metrics
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("HTTP server failed", "err", err)
			}
		}()
	}

	// api
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr, "tls", srv.cfg.TLS != nil)
		var err error
		if srv.cfg.TLS != nil {
			err = srv.srv.ListenAndServeTLS("", "")
		} else {
			err = srv.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

func (srv *Server) Shutdown() {
	// api
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	// metrics
	if len(srv.cfg.MetricsAddr) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
