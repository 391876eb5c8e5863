// Package server provides HTTP server construction for tokengate.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/tokengate/internal/auth"
	"github.com/alexjbarnes/tokengate/internal/metrics"
)

// healthTimeout bounds the store ping behind /healthz.
const healthTimeout = 2 * time.Second

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Verifier  *auth.Verifier
	Issuer    *auth.Issuer
	Validator *auth.Validator
	Guard     *auth.Guard
	Limiter   *auth.RateLimiter
	Store     Pinger
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// ServerURL enables the /.well-known metadata endpoints.
	ServerURL       string
	ScopesSupported []string

	// Resources are protected handlers keyed by path. Each is served only
	// to clients whose permissions allow the request's method on the path.
	Resources map[string]http.Handler
}

// NewMux builds the HTTP mux with the token, refresh, revocation,
// introspection, health and metrics endpoints, plus any protected
// resources.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /token", auth.HandleToken(cfg.Verifier, cfg.Issuer, cfg.Limiter, cfg.Logger, cfg.Metrics))
	mux.HandleFunc("POST /token/refresh", auth.HandleRefresh(cfg.Issuer, cfg.Limiter, cfg.Logger, cfg.Metrics))
	mux.HandleFunc("POST /token/revoke", auth.HandleRevoke(cfg.Verifier, cfg.Validator, cfg.Logger))

	mux.Handle("GET /whoami", auth.Chain(auth.HandleWhoami(cfg.Logger), cfg.Guard.Authenticate()))

	mux.HandleFunc("GET /healthz", handleHealth(cfg.Store, cfg.Logger))
	mux.Handle("GET /metrics", cfg.Metrics.Handler())

	if cfg.ServerURL != "" {
		mux.HandleFunc("GET /.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(cfg.ServerURL))
		mux.HandleFunc("GET /.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.ServerURL, cfg.ScopesSupported))
	}

	for path, h := range cfg.Resources {
		mux.Handle(path, auth.Chain(h, cfg.Guard.Authenticate(), cfg.Guard.RequireRoute()))
	}

	return mux
}

func handleHealth(store Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			logger.Error("health check failed",
				slog.String("op", "healthz"),
				slog.String("error", err.Error()),
			)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)

			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}
}
