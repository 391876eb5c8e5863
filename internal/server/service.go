package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/tokengate/internal/auth"
	"github.com/alexjbarnes/tokengate/internal/config"
	"github.com/alexjbarnes/tokengate/internal/metrics"
	"github.com/alexjbarnes/tokengate/internal/store"
)

// Service is the assembled token service over one backend.
type Service struct {
	Handler  http.Handler
	Registry *auth.Registry
	Sweeper  *auth.Sweeper
	Metrics  *metrics.Metrics
}

// Options tunes New beyond what the config carries.
type Options struct {
	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
	// Resources are protected handlers, see MuxConfig.Resources.
	Resources map[string]http.Handler
}

// New wires every component over backend.
func New(cfg *config.Config, backend store.Backend, logger *slog.Logger, opts Options) (*Service, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	signer, err := auth.NewSigner([]byte(cfg.SigningKey), cfg.SigningAlg, now)
	if err != nil {
		return nil, fmt.Errorf("creating token signer: %w", err)
	}

	m := metrics.New()
	registry := auth.NewRegistry(backend, logger, now)
	validator := auth.NewValidator(signer, backend, logger)
	guard := auth.NewGuard(validator, registry, logger, m)

	mux := NewMux(MuxConfig{
		Verifier:        auth.NewVerifier(registry, logger),
		Issuer:          auth.NewIssuer(signer, backend, registry, cfg.IssuerConfig(), logger),
		Validator:       validator,
		Guard:           guard,
		Limiter:         auth.NewRateLimiter(cfg.RateLimits(), now),
		Store:           backend,
		Metrics:         m,
		Logger:          logger,
		ServerURL:       cfg.ServerURL,
		ScopesSupported: cfg.ScopesSupported,
		Resources:       opts.Resources,
	})

	return &Service{
		Handler:  mux,
		Registry: registry,
		Sweeper:  auth.NewSweeper(backend, cfg.SweepInterval, now, logger, m),
		Metrics:  m,
	}, nil
}
