package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/tokengate/internal/bootstrap"
	"github.com/alexjbarnes/tokengate/internal/config"
	"github.com/alexjbarnes/tokengate/internal/logging"
	"github.com/alexjbarnes/tokengate/internal/server"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the token service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("tokengate starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreBackend),
		slog.String("signing_alg", cfg.SigningAlg),
	)

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc, err := server.New(cfg, backend, logger, server.Options{})
	if err != nil {
		return err
	}

	if cfg.ClientsFile != "" {
		res, err := bootstrap.ImportFile(ctx, svc.Registry, cfg.ClientsFile, logger)
		if err != nil {
			return fmt.Errorf("importing clients: %w", err)
		}

		logger.Info("clients file imported",
			slog.String("path", cfg.ClientsFile),
			slog.Int("imported", res.Imported),
			slog.Int("skipped", res.Skipped),
		)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Sweeper.Run(gctx)
	})

	if cfg.WatchClients {
		g.Go(func() error {
			return bootstrap.Watch(gctx, svc.Registry, cfg.ClientsFile, logger)
		})
	}

	g.Go(func() error {
		return serveHTTP(gctx, cfg.ListenAddr, svc.Handler, logger)
	})

	return g.Wait()
}

// serveHTTP runs the HTTP server until ctx is cancelled, then drains it.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", slog.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
