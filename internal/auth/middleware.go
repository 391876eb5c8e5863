package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/metrics"
	"github.com/alexjbarnes/tokengate/internal/models"
)

type contextKey int

const (
	ctxClaims contextKey = iota
	ctxClient
	ctxRemoteIP
)

// ClaimsFromContext returns the validated token claims of the request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxClaims).(*Claims)
	return c, ok
}

// ClientFromContext returns the registry entry of the authenticated client.
func ClientFromContext(ctx context.Context) (models.Client, bool) {
	c, ok := ctx.Value(ctxClient).(models.Client)
	return c, ok
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain wraps h so that mws run in the order given before h.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Guard builds the authorization middleware for protected resources.
// Grants are always read from the registry, never from token claims, so
// a change to a client's grants applies to tokens already issued.
type Guard struct {
	validator *Validator
	clients   ClientLookup
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewGuard returns a Guard.
func NewGuard(validator *Validator, clients ClientLookup, logger *slog.Logger, m *metrics.Metrics) *Guard {
	return &Guard{validator: validator, clients: clients, logger: logger, metrics: m}
}

// Authenticate validates the bearer token, loads the client it was issued
// to and stores both in the request context.
func (g *Guard) Authenticate() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") || strings.TrimPrefix(authHeader, "Bearer ") == "" {
				g.logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				g.deny(w, r, "", apperrors.ErrMissingToken)

				return
			}

			claims, err := g.validator.Validate(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				g.logger.Debug("middleware: token rejected",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("reason", err.Error()),
				)

				if !apperrors.IsInternal(err) {
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				}

				g.deny(w, r, "", err)

				return
			}

			client, err := g.clients.Lookup(r.Context(), claims.ClientID)
			if errors.Is(err, apperrors.ErrClientNotFound) {
				g.logger.Info("middleware: token for unregistered client",
					slog.String("client_id", claims.ClientID),
					slog.String("ip", ip),
				)
				g.deny(w, r, claims.ClientID, apperrors.WithDetail(apperrors.ErrForbidden, "client is no longer registered"))

				return
			}

			if err != nil {
				g.deny(w, r, claims.ClientID, err)
				return
			}

			g.logger.Debug("middleware: authenticated",
				slog.String("client_id", client.ClientID),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxClaims, claims)
			ctx = context.WithValue(ctx, ctxClient, client)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope admits clients holding the scope label.
func (g *Guard) RequireScope(label string) Middleware {
	return g.require(apperrors.ErrInsufficientScope, func(c models.Client, _ *http.Request) bool {
		return c.HasScope(label)
	})
}

// RequirePermission admits clients holding the named permission.
func (g *Guard) RequirePermission(name string) Middleware {
	return g.require(apperrors.ErrInsufficientPermission, func(c models.Client, _ *http.Request) bool {
		return c.Permissions.HasGrant(name)
	})
}

// RequireRoute admits clients permitted to call the request's method on
// its path.
func (g *Guard) RequireRoute() Middleware {
	return g.require(apperrors.ErrInsufficientPermission, func(c models.Client, r *http.Request) bool {
		return c.Permissions.AllowsRoute(r.URL.Path, r.Method)
	})
}

func (g *Guard) require(denial error, allowed func(models.Client, *http.Request) bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, ok := ClientFromContext(r.Context())
			if !ok {
				g.deny(w, r, "", apperrors.ErrForbidden)
				return
			}

			if !allowed(client, r) {
				g.logger.Debug("middleware: capability denied",
					slog.String("client_id", client.ClientID),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				g.deny(w, r, client.ClientID, denial)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, clientID string, err error) {
	oe := writeError(w, g.logger, "authorize "+r.URL.Path, clientID, err)
	g.metrics.AuthDenied(oe.Code)
}

// remoteIP returns the host part of the request's remote address.
func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
