package auth

import (
	"context"
	"errors"
	"log/slog"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/models"
)

// Verifier authenticates clients presenting a client_id and secret.
type Verifier struct {
	clients ClientLookup
	logger  *slog.Logger
}

// NewVerifier returns a Verifier backed by clients.
func NewVerifier(clients ClientLookup, logger *slog.Logger) *Verifier {
	return &Verifier{clients: clients, logger: logger}
}

// Authenticate returns the client if secret matches and the client may
// use grantType. Unknown clients and wrong secrets are indistinguishable
// to the caller, in both the error and the time taken.
func (v *Verifier) Authenticate(ctx context.Context, clientID, secret, grantType string) (models.Client, error) {
	if grantType != models.GrantClientCredentials {
		return models.Client{}, apperrors.ErrUnsupportedGrantType
	}

	c, err := v.clients.Lookup(ctx, clientID)
	if errors.Is(err, apperrors.ErrClientNotFound) {
		checkSecret(dummySecretHash, secret)
		v.logger.Debug("verifier: unknown client", slog.String("client_id", clientID))

		return models.Client{}, apperrors.ErrInvalidClient
	}

	if err != nil {
		return models.Client{}, err
	}

	if !checkSecret(c.SecretHash, secret) {
		v.logger.Debug("verifier: secret mismatch", slog.String("client_id", c.ClientID))
		return models.Client{}, apperrors.ErrInvalidClient
	}

	if c.GrantType != grantType {
		v.logger.Debug("verifier: grant not enabled for client",
			slog.String("client_id", c.ClientID),
			slog.String("grant_type", grantType),
		)

		return models.Client{}, apperrors.ErrInvalidClient
	}

	return c, nil
}
