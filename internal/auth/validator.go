package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/store"
)

// Validator checks access tokens and revokes token pairs.
type Validator struct {
	signer *Signer
	tokens store.TokenStore
	logger *slog.Logger
}

// NewValidator returns a Validator.
func NewValidator(signer *Signer, tokens store.TokenStore, logger *slog.Logger) *Validator {
	return &Validator{signer: signer, tokens: tokens, logger: logger}
}

// Validate verifies the token's signature and expiry, then confirms its
// pair is still stored. A deleted pair means the token was revoked or
// superseded, even if it has not expired yet.
func (v *Validator) Validate(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := v.signer.Parse(accessToken)
	if err != nil {
		return nil, err
	}

	rec, err := v.tokens.GetTokenByAccessHash(ctx, HashToken(accessToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.WithDetail(apperrors.ErrInvalidToken, "access token has been revoked")
	}

	if err != nil {
		return nil, fmt.Errorf("loading access token: %w", err)
	}

	if rec.ClientID != claims.ClientID {
		return nil, apperrors.ErrInvalidToken
	}

	if rec.Expired(v.signer.Now()) {
		return nil, apperrors.ErrTokenExpired
	}

	return claims, nil
}

// Revoke removes the pair whose access or refresh token is token.
// Revoking an unknown token succeeds.
func (v *Validator) Revoke(ctx context.Context, token string) error {
	if err := v.tokens.DeleteTokenByHash(ctx, HashToken(token)); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// RevokeOwned revokes token only if it belongs to clientID. Tokens of
// other clients and unknown tokens are left alone without error.
func (v *Validator) RevokeOwned(ctx context.Context, token, clientID string) error {
	hash := HashToken(token)

	rec, err := v.lookupEither(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	if rec.ClientID != clientID {
		v.logger.Warn("revocation of another client's token ignored",
			slog.String("client_id", clientID),
		)

		return nil
	}

	if err := v.tokens.DeleteTokenByHash(ctx, hash); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	v.logger.Info("token revoked", slog.String("client_id", clientID))

	return nil
}

func (v *Validator) lookupEither(ctx context.Context, hash string) (*models.TokenRecord, error) {
	rec, err := v.tokens.GetTokenByAccessHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return v.tokens.GetTokenByRefreshHash(ctx, hash)
	}
	return rec, err
}
