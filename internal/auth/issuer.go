package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/store"
)

// Defaults for IssuerConfig fields left zero.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
	DefaultMaxUses    = 5
)

// TokenType is the token_type returned with every pair.
const TokenType = "bearer"

// IssuerConfig controls token lifetimes.
type IssuerConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// MaxUses is the number of refreshes a fresh pair allows.
	MaxUses int
}

func (c IssuerConfig) withDefaults() IssuerConfig {
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	if c.MaxUses <= 0 {
		c.MaxUses = DefaultMaxUses
	}
	return c
}

// TokenPair is what a client receives on issuance or refresh. The clear
// tokens exist only here; the store keeps their hashes.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	ExpiresAt    time.Time
	Scope        string
	UsageCount   int
}

// Issuer mints token pairs and rotates refresh tokens.
type Issuer struct {
	signer  *Signer
	tokens  store.TokenStore
	clients ClientLookup
	cfg     IssuerConfig
	logger  *slog.Logger
}

// NewIssuer returns an Issuer. Its clock is the signer's.
func NewIssuer(signer *Signer, tokens store.TokenStore, clients ClientLookup, cfg IssuerConfig, logger *slog.Logger) *Issuer {
	return &Issuer{
		signer:  signer,
		tokens:  tokens,
		clients: clients,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Issue mints a fresh pair for c, replacing any pair it already holds.
func (i *Issuer) Issue(ctx context.Context, c models.Client) (TokenPair, error) {
	now := i.signer.Now().UTC().Truncate(time.Second)

	pair, rec, err := i.mint(c, now, now.Add(i.cfg.RefreshTTL), i.cfg.MaxUses)
	if err != nil {
		return TokenPair{}, err
	}

	if err := i.tokens.PutToken(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("storing token pair: %w", err)
	}

	i.logger.Info("token issued",
		slog.String("client_id", c.ClientID),
		slog.Time("expires_at", pair.ExpiresAt),
	)

	return pair, nil
}

// Rotate redeems refreshToken for a new pair. claimedClientID, when set,
// must own the token. The old pair is replaced by one compare-and-swap, so
// of several concurrent redemptions of the same token only one succeeds.
func (i *Issuer) Rotate(ctx context.Context, refreshToken, claimedClientID string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, apperrors.WithDetail(apperrors.ErrInvalidGrant, "refresh token is required")
	}

	hash := HashToken(refreshToken)

	rec, err := i.tokens.GetTokenByRefreshHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return TokenPair{}, i.unknownRefresh(ctx, hash)
	}

	if err != nil {
		return TokenPair{}, fmt.Errorf("loading refresh token: %w", err)
	}

	if claimedClientID != "" && NormalizeClientID(claimedClientID) != rec.ClientID {
		i.logger.Warn("refresh token presented by another client",
			slog.String("client_id", claimedClientID),
			slog.String("owner", rec.ClientID),
		)

		return TokenPair{}, apperrors.WithDetail(apperrors.ErrInvalidGrant, "refresh token was not issued to this client")
	}

	if rec.AccessTokenHash == hash {
		return TokenPair{}, apperrors.WithDetail(apperrors.ErrInvalidGrant, "access token presented as refresh token")
	}

	now := i.signer.Now().UTC().Truncate(time.Second)

	if rec.UsageCount <= 0 {
		// A consumed chain is being replayed; drop the last access token too.
		i.drop(ctx, hash, rec.ClientID, "refresh token reuse")
		return TokenPair{}, apperrors.WithDetail(apperrors.ErrInvalidGrant, "refresh token has no uses left")
	}

	if rec.RefreshExpired(now) {
		i.drop(ctx, hash, rec.ClientID, "refresh window elapsed")
		return TokenPair{}, apperrors.WithDetail(apperrors.ErrInvalidGrant, "refresh token has expired")
	}

	c, err := i.clients.Lookup(ctx, rec.ClientID)
	if errors.Is(err, apperrors.ErrClientNotFound) {
		i.drop(ctx, hash, rec.ClientID, "client no longer registered")
		return TokenPair{}, apperrors.WithDetail(apperrors.ErrInvalidGrant, "client is no longer registered")
	}

	if err != nil {
		return TokenPair{}, err
	}

	pair, next, err := i.mint(c, now, rec.RefreshExpiresAt, rec.UsageCount-1)
	if err != nil {
		return TokenPair{}, err
	}

	err = i.tokens.SwapToken(ctx, rec.ClientID, hash, next)
	if errors.Is(err, store.ErrConflict) {
		return TokenPair{}, apperrors.WithDetail(apperrors.ErrInvalidGrant, "refresh token has already been used")
	}

	if err != nil {
		return TokenPair{}, fmt.Errorf("rotating token pair: %w", err)
	}

	i.logger.Info("token refreshed",
		slog.String("client_id", c.ClientID),
		slog.Int("usage_count", next.UsageCount),
	)

	return pair, nil
}

// RefreshOwner returns the client a live refresh token belongs to, without
// redeeming it.
func (i *Issuer) RefreshOwner(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", apperrors.WithDetail(apperrors.ErrInvalidGrant, "refresh token is required")
	}

	rec, err := i.tokens.GetTokenByRefreshHash(ctx, HashToken(refreshToken))
	if errors.Is(err, store.ErrNotFound) {
		return "", apperrors.WithDetail(apperrors.ErrInvalidGrant, "refresh token is invalid")
	}

	if err != nil {
		return "", fmt.Errorf("loading refresh token: %w", err)
	}

	return rec.ClientID, nil
}

// unknownRefresh builds the error for a refresh hash with no record,
// telling apart an access token presented in its place.
func (i *Issuer) unknownRefresh(ctx context.Context, hash string) error {
	if _, err := i.tokens.GetTokenByAccessHash(ctx, hash); err == nil {
		return apperrors.WithDetail(apperrors.ErrInvalidGrant, "access token presented as refresh token")
	}

	return apperrors.WithDetail(apperrors.ErrInvalidGrant, "refresh token is invalid")
}

func (i *Issuer) drop(ctx context.Context, hash, clientID, reason string) {
	if err := i.tokens.DeleteTokenByHash(ctx, hash); err != nil {
		i.logger.Error("dropping token pair",
			slog.String("op", "rotate"),
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)

		return
	}

	i.logger.Info("token pair dropped",
		slog.String("client_id", clientID),
		slog.String("reason", reason),
	)
}

// mint signs a new access token for c and draws a new refresh token.
func (i *Issuer) mint(c models.Client, now, refreshExpiresAt time.Time, uses int) (TokenPair, models.TokenRecord, error) {
	expiresAt := now.Add(i.cfg.AccessTTL)
	scope := c.ScopeString()

	access, err := i.signer.Sign(Claims{
		ClientID:    c.ClientID,
		Scope:       scope,
		Permissions: c.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.ClientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return TokenPair{}, models.TokenRecord{}, err
	}

	refresh := RandomToken(refreshTokenBytes)

	pair := TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(i.cfg.AccessTTL.Seconds()),
		ExpiresAt:    expiresAt,
		Scope:        scope,
		UsageCount:   uses,
	}

	rec := models.TokenRecord{
		ClientID:         c.ClientID,
		AccessTokenHash:  HashToken(access),
		RefreshTokenHash: HashToken(refresh),
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: refreshExpiresAt,
		Scope:            scope,
		UsageCount:       uses,
		IssuedAt:         now,
	}

	return pair, rec, nil
}
