package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/models"
)

// MinSigningKeyLen is the shortest HMAC key NewSigner accepts.
const MinSigningKeyLen = 32

// Claims is the payload of an access token.
type Claims struct {
	ClientID    string             `json:"client_id"`
	Scope       string             `json:"scope"`
	Permissions models.Permissions `json:"permissions"`
	jwt.RegisteredClaims
}

// Signer signs and verifies access tokens with a symmetric key.
type Signer struct {
	key    []byte
	method jwt.SigningMethod
	now    func() time.Time
}

// NewSigner returns a Signer for one of HS256, HS384 or HS512. An empty
// alg selects HS256. A nil now uses time.Now.
func NewSigner(key []byte, alg string, now func() time.Time) (*Signer, error) {
	if len(key) < MinSigningKeyLen {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinSigningKeyLen, len(key))
	}

	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}

	var method jwt.SigningMethod

	switch alg {
	case jwt.SigningMethodHS256.Alg():
		method = jwt.SigningMethodHS256
	case jwt.SigningMethodHS384.Alg():
		method = jwt.SigningMethodHS384
	case jwt.SigningMethodHS512.Alg():
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	if now == nil {
		now = time.Now
	}

	return &Signer{key: key, method: method, now: now}, nil
}

// Now returns the current time on the signer's clock.
func (s *Signer) Now() time.Time {
	return s.now()
}

// Sign returns the compact serialization of c.
func (s *Signer) Sign(c Claims) (string, error) {
	token, err := jwt.NewWithClaims(s.method, c).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return token, nil
}

// Parse verifies the signature and time claims of token. An elapsed exp
// yields ErrTokenExpired; any other failure yields ErrInvalidToken.
func (s *Signer) Parse(token string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.ErrTokenExpired
		}
		return nil, apperrors.ErrInvalidToken
	}

	if claims.ClientID == "" {
		return nil, apperrors.WithDetail(apperrors.ErrInvalidToken, "token has no client_id")
	}

	return claims, nil
}
