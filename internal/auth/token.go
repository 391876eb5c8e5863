package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/metrics"
	"github.com/alexjbarnes/tokengate/internal/models"
)

// maxRequestBody caps token endpoint request bodies.
const maxRequestBody = 64 << 10

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	Token        string `json:"token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

func newTokenResponse(p TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  p.AccessToken,
		TokenType:    TokenType,
		ExpiresIn:    p.ExpiresIn,
		ExpiresAt:    p.ExpiresAt.Unix(),
		RefreshToken: p.RefreshToken,
		Scope:        p.Scope,
	}
}

// decodeTokenRequest reads a form-encoded or JSON body.
func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, apperrors.WithDetail(apperrors.ErrInvalidRequest, "invalid request body")
		}

		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, apperrors.WithDetail(apperrors.ErrInvalidRequest, "invalid form data")
	}

	return tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Token:        r.PostFormValue("token"),
	}, nil
}

// HandleToken returns the POST /token handler for the client credentials
// grant.
func HandleToken(verifier *Verifier, issuer *Issuer, limiter *RateLimiter, logger *slog.Logger, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)

		if retry, ok := limiter.Allow(LimitIssueIP, ip); !ok {
			logger.Warn("token: rate limited", slog.String("ip", ip))
			m.RateLimited(r.URL.Path)
			writeRateLimited(w, retry)

			return
		}

		req, err := decodeTokenRequest(w, r)
		if err != nil {
			writeError(w, logger, "token", "", err)
			return
		}

		if req.ClientID == "" || req.ClientSecret == "" || req.GrantType == "" {
			writeError(w, logger, "token", req.ClientID,
				apperrors.WithDetail(apperrors.ErrInvalidRequest, "client_id, client_secret and grant_type are required"))
			return
		}

		clientID := NormalizeClientID(req.ClientID)

		client, err := verifier.Authenticate(r.Context(), clientID, req.ClientSecret, req.GrantType)
		if err != nil {
			logger.Info("token: authentication failed",
				slog.String("client_id", clientID),
				slog.String("ip", ip),
			)
			oe := writeError(w, logger, "authenticate", clientID, err)
			m.AuthDenied(oe.Code)

			return
		}

		// Only an authenticated client spends its own bucket.
		if retry, ok := limiter.Allow(LimitIssueClient, client.ClientID); !ok {
			logger.Warn("token: rate limited",
				slog.String("ip", ip),
				slog.String("client_id", client.ClientID),
			)
			m.RateLimited(r.URL.Path)
			writeRateLimited(w, retry)

			return
		}

		pair, err := issuer.Issue(r.Context(), client)
		if err != nil {
			writeError(w, logger, "issue", client.ClientID, err)
			return
		}

		m.TokenIssued()
		writeJSON(w, http.StatusOK, newTokenResponse(pair))
	}
}

// HandleRefresh returns the POST /token/refresh handler.
func HandleRefresh(issuer *Issuer, limiter *RateLimiter, logger *slog.Logger, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeTokenRequest(w, r)
		if err != nil {
			writeError(w, logger, "refresh", "", err)
			return
		}

		if req.RefreshToken == "" {
			writeError(w, logger, "refresh", req.ClientID,
				apperrors.WithDetail(apperrors.ErrInvalidRequest, "refresh_token is required"))
			return
		}

		// The owner's bucket is charged only when the token really is
		// theirs; anything unproven is charged to the caller's address.
		bucket, identity := LimitRefreshIP, remoteIP(r)

		owner, err := issuer.RefreshOwner(r.Context(), req.RefreshToken)
		switch {
		case err == nil:
			if req.ClientID == "" || NormalizeClientID(req.ClientID) == owner {
				bucket, identity = LimitRefresh, owner
			}
		case apperrors.IsInternal(err):
			writeError(w, logger, "refresh", req.ClientID, err)
			m.RefreshResult(metrics.RefreshError)

			return
		}

		if retry, ok := limiter.Allow(bucket, identity); !ok {
			logger.Warn("refresh: rate limited",
				slog.String("bucket", bucket),
				slog.String("identity", identity),
			)
			m.RateLimited(r.URL.Path)
			writeRateLimited(w, retry)

			return
		}

		pair, err := issuer.Rotate(r.Context(), req.RefreshToken, req.ClientID)
		if err != nil {
			oe := writeError(w, logger, "refresh", req.ClientID, err)
			if oe.Status == http.StatusInternalServerError {
				m.RefreshResult(metrics.RefreshError)
			} else {
				logger.Info("refresh: rejected",
					slog.String("client_id", req.ClientID),
					slog.String("reason", oe.Description),
				)
				m.RefreshResult(metrics.RefreshRejected)
			}

			return
		}

		m.RefreshResult(metrics.RefreshOK)
		writeJSON(w, http.StatusOK, newTokenResponse(pair))
	}
}

// HandleRevoke returns the POST /token/revoke handler. The client must
// authenticate; it can only revoke its own tokens, and an unknown token
// is reported as revoked.
func HandleRevoke(verifier *Verifier, validator *Validator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeTokenRequest(w, r)
		if err != nil {
			writeError(w, logger, "revoke", "", err)
			return
		}

		if req.Token == "" || req.ClientID == "" || req.ClientSecret == "" {
			writeError(w, logger, "revoke", req.ClientID,
				apperrors.WithDetail(apperrors.ErrInvalidRequest, "token, client_id and client_secret are required"))
			return
		}

		client, err := verifier.Authenticate(r.Context(), req.ClientID, req.ClientSecret, models.GrantClientCredentials)
		if err != nil {
			writeError(w, logger, "revoke", req.ClientID, err)
			return
		}

		if err := validator.RevokeOwned(r.Context(), req.Token, client.ClientID); err != nil {
			writeError(w, logger, "revoke", client.ClientID, err)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

type whoamiResponse struct {
	ClientID    string             `json:"client_id"`
	Scope       string             `json:"scope"`
	Permissions models.Permissions `json:"permissions"`
	IssuedAt    int64              `json:"iat"`
	ExpiresAt   int64              `json:"exp"`
	TokenID     string             `json:"jti"`
}

// HandleWhoami returns the claims of the authenticated caller. It must be
// wrapped by Guard.Authenticate.
func HandleWhoami(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, logger, "whoami", "", errors.New("whoami: no claims in request context"))
			return
		}

		resp := whoamiResponse{
			ClientID:    claims.ClientID,
			Scope:       claims.Scope,
			Permissions: claims.Permissions,
			TokenID:     claims.ID,
		}
		if claims.IssuedAt != nil {
			resp.IssuedAt = claims.IssuedAt.Unix()
		}
		if claims.ExpiresAt != nil {
			resp.ExpiresAt = claims.ExpiresAt.Unix()
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
