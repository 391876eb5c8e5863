package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/store"
)

// DefaultScope is assigned to clients registered without a scope.
const DefaultScope = "read"

// ClientSpec describes a client to register. Empty ClientID and Secret
// are generated.
type ClientSpec struct {
	ClientID    string
	Secret      string
	Scope       []string
	Permissions models.Permissions
}

// ClientLookup resolves a client_id to the registered client.
type ClientLookup interface {
	Lookup(ctx context.Context, clientID string) (models.Client, error)
}

// Registry is the source of truth for registered clients and their grants.
type Registry struct {
	clients store.ClientStore
	logger  *slog.Logger
	now     func() time.Time
}

var _ ClientLookup = (*Registry)(nil)

// NewRegistry returns a Registry over clients. A nil now uses time.Now.
func NewRegistry(clients store.ClientStore, logger *slog.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{clients: clients, logger: logger, now: now}
}

// NormalizeClientID returns the canonical form of a client_id.
func NormalizeClientID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// Register stores a new client and returns it with the clear secret. The
// secret is not recoverable afterwards.
func (r *Registry) Register(ctx context.Context, spec ClientSpec) (models.Client, string, error) {
	id := NormalizeClientID(spec.ClientID)
	if id == "" {
		id = uuid.NewString()
	}

	secret := spec.Secret
	if secret == "" {
		secret = RandomToken(refreshTokenBytes)
	}

	if len(secret) < MinSecretLen {
		return models.Client{}, "", apperrors.WithDetail(apperrors.ErrInvalidRequest,
			fmt.Sprintf("client secret must be at least %d characters", MinSecretLen))
	}

	hash, err := HashSecret(secret)
	if err != nil {
		return models.Client{}, "", fmt.Errorf("hashing client secret: %w", err)
	}

	c := r.newClient(id, hash, spec.Scope, spec.Permissions)
	if err := r.create(ctx, c); err != nil {
		return models.Client{}, "", err
	}

	return c, secret, nil
}

// Import stores a client whose secret is already bcrypt-hashed, as read
// from a bootstrap file.
func (r *Registry) Import(ctx context.Context, id, secretHash string, scope []string, perms models.Permissions) (models.Client, error) {
	id = NormalizeClientID(id)
	if id == "" {
		return models.Client{}, apperrors.WithDetail(apperrors.ErrInvalidRequest, "client_id is required")
	}

	if _, err := bcrypt.Cost([]byte(secretHash)); err != nil {
		return models.Client{}, apperrors.WithDetail(apperrors.ErrInvalidRequest,
			fmt.Sprintf("client %q: client_secret_hash is not a bcrypt hash", id))
	}

	c := r.newClient(id, secretHash, scope, perms)
	if err := r.create(ctx, c); err != nil {
		return models.Client{}, err
	}

	return c, nil
}

func (r *Registry) newClient(id, hash string, scope []string, perms models.Permissions) models.Client {
	if len(scope) == 0 {
		scope = []string{DefaultScope}
	}

	return models.Client{
		ClientID:    id,
		SecretHash:  hash,
		GrantType:   models.GrantClientCredentials,
		Scope:       scope,
		Permissions: perms.Normalize(),
		CreatedAt:   r.now().UTC().Truncate(time.Second),
	}
}

func (r *Registry) create(ctx context.Context, c models.Client) error {
	err := r.clients.CreateClient(ctx, c)
	if errors.Is(err, store.ErrDuplicateClient) {
		return apperrors.WithDetail(apperrors.ErrDuplicateClient,
			fmt.Sprintf("client %q is already registered", c.ClientID))
	}

	if err != nil {
		return fmt.Errorf("registering client %q: %w", c.ClientID, err)
	}

	r.logger.Info("client registered",
		slog.String("client_id", c.ClientID),
		slog.String("scope", c.ScopeString()),
	)

	return nil
}

// Lookup returns the client registered under clientID.
func (r *Registry) Lookup(ctx context.Context, clientID string) (models.Client, error) {
	c, err := r.clients.GetClient(ctx, NormalizeClientID(clientID))
	if errors.Is(err, store.ErrNotFound) {
		return models.Client{}, apperrors.ErrClientNotFound
	}

	if err != nil {
		return models.Client{}, fmt.Errorf("looking up client: %w", err)
	}

	return *c, nil
}

// List returns every registered client.
func (r *Registry) List(ctx context.Context) ([]models.Client, error) {
	clients, err := r.clients.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	return clients, nil
}
