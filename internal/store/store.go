// Package store defines the persistence contract shared by the client
// registry and the token store. Backends live in subpackages (bolt, sqlite,
// redis); every mutation they expose is a single atomic operation against
// the underlying database.
package store

//go:generate mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

import (
	"context"
	"errors"
	"time"

	"github.com/alexjbarnes/tokengate/internal/models"
)

var (
	// ErrNotFound is returned when no record matches the lookup key.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateClient is returned by CreateClient when the client_id
	// already exists.
	ErrDuplicateClient = errors.New("store: duplicate client")

	// ErrConflict is returned by SwapToken when the record no longer
	// carries the expected refresh token hash.
	ErrConflict = errors.New("store: record changed concurrently")
)

// ClientStore persists registered clients.
type ClientStore interface {
	// CreateClient inserts c. Exactly one of several concurrent calls with
	// the same client_id succeeds; the others get ErrDuplicateClient.
	CreateClient(ctx context.Context, c models.Client) error
	GetClient(ctx context.Context, clientID string) (*models.Client, error)
	ListClients(ctx context.Context) ([]models.Client, error)
}

// TokenStore persists at most one TokenRecord per client.
type TokenStore interface {
	// PutToken stores rec as the only record of rec.ClientID, dropping
	// any prior record and its hash indexes.
	PutToken(ctx context.Context, rec models.TokenRecord) error

	// SwapToken replaces the record of clientID with next only if the
	// stored record still has refresh hash oldRefreshHash. Otherwise it
	// returns ErrConflict and changes nothing.
	SwapToken(ctx context.Context, clientID, oldRefreshHash string, next models.TokenRecord) error

	GetTokenByAccessHash(ctx context.Context, hash string) (*models.TokenRecord, error)
	GetTokenByRefreshHash(ctx context.Context, hash string) (*models.TokenRecord, error)

	// DeleteTokenByHash removes the record whose access or refresh hash
	// equals hash. Deleting an absent record is not an error.
	DeleteTokenByHash(ctx context.Context, hash string) error

	// PurgeExpired removes records for which Purgeable(now) holds and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Backend is a database holding both clients and tokens.
type Backend interface {
	ClientStore
	TokenStore
	Ping(ctx context.Context) error
	Close() error
}
