// Package storetest holds behavior checks run against every store.Backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/store"
)

// Opener returns a fresh, empty backend. Cleanup is the caller's job.
type Opener func(t *testing.T) store.Backend

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Client returns a client fixture with the given ID.
func Client(id string) models.Client {
	return models.Client{
		ClientID:   id,
		SecretHash: "$2a$10$abcdefghijklmnopqrstuu",
		GrantType:  models.GrantClientCredentials,
		Scope:      []string{"read", "write"},
		Permissions: models.Permissions{
			Routes: map[string][]string{"/retrieve-readings": {"POST"}},
		},
		CreatedAt: epoch,
	}
}

// Record returns a token record fixture for clientID whose hashes carry tag.
func Record(clientID, tag string) models.TokenRecord {
	return models.TokenRecord{
		ClientID:         clientID,
		AccessTokenHash:  "access-" + tag,
		RefreshTokenHash: "refresh-" + tag,
		ExpiresAt:        epoch.Add(time.Hour),
		RefreshExpiresAt: epoch.Add(30 * 24 * time.Hour),
		Scope:            "read write",
		UsageCount:       5,
		IssuedAt:         epoch,
	}
}

// Run runs the full suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, open(t).Ping(context.Background()))
	})
	t.Run("ClientRoundTrip", func(t *testing.T) { testClientRoundTrip(t, open(t)) })
	t.Run("ClientDuplicate", func(t *testing.T) { testClientDuplicate(t, open(t)) })
	t.Run("ClientConcurrentCreate", func(t *testing.T) { testClientConcurrentCreate(t, open(t)) })
	t.Run("ClientNotFound", func(t *testing.T) { testClientNotFound(t, open(t)) })
	t.Run("ListClients", func(t *testing.T) { testListClients(t, open(t)) })
	t.Run("PutAndLookup", func(t *testing.T) { testPutAndLookup(t, open(t)) })
	t.Run("PutReplacesPrior", func(t *testing.T) { testPutReplacesPrior(t, open(t)) })
	t.Run("SwapToken", func(t *testing.T) { testSwapToken(t, open(t)) })
	t.Run("SwapTokenStale", func(t *testing.T) { testSwapTokenStale(t, open(t)) })
	t.Run("SwapTokenMissing", func(t *testing.T) { testSwapTokenMissing(t, open(t)) })
	t.Run("SwapTokenRace", func(t *testing.T) { testSwapTokenRace(t, open(t)) })
	t.Run("DeleteByHash", func(t *testing.T) { testDeleteByHash(t, open(t)) })
	t.Run("PurgeExpired", func(t *testing.T) { testPurgeExpired(t, open(t)) })
}

func testClientRoundTrip(t *testing.T, s store.Backend) {
	ctx := context.Background()
	want := Client("svc-a")

	require.NoError(t, s.CreateClient(ctx, want))

	got, err := s.GetClient(ctx, "svc-a")
	require.NoError(t, err)
	assert.Equal(t, want.ClientID, got.ClientID)
	assert.Equal(t, want.SecretHash, got.SecretHash)
	assert.Equal(t, want.GrantType, got.GrantType)
	assert.Equal(t, want.Scope, got.Scope)
	assert.Equal(t, want.Permissions, got.Permissions)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func testClientDuplicate(t *testing.T, s store.Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateClient(ctx, Client("svc-a")))

	other := Client("svc-a")
	other.SecretHash = "different"
	err := s.CreateClient(ctx, other)
	assert.ErrorIs(t, err, store.ErrDuplicateClient)

	got, err := s.GetClient(ctx, "svc-a")
	require.NoError(t, err)
	assert.Equal(t, Client("svc-a").SecretHash, got.SecretHash, "first registration must survive")
}

func testClientConcurrentCreate(t *testing.T, s store.Backend) {
	ctx := context.Background()

	var created, dupes atomic.Int32

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			c := Client("svc-race")
			c.SecretHash = fmt.Sprintf("hash-%d", i)

			err := s.CreateClient(ctx, c)
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, store.ErrDuplicateClient):
				dupes.Add(1)
			default:
				return err
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(7), dupes.Load())
}

func testClientNotFound(t *testing.T, s store.Backend) {
	_, err := s.GetClient(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListClients(t *testing.T, s store.Backend) {
	ctx := context.Background()

	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients)

	for _, id := range []string{"svc-b", "svc-a", "svc-c"} {
		require.NoError(t, s.CreateClient(ctx, Client(id)))
	}

	clients, err = s.ListClients(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ClientID)
	}

	sort.Strings(ids)
	assert.Equal(t, []string{"svc-a", "svc-b", "svc-c"}, ids)
}

func testPutAndLookup(t *testing.T, s store.Backend) {
	ctx := context.Background()
	rec := Record("svc-a", "1")
	require.NoError(t, s.PutToken(ctx, rec))

	byAccess, err := s.GetTokenByAccessHash(ctx, "access-1")
	require.NoError(t, err)
	assertRecord(t, rec, byAccess)

	byRefresh, err := s.GetTokenByRefreshHash(ctx, "refresh-1")
	require.NoError(t, err)
	assertRecord(t, rec, byRefresh)

	_, err = s.GetTokenByAccessHash(ctx, "refresh-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "refresh hash must not resolve as an access hash")

	_, err = s.GetTokenByRefreshHash(ctx, "access-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "access hash must not resolve as a refresh hash")
}

func testPutReplacesPrior(t *testing.T, s store.Backend) {
	ctx := context.Background()
	require.NoError(t, s.PutToken(ctx, Record("svc-a", "1")))
	require.NoError(t, s.PutToken(ctx, Record("svc-a", "2")))

	_, err := s.GetTokenByAccessHash(ctx, "access-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetTokenByRefreshHash(ctx, "refresh-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetTokenByAccessHash(ctx, "access-2")
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", got.RefreshTokenHash)
}

func testSwapToken(t *testing.T, s store.Backend) {
	ctx := context.Background()
	require.NoError(t, s.PutToken(ctx, Record("svc-a", "1")))

	next := Record("svc-a", "2")
	next.UsageCount = 4
	require.NoError(t, s.SwapToken(ctx, "svc-a", "refresh-1", next))

	_, err := s.GetTokenByRefreshHash(ctx, "refresh-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetTokenByAccessHash(ctx, "access-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetTokenByRefreshHash(ctx, "refresh-2")
	require.NoError(t, err)
	assert.Equal(t, 4, got.UsageCount)
}

func testSwapTokenStale(t *testing.T, s store.Backend) {
	ctx := context.Background()
	require.NoError(t, s.PutToken(ctx, Record("svc-a", "1")))

	err := s.SwapToken(ctx, "svc-a", "refresh-0", Record("svc-a", "2"))
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetTokenByRefreshHash(ctx, "refresh-1")
	require.NoError(t, err, "failed swap must leave the record untouched")
	assert.Equal(t, "access-1", got.AccessTokenHash)

	_, err = s.GetTokenByAccessHash(ctx, "access-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSwapTokenMissing(t *testing.T, s store.Backend) {
	err := s.SwapToken(context.Background(), "svc-a", "refresh-1", Record("svc-a", "2"))
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testSwapTokenRace(t *testing.T, s store.Backend) {
	ctx := context.Background()
	require.NoError(t, s.PutToken(ctx, Record("svc-a", "0")))

	const racers = 10

	var wins, conflicts atomic.Int32

	var g errgroup.Group
	for i := range racers {
		g.Go(func() error {
			err := s.SwapToken(ctx, "svc-a", "refresh-0", Record("svc-a", fmt.Sprintf("r%d", i)))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrConflict):
				conflicts.Add(1)
			default:
				return err
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load(), "exactly one swap may succeed")
	assert.Equal(t, int32(racers-1), conflicts.Load())
}

func testDeleteByHash(t *testing.T, s store.Backend) {
	ctx := context.Background()
	require.NoError(t, s.PutToken(ctx, Record("svc-a", "1")))
	require.NoError(t, s.PutToken(ctx, Record("svc-b", "2")))

	require.NoError(t, s.DeleteTokenByHash(ctx, "access-1"))

	_, err := s.GetTokenByRefreshHash(ctx, "refresh-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "deleting by access hash drops the pair")

	require.NoError(t, s.DeleteTokenByHash(ctx, "refresh-2"))

	_, err = s.GetTokenByAccessHash(ctx, "access-2")
	assert.ErrorIs(t, err, store.ErrNotFound, "deleting by refresh hash drops the pair")

	assert.NoError(t, s.DeleteTokenByHash(ctx, "access-1"), "delete is idempotent")
	assert.NoError(t, s.DeleteTokenByHash(ctx, "never-existed"))
}

func testPurgeExpired(t *testing.T, s store.Backend) {
	ctx := context.Background()
	now := epoch.Add(2 * time.Hour)

	live := Record("live", "live")
	live.ExpiresAt = now.Add(time.Hour)

	refreshable := Record("refreshable", "refreshable")

	exhausted := Record("exhausted", "exhausted")
	exhausted.UsageCount = 0

	dead := Record("dead", "dead")
	dead.RefreshExpiresAt = now.Add(-time.Minute)

	for _, rec := range []models.TokenRecord{live, refreshable, exhausted, dead} {
		require.NoError(t, s.PutToken(ctx, rec))
	}

	purged, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	for _, tag := range []string{"live", "refreshable"} {
		_, err := s.GetTokenByAccessHash(ctx, "access-"+tag)
		assert.NoError(t, err, tag)
	}

	for _, tag := range []string{"exhausted", "dead"} {
		_, err := s.GetTokenByAccessHash(ctx, "access-"+tag)
		assert.ErrorIs(t, err, store.ErrNotFound, tag)

		_, err = s.GetTokenByRefreshHash(ctx, "refresh-"+tag)
		assert.ErrorIs(t, err, store.ErrNotFound, tag)
	}

	purged, err = s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func assertRecord(t *testing.T, want models.TokenRecord, got *models.TokenRecord) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ClientID, got.ClientID)
	assert.Equal(t, want.AccessTokenHash, got.AccessTokenHash)
	assert.Equal(t, want.RefreshTokenHash, got.RefreshTokenHash)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt), "expires_at")
	assert.True(t, want.RefreshExpiresAt.Equal(got.RefreshExpiresAt), "refresh_expires_at")
	assert.True(t, want.IssuedAt.Equal(got.IssuedAt), "issued_at")
	assert.Equal(t, want.Scope, got.Scope)
	assert.Equal(t, want.UsageCount, got.UsageCount)
}
