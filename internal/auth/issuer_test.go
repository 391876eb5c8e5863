package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/store"
	"github.com/alexjbarnes/tokengate/internal/store/mocks"
)

var readingsPerms = models.Permissions{
	Routes: map[string][]string{"/retrieve-readings": {"POST"}},
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "C1", readingsPerms)

	pair := f.issue(t, c)

	assert.Equal(t, f.clock.Now().Add(3600*time.Second), pair.ExpiresAt)
	assert.Equal(t, 3600, pair.ExpiresIn)
	assert.Equal(t, "read", pair.Scope)
	assert.Equal(t, DefaultMaxUses, pair.UsageCount)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	claims, err := f.validator.Validate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "C1", claims.ClientID)
	assert.Equal(t, "read", claims.Scope)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, f.clock.Now().Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, pair.ExpiresAt.Unix(), claims.ExpiresAt.Unix())
	assert.True(t, claims.Permissions.AllowsRoute("/retrieve-readings", "POST"))

	rec, err := f.db.GetTokenByRefreshHash(context.Background(), HashToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, 5, rec.UsageCount)
	assert.Equal(t, HashToken(pair.AccessToken), rec.AccessTokenHash)
	assert.NotEqual(t, pair.RefreshToken, rec.RefreshTokenHash, "refresh token must be stored hashed")
	assert.True(t, f.clock.Now().Add(DefaultRefreshTTL).Equal(rec.RefreshExpiresAt))
}

func TestIssue_ReplacesPriorPair(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "C1", readingsPerms)

	first := f.issue(t, c)
	second := f.issue(t, c)

	_, err := f.validator.Validate(context.Background(), first.AccessToken)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)

	_, err = f.issuer.Rotate(context.Background(), first.RefreshToken, "C1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = f.validator.Validate(context.Background(), second.AccessToken)
	assert.NoError(t, err)
}

func TestIssue_DistinctTokensWithinOneSecond(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "C1", readingsPerms)

	a := f.issue(t, c)
	b := f.issue(t, c)

	assert.NotEqual(t, a.AccessToken, b.AccessToken)
	assert.NotEqual(t, a.RefreshToken, b.RefreshToken)
}

func TestRotate_ChainOfFive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.register(t, "C1", readingsPerms)

	pair := f.issue(t, c)
	originalRefreshExpiry := f.clock.Now().Add(DefaultRefreshTTL)

	for want := 4; want >= 0; want-- {
		prev := pair

		var err error
		pair, err = f.issuer.Rotate(ctx, prev.RefreshToken, "C1")
		require.NoError(t, err, "refresh with %d uses left", want+1)
		assert.Equal(t, want, pair.UsageCount)

		rec, err := f.db.GetTokenByRefreshHash(ctx, HashToken(pair.RefreshToken))
		require.NoError(t, err)
		assert.Equal(t, want, rec.UsageCount)
		assert.True(t, originalRefreshExpiry.Equal(rec.RefreshExpiresAt), "rotation must not extend the refresh window")

		_, err = f.validator.Validate(ctx, prev.AccessToken)
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken, "previous access token is superseded")

		_, err = f.validator.Validate(ctx, pair.AccessToken)
		assert.NoError(t, err)
	}

	_, err := f.issuer.Rotate(ctx, pair.RefreshToken, "C1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = f.db.GetTokenByRefreshHash(ctx, HashToken(pair.RefreshToken))
	assert.ErrorIs(t, err, store.ErrNotFound, "exhausted chain is removed")

	_, err = f.validator.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestRotate_OldRefreshTokenIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t, f.register(t, "C1", readingsPerms))

	_, err := f.issuer.Rotate(ctx, pair.RefreshToken, "C1")
	require.NoError(t, err)

	_, err = f.issuer.Rotate(ctx, pair.RefreshToken, "C1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestRotate_ConcurrentRedemption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t, f.register(t, "C1", readingsPerms))

	const racers = 8

	var wins, rejected atomic.Int32

	var g errgroup.Group
	for range racers {
		g.Go(func() error {
			_, err := f.issuer.Rotate(ctx, pair.RefreshToken, "C1")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperrors.ErrInvalidGrant):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent refresh may succeed")
	assert.Equal(t, int32(racers-1), rejected.Load())
}

func TestRotate_ClaimedClientMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "C2", readingsPerms)
	pair := f.issue(t, f.register(t, "C1", readingsPerms))

	_, err := f.issuer.Rotate(ctx, pair.RefreshToken, "C2")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	// The owner can still use it.
	_, err = f.issuer.Rotate(ctx, pair.RefreshToken, "C1")
	assert.NoError(t, err)
}

func TestRotate_WithoutClaimedClient(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t, f.register(t, "C1", readingsPerms))

	next, err := f.issuer.Rotate(context.Background(), pair.RefreshToken, "")
	require.NoError(t, err)
	assert.Equal(t, 4, next.UsageCount)
}

func TestRotate_AccessTokenPresented(t *testing.T) {
	f := newFixture(t)
	pair := f.issue(t, f.register(t, "C1", readingsPerms))

	_, err := f.issuer.Rotate(context.Background(), pair.AccessToken, "C1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
	assert.Contains(t, apperrors.Describe(err).Description, "access token")

	// The pair is untouched.
	_, err = f.validator.Validate(context.Background(), pair.AccessToken)
	assert.NoError(t, err)
}

func TestRotate_RefreshWindowElapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t, f.register(t, "C1", readingsPerms))

	f.clock.Advance(DefaultRefreshTTL)

	_, err := f.issuer.Rotate(ctx, pair.RefreshToken, "C1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = f.db.GetTokenByRefreshHash(ctx, HashToken(pair.RefreshToken))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRotate_AfterAccessExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t, f.register(t, "C1", readingsPerms))

	f.clock.Advance(3601 * time.Second)

	_, err := f.validator.Validate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, apperrors.ErrTokenExpired)

	next, err := f.issuer.Rotate(ctx, pair.RefreshToken, "C1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour), next.ExpiresAt)
}

func TestRotate_UnknownAndEmpty(t *testing.T) {
	f := newFixture(t)

	_, err := f.issuer.Rotate(context.Background(), RandomToken(32), "C1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = f.issuer.Rotate(context.Background(), "", "C1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestRotate_UsesCurrentRegistryGrants(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "C1", readingsPerms)
	pair := f.issue(t, c)

	updated := c
	updated.Scope = []string{"read", "write"}
	issuer := NewIssuer(f.signer, f.db, stubLookup{"C1": updated}, IssuerConfig{}, testLogger())

	next, err := issuer.Rotate(context.Background(), pair.RefreshToken, "C1")
	require.NoError(t, err)
	assert.Equal(t, "read write", next.Scope)
}

func TestRotate_ClientUnregistered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t, f.register(t, "C1", readingsPerms))

	issuer := NewIssuer(f.signer, f.db, stubLookup{}, IssuerConfig{}, testLogger())

	_, err := issuer.Rotate(ctx, pair.RefreshToken, "C1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = f.db.GetTokenByRefreshHash(ctx, HashToken(pair.RefreshToken))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIssuerConfig_Custom(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "C1", readingsPerms)
	issuer := NewIssuer(f.signer, f.db, f.registry, IssuerConfig{AccessTTL: 5 * time.Minute, MaxUses: 2}, testLogger())

	pair, err := issuer.Issue(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 300, pair.ExpiresIn)
	assert.Equal(t, 2, pair.UsageCount)

	pair, err = issuer.Rotate(context.Background(), pair.RefreshToken, "C1")
	require.NoError(t, err)
	pair, err = issuer.Rotate(context.Background(), pair.RefreshToken, "C1")
	require.NoError(t, err)
	assert.Equal(t, 0, pair.UsageCount)

	_, err = issuer.Rotate(context.Background(), pair.RefreshToken, "C1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestIssue_StoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	tokens := mocks.NewMockTokenStore(ctrl)
	f := newFixture(t)
	c := f.register(t, "C1", readingsPerms)
	issuer := NewIssuer(f.signer, tokens, f.registry, IssuerConfig{}, testLogger())

	tokens.EXPECT().PutToken(gomock.Any(), gomock.Any()).Return(errors.New("bolt: tx closed"))

	_, err := issuer.Issue(context.Background(), c)
	require.Error(t, err)
	assert.True(t, apperrors.IsInternal(err))
}

func TestRotate_StoreFailures(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "C1", readingsPerms)
	boom := errors.New("connection reset")

	t.Run("lookup", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tokens := mocks.NewMockTokenStore(ctrl)
		issuer := NewIssuer(f.signer, tokens, f.registry, IssuerConfig{}, testLogger())

		tokens.EXPECT().GetTokenByRefreshHash(gomock.Any(), gomock.Any()).Return(nil, boom)

		_, err := issuer.Rotate(context.Background(), "refresh", "C1")
		assert.ErrorIs(t, err, boom)
		assert.True(t, apperrors.IsInternal(err))
	})

	t.Run("swap", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tokens := mocks.NewMockTokenStore(ctrl)
		issuer := NewIssuer(f.signer, tokens, f.registry, IssuerConfig{}, testLogger())

		rec := &models.TokenRecord{
			ClientID:         c.ClientID,
			AccessTokenHash:  "a",
			RefreshTokenHash: HashToken("refresh"),
			ExpiresAt:        f.clock.Now().Add(time.Hour),
			RefreshExpiresAt: f.clock.Now().Add(time.Hour),
			UsageCount:       3,
		}
		tokens.EXPECT().GetTokenByRefreshHash(gomock.Any(), HashToken("refresh")).Return(rec, nil)
		tokens.EXPECT().SwapToken(gomock.Any(), "C1", HashToken("refresh"), gomock.Any()).Return(boom)

		_, err := issuer.Rotate(context.Background(), "refresh", "C1")
		assert.ErrorIs(t, err, boom)
		assert.True(t, apperrors.IsInternal(err))
	})
}

func TestRefreshOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issue(t, f.register(t, "C1", readingsPerms))

	owner, err := f.issuer.RefreshOwner(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "C1", owner)

	_, err = f.issuer.RefreshOwner(ctx, "bogus")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = f.issuer.RefreshOwner(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = f.issuer.RefreshOwner(ctx, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}
