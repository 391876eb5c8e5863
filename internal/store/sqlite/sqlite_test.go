package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/tokengate/internal/store"
	"github.com/alexjbarnes/tokengate/internal/store/storetest"
)

func testDB(t *testing.T) store.Backend {
	t.Helper()
	d, err := Open(context.Background(), filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestBackend(t *testing.T) {
	storetest.Run(t, testDB)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	d1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, d1.CreateClient(ctx, storetest.Client("svc-a")))
	require.NoError(t, d1.Close())

	d2, err := Open(ctx, path)
	require.NoError(t, err)
	defer d2.Close()

	c, err := d2.GetClient(ctx, "svc-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, c.Scope)
}

func TestListClients_Ordered(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, d.CreateClient(ctx, storetest.Client(id)))
	}

	clients, err := d.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 3)
	assert.Equal(t, "alpha", clients[0].ClientID)
	assert.Equal(t, "zeta", clients[2].ClientID)
}

func TestOpen_PathWithURISyntax(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "odd?dir#1 %20", "tokens.db")

	d, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, d.CreateClient(ctx, storetest.Client("svc-a")))
	require.NoError(t, d.Close())

	_, err = os.Stat(path)
	require.NoError(t, err, "database is created at the literal path")

	d, err = Open(ctx, path)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.GetClient(ctx, "svc-a")
	assert.NoError(t, err)
}
