package bolt

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
	dbPath := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestBackend(t *testing.T) {
	storetest.Run(t, testDB)
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "tokens.db")
	d, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, dbFilePerm, info.Mode().Perm())
}

func TestOpen_ReopensExistingDB(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "tokens.db")

	d1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, d1.CreateClient(ctx, storetest.Client("persist-me")))
	require.NoError(t, d1.PutToken(ctx, storetest.Record("persist-me", "1")))
	require.NoError(t, d1.Close())

	d2, err := Open(dbPath)
	require.NoError(t, err)
	defer d2.Close()

	c, err := d2.GetClient(ctx, "persist-me")
	require.NoError(t, err)
	assert.Equal(t, "persist-me", c.ClientID)

	rec, err := d2.GetTokenByRefreshHash(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "persist-me", rec.ClientID)
}

func TestPing_AfterClose(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.Error(t, d.Ping(context.Background()))
}
