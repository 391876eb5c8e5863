package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/tokengate/internal/auth"
	"github.com/alexjbarnes/tokengate/internal/config"
	"github.com/alexjbarnes/tokengate/internal/models"
)

func executeRootCommand(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// storeEnv points the store at a fresh database in a temp directory.
func storeEnv(t *testing.T, backend string) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("STORE_BACKEND", backend)
	t.Setenv("STORE_PATH", filepath.Join(dir, "tokengate.db"))
	t.Setenv("TOKEN_SIGNING_KEY", "")
	os.Unsetenv("TOKEN_SIGNING_KEY")
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "tokengate dev\n", stdout)
}

func TestHashSecretCommand(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "s3cret-s3cret-s3cret\n", "hash-secret")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Enter secret")

	hash := strings.TrimSpace(stdout)
	require.True(t, strings.HasPrefix(hash, "$2"), hash)

	// The hash is accepted by the clients file importer.
	storeEnv(t, config.BackendBolt)
	cfg, err := config.LoadStore()
	require.NoError(t, err)
	backend, err := openBackend(context.Background(), cfg)
	require.NoError(t, err)
	defer backend.Close()

	reg := auth.NewRegistry(backend, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	_, err = reg.Import(context.Background(), "svc-a", hash, nil, models.Permissions{})
	require.NoError(t, err)
}

func TestHashSecretCommand_Rejects(t *testing.T) {
	_, _, err := executeRootCommand(t, "short\n", "hash-secret")
	assert.ErrorContains(t, err, "at least 16")

	_, _, err = executeRootCommand(t, "", "hash-secret")
	assert.ErrorContains(t, err, "no input")
}

func TestClientsRegisterAndList(t *testing.T) {
	for _, backend := range []string{config.BackendBolt, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			storeEnv(t, backend)

			stdout, _, err := executeRootCommand(t, "",
				"clients", "register",
				"--id", "meter-reader",
				"--scope", "read,write",
				"--permission", "/retrieve-readings=post",
				"--grant", "audit",
			)
			require.NoError(t, err)
			assert.Contains(t, stdout, "client_id:     meter-reader")
			assert.Contains(t, stdout, "client_secret: ")
			assert.Contains(t, stdout, "/retrieve-readings=POST audit")

			_, _, err = executeRootCommand(t, "", "clients", "register", "--id", "meter-reader")
			assert.ErrorContains(t, err, "already registered")

			stdout, _, err = executeRootCommand(t, "", "clients", "list")
			require.NoError(t, err)
			assert.Contains(t, stdout, "CLIENT_ID")
			assert.Contains(t, stdout, "meter-reader")
			assert.Contains(t, stdout, "read write")
			assert.NotContains(t, stdout, "$2", "hashes are never listed")
		})
	}
}

func TestClientsRegister_BadPermission(t *testing.T) {
	storeEnv(t, config.BackendBolt)

	_, _, err := executeRootCommand(t, "", "clients", "register", "--permission", "/no-methods")
	assert.ErrorContains(t, err, "PATH=METHOD")
}

func TestOpenBackend_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Config{StoreBackend: config.BackendRedis, RedisAddr: mr.Addr(), RedisKeyPrefix: "tg:"}

	backend, err := openBackend(context.Background(), cfg)
	require.NoError(t, err)
	defer backend.Close()

	assert.NoError(t, backend.Ping(context.Background()))
}

func TestOpenBackend_Unknown(t *testing.T) {
	_, err := openBackend(context.Background(), &config.Config{StoreBackend: "etcd"})
	assert.Error(t, err)
}

func TestParsePermissions(t *testing.T) {
	p, err := parsePermissions([]string{"/a/=get,POST", "/b=*"}, []string{"read"})
	require.NoError(t, err)

	assert.True(t, p.AllowsRoute("/a", "GET"))
	assert.True(t, p.AllowsRoute("/a", "POST"))
	assert.True(t, p.AllowsRoute("/b", "DELETE"))
	assert.True(t, p.HasGrant("read"))
	assert.Equal(t, "/a=GET,POST /b=* read", formatPermissions(p))
	assert.Equal(t, "-", formatPermissions(models.Permissions{}))
}
