package e2e_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/tokengate/internal/auth"
	"github.com/alexjbarnes/tokengate/internal/config"
	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/server"
	"github.com/alexjbarnes/tokengate/internal/store"
	"github.com/alexjbarnes/tokengate/internal/store/bolt"
	redisstore "github.com/alexjbarnes/tokengate/internal/store/redis"
	"github.com/alexjbarnes/tokengate/internal/store/sqlite"
)

const (
	readingsPath = "/retrieve-readings"
	testSecret   = "S1-e2e-secret-value"
)

// clock is a manually advanced time source shared by every component.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness runs the assembled service behind a real HTTP server.
type harness struct {
	URL      string
	Client   *http.Client
	Clock    *clock
	Registry *auth.Registry
	Service  *server.Service
}

type backendFactory func(t *testing.T) store.Backend

var backends = map[string]backendFactory{
	"bolt": func(t *testing.T) store.Backend {
		db, err := bolt.Open(filepath.Join(t.TempDir(), "tokengate.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	},
	"sqlite": func(t *testing.T) store.Backend {
		db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "tokengate.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	},
	"redis": func(t *testing.T) store.Backend {
		mr := miniredis.RunT(t)
		s, err := redisstore.Open(context.Background(), redisstore.Config{Addr: mr.Addr(), KeyPrefix: "e2e:"})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

func newHarness(t *testing.T, backend store.Backend) *harness {
	t.Helper()

	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		SigningKey:             "e2e-signing-key-e2e-signing-key-0123",
		SigningAlg:             "HS256",
		AccessTokenTTL:         time.Hour,
		RefreshTokenTTL:        720 * time.Hour,
		RefreshMaxUses:         5,
		IssueIPRatePerHour:     50,
		IssueClientRatePerHour: 4,
		RefreshRatePerHour:     4,
		SweepInterval:          10 * time.Minute,
	}

	svc, err := server.New(cfg, backend, logger, server.Options{
		Now: clk.Now,
		Resources: map[string]http.Handler{
			readingsPath: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c, _ := auth.ClientFromContext(r.Context())
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"client_id":"`+c.ClientID+`","readings":[]}`)
			}),
		},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(svc.Handler)
	t.Cleanup(ts.Close)

	return &harness{
		URL:      ts.URL,
		Client:   ts.Client(),
		Clock:    clk,
		Registry: svc.Registry,
		Service:  svc,
	}
}

// registerReader registers a client allowed to POST the readings route.
func (h *harness) registerReader(t *testing.T, id string) {
	t.Helper()
	_, _, err := h.Registry.Register(context.Background(), auth.ClientSpec{
		ClientID:    id,
		Secret:      testSecret,
		Permissions: models.Permissions{Routes: map[string][]string{readingsPath: {http.MethodPost}}},
	})
	require.NoError(t, err)
}

// postForm sends a form body and returns the status and the JSON body.
func (h *harness) postForm(t *testing.T, path string, form url.Values) (int, gjson.Result) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(t, req)
}

// call hits a protected route with a bearer token.
func (h *harness) call(t *testing.T, method, path, token string) (int, gjson.Result) {
	t.Helper()
	req, err := http.NewRequest(method, h.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return h.do(t, req)
}

func (h *harness) do(t *testing.T, req *http.Request) (int, gjson.Result) {
	t.Helper()
	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, gjson.ParseBytes(body)
}

func (h *harness) issue(t *testing.T, id string) gjson.Result {
	t.Helper()
	status, body := h.postForm(t, "/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {id},
		"client_secret": {testSecret},
	})
	require.Equal(t, http.StatusOK, status, body.Raw)
	return body
}

func (h *harness) refresh(t *testing.T, id, refreshToken string) (int, gjson.Result) {
	t.Helper()
	return h.postForm(t, "/token/refresh", url.Values{
		"client_id":     {id},
		"refresh_token": {refreshToken},
	})
}
