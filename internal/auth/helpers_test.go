package auth

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

	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
	"github.com/alexjbarnes/tokengate/internal/metrics"
	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/store"
	"github.com/alexjbarnes/tokengate/internal/store/bolt"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

const testSecret = "s3cret-s3cret-s3cret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testDB(t *testing.T) store.Backend {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// fixture wires every component over one bolt database and a fake clock.
type fixture struct {
	clock     *fakeClock
	db        store.Backend
	registry  *Registry
	signer    *Signer
	verifier  *Verifier
	issuer    *Issuer
	validator *Validator
	guard     *Guard
	limiter   *RateLimiter
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newFakeClock()
	db := testDB(t)
	logger := testLogger()

	signer, err := NewSigner(testSigningKey, "HS256", clock.Now)
	require.NoError(t, err)

	registry := NewRegistry(db, logger, clock.Now)
	validator := NewValidator(signer, db, logger)
	m := metrics.New()

	return &fixture{
		clock:     clock,
		db:        db,
		registry:  registry,
		signer:    signer,
		verifier:  NewVerifier(registry, logger),
		issuer:    NewIssuer(signer, db, registry, IssuerConfig{}, logger),
		validator: validator,
		guard:     NewGuard(validator, registry, logger, m),
		limiter:   NewRateLimiter(nil, clock.Now),
		metrics:   m,
	}
}

func (f *fixture) register(t *testing.T, id string, perms models.Permissions, scope ...string) models.Client {
	t.Helper()
	c, _, err := f.registry.Register(context.Background(), ClientSpec{
		ClientID:    id,
		Secret:      testSecret,
		Scope:       scope,
		Permissions: perms,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) issue(t *testing.T, c models.Client) TokenPair {
	t.Helper()
	pair, err := f.issuer.Issue(context.Background(), c)
	require.NoError(t, err)
	return pair
}

// stubLookup is a ClientLookup over a fixed map.
type stubLookup map[string]models.Client

func (s stubLookup) Lookup(_ context.Context, id string) (models.Client, error) {
	c, ok := s[id]
	if !ok {
		return models.Client{}, apperrors.ErrClientNotFound
	}
	return c, nil
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.0.2.10:41234"
	return req
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:41234"
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// counterValue reads a counter from the fixture's registry. labelValue
// selects the series of a vector; pass "" for a plain counter.
func counterValue(t *testing.T, m *metrics.Metrics, name, labelValue string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}

		for _, series := range mf.GetMetric() {
			if labelValue == "" {
				return series.GetCounter().GetValue()
			}

			for _, lp := range series.GetLabel() {
				if lp.GetValue() == labelValue {
					return series.GetCounter().GetValue()
				}
			}
		}
	}

	return 0
}
