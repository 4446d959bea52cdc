package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret-that-is-long-enough-for-hs256"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		RunMode:             "all",
		JWTSecret:           testSecret,
		DefaultCurrency:     "NGN",
		SupportedCurrencies: []string{"NGN", "USD"},
		MaxEscrowAmount:     decimal.NewFromInt(10_000_000),
		DefaultExpiryDays:   7,
		MaxExpiryDays:       30,
		SweepInterval:       time.Minute,
		VerifyTimeout:       time.Second,
		JobWorkers:          2,
		JobMaxAttempts:      3,
		JobBaseDelay:        time.Millisecond,
		JobMaxDelay:         time.Second,
		JobPollInterval:     10 * time.Millisecond,
		JobLease:            time.Minute,
		DefaultGateway:      "sandbox",
		EnableSandbox:       true,
		SandboxSecret:       "whsec_test",
		FraudMaxPerHour:     100,
		FraudAmountFactor:   5,
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
		CORSOrigins:         []string{"*"},
	}
}

type testEnv struct {
	srv     *Server
	mem     *store.Memory
	sandbox *gateways.SandboxGateway
	tokens  map[string]string
}

// newTestEnv creates a server backed by the memory store and the sandbox gateway
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	sbx := gateways.NewSandbox("whsec_test")

	s, err := New(testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStore(mem),
		WithGateways(gateways.NewRegistry(gateways.Sandbox, sbx)),
		WithVersion("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })

	tokens := map[string]string{}
	m := auth.NewManager(testSecret, time.Hour)
	for _, u := range []struct {
		id   string
		role auth.Role
	}{{"usr_buyer", auth.RoleUser}, {"usr_seller", auth.RoleUser}, {"usr_admin", auth.RoleAdmin}} {
		tok, err := m.Generate(u.id, u.id+"@example.com", u.role)
		require.NoError(t, err)
		tokens[u.id] = tok
	}
	return &testEnv{srv: s, mem: mem, sandbox: sbx, tokens: tokens}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func escrowState(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	e, ok := decode(t, w)["escrow"].(map[string]any)
	require.True(t, ok, w.Body.String())
	return e["state"].(string)
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "all", resp.RunMode)
	assert.Equal(t, "healthy", resp.Checks["jobs"])
}

func TestLivenessAndReadiness(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/health/ready", "", nil).Code)

	env.srv.ready.Store(true)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health/ready", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", "", nil)

	w := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowd_http_requests_total")
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))

	w = env.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

// ---------------------------------------------------------------------------
// Routing and auth
// ---------------------------------------------------------------------------

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	paths := []struct{ method, path string }{
		{http.MethodPost, "/v1/escrow/initiate"},
		{http.MethodGet, "/v1/escrow"},
		{http.MethodPost, "/v1/payments/initialize"},
		{http.MethodPost, "/v1/disputes"},
		{http.MethodGet, "/v1/me/payout-account"},
		{http.MethodGet, "/v1/events/ws"},
	}
	for _, p := range paths {
		t.Run(p.path, func(t *testing.T) {
			w := env.do(t, p.method, p.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.tokens["forged"] = "not-a-jwt"

	w := env.do(t, http.MethodGet, "/v1/escrow", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/v1/admin/jobs/stats", "/v1/admin/disputes", "/v1/admin/events/stats"} {
		assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, path, "usr_buyer", nil).Code, path)
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, path, "usr_admin", nil).Code, path)
	}
}

func TestGatewaysEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/gateways", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "sandbox", body["default"])
	assert.Equal(t, []any{"sandbox"}, body["gateways"])
}

func TestWorkerModeServesNoAPI(t *testing.T) {
	cfg := testConfig()
	cfg.RunMode = "worker"
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStore(store.NewMemory()),
		WithGateways(gateways.NewRegistry(gateways.Sandbox, gateways.NewSandbox("x"))),
	)
	require.NoError(t, err)
	defer s.rateLimiter.Stop()

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/gateways", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBuildGateways(t *testing.T) {
	cfg := testConfig()
	cfg.PaystackSecretKey = "sk_test"
	cfg.DefaultGateway = "paystack"

	registry, err := buildGateways(cfg, gateways.NewBreaker(3, time.Second))
	require.NoError(t, err)
	assert.Equal(t, []gateways.Name{gateways.Paystack, gateways.Sandbox}, registry.Names())

	cfg.PaystackSecretKey = ""
	_, err = buildGateways(cfg, gateways.NewBreaker(3, time.Second))
	assert.Error(t, err, "default gateway without credentials")
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://escrowd:hunter2@db:5432/escrowd?sslmode=disable")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/escrowd")
	assert.Equal(t, "***", maskDSN("://bad"))
}

// ---------------------------------------------------------------------------
// End-to-end flow
// ---------------------------------------------------------------------------

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do(t, http.MethodPost, "/v1/escrow/initiate", "usr_buyer", map[string]any{
		"counterpartyId": "usr_seller",
		"role":           "buyer",
		"amount":         "25000",
		"currency":       "NGN",
		"description":    "Laptop",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	escrowID := decode(t, w)["escrow"].(map[string]any)["id"].(string)

	w = env.do(t, http.MethodPost, "/v1/payments/initialize", "usr_buyer", map[string]any{"escrowId": escrowID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reference := decode(t, w)["reference"].(string)

	env.sandbox.MarkPaid(reference)
	body := []byte(fmt.Sprintf(`{"id":"evt_1","event":"charge.success","reference":%q}`, reference))
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sandbox", bytes.NewReader(body))
	req.Header.Set("x-sandbox-signature", env.sandbox.Sign(body))
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "paid", escrowState(t, env.do(t, http.MethodGet, "/v1/escrow/"+escrowID, "usr_seller", nil)))

	w = env.do(t, http.MethodPut, "/v1/me/payout-account", "usr_seller", map[string]any{
		"accountName":   "Seller Ltd",
		"bankCode":      "058",
		"accountNumber": "0123456789",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "delivered", escrowState(t, env.do(t, http.MethodPost, "/v1/escrow/"+escrowID+"/delivered", "usr_seller", nil)))
	assert.Equal(t, "received", escrowState(t, env.do(t, http.MethodPost, "/v1/escrow/"+escrowID+"/received", "usr_buyer", nil)))

	// Only an admin can release
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/v1/admin/release/"+escrowID, "usr_buyer", nil).Code)
	assert.Equal(t, "released", escrowState(t, env.do(t, http.MethodPost, "/v1/admin/release/"+escrowID, "usr_admin", nil)))

	_, err := env.srv.runner.Drain(ctx)
	require.NoError(t, err)

	w = env.do(t, http.MethodGet, "/v1/escrow/"+escrowID+"/transactions", "usr_buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var types []string
	for _, tx := range decode(t, w)["transactions"].([]any) {
		types = append(types, tx.(map[string]any)["type"].(string))
	}
	assert.ElementsMatch(t, []string{"payment", "payout"}, types)
	assert.Equal(t, 1, env.sandbox.MoneyMoved(escrowID+":seller"))

	// Replayed webhook is acknowledged without a second ledger row
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/sandbox", bytes.NewReader(body))
	req.Header.Set("x-sandbox-signature", env.sandbox.Sign(body))
	env.srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	txs, err := env.mem.ListLedgerByEscrow(ctx, escrowID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.RunMode = "worker"
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStore(store.NewMemory()),
		WithGateways(gateways.NewRegistry(gateways.Sandbox, gateways.NewSandbox("x"))),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.ready.Load() && s.runner.Running() }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.runner.Running())
	assert.False(t, s.healthy.Load())
	assert.NoError(t, s.Shutdown(), "second shutdown is a no-op")
}
