package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/health"
	"github.com/wudi/edgegate/internal/middleware/auth"
	"github.com/wudi/edgegate/internal/middleware/ratelimit"
	"github.com/wudi/edgegate/internal/pipeline"
)

// stubValidator accepts the single token "good".
type stubValidator struct{}

func (stubValidator) Validate(_ context.Context, token string) (*pipeline.Identity, error) {
	if token != "good" {
		return nil, stderrors.New("token rejected")
	}
	return pipeline.NewIdentity("user-1", "alice", "alice@example.com", []string{"admin"}, time.Now().Add(time.Hour)), nil
}

func testConfig(backendURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTest
	cfg.Admin.Enabled = false
	cfg.RateLimit.Store = config.StoreMemory
	cfg.Auth.AuthorizeURL = cfg.Auth.Issuer + "/protocol/openid-connect/auth"
	cfg.Auth.LogoutURL = cfg.Auth.Issuer + "/protocol/openid-connect/logout"
	cfg.Routes = []config.RouteConfig{
		{
			Name:            "opera-service",
			Prefix:          "/opera",
			Target:          backendURL,
			Rewrite:         config.RewriteConfig{Pattern: "^/opera", Replacement: "/api"},
			Timeout:         5 * time.Second,
			FallbackMessage: "Opera Service is currently unavailable",
		},
	}
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	gw, err := New(cfg,
		WithLogger(zap.New(core)),
		WithTokenValidator(stubValidator{}),
		WithStore(ratelimit.NewMemoryStore(1000)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw, logs
}

func serve(gw *Gateway, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rec.Body.String())
	}
	return body
}

func TestGatewayStages(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Validation = []config.ValidationRule{{Path: "/api/v1/auth/recover", Schema: `{"type":"object"}`}}
	gw, _ := newTestGateway(t, cfg)

	want := []string{"body_limit", "security_headers", "cors", "sanitize", "validation", "auth", "ratelimit", "dispatch"}
	if got := gw.Stages(); !reflect.DeepEqual(got, want) {
		t.Errorf("Stages() = %v, want %v", got, want)
	}

	cfg = testConfig("http://127.0.0.1:1")
	cfg.Auth.Enabled = false
	cfg.RateLimit.Enabled = false
	cfg.Sanitize.Enabled = false
	gw, _ = newTestGateway(t, cfg)

	want = []string{"body_limit", "security_headers", "cors", "dispatch"}
	if got := gw.Stages(); !reflect.DeepEqual(got, want) {
		t.Errorf("Stages() = %v, want %v", got, want)
	}
}

func TestGatewayNotFound(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig("http://127.0.0.1:1"))

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/public/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	// Protected paths are authenticated before dispatch.
	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for protected unmatched path, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec = serve(gw, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id on 404")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected security headers on 404")
	}
	if rec.Header().Get("X-Response-Time") == "" {
		t.Error("expected X-Response-Time on 404")
	}
	body := decode(t, rec)
	if body["success"] != false || body["message"] != "Resource not found" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestGatewayCORS(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig("http://127.0.0.1:1"))

	req := httptest.NewRequest(http.MethodOptions, "/opera/orders", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(gw, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty preflight body, got %q", rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("unexpected allow origin: %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if rec.Header().Get("Access-Control-Max-Age") != "600" {
		t.Errorf("unexpected max age: %q", rec.Header().Get("Access-Control-Max-Age"))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/public", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = serve(gw, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}
	if msg := decode(t, rec)["message"]; msg != "Origin not allowed by CORS policy" {
		t.Errorf("unexpected message: %v", msg)
	}
}

func TestGatewayForwarding(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"orders":[],"token":"secret"}`))
	}))
	defer backend.Close()

	gw, logs := newTestGateway(t, testConfig(backend.URL))

	req := httptest.NewRequest(http.MethodGet, "/opera/orders?page=2", nil)
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("X-User-Id", "spoofed")
	rec := serve(gw, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got == nil {
		t.Fatal("backend was not called")
	}
	if got.URL.Path != "/api/orders" || got.URL.RawQuery != "page=2" {
		t.Errorf("unexpected upstream URL: %s", got.URL)
	}
	if got.Header.Get("X-User-Id") != "user-1" {
		t.Errorf("expected identity header user-1, got %q", got.Header.Get("X-User-Id"))
	}
	if got.Header.Get("Authorization") != "" {
		t.Error("Authorization must not be forwarded")
	}
	if got.Header.Get("X-Request-Id") != rec.Header().Get("X-Request-Id") {
		t.Error("expected request id to be propagated upstream")
	}
	if rec.Header().Get("RateLimit-Limit") == "" {
		t.Error("expected rate limit headers")
	}

	n := testutil.ToFloat64(gw.Metrics().RequestsTotal().WithLabelValues("GET", "opera-service", "200", "2xx"))
	if n != 1 {
		t.Errorf("expected 1 request recorded for opera-service, got %v", n)
	}

	done := logs.FilterMessage("Request completed").All()
	if len(done) != 1 {
		t.Fatalf("expected 1 completion record, got %d", len(done))
	}
	fields := done[0].ContextMap()
	if fields["route"] != "opera-service" || fields["subject"] != "user-1" {
		t.Errorf("unexpected completion fields: %v", fields)
	}
	if !strings.Contains(marshal(t, fields["body"]), "***REDACTED***") {
		t.Errorf("expected response body redacted, got %v", fields["body"])
	}
}

func TestGatewayUpstreamRefused(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig("http://127.0.0.1:1"))

	req := httptest.NewRequest(http.MethodGet, "/opera/orders", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := serve(gw, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["message"] != "Opera Service is currently unavailable" {
		t.Errorf("unexpected message: %v", body["message"])
	}
	errs, _ := body["errors"].(map[string]any)
	if errs["service"] != "opera-service" {
		t.Errorf("expected service opera-service, got %v", body["errors"])
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id on upstream failure")
	}
}

func TestGatewayRateLimit(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.RateLimit.Tiers = []config.TierConfig{{
		Name:    "public",
		Limit:   2,
		Window:  time.Minute,
		Key:     config.KeyIPSubject,
		Message: "Too many requests, please try again later.",
	}}
	gw, _ := newTestGateway(t, cfg)

	for i := 0; i < 2; i++ {
		rec := serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/public", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/public", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on 429")
	}
	if msg := decode(t, rec)["message"]; msg != "Too many requests, please try again later." {
		t.Errorf("unexpected message: %v", msg)
	}
}

func TestGatewayHealth(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()
	gw, logs := newTestGateway(t, testConfig(backend.URL))

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	data, _ := body["data"].(map[string]any)
	if body["message"] != "Service is healthy" || data["status"] != "UP" || data["environment"] != config.ModeTest {
		t.Errorf("unexpected health body: %v", body)
	}
	if logs.FilterField(zap.String("path", "/health")).Len() != 0 {
		t.Error("health checks must not be audited")
	}

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "live" {
		t.Errorf("unexpected liveness: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ready" {
		t.Errorf("unexpected readiness: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/health?detailed=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy detailed check, got %d: %s", rec.Code, rec.Body.String())
	}
	data, _ = decode(t, rec)["data"].(map[string]any)
	checks, _ := data["checks"].(map[string]any)
	if _, ok := checks["opera-service"]; !ok {
		t.Errorf("expected backend check in detailed report, got %v", checks)
	}

	gw.Health().Register(health.Check{Name: "redis", Required: true, Fn: func(context.Context) error {
		return stderrors.New("connection refused")
	}})

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/health?detailed=true", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when degraded, got %d", rec.Code)
	}
	body = decode(t, rec)
	data, _ = body["data"].(map[string]any)
	if body["success"] != false || data["status"] != "error" {
		t.Errorf("unexpected degraded body: %v", body)
	}

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable || decode(t, rec)["status"] != "not_ready" {
		t.Errorf("unexpected readiness: %d %s", rec.Code, rec.Body.String())
	}
}

func TestGatewayPublicAndMe(t *testing.T) {
	gw, _ := newTestGateway(t, testConfig("http://127.0.0.1:1"))

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/public", nil))
	data, _ := decode(t, rec)["data"].(map[string]any)
	if rec.Code != http.StatusOK || data["message"] != "Public API endpoint" {
		t.Errorf("unexpected public response: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer") {
		t.Errorf("expected WWW-Authenticate, got %q", rec.Header().Get("WWW-Authenticate"))
	}
	if rec.Header().Get("Cache-Control") == "" {
		t.Error("expected no-store headers on /api/v1/me")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec = serve(gw, req)
	data, _ = decode(t, rec)["data"].(map[string]any)
	if rec.Code != http.StatusOK || data["sub"] != "user-1" || data["email"] != "alice@example.com" {
		t.Errorf("unexpected me response: %d %s", rec.Code, rec.Body.String())
	}

	n := testutil.ToFloat64(gw.Metrics().RequestsTotal().WithLabelValues("GET", "/api/v1/me", "200", "2xx"))
	if n != 1 {
		t.Errorf("expected local endpoint label, got %v", n)
	}
}

func TestGatewayAuthHelpers(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Server.AppURL = "https://gateway.example.com/"
	gw, _ := newTestGateway(t, cfg)

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/auth/login", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(loc.Path, "/protocol/openid-connect/auth") {
		t.Errorf("unexpected authorize path: %s", loc.Path)
	}
	q := loc.Query()
	if q.Get("client_id") != cfg.Auth.ClientID ||
		q.Get("redirect_uri") != "https://gateway.example.com/api/v1/auth/callback" ||
		q.Get("response_type") != "code" {
		t.Errorf("unexpected authorize query: %v", q)
	}

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/auth/logout", nil))
	loc, _ = url.Parse(rec.Header().Get("Location"))
	if rec.Code != http.StatusFound || loc.Query().Get("redirect_uri") != "https://gateway.example.com" {
		t.Errorf("unexpected logout redirect: %d %s", rec.Code, rec.Header().Get("Location"))
	}

	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/auth/callback", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Errorf("unexpected callback redirect: %d %s", rec.Code, rec.Header().Get("Location"))
	}

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"no token", "", false},
		{"bad token", "Bearer nope", false},
		{"good token", "Bearer good", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(gw, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if got := decode(t, rec)["authenticated"]; got != tt.want {
				t.Errorf("authenticated = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGatewayAuthDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Auth.Enabled = false
	gw, err := New(cfg, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close()

	rec := serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	if decode(t, rec)["authenticated"] != false {
		t.Errorf("expected unauthenticated, got %s", rec.Body.String())
	}
	rec = serve(gw, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", rec.Code)
	}
}

func TestGatewayAuthDisabledDropsIdentityHeaders(t *testing.T) {
	seen := make(chan http.Header, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
	}))
	defer backend.Close()

	cfg := testConfig(backend.URL)
	cfg.Auth.Enabled = false
	gw, _ := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/opera/orders", nil)
	req.Header.Set("X-User-Id", "admin")
	req.Header.Set("X-User-Roles", "admin")
	rec := serve(gw, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	h := <-seen
	if h.Get("X-User-Id") != "" || h.Get("X-User-Roles") != "" {
		t.Errorf("client identity headers reached the backend: %v", h)
	}
}

func TestGatewayRejectsShadowedRoutes(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Routes = append([]config.RouteConfig{{
		Name:   "everything",
		Prefix: "/",
		Target: "http://127.0.0.1:2",
	}}, cfg.Routes...)

	if _, err := New(cfg, WithLogger(zap.NewNop())); err == nil {
		t.Fatal("expected shadowed route to be rejected")
	}
}

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"http://opera:8081", "opera:8081"},
		{"http://opera", "opera:80"},
		{"https://opera", "opera:443"},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.raw)
		if got := targetAddress(u); got != tt.want {
			t.Errorf("targetAddress(%s) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func marshal(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

var _ auth.TokenValidator = stubValidator{}
