package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/fastproxy/fastproxy/internal/config"
	"github.com/fastproxy/fastproxy/internal/domain/audit"
	"github.com/fastproxy/fastproxy/internal/domain/auth"
	"github.com/fastproxy/fastproxy/internal/domain/ratelimit"
	"github.com/fastproxy/fastproxy/internal/domain/route"
	"github.com/fastproxy/fastproxy/internal/service"
)

// memKeyStore is an in-memory auth.KeyStore for handler tests.
type memKeyStore struct {
	keys map[string]*auth.Key
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: make(map[string]*auth.Key)}
}

func (s *memKeyStore) CreateKey(_ context.Context, key *auth.Key) error {
	s.keys[key.ID] = key
	return nil
}

func (s *memKeyStore) GetKeyByHash(_ context.Context, hash string) (*auth.Key, error) {
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, auth.ErrKeyNotFound
}

func (s *memKeyStore) ListKeys(_ context.Context) ([]*auth.Key, error) {
	out := make([]*auth.Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memKeyStore) RevokeKey(_ context.Context, id string) error {
	k, ok := s.keys[id]
	if !ok {
		return auth.ErrKeyNotFound
	}
	k.Active = false
	return nil
}

func (s *memKeyStore) DeleteKey(_ context.Context, id string) error {
	if _, ok := s.keys[id]; !ok {
		return auth.ErrKeyNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *memKeyStore) TouchKey(_ context.Context, id string, usedAt time.Time) error {
	if k, ok := s.keys[id]; ok {
		k.LastUsedAt = &usedAt
	}
	return nil
}

// memAuditStore records appends and serves canned query results. The audit
// worker flushes from its own goroutine, so access is locked.
type memAuditStore struct {
	mu       sync.Mutex
	appended []audit.Event
	canned   []audit.Event
}

func (s *memAuditStore) Append(_ context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, events...)
	return nil
}

func (s *memAuditStore) Query(_ context.Context, filter audit.Filter) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canned, nil
}

func (s *memAuditStore) Stats(_ context.Context, since time.Time) (*audit.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &audit.Statistics{Total: int64(len(s.canned)), WindowStart: since}, nil
}

func (s *memAuditStore) Close() error { return nil }

func (s *memAuditStore) setCanned(events []audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canned = events
}

func (s *memAuditStore) flushed() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.appended))
	copy(out, s.appended)
	return out
}

type allowAllValidator struct{}

func (allowAllValidator) Validate(context.Context, string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("93.184.216.34")}, nil
}

// denyAllValidator rejects every upstream, naming the target in the error
// the way the real validator does.
type denyAllValidator struct{}

func (denyAllValidator) Validate(_ context.Context, rawURL string) ([]net.IP, error) {
	return nil, fmt.Errorf("upstream %s resolves to a blocked address", rawURL)
}

type fixture struct {
	handler  http.Handler
	keys     *memKeyStore
	audit    *memAuditStore
	limiter  *ratelimit.Limiter
	issuer   *auth.TokenIssuer
	password string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithValidator(t, allowAllValidator{})
}

func newFixtureWithValidator(t *testing.T, reloadValidator service.UpstreamValidator) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	creds, err := auth.NewCredentials("admin", "correct-horse")
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	issuer, err := auth.NewTokenIssuer("test-signing-key-of-sufficient-length")
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	keys := newMemKeyStore()
	auditStore := &memAuditStore{}
	auditSvc := service.NewAuditService(auditStore, logger,
		service.WithFlushInterval(5*time.Millisecond))
	auditSvc.Start()
	t.Cleanup(func() { _ = auditSvc.Stop() })

	cfg := &config.Config{
		Routes: []config.RouteConfig{{Path: "/api", Target: "http://upstream.internal"}},
	}
	cfg.SetDefaults()

	snapshot, err := service.BuildSnapshot(context.Background(), cfg, allowAllValidator{})
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	table := route.NewTable(snapshot)
	limiter := ratelimit.NewLimiter(time.Minute, 1000)

	h := NewHandler(
		WithCredentials(creds),
		WithTokenIssuer(issuer),
		WithKeyStore(keys),
		WithAuditService(auditSvc),
		WithReloadService(service.NewReloadService(table, reloadValidator, cfg, logger)),
		WithRouteTable(table),
		WithRateLimiter(limiter),
		WithAdminRateLimiter(ratelimit.NewAdminLimiter(5, 5*time.Minute, 10*time.Minute)),
		WithBuildInfo(&BuildInfo{Version: "test"}),
		WithLogger(logger),
	)
	return &fixture{
		handler:  h.Routes(),
		keys:     keys,
		audit:    auditStore,
		limiter:  limiter,
		issuer:   issuer,
		password: "correct-horse",
	}
}

func (f *fixture) do(t *testing.T, method, target string, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "198.51.100.7:41000"
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) withAccessToken(t *testing.T) func(*http.Request) {
	t.Helper()
	pair, err := f.issuer.IssuePair("admin", time.Now())
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}
}

// waitForAction blocks until the audit worker flushes an admin event with
// the given action, or fails the test.
func (f *fixture) waitForAction(t *testing.T, action string) audit.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range f.audit.flushed() {
			if e.Kind == audit.KindAdminAction && e.Action == action {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q audit event flushed", action)
	return audit.Event{}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestLogin_IssuesTokenPair(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/auth/login", "", func(r *http.Request) {
		r.SetBasicAuth("admin", f.password)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["access_token"] == nil || body["refresh_token"] == nil {
		t.Fatalf("missing tokens in %v", body)
	}
	if int(body["expires_in"].(float64)) != int(auth.AccessTokenTTL.Seconds()) {
		t.Errorf("expires_in = %v", body["expires_in"])
	}
}

func TestLogin_RejectsBadCredentials(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/auth/login", "", func(r *http.Request) {
		r.SetBasicAuth("admin", "wrong")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLogin_BlockedAfterRepeatedAttempts(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		rec := f.do(t, http.MethodPost, "/auth/login", "", func(r *http.Request) {
			r.SetBasicAuth("admin", "wrong")
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, rec.Code)
		}
	}

	// Sixth attempt hits the admin limiter, even with good credentials.
	rec := f.do(t, http.MethodPost, "/auth/login", "", func(r *http.Request) {
		r.SetBasicAuth("admin", f.password)
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}

	// The limiter keys on (ip, operation); read endpoints still work.
	pair, _ := f.issuer.IssuePair("admin", time.Now())
	rec = f.do(t, http.MethodGet, "/admin/routes", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("routes status = %d, want 200", rec.Code)
	}
}

func TestRefresh_RotatesPair(t *testing.T) {
	f := newFixture(t)
	pair, err := f.issuer.IssuePair("admin", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/auth/refresh", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Access tokens cannot refresh.
	rec = f.do(t, http.MethodPost, "/auth/refresh", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("access-token refresh status = %d, want 401", rec.Code)
	}
}

func TestRequireAuth_AllSchemes(t *testing.T) {
	f := newFixture(t)

	// No credentials.
	rec := f.do(t, http.MethodGet, "/admin/routes", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}

	// Basic.
	rec = f.do(t, http.MethodGet, "/admin/routes", "", func(r *http.Request) {
		r.SetBasicAuth("admin", f.password)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("basic status = %d, want 200", rec.Code)
	}

	// Bearer access token.
	rec = f.do(t, http.MethodGet, "/admin/routes", "", f.withAccessToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer status = %d, want 200", rec.Code)
	}

	// API key.
	cleartext, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key, err := auth.NewKey("ci", cleartext)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if err := f.keys.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	rec = f.do(t, http.MethodGet, "/admin/routes", "", func(r *http.Request) {
		r.Header.Set("X-API-Key", cleartext)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("api key status = %d, want 200", rec.Code)
	}
	if f.keys.keys[key.ID].LastUsedAt == nil {
		t.Error("successful key auth did not stamp last_used_at")
	}

	// Revoked key fails like an unknown one.
	f.keys.keys[key.ID].Active = false
	rec = f.do(t, http.MethodGet, "/admin/routes", "", func(r *http.Request) {
		r.Header.Set("X-API-Key", cleartext)
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key status = %d, want 401", rec.Code)
	}
}

func TestKeyLifecycle(t *testing.T) {
	f := newFixture(t)
	authz := f.withAccessToken(t)

	rec := f.do(t, http.MethodPost, "/auth/keys", `{"name":"deploy-bot"}`, authz)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	cleartext, _ := created["key"].(string)
	id, _ := created["id"].(string)
	if !strings.HasPrefix(cleartext, auth.KeyPrefix) {
		t.Fatalf("cleartext %q missing prefix", cleartext)
	}
	if created["prefix"] != cleartext[:11] {
		t.Errorf("prefix = %v", created["prefix"])
	}

	rec = f.do(t, http.MethodGet, "/auth/keys", "", authz)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed []map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d keys, want 1", len(listed))
	}
	for _, field := range []string{"key", "hash"} {
		if _, present := listed[0][field]; present {
			t.Errorf("list response leaks %q", field)
		}
	}

	rec = f.do(t, http.MethodPost, "/auth/keys/"+id+"/revoke", "", authz)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", rec.Code)
	}
	if f.keys.keys[id].Active {
		t.Error("key still active after revoke")
	}

	rec = f.do(t, http.MethodDelete, "/auth/keys/"+id, "", authz)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/auth/keys/"+id, "", authz)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestCreateKey_RequiresName(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/auth/keys", `{}`, f.withAccessToken(t))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminRoutesAndConfig(t *testing.T) {
	f := newFixture(t)
	authz := f.withAccessToken(t)

	rec := f.do(t, http.MethodGet, "/admin/routes", "", authz)
	body := decodeBody(t, rec)
	if int(body["count"].(float64)) != 1 {
		t.Fatalf("count = %v, want 1", body["count"])
	}

	rec = f.do(t, http.MethodGet, "/admin/config", "", authz)
	if rec.Code != http.StatusOK {
		t.Fatalf("config status = %d", rec.Code)
	}
	cfgBody := decodeBody(t, rec)
	rl := cfgBody["rate_limit"].(map[string]interface{})
	if int(rl["requests_per_minute"].(float64)) != 100 {
		t.Errorf("requests_per_minute = %v", rl["requests_per_minute"])
	}

	rec = f.do(t, http.MethodGet, "/admin/status", "", authz)
	statusBody := decodeBody(t, rec)
	if statusBody["version"] != "test" {
		t.Errorf("version = %v", statusBody["version"])
	}
	if _, ok := statusBody["audit"]; !ok {
		t.Error("status missing audit figures")
	}
}

func TestRateLimitEndpoints(t *testing.T) {
	f := newFixture(t)
	authz := f.withAccessToken(t)

	now := time.Now()
	f.limiter.Allow("203.0.113.9", 100, now)
	f.limiter.Allow("203.0.113.9", 100, now)

	rec := f.do(t, http.MethodGet, "/admin/ratelimit/stats/203.0.113.9", "", authz)
	body := decodeBody(t, rec)
	if int(body["count"].(float64)) != 2 {
		t.Fatalf("count = %v, want 2", body["count"])
	}

	rec = f.do(t, http.MethodPost, "/admin/ratelimit/clear/203.0.113.9", "", authz)
	body = decodeBody(t, rec)
	if body["cleared"] != true {
		t.Fatalf("cleared = %v, want true", body["cleared"])
	}

	// Non-IP path segments are rejected before touching limiter state.
	rec = f.do(t, http.MethodGet, "/admin/ratelimit/stats/not-an-ip", "", authz)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/admin/ratelimit/clear/not-an-ip", "", authz)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAuditLogs_ParamValidation(t *testing.T) {
	f := newFixture(t)
	authz := f.withAccessToken(t)

	bad := []string{
		"/audit/logs?limit=0",
		"/audit/logs?limit=abc",
		"/audit/logs?offset=-1",
		"/audit/logs?kind=bogus",
		"/audit/logs?client_ip=not-an-ip",
		"/audit/logs?since=yesterday",
		"/audit/logs?until=tomorrow",
	}
	for _, target := range bad {
		rec := f.do(t, http.MethodGet, target, "", authz)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}

	f.audit.setCanned([]audit.Event{
		audit.NewRequestEvent("203.0.113.9", "GET", "/api/x", "", 200, 5*time.Millisecond),
	})
	rec := f.do(t, http.MethodGet, "/audit/logs?kind=request&client_ip=203.0.113.9&limit=50", "", authz)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if int(body["count"].(float64)) != 1 {
		t.Errorf("count = %v", body["count"])
	}
}

func TestAuditStats_DefaultsWindow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/audit/stats", "", f.withAccessToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/audit/stats?since=bogus", "", f.withAccessToken(t))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/routes", "", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("X-Content-Type-Options missing")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("X-Frame-Options missing")
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("Content-Security-Policy missing")
	}
}

func TestErrKeyNotFoundMapping(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/auth/keys/doesnotexist/revoke", "", f.withAccessToken(t))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReload_RejectedConfigKeepsDetailOutOfResponse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastproxy.yaml")
	doc := "routes:\n  - path: /internal\n    target: http://169.254.169.254/latest\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Reset()
	t.Cleanup(viper.Reset)
	config.InitViper(path)

	f := newFixtureWithValidator(t, denyAllValidator{})

	rec := f.do(t, http.MethodPost, "/admin/reload", "", f.withAccessToken(t))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: %s", rec.Code, rec.Body.String())
	}
	raw := rec.Body.String()
	if strings.Contains(raw, "169.254.169.254") {
		t.Fatalf("response leaks the rejected target: %s", raw)
	}
	body := decodeBody(t, rec)
	if body["error"] != "configuration rejected" {
		t.Fatalf("error = %v, want generic message", body["error"])
	}

	// The full reason still lands in the audit trail.
	e := f.waitForAction(t, "reload_failed")
	if !strings.Contains(e.Details, "169.254.169.254") {
		t.Fatalf("audit details = %q, want the rejected target", e.Details)
	}
}

func TestRequireAuth_RepeatedFailuresThrottled(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		rec := f.do(t, http.MethodGet, "/admin/routes", "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, rec.Code)
		}
	}

	rec := f.do(t, http.MethodGet, "/admin/routes", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}

	// Successful auth never burns budget, so a real caller still gets in.
	rec = f.do(t, http.MethodGet, "/admin/routes", "", f.withAccessToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}
}

func TestReadEndpoints_RecordAdminActions(t *testing.T) {
	f := newFixture(t)
	authz := f.withAccessToken(t)

	rec := f.do(t, http.MethodGet, "/admin/routes", "", authz)
	if rec.Code != http.StatusOK {
		t.Fatalf("routes status = %d", rec.Code)
	}
	e := f.waitForAction(t, "routes_view")
	if e.Details != "by=admin" {
		t.Errorf("details = %q, want by=admin", e.Details)
	}
	if e.ClientIP != "198.51.100.7" {
		t.Errorf("client_ip = %q", e.ClientIP)
	}

	rec = f.do(t, http.MethodGet, "/audit/stats", "", authz)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	f.waitForAction(t, "audit_stats")
}
