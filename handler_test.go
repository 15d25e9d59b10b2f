package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/idp-engine/internal/testutil"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/server"
)

const (
	testIssuer   = "http://localhost:5000"
	aliceSubject = "818727"
)

// writeUsers writes a users file with alice, whose password is "alice".
func writeUsers(t *testing.T, dir string) string {
	t.Helper()
	hash, err := security.SHA256Hasher{}.Hash("alice")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	data, err := yaml.Marshal(map[string]any{
		"users": []map[string]any{{
			"subject_id":    aliceSubject,
			"username":      "alice",
			"password_hash": hash,
			"claims": map[string]any{
				"name":     "Alice Smith",
				"email":    "AliceSmith@email.com",
				"location": "somewhere",
			},
		}},
	})
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	path := filepath.Join(dir, "users.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Issuer:   testIssuer,
		Registry: filepath.Join("registry", "testdata", "idp.yaml"),
		Users:    writeUsers(t, t.TempDir()),
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *bytes.Buffer) {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	logBuf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	engine, err := NewEngine(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine, logBuf
}

// signedInAs resolves every authorization request to subject, approving
// the given scopes.
func signedInAs(subject string, consented ...string) SubjectResolver {
	return SubjectResolverFunc(func(*http.Request, *registry.Client) (Subject, error) {
		return Subject{ID: subject, AuthTime: time.Now(), ConsentedScopes: consented}, nil
	})
}

func newTestHandler(t *testing.T, opts HandlerOptions, mutate ...func(*Config)) (http.Handler, *Engine) {
	t.Helper()
	engine, _ := newTestEngine(t, mutate...)
	return NewHandler(engine, opts), engine
}

func postForm(h http.Handler, path string, form url.Values, basicUser, basicPass string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(url.QueryEscape(basicUser), url.QueryEscape(basicPass))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("json.Unmarshal(%s) error = %v", rec.Body.String(), err)
	}
	return v
}

func wantOAuthError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	resp := decodeJSON[ErrorResponse](t, rec)
	if resp.Error != code {
		t.Errorf("error = %q, want %q", resp.Error, code)
	}
}

// authorizeMVC runs a code flow for alice and returns the redirect.
func authorizeMVC(t *testing.T, h http.Handler, scope string) *url.URL {
	t.Helper()
	q := url.Values{
		"client_id":     {"mvc client"},
		"redirect_uri":  {testutil.MVCRedirect},
		"response_type": {"code"},
		"scope":         {scope},
		"state":         {"af0ifjsldkj"},
	}
	rec := get(h, PathAuthorize+"?"+q.Encode())
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	return loc
}

func mvcTokens(t *testing.T, h http.Handler, scope string) server.TokenResponse {
	t.Helper()
	code := authorizeMVC(t, h, scope).Query().Get("code")
	rec := postForm(h, PathToken, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testutil.MVCRedirect},
	}, "mvc client", testutil.MVCSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d (body %s)", rec.Code, rec.Body.String())
	}
	return decodeJSON[server.TokenResponse](t, rec)
}

func TestHandler_Discovery(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})

	rec := get(h, PathDiscovery)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	doc := decodeJSON[DiscoveryDocument](t, rec)
	if doc.Issuer != testIssuer {
		t.Errorf("issuer = %q, want %q", doc.Issuer, testIssuer)
	}
	if doc.TokenEndpoint != testIssuer+PathToken || doc.JWKSURI != testIssuer+PathJWKS {
		t.Errorf("endpoints = %q, %q", doc.TokenEndpoint, doc.JWKSURI)
	}
	for _, scope := range []string{"openid", "profile", "api1", "api2", "offline_access"} {
		if !slices.Contains(doc.ScopesSupported, scope) {
			t.Errorf("scopes_supported %v missing %q", doc.ScopesSupported, scope)
		}
	}
	if !slices.Contains(doc.ClaimsSupported, "location") {
		t.Errorf("claims_supported %v missing location", doc.ClaimsSupported)
	}
	if diff := cmp.Diff([]string{"RS256"}, doc.IDTokenSigningAlgValuesSupported); diff != "" {
		t.Errorf("algorithms mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_JWKS(t *testing.T) {
	h, engine := newTestHandler(t, HandlerOptions{})

	rec := get(h, PathJWKS)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	set := decodeJSON[jose.JSONWebKeySet](t, rec)
	if len(set.Keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(set.Keys))
	}
	key := set.Keys[0]
	if key.KeyID != engine.Keys.KeyID() || !key.IsPublic() {
		t.Errorf("got kid %q public %v", key.KeyID, key.IsPublic())
	}
}

func TestHandler_ClientCredentials(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})

	tests := []struct {
		name      string
		form      url.Values
		basicUser string
		basicPass string
	}{
		{
			name:      "basic auth",
			form:      url.Values{"grant_type": {"client_credentials"}, "scope": {"api1"}},
			basicUser: "console client",
			basicPass: testutil.ConsoleSecret,
		},
		{
			name: "form post",
			form: url.Values{
				"grant_type":    {"client_credentials"},
				"scope":         {"api1"},
				"client_id":     {"console client"},
				"client_secret": {testutil.ConsoleSecret},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postForm(h, PathToken, tt.form, tt.basicUser, tt.basicPass)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", rec.Header().Get("Cache-Control"))
			}
			resp := decodeJSON[server.TokenResponse](t, rec)
			if resp.AccessToken == "" || resp.TokenType != "Bearer" || resp.Scope != "api1" {
				t.Errorf("unexpected response %+v", resp)
			}
			if resp.IDToken != "" || resp.RefreshToken != "" {
				t.Error("client credentials must not yield id or refresh tokens")
			}
		})
	}
}

func TestHandler_TokenErrors(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})

	tests := []struct {
		name       string
		form       url.Values
		basicUser  string
		basicPass  string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "wrong secret",
			form:       url.Values{"grant_type": {"client_credentials"}},
			basicUser:  "console client",
			basicPass:  "wrong",
			wantStatus: http.StatusUnauthorized,
			wantCode:   server.CodeInvalidClient,
		},
		{
			name:       "unsupported grant",
			form:       url.Values{"grant_type": {"urn:ietf:params:oauth:grant-type:device_code"}},
			basicUser:  "console client",
			basicPass:  testutil.ConsoleSecret,
			wantStatus: http.StatusBadRequest,
			wantCode:   server.CodeUnsupportedGrantType,
		},
		{
			name:       "identity scope for machine client",
			form:       url.Values{"grant_type": {"client_credentials"}, "scope": {"openid"}},
			basicUser:  "console client",
			basicPass:  testutil.ConsoleSecret,
			wantStatus: http.StatusBadRequest,
			wantCode:   server.CodeInvalidScope,
		},
		{
			name: "two authentication methods",
			form: url.Values{
				"grant_type":    {"client_credentials"},
				"client_secret": {testutil.ConsoleSecret},
			},
			basicUser:  "console client",
			basicPass:  testutil.ConsoleSecret,
			wantStatus: http.StatusBadRequest,
			wantCode:   server.CodeInvalidRequest,
		},
		{
			name:       "forged code",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"forged"}, "redirect_uri": {testutil.MVCRedirect}},
			basicUser:  "mvc client",
			basicPass:  testutil.MVCSecret,
			wantStatus: http.StatusBadRequest,
			wantCode:   server.CodeInvalidGrant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postForm(h, PathToken, tt.form, tt.basicUser, tt.basicPass)
			wantOAuthError(t, rec, tt.wantStatus, tt.wantCode)
			if tt.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 responses must carry WWW-Authenticate")
			}
		})
	}
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{SubjectResolver: signedInAs(aliceSubject)})

	loc := authorizeMVC(t, h, "openid api1 offline_access")
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testutil.MVCRedirect {
		t.Errorf("redirected to %q, want %q", got, testutil.MVCRedirect)
	}
	if loc.Fragment != "" {
		t.Errorf("code responses use the query, got fragment %q", loc.Fragment)
	}
	if loc.Query().Get("state") != "af0ifjsldkj" {
		t.Errorf("state = %q", loc.Query().Get("state"))
	}

	code := loc.Query().Get("code")
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testutil.MVCRedirect},
	}
	rec := postForm(h, PathToken, form, "mvc client", testutil.MVCSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d (body %s)", rec.Code, rec.Body.String())
	}
	tokens := decodeJSON[server.TokenResponse](t, rec)
	if tokens.IDToken == "" || tokens.RefreshToken == "" || tokens.ExpiresIn != 60 {
		t.Errorf("unexpected token response %+v", tokens)
	}

	// replay
	rec = postForm(h, PathToken, form, "mvc client", testutil.MVCSecret)
	wantOAuthError(t, rec, http.StatusBadRequest, server.CodeInvalidGrant)

	rec = postForm(h, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}, "mvc client", testutil.MVCSecret)
	wantOAuthError(t, rec, http.StatusBadRequest, server.CodeInvalidGrant)
}

func TestHandler_AuthorizeErrors(t *testing.T) {
	tests := []struct {
		name         string
		resolver     SubjectResolver
		query        url.Values
		wantStatus   int
		wantRedirect string
		wantCode     string
	}{
		{
			name:     "unknown client",
			resolver: signedInAs(aliceSubject),
			query: url.Values{
				"client_id":     {"ghost"},
				"redirect_uri":  {testutil.MVCRedirect},
				"response_type": {"code"},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   server.CodeUnauthorizedClient,
		},
		{
			name:     "unregistered redirect",
			resolver: signedInAs(aliceSubject),
			query: url.Values{
				"client_id":     {"mvc client"},
				"redirect_uri":  {"https://evil.example.com/cb"},
				"response_type": {"code"},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   server.CodeInvalidRequest,
		},
		{
			name: "nobody signed in",
			query: url.Values{
				"client_id":     {"mvc client"},
				"redirect_uri":  {testutil.MVCRedirect},
				"response_type": {"code"},
				"scope":         {"openid"},
			},
			wantStatus:   http.StatusFound,
			wantRedirect: testutil.MVCRedirect + "?",
			wantCode:     server.CodeLoginRequired,
		},
		{
			name: "resolver failure",
			resolver: SubjectResolverFunc(func(*http.Request, *registry.Client) (Subject, error) {
				return Subject{}, io.ErrUnexpectedEOF
			}),
			query: url.Values{
				"client_id":     {"mvc client"},
				"redirect_uri":  {testutil.MVCRedirect},
				"response_type": {"code"},
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrorCodeServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, HandlerOptions{SubjectResolver: tt.resolver})
			rec := get(h, PathAuthorize+"?"+tt.query.Encode())

			if tt.wantRedirect == "" {
				wantOAuthError(t, rec, tt.wantStatus, tt.wantCode)
				return
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			loc := rec.Header().Get("Location")
			if !strings.HasPrefix(loc, tt.wantRedirect) {
				t.Errorf("Location = %q, want prefix %q", loc, tt.wantRedirect)
			}
			testutil.AssertStringContains(t, loc, "error="+tt.wantCode)
		})
	}
}

func TestHandler_ImplicitFlowUsesFragment(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{SubjectResolver: signedInAs(aliceSubject, "openid", "api1")})

	q := url.Values{
		"client_id":     {"angular-client"},
		"redirect_uri":  {testutil.AngularRedirect},
		"response_type": {"id_token token"},
		"scope":         {"openid api1"},
		"nonce":         {"n-0S6_WzA2Mj"},
		"state":         {"xyz"},
	}
	rec := get(h, PathAuthorize+"?"+q.Encode())
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	params, err := url.ParseQuery(loc.Fragment)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	if params.Get("access_token") == "" || params.Get("id_token") == "" || params.Get("state") != "xyz" {
		t.Errorf("fragment = %q", loc.Fragment)
	}
	if loc.RawQuery != "" {
		t.Errorf("implicit responses must not use the query, got %q", loc.RawQuery)
	}
}

func TestHandler_Introspection(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{SubjectResolver: signedInAs(aliceSubject)})
	tokens := mvcTokens(t, h, "openid api1")

	rec := postForm(h, PathIntrospect, url.Values{"token": {tokens.AccessToken}}, "api1", testutil.API1Secret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeJSON[map[string]any](t, rec)
	if body["active"] != true || body["scope"] != "api1" || body["sub"] != aliceSubject {
		t.Errorf("unexpected introspection response %v", body)
	}
	if body["location"] != "somewhere" {
		t.Errorf("location = %v, want the flattened user claim", body["location"])
	}

	rec = postForm(h, PathIntrospect, url.Values{"token": {"garbage"}}, "api1", testutil.API1Secret)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"active":false}` {
		t.Errorf("garbage token: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = postForm(h, PathIntrospect, url.Values{"token": {tokens.AccessToken}}, "", "")
	wantOAuthError(t, rec, http.StatusUnauthorized, server.CodeInvalidClient)
	testutil.AssertStringContains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = postForm(h, PathIntrospect, url.Values{"token": {tokens.AccessToken}}, "api1", "wrong")
	wantOAuthError(t, rec, http.StatusUnauthorized, server.CodeInvalidClient)
}

func TestHandler_Revocation(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{SubjectResolver: signedInAs(aliceSubject)})
	tokens := mvcTokens(t, h, "openid api1 offline_access")

	rec := postForm(h, PathRevocation, url.Values{
		"token":           {tokens.RefreshToken},
		"token_type_hint": {"refresh_token"},
	}, "mvc client", testutil.MVCSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	rec = postForm(h, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}, "mvc client", testutil.MVCSecret)
	wantOAuthError(t, rec, http.StatusBadRequest, server.CodeInvalidGrant)

	// unknown tokens succeed silently
	rec = postForm(h, PathRevocation, url.Values{"token": {"unknown"}}, "mvc client", testutil.MVCSecret)
	if rec.Code != http.StatusOK {
		t.Errorf("unknown token status = %d, want 200", rec.Code)
	}

	rec = postForm(h, PathRevocation, url.Values{"token": {"unknown"}}, "mvc client", "wrong")
	wantOAuthError(t, rec, http.StatusUnauthorized, server.CodeInvalidClient)
}

func TestHandler_CORS(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{name: "registered origin", origin: "http://localhost:4200", wantOrigin: "http://localhost:4200"},
		{name: "unregistered origin", origin: "https://evil.example.com"},
		{name: "no origin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, PathToken, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestHandler_RateLimit(t *testing.T) {
	h, engine := newTestHandler(t, HandlerOptions{}, func(c *Config) {
		c.RateLimit = RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
		c.AuditLogging = true
	})
	if engine.RateLimiter == nil {
		t.Fatal("RateLimiter should be configured")
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	if rec := postForm(h, PathToken, form, "console client", testutil.ConsoleSecret); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := postForm(h, PathToken, form, "console client", testutil.ConsoleSecret)
	wantOAuthError(t, rec, http.StatusTooManyRequests, ErrorCodeRateLimitExceeded)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 responses should carry Retry-After")
	}
}

func TestHandler_EndSession(t *testing.T) {
	signedOut := 0
	h, _ := newTestHandler(t, HandlerOptions{
		SubjectResolver: signedInAs(aliceSubject),
		SignOut:         func(http.ResponseWriter, *http.Request) { signedOut++ },
	})
	idToken := mvcTokens(t, h, "openid api1").IDToken
	const postLogout = "http://localhost:5002/signout-callback-oidc"

	tests := []struct {
		name         string
		query        url.Values
		wantStatus   int
		wantLocation string
	}{
		{
			name:         "client id",
			query:        url.Values{"client_id": {"mvc client"}, "post_logout_redirect_uri": {postLogout}, "state": {"s1"}},
			wantStatus:   http.StatusFound,
			wantLocation: postLogout + "?state=s1",
		},
		{
			name:         "id token hint",
			query:        url.Values{"id_token_hint": {idToken}, "post_logout_redirect_uri": {postLogout}},
			wantStatus:   http.StatusFound,
			wantLocation: postLogout,
		},
		{
			name:       "no redirect",
			query:      url.Values{},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "unregistered redirect",
			query:      url.Values{"client_id": {"mvc client"}, "post_logout_redirect_uri": {"https://evil.example.com"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "hint for another client",
			query:      url.Values{"client_id": {"angular-client"}, "id_token_hint": {idToken}, "post_logout_redirect_uri": {"http://localhost:4200"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "forged hint",
			query:      url.Values{"id_token_hint": {"eyJhbGciOiJub25lIn0.e30."}, "post_logout_redirect_uri": {postLogout}},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := signedOut
			rec := get(h, PathEndSession+"?"+tt.query.Encode())
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := rec.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
			wantSignOut := tt.wantStatus != http.StatusBadRequest
			if (signedOut > before) != wantSignOut {
				t.Errorf("signed out = %v, want %v", signedOut > before, wantSignOut)
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{}, func(c *Config) {
		c.Instrumentation.Enabled = true
	})

	if rec := get(h, PathDiscovery); rec.Code != http.StatusOK {
		t.Fatalf("discovery status = %d", rec.Code)
	}
	rec := get(h, PathMetrics)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	testutil.AssertStringContains(t, rec.Body.String(), "idp_http_requests")
}

func TestHandler_MetricsDisabled(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})
	if rec := get(h, PathMetrics); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
