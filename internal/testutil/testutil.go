package testutil

import (
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/security"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Plain-text secrets of the sample clients.
const (
	ConsoleSecret = "511536EF-F270-4058-80CA-1C89C192F69A"
	WPFSecret     = "wpf secrect"
	MVCSecret     = "mvc secret"
	HybridSecret  = "hybrid secret"
	FlaskSecret   = "flask secret"
	API1Secret    = "api1 secret"
)

// Redirect URIs of the sample clients.
const (
	MVCRedirect     = "http://localhost:5002/signin-oidc"
	AngularRedirect = "http://localhost:4200/signin-oidc"
	HybridRedirect  = "http://localhost:7000/signin-oidc"
	FlaskRedirect   = "http://localhost:7002/oidc_callback"
)

func sha(t testing.TB, plain string) []registry.Secret {
	t.Helper()
	h, err := security.SHA256Hasher{}.Hash(plain)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	return []registry.Secret{{Value: h}}
}

// Registry builds the sample registry: identity resources openid, email,
// phone, address, profile, roles and locations; APIs api1 and api2; and the
// console, wpf, mvc, angular, hybrid and flask clients.
func Registry(t testing.TB) *registry.Registry {
	t.Helper()

	disallow := false
	b := registry.NewBuilder().
		AddStandardIdentityResources().
		AddIdentityResource(registry.IdentityResource{Name: "roles", DisplayName: "Roles", UserClaims: []string{"role"}}).
		AddIdentityResource(registry.IdentityResource{Name: "locations", DisplayName: "Locations", UserClaims: []string{"location"}}).
		AddApiResource(registry.ApiResource{
			Name:        "api1",
			DisplayName: "My API #1",
			UserClaims:  []string{"location"},
			ApiSecrets:  sha(t, API1Secret),
		}).
		AddApiResource(registry.ApiResource{Name: "api2", DisplayName: "Express API"}).
		AddClient(registry.Client{
			ClientID:          "console client",
			AllowedGrantTypes: []registry.GrantType{"ClientCredentials"},
			ClientSecrets:     sha(t, ConsoleSecret),
			AllowedScopes:     []string{"api1", "api2"},
		}).
		AddClient(registry.Client{
			ClientID:          "wpf client",
			AllowedGrantTypes: []registry.GrantType{"ResourceOwnerPassword"},
			ClientSecrets:     sha(t, WPFSecret),
			AllowedScopes:     []string{"api1", "api2", "openid", "email", "phone", "address", "profile"},
		}).
		AddClient(registry.Client{
			ClientID:               "mvc client",
			AllowedGrantTypes:      []registry.GrantType{"CodeAndClientCredentials"},
			ClientSecrets:          sha(t, MVCSecret),
			RedirectURIs:           []string{MVCRedirect},
			FrontChannelLogoutURI:  "http://localhost:5002/signout-oidc",
			PostLogoutRedirectURIs: []string{"http://localhost:5002/signout-callback-oidc"},
			AllowOfflineAccess:     true,
			AccessTokenLifetime:    60,
			AllowedScopes:          []string{"api1", "api2", "openid", "profile"},
		}).
		AddClient(registry.Client{
			ClientID:                    "angular-client",
			ClientURI:                   "http://localhost:4200",
			AllowedGrantTypes:           []registry.GrantType{"Implicit"},
			AllowAccessTokensViaBrowser: true,
			RequireConsent:              true,
			AccessTokenLifetime:         300,
			RedirectURIs:                []string{AngularRedirect, "http://localhost:4200/redirect-silentrenew"},
			PostLogoutRedirectURIs:      []string{"http://localhost:4200"},
			AllowedCORSOrigins:          []string{"http://localhost:4200"},
			AllowedScopes:               []string{"api1", "api2", "openid", "email", "address", "phone", "profile"},
		}).
		AddClient(registry.Client{
			ClientID:                         "hybrid client",
			AllowedGrantTypes:                []registry.GrantType{"Hybrid"},
			ClientSecrets:                    sha(t, HybridSecret),
			AccessTokenType:                  registry.AccessTokenReference,
			RedirectURIs:                     []string{HybridRedirect},
			FrontChannelLogoutURI:            "http://localhost:7000/signout-oidc",
			PostLogoutRedirectURIs:           []string{"http://localhost:7000/signout-callback-oidc"},
			AllowOfflineAccess:               true,
			AlwaysIncludeUserClaimsInIdToken: true,
			AllowedScopes:                    []string{"api1", "openid", "email", "address", "phone", "profile", "roles", "locations"},
		}).
		AddClient(registry.Client{
			ClientID:             "flask client",
			AllowedGrantTypes:    []registry.GrantType{"Code"},
			ClientSecrets:        sha(t, FlaskSecret),
			AccessTokenType:      registry.AccessTokenJWT,
			AllowRememberConsent: &disallow,
			AllowOfflineAccess:   true,
			RedirectURIs:         []string{FlaskRedirect},
			AllowedScopes:        []string{"api1", "api2", "openid", "profile", "email"},
		})

	reg, err := b.Build()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

// GeneratePKCEPair returns an S256 challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
