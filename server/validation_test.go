package server

import (
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/giantswarm/idp-engine/internal/testutil"
	"github.com/giantswarm/idp-engine/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidatePKCE(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()
	plain := strings.Repeat("p", 50)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   error
	}{
		{name: "valid S256", challenge: challenge, method: PKCEMethodS256, verifier: verifier},
		{name: "valid plain", challenge: plain, method: PKCEMethodPlain, verifier: plain},
		{name: "no pkce", challenge: "", verifier: ""},
		{name: "verifier without challenge", challenge: "", verifier: verifier, wantErr: errUnexpectedPKCE},
		{name: "missing verifier", challenge: challenge, method: PKCEMethodS256, wantErr: errVerifierMissing},
		{name: "wrong verifier", challenge: challenge, method: PKCEMethodS256, verifier: plain, wantErr: errPKCEMismatch},
		{name: "short verifier", challenge: challenge, method: PKCEMethodS256, verifier: "abc", wantErr: errPKCEMismatch},
		{name: "long verifier", challenge: challenge, method: PKCEMethodS256, verifier: strings.Repeat("a", 129), wantErr: errPKCEMismatch},
		{name: "invalid characters", challenge: challenge, method: PKCEMethodS256, verifier: strings.Repeat("a", 42) + "!", wantErr: errPKCEMismatch},
		{name: "unknown method", challenge: challenge, method: "S512", verifier: verifier, wantErr: errPKCEMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePKCE(tt.challenge, tt.method, tt.verifier)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("validatePKCE() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validatePKCE() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCodeChallenge(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()
	strict := &registry.Client{ClientID: "strict", RequirePKCE: true}
	lenient := &registry.Client{ClientID: "lenient", AllowPlainTextPKCE: true}
	s := &Server{Config: &Config{}}

	tests := []struct {
		name       string
		client     *registry.Client
		challenge  string
		method     string
		wantMethod string
		wantErr    bool
	}{
		{name: "none", client: lenient},
		{name: "required", client: strict, wantErr: true},
		{name: "S256", client: strict, challenge: challenge, method: "S256", wantMethod: "S256"},
		{name: "plain default", client: lenient, challenge: challenge, wantMethod: "plain"},
		{name: "plain disallowed", client: strict, challenge: challenge, wantErr: true},
		{name: "method without challenge", client: lenient, method: "S256", wantErr: true},
		{name: "short challenge", client: lenient, challenge: "abc", method: "S256", wantErr: true},
		{name: "unknown method", client: lenient, challenge: challenge, method: "S384", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, err := s.validateCodeChallenge(tt.client, tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateCodeChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
			if method != tt.wantMethod {
				t.Errorf("method = %q, want %q", method, tt.wantMethod)
			}
		})
	}
}

func TestResolveRedirectURI(t *testing.T) {
	single := &registry.Client{RedirectURIs: []string{"https://app.example.com/cb"}}
	multi := &registry.Client{RedirectURIs: []string{"https://app.example.com/cb", "https://app.example.com/silent"}}

	tests := []struct {
		name      string
		client    *registry.Client
		requested string
		want      string
		wantOK    bool
	}{
		{name: "exact", client: multi, requested: "https://app.example.com/silent", want: "https://app.example.com/silent", wantOK: true},
		{name: "omitted single", client: single, want: "https://app.example.com/cb", wantOK: true},
		{name: "omitted multi", client: multi},
		{name: "case differs", client: single, requested: "https://APP.example.com/cb"},
		{name: "trailing slash", client: single, requested: "https://app.example.com/cb/"},
		{name: "extra query", client: single, requested: "https://app.example.com/cb?x=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := resolveRedirectURI(tt.client, tt.requested)
			if ok != tt.wantOK {
				t.Fatalf("resolveRedirectURI() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("resolveRedirectURI() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppendParams(t *testing.T) {
	params := url.Values{"code": {"abc"}, "state": {"a b"}}

	got := appendParams("https://app.example.com/cb?tenant=x", params, false)
	if got != "https://app.example.com/cb?code=abc&state=a+b&tenant=x" {
		t.Errorf("query form = %q", got)
	}

	got = appendParams("https://app.example.com/cb#old", params, true)
	if got != "https://app.example.com/cb#code=abc&state=a+b" {
		t.Errorf("fragment form = %q", got)
	}
}

func TestGrantScopes(t *testing.T) {
	reg := testutil.Registry(t)
	s := &Server{registry: reg, Logger: discardLogger()}

	client := func(id string) *registry.Client {
		c, err := reg.LookupClient(id)
		if err != nil {
			t.Fatalf("LookupClient(%q) error = %v", id, err)
		}
		return c
	}

	tests := []struct {
		name         string
		client       string
		requested    []string
		grant        registry.GrantType
		wantAPI      []string
		wantIdentity []string
		wantOffline  bool
		wantErr      bool
	}{
		{
			name:    "client credentials default",
			client:  "console client",
			grant:   registry.GrantClientCredentials,
			wantAPI: []string{"api1", "api2"},
		},
		{
			name:      "client credentials identity scope",
			client:    "console client",
			requested: []string{"openid"},
			grant:     registry.GrantClientCredentials,
			wantErr:   true,
		},
		{
			name:      "unknown fails whole request",
			client:    "mvc client",
			requested: []string{"api1", "nope"},
			grant:     registry.GrantAuthorizationCode,
			wantErr:   true,
		},
		{
			name:         "disallowed known scope dropped",
			client:       "mvc client",
			requested:    []string{"openid", "email", "api1"},
			grant:        registry.GrantAuthorizationCode,
			wantAPI:      []string{"api1"},
			wantIdentity: []string{"openid"},
		},
		{
			name:         "offline granted",
			client:       "mvc client",
			requested:    []string{"openid", "offline_access"},
			grant:        registry.GrantAuthorizationCode,
			wantIdentity: []string{"openid"},
			wantOffline:  true,
		},
		{
			name:         "offline not allowed",
			client:       "wpf client",
			requested:    []string{"openid", "offline_access"},
			grant:        registry.GrantPassword,
			wantIdentity: []string{"openid"},
		},
		{
			name:      "offline alone is empty",
			client:    "mvc client",
			requested: []string{"offline_access"},
			grant:     registry.GrantAuthorizationCode,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.grantScopes(client(tt.client), tt.requested, tt.grant)
			if (err != nil) != tt.wantErr {
				t.Fatalf("grantScopes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if err.Code != CodeInvalidScope {
					t.Errorf("code = %q, want invalid_scope", err.Code)
				}
				return
			}
			if diff := cmp.Diff(tt.wantAPI, got.APIScopes, sortStrings, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("api scopes mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantIdentity, got.IdentityScopes, sortStrings, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("identity scopes mismatch (-want +got):\n%s", diff)
			}
			if got.Offline != tt.wantOffline {
				t.Errorf("Offline = %v, want %v", got.Offline, tt.wantOffline)
			}
		})
	}
}

func TestNarrowScopes(t *testing.T) {
	granted := []string{"openid", "api1", "offline_access"}

	tests := []struct {
		name      string
		requested []string
		want      []string
		wantOK    bool
	}{
		{name: "keep all", want: granted, wantOK: true},
		{name: "subset", requested: []string{"api1"}, want: []string{"api1"}, wantOK: true},
		{name: "widening", requested: []string{"api1", "api2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := narrowScopes(granted, tt.requested)
			if ok != tt.wantOK {
				t.Fatalf("narrowScopes() ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("narrowScopes() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
