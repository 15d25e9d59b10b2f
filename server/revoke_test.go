package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/idp-engine/internal/testutil"
)

func mvcTokens(t *testing.T, setup *testServerSetup, scope string) *TokenResponse {
	t.Helper()
	code := authorizeCode(t, setup, mvcCodeRequest(scope))
	resp, err := setup.srv.Token(context.Background(), mvcCodeExchange(code))
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	return resp
}

func hybridTokens(t *testing.T, setup *testServerSetup, scope string) *TokenResponse {
	t.Helper()
	code := authorizeCode(t, setup, AuthorizeRequest{
		ClientID:     "hybrid client",
		RedirectURI:  testutil.HybridRedirect,
		ResponseType: "code id_token",
		Scope:        scope,
		Nonce:        "n-0S6_WzA2Mj",
		SubjectID:    aliceSubject,
	})
	resp, err := setup.srv.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "hybrid client",
		ClientSecret: testutil.HybridSecret,
		Code:         code,
		RedirectURI:  testutil.HybridRedirect,
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	return resp
}

func introspectAsAPI1(t *testing.T, setup *testServerSetup, token string) *IntrospectionResponse {
	t.Helper()
	resp, err := setup.srv.Introspect(context.Background(), IntrospectionRequest{
		ResourceName:   "api1",
		ResourceSecret: testutil.API1Secret,
		Token:          token,
	})
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	return resp
}

func TestRevoke_RefreshToken(t *testing.T) {
	setup := newTestServer(t)
	tokens := mvcTokens(t, setup, "openid api1 offline_access")

	err := setup.srv.Revoke(context.Background(), RevocationRequest{
		ClientID:      "mvc client",
		ClientSecret:  testutil.MVCSecret,
		Token:         tokens.RefreshToken,
		TokenTypeHint: TokenTypeHintRefreshToken,
	})
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	_, err = setup.srv.Token(context.Background(), refreshRequest(tokens.RefreshToken))
	wantError(t, err, CodeInvalidGrant)
	testutil.AssertStringContains(t, setup.logBuf.String(), "token_revoked")
}

func TestRevoke_RefreshTokenOfAnotherClient(t *testing.T) {
	setup := newTestServer(t)
	tokens := mvcTokens(t, setup, "api1 offline_access")

	err := setup.srv.Revoke(context.Background(), RevocationRequest{
		ClientID:     "flask client",
		ClientSecret: testutil.FlaskSecret,
		Token:        tokens.RefreshToken,
	})
	if err != nil {
		t.Fatalf("Revoke() error = %v, want silent success", err)
	}
	testutil.AssertStringContains(t, setup.logBuf.String(), "issued to another client")

	if _, err := setup.srv.Token(context.Background(), refreshRequest(tokens.RefreshToken)); err != nil {
		t.Errorf("refresh token of the owner should survive, got %v", err)
	}
}

func TestRevoke_ReferenceToken(t *testing.T) {
	tests := []struct {
		name string
		hint string
	}{
		{name: "with hint", hint: TokenTypeHintAccessToken},
		{name: "without hint"},
		{name: "wrong hint", hint: TokenTypeHintRefreshToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := newTestServer(t)
			tokens := hybridTokens(t, setup, "openid api1")
			if !introspectAsAPI1(t, setup, tokens.AccessToken).Active {
				t.Fatal("fresh reference token should be active")
			}

			err := setup.srv.Revoke(context.Background(), RevocationRequest{
				ClientID:      "hybrid client",
				ClientSecret:  testutil.HybridSecret,
				Token:         tokens.AccessToken,
				TokenTypeHint: tt.hint,
			})
			if err != nil {
				t.Fatalf("Revoke() error = %v", err)
			}
			if introspectAsAPI1(t, setup, tokens.AccessToken).Active {
				t.Error("revoked reference token should be inactive")
			}
		})
	}
}

func TestRevoke_SilentSuccess(t *testing.T) {
	setup := newTestServer(t)
	jwtToken := mvcTokens(t, setup, "api1").AccessToken

	for name, token := range map[string]string{
		"unknown handle": "not-a-token",
		"jwt":            jwtToken,
	} {
		t.Run(name, func(t *testing.T) {
			err := setup.srv.Revoke(context.Background(), RevocationRequest{
				ClientID:     "mvc client",
				ClientSecret: testutil.MVCSecret,
				Token:        token,
			})
			if err != nil {
				t.Errorf("Revoke() error = %v, want nil", err)
			}
		})
	}
}

func TestRevoke_Errors(t *testing.T) {
	setup := newTestServer(t)

	err := setup.srv.Revoke(context.Background(), RevocationRequest{
		ClientID:     "mvc client",
		ClientSecret: "wrong",
		Token:        "x",
	})
	wantError(t, err, CodeInvalidClient)

	err = setup.srv.Revoke(context.Background(), RevocationRequest{
		ClientID:     "mvc client",
		ClientSecret: testutil.MVCSecret,
	})
	wantError(t, err, CodeInvalidRequest)
}

func TestIntrospect_JWT(t *testing.T) {
	setup := newTestServer(t)
	tokens := mvcTokens(t, setup, "openid api1")

	resp := introspectAsAPI1(t, setup, tokens.AccessToken)
	if !resp.Active {
		t.Fatal("token should be active")
	}
	if resp.Scope != "api1" {
		t.Errorf("Scope = %q, want only the resource's own scopes", resp.Scope)
	}
	if resp.Subject != aliceSubject || resp.ClientID != "mvc client" {
		t.Errorf("got sub %q client_id %q", resp.Subject, resp.ClientID)
	}
	if diff := cmp.Diff([]string{"api1"}, resp.Audience); diff != "" {
		t.Errorf("audience mismatch (-want +got):\n%s", diff)
	}
	if resp.Issuer != testIssuer {
		t.Errorf("Issuer = %q, want %q", resp.Issuer, testIssuer)
	}
	if resp.ExpiresAt-resp.IssuedAt != 60 {
		t.Errorf("lifetime = %d, want 60", resp.ExpiresAt-resp.IssuedAt)
	}
	if resp.Claims["location"] != "somewhere" {
		t.Errorf("location claim = %v", resp.Claims["location"])
	}

	setup.clock.Advance(60 * time.Second)
	if introspectAsAPI1(t, setup, tokens.AccessToken).Active {
		t.Error("token at its expiry instant should be inactive")
	}
}

func TestIntrospect_ReferenceToken(t *testing.T) {
	setup := newTestServer(t)
	tokens := hybridTokens(t, setup, "openid profile api1")

	resp := introspectAsAPI1(t, setup, tokens.AccessToken)
	if !resp.Active {
		t.Fatal("reference token should be active")
	}
	if resp.Scope != "api1" || resp.Subject != aliceSubject {
		t.Errorf("got scope %q sub %q", resp.Scope, resp.Subject)
	}
	if resp.JTI != "" {
		t.Errorf("reference tokens carry no jti, got %q", resp.JTI)
	}
}

func TestIntrospect_Inactive(t *testing.T) {
	setup := newTestServer(t)

	// addressed to api2 only
	console, err := setup.srv.Token(context.Background(), TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "console client",
		ClientSecret: testutil.ConsoleSecret,
		Scope:        "api2",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	tests := map[string]string{
		"other audience": console.AccessToken,
		"garbage":        "eyJhbGciOiJub25lIn0.e30.",
		"unknown handle": "abcdef",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			resp := introspectAsAPI1(t, setup, token)
			if resp.Active {
				t.Error("token should be inactive")
			}
			body, err := json.Marshal(resp)
			if err != nil {
				t.Fatalf("json.Marshal() error = %v", err)
			}
			if string(body) != `{"active":false}` {
				t.Errorf("inactive response = %s, want only active=false", body)
			}
		})
	}
}

func TestIntrospect_ResourceAuthentication(t *testing.T) {
	setup := newTestServer(t)

	tests := []struct {
		name     string
		resource string
		secret   string
	}{
		{name: "wrong secret", resource: "api1", secret: "wrong"},
		{name: "resource without secrets", resource: "api2", secret: ""},
		{name: "unknown resource", resource: "api9", secret: testutil.API1Secret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := setup.srv.Introspect(context.Background(), IntrospectionRequest{
				ResourceName:   tt.resource,
				ResourceSecret: tt.secret,
				Token:          "x",
			})
			wantError(t, err, CodeInvalidClient)
		})
	}
}

func TestIntrospectionResponse_MarshalJSON(t *testing.T) {
	resp := IntrospectionResponse{
		Active:   true,
		Scope:    "api1",
		Subject:  aliceSubject,
		Audience: []string{"api1"},
		Claims: map[string]any{
			"location": "somewhere",
			"sub":      "spoofed",
		},
	}
	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	want := map[string]any{
		"active":   true,
		"scope":    "api1",
		"sub":      aliceSubject,
		"aud":      []any{"api1"},
		"location": "somewhere",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MarshalJSON() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidatePostLogoutRedirect(t *testing.T) {
	setup := newTestServer(t)

	tests := []struct {
		name     string
		clientID string
		uri      string
		wantErr  bool
	}{
		{name: "registered", clientID: "mvc client", uri: "http://localhost:5002/signout-callback-oidc"},
		{name: "unregistered", clientID: "mvc client", uri: "http://localhost:5002/other", wantErr: true},
		{name: "empty", clientID: "mvc client", uri: "", wantErr: true},
		{name: "another client's uri", clientID: "mvc client", uri: "http://localhost:4200", wantErr: true},
		{name: "unknown client", clientID: "ghost", uri: "http://localhost:4200", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := setup.srv.ValidatePostLogoutRedirect(tt.clientID, tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePostLogoutRedirect() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
