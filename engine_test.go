package oauth

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/giantswarm/idp-engine/internal/testutil"
	"github.com/giantswarm/idp-engine/server"
	"github.com/giantswarm/idp-engine/storage/memory"
	"github.com/giantswarm/idp-engine/storage/redis"
)

func TestNewEngine_MemoryStorage(t *testing.T) {
	engine, logs := newTestEngine(t)

	if _, ok := engine.Store.(*memory.Store); !ok {
		t.Errorf("Store = %T, want *memory.Store", engine.Store)
	}
	if engine.RateLimiter != nil {
		t.Error("RateLimiter should be nil when rate limiting is disabled")
	}
	if engine.Server.Config.Issuer != testIssuer {
		t.Errorf("Issuer = %q, want %q", engine.Server.Config.Issuer, testIssuer)
	}
	testutil.AssertStringContains(t, logs.String(), "ephemeral key")

	// the users file backs the password grant
	resp, err := engine.Server.Token(context.Background(), server.TokenRequest{
		GrantType:    "password",
		ClientID:     "wpf client",
		ClientSecret: testutil.WPFSecret,
		Username:     "alice",
		Password:     "alice",
		Scope:        "openid api1",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.IDToken == "" {
		t.Error("password grant with openid should return an id_token")
	}
}

func TestNewEngine_RedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)

	engine, _ := newTestEngine(t, func(c *Config) {
		c.Storage = StorageConfig{
			Type: StorageRedis,
			Redis: RedisConfig{
				Addrs:         []string{mr.Addr()},
				KeyPrefix:     "test:",
				EncryptionKey: "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
			},
		}
	})
	if _, ok := engine.Store.(*redis.Store); !ok {
		t.Fatalf("Store = %T, want *redis.Store", engine.Store)
	}

	h := NewHandler(engine, HandlerOptions{SubjectResolver: signedInAs(aliceSubject)})
	tokens := mvcTokens(t, h, "openid api1 offline_access")

	rec := postForm(h, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}, "mvc client", testutil.MVCSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d (body %s)", rec.Code, rec.Body.String())
	}

	var prefixed bool
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "test:") {
			prefixed = true
		}
	}
	if !prefixed {
		t.Errorf("no keys under the configured prefix: %v", mr.Keys())
	}
}

func TestNewEngine_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing registry", mutate: func(c *Config) { c.Registry = filepath.Join(t.TempDir(), "none.yaml") }},
		{name: "missing users", mutate: func(c *Config) { c.Users = filepath.Join(t.TempDir(), "none.yaml") }},
		{name: "missing signing key", mutate: func(c *Config) { c.SigningKey = filepath.Join(t.TempDir(), "none.pem") }},
		{name: "unreachable redis", mutate: func(c *Config) {
			c.Storage = StorageConfig{Type: StorageRedis, Redis: RedisConfig{Addrs: []string{"127.0.0.1:1"}}}
		}},
		{name: "public http issuer", mutate: func(c *Config) { c.Issuer = "http://idp.example.com" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := NewEngine(context.Background(), cfg, nil); err == nil {
				t.Error("NewEngine() should return error")
			}
		})
	}

	if _, err := NewEngine(context.Background(), nil, nil); err == nil {
		t.Error("NewEngine(nil) should return error")
	}
}

func TestNewEngine_ExampleConfig(t *testing.T) {
	t.Setenv("IDP_SIGNING_KEY", "")
	cfg, err := LoadConfig(filepath.Join("examples", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	engine, err := NewEngine(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	if got := len(engine.Registry.Clients()); got != 6 {
		t.Errorf("len(Clients()) = %d, want 6", got)
	}
	if engine.RateLimiter == nil {
		t.Error("RateLimiter should be set by the example configuration")
	}
	if _, err := engine.Server.Token(context.Background(), server.TokenRequest{
		GrantType:    "password",
		ClientID:     "wpf client",
		ClientSecret: testutil.WPFSecret,
		Username:     "bob",
		Password:     "bob",
		Scope:        "openid email",
	}); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
}
