package redis

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/idp-engine/internal/testutil"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *testutil.MockTime) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := testutil.NewMockTime(time.Now())
	store := NewWithClient(client, "test:")
	store.SetClock(clock)
	return store, mr, clock
}

func testSession(code string, now time.Time) *storage.AuthorizationSession {
	return &storage.AuthorizationSession{
		Code:        code,
		SubjectID:   "alice",
		ClientID:    "mvc client",
		Scopes:      []string{"openid", "api1"},
		RedirectURI: testutil.MVCRedirect,
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
	}
}

func testRefreshToken(handle, family string, now time.Time) *storage.RefreshToken {
	return &storage.RefreshToken{
		Handle:     handle,
		SubjectID:  "alice",
		ClientID:   "mvc client",
		Scopes:     []string{"openid", "offline_access"},
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
		OneTime:    true,
		FamilyID:   family,
		Generation: 1,
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("New() without addresses should fail")
	}
}

func TestNew_ConnectsAndPings(t *testing.T) {
	mr := miniredis.RunT(t)
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	store, err := New(context.Background(), Config{Addrs: []string{mr.Addr()}, EncryptionKey: key})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if !store.encryptor.IsEnabled() {
		t.Error("encryption should be enabled when a key is configured")
	}
}

func TestStore_ConsumeSession(t *testing.T) {
	store, mr, clock := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("code-1", clock.Now())); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if ttl := mr.TTL("test:session:code-1"); ttl <= 0 || ttl > 5*time.Minute {
		t.Errorf("session TTL = %v, want (0, 5m]", ttl)
	}
	if err := store.CreateSession(ctx, testSession("code-1", clock.Now())); err == nil {
		t.Error("CreateSession() with duplicate code should fail")
	}

	errMismatch := errors.New("client mismatch")
	if _, err := store.ConsumeSession(ctx, "code-1", func(*storage.AuthorizationSession) error { return errMismatch }); !errors.Is(err, errMismatch) {
		t.Fatalf("ConsumeSession() error = %v, want check error", err)
	}

	sess, err := store.ConsumeSession(ctx, "code-1", nil)
	if err != nil {
		t.Fatalf("ConsumeSession() error = %v", err)
	}
	if !sess.Used {
		t.Error("consumed session should be marked used")
	}
	if ttl := mr.TTL("test:session:code-1"); ttl <= 0 {
		t.Errorf("consuming should keep the TTL, got %v", ttl)
	}

	replay, err := store.ConsumeSession(ctx, "code-1", nil)
	if !errors.Is(err, storage.ErrAlreadyUsed) {
		t.Fatalf("replay error = %v, want ErrAlreadyUsed", err)
	}
	if replay.SubjectID != "alice" {
		t.Errorf("replay session subject = %q", replay.SubjectID)
	}

	if _, err := store.ConsumeSession(ctx, "unknown", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeSession(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestStore_ConsumeSession_Expiry(t *testing.T) {
	store, mr, clock := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("c", clock.Now())); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	clock.Advance(5 * time.Minute)
	if _, err := store.ConsumeSession(ctx, "c", nil); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("ConsumeSession() at expiry error = %v, want ErrExpired", err)
	}

	mr.FastForward(5 * time.Minute)
	if _, err := store.ConsumeSession(ctx, "c", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeSession() after key TTL error = %v, want ErrNotFound", err)
	}
}

func TestStore_ConsumeSession_Concurrent(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateSession(ctx, testSession("race", clock.Now())); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeSession(ctx, "race", nil)
			if err == nil {
				successes.Add(1)
			} else if !errors.Is(err, storage.ErrAlreadyUsed) {
				t.Errorf("ConsumeSession() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successful redemptions = %d, want 1", successes.Load())
	}
}

func TestStore_RefreshTokenRotation(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveRefreshToken(ctx, testRefreshToken("rt-1", "fam", clock.Now())); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	next := testRefreshToken("rt-2", "fam", clock.Now())
	next.Generation = 2
	got, err := store.RedeemRefreshToken(ctx, "rt-1", func(*storage.RefreshToken) (*storage.RefreshToken, error) {
		return next, nil
	})
	if err != nil {
		t.Fatalf("RedeemRefreshToken() error = %v", err)
	}
	if got.Handle != "rt-1" {
		t.Errorf("RedeemRefreshToken() handle = %q, want rt-1", got.Handle)
	}

	rotated, err := store.GetRefreshToken(ctx, "rt-2")
	if err != nil {
		t.Fatalf("GetRefreshToken(rt-2) error = %v", err)
	}
	if rotated.Generation != 2 {
		t.Errorf("Generation = %d, want 2", rotated.Generation)
	}

	replayed, err := store.RedeemRefreshToken(ctx, "rt-1", nil)
	if !errors.Is(err, storage.ErrAlreadyUsed) {
		t.Fatalf("replay error = %v, want ErrAlreadyUsed", err)
	}
	if err := store.RevokeRefreshTokenFamily(ctx, replayed.FamilyID); err != nil {
		t.Fatalf("RevokeRefreshTokenFamily() error = %v", err)
	}

	if _, err := store.GetRefreshToken(ctx, "rt-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRefreshToken(rt-2) after revocation error = %v, want ErrNotFound", err)
	}
	late := testRefreshToken("rt-3", "fam", clock.Now())
	if err := store.SaveRefreshToken(ctx, late); !errors.Is(err, storage.ErrRevoked) {
		t.Errorf("SaveRefreshToken(revoked family) error = %v, want ErrRevoked", err)
	}
}

func TestStore_RedeemRefreshToken_KeepsReusableToken(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	rt := testRefreshToken("reuse", "", clock.Now())
	rt.OneTime = false
	if err := store.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.RedeemRefreshToken(ctx, "reuse", nil); err != nil {
			t.Fatalf("RedeemRefreshToken() #%d error = %v", i, err)
		}
	}

	clock.Advance(24 * time.Hour)
	if _, err := store.RedeemRefreshToken(ctx, "reuse", nil); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("RedeemRefreshToken(expired) error = %v, want ErrExpired", err)
	}
}

func TestStore_RevokeAllRefreshTokens(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	noFamily := testRefreshToken("loose", "", clock.Now())
	for _, rt := range []*storage.RefreshToken{
		testRefreshToken("a", "fam-a", clock.Now()),
		testRefreshToken("b", "fam-b", clock.Now()),
		noFamily,
	} {
		if err := store.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
	}

	n, err := store.RevokeAllRefreshTokens(ctx, "alice", "mvc client")
	if err != nil {
		t.Fatalf("RevokeAllRefreshTokens() error = %v", err)
	}
	if n != 3 {
		t.Errorf("RevokeAllRefreshTokens() = %d, want 3", n)
	}
	for _, h := range []string{"a", "b", "loose"} {
		if _, err := store.GetRefreshToken(ctx, h); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetRefreshToken(%q) error = %v, want ErrNotFound", h, err)
		}
	}
}

func TestStore_ReferenceTokens_Encrypted(t *testing.T) {
	store, mr, clock := newTestStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	store.SetEncryptor(enc)

	ref := &storage.ReferenceToken{
		Handle:    "ref-1",
		ClientID:  "hybrid client",
		SubjectID: "alice",
		Scopes:    []string{"api1"},
		Audiences: []string{"api1"},
		IssuedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(time.Hour),
	}
	if err := store.SaveReferenceToken(ctx, ref); err != nil {
		t.Fatalf("SaveReferenceToken() error = %v", err)
	}

	raw, err := mr.Get("test:reference:ref-1")
	if err != nil {
		t.Fatalf("miniredis Get() error = %v", err)
	}
	if bytes.Contains([]byte(raw), []byte("hybrid client")) {
		t.Error("reference token payload should be encrypted at rest")
	}

	got, err := store.GetReferenceToken(ctx, "ref-1")
	if err != nil {
		t.Fatalf("GetReferenceToken() error = %v", err)
	}
	if got.ClientID != "hybrid client" || got.Audiences[0] != "api1" {
		t.Errorf("GetReferenceToken() = %+v", got)
	}

	n, err := store.RevokeAllReferenceTokens(ctx, "alice", "hybrid client")
	if err != nil || n != 1 {
		t.Fatalf("RevokeAllReferenceTokens() = %d, %v; want 1, nil", n, err)
	}
	if _, err := store.GetReferenceToken(ctx, "ref-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetReferenceToken() after revoke error = %v, want ErrNotFound", err)
	}
}

func TestStore_ReferenceToken_Revoke(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	ref := &storage.ReferenceToken{Handle: "ref", ClientID: "c", ExpiresAt: clock.Now().Add(time.Minute)}
	if err := store.SaveReferenceToken(ctx, ref); err != nil {
		t.Fatalf("SaveReferenceToken() error = %v", err)
	}
	if err := store.RevokeReferenceToken(ctx, "ref"); err != nil {
		t.Fatalf("RevokeReferenceToken() error = %v", err)
	}
	if _, err := store.GetReferenceToken(ctx, "ref"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetReferenceToken() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Consent(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveConsent(ctx, &storage.Consent{
		SubjectID: "alice",
		ClientID:  "angular-client",
		Scopes:    []string{"openid"},
		CreatedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveConsent() error = %v", err)
	}
	if _, err := store.GetConsent(ctx, "alice", "angular-client"); err != nil {
		t.Fatalf("GetConsent() error = %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := store.GetConsent(ctx, "alice", "angular-client"); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("GetConsent() at expiry error = %v, want ErrExpired", err)
	}

	if err := store.RevokeConsent(ctx, "alice", "angular-client"); err != nil {
		t.Fatalf("RevokeConsent() error = %v", err)
	}
	if _, err := store.GetConsent(ctx, "alice", "angular-client"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetConsent() after revoke error = %v, want ErrNotFound", err)
	}
}
