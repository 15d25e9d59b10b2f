package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/internal/util"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/storage"
)

const (
	// handleLogLength is the number of characters of a handle included in logs
	handleLogLength = 8

	// lockStripes is the number of per-key redemption locks
	lockStripes = 64

	// DefaultRevokedFamilyRetention keeps revoked family tombstones for the
	// longest default refresh token lifetime.
	DefaultRevokedFamilyRetention = 30 * 24 * time.Hour
)

// Store is an in-memory implementation of storage.Store.
//
// Maps are guarded by mu. Redemption of a code or refresh token additionally
// holds a striped lock for the key for the whole check-and-invalidate
// sequence, so redemptions of different keys do not serialise on each other.
type Store struct {
	mu sync.RWMutex

	sessions        map[string]*storage.AuthorizationSession
	refreshTokens   map[string]*storage.RefreshToken
	families        map[string]map[string]struct{} // family ID -> handles
	revokedFamilies map[string]time.Time           // family ID -> tombstone expiry

	referenceTokens *cache.Cache
	consents        *cache.Cache

	locks [lockStripes]sync.Mutex

	clock                  security.Clock
	observer               storage.Observer
	revokedFamilyRetention time.Duration

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.Store               = (*Store)(nil)
	_ storage.SessionStore        = (*Store)(nil)
	_ storage.RefreshTokenStore   = (*Store)(nil)
	_ storage.ReferenceTokenStore = (*Store)(nil)
	_ storage.ConsentStore        = (*Store)(nil)
)

// New creates a store with a one-minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, one minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		sessions:               make(map[string]*storage.AuthorizationSession),
		refreshTokens:          make(map[string]*storage.RefreshToken),
		families:               make(map[string]map[string]struct{}),
		revokedFamilies:        make(map[string]time.Time),
		referenceTokens:        cache.New(cache.NoExpiration, cleanupInterval),
		consents:               cache.New(cache.NoExpiration, cleanupInterval),
		clock:                  security.SystemClock{},
		revokedFamilyRetention: DefaultRevokedFamilyRetention,
		cleanupInterval:        cleanupInterval,
		stopCleanup:            make(chan struct{}),
		logger:                 slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets the logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry checks.
func (s *Store) SetClock(c security.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = security.ClockOrSystem(c)
}

// SetRevokedFamilyRetention sets how long revoked families are remembered.
func (s *Store) SetRevokedFamilyRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.revokedFamilyRetention = d
	}
}

// SetInstrumentation enables spans, metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.observer = storage.NewObserver(inst, "memory")
	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.count(func() int { return len(s.sessions) }) },
		func() int64 { return s.count(func() int { return len(s.refreshTokens) }) },
		func() int64 { return int64(s.referenceTokens.ItemCount()) },
	); err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) count(fn func() int) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(fn())
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

func (s *Store) now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock.Now()
}

func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// ============================================================
// Authorization sessions
// ============================================================

// CreateSession stores a new authorization session.
func (s *Store) CreateSession(ctx context.Context, session *storage.AuthorizationSession) (err error) {
	ctx, span := s.observer.Start(ctx, "create_session")
	defer func(start time.Time) { s.observer.Done(ctx, span, "create_session", err, start) }(time.Now())

	if session == nil || session.Code == "" {
		return fmt.Errorf("session code must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.Code]; exists {
		return fmt.Errorf("session already exists")
	}
	s.sessions[session.Code] = session.Clone()
	s.logger.Debug("Saved authorization session",
		"code_prefix", util.SafeTruncate(session.Code, handleLogLength),
		"client_id", session.ClientID)
	return nil
}

// ConsumeSession redeems a code exactly once.
func (s *Store) ConsumeSession(ctx context.Context, code string, check storage.SessionCheck) (_ *storage.AuthorizationSession, err error) {
	ctx, span := s.observer.Start(ctx, "consume_session")
	defer func(start time.Time) { s.observer.Done(ctx, span, "consume_session", err, start) }(time.Now())

	l := s.lockFor(code)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	stored, ok := s.sessions[code]
	var snapshot *storage.AuthorizationSession
	if ok {
		snapshot = stored.Clone()
	}
	now := s.clock.Now()
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if snapshot.Used {
		s.logger.Warn("Authorization code presented again",
			"code_prefix", util.SafeTruncate(code, handleLogLength),
			"client_id", snapshot.ClientID)
		return snapshot, storage.ErrAlreadyUsed
	}
	if security.IsExpiredAt(snapshot.ExpiresAt, now) {
		return nil, storage.ErrExpired
	}
	if check != nil {
		if err := check(snapshot.Clone()); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	stored.Used = true
	s.mu.Unlock()

	snapshot.Used = true
	return snapshot, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, code string) (err error) {
	ctx, span := s.observer.Start(ctx, "delete_session")
	defer func(start time.Time) { s.observer.Done(ctx, span, "delete_session", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, code)
	return nil
}

// ============================================================
// Refresh tokens
// ============================================================

// familyRevokedLocked reports whether a family has a live tombstone.
// Must be called with mu held.
func (s *Store) familyRevokedLocked(familyID string, now time.Time) bool {
	until, ok := s.revokedFamilies[familyID]
	return ok && now.Before(until)
}

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.observer.Start(ctx, "save_refresh_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "save_refresh_token", err, start) }(time.Now())

	if token == nil || token.Handle == "" {
		return fmt.Errorf("refresh token handle must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveRefreshTokenLocked(token)
}

func (s *Store) saveRefreshTokenLocked(token *storage.RefreshToken) error {
	if s.familyRevokedLocked(token.FamilyID, s.clock.Now()) {
		return storage.ErrRevoked
	}
	if _, exists := s.refreshTokens[token.Handle]; exists {
		return fmt.Errorf("refresh token already exists")
	}
	s.refreshTokens[token.Handle] = token.Clone()
	if token.FamilyID != "" {
		members := s.families[token.FamilyID]
		if members == nil {
			members = make(map[string]struct{})
			s.families[token.FamilyID] = members
		}
		members[token.Handle] = struct{}{}
	}
	return nil
}

// GetRefreshToken returns a copy of a refresh token.
func (s *Store) GetRefreshToken(ctx context.Context, handle string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.observer.Start(ctx, "get_refresh_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "get_refresh_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.refreshTokens[handle]
	if !ok {
		return nil, storage.ErrNotFound
	}
	now := s.clock.Now()
	if s.familyRevokedLocked(t.FamilyID, now) {
		return nil, storage.ErrRevoked
	}
	if security.IsExpiredAt(t.ExpiresAt, now) {
		return nil, storage.ErrExpired
	}
	return t.Clone(), nil
}

// RedeemRefreshToken validates and, if a replacement is returned by redeem,
// rotates a refresh token in one critical section.
func (s *Store) RedeemRefreshToken(ctx context.Context, handle string, redeem storage.RefreshRedeemer) (_ *storage.RefreshToken, err error) {
	ctx, span := s.observer.Start(ctx, "redeem_refresh_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "redeem_refresh_token", err, start) }(time.Now())

	l := s.lockFor(handle)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	stored, ok := s.refreshTokens[handle]
	var current *storage.RefreshToken
	var revoked bool
	now := s.clock.Now()
	if ok {
		current = stored.Clone()
		revoked = s.familyRevokedLocked(stored.FamilyID, now)
	}
	s.mu.RUnlock()

	switch {
	case !ok:
		return nil, storage.ErrNotFound
	case revoked:
		return nil, storage.ErrRevoked
	case current.Consumed:
		return current, storage.ErrAlreadyUsed
	case security.IsExpiredAt(current.ExpiresAt, now):
		return nil, storage.ErrExpired
	}

	var next *storage.RefreshToken
	if redeem != nil {
		next, err = redeem(current.Clone())
		if err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// the family may have been revoked while redeem ran
	if s.familyRevokedLocked(current.FamilyID, s.clock.Now()) {
		return nil, storage.ErrRevoked
	}
	if err := s.saveRefreshTokenLocked(next); err != nil {
		return nil, err
	}
	stored.Consumed = true
	return current, nil
}

// RevokeRefreshTokenFamily deletes every token in the family and leaves a
// tombstone so late arrivals from the family are refused.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (err error) {
	ctx, span := s.observer.Start(ctx, "revoke_refresh_family")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_refresh_family", err, start) }(time.Now())

	if familyID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.revokeFamilyLocked(familyID)
	s.logger.Info("Revoked refresh token family", "family_id", familyID, "tokens_removed", n)
	return nil
}

func (s *Store) revokeFamilyLocked(familyID string) int {
	members := s.families[familyID]
	for handle := range members {
		delete(s.refreshTokens, handle)
	}
	delete(s.families, familyID)
	s.revokedFamilies[familyID] = s.clock.Now().Add(s.revokedFamilyRetention)
	return len(members)
}

// RevokeAllRefreshTokens revokes every family belonging to subject and client.
func (s *Store) RevokeAllRefreshTokens(ctx context.Context, subjectID, clientID string) (_ int, err error) {
	ctx, span := s.observer.Start(ctx, "revoke_all_refresh_tokens")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_all_refresh_tokens", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	familyIDs := make(map[string]struct{})
	removed := 0
	for handle, t := range s.refreshTokens {
		if t.SubjectID != subjectID || t.ClientID != clientID {
			continue
		}
		if t.FamilyID == "" {
			delete(s.refreshTokens, handle)
			removed++
			continue
		}
		familyIDs[t.FamilyID] = struct{}{}
	}
	for id := range familyIDs {
		removed += s.revokeFamilyLocked(id)
	}
	return removed, nil
}

// ============================================================
// Reference tokens
// ============================================================

// SaveReferenceToken stores a reference token until its expiry.
func (s *Store) SaveReferenceToken(ctx context.Context, token *storage.ReferenceToken) (err error) {
	ctx, span := s.observer.Start(ctx, "save_reference_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "save_reference_token", err, start) }(time.Now())

	if token == nil || token.Handle == "" {
		return fmt.Errorf("reference token handle must not be empty")
	}
	ttl := token.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return storage.ErrExpired
	}
	if err := s.referenceTokens.Add(token.Handle, token.Clone(), ttl); err != nil {
		return fmt.Errorf("reference token already exists")
	}
	return nil
}

// GetReferenceToken returns a reference token's metadata.
func (s *Store) GetReferenceToken(ctx context.Context, handle string) (_ *storage.ReferenceToken, err error) {
	ctx, span := s.observer.Start(ctx, "get_reference_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "get_reference_token", err, start) }(time.Now())

	v, ok := s.referenceTokens.Get(handle)
	if !ok {
		return nil, storage.ErrNotFound
	}
	t := v.(*storage.ReferenceToken)
	if security.IsExpiredAt(t.ExpiresAt, s.now()) {
		return nil, storage.ErrExpired
	}
	return t.Clone(), nil
}

// RevokeReferenceToken removes a reference token.
func (s *Store) RevokeReferenceToken(ctx context.Context, handle string) (err error) {
	ctx, span := s.observer.Start(ctx, "revoke_reference_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_reference_token", err, start) }(time.Now())

	s.referenceTokens.Delete(handle)
	return nil
}

// RevokeAllReferenceTokens removes every reference token of subject and client.
func (s *Store) RevokeAllReferenceTokens(ctx context.Context, subjectID, clientID string) (_ int, err error) {
	ctx, span := s.observer.Start(ctx, "revoke_all_reference_tokens")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_all_reference_tokens", err, start) }(time.Now())

	removed := 0
	for handle, item := range s.referenceTokens.Items() {
		t := item.Object.(*storage.ReferenceToken)
		if t.SubjectID == subjectID && t.ClientID == clientID {
			s.referenceTokens.Delete(handle)
			removed++
		}
	}
	return removed, nil
}

// ============================================================
// Consent
// ============================================================

func consentKey(subjectID, clientID string) string {
	return subjectID + "\x00" + clientID
}

// SaveConsent remembers a consent decision.
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) (err error) {
	ctx, span := s.observer.Start(ctx, "save_consent")
	defer func(start time.Time) { s.observer.Done(ctx, span, "save_consent", err, start) }(time.Now())

	if consent == nil || consent.SubjectID == "" || consent.ClientID == "" {
		return errors.New("consent requires subject and client")
	}
	ttl := cache.NoExpiration
	if !consent.ExpiresAt.IsZero() {
		ttl = consent.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return storage.ErrExpired
		}
	}
	cp := *consent
	s.consents.Set(consentKey(consent.SubjectID, consent.ClientID), &cp, ttl)
	return nil
}

// GetConsent returns a remembered consent decision.
func (s *Store) GetConsent(ctx context.Context, subjectID, clientID string) (_ *storage.Consent, err error) {
	ctx, span := s.observer.Start(ctx, "get_consent")
	defer func(start time.Time) { s.observer.Done(ctx, span, "get_consent", err, start) }(time.Now())

	v, ok := s.consents.Get(consentKey(subjectID, clientID))
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *v.(*storage.Consent)
	if security.IsExpiredAt(c.ExpiresAt, s.now()) {
		return nil, storage.ErrExpired
	}
	return &c, nil
}

// RevokeConsent forgets a consent decision.
func (s *Store) RevokeConsent(ctx context.Context, subjectID, clientID string) (err error) {
	ctx, span := s.observer.Start(ctx, "revoke_consent")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_consent", err, start) }(time.Now())

	s.consents.Delete(consentKey(subjectID, clientID))
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops expired sessions, refresh tokens and family tombstones.
// Expiry is enforced at use time; this only reclaims memory.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	sessions, tokens, tombstones := 0, 0, 0

	for code, sess := range s.sessions {
		if security.IsExpiredAt(sess.ExpiresAt, now) {
			delete(s.sessions, code)
			sessions++
		}
	}
	for handle, t := range s.refreshTokens {
		if security.IsExpiredAt(t.ExpiresAt, now) {
			delete(s.refreshTokens, handle)
			if members := s.families[t.FamilyID]; members != nil {
				delete(members, handle)
				if len(members) == 0 {
					delete(s.families, t.FamilyID)
				}
			}
			tokens++
		}
	}
	for id, until := range s.revokedFamilies {
		if !now.Before(until) {
			delete(s.revokedFamilies, id)
			tombstones++
		}
	}

	if sessions+tokens+tombstones > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"sessions", sessions,
			"refresh_tokens", tokens,
			"family_tombstones", tombstones)
	}
}
