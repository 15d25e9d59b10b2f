// Package redis provides a Redis implementation of the storage interfaces for
// deployments with more than one engine instance.
//
// Redemptions use optimistic transactions: the key is WATCHed, validated and
// rewritten in MULTI/EXEC, and the whole sequence is retried when another
// instance touched the key in between.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/internal/util"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix namespaces all keys written by the store.
	DefaultKeyPrefix = "idp:"

	// DefaultRevokedFamilyRetention keeps revoked family tombstones for the
	// longest default refresh token lifetime.
	DefaultRevokedFamilyRetention = 30 * 24 * time.Hour

	// maxTxRetries bounds optimistic transaction retries under contention.
	maxTxRetries = 16

	handleLogLength = 8
)

// Key types.
const (
	keySession        = "session"
	keyRefresh        = "refresh"
	keyFamily         = "family"
	keyRevokedFamily  = "revoked_family"
	keyGrantRefresh   = "grant_refresh"
	keyReference      = "reference"
	keyGrantReference = "grant_reference"
	keyConsent        = "consent"
)

// errRetriesExhausted is returned when a transaction kept conflicting.
var errRetriesExhausted = errors.New("redis transaction retries exhausted")

// reader is the subset of commands shared by the client and a WATCH
// transaction.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Config holds the Redis connection settings.
type Config struct {
	// Addrs is a single address, a cluster seed list, or the sentinel
	// addresses when MasterName is set.
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int

	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string

	// EncryptionKey, when set, encrypts reference token payloads with
	// AES-256-GCM. It must be 32 bytes.
	EncryptionKey []byte

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store implements storage.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string

	encryptor              *security.Encryptor
	clock                  security.Clock
	observer               storage.Observer
	revokedFamilyRetention time.Duration
	logger                 *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.Store               = (*Store)(nil)
	_ storage.SessionStore        = (*Store)(nil)
	_ storage.RefreshTokenStore   = (*Store)(nil)
	_ storage.ReferenceTokenStore = (*Store)(nil)
	_ storage.ConsentStore        = (*Store)(nil)
)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("invalid redis configuration: at least one address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	encryptor, err := security.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	s.encryptor = encryptor
	return s, nil
}

// NewWithClient wraps a pre-configured client. This is useful for testing
// with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:                 client,
		keyPrefix:              keyPrefix,
		encryptor:              &security.Encryptor{},
		clock:                  security.SystemClock{},
		revokedFamilyRetention: DefaultRevokedFamilyRetention,
		logger:                 slog.Default(),
	}
}

// SetLogger sets the logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry checks. Key TTLs are
// still enforced by the server's clock.
func (s *Store) SetClock(c security.Clock) {
	s.clock = security.ClockOrSystem(c)
}

// SetEncryptor sets the reference token payload encryptor.
func (s *Store) SetEncryptor(e *security.Encryptor) {
	if e != nil {
		s.encryptor = e
	}
}

// SetRevokedFamilyRetention sets how long revoked families are remembered.
func (s *Store) SetRevokedFamilyRetention(d time.Duration) {
	if d > 0 {
		s.revokedFamilyRetention = d
	}
}

// SetInstrumentation enables spans and metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.observer = storage.NewObserver(inst, "redis")
	}
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

func (s *Store) grantKey(kind, subjectID, clientID string) string {
	return s.keyPrefix + kind + ":" + subjectID + "\x00" + clientID
}

// ttlUntil returns the key TTL for an entry expiring at expiresAt.
// A zero expiry keeps the key forever.
func (s *Store) ttlUntil(expiresAt time.Time) (time.Duration, error) {
	if expiresAt.IsZero() {
		return 0, nil
	}
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return 0, storage.ErrExpired
	}
	return ttl, nil
}

// transact runs fn in a WATCH transaction on keys, retrying on conflicts.
func (s *Store) transact(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return errRetriesExhausted
}

// ============================================================
// Authorization sessions
// ============================================================

// CreateSession stores a new authorization session until it expires.
func (s *Store) CreateSession(ctx context.Context, session *storage.AuthorizationSession) (err error) {
	ctx, span := s.observer.Start(ctx, "create_session")
	defer func(start time.Time) { s.observer.Done(ctx, span, "create_session", err, start) }(time.Now())

	if session == nil || session.Code == "" {
		return errors.New("session code must not be empty")
	}
	ttl, err := s.ttlUntil(session.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(keySession, session.Code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return errors.New("session already exists")
	}
	return nil
}

// ConsumeSession redeems a code exactly once across all instances.
func (s *Store) ConsumeSession(ctx context.Context, code string, check storage.SessionCheck) (_ *storage.AuthorizationSession, err error) {
	ctx, span := s.observer.Start(ctx, "consume_session")
	defer func(start time.Time) { s.observer.Done(ctx, span, "consume_session", err, start) }(time.Now())

	key := s.key(keySession, code)
	var result *storage.AuthorizationSession

	err = s.transact(ctx, func(tx *redis.Tx) error {
		result = nil
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to get session: %w", err)
		}
		var sess storage.AuthorizationSession
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		if sess.Used {
			result = &sess
			return storage.ErrAlreadyUsed
		}
		if security.IsExpiredAt(sess.ExpiresAt, s.clock.Now()) {
			return storage.ErrExpired
		}
		if check != nil {
			if err := check(sess.Clone()); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		sess.Used = true
		updated, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		result = &sess
		return nil
	}, key)

	if errors.Is(err, storage.ErrAlreadyUsed) {
		s.logger.Warn("Authorization code presented again",
			"code_prefix", util.SafeTruncate(code, handleLogLength),
			"client_id", result.ClientID)
		return result, err
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, code string) (err error) {
	ctx, span := s.observer.Start(ctx, "delete_session")
	defer func(start time.Time) { s.observer.Done(ctx, span, "delete_session", err, start) }(time.Now())

	return s.client.Del(ctx, s.key(keySession, code)).Err()
}

// ============================================================
// Refresh tokens
// ============================================================

// queueRefreshToken adds the writes storing token and its indexes to pipe.
func (s *Store) queueRefreshToken(ctx context.Context, pipe redis.Pipeliner, token *storage.RefreshToken, data []byte, ttl time.Duration) {
	pipe.Set(ctx, s.key(keyRefresh, token.Handle), data, ttl)

	if token.FamilyID != "" {
		familyKey := s.key(keyFamily, token.FamilyID)
		pipe.SAdd(ctx, familyKey, token.Handle)
		if ttl > 0 {
			pipe.Expire(ctx, familyKey, ttl)
		}
	}
	grantKey := s.grantKey(keyGrantRefresh, token.SubjectID, token.ClientID)
	pipe.SAdd(ctx, grantKey, token.Handle)
	if ttl > 0 {
		pipe.Expire(ctx, grantKey, ttl)
	}
}

// checkNewRefreshToken validates a token about to be stored inside tx.
func (s *Store) checkNewRefreshToken(ctx context.Context, tx *redis.Tx, token *storage.RefreshToken) error {
	if token.FamilyID != "" {
		n, err := tx.Exists(ctx, s.key(keyRevokedFamily, token.FamilyID)).Result()
		if err != nil {
			return fmt.Errorf("failed to check family: %w", err)
		}
		if n > 0 {
			return storage.ErrRevoked
		}
	}
	n, err := tx.Exists(ctx, s.key(keyRefresh, token.Handle)).Result()
	if err != nil {
		return fmt.Errorf("failed to check refresh token: %w", err)
	}
	if n > 0 {
		return errors.New("refresh token already exists")
	}
	return nil
}

// SaveRefreshToken stores a refresh token and indexes it by family and grant.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.observer.Start(ctx, "save_refresh_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "save_refresh_token", err, start) }(time.Now())

	if token == nil || token.Handle == "" {
		return errors.New("refresh token handle must not be empty")
	}
	ttl, err := s.ttlUntil(token.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	keys := []string{s.key(keyRefresh, token.Handle)}
	if token.FamilyID != "" {
		keys = append(keys, s.key(keyRevokedFamily, token.FamilyID))
	}
	return s.transact(ctx, func(tx *redis.Tx) error {
		if err := s.checkNewRefreshToken(ctx, tx, token); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queueRefreshToken(ctx, pipe, token, data, ttl)
			return nil
		})
		return err
	}, keys...)
}

func (s *Store) getRefreshToken(ctx context.Context, cmd reader, handle string) (*storage.RefreshToken, error) {
	data, err := cmd.Get(ctx, s.key(keyRefresh, handle)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	var t storage.RefreshToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &t, nil
}

func (s *Store) familyRevoked(ctx context.Context, cmd reader, familyID string) (bool, error) {
	if familyID == "" {
		return false, nil
	}
	n, err := cmd.Exists(ctx, s.key(keyRevokedFamily, familyID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check family: %w", err)
	}
	return n > 0, nil
}

// GetRefreshToken returns a refresh token.
func (s *Store) GetRefreshToken(ctx context.Context, handle string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.observer.Start(ctx, "get_refresh_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "get_refresh_token", err, start) }(time.Now())

	t, err := s.getRefreshToken(ctx, s.client, handle)
	if err != nil {
		return nil, err
	}
	revoked, err := s.familyRevoked(ctx, s.client, t.FamilyID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, storage.ErrRevoked
	}
	if security.IsExpiredAt(t.ExpiresAt, s.clock.Now()) {
		return nil, storage.ErrExpired
	}
	return t, nil
}

// RedeemRefreshToken validates and optionally rotates a refresh token in one
// optimistic transaction. redeem may run once per attempt.
func (s *Store) RedeemRefreshToken(ctx context.Context, handle string, redeem storage.RefreshRedeemer) (_ *storage.RefreshToken, err error) {
	ctx, span := s.observer.Start(ctx, "redeem_refresh_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "redeem_refresh_token", err, start) }(time.Now())

	key := s.key(keyRefresh, handle)
	var result *storage.RefreshToken

	err = s.transact(ctx, func(tx *redis.Tx) error {
		result = nil
		current, err := s.getRefreshToken(ctx, tx, handle)
		if err != nil {
			return err
		}
		if current.FamilyID != "" {
			if err := tx.Watch(ctx, s.key(keyRevokedFamily, current.FamilyID)).Err(); err != nil {
				return fmt.Errorf("failed to watch family: %w", err)
			}
		}
		revoked, err := s.familyRevoked(ctx, tx, current.FamilyID)
		if err != nil {
			return err
		}
		switch {
		case revoked:
			return storage.ErrRevoked
		case current.Consumed:
			result = current
			return storage.ErrAlreadyUsed
		case security.IsExpiredAt(current.ExpiresAt, s.clock.Now()):
			return storage.ErrExpired
		}

		var next *storage.RefreshToken
		if redeem != nil {
			if next, err = redeem(current.Clone()); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		if err := s.checkNewRefreshToken(ctx, tx, next); err != nil {
			return err
		}
		nextTTL, err := s.ttlUntil(next.ExpiresAt)
		if err != nil {
			return err
		}
		nextData, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal refresh token: %w", err)
		}
		consumed := current.Clone()
		consumed.Consumed = true
		consumedData, err := json.Marshal(consumed)
		if err != nil {
			return fmt.Errorf("failed to marshal refresh token: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, consumedData, redis.KeepTTL)
			s.queueRefreshToken(ctx, pipe, next, nextData, nextTTL)
			return nil
		})
		if err != nil {
			return err
		}
		result = current
		return nil
	}, key)

	if errors.Is(err, storage.ErrAlreadyUsed) {
		return result, err
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// revokeFamily deletes every token in the family, leaves a tombstone and
// returns the number of tokens removed.
func (s *Store) revokeFamily(ctx context.Context, familyID string) (int, error) {
	familyKey := s.key(keyFamily, familyID)
	handles, err := s.client.SMembers(ctx, familyKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to get family members: %w", err)
	}

	// the tombstone goes first so a concurrent rotation cannot add a member
	if err := s.client.Set(ctx, s.key(keyRevokedFamily, familyID), "1", s.revokedFamilyRetention).Err(); err != nil {
		return 0, fmt.Errorf("failed to store family tombstone: %w", err)
	}

	keys := make([]string, 0, len(handles))
	for _, h := range handles {
		keys = append(keys, s.key(keyRefresh, h))
	}
	removed := int64(0)
	if len(keys) > 0 {
		if removed, err = s.client.Del(ctx, keys...).Result(); err != nil {
			return 0, fmt.Errorf("failed to delete family tokens: %w", err)
		}
	}
	_ = s.client.Del(ctx, familyKey).Err()
	return int(removed), nil
}

// RevokeRefreshTokenFamily deletes every token of a family.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (err error) {
	ctx, span := s.observer.Start(ctx, "revoke_refresh_family")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_refresh_family", err, start) }(time.Now())

	if familyID == "" {
		return nil
	}
	n, err := s.revokeFamily(ctx, familyID)
	if err != nil {
		return err
	}
	s.logger.Info("Revoked refresh token family", "family_id", familyID, "tokens_removed", n)
	return nil
}

// RevokeAllRefreshTokens revokes every family belonging to subject and client.
func (s *Store) RevokeAllRefreshTokens(ctx context.Context, subjectID, clientID string) (_ int, err error) {
	ctx, span := s.observer.Start(ctx, "revoke_all_refresh_tokens")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_all_refresh_tokens", err, start) }(time.Now())

	grantKey := s.grantKey(keyGrantRefresh, subjectID, clientID)
	handles, err := s.client.SMembers(ctx, grantKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to get grant index: %w", err)
	}

	removed := 0
	families := make(map[string]struct{})
	for _, h := range handles {
		t, err := s.getRefreshToken(ctx, s.client, h)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if t.FamilyID != "" {
			families[t.FamilyID] = struct{}{}
			continue
		}
		n, err := s.client.Del(ctx, s.key(keyRefresh, h)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to delete refresh token: %w", err)
		}
		removed += int(n)
	}
	for id := range families {
		n, err := s.revokeFamily(ctx, id)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	_ = s.client.Del(ctx, grantKey).Err()
	return removed, nil
}

// ============================================================
// Reference tokens
// ============================================================

// SaveReferenceToken stores a reference token's metadata, encrypted when a
// key is configured, until it expires.
func (s *Store) SaveReferenceToken(ctx context.Context, token *storage.ReferenceToken) (err error) {
	ctx, span := s.observer.Start(ctx, "save_reference_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "save_reference_token", err, start) }(time.Now())

	if token == nil || token.Handle == "" {
		return errors.New("reference token handle must not be empty")
	}
	if token.ExpiresAt.IsZero() {
		return errors.New("reference token must expire")
	}
	ttl, err := s.ttlUntil(token.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal reference token: %w", err)
	}
	sealed, err := s.encryptor.Seal(data, []byte(token.Handle))
	if err != nil {
		return fmt.Errorf("failed to encrypt reference token: %w", err)
	}

	key := s.key(keyReference, token.Handle)
	ok, err := s.client.SetNX(ctx, key, sealed, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store reference token: %w", err)
	}
	if !ok {
		return errors.New("reference token already exists")
	}

	grantKey := s.grantKey(keyGrantReference, token.SubjectID, token.ClientID)
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, grantKey, token.Handle)
		pipe.Expire(ctx, grantKey, ttl)
		return nil
	}); err != nil {
		// compensate so no unindexed token survives
		_ = s.client.Del(ctx, key).Err()
		return fmt.Errorf("failed to index reference token: %w", err)
	}
	return nil
}

// GetReferenceToken returns a reference token's metadata.
func (s *Store) GetReferenceToken(ctx context.Context, handle string) (_ *storage.ReferenceToken, err error) {
	ctx, span := s.observer.Start(ctx, "get_reference_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "get_reference_token", err, start) }(time.Now())

	sealed, err := s.client.Get(ctx, s.key(keyReference, handle)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get reference token: %w", err)
	}
	data, err := s.encryptor.Open(sealed, []byte(handle))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt reference token: %w", err)
	}
	var t storage.ReferenceToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reference token: %w", err)
	}
	if security.IsExpiredAt(t.ExpiresAt, s.clock.Now()) {
		return nil, storage.ErrExpired
	}
	return &t, nil
}

// RevokeReferenceToken removes a reference token.
func (s *Store) RevokeReferenceToken(ctx context.Context, handle string) (err error) {
	ctx, span := s.observer.Start(ctx, "revoke_reference_token")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_reference_token", err, start) }(time.Now())

	return s.client.Del(ctx, s.key(keyReference, handle)).Err()
}

// RevokeAllReferenceTokens removes every reference token of subject and client.
func (s *Store) RevokeAllReferenceTokens(ctx context.Context, subjectID, clientID string) (_ int, err error) {
	ctx, span := s.observer.Start(ctx, "revoke_all_reference_tokens")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_all_reference_tokens", err, start) }(time.Now())

	grantKey := s.grantKey(keyGrantReference, subjectID, clientID)
	handles, err := s.client.SMembers(ctx, grantKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to get grant index: %w", err)
	}
	if len(handles) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(handles))
	for _, h := range handles {
		keys = append(keys, s.key(keyReference, h))
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete reference tokens: %w", err)
	}
	_ = s.client.Del(ctx, grantKey).Err()
	return int(n), nil
}

// ============================================================
// Consent
// ============================================================

// SaveConsent remembers a consent decision.
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) (err error) {
	ctx, span := s.observer.Start(ctx, "save_consent")
	defer func(start time.Time) { s.observer.Done(ctx, span, "save_consent", err, start) }(time.Now())

	if consent == nil || consent.SubjectID == "" || consent.ClientID == "" {
		return errors.New("consent requires subject and client")
	}
	ttl, err := s.ttlUntil(consent.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(consent)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	return s.client.Set(ctx, s.grantKey(keyConsent, consent.SubjectID, consent.ClientID), data, ttl).Err()
}

// GetConsent returns a remembered consent decision.
func (s *Store) GetConsent(ctx context.Context, subjectID, clientID string) (_ *storage.Consent, err error) {
	ctx, span := s.observer.Start(ctx, "get_consent")
	defer func(start time.Time) { s.observer.Done(ctx, span, "get_consent", err, start) }(time.Now())

	data, err := s.client.Get(ctx, s.grantKey(keyConsent, subjectID, clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	var c storage.Consent
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consent: %w", err)
	}
	if security.IsExpiredAt(c.ExpiresAt, s.clock.Now()) {
		return nil, storage.ErrExpired
	}
	return &c, nil
}

// RevokeConsent forgets a consent decision.
func (s *Store) RevokeConsent(ctx context.Context, subjectID, clientID string) (err error) {
	ctx, span := s.observer.Start(ctx, "revoke_consent")
	defer func(start time.Time) { s.observer.Done(ctx, span, "revoke_consent", err, start) }(time.Now())

	return s.client.Del(ctx, s.grantKey(keyConsent, subjectID, clientID)).Err()
}
