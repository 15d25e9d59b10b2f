package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"
)

var (
	// ErrNotFound means the key does not exist (or was evicted).
	ErrNotFound = errors.New("not found")

	// ErrExpired means the entry exists but its expiry has been reached.
	ErrExpired = errors.New("expired")

	// ErrAlreadyUsed means a single-use code or refresh token was redeemed before.
	ErrAlreadyUsed = errors.New("already used")

	// ErrRevoked means the entry belongs to a revoked refresh token family.
	ErrRevoked = errors.New("revoked")
)

// AuthorizationSession is a pending authorization code.
type AuthorizationSession struct {
	Code                string    `json:"code"`
	SubjectID           string    `json:"subject_id"`
	ClientID            string    `json:"client_id"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
}

// Clone returns a deep copy.
func (s *AuthorizationSession) Clone() *AuthorizationSession {
	cp := *s
	cp.Scopes = slices.Clone(s.Scopes)
	return &cp
}

// RefreshToken is an issued refresh token. Tokens rotated out of use are kept
// with Consumed set until they expire, so replays can be detected.
type RefreshToken struct {
	Handle     string    `json:"handle"`
	SubjectID  string    `json:"subject_id"`
	ClientID   string    `json:"client_id"`
	Scopes     []string  `json:"scopes"`
	AuthTime   time.Time `json:"auth_time"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	OneTime    bool      `json:"one_time"`
	FamilyID   string    `json:"family_id"`
	Generation int       `json:"generation"`
	Consumed   bool      `json:"consumed"`
}

// Clone returns a deep copy.
func (t *RefreshToken) Clone() *RefreshToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// ReferenceToken is the stored metadata behind an opaque access token.
type ReferenceToken struct {
	Handle    string         `json:"handle"`
	ClientID  string         `json:"client_id"`
	SubjectID string         `json:"subject_id,omitempty"`
	Scopes    []string       `json:"scopes"`
	Audiences []string       `json:"audiences,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Clone returns a copy; claim values are shared.
func (t *ReferenceToken) Clone() *ReferenceToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	cp.Audiences = slices.Clone(t.Audiences)
	cp.Claims = maps.Clone(t.Claims)
	return &cp
}

// Consent is a remembered end-user approval.
type Consent struct {
	SubjectID string    `json:"subject_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt zero means the consent does not expire.
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionCheck validates a session inside the redemption critical section,
// before the session is marked used. Returning an error aborts redemption and
// leaves the session unused. Implementations may invoke it more than once
// with the same session.
type SessionCheck func(*AuthorizationSession) error

// RefreshRedeemer inspects the presented token inside the redemption critical
// section and returns its replacement, or nil to keep the token in place.
// Returning an error aborts redemption without changes. Implementations may
// invoke it more than once with the same token.
type RefreshRedeemer func(current *RefreshToken) (next *RefreshToken, err error)

// SessionStore tracks pending authorization codes.
type SessionStore interface {
	// CreateSession stores a new session. The code must be unique.
	CreateSession(ctx context.Context, session *AuthorizationSession) error

	// ConsumeSession redeems a code exactly once. Lookup, the used and
	// expiry checks, check and marking the session used form one critical
	// section per code. Errors:
	//   - ErrNotFound for unknown codes
	//   - ErrAlreadyUsed for redeemed codes; the session is returned too so
	//     the caller can revoke what it issued
	//   - ErrExpired once ExpiresAt is reached (exclusive boundary)
	//   - the check's error, leaving the session unused
	//   - ctx.Err() if ctx is done before commit, leaving the session unused
	ConsumeSession(ctx context.Context, code string, check SessionCheck) (*AuthorizationSession, error)

	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, code string) error
}

// RefreshTokenStore tracks issued refresh tokens and their families.
type RefreshTokenStore interface {
	// SaveRefreshToken stores a new refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a token; ErrExpired and ErrRevoked apply.
	GetRefreshToken(ctx context.Context, handle string) (*RefreshToken, error)

	// RedeemRefreshToken atomically validates the token and, when the
	// redeemer returns a replacement, marks the presented token consumed
	// and stores the replacement. It returns the presented token. A
	// consumed token yields ErrAlreadyUsed together with the token.
	RedeemRefreshToken(ctx context.Context, handle string, redeem RefreshRedeemer) (*RefreshToken, error)

	// RevokeRefreshTokenFamily deletes every token of a family and refuses
	// future tokens from it.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) error

	// RevokeAllRefreshTokens revokes every family of a subject and client,
	// returning the number of tokens removed.
	RevokeAllRefreshTokens(ctx context.Context, subjectID, clientID string) (int, error)
}

// ReferenceTokenStore maps opaque access token handles to their metadata.
// Entries are evicted when they expire; revocation removes them early.
type ReferenceTokenStore interface {
	SaveReferenceToken(ctx context.Context, token *ReferenceToken) error
	GetReferenceToken(ctx context.Context, handle string) (*ReferenceToken, error)
	RevokeReferenceToken(ctx context.Context, handle string) error
	RevokeAllReferenceTokens(ctx context.Context, subjectID, clientID string) (int, error)
}

// ConsentStore remembers consent decisions.
type ConsentStore interface {
	SaveConsent(ctx context.Context, consent *Consent) error
	GetConsent(ctx context.Context, subjectID, clientID string) (*Consent, error)
	RevokeConsent(ctx context.Context, subjectID, clientID string) error
}

// Store is implemented by backends providing all engine state.
type Store interface {
	SessionStore
	RefreshTokenStore
	ReferenceTokenStore
	ConsentStore
}
