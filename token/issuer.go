// Package token mints access and identity tokens and resolves them for
// introspection.
//
// Access tokens are either self-contained RS256 JWTs or opaque reference
// handles whose metadata lives in a storage.ReferenceTokenStore until expiry.
// Identity tokens are always signed JWTs.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/internal/util"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/storage"
)

// Format is the wire form of an issued token.
type Format string

const (
	FormatJWT       Format = "jwt"
	FormatReference Format = "reference"
)

// JWT typ headers. Access tokens use the RFC 9068 media type so an identity
// token is never accepted where an access token is expected.
const (
	typeAccessToken   = "at+jwt"
	typeIdentityToken = "JWT"
)

// ErrInvalidToken means the token is unknown, expired, revoked or fails
// verification.
var ErrInvalidToken = errors.New("invalid token")

// reservedClaims are set by the issuer and cannot be overridden by user
// claims.
var reservedClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
	"client_id": {}, "scope": {}, "auth_time": {}, "nonce": {}, "at_hash": {}, "c_hash": {},
}

// IssuedToken is a freshly minted token.
type IssuedToken struct {
	Value  string
	Format Format
	// IssuedAt and ExpiresAt are the iat and exp instants, in whole seconds.
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    []string
	JTI       string
}

// AccessTokenRequest describes an access token to issue.
type AccessTokenRequest struct {
	Client *registry.Client
	// SubjectID is empty for client_credentials.
	SubjectID string
	Scopes    []string
	// Audiences are the API resource names addressed by Scopes.
	Audiences []string
	// Claims are user claims of the addressed API resources.
	Claims   map[string]any
	AuthTime time.Time
}

// IDTokenRequest describes an identity token to issue.
type IDTokenRequest struct {
	Client    *registry.Client
	SubjectID string
	Nonce     string
	AuthTime  time.Time
	// AccessToken and Code, when set, are bound through at_hash and c_hash.
	AccessToken string
	Code        string
	Claims      map[string]any
}

// TokenInfo is the metadata of a resolved access token.
type TokenInfo struct {
	Format    Format
	ClientID  string
	SubjectID string
	Scopes    []string
	Audiences []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	JTI       string
	Claims    map[string]any
}

// Issuer signs and resolves tokens.
type Issuer struct {
	issuer     string
	keys       *KeySet
	references storage.ReferenceTokenStore
	clock      security.Clock
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
}

// NewIssuer creates an issuer for the given issuer URL. references may be nil
// when no client uses reference tokens.
func NewIssuer(issuerURL string, keys *KeySet, references storage.ReferenceTokenStore) *Issuer {
	return &Issuer{
		issuer:     issuerURL,
		keys:       keys,
		references: references,
		clock:      security.SystemClock{},
		logger:     slog.Default(),
	}
}

// SetClock replaces the time source.
func (i *Issuer) SetClock(c security.Clock) { i.clock = security.ClockOrSystem(c) }

// SetLogger sets the logger.
func (i *Issuer) SetLogger(l *slog.Logger) {
	if l != nil {
		i.logger = l
	}
}

// SetInstrumentation records issued token counts.
func (i *Issuer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		i.metrics = inst.Metrics()
	}
}

// IssuerURL returns the iss claim value.
func (i *Issuer) IssuerURL() string { return i.issuer }

// Keys returns the signing key set.
func (i *Issuer) Keys() *KeySet { return i.keys }

func (i *Issuer) now() time.Time {
	// JWT NumericDate has second precision
	return i.clock.Now().Truncate(time.Second)
}

func (i *Issuer) recordIssued(ctx context.Context, kind string, format Format) {
	if i.metrics != nil {
		i.metrics.RecordTokenIssued(ctx, kind, string(format))
	}
}

func copyUserClaims(dst jwt.MapClaims, src map[string]any) {
	for k, v := range src {
		if _, reserved := reservedClaims[k]; !reserved {
			dst[k] = v
		}
	}
}

// audienceClaim renders aud as a string for one audience and an array
// otherwise.
func audienceClaim(aud []string) any {
	if len(aud) == 1 {
		return aud[0]
	}
	return aud
}

// IssueAccessToken mints an access token in the client's configured form.
func (i *Issuer) IssueAccessToken(ctx context.Context, req AccessTokenRequest) (*IssuedToken, error) {
	if req.Client == nil {
		return nil, errors.New("access token requires a client")
	}
	now := i.now()
	exp := now.Add(req.Client.AccessTokenTTL())

	if req.Client.AccessTokenType == registry.AccessTokenReference {
		return i.issueReference(ctx, req, now, exp)
	}

	jti := uuid.NewString()
	claims := jwt.MapClaims{}
	copyUserClaims(claims, req.Claims)
	claims["iss"] = i.issuer
	claims["client_id"] = req.Client.ClientID
	claims["scope"] = util.JoinScope(req.Scopes)
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = exp.Unix()
	claims["jti"] = jti
	if len(req.Audiences) > 0 {
		claims["aud"] = audienceClaim(req.Audiences)
	}
	if req.SubjectID != "" {
		claims["sub"] = req.SubjectID
		if !req.AuthTime.IsZero() {
			claims["auth_time"] = req.AuthTime.Unix()
		}
	}

	signed, err := i.keys.sign(claims, typeAccessToken)
	if err != nil {
		return nil, err
	}
	i.recordIssued(ctx, "access_token", FormatJWT)
	return &IssuedToken{
		Value:     signed,
		Format:    FormatJWT,
		IssuedAt:  now,
		ExpiresAt: exp,
		Scopes:    slices.Clone(req.Scopes),
		JTI:       jti,
	}, nil
}

func (i *Issuer) issueReference(ctx context.Context, req AccessTokenRequest, now, exp time.Time) (*IssuedToken, error) {
	if i.references == nil {
		return nil, errors.New("reference tokens require a reference token store")
	}
	handle := util.NewHandle()
	ref := &storage.ReferenceToken{
		Handle:    handle,
		ClientID:  req.Client.ClientID,
		SubjectID: req.SubjectID,
		Scopes:    slices.Clone(req.Scopes),
		Audiences: slices.Clone(req.Audiences),
		Claims:    maps.Clone(req.Claims),
		IssuedAt:  now,
		ExpiresAt: exp,
	}
	if !req.AuthTime.IsZero() && req.SubjectID != "" {
		if ref.Claims == nil {
			ref.Claims = map[string]any{}
		}
		ref.Claims["auth_time"] = req.AuthTime.Unix()
	}
	if err := i.references.SaveReferenceToken(ctx, ref); err != nil {
		return nil, fmt.Errorf("failed to store reference token: %w", err)
	}
	i.recordIssued(ctx, "access_token", FormatReference)
	return &IssuedToken{
		Value:     handle,
		Format:    FormatReference,
		IssuedAt:  now,
		ExpiresAt: exp,
		Scopes:    slices.Clone(req.Scopes),
	}, nil
}

// leftHalfHash computes at_hash and c_hash for RS256 tokens.
func leftHalfHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// IssueIdentityToken mints a signed identity token for the client.
func (i *Issuer) IssueIdentityToken(ctx context.Context, req IDTokenRequest) (*IssuedToken, error) {
	if req.Client == nil || req.SubjectID == "" {
		return nil, errors.New("identity token requires a client and a subject")
	}
	now := i.now()
	exp := now.Add(req.Client.IdentityTokenTTL())

	claims := jwt.MapClaims{}
	copyUserClaims(claims, req.Claims)
	claims["iss"] = i.issuer
	claims["sub"] = req.SubjectID
	claims["aud"] = req.Client.ClientID
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = exp.Unix()
	if !req.AuthTime.IsZero() {
		claims["auth_time"] = req.AuthTime.Unix()
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.AccessToken != "" {
		claims["at_hash"] = leftHalfHash(req.AccessToken)
	}
	if req.Code != "" {
		claims["c_hash"] = leftHalfHash(req.Code)
	}

	signed, err := i.keys.sign(claims, typeIdentityToken)
	if err != nil {
		return nil, err
	}
	i.recordIssued(ctx, "id_token", FormatJWT)
	return &IssuedToken{Value: signed, Format: FormatJWT, IssuedAt: now, ExpiresAt: exp}, nil
}

// Introspect resolves an access token. Reference handles are looked up first;
// anything else is verified as a JWT access token. Unknown, expired and
// malformed tokens yield ErrInvalidToken; store failures are returned as is.
func (i *Issuer) Introspect(ctx context.Context, value string) (*TokenInfo, error) {
	if value == "" {
		return nil, ErrInvalidToken
	}

	if i.references != nil && !strings.Contains(value, ".") {
		ref, err := i.references.GetReferenceToken(ctx, value)
		switch {
		case err == nil:
			return &TokenInfo{
				Format:    FormatReference,
				ClientID:  ref.ClientID,
				SubjectID: ref.SubjectID,
				Scopes:    ref.Scopes,
				Audiences: ref.Audiences,
				IssuedAt:  ref.IssuedAt,
				ExpiresAt: ref.ExpiresAt,
				Claims:    ref.Claims,
			}, nil
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			return nil, ErrInvalidToken
		default:
			return nil, err
		}
	}

	return i.verifyAccessToken(value)
}

func (i *Issuer) verifyAccessToken(value string) (*TokenInfo, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(value, claims, i.keys.Keyfunc,
		jwt.WithValidMethods([]string{SigningAlgorithm}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if typ, _ := t.Header["typ"].(string); typ != typeAccessToken {
		return nil, ErrInvalidToken
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || security.IsExpiredAt(exp.Time, i.clock.Now()) {
		return nil, ErrInvalidToken
	}
	aud, _ := claims.GetAudience()
	sub, _ := claims.GetSubject()
	info := &TokenInfo{
		Format:    FormatJWT,
		SubjectID: sub,
		Audiences: []string(aud),
		ExpiresAt: exp.Time,
		Claims:    map[string]any{},
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		info.IssuedAt = iat.Time
	}
	info.ClientID, _ = claims["client_id"].(string)
	info.JTI, _ = claims["jti"].(string)
	if scope, ok := claims["scope"].(string); ok {
		info.Scopes = util.ParseScope(scope)
	}
	for k, v := range claims {
		if _, reserved := reservedClaims[k]; !reserved {
			info.Claims[k] = v
		}
	}
	if v, ok := claims["auth_time"]; ok {
		info.Claims["auth_time"] = v
	}
	return info, nil
}

// RevokeReference revokes a reference token issued to clientID. Unknown
// handles succeed silently; handles of other clients are left alone and
// reported as not revoked.
func (i *Issuer) RevokeReference(ctx context.Context, handle, clientID string) (bool, error) {
	if i.references == nil {
		return false, nil
	}
	ref, err := i.references.GetReferenceToken(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ref.ClientID != clientID {
		i.logger.Warn("Client tried to revoke a reference token issued to another client",
			"client_id", clientID,
			"token_prefix", util.SafeTruncate(handle, 8))
		return false, nil
	}
	if err := i.references.RevokeReferenceToken(ctx, handle); err != nil {
		return false, err
	}
	return true, nil
}
