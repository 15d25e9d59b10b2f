package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/idp-engine/credentials"
	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/internal/util"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/storage"
	"github.com/giantswarm/idp-engine/token"
)

// TokenRequest is a token endpoint request. Client credentials are taken
// from whichever authentication method the transport accepted.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string

	// password
	Username string
	Password string

	Scope    string
	ClientIP string
}

// TokenResponse is a successful token endpoint response (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token dispatches a token request by grant_type.
func (s *Server) Token(ctx context.Context, req TokenRequest) (_ *TokenResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "server.Token")
	defer span.End()
	instrumentation.AddGrantAttributes(span, req.ClientID, req.GrantType, req.Scope)

	defer func() {
		result := "success"
		if err != nil {
			result = errorCode(err)
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		if s.metrics != nil {
			s.metrics.RecordGrant(ctx, req.GrantType, req.ClientID, result)
		}
	}()

	switch registry.GrantType(req.GrantType) {
	case registry.GrantClientCredentials:
		return s.clientCredentialsGrant(ctx, req)
	case registry.GrantAuthorizationCode:
		return s.authorizationCodeGrant(ctx, req)
	case registry.GrantPassword:
		return s.passwordGrant(ctx, req)
	case registry.GrantRefreshToken:
		return s.refreshTokenGrant(ctx, req)
	case "":
		return nil, errInvalidRequest("grant_type is required")
	}
	return nil, errUnsupportedGrantType()
}

// authenticateClient looks up the client and checks its secret. Unknown
// clients and wrong secrets produce the same error.
func (s *Server) authenticateClient(ctx context.Context, clientID, secret, clientIP string) (*registry.Client, error) {
	fail := func(reason string) (*registry.Client, error) {
		s.Auditor.LogAuthFailure("", clientID, clientIP, reason)
		if s.metrics != nil {
			s.metrics.RecordClientAuthFailure(ctx, clientID)
		}
		return nil, errInvalidClient()
	}
	if clientID == "" {
		return fail("missing client_id")
	}
	client, err := s.registry.LookupClient(clientID)
	if err != nil {
		s.validator.RejectUnknownClient(secret)
		return fail("unknown or disabled client")
	}
	if !s.validator.ValidateClientSecret(client, secret) {
		return fail("invalid client secret")
	}
	return client, nil
}

func (s *Server) clientCredentialsGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if !client.SecretRequired() || req.ClientSecret == "" {
		return nil, errInvalidClient()
	}
	if !s.registry.IsGrantAllowed(client, registry.GrantClientCredentials) {
		return nil, errUnauthorizedClient()
	}

	granted, scopeErr := s.grantScopes(client, util.ParseScope(req.Scope), registry.GrantClientCredentials)
	if scopeErr != nil {
		return nil, scopeErr
	}

	at, err := s.issueAccessToken(ctx, client, "", granted.APIScopes, time.Time{})
	if err != nil {
		return nil, err
	}
	s.Auditor.LogTokenIssued("", client.ClientID, req.ClientIP, req.GrantType, granted.APIScopes)
	return &TokenResponse{
		AccessToken: at.Value,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   expiresIn(at),
		Scope:       util.JoinScope(granted.APIScopes),
	}, nil
}

func (s *Server) authorizationCodeGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if !s.registry.IsGrantAllowed(client, registry.GrantAuthorizationCode) &&
		!s.registry.IsGrantAllowed(client, registry.GrantHybrid) {
		return nil, errUnauthorizedClient()
	}
	if req.Code == "" {
		return nil, errInvalidRequest("code is required")
	}

	// Tokens are minted while the session is held and before it is marked
	// used: a failed issuance leaves the code redeemable, and a code is never
	// burned without a response. A retried transaction sees the same session,
	// so tokens are minted once.
	var minted *issuedTokens
	session, err := s.store.ConsumeSession(ctx, req.Code, func(session *storage.AuthorizationSession) error {
		if session.ClientID != client.ClientID {
			return errInvalidGrant()
		}
		if session.RedirectURI != "" && session.RedirectURI != req.RedirectURI {
			return errInvalidGrant()
		}
		if err := validatePKCE(session.CodeChallenge, session.CodeChallengeMethod, req.CodeVerifier); err != nil {
			return err
		}
		if minted == nil {
			resolved := s.registry.ResolveScopes(session.Scopes)
			t, err := s.issueTokens(ctx, client, session.SubjectID, resolved, session.AuthTime, session.Nonce, true)
			if err != nil {
				return err
			}
			minted = t
		}
		return nil
	})
	if err != nil {
		s.discardTokens(ctx, minted)
	}
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyUsed):
		s.handleCodeReuse(ctx, session, req.ClientIP)
		return nil, errInvalidGrant()
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
		s.Logger.DebugContext(ctx, "Authorization code rejected",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, handleLogLength),
			"reason", err)
		return nil, errInvalidGrant()
	case errors.Is(err, errPKCEMismatch), errors.Is(err, errVerifierMissing), errors.Is(err, errUnexpectedPKCE):
		s.Auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "pkce validation failed")
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, "unknown")
		}
		return nil, errInvalidGrant()
	default:
		return nil, s.transient(ctx, "consume_session", err)
	}

	s.Auditor.LogTokenIssued(session.SubjectID, client.ClientID, req.ClientIP, req.GrantType, session.Scopes)
	return minted.resp, nil
}

// handleCodeReuse revokes everything issued for the subject and client of a
// replayed code.
func (s *Server) handleCodeReuse(ctx context.Context, session *storage.AuthorizationSession, clientIP string) {
	if session == nil {
		return
	}
	s.Logger.ErrorContext(ctx, "Authorization code reuse detected, revoking issued tokens",
		"client_id", session.ClientID,
		"code_prefix", util.SafeTruncate(session.Code, handleLogLength))
	s.Auditor.LogCodeReuse(session.SubjectID, session.ClientID, clientIP)
	if s.metrics != nil {
		s.metrics.RecordCodeReuseDetected(ctx)
	}

	// revocation must not be skipped because the attacker gave up
	ctx = context.WithoutCancel(ctx)
	if n, err := s.store.RevokeAllRefreshTokens(ctx, session.SubjectID, session.ClientID); err != nil {
		s.Logger.ErrorContext(ctx, "Failed to revoke refresh tokens after code reuse", "error", err)
	} else {
		s.Logger.InfoContext(ctx, "Revoked refresh tokens after code reuse", "count", n)
	}
	if _, err := s.store.RevokeAllReferenceTokens(ctx, session.SubjectID, session.ClientID); err != nil {
		s.Logger.ErrorContext(ctx, "Failed to revoke reference tokens after code reuse", "error", err)
	}
}

func (s *Server) passwordGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if !s.registry.IsGrantAllowed(client, registry.GrantPassword) {
		return nil, errUnauthorizedClient()
	}

	granted, scopeErr := s.grantScopes(client, util.ParseScope(req.Scope), registry.GrantPassword)
	if scopeErr != nil {
		return nil, scopeErr
	}

	subjectID, err := s.validator.ValidateResourceOwnerCredentials(ctx, req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, credentials.ErrInvalidCredentials):
		s.Auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "invalid resource owner credentials")
		return nil, errInvalidGrant()
	default:
		return nil, s.transient(ctx, "validate_resource_owner", err)
	}

	issued, err := s.issueTokens(ctx, client, subjectID, granted, s.now(), "", true)
	if err != nil {
		return nil, err
	}
	s.Auditor.LogTokenIssued(subjectID, client.ClientID, req.ClientIP, req.GrantType, granted.All())
	return issued.resp, nil
}

// issuedTokens is a token response and the server-side state created for it.
type issuedTokens struct {
	resp *TokenResponse
	// reference is the handle of a reference access token.
	reference string
	// familyID is the refresh token family started for the response.
	familyID string
}

// issueTokens mints the access token, plus an identity token when openid was
// granted and a refresh token when offline_access was granted (and
// newRefresh is set). On error, nothing it persisted stays usable.
func (s *Server) issueTokens(ctx context.Context, client *registry.Client, subjectID string, granted registry.Resolution, authTime time.Time, nonce string, newRefresh bool) (_ *issuedTokens, err error) {
	scopes := granted.All()
	at, err := s.issueAccessToken(ctx, client, subjectID, scopes, authTime)
	if err != nil {
		return nil, err
	}
	issued := &issuedTokens{
		resp: &TokenResponse{
			AccessToken: at.Value,
			TokenType:   TokenTypeBearer,
			ExpiresIn:   expiresIn(at),
			Scope:       util.JoinScope(scopes),
		},
	}
	if at.Format == token.FormatReference {
		issued.reference = at.Value
	}
	defer func() {
		if err != nil {
			s.discardTokens(ctx, issued)
		}
	}()

	if granted.HasOpenID() {
		idt, err := s.issueIdentityToken(ctx, identityTokenParams{
			client:         client,
			subjectID:      subjectID,
			identityScopes: granted.IdentityScopes,
			nonce:          nonce,
			authTime:       authTime,
			accessToken:    at.Value,
			withClaims:     client.AlwaysIncludeUserClaimsInIdToken,
		})
		if err != nil {
			return nil, err
		}
		issued.resp.IDToken = idt.Value
	}

	if newRefresh && granted.Offline && client.AllowOfflineAccess {
		rt, err := s.issueRefreshToken(ctx, client, subjectID, scopes, authTime)
		if err != nil {
			return nil, err
		}
		issued.resp.RefreshToken = rt.Handle
		issued.familyID = rt.FamilyID
	}
	return issued, nil
}

// discardTokens revokes the state created for a response that is not
// returned to the client.
func (s *Server) discardTokens(ctx context.Context, issued *issuedTokens) {
	if issued == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if issued.reference != "" {
		if err := s.store.RevokeReferenceToken(ctx, issued.reference); err != nil {
			s.Logger.WarnContext(ctx, "Failed to discard reference token", "error", err)
		}
	}
	if issued.familyID != "" {
		if err := s.store.RevokeRefreshTokenFamily(ctx, issued.familyID); err != nil {
			s.Logger.WarnContext(ctx, "Failed to discard refresh token family", "error", err)
		}
	}
}

func (s *Server) refreshTokenGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if !s.registry.IsGrantAllowed(client, registry.GrantRefreshToken) {
		return nil, errUnauthorizedClient()
	}
	if req.RefreshToken == "" {
		return nil, errInvalidRequest("refresh_token is required")
	}
	requested := util.ParseScope(req.Scope)

	// as with codes, the replacement is committed only once the response
	// has been built
	var (
		minted *issuedTokens
		next   *storage.RefreshToken
	)
	current, err := s.store.RedeemRefreshToken(ctx, req.RefreshToken, func(current *storage.RefreshToken) (*storage.RefreshToken, error) {
		if current.ClientID != client.ClientID {
			return nil, errInvalidGrant()
		}
		if minted != nil {
			return next, nil
		}
		narrowed, ok := narrowScopes(current.Scopes, requested)
		if !ok {
			return nil, errInvalidScope()
		}
		// scopes removed from the registry or the client since the grant drop out
		resolved := s.registry.ResolveScopes(narrowed)
		resolved.Invalid = nil
		resolved = intersectScopes(resolved, client.AllowedScopes)
		if len(resolved.APIScopes) == 0 && len(resolved.IdentityScopes) == 0 {
			return nil, errInvalidScope()
		}
		t, err := s.issueTokens(ctx, client, current.SubjectID, resolved, current.AuthTime, "", false)
		if err != nil {
			return nil, err
		}
		minted = t
		if current.OneTime {
			next = s.rotatedRefreshToken(current)
		}
		return next, nil
	})
	if err != nil {
		s.discardTokens(ctx, minted)
	}
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyUsed):
		s.handleRefreshReuse(ctx, current, client.ClientID, req.ClientIP)
		return nil, errInvalidGrant()
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired), errors.Is(err, storage.ErrRevoked):
		s.Logger.DebugContext(ctx, "Refresh token rejected",
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(req.RefreshToken, handleLogLength),
			"reason", err)
		return nil, errInvalidGrant()
	default:
		return nil, s.transient(ctx, "redeem_refresh_token", err)
	}

	resp := minted.resp
	resp.RefreshToken = req.RefreshToken
	if next != nil {
		resp.RefreshToken = next.Handle
	}
	s.Auditor.LogTokenRefreshed(current.SubjectID, client.ClientID, req.ClientIP, next != nil)
	return resp, nil
}

// handleRefreshReuse revokes the family of a rotated refresh token that was
// presented again.
func (s *Server) handleRefreshReuse(ctx context.Context, presented *storage.RefreshToken, clientID, clientIP string) {
	if presented == nil {
		return
	}
	s.Logger.ErrorContext(ctx, "Refresh token reuse detected, revoking token family",
		"client_id", clientID,
		"family_id", util.SafeTruncate(presented.FamilyID, handleLogLength),
		"generation", presented.Generation)
	s.Auditor.LogRefreshTokenReuse(presented.SubjectID, presented.ClientID, clientIP, presented.FamilyID)
	if s.metrics != nil {
		s.metrics.RecordRefreshReuseDetected(ctx)
	}
	if err := s.store.RevokeRefreshTokenFamily(context.WithoutCancel(ctx), presented.FamilyID); err != nil {
		s.Logger.ErrorContext(ctx, "Failed to revoke token family", "error", err)
	}
}
