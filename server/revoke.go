package server

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"

	"github.com/giantswarm/idp-engine/internal/util"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/storage"
	"github.com/giantswarm/idp-engine/token"
)

// Token type hints (RFC 7009 section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// RevocationRequest is an RFC 7009 revocation request.
type RevocationRequest struct {
	ClientID      string
	ClientSecret  string
	Token         string
	TokenTypeHint string
	ClientIP      string
}

// Revoke revokes a refresh token (with its family) or a reference access
// token owned by the authenticated client. Unknown tokens, tokens of other
// clients and self-contained JWTs succeed without effect.
func (s *Server) Revoke(ctx context.Context, req RevocationRequest) error {
	ctx, span := s.tracer.Start(ctx, "server.Revoke")
	defer span.End()

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return errInvalidRequest("token is required")
	}

	tryRefresh := func() (bool, error) { return s.revokeRefreshToken(ctx, client, req) }
	tryReference := func() (bool, error) {
		revoked, err := s.issuer.RevokeReference(ctx, req.Token, client.ClientID)
		if revoked {
			s.recordRevocation(ctx, client.ClientID, "", req.ClientIP, TokenTypeHintAccessToken)
		}
		return revoked, err
	}

	order := []func() (bool, error){tryRefresh, tryReference}
	if req.TokenTypeHint == TokenTypeHintAccessToken {
		order = []func() (bool, error){tryReference, tryRefresh}
	}
	for _, try := range order {
		done, err := try()
		if err != nil {
			return s.transient(ctx, "revoke", err)
		}
		if done {
			return nil
		}
	}
	return nil
}

// revokeRefreshToken reports whether req.Token was a refresh token of client
// and is now revoked.
func (s *Server) revokeRefreshToken(ctx context.Context, client *registry.Client, req RevocationRequest) (bool, error) {
	rt, err := s.store.GetRefreshToken(ctx, req.Token)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired), errors.Is(err, storage.ErrRevoked):
		return false, nil
	case err != nil:
		return false, err
	}
	if rt.ClientID != client.ClientID {
		s.Logger.WarnContext(ctx, "Client tried to revoke a refresh token issued to another client",
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(req.Token, handleLogLength))
		// the token exists, so stop looking; nothing is revoked
		return true, nil
	}
	if err := s.store.RevokeRefreshTokenFamily(ctx, rt.FamilyID); err != nil {
		return false, err
	}
	s.recordRevocation(ctx, client.ClientID, rt.SubjectID, req.ClientIP, TokenTypeHintRefreshToken)
	return true, nil
}

func (s *Server) recordRevocation(ctx context.Context, clientID, subjectID, clientIP, tokenType string) {
	s.Auditor.LogTokenRevoked(subjectID, clientID, clientIP, tokenType)
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, clientID, tokenType)
	}
}

// IntrospectionRequest is an RFC 7662 request made by an API resource.
type IntrospectionRequest struct {
	ResourceName   string
	ResourceSecret string
	Token          string
	TokenTypeHint  string
	ClientIP       string
}

// IntrospectionResponse is an RFC 7662 response. Claims holds the token's
// user claims, flattened into the JSON object.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	JTI       string   `json:"jti,omitempty"`

	Claims map[string]any `json:"-"`
}

// MarshalJSON flattens Claims next to the standard members. Standard members
// win on conflict.
func (r IntrospectionResponse) MarshalJSON() ([]byte, error) {
	type plain IntrospectionResponse
	base, err := json.Marshal(plain(r))
	if err != nil || len(r.Claims) == 0 {
		return base, err
	}
	merged := map[string]any{}
	maps.Copy(merged, r.Claims)
	var std map[string]any
	if err := json.Unmarshal(base, &std); err != nil {
		return nil, err
	}
	maps.Copy(merged, std)
	return json.Marshal(merged)
}

// Introspect resolves an access token for an API resource. The token is
// active only if it is valid, unexpired, issued to a still-registered client
// and addressed to the calling resource.
func (s *Server) Introspect(ctx context.Context, req IntrospectionRequest) (resp *IntrospectionResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "server.Introspect")
	defer span.End()

	resource, lookupErr := s.registry.LookupApiResource(req.ResourceName)
	if lookupErr != nil {
		s.validator.RejectUnknownClient(req.ResourceSecret)
	}
	if lookupErr != nil || !s.validator.ValidateAPISecret(resource, req.ResourceSecret) {
		s.Auditor.LogAuthFailure("", req.ResourceName, req.ClientIP, "api resource authentication failed")
		if s.metrics != nil {
			s.metrics.RecordClientAuthFailure(ctx, req.ResourceName)
		}
		return nil, errInvalidClient()
	}
	if req.Token == "" {
		return nil, errInvalidRequest("token is required")
	}

	defer func() {
		if s.metrics != nil && resp != nil {
			s.metrics.RecordIntrospection(ctx, resource.Name, resp.Active)
		}
	}()

	info, err := s.issuer.Introspect(ctx, req.Token)
	if errors.Is(err, token.ErrInvalidToken) {
		return &IntrospectionResponse{}, nil
	}
	if err != nil {
		return nil, s.transient(ctx, "introspect", err)
	}
	if !slices.Contains(info.Audiences, resource.Name) {
		s.Logger.DebugContext(ctx, "Token not addressed to the introspecting resource",
			"resource", resource.Name, "client_id", info.ClientID)
		return &IntrospectionResponse{}, nil
	}
	if _, err := s.registry.LookupClient(info.ClientID); err != nil {
		return &IntrospectionResponse{}, nil
	}

	// only the caller's own scopes are disclosed
	scopes := slices.DeleteFunc(slices.Clone(info.Scopes), func(n string) bool {
		return !slices.Contains(resource.Scopes, n)
	})
	return &IntrospectionResponse{
		Active:    true,
		Scope:     util.JoinScope(scopes),
		ClientID:  info.ClientID,
		Subject:   info.SubjectID,
		TokenType: TokenTypeHintAccessToken,
		Issuer:    s.issuer.IssuerURL(),
		Audience:  info.Audiences,
		IssuedAt:  unixOrZero(info.IssuedAt),
		ExpiresAt: unixOrZero(info.ExpiresAt),
		JTI:       info.JTI,
		Claims:    info.Claims,
	}, nil
}

// ValidatePostLogoutRedirect checks uri against the client's registered post
// logout redirect URIs by exact match.
func (s *Server) ValidatePostLogoutRedirect(clientID, uri string) error {
	client, err := s.registry.LookupClient(clientID)
	if err != nil {
		return errInvalidRequest("unknown client")
	}
	if uri == "" || !slices.Contains(client.PostLogoutRedirectURIs, uri) {
		return errInvalidRequest("post_logout_redirect_uri is not registered for this client")
	}
	return nil
}
