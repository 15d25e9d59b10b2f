package server

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/idp-engine/internal/util"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/storage"
	"github.com/giantswarm/idp-engine/token"
)

// TokenTypeBearer is the token_type of every access token.
const TokenTypeBearer = "Bearer"

// issueAccessToken mints an access token carrying scopes. Audiences and user
// claims come from the API resources the scopes belong to.
func (s *Server) issueAccessToken(ctx context.Context, client *registry.Client, subjectID string, scopes []string, authTime time.Time) (*token.IssuedToken, error) {
	resources := s.registry.ApiResourcesForScopes(scopes)
	userClaims, err := s.claims.ResourceClaims(ctx, subjectID, resources.UserClaims)
	if err != nil {
		return nil, s.transient(ctx, "resource_claims", err)
	}
	issued, err := s.issuer.IssueAccessToken(ctx, token.AccessTokenRequest{
		Client:    client,
		SubjectID: subjectID,
		Scopes:    scopes,
		Audiences: resources.Audiences,
		Claims:    userClaims,
		AuthTime:  authTime,
	})
	if err != nil {
		return nil, s.transient(ctx, "issue_access_token", err)
	}
	return issued, nil
}

type identityTokenParams struct {
	client         *registry.Client
	subjectID      string
	identityScopes []string
	nonce          string
	authTime       time.Time
	accessToken    string
	code           string
	// withClaims embeds the identity-scope claims instead of only sub.
	withClaims bool
}

func (s *Server) issueIdentityToken(ctx context.Context, p identityTokenParams) (*token.IssuedToken, error) {
	var userClaims map[string]any
	if p.withClaims {
		var err error
		userClaims, err = s.claims.AssembleClaims(ctx, p.subjectID, p.identityScopes)
		if err != nil {
			return nil, s.transient(ctx, "identity_claims", err)
		}
	}
	issued, err := s.issuer.IssueIdentityToken(ctx, token.IDTokenRequest{
		Client:      p.client,
		SubjectID:   p.subjectID,
		Nonce:       p.nonce,
		AuthTime:    p.authTime,
		AccessToken: p.accessToken,
		Code:        p.code,
		Claims:      userClaims,
	})
	if err != nil {
		return nil, s.transient(ctx, "issue_identity_token", err)
	}
	return issued, nil
}

// issueRefreshToken starts a new refresh token family.
func (s *Server) issueRefreshToken(ctx context.Context, client *registry.Client, subjectID string, scopes []string, authTime time.Time) (*storage.RefreshToken, error) {
	now := s.now()
	rt := &storage.RefreshToken{
		Handle:     util.NewHandle(),
		SubjectID:  subjectID,
		ClientID:   client.ClientID,
		Scopes:     slices.Clone(scopes),
		AuthTime:   authTime,
		CreatedAt:  now,
		ExpiresAt:  now.Add(client.RefreshTokenTTL()),
		OneTime:    client.RefreshTokenUsage != registry.RefreshReUse,
		FamilyID:   uuid.NewString(),
		Generation: 0,
	}
	if err := s.store.SaveRefreshToken(ctx, rt); err != nil {
		return nil, s.transient(ctx, "save_refresh_token", err)
	}
	s.Logger.DebugContext(ctx, "Created new refresh token family",
		"client_id", client.ClientID,
		"family_id", util.SafeTruncate(rt.FamilyID, handleLogLength))
	return rt, nil
}

// rotatedRefreshToken is the successor of current in its family. The absolute
// expiry is inherited, never extended.
func (s *Server) rotatedRefreshToken(current *storage.RefreshToken) *storage.RefreshToken {
	return &storage.RefreshToken{
		Handle:     util.NewHandle(),
		SubjectID:  current.SubjectID,
		ClientID:   current.ClientID,
		Scopes:     slices.Clone(current.Scopes),
		AuthTime:   current.AuthTime,
		CreatedAt:  s.now(),
		ExpiresAt:  current.ExpiresAt,
		OneTime:    current.OneTime,
		FamilyID:   current.FamilyID,
		Generation: current.Generation + 1,
	}
}

// expiresIn is the lifetime of an issued token, measured from the same
// instant its iat and exp were derived from.
func expiresIn(t *token.IssuedToken) int64 {
	return max(int64(t.ExpiresAt.Sub(t.IssuedAt)/time.Second), 0)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
