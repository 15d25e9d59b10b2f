// Package registry holds the read-only configuration the engine evaluates
// protocol requests against: clients, API resources, identity resources and
// the global scope namespace.
//
// A Registry is assembled once with a Builder (or loaded from YAML) and is
// immutable afterwards, so it can be shared across goroutines without locking.
package registry

import (
	"slices"
	"time"
)

// GrantType is an OAuth2 grant a client may be allowed to use.
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantImplicit          GrantType = "implicit"
	GrantHybrid            GrantType = "hybrid"
	GrantPassword          GrantType = "password"
	GrantRefreshToken      GrantType = "refresh_token"
)

// AccessTokenType selects the form of access tokens issued to a client.
type AccessTokenType string

const (
	// AccessTokenJWT is a self-contained signed token.
	AccessTokenJWT AccessTokenType = "jwt"
	// AccessTokenReference is an opaque handle resolved through introspection.
	AccessTokenReference AccessTokenType = "reference"
)

// RefreshTokenUsage controls whether a refresh token survives its own use.
type RefreshTokenUsage string

const (
	// RefreshOneTimeOnly rotates the refresh token on every use.
	RefreshOneTimeOnly RefreshTokenUsage = "OneTimeOnly"
	// RefreshReUse keeps the same refresh token until it expires.
	RefreshReUse RefreshTokenUsage = "ReUse"
)

// ScopeKind tells which kind of resource owns a scope.
type ScopeKind string

const (
	ScopeIdentity ScopeKind = "identity"
	ScopeAPI      ScopeKind = "api"
	ScopeOffline  ScopeKind = "offline"
)

const (
	// ScopeOpenID marks an OpenID Connect request.
	ScopeOpenID = "openid"
	// ScopeOfflineAccess requests a refresh token.
	ScopeOfflineAccess = "offline_access"
)

// Default lifetimes in seconds.
const (
	DefaultAccessTokenLifetime          = 3600
	DefaultIdentityTokenLifetime        = 300
	DefaultAuthorizationCodeLifetime    = 300
	DefaultAbsoluteRefreshTokenLifetime = 2592000
)

// Secret is a hashed shared secret. Value holds the hash, never the plain text.
type Secret struct {
	Value       string     `yaml:"value"`
	Description string     `yaml:"description,omitempty"`
	Expiration  *time.Time `yaml:"expiration,omitempty"`
}

// Expired reports whether the secret is no longer usable at now.
func (s Secret) Expired(now time.Time) bool {
	return s.Expiration != nil && !now.Before(*s.Expiration)
}

// Client is a registered OAuth2/OIDC client.
type Client struct {
	ClientID   string `yaml:"client_id"`
	ClientName string `yaml:"client_name,omitempty"`
	ClientURI  string `yaml:"client_uri,omitempty"`
	// Enabled is a pointer so that an omitted YAML field keeps the default.
	Enabled *bool `yaml:"enabled,omitempty"`

	AllowedGrantTypes   []GrantType `yaml:"allowed_grant_types"`
	ClientSecrets       []Secret    `yaml:"client_secrets,omitempty"`
	RequireClientSecret *bool       `yaml:"require_client_secret,omitempty"`
	AllowedScopes       []string    `yaml:"allowed_scopes"`

	RedirectURIs           []string `yaml:"redirect_uris,omitempty"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris,omitempty"`
	FrontChannelLogoutURI  string   `yaml:"front_channel_logout_uri,omitempty"`
	AllowedCORSOrigins     []string `yaml:"allowed_cors_origins,omitempty"`

	AccessTokenLifetime          int64             `yaml:"access_token_lifetime,omitempty"`
	IdentityTokenLifetime        int64             `yaml:"identity_token_lifetime,omitempty"`
	AuthorizationCodeLifetime    int64             `yaml:"authorization_code_lifetime,omitempty"`
	AbsoluteRefreshTokenLifetime int64             `yaml:"absolute_refresh_token_lifetime,omitempty"`
	AccessTokenType              AccessTokenType   `yaml:"access_token_type,omitempty"`
	RefreshTokenUsage            RefreshTokenUsage `yaml:"refresh_token_usage,omitempty"`

	RequireConsent                   bool  `yaml:"require_consent,omitempty"`
	AllowRememberConsent             *bool `yaml:"allow_remember_consent,omitempty"`
	AllowOfflineAccess               bool  `yaml:"allow_offline_access,omitempty"`
	AlwaysIncludeUserClaimsInIdToken bool  `yaml:"always_include_user_claims_in_id_token,omitempty"`
	AllowAccessTokensViaBrowser      bool  `yaml:"allow_access_tokens_via_browser,omitempty"`
	RequirePKCE                      bool  `yaml:"require_pkce,omitempty"`
	AllowPlainTextPKCE               bool  `yaml:"allow_plain_text_pkce,omitempty"`
}

// IsEnabled reports whether the client may be used.
func (c *Client) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SecretRequired reports whether the client must authenticate with a secret.
func (c *Client) SecretRequired() bool {
	return c.RequireClientSecret == nil || *c.RequireClientSecret
}

// RememberConsentAllowed reports whether consent decisions may be persisted.
func (c *Client) RememberConsentAllowed() bool {
	return c.AllowRememberConsent == nil || *c.AllowRememberConsent
}

// HasGrant reports whether g is among the client's allowed grant types.
func (c *Client) HasGrant(g GrantType) bool {
	return slices.Contains(c.AllowedGrantTypes, g)
}

// AllowsScope reports whether the client may request the named scope.
func (c *Client) AllowsScope(name string) bool {
	return slices.Contains(c.AllowedScopes, name)
}

// AccessTokenTTL returns the access token lifetime.
func (c *Client) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenLifetime) * time.Second
}

// IdentityTokenTTL returns the identity token lifetime.
func (c *Client) IdentityTokenTTL() time.Duration {
	return time.Duration(c.IdentityTokenLifetime) * time.Second
}

// AuthorizationCodeTTL returns the authorization code lifetime.
func (c *Client) AuthorizationCodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeLifetime) * time.Second
}

// RefreshTokenTTL returns the absolute refresh token lifetime.
func (c *Client) RefreshTokenTTL() time.Duration {
	return time.Duration(c.AbsoluteRefreshTokenLifetime) * time.Second
}

// clone returns a deep copy so callers cannot mutate registry state.
func (c *Client) clone() *Client {
	cp := *c
	cp.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	cp.ClientSecrets = slices.Clone(c.ClientSecrets)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	cp.AllowedCORSOrigins = slices.Clone(c.AllowedCORSOrigins)
	return &cp
}

// ApiResource is a protected back-end and the scopes it exposes.
type ApiResource struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name,omitempty"`
	Scopes      []string `yaml:"scopes,omitempty"`
	UserClaims  []string `yaml:"user_claims,omitempty"`
	ApiSecrets  []Secret `yaml:"api_secrets,omitempty"`
}

func (r *ApiResource) clone() *ApiResource {
	cp := *r
	cp.Scopes = slices.Clone(r.Scopes)
	cp.UserClaims = slices.Clone(r.UserClaims)
	cp.ApiSecrets = slices.Clone(r.ApiSecrets)
	return &cp
}

// IdentityResource is a named set of user claims.
type IdentityResource struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name,omitempty"`
	UserClaims  []string `yaml:"user_claims,omitempty"`
	Required    bool     `yaml:"required,omitempty"`
	Emphasize   bool     `yaml:"emphasize,omitempty"`
}

func (r *IdentityResource) clone() *IdentityResource {
	cp := *r
	cp.UserClaims = slices.Clone(r.UserClaims)
	return &cp
}

// Scope is an entry in the global scope namespace.
type Scope struct {
	Name string
	Kind ScopeKind
	// Resource is the owning resource name; empty for offline_access.
	Resource string
}

// Resolution is the outcome of resolving requested scope names.
type Resolution struct {
	APIScopes      []string
	IdentityScopes []string
	Offline        bool
	// Invalid lists names that do not exist in the registry.
	Invalid []string
}

// All returns every valid scope in the resolution, identity scopes first.
func (r Resolution) All() []string {
	out := make([]string, 0, len(r.IdentityScopes)+len(r.APIScopes)+1)
	out = append(out, r.IdentityScopes...)
	out = append(out, r.APIScopes...)
	if r.Offline {
		out = append(out, ScopeOfflineAccess)
	}
	return out
}

// HasOpenID reports whether openid was resolved.
func (r Resolution) HasOpenID() bool {
	return slices.Contains(r.IdentityScopes, ScopeOpenID)
}

// ResourceSet is the API resources addressed by a set of scopes.
type ResourceSet struct {
	// Audiences are the API resource names, in registration order.
	Audiences []string
	// UserClaims is the union of the resources' user claim types.
	UserClaims []string
}
