package registry

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ConfigurationError reports every inconsistency found while building a
// registry. It is fatal: a process must not start with a broken registry.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid registry configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid registry configuration (%d problems): %s",
		len(e.Problems), strings.Join(e.Problems, "; "))
}

// grantShorthands maps combined grant names to the grants they expand to.
var grantShorthands = map[string][]GrantType{
	"ClientCredentials":            {GrantClientCredentials},
	"Code":                         {GrantAuthorizationCode},
	"Implicit":                     {GrantImplicit},
	"Hybrid":                       {GrantHybrid},
	"ResourceOwnerPassword":        {GrantPassword},
	"CodeAndClientCredentials":     {GrantAuthorizationCode, GrantClientCredentials},
	"HybridAndClientCredentials":   {GrantHybrid, GrantClientCredentials},
	"ImplicitAndClientCredentials": {GrantImplicit, GrantClientCredentials},
	"ResourceOwnerPasswordAndClientCredentials": {GrantPassword, GrantClientCredentials},
}

var knownGrants = []GrantType{
	GrantClientCredentials,
	GrantAuthorizationCode,
	GrantImplicit,
	GrantHybrid,
	GrantPassword,
	GrantRefreshToken,
}

// Builder collects registry records and validates them in Build.
// A Builder is not safe for concurrent use.
type Builder struct {
	clients           []Client
	apiResources      []ApiResource
	identityResources []IdentityResource
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddClient queues a client for registration.
func (b *Builder) AddClient(c Client) *Builder {
	b.clients = append(b.clients, *c.clone())
	return b
}

// AddApiResource queues an API resource for registration.
func (b *Builder) AddApiResource(r ApiResource) *Builder {
	b.apiResources = append(b.apiResources, *r.clone())
	return b
}

// AddIdentityResource queues an identity resource for registration.
func (b *Builder) AddIdentityResource(r IdentityResource) *Builder {
	b.identityResources = append(b.identityResources, *r.clone())
	return b
}

// AddStandardIdentityResources queues openid, profile, email, phone and address.
func (b *Builder) AddStandardIdentityResources() *Builder {
	return b.
		AddIdentityResource(OpenID()).
		AddIdentityResource(Profile()).
		AddIdentityResource(Email()).
		AddIdentityResource(Phone()).
		AddIdentityResource(Address())
}

// Build validates the queued records and returns an immutable registry.
// Every problem found is reported in a single *ConfigurationError.
func (b *Builder) Build() (*Registry, error) {
	reg := &Registry{
		clients:           make(map[string]*Client, len(b.clients)),
		apiResources:      make(map[string]*ApiResource, len(b.apiResources)),
		identityResources: make(map[string]*IdentityResource, len(b.identityResources)),
		scopes: map[string]Scope{
			ScopeOfflineAccess: {Name: ScopeOfflineAccess, Kind: ScopeOffline},
		},
	}
	var problems []string
	addProblem := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for i := range b.identityResources {
		res := b.identityResources[i]
		if res.Name == "" {
			addProblem("identity resource #%d has no name", i)
			continue
		}
		if _, dup := reg.scopes[res.Name]; dup {
			addProblem("duplicate scope name %q", res.Name)
			continue
		}
		if len(res.UserClaims) == 0 {
			addProblem("identity resource %q has no user claims", res.Name)
		}
		reg.identityResources[res.Name] = &res
		reg.identityOrder = append(reg.identityOrder, res.Name)
		reg.scopes[res.Name] = Scope{Name: res.Name, Kind: ScopeIdentity, Resource: res.Name}
	}

	for i := range b.apiResources {
		res := b.apiResources[i]
		if res.Name == "" {
			addProblem("api resource #%d has no name", i)
			continue
		}
		if _, dup := reg.apiResources[res.Name]; dup {
			addProblem("duplicate api resource %q", res.Name)
			continue
		}
		if len(res.Scopes) == 0 {
			res.Scopes = []string{res.Name}
		}
		for _, scope := range res.Scopes {
			if _, dup := reg.scopes[scope]; dup {
				addProblem("duplicate scope name %q in api resource %q", scope, res.Name)
				continue
			}
			reg.scopes[scope] = Scope{Name: scope, Kind: ScopeAPI, Resource: res.Name}
		}
		reg.apiResources[res.Name] = &res
		reg.apiOrder = append(reg.apiOrder, res.Name)
	}

	for i := range b.clients {
		c := b.clients[i]
		if c.ClientID == "" {
			addProblem("client #%d has no client_id", i)
			continue
		}
		if _, dup := reg.clients[c.ClientID]; dup {
			addProblem("duplicate client_id %q", c.ClientID)
			continue
		}
		for _, p := range normalizeClient(&c, reg.scopes) {
			addProblem("client %q: %s", c.ClientID, p)
		}
		reg.clients[c.ClientID] = &c
		reg.clientOrder = append(reg.clientOrder, c.ClientID)
	}

	if len(problems) > 0 {
		return nil, &ConfigurationError{Problems: problems}
	}
	return reg, nil
}

// normalizeClient applies defaults to c in place and returns its problems.
func normalizeClient(c *Client, scopes map[string]Scope) []string {
	var problems []string

	grants, err := expandGrantTypes(c.AllowedGrantTypes)
	if err != nil {
		problems = append(problems, err.Error())
	}
	c.AllowedGrantTypes = grants

	if len(c.AllowedGrantTypes) == 0 {
		problems = append(problems, "no allowed grant types")
	}
	if c.HasGrant(GrantImplicit) && (c.HasGrant(GrantAuthorizationCode) || c.HasGrant(GrantHybrid)) {
		problems = append(problems, "implicit cannot be combined with authorization_code or hybrid")
	}
	if c.HasGrant(GrantAuthorizationCode) && c.HasGrant(GrantHybrid) {
		problems = append(problems, "authorization_code cannot be combined with hybrid")
	}

	// offline access and the refresh_token grant imply each other
	if c.HasGrant(GrantRefreshToken) {
		c.AllowOfflineAccess = true
	}
	if c.AllowOfflineAccess {
		if !c.HasGrant(GrantAuthorizationCode) && !c.HasGrant(GrantHybrid) && !c.HasGrant(GrantPassword) {
			problems = append(problems, "offline access requires authorization_code, hybrid or password")
		}
		if !c.HasGrant(GrantRefreshToken) {
			c.AllowedGrantTypes = append(c.AllowedGrantTypes, GrantRefreshToken)
		}
	}

	for _, name := range c.AllowedScopes {
		s, ok := scopes[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("allowed scope %q is not defined", name))
			continue
		}
		if s.Kind == ScopeOffline && !c.AllowOfflineAccess {
			problems = append(problems, "offline_access listed without allow_offline_access")
		}
	}
	if c.AllowOfflineAccess && !c.AllowsScope(ScopeOfflineAccess) {
		c.AllowedScopes = append(c.AllowedScopes, ScopeOfflineAccess)
	}

	browser := c.HasGrant(GrantAuthorizationCode) || c.HasGrant(GrantImplicit) || c.HasGrant(GrantHybrid)
	if browser && len(c.RedirectURIs) == 0 {
		problems = append(problems, "browser-based grants require at least one redirect_uri")
	}
	for _, uri := range c.RedirectURIs {
		if err := validateAbsoluteURI(uri); err != nil {
			problems = append(problems, fmt.Sprintf("redirect_uri %q: %v", uri, err))
		}
	}
	for _, uri := range c.PostLogoutRedirectURIs {
		if err := validateAbsoluteURI(uri); err != nil {
			problems = append(problems, fmt.Sprintf("post_logout_redirect_uri %q: %v", uri, err))
		}
	}
	for _, origin := range c.AllowedCORSOrigins {
		if err := validateOrigin(origin); err != nil {
			problems = append(problems, fmt.Sprintf("cors origin %q: %v", origin, err))
		}
	}

	backChannel := c.HasGrant(GrantClientCredentials) || c.HasGrant(GrantAuthorizationCode) ||
		c.HasGrant(GrantHybrid) || c.HasGrant(GrantPassword)
	if backChannel && c.SecretRequired() && len(c.ClientSecrets) == 0 {
		problems = append(problems, "client requires a secret but none is configured")
	}
	if c.HasGrant(GrantClientCredentials) && !c.SecretRequired() {
		problems = append(problems, "client_credentials requires a client secret")
	}

	problems = append(problems, applyLifetimeDefaults(c)...)

	switch c.AccessTokenType {
	case "":
		c.AccessTokenType = AccessTokenJWT
	case AccessTokenJWT, AccessTokenReference:
	default:
		problems = append(problems, fmt.Sprintf("unknown access_token_type %q", c.AccessTokenType))
	}
	switch c.RefreshTokenUsage {
	case "":
		c.RefreshTokenUsage = RefreshOneTimeOnly
	case RefreshOneTimeOnly, RefreshReUse:
	default:
		problems = append(problems, fmt.Sprintf("unknown refresh_token_usage %q", c.RefreshTokenUsage))
	}
	return problems
}

func applyLifetimeDefaults(c *Client) []string {
	var problems []string
	lifetimes := []struct {
		name  string
		value *int64
		def   int64
	}{
		{"access_token_lifetime", &c.AccessTokenLifetime, DefaultAccessTokenLifetime},
		{"identity_token_lifetime", &c.IdentityTokenLifetime, DefaultIdentityTokenLifetime},
		{"authorization_code_lifetime", &c.AuthorizationCodeLifetime, DefaultAuthorizationCodeLifetime},
		{"absolute_refresh_token_lifetime", &c.AbsoluteRefreshTokenLifetime, DefaultAbsoluteRefreshTokenLifetime},
	}
	for _, l := range lifetimes {
		switch {
		case *l.value == 0:
			*l.value = l.def
		case *l.value < 0:
			problems = append(problems, fmt.Sprintf("%s must be positive", l.name))
		}
	}
	return problems
}

// expandGrantTypes resolves combined grant names and removes duplicates.
func expandGrantTypes(in []GrantType) ([]GrantType, error) {
	out := make([]GrantType, 0, len(in))
	var unknown []string
	add := func(g GrantType) {
		if !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	for _, g := range in {
		if expanded, ok := grantShorthands[string(g)]; ok {
			for _, e := range expanded {
				add(e)
			}
			continue
		}
		if !slices.Contains(knownGrants, g) {
			unknown = append(unknown, string(g))
			continue
		}
		add(g)
	}
	if len(unknown) > 0 {
		return out, fmt.Errorf("unknown grant types: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func validateAbsoluteURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URI: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("must be absolute")
	}
	if u.Fragment != "" {
		return fmt.Errorf("must not contain a fragment")
	}
	return nil
}

func validateOrigin(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return fmt.Errorf("must be scheme://host[:port]")
	}
	return nil
}
