package registry

import (
	"errors"
	"slices"
)

// ErrNotFound is returned when a client, resource or scope is not registered.
var ErrNotFound = errors.New("not found")

// Registry is an immutable lookup of clients, resources and scopes.
// All accessors return copies, so callers cannot mutate registry state.
type Registry struct {
	clients     map[string]*Client
	clientOrder []string

	apiResources map[string]*ApiResource
	apiOrder     []string

	identityResources map[string]*IdentityResource
	identityOrder     []string

	scopes map[string]Scope
}

// LookupClient returns the client with the given ID.
// Disabled clients are reported as not found.
func (r *Registry) LookupClient(id string) (*Client, error) {
	c, ok := r.clients[id]
	if !ok || !c.IsEnabled() {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

// LookupScope returns the scope with the given name.
func (r *Registry) LookupScope(name string) (Scope, error) {
	s, ok := r.scopes[name]
	if !ok {
		return Scope{}, ErrNotFound
	}
	return s, nil
}

// LookupApiResource returns the API resource with the given name.
func (r *Registry) LookupApiResource(name string) (*ApiResource, error) {
	res, ok := r.apiResources[name]
	if !ok {
		return nil, ErrNotFound
	}
	return res.clone(), nil
}

// LookupIdentityResource returns the identity resource with the given name.
func (r *Registry) LookupIdentityResource(name string) (*IdentityResource, error) {
	res, ok := r.identityResources[name]
	if !ok {
		return nil, ErrNotFound
	}
	return res.clone(), nil
}

// ResolveScopes splits the requested names into API, identity and offline
// scopes. Unknown names are collected in Invalid instead of aborting, so the
// caller decides how to treat them. Duplicates and empty names are dropped.
func (r *Registry) ResolveScopes(names []string) Resolution {
	var res Resolution
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		s, ok := r.scopes[name]
		if !ok {
			res.Invalid = append(res.Invalid, name)
			continue
		}
		switch s.Kind {
		case ScopeIdentity:
			res.IdentityScopes = append(res.IdentityScopes, name)
		case ScopeAPI:
			res.APIScopes = append(res.APIScopes, name)
		case ScopeOffline:
			res.Offline = true
		}
	}
	return res
}

// IsGrantAllowed reports whether the client may use grant g.
func (r *Registry) IsGrantAllowed(c *Client, g GrantType) bool {
	if c == nil {
		return false
	}
	return c.HasGrant(g)
}

// IdentityResourceClaims returns the claim types granted by an identity scope.
func (r *Registry) IdentityResourceClaims(scope string) []string {
	res, ok := r.identityResources[scope]
	if !ok {
		return nil
	}
	return slices.Clone(res.UserClaims)
}

// ApiResourcesForScopes returns the audiences and user claims of the API
// resources owning the given scopes. Non-API scopes are ignored.
func (r *Registry) ApiResourcesForScopes(scopes []string) ResourceSet {
	owners := make(map[string]struct{})
	for _, name := range scopes {
		if s, ok := r.scopes[name]; ok && s.Kind == ScopeAPI {
			owners[s.Resource] = struct{}{}
		}
	}

	var set ResourceSet
	for _, name := range r.apiOrder {
		if _, ok := owners[name]; !ok {
			continue
		}
		set.Audiences = append(set.Audiences, name)
		for _, claim := range r.apiResources[name].UserClaims {
			if !slices.Contains(set.UserClaims, claim) {
				set.UserClaims = append(set.UserClaims, claim)
			}
		}
	}
	return set
}

// Clients returns every enabled client in registration order.
func (r *Registry) Clients() []*Client {
	out := make([]*Client, 0, len(r.clientOrder))
	for _, id := range r.clientOrder {
		if c := r.clients[id]; c.IsEnabled() {
			out = append(out, c.clone())
		}
	}
	return out
}

// ScopeNames returns every registered scope name, identity scopes first.
func (r *Registry) ScopeNames() []string {
	out := make([]string, 0, len(r.scopes))
	out = append(out, r.identityOrder...)
	for _, name := range r.apiOrder {
		out = append(out, r.apiResources[name].Scopes...)
	}
	return append(out, ScopeOfflineAccess)
}

// ClaimTypes returns the union of all identity resource claim types.
func (r *Registry) ClaimTypes() []string {
	var out []string
	for _, name := range r.identityOrder {
		for _, claim := range r.identityResources[name].UserClaims {
			if !slices.Contains(out, claim) {
				out = append(out, claim)
			}
		}
	}
	return out
}

// IsAllowedCORSOrigin reports whether any client lists origin.
func (r *Registry) IsAllowedCORSOrigin(origin string) bool {
	for _, c := range r.clients {
		if c.IsEnabled() && slices.Contains(c.AllowedCORSOrigins, origin) {
			return true
		}
	}
	return false
}
