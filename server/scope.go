package server

import (
	"slices"

	"github.com/giantswarm/idp-engine/registry"
)

// grantScopes applies the scope policy for a request by client under grant:
//   - an empty request defaults to the client's allowed scopes usable by the grant
//   - any unknown scope fails the whole request
//   - known scopes the client is not allowed are dropped
//   - an empty result is invalid_scope
func (s *Server) grantScopes(client *registry.Client, requested []string, grant registry.GrantType) (registry.Resolution, *Error) {
	if len(requested) == 0 {
		requested = defaultScopes(s.registry, client, grant)
	}

	res := s.registry.ResolveScopes(requested)
	if len(res.Invalid) > 0 {
		s.Logger.Debug("Unknown scopes requested", "client_id", client.ClientID, "scopes", res.Invalid)
		return registry.Resolution{}, errInvalidScope()
	}

	switch grant {
	case registry.GrantClientCredentials:
		// there is no user, so no identity and no refresh token
		if len(res.IdentityScopes) > 0 || res.Offline {
			return registry.Resolution{}, errInvalidScope()
		}
	case registry.GrantImplicit:
		// refresh tokens never reach the browser
		res.Offline = false
	}

	res.APIScopes = slices.DeleteFunc(res.APIScopes, func(name string) bool { return !client.AllowsScope(name) })
	res.IdentityScopes = slices.DeleteFunc(res.IdentityScopes, func(name string) bool { return !client.AllowsScope(name) })
	if res.Offline && !(client.AllowOfflineAccess && client.AllowsScope(registry.ScopeOfflineAccess)) {
		res.Offline = false
	}

	if len(res.APIScopes) == 0 && len(res.IdentityScopes) == 0 {
		return registry.Resolution{}, errInvalidScope()
	}
	return res, nil
}

// defaultScopes is the client's allowed scopes usable by grant.
func defaultScopes(reg *registry.Registry, client *registry.Client, grant registry.GrantType) []string {
	out := make([]string, 0, len(client.AllowedScopes))
	for _, name := range client.AllowedScopes {
		scope, err := reg.LookupScope(name)
		if err != nil {
			continue
		}
		switch {
		case grant == registry.GrantClientCredentials && scope.Kind != registry.ScopeAPI:
			continue
		case grant == registry.GrantImplicit && scope.Kind == registry.ScopeOffline:
			continue
		}
		out = append(out, name)
	}
	return out
}

// narrowScopes restricts a previous grant to the requested subset. It fails
// when requested names a scope outside granted.
func narrowScopes(granted, requested []string) ([]string, bool) {
	if len(requested) == 0 {
		return slices.Clone(granted), true
	}
	for _, name := range requested {
		if !slices.Contains(granted, name) {
			return nil, false
		}
	}
	return slices.Clone(requested), true
}

// intersectScopes keeps the scopes of res present in allowed.
func intersectScopes(res registry.Resolution, allowed []string) registry.Resolution {
	keep := func(name string) bool { return !slices.Contains(allowed, name) }
	res.APIScopes = slices.DeleteFunc(slices.Clone(res.APIScopes), keep)
	res.IdentityScopes = slices.DeleteFunc(slices.Clone(res.IdentityScopes), keep)
	res.Offline = res.Offline && slices.Contains(allowed, registry.ScopeOfflineAccess)
	return res
}
