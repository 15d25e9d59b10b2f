// Package server evaluates OAuth2 and OpenID Connect protocol requests
// against a registry.Registry.
//
// The Server type is transport-agnostic: Authorize, Token, Revoke and
// Introspect take plain request structs and return either a response or an
// *Error carrying the OAuth2 error code. The root package binds them to HTTP.
//
// The Server delegates to:
//   - credentials.Validator for client, API and resource-owner secrets
//   - claims.Assembler for user claims
//   - token.Issuer for access and identity tokens
//   - storage.Store for authorization sessions, refresh tokens and consent
//
// Supported grants are authorization_code (with PKCE), implicit, hybrid,
// client_credentials, password and refresh_token. Authorization codes are
// redeemed exactly once; presenting a redeemed code revokes everything issued
// for that subject and client. Rotated refresh tokens that are presented again
// revoke their whole family.
//
// Example usage:
//
//	reg, _ := registry.Load("idp.yaml")
//	store := memory.New()
//	keys, _ := token.GenerateKeySet()
//
//	srv, err := server.New(reg,
//	    credentials.NewValidator(nil, users),
//	    claims.NewAssembler(reg, users),
//	    token.NewIssuer("https://idp.example.com", keys, store),
//	    store,
//	    &server.Config{Issuer: "https://idp.example.com"},
//	    logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
