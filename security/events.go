package security

// Audit event types. Keep names stable: log pipelines alert on them.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when tokens are issued by any grant
	EventTokenIssued = "token_issued" //nolint:gosec // G101: event name, not a credential

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed" //nolint:gosec // G101: event name, not a credential

	// EventTokenRevoked is logged when a token is revoked at the revocation endpoint
	EventTokenRevoked = "token_revoked" //nolint:gosec // G101: event name, not a credential

	// EventAllTokensRevoked is logged when every token for a subject and client is revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event name, not a credential

	// Authorization events

	// EventAuthorizationCodeIssued is logged when an authorization session is created
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventConsentRequired is logged when a client requires consent the caller did not supply
	EventConsentRequired = "consent_required"

	// Security violation events

	// EventAuthFailure is logged when client or resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventAuthorizationCodeReuseDetected is logged when a redeemed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// EventPKCEValidationFailed is logged when a code_verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRateLimitExceeded is logged when a caller exceeds the token endpoint rate limit
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirectURI is logged when a redirect_uri does not match a registration
	EventInvalidRedirectURI = "invalid_redirect_uri"
)
