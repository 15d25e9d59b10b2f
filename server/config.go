package server

import (
	"log/slog"
)

// Config holds server-wide policy. Per-client policy lives in the registry.
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// ConsentLifetime bounds remembered consent, in seconds.
	// 0 means remembered consent does not expire.
	ConsentLifetime int64 // seconds, default: 0

	// RevokedFamilyRetentionDays is how long a revoked refresh token family
	// keeps refusing tokens. Applied to stores that support it.
	RevokedFamilyRetentionDays int64 // default: 30

	// RequirePKCE enforces PKCE for every code and hybrid request, on top of
	// the per-client RequirePKCE flag.
	// Default: false (IdentityServer-style per-client opt-in)
	RequirePKCE bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// AllowInsecureHTTP permits a plain http issuer on non-loopback hosts.
	// WARNING: tokens and client secrets travel in clear text.
	// Default: false
	AllowInsecureHTTP bool
}

// applySecureDefaults fills unset values and warns about risky settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.RevokedFamilyRetentionDays == 0 {
		config.RevokedFamilyRetentionDays = 30
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ConsentLifetime < 0 {
		config.ConsentLifetime = 0
	}

	logSecurityWarnings(config, logger)
	return config
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("⚠️  SECURITY WARNING: Plain HTTP issuer is ALLOWED",
			"risk", "Tokens and client secrets exposed to network interception",
			"recommendation", "Serve the issuer over HTTPS")
	}
}
