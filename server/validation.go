package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/idp-engine/registry"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

var (
	errPKCEMismatch    = errors.New("code_verifier does not match code_challenge")
	errVerifierMissing = errors.New("code_verifier is required when code_challenge is present")
	errUnexpectedPKCE  = errors.New("code_verifier sent for a code issued without code_challenge")
)

// validateHTTPSEnforcement refuses a plain http issuer outside loopback unless
// AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		hostname := issuerURL.Hostname()
		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running the identity provider over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"to_suppress", "Set AllowInsecureHTTP=true in Config")
			}
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS (got http://%s); set AllowInsecureHTTP=true to override", hostname)
		}
		s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running the identity provider over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks")
		return nil
	}
	return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
}

// isLocalhostHostname checks if a hostname refers to the local machine.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	ip := net.ParseIP(strings.Trim(hostname, "[]"))
	return ip != nil && ip.IsLoopback()
}

// resolveRedirectURI returns the redirect URI to use for client. Registered
// URIs are compared exactly. An omitted redirect_uri is accepted only when the
// client registered a single one.
func resolveRedirectURI(client *registry.Client, requested string) (string, bool) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], true
		}
		return "", false
	}
	return requested, slices.Contains(client.RedirectURIs, requested)
}

// validateCodeChallenge checks the PKCE parameters of an authorization
// request and returns the effective method.
func (s *Server) validateCodeChallenge(client *registry.Client, challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", errors.New("code_challenge_method without code_challenge")
		}
		if client.RequirePKCE || s.Config.RequirePKCE {
			return "", errors.New("code_challenge is required")
		}
		return "", nil
	}
	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength {
		return "", fmt.Errorf("code_challenge must be %d to %d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if method == "" {
		// RFC 7636 section 4.3
		method = PKCEMethodPlain
	}
	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !client.AllowPlainTextPKCE {
			return "", errors.New("plain code_challenge_method is not allowed for this client")
		}
	default:
		return "", fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
	return method, nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return errUnexpectedPKCE
		}
		return nil
	}
	if verifier == "" {
		return errVerifierMissing
	}

	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("%w: code_verifier must be %d to %d characters", errPKCEMismatch, MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	// [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("%w: code_verifier contains invalid characters", errPKCEMismatch)
		}
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		// the method was checked against client policy at authorize time
		computed = verifier
	default:
		return fmt.Errorf("%w: unsupported code_challenge_method %q", errPKCEMismatch, method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errPKCEMismatch
	}
	return nil
}

// appendParams adds params to the query or the fragment of base.
func appendParams(base string, params url.Values, fragment bool) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	if fragment {
		u.Fragment, u.RawFragment = "", ""
		return u.String() + "#" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
