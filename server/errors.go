package server

import (
	"errors"
	"fmt"
	"net/url"
)

// Kind groups OAuth2 error codes by how a transport should report them.
type Kind int

const (
	// KindClientAuth is a failed client or API resource authentication.
	KindClientAuth Kind = iota + 1
	// KindGrant is a request the client is not allowed to make, or a
	// malformed one.
	KindGrant
	// KindSession is an invalid, expired or replayed code or refresh token.
	KindSession
	// KindTransient is a collaborator or storage failure; the request may be
	// retried.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindClientAuth:
		return "client_auth"
	case KindGrant:
		return "grant"
	case KindSession:
		return "session"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// OAuth2 and OpenID Connect error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidScope            = "invalid_scope"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeConsentRequired         = "consent_required"
	CodeLoginRequired           = "login_required"
	CodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// Error is an OAuth2 protocol error. Description is safe to show to the
// client; Err holds the internal cause for logs.
type Error struct {
	Kind        Kind
	Code        string
	Description string

	// RedirectURI is set on authorize errors that may be returned to the
	// client's validated redirect URI. State and Fragment go with it.
	RedirectURI string
	State       string
	Fragment    bool

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.Err }

// Redirectable reports whether the error may be sent to RedirectURI.
func (e *Error) Redirectable() bool { return e.RedirectURI != "" }

// Location renders the error onto its redirect URI, in the query or the
// fragment. It returns "" for errors that must not be redirected.
func (e *Error) Location() string {
	if !e.Redirectable() {
		return ""
	}
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendParams(e.RedirectURI, params, e.Fragment)
}

// AsError returns the *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

func newError(kind Kind, code, description string) *Error {
	return &Error{Kind: kind, Code: code, Description: description}
}

// Descriptions stay generic: they never say whether the client, the secret or
// the scope was at fault.
func errInvalidClient() *Error {
	return newError(KindClientAuth, CodeInvalidClient, "client authentication failed")
}

func errInvalidGrant() *Error {
	return newError(KindSession, CodeInvalidGrant, "the grant is invalid, expired or revoked")
}

func errInvalidScope() *Error {
	return newError(KindGrant, CodeInvalidScope, "the requested scope is invalid")
}

func errUnauthorizedClient() *Error {
	return newError(KindGrant, CodeUnauthorizedClient, "the client is not authorized for this request")
}

func errInvalidRequest(description string) *Error {
	return newError(KindGrant, CodeInvalidRequest, description)
}

func errUnsupportedGrantType() *Error {
	return newError(KindGrant, CodeUnsupportedGrantType, "the grant type is not supported")
}

func errConsentRequired() *Error {
	return newError(KindGrant, CodeConsentRequired, "end-user consent is required")
}

func errTransient(cause error) *Error {
	e := newError(KindTransient, CodeTemporarilyUnavailable, "the server is temporarily unavailable")
	e.Err = cause
	return e
}

// InvalidClientError is returned by transports that reject client
// authentication before calling the server, e.g. missing credentials.
func InvalidClientError() *Error { return errInvalidClient() }

// InvalidRequestError is returned by transports for requests they cannot
// parse.
func InvalidRequestError(description string) *Error { return errInvalidRequest(description) }
