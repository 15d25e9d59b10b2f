package oauth

import (
	"net/http"

	"github.com/giantswarm/idp-engine/server"
)

// Error codes only produced by the HTTP binding.
const (
	ErrorCodeServerError       = "server_error"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// descriptionInternal is shown for errors that did not come from the
// engine. Their details are only logged.
const descriptionInternal = "The server encountered an unexpected condition"

// httpError is the status and body for an error returned by the engine.
type httpError struct {
	Status   int
	Response ErrorResponse
}

// toHTTPError maps an engine error onto its OAuth2 HTTP representation.
// invalid_client is 401, transient failures are 503 and every other
// protocol error is 400. Errors from outside the engine become a 500 that
// reveals nothing.
func toHTTPError(err error) httpError {
	oe, ok := server.AsError(err)
	if !ok {
		return httpError{
			Status:   http.StatusInternalServerError,
			Response: ErrorResponse{Error: ErrorCodeServerError, ErrorDescription: descriptionInternal},
		}
	}

	status := http.StatusBadRequest
	switch {
	case oe.Kind == server.KindTransient:
		status = http.StatusServiceUnavailable
	case oe.Code == server.CodeInvalidClient:
		status = http.StatusUnauthorized
	}
	return httpError{
		Status:   status,
		Response: ErrorResponse{Error: oe.Code, ErrorDescription: oe.Description},
	}
}
