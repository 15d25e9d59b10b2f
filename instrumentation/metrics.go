package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's metric instruments
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grants and tokens
	GrantRequests       metric.Int64Counter
	AuthorizeRequests   metric.Int64Counter
	TokensIssued        metric.Int64Counter
	TokensRevoked       metric.Int64Counter
	IntrospectionsTotal metric.Int64Counter

	// Security
	ClientAuthFailures   metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSessions          metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge
	StorageReferenceTokens   metric.Int64ObservableGauge

	// Collaborators (user store, profile source)
	CollaboratorDuration metric.Float64Histogram
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter string
	name  string
	desc  string
	unit  string
}

// newMetrics creates all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http", "idp.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.GrantRequests, "server", "idp.grant.requests", "Token endpoint requests by grant type and result", "{request}"},
		{&m.AuthorizeRequests, "server", "idp.authorize.requests", "Authorize requests by response type and result", "{request}"},
		{&m.TokensIssued, "token", "idp.tokens.issued", "Tokens issued by kind and format", "{token}"},
		{&m.TokensRevoked, "server", "idp.tokens.revoked", "Tokens revoked", "{token}"},
		{&m.IntrospectionsTotal, "server", "idp.introspections", "Introspection requests by result", "{request}"},
		{&m.ClientAuthFailures, "security", "idp.client_auth.failures", "Failed client authentications", "{failure}"},
		{&m.PKCEValidationFailed, "security", "idp.pkce.failures", "Failed PKCE verifications", "{failure}"},
		{&m.CodeReuseDetected, "security", "idp.code.reuse_detected", "Redeemed authorization codes presented again", "{event}"},
		{&m.RefreshReuseDetected, "security", "idp.refresh.reuse_detected", "Rotated refresh tokens presented again", "{event}"},
		{&m.RateLimitExceeded, "security", "idp.rate_limit.exceeded", "Requests rejected by rate limiting", "{request}"},
		{&m.StorageOperationTotal, "storage", "idp.storage.operations", "Storage operations by operation and result", "{operation}"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = inst.Meter(c.meter).Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	var err error
	m.HTTPRequestDuration, err = inst.Meter("http").Float64Histogram(
		"idp.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = inst.Meter("storage").Float64Histogram(
		"idp.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.CollaboratorDuration, err = inst.Meter("server").Float64Histogram(
		"idp.collaborator.duration",
		metric.WithDescription("Duration of user store and profile source calls in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create collaborator.duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageSessions, "idp.storage.sessions", "Stored authorization sessions"},
		{&m.StorageRefreshTokens, "idp.storage.refresh_tokens", "Stored refresh tokens"},
		{&m.StorageReferenceTokens, "idp.storage.reference_tokens", "Stored reference tokens"},
	}
	for _, g := range gauges {
		*g.dst, err = inst.Meter("storage").Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{item}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
	))
}

// RecordGrant records a token endpoint outcome. result is "success" or an
// OAuth2 error code.
func (m *Metrics) RecordGrant(ctx context.Context, grantType, clientID, result string) {
	m.GrantRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordAuthorize records an authorize outcome
func (m *Metrics) RecordAuthorize(ctx context.Context, responseType, clientID, result string) {
	m.AuthorizeRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("response_type", responseType),
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordTokenIssued records a minted token. kind is access, identity or
// refresh; format is jwt, reference or opaque.
func (m *Metrics) RecordTokenIssued(ctx context.Context, kind, format string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("format", format),
	))
}

// RecordTokenRevocation records a revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenType string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_type", tokenType),
	))
}

// RecordIntrospection records an introspection outcome
func (m *Metrics) RecordIntrospection(ctx context.Context, resource string, active bool) {
	m.IntrospectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.Bool("active", active),
	))
}

// RecordClientAuthFailure records a failed client authentication
func (m *Metrics) RecordClientAuthFailure(ctx context.Context, clientID string) {
	m.ClientAuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordPKCEValidationFailed records a PKCE verification failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code replay
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records a rotated refresh token replay
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	m.RefreshReuseDetected.Add(ctx, 1)
}

// RecordRateLimitExceeded records a rate limited request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordCollaboratorCall records a call to an external collaborator
func (m *Metrics) RecordCollaboratorCall(ctx context.Context, collaborator, result string, durationMs float64) {
	m.CollaboratorDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("collaborator", collaborator),
		attribute.String("result", result),
	))
}
