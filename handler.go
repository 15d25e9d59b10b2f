package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/server"
	"github.com/giantswarm/idp-engine/token"
)

// Endpoint paths.
const (
	PathAuthorize     = "/connect/authorize"
	PathToken         = "/connect/token"
	PathIntrospect    = "/connect/introspect"
	PathRevocation    = "/connect/revocation"
	PathEndSession    = "/connect/endsession"
	PathDiscovery     = "/.well-known/openid-configuration"
	PathJWKS          = "/.well-known/openid-configuration/jwks"
	PathMetrics       = "/metrics"
	maxFormBodyBytes  = 64 << 10
	discoveryMaxAge   = "public, max-age=3600"
	contentTypeJSON   = "application/json"
	authSchemeBasic   = "Basic"
	authRealmResource = `Basic realm="introspection"`
)

// Subject is the end user authenticated for an authorization request.
// A zero Subject means nobody is signed in.
type Subject struct {
	ID       string
	AuthTime time.Time

	// ConsentedScopes and RememberConsent carry the end user's answer to a
	// consent prompt, if one was shown.
	ConsentedScopes []string
	RememberConsent bool
}

// SubjectResolver authenticates the end user behind an authorization
// request, typically from a session cookie set by a login UI.
type SubjectResolver interface {
	ResolveSubject(r *http.Request, client *registry.Client) (Subject, error)
}

// SubjectResolverFunc adapts a function to SubjectResolver.
type SubjectResolverFunc func(r *http.Request, client *registry.Client) (Subject, error)

// ResolveSubject implements SubjectResolver.
func (f SubjectResolverFunc) ResolveSubject(r *http.Request, client *registry.Client) (Subject, error) {
	return f(r, client)
}

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	// SubjectResolver is required for the authorize endpoint. Without it
	// every authorization request fails with login_required.
	SubjectResolver SubjectResolver

	// SignOut, when set, is called before the end session endpoint
	// redirects, to clear the end user's login session.
	SignOut func(w http.ResponseWriter, r *http.Request)

	Logger *slog.Logger
}

// Handler binds the engine to HTTP.
type Handler struct {
	server   *server.Server
	registry *registry.Registry
	keys     *token.KeySet
	limiter  *security.RateLimiter
	inst     *instrumentation.Instrumentation
	opts     HandlerOptions
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHandler returns a router serving the protocol endpoints of engine.
func NewHandler(engine *Engine, opts HandlerOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = engine.Server.Logger
	}
	inst := engine.Instrumentation
	if inst == nil {
		inst = instrumentation.NewNoop()
	}
	h := &Handler{
		server:   engine.Server,
		registry: engine.Server.Registry(),
		keys:     engine.Server.Issuer().Keys(),
		limiter:  engine.RateLimiter,
		inst:     inst,
		opts:     opts,
		logger:   logger,
		tracer:   inst.Tracer("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(PathAuthorize, h.instrument("authorize", h.ServeAuthorize))
	r.Get(PathEndSession, h.instrument("endsession", h.ServeEndSession))
	r.Post(PathIntrospect, h.instrument("introspect", h.ServeIntrospection))

	r.Group(func(r chi.Router) {
		r.Use(h.cors)
		r.Post(PathToken, h.instrument("token", h.ServeToken))
		r.Post(PathRevocation, h.instrument("revocation", h.ServeRevocation))
		r.Get(PathDiscovery, h.instrument("discovery", h.ServeDiscovery))
		r.Get(PathJWKS, h.instrument("jwks", h.ServeJWKS))
		for _, p := range []string{PathToken, PathRevocation, PathDiscovery, PathJWKS} {
			r.Options(p, h.ServePreflightRequest)
		}
	})

	if engine.Config != nil && engine.Config.Instrumentation.Enabled {
		r.Handle(PathMetrics, inst.MetricsHandler())
	}
	return r
}

// ServeAuthorize handles the authorization endpoint. Results and
// redirectable errors go to the client's validated redirect URI. Errors
// about the client or the redirect URI itself are rendered as JSON.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := server.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ClientIP:            h.clientIP(r),
	}

	if client, err := h.registry.LookupClient(req.ClientID); err == nil && h.opts.SubjectResolver != nil {
		subject, err := h.opts.SubjectResolver.ResolveSubject(r, client)
		if err != nil {
			h.logger.Error("Failed to resolve end user", "client_id", req.ClientID, "error", err)
			h.writeError(w, err)
			return
		}
		req.SubjectID = subject.ID
		req.AuthTime = subject.AuthTime
		req.ConsentedScopes = subject.ConsentedScopes
		req.RememberConsent = subject.RememberConsent
	}

	resp, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		if oe, ok := server.AsError(err); ok && oe.Redirectable() {
			http.Redirect(w, r, oe.Location(), http.StatusFound)
			return
		}
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, resp.Location(), http.StatusFound)
}

// ServeToken handles the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, clientIP) {
		return
	}
	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, err)
		return
	}
	clientID, secret, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.server.Token(r.Context(), server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     clientID,
		ClientSecret: secret,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		Scope:        r.PostForm.Get("scope"),
		ClientIP:     clientIP,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeIntrospection handles RFC 7662 introspection. The caller is an API
// resource authenticating with HTTP Basic.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, clientIP) {
		return
	}
	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, err)
		return
	}
	name, secret, ok := basicAuth(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", authRealmResource)
		h.writeError(w, server.InvalidClientError())
		return
	}

	resp, err := h.server.Introspect(r.Context(), server.IntrospectionRequest{
		ResourceName:   name,
		ResourceSecret: secret,
		Token:          r.PostForm.Get("token"),
		TokenTypeHint:  r.PostForm.Get("token_type_hint"),
		ClientIP:       clientIP,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevocation handles RFC 7009 revocation.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.checkRateLimit(w, r, clientIP) {
		return
	}
	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, err)
		return
	}
	clientID, secret, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	err = h.server.Revoke(r.Context(), server.RevocationRequest{
		ClientID:      clientID,
		ClientSecret:  secret,
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientIP:      clientIP,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeDiscovery serves the OpenID Connect discovery document.
func (h *Handler) ServeDiscovery(w http.ResponseWriter, _ *http.Request) {
	issuer := h.server.Config.Issuer
	doc := DiscoveryDocument{
		Issuer:                issuer,
		JWKSURI:               issuer + PathJWKS,
		AuthorizationEndpoint: issuer + PathAuthorize,
		TokenEndpoint:         issuer + PathToken,
		EndSessionEndpoint:    issuer + PathEndSession,
		RevocationEndpoint:    issuer + PathRevocation,
		IntrospectionEndpoint: issuer + PathIntrospect,
		ScopesSupported:       h.registry.ScopeNames(),
		ClaimsSupported:       h.registry.ClaimTypes(),
		GrantTypesSupported: []string{
			string(registry.GrantAuthorizationCode),
			string(registry.GrantClientCredentials),
			string(registry.GrantRefreshToken),
			string(registry.GrantImplicit),
			string(registry.GrantPassword),
		},
		ResponseTypesSupported: []string{
			server.ResponseTypeCode,
			server.ResponseTypeToken,
			server.ResponseTypeIDToken,
			server.ResponseTypeIDTokenToken,
			server.ResponseTypeCodeIDToken,
			server.ResponseTypeCodeToken,
			server.ResponseTypeCodeIDTokenToken,
		},
		ResponseModesSupported:            []string{"query", "fragment"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{token.SigningAlgorithm},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodPlain, server.PKCEMethodS256},
	}
	w.Header().Set("Cache-Control", discoveryMaxAge)
	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(doc)
}

// ServeJWKS serves the public signing keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", discoveryMaxAge)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	_ = json.NewEncoder(w).Encode(h.keys.JWKS())
}

// ServeEndSession handles RP-initiated logout. The client is taken from
// client_id or from the audience of id_token_hint; the redirect target must
// be one of its registered post logout redirect URIs.
func (h *Handler) ServeEndSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("post_logout_redirect_uri")

	clientID := q.Get("client_id")
	if hint := q.Get("id_token_hint"); hint != "" {
		aud, err := h.idTokenHintAudience(hint)
		if err != nil || (clientID != "" && aud != clientID) {
			h.logger.Debug("Rejected id_token_hint", "error", err)
			h.writeError(w, server.InvalidRequestError("id_token_hint is invalid"))
			return
		}
		clientID = aud
	}

	if redirectURI != "" {
		if err := h.server.ValidatePostLogoutRedirect(clientID, redirectURI); err != nil {
			h.writeError(w, err)
			return
		}
	}

	if h.opts.SignOut != nil {
		h.opts.SignOut(w, r)
	}
	if redirectURI == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	target := redirectURI
	if state := q.Get("state"); state != "" {
		if u, err := url.Parse(redirectURI); err == nil {
			params := u.Query()
			params.Set("state", state)
			u.RawQuery = params.Encode()
			target = u.String()
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// idTokenHintAudience verifies the signature of an identity token issued
// here and returns its single audience. Expired hints are accepted.
func (h *Handler) idTokenHintAudience(hint string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{token.SigningAlgorithm}),
		jwt.WithoutClaimsValidation(),
	).ParseWithClaims(hint, claims, h.keys.Keyfunc)
	if err != nil {
		return "", err
	}
	if iss, _ := claims.GetIssuer(); iss != h.server.Config.Issuer {
		return "", fmt.Errorf("id_token_hint issued by %q", iss)
	}
	aud, err := claims.GetAudience()
	if err != nil || len(aud) != 1 {
		return "", errors.New("id_token_hint must have exactly one audience")
	}
	return aud[0], nil
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// cors allows origins registered by any client.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if h.registry.IsAllowedCORSOrigin(origin) {
				security.SetCORSHeaders(w, origin)
			} else {
				h.logger.Debug("CORS request from disallowed origin", "origin", origin)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// instrument wraps an endpoint with a span and HTTP metrics.
func (h *Handler) instrument(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		fn(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.SetSpanAttributes(span,
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", status))
		h.recordHTTPMetrics(ctx, endpoint, r.Method, status, start)
	}
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	duration := time.Since(startTime).Seconds() * 1000
	h.inst.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

// checkRateLimit writes a 429 and returns false when clientIP is over its
// limit.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.limiter == nil || h.limiter.Allow(clientIP) {
		return true
	}
	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	h.inst.Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            ErrorCodeRateLimitExceeded,
		ErrorDescription: "Too many requests",
	})
	return false
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// parseForm reads an application/x-www-form-urlencoded body. Parameters
// are only accepted from the body.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.logger.Debug("Failed to parse form", "error", err)
		return server.InvalidRequestError("the request body is malformed")
	}
	return nil
}

// clientCredentials extracts client authentication from HTTP Basic or the
// form body. Using both is rejected.
func clientCredentials(r *http.Request) (clientID, secret string, err error) {
	formID, formSecret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	if id, s, ok := basicAuth(r); ok {
		if formSecret != "" || (formID != "" && formID != id) {
			return "", "", server.InvalidRequestError("use exactly one client authentication method")
		}
		return id, s, nil
	}
	return formID, formSecret, nil
}

// basicAuth decodes HTTP Basic credentials. Client identifiers and secrets
// are form-urlencoded before encoding (RFC 6749 section 2.3.1).
func basicAuth(r *http.Request) (username, password string, ok bool) {
	username, password, ok = r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if u, err := url.QueryUnescape(username); err == nil {
		username = u
	}
	if p, err := url.QueryUnescape(password); err == nil {
		password = p
	}
	return username, password, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as an OAuth2 error response.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	he := toHTTPError(err)
	switch he.Status {
	case http.StatusUnauthorized:
		if w.Header().Get("WWW-Authenticate") == "" {
			w.Header().Set("WWW-Authenticate", authSchemeBasic)
		}
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "5")
	case http.StatusInternalServerError:
		h.logger.Error("Unexpected error serving request", "error", err)
	}
	h.writeJSON(w, he.Status, he.Response)
}
