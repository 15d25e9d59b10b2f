package server

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/internal/util"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/storage"
)

// Response types accepted at the authorize endpoint, in canonical order.
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
)

// grantForResponseType maps a canonical response type to its flow.
var grantForResponseType = map[string]registry.GrantType{
	ResponseTypeCode:             registry.GrantAuthorizationCode,
	ResponseTypeToken:            registry.GrantImplicit,
	ResponseTypeIDToken:          registry.GrantImplicit,
	ResponseTypeIDTokenToken:     registry.GrantImplicit,
	ResponseTypeCodeIDToken:      registry.GrantHybrid,
	ResponseTypeCodeToken:        registry.GrantHybrid,
	ResponseTypeCodeIDTokenToken: registry.GrantHybrid,
}

// AuthorizeRequest is an authorization request from an end user who has
// already been authenticated by the caller.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// SubjectID and AuthTime identify the authenticated end user.
	SubjectID string
	AuthTime  time.Time

	// ConsentedScopes are the scopes the end user approved. Only used for
	// clients that require consent.
	ConsentedScopes []string
	// RememberConsent persists the approval for later requests.
	RememberConsent bool

	ClientIP string
}

// AuthorizeResponse is delivered to the client's redirect URI.
type AuthorizeResponse struct {
	RedirectURI string
	// Fragment is true when parameters go in the URI fragment (implicit and
	// hybrid flows).
	Fragment bool

	Code        string
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	IDToken     string
	Scope       string
	State       string
}

// Parameters returns the response parameters.
func (r *AuthorizeResponse) Parameters() url.Values {
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("code", r.Code)
	set("access_token", r.AccessToken)
	if r.AccessToken != "" {
		set("token_type", r.TokenType)
		params.Set("expires_in", strconv.FormatInt(r.ExpiresIn, 10))
	}
	set("id_token", r.IDToken)
	set("scope", r.Scope)
	set("state", r.State)
	return params
}

// Location renders the response onto the redirect URI.
func (r *AuthorizeResponse) Location() string {
	return appendParams(r.RedirectURI, r.Parameters(), r.Fragment)
}

// canonicalResponseType sorts the space-separated components so that
// "token id_token" and "id_token token" are the same.
func canonicalResponseType(raw string) (string, bool) {
	parts := strings.Fields(raw)
	order := map[string]int{"code": 0, "id_token": 1, "token": 2}
	for _, p := range parts {
		if _, ok := order[p]; !ok {
			return "", false
		}
	}
	sort.Slice(parts, func(i, j int) bool { return order[parts[i]] < order[parts[j]] })
	parts = slices.Compact(parts)
	canonical := strings.Join(parts, " ")
	_, ok := grantForResponseType[canonical]
	return canonical, ok
}

// Authorize evaluates an authorization request for code, implicit and hybrid
// flows.
//
// Errors about the client or the redirect URI are never redirected. Every
// other *Error carries the validated redirect URI so it can be returned to the
// client.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (_ *AuthorizeResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType))

	result := "success"
	defer func() {
		if err != nil {
			result = errorCode(err)
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		if s.metrics != nil {
			s.metrics.RecordAuthorize(ctx, req.ResponseType, req.ClientID, result)
		}
	}()

	client, lookupErr := s.registry.LookupClient(req.ClientID)
	if lookupErr != nil {
		s.Logger.Warn("Authorization request for unknown client", "client_id", req.ClientID)
		return nil, errUnauthorizedClient()
	}

	redirectURI, ok := resolveRedirectURI(client, req.RedirectURI)
	if !ok {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirectURI,
			SubjectID: req.SubjectID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		return nil, errInvalidRequest("redirect_uri is not registered for this client")
	}

	responseType, validType := canonicalResponseType(req.ResponseType)
	// only a plain code response goes in the query
	fragment := responseType != ResponseTypeCode
	redirectable := func(e *Error) *Error {
		e.RedirectURI = redirectURI
		e.State = req.State
		e.Fragment = fragment
		return e
	}

	if !validType {
		return nil, redirectable(newError(KindGrant, CodeUnsupportedResponseType, "the response type is not supported"))
	}
	grant := grantForResponseType[responseType]
	if !s.registry.IsGrantAllowed(client, grant) {
		return nil, redirectable(errUnauthorizedClient())
	}

	withCode := strings.Contains(responseType, ResponseTypeCode)
	withIDToken := strings.Contains(responseType, ResponseTypeIDToken)
	withAccessToken := slices.Contains(strings.Fields(responseType), ResponseTypeToken)

	if withAccessToken && !client.AllowAccessTokensViaBrowser {
		return nil, redirectable(errUnauthorizedClient())
	}
	if req.SubjectID == "" {
		return nil, redirectable(newError(KindGrant, CodeLoginRequired, "end-user authentication is required"))
	}

	granted, scopeErr := s.grantScopes(client, util.ParseScope(req.Scope), grant)
	if scopeErr != nil {
		return nil, redirectable(scopeErr)
	}

	granted, consentErr := s.applyConsent(ctx, client, req, granted)
	if consentErr != nil {
		return nil, redirectable(consentErr)
	}

	if withIDToken {
		if !granted.HasOpenID() {
			return nil, redirectable(errInvalidRequest("the openid scope is required for id_token responses"))
		}
		if req.Nonce == "" {
			return nil, redirectable(errInvalidRequest("nonce is required for id_token responses"))
		}
	}

	var method string
	if withCode {
		var pkceErr error
		method, pkceErr = s.validateCodeChallenge(client, req.CodeChallenge, req.CodeChallengeMethod)
		if pkceErr != nil {
			return nil, redirectable(errInvalidRequest(pkceErr.Error()))
		}
	}

	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = s.now()
	}
	scopes := granted.All()

	resp := &AuthorizeResponse{
		RedirectURI: redirectURI,
		Fragment:    fragment,
		State:       req.State,
	}

	if withCode {
		code, err := s.createSession(ctx, client, req, scopes, method, authTime)
		if err != nil {
			return nil, redirectable(s.transient(ctx, "create_session", err))
		}
		resp.Code = code
	}

	if withAccessToken {
		// no refresh tokens through the browser
		atScopes := slices.DeleteFunc(slices.Clone(scopes), func(n string) bool { return n == registry.ScopeOfflineAccess })
		at, err := s.issueAccessToken(ctx, client, req.SubjectID, atScopes, authTime)
		if err != nil {
			return nil, redirectable(s.transient(ctx, "issue_access_token", err))
		}
		resp.AccessToken = at.Value
		resp.TokenType = TokenTypeBearer
		resp.ExpiresIn = expiresIn(at)
		resp.Scope = util.JoinScope(atScopes)
	}

	if withIDToken {
		idt, err := s.issueIdentityToken(ctx, identityTokenParams{
			client:         client,
			subjectID:      req.SubjectID,
			identityScopes: granted.IdentityScopes,
			nonce:          req.Nonce,
			authTime:       authTime,
			accessToken:    resp.AccessToken,
			code:           resp.Code,
			withClaims:     client.AlwaysIncludeUserClaimsInIdToken || responseType == ResponseTypeIDToken,
		})
		if err != nil {
			return nil, redirectable(s.transient(ctx, "issue_identity_token", err))
		}
		resp.IDToken = idt.Value
	}

	if withAccessToken || withIDToken {
		s.Auditor.LogTokenIssued(req.SubjectID, client.ClientID, req.ClientIP, string(grant), scopes)
	}
	return resp, nil
}

// applyConsent narrows granted to what the end user approved. Remembered
// consent counts when it covers every granted scope.
func (s *Server) applyConsent(ctx context.Context, client *registry.Client, req AuthorizeRequest, granted registry.Resolution) (registry.Resolution, *Error) {
	if !client.RequireConsent {
		return granted, nil
	}

	if client.RememberConsentAllowed() {
		remembered, err := s.store.GetConsent(ctx, req.SubjectID, client.ClientID)
		switch {
		case err == nil && coversScopes(remembered.Scopes, granted.All()):
			return granted, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrExpired):
			return registry.Resolution{}, s.transient(ctx, "get_consent", err)
		}
	}

	if len(req.ConsentedScopes) == 0 {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventConsentRequired,
			SubjectID: req.SubjectID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		return registry.Resolution{}, errConsentRequired()
	}

	granted = intersectScopes(granted, req.ConsentedScopes)
	if len(granted.APIScopes) == 0 && len(granted.IdentityScopes) == 0 {
		return registry.Resolution{}, errConsentRequired()
	}

	if req.RememberConsent && client.RememberConsentAllowed() {
		now := s.now()
		consent := &storage.Consent{
			SubjectID: req.SubjectID,
			ClientID:  client.ClientID,
			Scopes:    consentScopes(granted.All()),
			CreatedAt: now,
		}
		if s.Config.ConsentLifetime > 0 {
			consent.ExpiresAt = now.Add(time.Duration(s.Config.ConsentLifetime) * time.Second)
		}
		if err := s.store.SaveConsent(ctx, consent); err != nil {
			// the request itself was consented; only remembering failed
			s.Logger.WarnContext(ctx, "Failed to remember consent", "client_id", client.ClientID, "error", err)
		}
	}
	return granted, nil
}

// consentScopes drops offline_access, which is approved per request.
func consentScopes(scopes []string) []string {
	return slices.DeleteFunc(slices.Clone(scopes), func(n string) bool { return n == registry.ScopeOfflineAccess })
}

func coversScopes(remembered, granted []string) bool {
	for _, name := range consentScopes(granted) {
		if !slices.Contains(remembered, name) {
			return false
		}
	}
	return true
}

func (s *Server) createSession(ctx context.Context, client *registry.Client, req AuthorizeRequest, scopes []string, method string, authTime time.Time) (string, error) {
	now := s.now()
	session := &storage.AuthorizationSession{
		Code:                util.NewHandle(),
		SubjectID:           req.SubjectID,
		ClientID:            client.ClientID,
		Scopes:              scopes,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               req.Nonce,
		AuthTime:            authTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(client.AuthorizationCodeTTL()),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return "", err
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		SubjectID: req.SubjectID,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"pkce": method != ""},
	})
	return session.Code, nil
}

// errorCode is the OAuth2 error code of err for metrics.
func errorCode(err error) string {
	if oe, ok := AsError(err); ok {
		return oe.Code
	}
	return "server_error"
}
