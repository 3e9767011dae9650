package orchestrator

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite/handler/openid"

	"github.com/aegisid/op/pkg/authserver/storage"
	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/events"
	"github.com/aegisid/op/pkg/policy"
	"github.com/aegisid/op/pkg/token"
)

// interactionChallengeTTL bounds how long a login/consent interaction may
// stay pending before the resource owner must restart at /authorize
// (spec §4.8 passkey challenges share this 5-minute window).
const interactionChallengeTTL = 5 * time.Minute

const sessionCookieName = "op_session"

// Routes mounts the AuthorizeOrchestrator's wire endpoints (spec §6) onto
// a chi.Router: /authorize, /par, /token, and the discovery documents
// that describe them.
func (o *Orchestrator) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/authorize", o.handleAuthorize)
	r.Post("/authorize", o.handleAuthorize)
	r.Post("/par", o.handlePAR)
	r.Post("/token", o.handleToken)
	r.Post("/introspect", o.handleIntrospect)
	r.Post("/revoke", o.handleRevoke)

	r.Post("/bc-authorize", o.handleBCAuthorize)
	r.Post("/ciba/approve", o.handleCIBAApprove)
	r.Post("/ciba/deny", o.handleCIBADeny)

	r.Post("/device_authorization", o.handleDeviceAuthorize)
	r.Post("/device/approve", o.handleDeviceApprove)
	r.Post("/device/deny", o.handleDeviceDeny)

	r.Get("/userinfo", o.handleUserInfo)
	r.Post("/userinfo", o.handleUserInfo)

	r.Get("/logout", o.handleLogout)
	r.Post("/logout/backchannel", o.handleBackchannelLogout)
	return r
}

// WellKnown mounts the OIDC discovery document and JWKS endpoint.
func (o *Orchestrator) WellKnown() http.Handler {
	r := chi.NewRouter()
	r.Get("/openid-configuration", o.handleDiscovery)
	r.Get("/jwks.json", o.handleJWKS)
	return r
}

func (o *Orchestrator) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                o.issuerURL,
		"authorization_endpoint":                o.issuerURL + "/authorize",
		"token_endpoint":                         o.issuerURL + "/token",
		"userinfo_endpoint":                      o.issuerURL + "/userinfo",
		"jwks_uri":                               o.issuerURL + "/.well-known/jwks.json",
		"pushed_authorization_request_endpoint":  o.issuerURL + "/par",
		"backchannel_authentication_endpoint":    o.issuerURL + "/bc-authorize",
		"device_authorization_endpoint":          o.issuerURL + "/device_authorization",
		"end_session_endpoint":                   o.issuerURL + "/logout",
		"response_types_supported":               []string{"code"},
		"grant_types_supported": []string{
			"authorization_code", "refresh_token", "client_credentials",
			"urn:openid:params:grant-type:ciba",
			"urn:ietf:params:oauth:grant-type:device_code",
		},
		"id_token_signing_alg_values_supported": []string{"RS256", "ES256", "ES384", "ES512"},
		"code_challenge_methods_supported":      []string{"S256"},
		"backchannel_token_delivery_modes_supported": []string{"poll", "ping", "push"},
		"scopes_supported":                      o.tenant.AllowedScopes,
		"claims_supported":                      []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "acr", "amr", "nonce", "email", "name"},
	})
}

func (o *Orchestrator) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Vary", "Accept-Encoding")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(o.keyStore.GetJWKS())
}

func (o *Orchestrator) handlePAR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed form body", err))
		return
	}

	ar, err := o.provider.NewAuthorizeRequest(ctx, r)
	if err != nil {
		o.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	requestURI := parURNPrefix + newOpaqueID()
	params := make(map[string]string, len(r.Form))
	for k := range r.Form {
		params[k] = r.Form.Get(k)
	}

	if err := o.pars.Put(ctx, storage.PARRecord{
		RequestURI: requestURI,
		ClientID:   ar.GetClient().GetID(),
		Parameters: params,
		ExpiresAt:  time.Now().Add(storage.MaxPARTTL),
	}, storage.MaxPARTTL); err != nil {
		writeProblem(w, aerrors.NewStorageError("failed to persist pushed authorization request", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"request_uri": requestURI,
		"expires_in":  int(storage.MaxPARTTL.Seconds()),
	})
}

func (o *Orchestrator) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed request", err))
		return
	}

	clientID := r.Form.Get("client_id")
	client, ok := o.clients[clientID]
	if !ok {
		writeProblem(w, aerrors.NewInvalidClientError("unknown client_id", nil))
		return
	}

	resolved, err := o.resolver.Resolve(o.tenant, client)
	if err != nil {
		writeProblem(w, err)
		return
	}

	resolvedParams, err := o.reqObjects.resolveParams(ctx, r.Form, o.pars, "")
	if err != nil {
		o.redirectOrJSONError(w, r, err)
		return
	}
	for k, v := range resolvedParams {
		r.Form[k] = v
	}

	if client.Public && resolved.RequirePKCE {
		if r.Form.Get("code_challenge") == "" {
			o.redirectOrJSONError(w, r, aerrors.NewInvalidRequestError("PKCE is required for this client", nil))
			return
		}
		if m := r.Form.Get("code_challenge_method"); m != "" && m != "S256" {
			o.redirectOrJSONError(w, r, aerrors.NewInvalidRequestError("only S256 code_challenge_method is supported", nil))
			return
		}
	}

	ar, err := o.provider.NewAuthorizeRequest(ctx, r)
	if err != nil {
		o.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	prompt := r.Form.Get("prompt")
	maxAge := parseMaxAge(r.Form.Get("max_age"))

	sess := o.lookupSession(ctx, sessionCookieValue(r))
	needsLogin := sess == nil || prompt == "login" || !sessionFresh(sess, maxAge)
	if needsLogin {
		if prompt == "none" {
			o.redirectOrJSONError(w, r, aerrors.NewAccessDeniedError("login_required", nil))
			return
		}
		o.beginChallenge(w, r, storage.ChallengeLogin, resolved.ResolutionID, client)
		return
	}

	missing := o.consent.MissingScopes(ctx, sess.UserID, clientID, ar.GetRequestedScopes())
	if resolved.ConsentRequired && (len(missing) > 0 || prompt == "consent") {
		if prompt == "none" {
			o.redirectOrJSONError(w, r, aerrors.NewAccessDeniedError("consent_required", nil))
			return
		}
		o.beginChallenge(w, r, storage.ChallengeConsent, resolved.ResolutionID, client)
		return
	}

	for _, scope := range ar.GetRequestedScopes() {
		if contains(resolved.AllowedScopes, scope) {
			ar.GrantScope(scope)
		}
	}
	for _, aud := range ar.GetRequestedAudience() {
		ar.GrantAudience(aud)
	}

	session := o.buildOpenIDSession(sess, clientID, r.Form.Get("nonce"))

	resp, err := o.provider.NewAuthorizeResponse(ctx, ar, session)
	if err != nil {
		o.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	if code := resp.GetParameters().Get("code"); code != "" {
		_ = o.codes.Put(ctx, storage.AuthorizationCode{
			Code:             code,
			ClientID:         clientID,
			Subject:          sess.UserID,
			Scope:            ar.GetGrantedScopes(),
			AuthTime:         sess.AuthTime,
			ACR:              sess.ACR,
			AMR:              sess.AMR,
			ResolvedPolicyID: resolved.ResolutionID,
			IssuedAt:         time.Now(),
		}, storage.MaxCodeTTL)
		o.events.Emit(ctx, events.Event{
			Name:     "authorization.code.issued",
			TenantID: o.tenant.TenantID,
			Data:     map[string]any{"client_id": clientID},
		})
	}

	o.provider.WriteAuthorizeResponse(ctx, w, ar, resp)
}

func (o *Orchestrator) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed form body", err))
		return
	}
	switch r.Form.Get("grant_type") {
	case cibaGrantType:
		o.handleCIBAGrant(w, r)
		return
	case deviceGrantType:
		o.handleDeviceGrant(w, r)
		return
	}

	session := openid.NewDefaultSession()

	ar, err := o.provider.NewAccessRequest(ctx, r, session)
	if err != nil {
		o.provider.WriteAccessError(ctx, w, ar, err)
		return
	}

	clientID := ar.GetClient().GetID()
	if client, ok := o.clients[clientID]; ok {
		if resolved, rerr := o.resolver.Resolve(o.tenant, client); rerr == nil {
			for _, scope := range ar.GetRequestedScopes() {
				if contains(resolved.AllowedScopes, scope) {
					ar.GrantScope(scope)
				}
			}
		}
	}

	resp, err := o.provider.NewAccessResponse(ctx, ar)
	if err != nil {
		o.provider.WriteAccessError(ctx, w, ar, err)
		return
	}

	o.events.Emit(ctx, events.Event{
		Name:     "token.issued",
		TenantID: o.tenant.TenantID,
		Data:     map[string]any{"client_id": clientID, "grant_type": r.FormValue("grant_type")},
	})
	o.provider.WriteAccessResponse(ctx, w, ar, resp)
}

func (o *Orchestrator) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	tokenString := r.FormValue("token")
	if tokenString == "" {
		writeProblem(w, aerrors.NewInvalidRequestError("token parameter is required", nil))
		return
	}

	claims, err := o.tokens.Verify(tokenString, token.Expectations{Issuer: o.issuerURL})
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		json.NewEncoder(w).Encode(map[string]any{"active": false})
		return
	}

	claims["active"] = true
	json.NewEncoder(w).Encode(claims)
}

func (o *Orchestrator) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jti := r.FormValue("token")
	if rt, ok := o.refreshes.Get(ctx, jti); ok {
		o.refreshes.RevokeFamily(ctx, rt.FamilyID)
	}
	w.WriteHeader(http.StatusOK)
}

// beginChallenge records an interactive-flow challenge and returns its id
// to the caller as a UI Contract stub (spec §4.6): the client completes
// the login/consent ceremony out of band (PasswordlessVerifier,
// ConsentService) and resubmits /authorize once a session/consent exists.
func (o *Orchestrator) beginChallenge(w http.ResponseWriter, r *http.Request, typ storage.ChallengeType, resolutionID string, client policy.ClientContract) {
	id := newOpaqueID()
	err := o.challenges.Put(r.Context(), storage.Challenge{
		ChallengeID:      id,
		Type:             typ,
		TenantID:         o.tenant.TenantID,
		ResolvedPolicyID: resolutionID,
		State:            storage.ChallengeStatePending,
		Payload:          map[string]any{"resume_query": r.Form.Encode(), "client_id": client.ClientID},
		ExpiresAt:        time.Now().Add(interactionChallengeTTL),
		CreatedAt:        time.Now(),
	}, interactionChallengeTTL)
	if err != nil {
		writeProblem(w, aerrors.NewStorageError("failed to persist challenge", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"challenge_id": id,
		"intent":       string(typ),
	})
}

func (o *Orchestrator) buildOpenIDSession(sess *storage.Session, clientID, nonce string) *openid.DefaultSession {
	s := openid.NewDefaultSession()
	s.Subject = sess.UserID
	s.Claims.Subject = sess.UserID
	s.Claims.Issuer = o.issuerURL
	s.Claims.AuthTime = sess.AuthTime
	s.Claims.Nonce = nonce
	s.Claims.Extra = map[string]any{
		"acr": sess.ACR,
		"amr": sess.AMR,
	}
	return s
}

func (o *Orchestrator) redirectOrJSONError(w http.ResponseWriter, r *http.Request, err error) {
	redirectURI := r.Form.Get("redirect_uri")
	state := r.Form.Get("state")
	if redirectURI == "" {
		writeProblem(w, err)
		return
	}

	u, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		writeProblem(w, err)
		return
	}
	q := u.Query()
	q.Set("error", errorCode(err))
	q.Set("error_description", err.Error())
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func sessionCookieValue(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func parseMaxAge(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func errorCode(err error) string {
	if ae, ok := err.(*aerrors.Error); ok {
		return oauthErrorCode(ae.Type)
	}
	if rfc, ok := err.(interface{ ErrorField() string }); ok {
		return rfc.ErrorField()
	}
	return "server_error"
}

func newOpaqueID() string {
	return events.NewID()
}
