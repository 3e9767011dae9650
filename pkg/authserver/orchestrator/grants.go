package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aegisid/op/pkg/authserver/storage"
	"github.com/aegisid/op/pkg/ciba"
	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/events"
	"github.com/aegisid/op/pkg/token"
)

// cibaGrantType and deviceGrantType are the two /token grant_type values
// fosite's compose.ComposeAllEnabled has no opinion on; handleToken
// dispatches them to CIBARunner/DeviceGrantRunner before ever touching
// fosite's NewAccessRequest (spec §4.9, §4.10).
const (
	cibaGrantType   = "urn:openid:params:grant-type:ciba"
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

func (o *Orchestrator) handleBCAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed form body", err))
		return
	}
	clientID := r.Form.Get("client_id")
	if _, ok := o.clients[clientID]; !ok {
		writeProblem(w, aerrors.NewInvalidClientError("unknown client_id", nil))
		return
	}

	mode := storage.DeliveryMode(r.Form.Get("delivery_mode"))
	if mode == "" {
		mode = storage.DeliveryPoll
	}
	var expiry time.Duration
	if s := r.Form.Get("requested_expiry"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			expiry = time.Duration(secs) * time.Second
		}
	}

	res, err := o.ciba.Authorize(ctx, ciba.AuthorizeParams{
		ClientID:             clientID,
		LoginHint:            r.Form.Get("login_hint"),
		BindingMessage:       r.Form.Get("binding_message"),
		DeliveryMode:         mode,
		NotificationEndpoint: r.Form.Get("client_notification_endpoint"),
		NotificationToken:    r.Form.Get("client_notification_token"),
		Scope:                strings.Fields(r.Form.Get("scope")),
		RequestedExpiry:      expiry,
	})
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"auth_req_id": res.AuthReqID,
		"expires_in":  res.ExpiresIn,
		"interval":    res.Interval,
	})
}

// handleCIBAApprove and handleCIBADeny back the out-of-band approval page
// a resource owner reaches after receiving a push/SMS/email prompt; they
// require an authenticated browser session (spec §4.9's "end user
// approves/denies out of band").
func (o *Orchestrator) handleCIBAApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := o.lookupSession(ctx, sessionCookieValue(r))
	if sess == nil {
		writeProblem(w, aerrors.NewSessionNotFoundError("no authenticated session", nil))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed form body", err))
		return
	}
	authReqID := r.Form.Get("auth_req_id")
	err := o.ciba.Approve(ctx, authReqID, sess.UserID, func(req storage.CIBARequest) (map[string]any, error) {
		return o.mintGrantTokens(ctx, req.Subject, req.ClientID, req.Scope)
	})
	if err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (o *Orchestrator) handleCIBADeny(w http.ResponseWriter, r *http.Request) {
	if o.lookupSession(r.Context(), sessionCookieValue(r)) == nil {
		writeProblem(w, aerrors.NewSessionNotFoundError("no authenticated session", nil))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed form body", err))
		return
	}
	if err := o.ciba.Deny(r.Context(), r.Form.Get("auth_req_id")); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (o *Orchestrator) handleDeviceAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed form body", err))
		return
	}
	clientID := r.Form.Get("client_id")
	if _, ok := o.clients[clientID]; !ok {
		writeProblem(w, aerrors.NewInvalidClientError("unknown client_id", nil))
		return
	}

	res, err := o.device.Authorize(ctx, clientID, strings.Fields(r.Form.Get("scope")))
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":               res.DeviceCode,
		"user_code":                 res.UserCode,
		"verification_uri":         res.VerificationURI,
		"verification_uri_complete": res.VerificationURIComplete,
		"expires_in":                res.ExpiresIn,
		"interval":                  res.Interval,
	})
}

// handleDeviceApprove and handleDeviceDeny back the browser page a user
// reaches at verification_uri after typing in their user_code.
func (o *Orchestrator) handleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := o.lookupSession(ctx, sessionCookieValue(r))
	if sess == nil {
		writeProblem(w, aerrors.NewSessionNotFoundError("no authenticated session", nil))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed form body", err))
		return
	}
	if err := o.device.Approve(ctx, r.Form.Get("user_code"), sess.UserID); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (o *Orchestrator) handleDeviceDeny(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed form body", err))
		return
	}
	if err := o.device.Deny(r.Context(), r.Form.Get("user_code")); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCIBAGrant and handleDeviceGrant serve the two non-fosite
// grant_type branches handleToken dispatches to ahead of
// provider.NewAccessRequest.
func (o *Orchestrator) handleCIBAGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authReqID := r.Form.Get("auth_req_id")
	if authReqID == "" {
		writeProblem(w, aerrors.NewInvalidRequestError("auth_req_id is required", nil))
		return
	}
	tokens, err := o.ciba.Poll(ctx, authReqID, func(req storage.CIBARequest) (map[string]any, error) {
		return o.mintGrantTokens(ctx, req.Subject, req.ClientID, req.Scope)
	})
	if err != nil {
		writeProblem(w, err)
		return
	}
	o.events.Emit(ctx, events.Event{Name: "token.issued", TenantID: o.tenant.TenantID, Data: map[string]any{"grant_type": cibaGrantType}})
	writeJSON(w, http.StatusOK, tokens)
}

func (o *Orchestrator) handleDeviceGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceCode := r.Form.Get("device_code")
	if deviceCode == "" {
		writeProblem(w, aerrors.NewInvalidRequestError("device_code is required", nil))
		return
	}
	tokens, err := o.device.Poll(ctx, deviceCode, func(g storage.DeviceGrant) (map[string]any, error) {
		return o.mintGrantTokens(ctx, g.Subject, g.ClientID, g.Scope)
	})
	if err != nil {
		writeProblem(w, err)
		return
	}
	o.events.Emit(ctx, events.Event{Name: "token.issued", TenantID: o.tenant.TenantID, Data: map[string]any{"grant_type": deviceGrantType}})
	writeJSON(w, http.StatusOK, tokens)
}

// mintGrantTokens issues the access (and, for the openid scope, id) token
// a CIBA/device grant's approval releases, using the client's resolved
// policy TTLs when the client is known.
func (o *Orchestrator) mintGrantTokens(ctx context.Context, subject, clientID string, scope []string) (map[string]any, error) {
	accessTTL := time.Hour
	idTTL := time.Hour
	if client, ok := o.clients[clientID]; ok {
		if resolved, err := o.resolver.Resolve(o.tenant, client); err == nil {
			if resolved.AccessTokenTTL > 0 {
				accessTTL = resolved.AccessTokenTTL
			}
			if resolved.IDTokenTTL > 0 {
				idTTL = resolved.IDTokenTTL
			}
		}
	}

	scopeStr := strings.Join(scope, " ")
	access, err := o.tokens.IssueAccessToken(ctx, token.AccessTokenParams{
		Subject:  subject,
		Audience: []string{clientID},
		ClientID: clientID,
		Scope:    scopeStr,
		AuthTime: time.Now(),
		TTL:      accessTTL,
	})
	if err != nil {
		return nil, err
	}

	resp := map[string]any{
		"access_token": access.JWT,
		"token_type":   "Bearer",
		"expires_in":   int(accessTTL.Seconds()),
		"scope":        scopeStr,
	}
	if contains(scope, "openid") {
		idToken, err := o.tokens.IssueIDToken(ctx, token.IDTokenParams{
			Subject:     subject,
			Audience:    []string{clientID},
			AuthTime:    time.Now(),
			AccessToken: access.JWT,
			TTL:         idTTL,
		})
		if err == nil {
			resp["id_token"] = idToken
		}
	}
	return resp, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
