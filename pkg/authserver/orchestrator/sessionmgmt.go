package orchestrator

import (
	"net/http"
	"strings"

	aerrors "github.com/aegisid/op/pkg/errors"
)

// handleUserInfo implements the UserInfoService endpoint (spec §4's
// UserInfoService row): a bearer access token authorizes a scope-filtered
// claims response (OIDC Core §5.3).
func (o *Orchestrator) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		writeProblem(w, aerrors.NewInvalidRequestError("missing bearer access token", nil))
		return
	}

	claims, err := o.userinfo.Claims(r.Context(), strings.TrimPrefix(authz, prefix))
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

// handleLogout implements RP-initiated logout (spec §4.11): it revokes
// every live session for the subject named by id_token_hint and fans the
// event out front/back-channel to every registered client.
func (o *Orchestrator) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed request", err))
		return
	}

	res, err := o.logout.Logout(r.Context(), r.Form.Get("id_token_hint"), r.Form.Get("client_id"))
	if err != nil {
		writeProblem(w, err)
		return
	}

	if redirect := r.Form.Get("post_logout_redirect_uri"); redirect != "" {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"frontchannel_iframes": res.FrontchannelIframes})
}

// handleBackchannelLogout receives an upstream IdP's backchannel logout
// token when this OP acts as an RP of that IdP (spec §4.11).
func (o *Orchestrator) handleBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed request", err))
		return
	}
	logoutToken := r.Form.Get("logout_token")
	if logoutToken == "" {
		writeProblem(w, aerrors.NewInvalidRequestError("logout_token is required", nil))
		return
	}
	if err := o.logout.ReceiveBackchannel(r.Context(), logoutToken, r.Form.Get("iss")); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
