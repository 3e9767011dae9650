package orchestrator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aegisid/op/pkg/authserver/storage"
	"github.com/aegisid/op/pkg/consent"
	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/events"
	"github.com/aegisid/op/pkg/users"
)

const defaultSessionTTL = 24 * time.Hour

// InteractionRoutes mounts the login/consent ceremony endpoints that
// beginChallenge's challenge_id hands off to: passkey registration and
// authentication, email-OTP, and consent recording (spec §4.8, §4.6).
func (o *Orchestrator) InteractionRoutes() http.Handler {
	r := chi.NewRouter()
	r.Post("/passkey/register/begin", o.handlePasskeyRegisterBegin)
	r.Post("/passkey/register/finish", o.handlePasskeyRegisterFinish)
	r.Post("/passkey/login/begin", o.handlePasskeyLoginBegin)
	r.Post("/passkey/login/finish", o.handlePasskeyLoginFinish)
	r.Post("/email/send", o.handleEmailSend)
	r.Post("/email/verify", o.handleEmailVerify)
	r.Post("/consent", o.handleConsentDecision)
	return r
}

func (o *Orchestrator) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeProblem(w, aerrors.NewInvalidRequestError("user_id is required", err))
		return
	}
	creation, challengeID, err := o.passwordless.BeginRegistration(r.Context(), body.UserID)
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenge_id": challengeID, "options": creation})
}

func (o *Orchestrator) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	challengeID := r.URL.Query().Get("challenge_id")
	if err := o.passwordless.FinishRegistration(r.Context(), challengeID, r.Body); err != nil {
		writeProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (o *Orchestrator) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeProblem(w, aerrors.NewInvalidRequestError("user_id is required", err))
		return
	}
	assertion, challengeID, err := o.passwordless.BeginAuthentication(r.Context(), body.UserID)
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenge_id": challengeID, "options": assertion})
}

// handlePasskeyLoginFinish verifies the assertion and, on success,
// completes the login challenge beginChallenge created, minting a
// browser session and handing the caller back the original /authorize
// query to resubmit (spec §4.7's "resume once a session/consent exists").
func (o *Orchestrator) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	challengeID := r.URL.Query().Get("challenge_id")
	loginChallengeID := r.URL.Query().Get("login_challenge_id")

	userID, err := o.passwordless.FinishAuthentication(r.Context(), challengeID, r.Body)
	if err != nil {
		writeProblem(w, err)
		return
	}
	o.completeLogin(w, r, loginChallengeID, userID, []string{"pwd", "webauthn"}, "urn:mace:incommon:iap:silver")
}

func (o *Orchestrator) handleEmailSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		writeProblem(w, aerrors.NewInvalidRequestError("email is required", err))
		return
	}
	challengeID, err := o.passwordless.SendEmailCode(r.Context(), body.Email)
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenge_id": challengeID})
}

func (o *Orchestrator) handleEmailVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengeID      string `json:"challenge_id"`
		Code             string `json:"code"`
		LoginChallengeID string `json:"login_challenge_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed request body", err))
		return
	}

	email, err := o.passwordless.VerifyEmailCode(r.Context(), body.ChallengeID, body.Code)
	if err != nil {
		writeProblem(w, err)
		return
	}

	userID := email
	if u, ok := o.users.GetByBlindIndex(r.Context(), users.BlindIndex(o.blindSecret, email)); ok {
		userID = u.UserID
	}
	o.completeLogin(w, r, body.LoginChallengeID, userID, []string{"otp"}, "urn:mace:incommon:iap:bronze")
}

// completeLogin finalizes the storage.ChallengeLogin record beginChallenge
// created, mints a new browser session, and sets the op_session cookie —
// the point at which an out-of-band verifier's success becomes an
// authenticated session the orchestrator's /authorize can see.
func (o *Orchestrator) completeLogin(w http.ResponseWriter, r *http.Request, loginChallengeID, userID string, amr []string, acr string) {
	ctx := r.Context()
	ch, ok := o.challenges.Get(ctx, loginChallengeID)
	if !ok || ch.Type != storage.ChallengeLogin {
		writeProblem(w, aerrors.NewChallengeNotFoundError("unknown login challenge", nil))
		return
	}

	ttl := o.tenant.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	now := time.Now()
	sessionID := newOpaqueID()
	sess := storage.Session{
		SessionID:     sessionID,
		UserID:        userID,
		TenantID:      o.tenant.TenantID,
		AuthTime:      now,
		AMR:           amr,
		ACR:           acr,
		ExpiresAt:     now.Add(ttl),
		IdleExpiresAt: now.Add(ttl),
		LastActiveAt:  now,
	}
	if err := o.sessions.Put(ctx, sess, ttl); err != nil {
		writeProblem(w, aerrors.NewStorageError("failed to persist session", err))
		return
	}
	if err := o.challenges.Advance(ctx, loginChallengeID, storage.ChallengeStateComplete, nil); err != nil {
		writeProblem(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})

	o.events.Emit(ctx, events.Event{Name: "authentication.session.established", TenantID: o.tenant.TenantID, Data: map[string]any{"user_id": userID}})

	resumeQuery, _ := ch.Payload["resume_query"].(string)
	writeJSON(w, http.StatusOK, map[string]any{"resume_query": resumeQuery})
}

// handleConsentDecision records the resource owner's consent decision for
// the login challenge of type ChallengeConsent that beginChallenge
// created, then hands back the same resume_query contract.
func (o *Orchestrator) handleConsentDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := o.lookupSession(ctx, sessionCookieValue(r))
	if sess == nil {
		writeProblem(w, aerrors.NewSessionNotFoundError("no authenticated session", nil))
		return
	}

	var body struct {
		ChallengeID string   `json:"challenge_id"`
		ClientID    string   `json:"client_id"`
		Scopes      []string `json:"scopes"`
		Granted     bool     `json:"granted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, aerrors.NewInvalidRequestError("malformed request body", err))
		return
	}
	if !body.Granted {
		writeProblem(w, aerrors.NewAccessDeniedError("consent_required", nil))
		return
	}

	if _, err := o.consent.Record(ctx, consent.Decision{
		UserID:         sess.UserID,
		ClientID:       body.ClientID,
		RequestedScope: body.Scopes,
		Approved:       body.Granted,
	}); err != nil {
		writeProblem(w, err)
		return
	}

	ch, ok := o.challenges.Get(ctx, body.ChallengeID)
	if !ok || ch.Type != storage.ChallengeConsent {
		writeProblem(w, aerrors.NewChallengeNotFoundError("unknown consent challenge", nil))
		return
	}
	if err := o.challenges.Advance(ctx, body.ChallengeID, storage.ChallengeStateComplete, nil); err != nil {
		writeProblem(w, err)
		return
	}

	resumeQuery, _ := ch.Payload["resume_query"].(string)
	writeJSON(w, http.StatusOK, map[string]any{"resume_query": resumeQuery})
}
