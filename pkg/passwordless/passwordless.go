// Package passwordless implements the PasswordlessVerifier of spec.md
// §4.8: WebAuthn passkey registration/authentication via go-webauthn, and
// rate-limited email-OTP as the non-passkey fallback.
package passwordless

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/aegisid/op/pkg/authserver/storage"
	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/events"
	"github.com/aegisid/op/pkg/notify"
	"github.com/aegisid/op/pkg/ratelimit"
	"github.com/aegisid/op/pkg/users"
)

// challengeTTL bounds a passkey ceremony or email-OTP code's lifetime
// (spec §4.8: "TTL 5 min" for both).
const challengeTTL = 5 * time.Minute

// maxOTPAttempts is the number of wrong codes tolerated before the
// challenge is invalidated outright (spec §4.8).
const maxOTPAttempts = 5

// Verifier implements passkey and email-OTP authentication.
type Verifier struct {
	webauthn    *webauthn.WebAuthn
	challenges  *storage.ChallengeStore
	users       *users.Store
	limiter     *ratelimit.Limiter
	events      *events.Bus
	notifier    notify.Adapter
	tenantID    string
	blindSecret []byte
}

// Config configures the RP identity the WebAuthn ceremonies are bound to.
type Config struct {
	RPDisplayName string
	RPID          string   // must equal the issuer's hostname (spec §4.8)
	RPOrigins     []string // must contain ISSUER_URL's origin
}

// New constructs a Verifier.
func New(cfg Config, tenantID string, blindSecret []byte, challenges *storage.ChallengeStore, userStore *users.Store, limiter *ratelimit.Limiter, bus *events.Bus, notifier notify.Adapter) (*Verifier, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, aerrors.NewInternalError("failed to construct webauthn relying party", err)
	}
	return &Verifier{
		webauthn:    w,
		challenges:  challenges,
		users:       userStore,
		limiter:     limiter,
		events:      bus,
		notifier:    notifier,
		tenantID:    tenantID,
		blindSecret: blindSecret,
	}, nil
}

// webauthnUser adapts users.User to webauthn.User.
type webauthnUser struct{ u users.User }

func (w webauthnUser) WebAuthnID() []byte     { return []byte(w.u.UserID) }
func (w webauthnUser) WebAuthnName() string   { return w.u.Email }
func (w webauthnUser) WebAuthnDisplayName() string {
	if w.u.Name != "" {
		return w.u.Name
	}
	return w.u.Email
}
func (w webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(w.u.Credentials))
	for _, c := range w.u.Credentials {
		transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transport))
		for _, t := range c.Transport {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		out = append(out, webauthn.Credential{
			ID:        c.ID,
			PublicKey: c.PublicKey,
			Transport: transports,
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		})
	}
	return out
}

// BeginRegistration issues a WebAuthn creation challenge for userID and
// stores the ceremony's session data in ChallengeStore.
func (v *Verifier) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, string, error) {
	u, ok := v.users.Get(ctx, userID)
	if !ok {
		u = &users.User{UserID: userID}
	}

	creation, sessionData, err := v.webauthn.BeginRegistration(webauthnUser{*u})
	if err != nil {
		return nil, "", aerrors.NewInvalidRequestError("failed to begin passkey registration", err)
	}

	id, err := v.storeChallenge(ctx, storage.ChallengePasskeyRegister, userID, sessionData)
	if err != nil {
		return nil, "", err
	}
	return creation, id, nil
}

// FinishRegistration verifies the attestation response, stores the new
// credential, and marks the account's email verified on first success
// (spec §4.8).
func (v *Verifier) FinishRegistration(ctx context.Context, challengeID string, body io.Reader) error {
	_, sessionData, userID, err := v.consumeChallenge(ctx, storage.ChallengePasskeyRegister, challengeID)
	if err != nil {
		return err
	}

	u, ok := v.users.Get(ctx, userID)
	if !ok {
		u = &users.User{UserID: userID}
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return aerrors.NewInvalidRequestError("malformed attestation response", err)
	}

	cred, err := v.webauthn.CreateCredential(webauthnUser{*u}, *sessionData, parsed)
	if err != nil {
		return aerrors.NewInvalidRequestError("attestation verification failed", err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	newCred := users.Credential{
		ID:        cred.ID,
		PublicKey: cred.PublicKey,
		SignCount: cred.Authenticator.SignCount,
		AAGUID:    cred.Authenticator.AAGUID,
		Transport: transports,
	}

	firstCredential := len(u.Credentials) == 0
	if !ok {
		u.EmailVerified = firstCredential
		if err := v.users.Put(ctx, *u); err != nil {
			return aerrors.NewStorageError("failed to persist new user record", err)
		}
	}
	if err := v.users.AddCredential(ctx, userID, newCred); err != nil {
		return aerrors.NewStorageError("failed to persist passkey credential", err)
	}
	if firstCredential && ok && !u.EmailVerified {
		u.EmailVerified = true
		_ = v.users.Put(ctx, *u)
	}

	v.events.Emit(ctx, events.Event{Name: "passkey.credential.registered", TenantID: v.tenantID, Data: map[string]any{"user_id": userID}})
	return nil
}

// BeginAuthentication issues an assertion challenge for a known user.
// allowCredentials is left to go-webauthn's default, derived from the
// user's registered credentials. An empty or unknown userID is rejected
// with session_not_found; discoverable-credential (usernameless)
// ceremonies are not supported.
func (v *Verifier) BeginAuthentication(ctx context.Context, userID string) (*protocol.CredentialAssertion, string, error) {
	u, ok := v.users.Get(ctx, userID)
	if !ok {
		return nil, "", aerrors.NewSessionNotFoundError("unknown user for passkey authentication", nil)
	}

	assertion, sessionData, err := v.webauthn.BeginLogin(webauthnUser{*u})
	if err != nil {
		return nil, "", aerrors.NewInvalidRequestError("failed to begin passkey authentication", err)
	}

	id, err := v.storeChallenge(ctx, storage.ChallengePasskeyAuth, userID, sessionData)
	if err != nil {
		return nil, "", err
	}
	return assertion, id, nil
}

// FinishAuthentication validates the assertion. Per property #6/scenario
// S5, a stored counter strictly greater than zero that does not advance
// is a suspected replay: the session is never created and a
// security.token.replay_detected event fires, regardless of whether
// go-webauthn's own clone-warning heuristic also tripped.
func (v *Verifier) FinishAuthentication(ctx context.Context, challengeID string, body io.Reader) (userID string, err error) {
	_, sessionData, uid, err := v.consumeChallenge(ctx, storage.ChallengePasskeyAuth, challengeID)
	if err != nil {
		return "", err
	}

	u, ok := v.users.Get(ctx, uid)
	if !ok {
		return "", aerrors.NewSessionNotFoundError("unknown user for passkey authentication", nil)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return "", aerrors.NewInvalidRequestError("malformed assertion response", err)
	}

	stored, known := u.CredentialByID(parsed.RawID)
	if !known {
		return "", aerrors.NewAuthenticationFailedError("credential not registered to this user", nil)
	}

	cred, err := v.webauthn.ValidateLogin(webauthnUser{*u}, *sessionData, parsed)
	if err != nil {
		v.events.Emit(ctx, events.Event{Name: "security.token.replay_detected", TenantID: v.tenantID, Data: map[string]any{"user_id": uid, "reason": "assertion_validation_failed"}})
		return "", aerrors.NewAuthenticationFailedError("assertion verification failed", err)
	}

	if stored.SignCount > 0 && cred.Authenticator.SignCount <= stored.SignCount {
		v.events.Emit(ctx, events.Event{Name: "security.token.replay_detected", TenantID: v.tenantID, Data: map[string]any{"user_id": uid, "credential_id": fmt.Sprintf("%x", stored.ID)}})
		return "", aerrors.NewAuthenticationFailedError("suspected_replay", nil)
	}

	if err := v.users.UpdateCredentialCounter(ctx, uid, cred.ID, cred.Authenticator.SignCount); err != nil {
		return "", aerrors.NewStorageError("failed to persist updated signature counter", err)
	}

	v.events.Emit(ctx, events.Event{Name: "authentication.passkey.succeeded", TenantID: v.tenantID, Data: map[string]any{"user_id": uid}})
	return uid, nil
}

// SendEmailCode generates a 6-digit OTP, rate-limited to 3 sends / 15 min
// per email (spec §4.8), and dispatches it via the notify adapter.
func (v *Verifier) SendEmailCode(ctx context.Context, email string) (string, error) {
	key := ratelimit.Key(v.tenantID, ratelimit.EndpointSendEmail, email)
	res, err := v.limiter.Check(key, ratelimit.EndpointSendEmail)
	if err != nil {
		return "", aerrors.NewInternalError("rate limiter misconfigured", err)
	}
	if !res.Allowed {
		return "", aerrors.NewRateLimitedError("too many email codes requested", nil)
	}

	code, err := randomDigits(6)
	if err != nil {
		return "", aerrors.NewInternalError("failed to generate otp", err)
	}

	blindIndex := users.BlindIndex(v.blindSecret, email)
	id, err := v.storeChallengeData(ctx, storage.ChallengeEmailCode, "", map[string]any{
		"email":        email,
		"blind_index":  blindIndex,
		"code":         code,
		"attempts":     0,
	})
	if err != nil {
		return "", err
	}

	if err := v.notifier.Send(ctx, notify.Message{
		Recipient: email,
		Subject:   "Your sign-in code",
		Body:      fmt.Sprintf("Your code is %s. It expires in 5 minutes.", code),
	}); err != nil {
		v.events.Emit(ctx, events.Event{Name: "notification.delivery.failed", TenantID: v.tenantID, Data: map[string]any{"channel": "email"}})
	}

	return id, nil
}

// VerifyEmailCode checks code against challengeID's stored OTP,
// rate-limited to 10 verifies / 15 min per challenge and invalidated
// outright after 5 wrong attempts (spec §4.8).
func (v *Verifier) VerifyEmailCode(ctx context.Context, challengeID, code string) (email string, err error) {
	key := ratelimit.Key(v.tenantID, ratelimit.EndpointCodeVerify, challengeID)
	res, rerr := v.limiter.Check(key, ratelimit.EndpointCodeVerify)
	if rerr != nil {
		return "", aerrors.NewInternalError("rate limiter misconfigured", rerr)
	}
	if !res.Allowed {
		return "", aerrors.NewRateLimitedError("too many verification attempts", nil)
	}

	ch, ok := v.challenges.Get(ctx, challengeID)
	if !ok {
		return "", aerrors.NewChallengeNotFoundError("email code challenge not found", nil)
	}
	if ch.State != storage.ChallengeStatePending {
		return "", aerrors.NewChallengeConsumedError("email code already resolved", nil)
	}

	attempts, _ := ch.Payload["attempts"].(int)
	storedCode, _ := ch.Payload["code"].(string)
	storedEmail, _ := ch.Payload["email"].(string)

	if attempts >= maxOTPAttempts {
		_ = v.challenges.Advance(ctx, challengeID, storage.ChallengeStateFailed, nil)
		return "", aerrors.NewChallengeExpiredError("email code attempt budget exhausted", nil)
	}

	if code != storedCode {
		_ = v.challenges.Advance(ctx, challengeID, storage.ChallengeStatePending, func(c *storage.Challenge) {
			c.Payload["attempts"] = attempts + 1
		})
		return "", aerrors.NewAuthenticationFailedError("incorrect code", nil)
	}

	if err := v.challenges.Advance(ctx, challengeID, storage.ChallengeStateComplete, nil); err != nil {
		return "", aerrors.NewStorageError("failed to finalize email code challenge", err)
	}
	return storedEmail, nil
}

func (v *Verifier) storeChallenge(ctx context.Context, typ storage.ChallengeType, userID string, sessionData *webauthn.SessionData) (string, error) {
	raw, err := json.Marshal(sessionData)
	if err != nil {
		return "", aerrors.NewInternalError("failed to serialize webauthn session data", err)
	}
	return v.storeChallengeData(ctx, typ, userID, map[string]any{"session_data": string(raw)})
}

func (v *Verifier) storeChallengeData(ctx context.Context, typ storage.ChallengeType, userID string, payload map[string]any) (string, error) {
	id := newChallengeID()
	payload["user_id"] = userID
	err := v.challenges.Put(ctx, storage.Challenge{
		ChallengeID: id,
		Type:        typ,
		TenantID:    v.tenantID,
		State:       storage.ChallengeStatePending,
		Payload:     payload,
		ExpiresAt:   time.Now().Add(challengeTTL),
		CreatedAt:   time.Now(),
	}, challengeTTL)
	if err != nil {
		return "", aerrors.NewStorageError("failed to persist challenge", err)
	}
	return id, nil
}

func (v *Verifier) consumeChallenge(ctx context.Context, typ storage.ChallengeType, challengeID string) (*storage.Challenge, *webauthn.SessionData, string, error) {
	ch, ok := v.challenges.Consume(ctx, challengeID)
	if !ok {
		return nil, nil, "", aerrors.NewChallengeNotFoundError("challenge not found or already consumed", nil)
	}
	if ch.Type != typ {
		return nil, nil, "", aerrors.NewInvalidRequestError("challenge type mismatch", nil)
	}
	if time.Now().After(ch.ExpiresAt) {
		return nil, nil, "", aerrors.NewChallengeExpiredError("challenge expired", nil)
	}

	raw, _ := ch.Payload["session_data"].(string)
	var sessionData webauthn.SessionData
	if err := json.Unmarshal([]byte(raw), &sessionData); err != nil {
		return nil, nil, "", aerrors.NewInternalError("failed to deserialize webauthn session data", err)
	}
	userID, _ := ch.Payload["user_id"].(string)
	return ch, &sessionData, userID, nil
}

func randomDigits(n int) (string, error) {
	const digits = "0123456789"
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		out[i] = digits[idx.Int64()]
	}
	return string(out), nil
}

func newChallengeID() string { return events.NewID() }
