package orchestrator

import (
	"encoding/json"
	"net/http"

	aerrors "github.com/aegisid/op/pkg/errors"
)

// statusFor maps a catalog ErrorType onto the HTTP status spec §7/§4.3
// assigns it. Unlisted types fall back to 500, matching the catalog's own
// ErrInternal/ErrServerError default.
var statusFor = map[aerrors.ErrorType]int{
	aerrors.ErrInvalidRequest:          http.StatusBadRequest,
	aerrors.ErrInvalidArgument:         http.StatusBadRequest,
	aerrors.ErrInvalidClient:           http.StatusUnauthorized,
	aerrors.ErrInvalidGrant:            http.StatusBadRequest,
	aerrors.ErrInvalidScope:            http.StatusBadRequest,
	aerrors.ErrUnauthorizedClient:      http.StatusBadRequest,
	aerrors.ErrUnsupportedGrantType:    http.StatusBadRequest,
	aerrors.ErrUnsupportedResponseType: http.StatusBadRequest,
	aerrors.ErrAccessDenied:            http.StatusForbidden,
	aerrors.ErrServerError:             http.StatusInternalServerError,
	aerrors.ErrTemporarilyUnavailable:  http.StatusServiceUnavailable,

	aerrors.ErrChallengeNotFound:    http.StatusNotFound,
	aerrors.ErrChallengeExpired:     http.StatusGone,
	aerrors.ErrChallengeConsumed:    http.StatusConflict,
	aerrors.ErrPKCEMismatch:         http.StatusBadRequest,
	aerrors.ErrSessionNotFound:      http.StatusUnauthorized,
	aerrors.ErrSessionExpired:       http.StatusUnauthorized,
	aerrors.ErrTokenReplay:          http.StatusBadRequest,
	aerrors.ErrPolicyDenied:         http.StatusForbidden,
	aerrors.ErrPolicyStale:          http.StatusConflict,
	aerrors.ErrConsentRequired:      http.StatusForbidden,
	aerrors.ErrAuthenticationFailed: http.StatusUnauthorized,

	aerrors.ErrAuthorizationPending: http.StatusBadRequest,
	aerrors.ErrSlowDown:             http.StatusBadRequest,
	aerrors.ErrExpiredToken:         http.StatusBadRequest,

	aerrors.ErrRateLimited: http.StatusTooManyRequests,
	aerrors.ErrStorage:     http.StatusInternalServerError,
	aerrors.ErrKeyRotation: http.StatusInternalServerError,
	aerrors.ErrInternal:    http.StatusInternalServerError,
}

// oauthErrorCode translates a catalog ErrorType into the RFC 6749 §5.2 /
// OIDC Core "error" field. Most names already match; the flow-local and
// grant-specific types need remapping onto the wire vocabulary a client
// actually understands.
func oauthErrorCode(t aerrors.ErrorType) string {
	switch t {
	case aerrors.ErrChallengeNotFound, aerrors.ErrChallengeExpired, aerrors.ErrChallengeConsumed,
		aerrors.ErrSessionNotFound, aerrors.ErrSessionExpired, aerrors.ErrPKCEMismatch,
		aerrors.ErrTokenReplay, aerrors.ErrPolicyStale:
		return "invalid_grant"
	case aerrors.ErrAuthenticationFailed:
		return "access_denied"
	case aerrors.ErrPolicyDenied, aerrors.ErrConsentRequired:
		return "access_denied"
	case aerrors.ErrAuthorizationPending:
		return "authorization_pending"
	case aerrors.ErrSlowDown:
		return "slow_down"
	case aerrors.ErrExpiredToken:
		return "expired_token"
	case aerrors.ErrRateLimited:
		return "slow_down"
	case aerrors.ErrStorage, aerrors.ErrKeyRotation, aerrors.ErrInternal:
		return "server_error"
	case "":
		return "server_error"
	default:
		return string(t)
	}
}

// writeProblem is the single boundary where an internal *aerrors.Error (or
// any other error fosite itself did not already render) becomes an RFC
// 6749 §5.2 / RFC 9457 wire response. fosite's own WriteAuthorizeError and
// WriteAccessError already do this for errors it originates; writeProblem
// covers everything the orchestrator raises before handing control to
// fosite, plus /introspect, /revoke, PAR, and the interaction endpoints.
func writeProblem(w http.ResponseWriter, err error) {
	ae, ok := err.(*aerrors.Error)
	if !ok {
		ae = aerrors.NewInternalError("unclassified error", err)
	}

	status, ok := statusFor[ae.Type]
	if !ok {
		status = http.StatusInternalServerError
	}

	if ae.Type == aerrors.ErrRateLimited {
		w.Header().Set("Retry-After", "1")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":             oauthErrorCode(ae.Type),
		"error_description": ae.Message,
		"type":              string(ae.Type),
		"status":            status,
	})
}
