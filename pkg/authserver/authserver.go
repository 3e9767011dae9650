package authserver

import "net/http"

// HandlerResult pairs the HTTP handlers for one tenant's authorization
// server: OAuthMux for /authorize, /par, and /token; WellKnownMux for
// OIDC discovery and the JWKS document served straight from KeyStore.
//
// The orchestrator package does not fill in a HandlerResult; it exposes
// the same handlers through Orchestrator.Routes and Orchestrator.WellKnown.
type HandlerResult struct {
	// OAuthMux handles the OAuth/OIDC protocol endpoints.
	OAuthMux http.Handler

	// WellKnownMux handles /.well-known/openid-configuration and
	// /.well-known/jwks.json.
	WellKnownMux http.Handler
}
