package authserver

import (
	"net"
	"net/url"
	"strings"

	"github.com/ory/fosite"
)

// schemeHTTP is the only scheme RFC 8252 Section 7.3 permits for loopback
// redirect URIs.
const schemeHTTP = "http"

// LoopbackClient is a fosite.Client implementation that supports RFC 8252
// Section 7.3 compliant loopback redirect URI matching for native OAuth
// clients registered under a ClientContract with Public=true.
//
// RFC 8252 Section 7.3 specifies that:
//   - Loopback redirect URIs use "http" (not "https")
//   - The host must be "127.0.0.1", "[::1]", or "localhost"
//   - The authorization server MUST allow any port
//   - The path and query components must match exactly
//
// This client extends fosite's built-in loopback support to also handle
// "localhost" as a loopback address, which fosite's default implementation
// does not support for dynamic port matching.
type LoopbackClient struct {
	*fosite.DefaultClient
}

// NewLoopbackClient creates a new LoopbackClient wrapping the provided DefaultClient.
func NewLoopbackClient(client *fosite.DefaultClient) *LoopbackClient {
	return &LoopbackClient{DefaultClient: client}
}

// MatchRedirectURI checks if the given redirect URI matches one of the client's
// registered redirect URIs, with RFC 8252 Section 7.3 loopback support.
//
// For loopback URIs (127.0.0.1, [::1], or localhost), the port is allowed to
// vary while the scheme, host, path, and query must match exactly.
func (c *LoopbackClient) MatchRedirectURI(requestedURI string) bool {
	for _, registeredURI := range c.GetRedirectURIs() {
		if matchesRedirectURI(requestedURI, registeredURI) {
			return true
		}
	}
	return false
}

// GetMatchingRedirectURI returns the matching redirect URI if found, or an empty string.
// For loopback URIs, returns the requested URI (with its port) if it matches a registered
// loopback pattern.
func (c *LoopbackClient) GetMatchingRedirectURI(requestedURI string) string {
	for _, registeredURI := range c.GetRedirectURIs() {
		if matchesRedirectURI(requestedURI, registeredURI) {
			// For loopback matches, return the requested URI to preserve the dynamic port
			if isLoopbackURI(requestedURI) {
				return requestedURI
			}
			return registeredURI
		}
	}
	return ""
}

// matchesRedirectURI checks if a requested URI matches a registered URI.
// Implements RFC 8252 Section 7.3 loopback matching.
func matchesRedirectURI(requestedURI, registeredURI string) bool {
	if requestedURI == registeredURI {
		return true
	}
	return matchesAsLoopback(requestedURI, registeredURI)
}

// matchesAsLoopback checks if the requested URI matches the registered URI
// using RFC 8252 Section 7.3 loopback rules.
func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}

	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	if requested.Scheme != schemeHTTP || registered.Scheme != schemeHTTP {
		return false
	}

	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}

	if !hostnamesMatch(requested.Hostname(), registered.Hostname()) {
		return false
	}

	if requested.Path != registered.Path {
		return false
	}

	if requested.RawQuery != registered.RawQuery {
		return false
	}

	// Port can be any value — this is the key RFC 8252 requirement.
	return true
}

// isLoopbackURI checks if the URI uses a loopback address.
func isLoopbackURI(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return IsLoopbackHost(parsed.Hostname())
}

// IsLoopbackHost checks if the hostname is a loopback address per RFC 8252 Section 7.3.
// Valid loopback hosts are "127.0.0.1", "::1", and "localhost". Exported for
// reuse by ClientContract redirect-URI validation at registration time.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}

	ip := net.ParseIP(hostname)
	if ip != nil && ip.IsLoopback() {
		return true
	}

	return false
}

// hostnamesMatch checks if two hostnames should be considered equivalent for
// loopback matching purposes. 127.0.0.1 and localhost are treated as distinct
// hostnames even though both are loopback.
func hostnamesMatch(requested, registered string) bool {
	if strings.EqualFold(requested, "localhost") && strings.EqualFold(registered, "localhost") {
		return true
	}
	return requested == registered
}

// Compile-time interface compliance check.
var _ fosite.Client = (*LoopbackClient)(nil)
