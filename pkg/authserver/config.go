// Package authserver wires the PolicyResolver, KeyStore, and TokenIssuer
// into the multi-tenant OAuth 2.0 / OIDC provider described by the
// project's specification: a single process serving many tenants, each
// with its own TenantContract and set of ClientContracts, fronted by
// ory/fosite's protocol engine for /authorize, /par, and /token.
package authserver

import (
	"fmt"
	"net/url"
	"time"

	"github.com/aegisid/op/pkg/policy"
)

// MinHMACSecretLength is the minimum required length for the HMAC secret
// fosite uses to sign authorization codes and opaque refresh tokens.
// 32 bytes (256 bits) per OWASP/NIST guidance.
const MinHMACSecretLength = 32

// ServerConfig is the pure configuration for one tenant's authorization
// server instance. All values must be fully resolved (no file paths, no
// env vars) — resolving those is the caller's job, the same division of
// labor the teacher's config-loading layer used.
type ServerConfig struct {
	// Issuer is the issuer identifier included in the "iss" claim of every
	// token minted for this tenant.
	Issuer string

	// KeyManagerSecret authenticates this config's access to the shared
	// KeyStore's bearer-protected operations (rotate, active signing key).
	KeyManagerSecret []byte

	// HMACSecret signs fosite's opaque authorization codes and refresh
	// tokens. Unlike the KeyStore's asymmetric signing keys, this secret
	// never leaves the process and is never published.
	HMACSecret []byte

	// Tenant is the maximal policy envelope every client under this
	// config must resolve within (spec §3 TenantContract).
	Tenant policy.TenantContract

	// Clients is the set of registered clients under Tenant.
	Clients []policy.ClientContract
}

// Validate checks that the ServerConfig is internally consistent and that
// every client contract is equal to or more restrictive than the tenant
// contract it references, per spec §3's ClientContract invariant.
func (c *ServerConfig) Validate() error {
	if err := validateIssuerURL(c.Issuer); err != nil {
		return err
	}
	if len(c.HMACSecret) < MinHMACSecretLength {
		return fmt.Errorf("HMAC secret must be at least %d bytes", MinHMACSecretLength)
	}
	if c.Tenant.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}

	for i, client := range c.Clients {
		if err := client.ValidateAgainst(c.Tenant); err != nil {
			return fmt.Errorf("client %d (%s): %w", i, client.ClientID, err)
		}
	}

	return nil
}

// validateIssuerURL enforces the shape OIDC discovery requires of an
// issuer identifier: https except for loopback development use, no
// query or fragment, no trailing slash.
func validateIssuerURL(issuer string) error {
	if issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("issuer: %w", err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("issuer: scheme is required")
	}
	if u.Host == "" {
		return fmt.Errorf("issuer: host is required")
	}
	if u.RawQuery != "" {
		return fmt.Errorf("issuer: must not contain query component")
	}
	if u.Fragment != "" {
		return fmt.Errorf("issuer: must not contain fragment component")
	}
	if len(u.Path) > 0 && u.Path[len(u.Path)-1] == '/' {
		return fmt.Errorf("issuer: must not have trailing slash")
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if !IsLoopbackHost(u.Hostname()) {
			return fmt.Errorf("issuer: http scheme is only allowed for localhost")
		}
		return nil
	default:
		return fmt.Errorf("issuer: scheme must be https")
	}
}

// applyDefaults fills zero-valued tenant TTLs with the defaults spec §4.4
// names (access ≤ 1h, id ≤ 1h, refresh ≤ 30d default).
func (c *ServerConfig) applyDefaults() {
	if c.Tenant.AccessTokenTTL == 0 {
		c.Tenant.AccessTokenTTL = time.Hour
	}
	if c.Tenant.IDTokenTTL == 0 {
		c.Tenant.IDTokenTTL = time.Hour
	}
	if c.Tenant.RefreshTokenTTL == 0 {
		c.Tenant.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Tenant.SessionTTL == 0 {
		c.Tenant.SessionTTL = 12 * time.Hour
	}
}
