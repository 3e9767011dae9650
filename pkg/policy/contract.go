// Package policy implements PolicyResolver (spec §4.5): composing a
// TenantContract and ClientContract into an immutable ResolvedPolicy
// pinned to a single challenge's lifetime.
package policy

import (
	"fmt"
	"time"
)

// TenantContract is the maximal policy envelope for a tenant; mutable
// only by admin action, each mutation bumping Version (spec §3).
type TenantContract struct {
	TenantID string
	Version  int

	AllowedAuthMethods  []string
	AllowedAlgorithms   []string
	AllowedScopes       []string
	AllowedResponseTypes []string

	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration
	SessionTTL      time.Duration

	RequireMFA        bool
	RequirePKCE       bool
	SecurityTier      int
}

// ClientContract names a single client; every field must be equal to or
// more restrictive than the TenantContract it references (spec §3).
type ClientContract struct {
	ClientID              string
	Version               int
	TenantContractVersion int

	Public       bool
	RedirectURIs []string
	AuthMethod   string
	Algorithms   []string
	Scopes       []string
	ResponseTypes []string

	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration

	ConsentRequired bool

	// FrontchannelLogoutURI and BackchannelLogoutURI register this client
	// for RP-initiated logout fanout (spec §4.11); both are optional.
	FrontchannelLogoutURI string
	BackchannelLogoutURI  string
}

// ValidateAgainst checks a ClientContract is well-formed and equal to or
// more restrictive than the given TenantContract, per spec §3's
// ClientContract invariant. It does not compare tenantContractVersion
// against tenant.Version — that staleness check belongs to Resolve at
// flow start, not to registration-time validation.
func (c ClientContract) ValidateAgainst(tenant TenantContract) error {
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect_uri is required")
	}
	if !c.Public && c.AuthMethod == "" {
		return fmt.Errorf("confidential clients must declare an auth method")
	}
	if !subsetOf(c.Algorithms, tenant.AllowedAlgorithms) {
		return fmt.Errorf("client algorithms %v exceed tenant envelope %v", c.Algorithms, tenant.AllowedAlgorithms)
	}
	if !subsetOf(c.Scopes, tenant.AllowedScopes) {
		return fmt.Errorf("client scopes %v exceed tenant envelope %v", c.Scopes, tenant.AllowedScopes)
	}
	if !subsetOf(c.ResponseTypes, tenant.AllowedResponseTypes) {
		return fmt.Errorf("client response types %v exceed tenant envelope %v", c.ResponseTypes, tenant.AllowedResponseTypes)
	}
	if exceedsTTL(c.AccessTokenTTL, tenant.AccessTokenTTL) {
		return fmt.Errorf("client access token TTL %s exceeds tenant ceiling %s", c.AccessTokenTTL, tenant.AccessTokenTTL)
	}
	if exceedsTTL(c.IDTokenTTL, tenant.IDTokenTTL) {
		return fmt.Errorf("client id token TTL %s exceeds tenant ceiling %s", c.IDTokenTTL, tenant.IDTokenTTL)
	}
	if exceedsTTL(c.RefreshTokenTTL, tenant.RefreshTokenTTL) {
		return fmt.Errorf("client refresh token TTL %s exceeds tenant ceiling %s", c.RefreshTokenTTL, tenant.RefreshTokenTTL)
	}
	return nil
}

func subsetOf(values, allowed []string) bool {
	set := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		set[v] = true
	}
	for _, v := range values {
		if !set[v] {
			return false
		}
	}
	return true
}

func exceedsTTL(client, tenant time.Duration) bool {
	return client != 0 && tenant != 0 && client > tenant
}

// ResolvedPolicy is the immutable intersection pinned to a challenge for
// the lifetime of a single flow (spec §3 ResolvedPolicy invariant).
type ResolvedPolicy struct {
	ResolutionID string
	ResolvedAt   time.Time

	AllowedScopes        []string
	AllowedAlgorithms    []string
	AllowedResponseTypes []string

	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration

	RequireMFA  bool
	RequirePKCE bool
	SecurityTier int

	// FlowNodes is the palette of FlowEngine states/capabilities this
	// flow may visit, computed from the capability union below.
	FlowNodes []string

	ConsentRequired bool
}
