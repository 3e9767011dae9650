package orchestrator

import (
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"

	"github.com/aegisid/op/pkg/authserver"
	"github.com/aegisid/op/pkg/authserver/server/keys"
	"github.com/aegisid/op/pkg/policy"
)

// buildFositeClient adapts a ClientContract into the fosite.Client fosite
// itself authenticates against. Public clients with any registered
// redirect URI on a loopback address get the teacher's RFC 8252 §7.3
// loopback-matching wrapper; every other client is fosite's own
// DefaultClient.
//
// ClientContract carries no client-secret field (spec §3's data model
// stops at the auth method name), so confidential clients register with
// an empty Secret here: client_secret_basic/post authentication fails
// closed until a secrets-provisioning component fills it in, which is
// the fail-closed default spec §7 requires rather than a silent bypass.
func buildFositeClient(c policy.ClientContract) fosite.Client {
	base := &fosite.DefaultClient{
		ID:            c.ClientID,
		RedirectURIs:  c.RedirectURIs,
		ResponseTypes: c.ResponseTypes,
		GrantTypes:    defaultGrantTypes(c),
		Scopes:        c.Scopes,
		Public:        c.Public,
	}
	if c.Public {
		for _, ru := range c.RedirectURIs {
			if authserver.IsLoopbackHost(hostnameOf(ru)) {
				return authserver.NewLoopbackClient(base)
			}
		}
	}
	return base
}

func defaultGrantTypes(c policy.ClientContract) []string {
	grants := []string{"authorization_code"}
	if !c.Public {
		grants = append(grants, "client_credentials")
	}
	grants = append(grants, "refresh_token")
	return grants
}

func hostnameOf(rawURL string) string {
	h, _ := parseHostname(rawURL)
	return h
}

// buildConfig assembles *fosite.Config from the TenantContract's TTLs, so
// fosite's own lifespans track the tenant contract rather than a second,
// independently-maintained set of constants. Per-client TTLs from a
// ClientContract are not applied to these lifespans.
func buildConfig(tenant policy.TenantContract, issuer string) *fosite.Config {
	accessTTL := tenant.AccessTokenTTL
	if accessTTL == 0 {
		accessTTL = time.Hour
	}
	refreshTTL := tenant.RefreshTokenTTL
	if refreshTTL == 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	idTTL := tenant.IDTokenTTL
	if idTTL == 0 {
		idTTL = time.Hour
	}

	return &fosite.Config{
		AccessTokenLifespan:            accessTTL,
		RefreshTokenLifespan:           refreshTTL,
		IDTokenLifespan:                idTTL,
		AuthorizeCodeLifespan:          2 * time.Minute,
		TokenURL:                       issuer + "/token",
		ScopeStrategy:                  fosite.ExactScopeStrategy,
		AudienceMatchingStrategy:       fosite.DefaultAudienceMatchingStrategy,
		EnforcePKCE:                    false, // enforced per-client by ClientContract.Public in handleAuthorize
		SendDebugMessagesToClients:     false,
	}
}

// newProvider composes fosite's all-handlers-enabled OAuth2Provider
// against store using the tenant's active signing key as the RSA key
// fosite's OpenID Connect handler signs ID tokens with. hmacSecret signs
// fosite's own opaque authorization codes/refresh tokens (ServerConfig.HMACSecret).
func newProvider(cfg *fosite.Config, store *fositeStore, hmacSecret []byte, signingKey *keys.ActiveSigningKeyWithPrivate) fosite.OAuth2Provider {
	cfg.GlobalSecret = hmacSecret
	return compose.ComposeAllEnabled(cfg, store, signingKey.Private)
}
