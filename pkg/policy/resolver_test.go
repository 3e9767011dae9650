package policy

import (
	_ "embed"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/aegisid/op/pkg/errors"
)

//go:embed policy.cedar
var defaultPolicySource string

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(defaultPolicySource, []byte("test-hmac-key"))
	require.NoError(t, err)
	return r
}

func baseTenant() TenantContract {
	return TenantContract{
		TenantID:             "tenant-a",
		Version:              3,
		AllowedAuthMethods:   []string{"client_secret_post", "none"},
		AllowedAlgorithms:    []string{"RS256", "ES256"},
		AllowedScopes:        []string{"openid", "profile", "email", "offline_access"},
		AllowedResponseTypes: []string{"code"},
		AccessTokenTTL:       time.Hour,
		IDTokenTTL:           time.Hour,
		RefreshTokenTTL:      30 * 24 * time.Hour,
		SessionTTL:           12 * time.Hour,
		RequireMFA:           true,
		RequirePKCE:          false,
		SecurityTier:         2,
	}
}

func baseClient() ClientContract {
	return ClientContract{
		ClientID:              "client-1",
		Version:               1,
		TenantContractVersion: 3,
		Public:                true,
		RedirectURIs:          []string{"https://app.example.com/callback"},
		AuthMethod:            "none",
		Algorithms:            []string{"ES256"},
		Scopes:                []string{"openid", "profile"},
		ResponseTypes:         []string{"code"},
		AccessTokenTTL:        30 * time.Minute,
		IDTokenTTL:            time.Hour,
		RefreshTokenTTL:       7 * 24 * time.Hour,
		ConsentRequired:       true,
	}
}

func TestResolveIntersectsAndMinimizes(t *testing.T) {
	r := newTestResolver(t)
	resolved, err := r.Resolve(baseTenant(), baseClient())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"openid", "profile"}, resolved.AllowedScopes)
	assert.ElementsMatch(t, []string{"ES256"}, resolved.AllowedAlgorithms)
	assert.Equal(t, 30*time.Minute, resolved.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, resolved.RefreshTokenTTL)
	assert.True(t, resolved.RequireMFA)
	assert.True(t, resolved.RequirePKCE, "public clients always require PKCE")
	assert.True(t, resolved.ConsentRequired)
	assert.NotEmpty(t, resolved.ResolutionID)
}

func TestResolveRejectsStaleTenantVersion(t *testing.T) {
	r := newTestResolver(t)
	client := baseClient()
	client.TenantContractVersion = 2

	_, err := r.Resolve(baseTenant(), client)
	require.Error(t, err)
	assert.True(t, aerrors.IsPolicyStale(err))
}

func TestResolveFlowNodePaletteReflectsCapabilities(t *testing.T) {
	r := newTestResolver(t)

	resolved, err := r.Resolve(baseTenant(), baseClient())
	require.NoError(t, err)
	assert.Contains(t, resolved.FlowNodes, "needsConsent")
	assert.NotContains(t, resolved.FlowNodes, "externalIdp", "public clients are not granted externalIdp by default policy")

	confidential := baseClient()
	confidential.Public = false
	confidential.ConsentRequired = false
	resolved2, err := r.Resolve(baseTenant(), confidential)
	require.NoError(t, err)
	assert.Contains(t, resolved2.FlowNodes, "externalIdp")
	assert.NotContains(t, resolved2.FlowNodes, "needsConsent")
}

func TestResolutionIDStableForIdenticalInputs(t *testing.T) {
	r := newTestResolver(t)
	a, err := r.Resolve(baseTenant(), baseClient())
	require.NoError(t, err)
	b, err := r.Resolve(baseTenant(), baseClient())
	require.NoError(t, err)
	assert.Equal(t, a.ResolutionID, b.ResolutionID)
}
