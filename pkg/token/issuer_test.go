package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisid/op/pkg/authserver/server/keys"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	secret := []byte("test-key-manager-secret")
	store := keys.NewStore(secret, "ES256")

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	require.NoError(t, store.Seed("test-kid-1", "ES256", priv))

	return NewIssuer(store, secret, "https://issuer.example.com")
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	i := newTestIssuer(t)
	ctx := context.Background()

	issued, err := i.IssueAccessToken(ctx, AccessTokenParams{
		Subject:  "user-1",
		Audience: []string{"https://api.example.com"},
		ClientID: "client-1",
		Scope:    "openid profile",
		AuthTime: time.Now(),
		ACR:      "urn:mace:incommon:iap:silver",
		AMR:      []string{"pwd"},
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.JWT)
	assert.NotEmpty(t, issued.JTI)

	claims, err := i.Verify(issued.JWT, Expectations{Issuer: "https://issuer.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "openid profile", claims["scope"])
}

func TestIDTokenCarriesATHashAndCHash(t *testing.T) {
	i := newTestIssuer(t)
	ctx := context.Background()

	idJWT, err := i.IssueIDToken(ctx, IDTokenParams{
		Subject:     "user-1",
		Audience:    []string{"client-1"},
		AuthTime:    time.Now(),
		Nonce:       "n-123",
		AccessToken: "some-access-token-value",
		Code:        "some-auth-code-value",
		TTL:         time.Hour,
	})
	require.NoError(t, err)

	claims, err := i.Verify(idJWT, Expectations{Issuer: "https://issuer.example.com"})
	require.NoError(t, err)
	assert.Equal(t, leftmostHash("some-access-token-value"), claims["at_hash"])
	assert.Equal(t, leftmostHash("some-auth-code-value"), claims["c_hash"])
	assert.Equal(t, "n-123", claims["nonce"])
}

func TestVerifyRejectsTokenFromAnotherKeyStore(t *testing.T) {
	i := newTestIssuer(t)

	other := newTestIssuer(t) // different store, same kid, different key: signature check fails
	issued, err := other.IssueAccessToken(context.Background(), AccessTokenParams{
		Subject: "user-1", Audience: []string{"aud"}, TTL: time.Hour,
	})
	require.NoError(t, err)

	_, err = i.Verify(issued.JWT, Expectations{Issuer: "https://issuer.example.com"})
	assert.Error(t, err)
}

func TestRefreshTokenFamilyPropagation(t *testing.T) {
	i := newTestIssuer(t)
	ctx := context.Background()

	first, family, err := i.IssueRefreshToken(ctx, RefreshTokenParams{
		Subject: "user-1", ClientID: "client-1", Scope: "offline_access", TTL: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, first.JTI, family, "first issuance in a grant starts its own family")

	second, family2, err := i.IssueRefreshToken(ctx, RefreshTokenParams{
		Subject: "user-1", ClientID: "client-1", Scope: "offline_access",
		FamilyID: family, TTL: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, family, family2)
	assert.NotEqual(t, first.JTI, second.JTI)
}
