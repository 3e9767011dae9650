// Package token implements the TokenIssuer of spec.md §4.4: signing and
// verifying access/ID/refresh tokens against the KeyStore, and computing
// the at_hash/c_hash bindings OIDC Core §3.1.3.6 requires.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/aegisid/op/pkg/authserver/server/keys"
	aerrors "github.com/aegisid/op/pkg/errors"
)

// maxClockSkew bounds how far ahead of now a token's iat may lie before
// Verify rejects it (spec §4.4: "iat skew (≤5 min)").
const maxClockSkew = 5 * time.Minute

// Issuer signs and verifies tokens on behalf of a single issuer URL,
// resolving signing material from keys.Store over the bearer-authenticated
// internal path — it is the only component permitted to call
// GetActiveSigningKeyWithPrivate.
type Issuer struct {
	store     *keys.Store
	keySecret []byte
	issuerURL string
}

// NewIssuer builds an Issuer bound to a KeyStore and the shared
// KEY_MANAGER_SECRET used to authenticate against it.
func NewIssuer(store *keys.Store, keySecret []byte, issuerURL string) *Issuer {
	return &Issuer{store: store, keySecret: keySecret, issuerURL: issuerURL}
}

// AccessTokenParams carries the inputs needed to mint an access token.
type AccessTokenParams struct {
	Subject  string
	Audience []string
	ClientID string
	Scope    string
	AuthTime time.Time
	ACR      string
	AMR      []string
	TTL      time.Duration
}

// IssuedToken is the signed compact JWS plus its jti, for callers that
// need to persist the jti without re-parsing the token.
type IssuedToken struct {
	JWT string
	JTI string
}

type accessTokenClaims struct {
	josejwt.Claims
	Scope    string   `json:"scope,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	AuthTime int64    `json:"auth_time,omitempty"`
	ACR      string   `json:"acr,omitempty"`
	AMR      []string `json:"amr,omitempty"`
}

// IssueAccessToken signs an RS256 (or whichever algorithm the active key
// carries) JWT with the claim set spec §4.4 names.
func (i *Issuer) IssueAccessToken(_ context.Context, p AccessTokenParams) (*IssuedToken, error) {
	active, err := i.store.GetActiveSigningKeyWithPrivate(i.keySecret)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	jti := uuid.NewString()
	claims := accessTokenClaims{
		Claims: josejwt.Claims{
			Issuer:   i.issuerURL,
			Subject:  p.Subject,
			Audience: josejwt.Audience(p.Audience),
			Expiry:   josejwt.NewNumericDate(now.Add(p.TTL)),
			IssuedAt: josejwt.NewNumericDate(now),
			ID:       jti,
		},
		Scope:    p.Scope,
		ClientID: p.ClientID,
		ACR:      p.ACR,
		AMR:      p.AMR,
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = p.AuthTime.Unix()
	}

	signed, err := i.sign(active, claims)
	if err != nil {
		return nil, err
	}
	return &IssuedToken{JWT: signed, JTI: jti}, nil
}

// IDTokenParams carries the inputs needed to mint an ID token. AccessToken
// and Code are mutually optional: at_hash is set when AccessToken is
// non-empty, c_hash when Code is non-empty, per OIDC Core §3.1.3.6.
type IDTokenParams struct {
	Subject     string
	Audience    []string
	AuthTime    time.Time
	ACR         string
	AMR         []string
	Nonce       string
	AccessToken string
	Code        string
	TTL         time.Duration
}

type idTokenClaims struct {
	josejwt.Claims
	AuthTime int64    `json:"auth_time,omitempty"`
	ACR      string   `json:"acr,omitempty"`
	AMR      []string `json:"amr,omitempty"`
	Nonce    string   `json:"nonce,omitempty"`
	ATHash   string   `json:"at_hash,omitempty"`
	CHash    string   `json:"c_hash,omitempty"`
}

// IssueIDToken mints an ID token, computing at_hash/c_hash when the
// corresponding co-issued artifact is supplied.
func (i *Issuer) IssueIDToken(_ context.Context, p IDTokenParams) (string, error) {
	active, err := i.store.GetActiveSigningKeyWithPrivate(i.keySecret)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := idTokenClaims{
		Claims: josejwt.Claims{
			Issuer:   i.issuerURL,
			Subject:  p.Subject,
			Audience: josejwt.Audience(p.Audience),
			Expiry:   josejwt.NewNumericDate(now.Add(p.TTL)),
			IssuedAt: josejwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
		ACR:   p.ACR,
		AMR:   p.AMR,
		Nonce: p.Nonce,
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = p.AuthTime.Unix()
	}
	if p.AccessToken != "" {
		claims.ATHash = leftmostHash(p.AccessToken)
	}
	if p.Code != "" {
		claims.CHash = leftmostHash(p.Code)
	}

	return i.sign(active, claims)
}

// LogoutTokenParams carries the inputs for a backchannel logout token
// (spec §4.11: "iss, sub or sid, aud, iat, jti, events").
type LogoutTokenParams struct {
	Subject   string
	SessionID string
	Audience  string
}

type logoutTokenClaims struct {
	josejwt.Claims
	SessionID string         `json:"sid,omitempty"`
	Events    map[string]any `json:"events"`
}

// IssueLogoutToken mints a backchannel logout token per OIDC Back-Channel
// Logout §2.4: no nonce, no auth_time, and a fixed events claim naming the
// backchannel-logout event.
func (i *Issuer) IssueLogoutToken(_ context.Context, p LogoutTokenParams) (string, error) {
	active, err := i.store.GetActiveSigningKeyWithPrivate(i.keySecret)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := logoutTokenClaims{
		Claims: josejwt.Claims{
			Issuer:   i.issuerURL,
			Subject:  p.Subject,
			Audience: josejwt.Audience{p.Audience},
			IssuedAt: josejwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
		SessionID: p.SessionID,
		Events:    map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
	}
	return i.sign(active, claims)
}

// RefreshTokenParams carries the inputs needed to mint a refresh token.
// FamilyID groups rotated-from tokens so a replay can revoke the family
// (spec §3 RefreshToken invariant).
type RefreshTokenParams struct {
	Subject  string
	ClientID string
	Scope    string
	FamilyID string
	TTL      time.Duration
}

type refreshTokenClaims struct {
	josejwt.Claims
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Family   string `json:"family,omitempty"`
}

// IssueRefreshToken mints an opaque-to-the-client signed JWT tied to a
// rotation family. If FamilyID is empty, the new jti starts a fresh
// family (first issuance for this grant).
func (i *Issuer) IssueRefreshToken(_ context.Context, p RefreshTokenParams) (*IssuedToken, string, error) {
	active, err := i.store.GetActiveSigningKeyWithPrivate(i.keySecret)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	jti := uuid.NewString()
	family := p.FamilyID
	if family == "" {
		family = jti
	}

	claims := refreshTokenClaims{
		Claims: josejwt.Claims{
			Issuer:   i.issuerURL,
			Subject:  p.Subject,
			Expiry:   josejwt.NewNumericDate(now.Add(p.TTL)),
			IssuedAt: josejwt.NewNumericDate(now),
			ID:       jti,
		},
		Scope:    p.Scope,
		ClientID: p.ClientID,
		Family:   family,
	}

	signed, err := i.sign(active, claims)
	if err != nil {
		return nil, "", err
	}
	return &IssuedToken{JWT: signed, JTI: jti}, family, nil
}

// Expectations bounds what Verify accepts.
type Expectations struct {
	Issuer   string
	Audience string
	AZP      string
}

// Verify validates signature, iss, aud, exp/nbf/iat skew, and optional
// azp, resolving the verification key by kid through the KeyStore.
func (i *Issuer) Verify(jwtString string, exp Expectations) (map[string]any, error) {
	parsed, err := josejwt.ParseSigned(jwtString, []jose.SignatureAlgorithm{
		jose.RS256, jose.ES256, jose.ES384, jose.ES512,
	})
	if err != nil {
		return nil, aerrors.NewInvalidGrantError("malformed token", err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return nil, aerrors.NewInvalidGrantError("token carries no key id", nil)
	}

	pub, err := i.store.VerifyWith(parsed.Headers[0].KeyID)
	if err != nil {
		return nil, aerrors.NewTokenReplayError("token signed by an unverifiable key", err)
	}

	var claims josejwt.Claims
	var raw map[string]any
	if err := parsed.Claims(pub, &claims, &raw); err != nil {
		return nil, aerrors.NewInvalidGrantError("signature verification failed", err)
	}

	now := time.Now()
	if exp.Issuer != "" {
		if err := claims.Validate(josejwt.Expected{
			Issuer: exp.Issuer,
			Time:   now,
		}); err != nil {
			return nil, aerrors.NewExpiredTokenError("token failed standard claim validation", err)
		}
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time().Sub(now) > maxClockSkew {
		return nil, aerrors.NewExpiredTokenError("issued-at skew exceeds allowed window", nil)
	}
	if exp.Audience != "" && !claims.Audience.Contains(exp.Audience) {
		return nil, aerrors.NewInvalidGrantError("audience mismatch", nil)
	}
	if exp.AZP != "" {
		if azp, _ := raw["azp"].(string); azp != "" && azp != exp.AZP {
			return nil, aerrors.NewInvalidGrantError("authorized party mismatch", nil)
		}
	}

	return raw, nil
}

// Encrypt wraps a signed JWT in a JWE for clients that declared a
// signed+encrypted delivery mode (spec §4.4 `encrypt`).
func (i *Issuer) Encrypt(signedJWT string, recipient jose.JSONWebKey) (string, error) {
	alg := jose.KeyAlgorithm(recipient.Algorithm)
	if alg == "" {
		alg = jose.RSA_OAEP_256
	}
	encrypter, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: alg, Key: recipient}, nil)
	if err != nil {
		return "", aerrors.NewInternalError("failed to construct JWE encrypter", err)
	}
	jwe, err := encrypter.Encrypt([]byte(signedJWT))
	if err != nil {
		return "", aerrors.NewInternalError("failed to encrypt token", err)
	}
	return jwe.CompactSerialize()
}

func (i *Issuer) sign(active *keys.ActiveSigningKeyWithPrivate, claims any) (string, error) {
	alg := jose.SignatureAlgorithm(active.Algorithm)
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", active.KeyID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: active.Private}, opts)
	if err != nil {
		return "", aerrors.NewInternalError("failed to construct signer", err)
	}
	signed, err := josejwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", aerrors.NewInternalError("failed to serialize signed token", err)
	}
	return signed, nil
}

// leftmostHash implements the at_hash/c_hash computation of OIDC Core
// §3.1.3.6: base64url(leftmost-half(SHA-256(ASCII(token)))).
func leftmostHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	half := sum[:len(sum)/2]
	return base64.RawURLEncoding.EncodeToString(half)
}
