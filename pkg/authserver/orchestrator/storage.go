// Package orchestrator implements the AuthorizeOrchestrator of spec.md
// §4.7: composing ory/fosite's protocol engine with the provider's own
// ResolvedPolicy, ChallengeStore, and FlowEngine to serve /authorize,
// /par, and /token.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ory/fosite"

	aerrors "github.com/aegisid/op/pkg/errors"
)

// tokenSession is one fosite-tracked artifact: the requester plus its
// expiry time, kept until TTL expiry or explicit invalidation.
type tokenSession struct {
	requester fosite.Requester
	expiresAt time.Time
}

// fositeStore adapts the provider's multi-tenant client registry and
// short-lived code/token bookkeeping onto fosite's storage contracts
// (oauth2.CoreStorage, pkce.PKCERequestStorage, openid.OpenIDConnectRequestStorage,
// fosite.ClientManager). Unlike CodeStore/RefreshTokenStore (which hold the
// provider's own domain records), this store exists purely to satisfy
// fosite's bookkeeping of its own opaque signatures.
type fositeStore struct {
	mu sync.Mutex

	clients map[string]fosite.Client

	authorizeCodes map[string]tokenSession
	accessTokens   map[string]tokenSession
	refreshTokens  map[string]tokenSession
	pkceSessions   map[string]tokenSession
	oidcSessions   map[string]tokenSession

	// refreshFamilies is allocated for mapping a refresh token signature
	// to a family id, but nothing writes or reads it: no refresh-token
	// family is tracked or revoked by this store.
	refreshFamilies map[string]string
}

func newFositeStore() *fositeStore {
	return &fositeStore{
		clients:         make(map[string]fosite.Client),
		authorizeCodes:  make(map[string]tokenSession),
		accessTokens:    make(map[string]tokenSession),
		refreshTokens:   make(map[string]tokenSession),
		pkceSessions:    make(map[string]tokenSession),
		oidcSessions:    make(map[string]tokenSession),
		refreshFamilies: make(map[string]string),
	}
}

func (s *fositeStore) registerClient(c fosite.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.GetID()] = c
}

// GetClient implements fosite.ClientManager.
func (s *fositeStore) GetClient(_ context.Context, id string) (fosite.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return c, nil
}

// ClientAssertionJWTValid / SetClientAssertionJWT back private_key_jwt
// client authentication's replay protection (RFC 7523 jti cache). A
// single-process in-memory map is sufficient here; a horizontally scaled
// deployment would back this with the Redis store instead.
func (s *fositeStore) ClientAssertionJWTValid(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.oidcSessions["jwt:"+jti]; ok && time.Now().Before(sess.expiresAt) {
		return fosite.ErrJTIKnown
	}
	return nil
}

func (s *fositeStore) SetClientAssertionJWT(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oidcSessions["jwt:"+jti] = tokenSession{expiresAt: exp}
	return nil
}

func (s *fositeStore) createSession(m map[string]tokenSession, signature string, req fosite.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m[signature] = tokenSession{requester: req, expiresAt: time.Now().Add(24 * time.Hour)}
	return nil
}

func (s *fositeStore) getSession(m map[string]tokenSession, signature string) (fosite.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := m[signature]
	if !ok || time.Now().After(sess.expiresAt) {
		return nil, fosite.ErrNotFound
	}
	return sess.requester, nil
}

func (s *fositeStore) deleteSession(m map[string]tokenSession, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(m, signature)
	return nil
}

// Authorization codes (oauth2.AuthorizeCodeStorage).
func (s *fositeStore) CreateAuthorizeCodeSession(_ context.Context, code string, req fosite.Requester) error {
	return s.createSession(s.authorizeCodes, code, req)
}
func (s *fositeStore) GetAuthorizeCodeSession(_ context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	return s.getSession(s.authorizeCodes, code)
}

// InvalidateAuthorizeCodeSession removes a code from authorizeCodes
// (parking its session under an "invalidated:" key in accessTokens),
// matching CodeStore.Consume's single-use discipline (property #1): a
// second redemption attempt finds no session, gets fosite.ErrNotFound,
// and fosite rejects it as invalid_grant.
func (s *fositeStore) InvalidateAuthorizeCodeSession(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.authorizeCodes[code]
	if !ok {
		return fosite.ErrNotFound
	}
	delete(s.authorizeCodes, code)
	s.accessTokens["invalidated:"+code] = sess
	return nil
}

// Access tokens (oauth2.AccessTokenStorage).
func (s *fositeStore) CreateAccessTokenSession(_ context.Context, sig string, req fosite.Requester) error {
	return s.createSession(s.accessTokens, sig, req)
}
func (s *fositeStore) GetAccessTokenSession(_ context.Context, sig string, _ fosite.Session) (fosite.Requester, error) {
	return s.getSession(s.accessTokens, sig)
}
func (s *fositeStore) DeleteAccessTokenSession(_ context.Context, sig string) error {
	return s.deleteSession(s.accessTokens, sig)
}

// Refresh tokens (oauth2.RefreshTokenStorage).
func (s *fositeStore) CreateRefreshTokenSession(_ context.Context, sig string, _ string, req fosite.Requester) error {
	return s.createSession(s.refreshTokens, sig, req)
}
func (s *fositeStore) GetRefreshTokenSession(_ context.Context, sig string, _ fosite.Session) (fosite.Requester, error) {
	return s.getSession(s.refreshTokens, sig)
}
func (s *fositeStore) DeleteRefreshTokenSession(_ context.Context, sig string) error {
	return s.deleteSession(s.refreshTokens, sig)
}

// RotateRefreshToken is fosite's hook fired on every refresh grant; when
// the signature being rotated out is not found (already consumed by a
// concurrent request) it returns a token-replay error. Only the presented
// token is affected: other refresh tokens of the same family are not
// revoked here.
func (s *fositeStore) RotateRefreshToken(ctx context.Context, _ string, refreshTokenSignature string) error {
	s.mu.Lock()
	_, ok := s.refreshTokens[refreshTokenSignature]
	s.mu.Unlock()
	if !ok {
		return aerrors.NewTokenReplayError("refresh token already rotated", nil)
	}
	return s.DeleteRefreshTokenSession(ctx, refreshTokenSignature)
}

// PKCE (pkce.PKCERequestStorage).
func (s *fositeStore) CreatePKCERequestSession(_ context.Context, sig string, req fosite.Requester) error {
	return s.createSession(s.pkceSessions, sig, req)
}
func (s *fositeStore) GetPKCERequestSession(_ context.Context, sig string, _ fosite.Session) (fosite.Requester, error) {
	return s.getSession(s.pkceSessions, sig)
}
func (s *fositeStore) DeletePKCERequestSession(_ context.Context, sig string) error {
	return s.deleteSession(s.pkceSessions, sig)
}

// OpenID Connect (openid.OpenIDConnectRequestStorage).
func (s *fositeStore) CreateOpenIDConnectSession(_ context.Context, authorizeCode string, req fosite.Requester) error {
	return s.createSession(s.oidcSessions, authorizeCode, req)
}
func (s *fositeStore) GetOpenIDConnectSession(_ context.Context, authorizeCode string, _ fosite.Requester) (fosite.Requester, error) {
	return s.getSession(s.oidcSessions, authorizeCode)
}
func (s *fositeStore) DeleteOpenIDConnectSession(_ context.Context, authorizeCode string) error {
	return s.deleteSession(s.oidcSessions, authorizeCode)
}
