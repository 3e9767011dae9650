package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisid/op/pkg/store"
)

// MaxCodeTTL, MaxPARTTL are the store-enforced ceilings from spec §3.
const (
	MaxCodeTTL = 120 * time.Second
	MaxPARTTL  = 60 * time.Second
)

// CodeStore holds short-lived, single-use authorization codes.
type CodeStore struct{ engine *store.Store }

// NewCodeStore constructs an in-memory CodeStore.
func NewCodeStore() *CodeStore { return &CodeStore{engine: store.New()} }

// Put inserts a new code, clamping ttl to MaxCodeTTL.
func (s *CodeStore) Put(ctx context.Context, code AuthorizationCode, ttl time.Duration) error {
	if ttl > MaxCodeTTL {
		ttl = MaxCodeTTL
	}
	return s.engine.Put(ctx, code.Code, code, ttl)
}

// Consume redeems the code exactly once; the caller MUST have already
// durably issued tokens before calling this (spec §4.4 ordering).
func (s *CodeStore) Consume(ctx context.Context, code string) (*AuthorizationCode, bool) {
	v, ok := s.engine.Consume(ctx, code)
	if !ok {
		return nil, false
	}
	c := v.(AuthorizationCode)
	return &c, true
}

// Get peeks at a code without consuming it, used to validate PKCE before
// the irreversible consume step.
func (s *CodeStore) Get(ctx context.Context, code string) (*AuthorizationCode, bool) {
	v, ok := s.engine.Get(ctx, code)
	if !ok {
		return nil, false
	}
	c := v.(AuthorizationCode)
	return &c, true
}

// PARStore holds pushed authorization requests addressed by request_uri.
type PARStore struct{ engine *store.Store }

func NewPARStore() *PARStore { return &PARStore{engine: store.New()} }

func (s *PARStore) Put(ctx context.Context, rec PARRecord, ttl time.Duration) error {
	if ttl > MaxPARTTL {
		ttl = MaxPARTTL
	}
	return s.engine.Put(ctx, rec.RequestURI, rec, ttl)
}

// Consume redeems a request_uri exactly once; a second use returns false,
// which the caller maps to invalid_request_uri (spec §4.7, S6).
func (s *PARStore) Consume(ctx context.Context, requestURI string) (*PARRecord, bool) {
	v, ok := s.engine.Consume(ctx, requestURI)
	if !ok {
		return nil, false
	}
	r := v.(PARRecord)
	return &r, true
}

// ChallengeStore holds typed, TTL-bounded interactive-flow state.
type ChallengeStore struct{ engine *store.Store }

func NewChallengeStore() *ChallengeStore { return &ChallengeStore{engine: store.New()} }

func (s *ChallengeStore) Put(ctx context.Context, c Challenge, ttl time.Duration) error {
	return s.engine.Put(ctx, c.ChallengeID, c, ttl)
}

func (s *ChallengeStore) Get(ctx context.Context, id string) (*Challenge, bool) {
	v, ok := s.engine.Get(ctx, id)
	if !ok {
		return nil, false
	}
	c := v.(Challenge)
	return &c, true
}

// Consume redeems a challenge at most once (spec §3 Challenge invariant).
func (s *ChallengeStore) Consume(ctx context.Context, id string) (*Challenge, bool) {
	v, ok := s.engine.Consume(ctx, id)
	if !ok {
		return nil, false
	}
	c := v.(Challenge)
	return &c, true
}

// Advance moves a challenge forward under CAS: a pending challenge may
// move to any state, a non-pending one only to its own state; every other
// transition is refused (spec §4.6 Invariant 1).
func (s *ChallengeStore) Advance(ctx context.Context, id string, next ChallengeState, mutate func(*Challenge)) error {
	_, err := s.engine.Update(ctx, id, func(current any) (any, error) {
		c := current.(Challenge)
		if !monotoneForward(c.State, next) {
			return nil, fmt.Errorf("invalid transition %s -> %s", c.State, next)
		}
		c.State = next
		if mutate != nil {
			mutate(&c)
		}
		return c, nil
	})
	return err
}

func monotoneForward(from, to ChallengeState) bool {
	if from == to {
		return true
	}
	return from == ChallengeStatePending
}

// SessionStore holds browser sessions, supporting revocation fanout.
type SessionStore struct{ engine *store.Store }

func NewSessionStore() *SessionStore { return &SessionStore{engine: store.New()} }

func (s *SessionStore) Put(ctx context.Context, sess Session, ttl time.Duration) error {
	return s.engine.Put(ctx, sess.SessionID, sess, ttl)
}

func (s *SessionStore) Get(ctx context.Context, id string) (*Session, bool) {
	v, ok := s.engine.Get(ctx, id)
	if !ok {
		return nil, false
	}
	sess := v.(Session)
	return &sess, true
}

// Extend bumps the idle expiry on activity.
func (s *SessionStore) Extend(ctx context.Context, id string, newIdleExpiry time.Time) error {
	_, err := s.engine.Update(ctx, id, func(current any) (any, error) {
		sess := current.(Session)
		if sess.Revoked {
			return nil, fmt.Errorf("session revoked")
		}
		sess.IdleExpiresAt = newIdleExpiry
		sess.LastActiveAt = time.Now()
		return sess, nil
	})
	return err
}

// Revoke terminally revokes a session; revoked sessions can never be
// reactivated (spec §3 Session invariant).
func (s *SessionStore) Revoke(ctx context.Context, id string, reason string) {
	s.engine.Revoke(ctx, id, reason)
}

// ListByUser returns every live session id for userID, for logout fanout.
func (s *SessionStore) ListByUser(userID string) []string {
	return s.engine.Keys(func(v any) bool {
		return v.(Session).UserID == userID
	})
}

// RefreshTokenStore holds refresh tokens with family-based replay
// detection (spec §3, §4.6).
type RefreshTokenStore struct{ engine *store.Store }

func NewRefreshTokenStore() *RefreshTokenStore { return &RefreshTokenStore{engine: store.New()} }

func (s *RefreshTokenStore) Put(ctx context.Context, rt RefreshToken, ttl time.Duration) error {
	return s.engine.Put(ctx, rt.JTI, rt, ttl)
}

func (s *RefreshTokenStore) Get(ctx context.Context, jti string) (*RefreshToken, bool) {
	v, ok := s.engine.Get(ctx, jti)
	if !ok {
		return nil, false
	}
	rt := v.(RefreshToken)
	return &rt, true
}

// Consume redeems jti, producing exactly one successor token per
// redemption (spec §3 RefreshToken invariant, property #9).
func (s *RefreshTokenStore) Consume(ctx context.Context, jti string) (*RefreshToken, bool) {
	v, ok := s.engine.Consume(ctx, jti)
	if !ok {
		return nil, false
	}
	rt := v.(RefreshToken)
	return &rt, true
}

// RevokeFamily revokes every token sharing familyID, used when a
// rotated-out token is replayed.
func (s *RefreshTokenStore) RevokeFamily(_ context.Context, familyID string) {
	for _, id := range s.engine.Keys(func(v any) bool {
		return v.(RefreshToken).FamilyID == familyID
	}) {
		s.engine.Revoke(context.Background(), id, "family_compromised")
	}
}

// consentTTL is generous: grants are long-lived and only cleared by
// explicit revocation, never by the store's TTL sweep.
const consentTTL = 365 * 24 * time.Hour

// ConsentStore holds materialized resource-owner grants keyed by
// userID+clientID, satisfying pkg/consent.Store.
type ConsentStore struct{ engine *store.Store }

func NewConsentStore() *ConsentStore { return &ConsentStore{engine: store.New()} }

func consentKey(userID, clientID string) string { return userID + "|" + clientID }

// Get returns the stored consent for (userID, clientID), if any.
func (s *ConsentStore) Get(_ context.Context, userID, clientID string) (*Consent, bool) {
	v, ok := s.engine.Get(context.Background(), consentKey(userID, clientID))
	if !ok {
		return nil, false
	}
	c := v.(Consent)
	return &c, true
}

// Put upserts a consent record, overwriting any prior grant for the same
// (userID, clientID) pair.
func (s *ConsentStore) Put(ctx context.Context, c Consent) error {
	s.engine.Revoke(ctx, consentKey(c.UserID, c.ClientID), "superseded")
	return s.engine.Put(ctx, consentKey(c.UserID, c.ClientID), c, consentTTL)
}

// CIBARequestStore holds backchannel authentication requests (spec §4.9).
type CIBARequestStore struct{ engine *store.Store }

func NewCIBARequestStore() *CIBARequestStore { return &CIBARequestStore{engine: store.New()} }

func (s *CIBARequestStore) Put(ctx context.Context, req CIBARequest, ttl time.Duration) error {
	return s.engine.Put(ctx, req.AuthReqID, req, ttl)
}

func (s *CIBARequestStore) Get(ctx context.Context, id string) (*CIBARequest, bool) {
	v, ok := s.engine.Get(ctx, id)
	if !ok {
		return nil, false
	}
	r := v.(CIBARequest)
	return &r, true
}

// Advance performs a CAS update on the CIBA request record — the only
// correct way to transition status or double min_poll_interval (property
// #7, spec §9: "use a CAS update on the store record, never a mutex held
// across I/O").
func (s *CIBARequestStore) Advance(ctx context.Context, id string, mutate func(*CIBARequest) error) (*CIBARequest, error) {
	v, err := s.engine.Update(ctx, id, func(current any) (any, error) {
		r := current.(CIBARequest)
		if err := mutate(&r); err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r := v.(CIBARequest)
	return &r, nil
}

// DeviceGrantStore holds RFC 8628 device authorization grants (spec §4.10).
type DeviceGrantStore struct{ engine *store.Store }

func NewDeviceGrantStore() *DeviceGrantStore { return &DeviceGrantStore{engine: store.New()} }

func (s *DeviceGrantStore) Put(ctx context.Context, g DeviceGrant, ttl time.Duration) error {
	return s.engine.Put(ctx, g.DeviceCode, g, ttl)
}

func (s *DeviceGrantStore) Get(ctx context.Context, deviceCode string) (*DeviceGrant, bool) {
	v, ok := s.engine.Get(ctx, deviceCode)
	if !ok {
		return nil, false
	}
	g := v.(DeviceGrant)
	return &g, true
}

// GetByUserCode is the lookup the user-facing approval page uses after
// the user types in their 8-char user_code.
func (s *DeviceGrantStore) GetByUserCode(userCode string) (*DeviceGrant, bool) {
	ids := s.engine.Keys(func(v any) bool { return v.(DeviceGrant).UserCode == userCode })
	if len(ids) == 0 {
		return nil, false
	}
	return s.Get(context.Background(), ids[0])
}

func (s *DeviceGrantStore) Advance(ctx context.Context, deviceCode string, mutate func(*DeviceGrant) error) (*DeviceGrant, error) {
	v, err := s.engine.Update(ctx, deviceCode, func(current any) (any, error) {
		g := current.(DeviceGrant)
		if err := mutate(&g); err != nil {
			return nil, err
		}
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	g := v.(DeviceGrant)
	return &g, nil
}
