// Package users holds the resource-owner records PasswordlessVerifier and
// UserInfoService read and write: email/verification state and the
// WebAuthn credentials bound to an account (spec §4.8).
package users

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/aegisid/op/pkg/store"
	"golang.org/x/crypto/hkdf"
)

// never expires on the store's own TTL sweep; accounts live until deleted.
const recordTTL = 100 * 365 * 24 * time.Hour

// Credential is one registered WebAuthn authenticator.
type Credential struct {
	ID        []byte
	PublicKey []byte
	SignCount uint32
	AAGUID    []byte
	Transport []string
}

// User is a resource owner account.
type User struct {
	UserID          string
	Email           string
	EmailBlindIndex string
	EmailVerified   bool
	Credentials     []Credential
	Name            string
}

// BlindIndex derives a deterministic, non-reversible lookup key for email
// so the store never has to scan plaintext addresses — HKDF-SHA256 keyed
// on the deployment's blind-index secret (spec §9 fail-closed defaults:
// losing this secret must not expose email addresses via the store).
func BlindIndex(secret []byte, email string) string {
	r := hkdf.New(sha256.New, secret, []byte("email-blind-index"), []byte(strings.ToLower(email)))
	out := make([]byte, 32)
	_, _ = r.Read(out)
	mac := hmac.New(sha256.New, secret)
	mac.Write(out)
	return hex.EncodeToString(mac.Sum(nil))
}

// Store holds user records keyed by user id, with a secondary blind-index
// lookup by email.
type Store struct {
	engine    *store.Store
	byBlindID *store.Store
}

func NewStore() *Store {
	return &Store{engine: store.New(), byBlindID: store.New()}
}

// Put upserts a user record and its blind-index pointer.
func (s *Store) Put(ctx context.Context, u User) error {
	s.engine.Revoke(ctx, u.UserID, "superseded")
	if err := s.engine.Put(ctx, u.UserID, u, recordTTL); err != nil {
		return err
	}
	if u.EmailBlindIndex != "" {
		s.byBlindID.Revoke(ctx, u.EmailBlindIndex, "superseded")
		_ = s.byBlindID.Put(ctx, u.EmailBlindIndex, u.UserID, recordTTL)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID string) (*User, bool) {
	v, ok := s.engine.Get(ctx, userID)
	if !ok {
		return nil, false
	}
	u := v.(User)
	return &u, true
}

func (s *Store) GetByBlindIndex(ctx context.Context, blindIndex string) (*User, bool) {
	v, ok := s.byBlindID.Get(ctx, blindIndex)
	if !ok {
		return nil, false
	}
	return s.Get(ctx, v.(string))
}

// AddCredential appends a newly registered WebAuthn credential under CAS.
func (s *Store) AddCredential(ctx context.Context, userID string, cred Credential) error {
	_, err := s.engine.Update(ctx, userID, func(current any) (any, error) {
		u := current.(User)
		u.Credentials = append(u.Credentials, cred)
		return u, nil
	})
	return err
}

// UpdateCredentialCounter stores a credential's post-verification counter.
// Callers MUST have already rejected a non-increasing counter (property
// #6) before calling this — it records the new value, it does not judge
// it.
func (s *Store) UpdateCredentialCounter(ctx context.Context, userID string, credentialID []byte, newCount uint32) error {
	_, err := s.engine.Update(ctx, userID, func(current any) (any, error) {
		u := current.(User)
		for i := range u.Credentials {
			if string(u.Credentials[i].ID) == string(credentialID) {
				u.Credentials[i].SignCount = newCount
			}
		}
		return u, nil
	})
	return err
}

// CredentialByID finds the credential record matching id across a user's
// registered authenticators.
func (u *User) CredentialByID(id []byte) (*Credential, bool) {
	for i := range u.Credentials {
		if string(u.Credentials[i].ID) == string(id) {
			return &u.Credentials[i], true
		}
	}
	return nil, false
}
