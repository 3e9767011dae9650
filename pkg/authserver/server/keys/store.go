// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/logger"
)

// Status is a key's position in the rotation lifecycle.
type Status string

const (
	StatusActive   Status = "active"
	StatusRotating Status = "rotating"
	StatusRetired  Status = "retired"
	StatusRevoked  Status = "revoked"
)

// RotationReason distinguishes a routine rotation from an incident response.
type RotationReason string

const (
	ReasonScheduled RotationReason = "scheduled"
	ReasonEmergency RotationReason = "emergency"
)

// DefaultOverlapWindow is how long a rotated-out key stays verifiable
// (spec §4.1: "marks previous `rotating` for the configured overlap
// window (default 24h)").
const DefaultOverlapWindow = 24 * time.Hour

// entry is one key in the ring, carrying both halves of the pair so the
// store itself can serve getActiveSigningKeyWithPrivate without a second
// lookup.
type entry struct {
	id        string
	algorithm string
	signer    signerKey
	status    Status
	createdAt time.Time
	rotatedAt time.Time
}

// signerKey is the narrow interface Store needs from a crypto.Signer plus
// its public JWK — kept separate from crypto.Signer so both RSA and EC
// keys satisfy it uniformly.
type signerKey interface {
	Public() any
}

// Store is the KeyStore of spec.md §4.1: it owns private key material,
// rotates it on a schedule or on demand, and is the only component that
// ever releases a private key, and only over the bearer-authenticated
// path used internally by the token issuer.
type Store struct {
	mu        sync.Mutex
	keys      []*entry
	secret    []byte // KEY_MANAGER_SECRET, required for any authenticated operation
	overlap   time.Duration
	algorithm string
}

// NewStore constructs a Store. secret is the KEY_MANAGER_SECRET bearer
// credential; an empty secret makes every authenticated operation fail
// closed, per spec §4.1 failure semantics.
func NewStore(secret []byte, algorithm string) *Store {
	if algorithm == "" {
		algorithm = "RS256"
	}
	return &Store{secret: secret, overlap: DefaultOverlapWindow, algorithm: algorithm}
}

func (s *Store) requireAuth(bearer []byte) error {
	if len(s.secret) == 0 {
		return aerrors.NewKeyRotationError("KEY_MANAGER_SECRET not configured", nil)
	}
	if subtle.ConstantTimeCompare(s.secret, bearer) != 1 {
		return aerrors.NewAuthenticationFailedError("invalid key manager bearer secret", nil)
	}
	return nil
}

func generateSigner(algorithm string) (signerKey, error) {
	switch algorithm {
	case "RS256":
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
		return rsaSigner{k}, nil
	case "ES256":
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return ecSigner{k}, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", algorithm)
	}
}

// rsaSigner/ecSigner adapt stdlib key types to signerKey without importing
// crypto.Signer's Sign method here — issuance happens in pkg/token against
// the raw *rsa.PrivateKey/*ecdsa.PrivateKey held inside the entry.
type rsaSigner struct{ *rsa.PrivateKey }
type ecSigner struct{ *ecdsa.PrivateKey }

func (r rsaSigner) Public() any { return &r.PrivateKey.PublicKey }
func (e ecSigner) Public() any  { return &e.PrivateKey.PublicKey }

// Rotate generates a new active signing key. A scheduled rotation demotes
// the previous active key to "rotating" for the overlap window before it
// is retired; an emergency rotation immediately revokes the previous key
// and excludes it from JWKS.
func (s *Store) Rotate(bearer []byte, reason RotationReason) (string, error) {
	if err := s.requireAuth(bearer); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	signer, err := generateSigner(s.algorithm)
	if err != nil {
		return "", aerrors.NewKeyRotationError("failed to generate key", err)
	}

	now := time.Now()
	newEntry := &entry{
		id:        fmt.Sprintf("key-%d-%s", now.UnixMilli(), uuid.NewString()),
		algorithm: s.algorithm,
		signer:    signer,
		status:    StatusActive,
		createdAt: now,
	}

	for _, e := range s.keys {
		if e.status != StatusActive {
			continue
		}
		if reason == ReasonEmergency {
			e.status = StatusRevoked
		} else {
			e.status = StatusRotating
			e.rotatedAt = now
		}
	}

	s.keys = append(s.keys, newEntry)
	logger.Infow("signing key rotated", "kid", newEntry.id, "reason", reason)
	return newEntry.id, nil
}

// Sweep demotes keys whose overlap window has elapsed to retired. opd serve
// calls it on a robfig/cron schedule.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.keys {
		if e.status == StatusRotating && now.Sub(e.rotatedAt) > s.overlap {
			e.status = StatusRetired
		}
	}
}

// JWK is the public-only representation returned from the JWKS endpoint.
type JWK = jose.JSONWebKey

// GetJWKS returns every key whose status is active or rotating, never
// revoked or retired, and never carrying private fields.
func (s *Store) GetJWKS() jose.JSONWebKeySet {
	s.mu.Lock()
	defer s.mu.Unlock()

	var set jose.JSONWebKeySet
	for _, e := range s.keys {
		if e.status != StatusActive && e.status != StatusRotating {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       e.signer.Public(),
			KeyID:     e.id,
			Algorithm: e.algorithm,
			Use:       "sig",
		})
	}
	return set
}

// ActiveSigningKey describes the current active key without private
// material.
type ActiveSigningKey struct {
	KeyID     string
	Algorithm string
	PublicJWK jose.JSONWebKey
}

// GetActiveSigningKey returns the current active key's public half.
func (s *Store) GetActiveSigningKey(bearer []byte) (*ActiveSigningKey, error) {
	if err := s.requireAuth(bearer); err != nil {
		return nil, err
	}
	e, err := s.active()
	if err != nil {
		return nil, err
	}
	return &ActiveSigningKey{
		KeyID:     e.id,
		Algorithm: e.algorithm,
		PublicJWK: jose.JSONWebKey{Key: e.signer.Public(), KeyID: e.id, Algorithm: e.algorithm, Use: "sig"},
	}, nil
}

// ActiveSigningKeyWithPrivate carries the private signer and is only ever
// returned over the internal authenticated path consumed by the token
// issuer.
type ActiveSigningKeyWithPrivate struct {
	KeyID     string
	Algorithm string
	Private   any
	PublicJWK jose.JSONWebKey
}

// GetActiveSigningKeyWithPrivate is the only path by which private key
// material ever leaves the Store.
func (s *Store) GetActiveSigningKeyWithPrivate(bearer []byte) (*ActiveSigningKeyWithPrivate, error) {
	if err := s.requireAuth(bearer); err != nil {
		return nil, err
	}
	s.mu.Lock()
	e, err := s.activeLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var priv any
	switch k := e.signer.(type) {
	case rsaSigner:
		priv = k.PrivateKey
	case ecSigner:
		priv = k.PrivateKey
	}

	return &ActiveSigningKeyWithPrivate{
		KeyID:     e.id,
		Algorithm: e.algorithm,
		Private:   priv,
		PublicJWK: jose.JSONWebKey{Key: e.signer.Public(), KeyID: e.id, Algorithm: e.algorithm, Use: "sig"},
	}, nil
}

func (s *Store) active() (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Store) activeLocked() (*entry, error) {
	for _, e := range s.keys {
		if e.status == StatusActive {
			return e, nil
		}
	}
	return nil, aerrors.NewKeyRotationError("no active signing key", nil)
}

// VerifyWith resolves a verifier public key by kid, refusing revoked or
// unknown key ids.
func (s *Store) VerifyWith(kid string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.keys {
		if e.id != kid {
			continue
		}
		if e.status == StatusRevoked {
			return nil, aerrors.NewKeyRotationError("key has been revoked", nil)
		}
		return e.signer.Public(), nil
	}
	return nil, aerrors.NewKeyRotationError("unknown key id", nil)
}

// Seed installs an initial active key, e.g. at process start from a
// Provider-loaded key, so the store need not generate one on first use.
func (s *Store) Seed(kid, algorithm string, priv any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var signer signerKey
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		signer = rsaSigner{k}
	case *ecdsa.PrivateKey:
		signer = ecSigner{k}
	case ed25519.PrivateKey:
		return fmt.Errorf("ed25519 signing keys are not supported by Store")
	default:
		return fmt.Errorf("unsupported private key type: %T", priv)
	}

	s.keys = append(s.keys, &entry{
		id:        kid,
		algorithm: algorithm,
		signer:    signer,
		status:    StatusActive,
		createdAt: time.Now(),
	})
	return nil
}

