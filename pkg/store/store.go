// Package store implements the typed, TTL-bounded record stores shared by
// CodeStore, ChallengeStore, SessionStore, and RefreshTokenStore (spec
// §4.2): put/get/consume/update/revoke over an in-memory backend, the
// only backend this package provides.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	aerrors "github.com/aegisid/op/pkg/errors"
)

// Record is anything a store can hold: a value plus its expiry and
// consumed/revoked markers.
type record struct {
	value    any
	expireAt time.Time
	consumed bool
	revoked  bool
	version  uint64 // bumped on every Update, checked by its CAS step
}

func (r *record) live(now time.Time) bool {
	return !r.consumed && !r.revoked && now.Before(r.expireAt)
}

// Mutator is applied by Update under the store's CAS discipline; it
// receives the current value and returns the replacement.
type Mutator func(current any) (any, error)

// Store is an in-memory implementation of the uniform record-store
// contract, held in a single process.
type Store struct {
	mu      sync.Mutex
	records map[string]*record

	// maxCASAttempts bounds Update's retry loop (§4.2 "conflicts cause
	// retry up to N attempts then contention").
	maxCASAttempts uint
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{records: make(map[string]*record), maxCASAttempts: 5}
}

// Put inserts a new record under id with the given TTL. Fails with an
// invalid_argument error if id is already present and still live.
func (s *Store) Put(_ context.Context, id string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.records[id]; ok && existing.live(now) {
		return aerrors.NewInvalidArgumentError("record already present", nil)
	}

	s.records[id] = &record{value: value, expireAt: now.Add(ttl)}
	return nil
}

// Get returns the record's value, or nil if absent, expired, consumed, or
// revoked. Every read re-checks expiry; stores never rely on a platform
// expiration mechanism (spec §9).
func (s *Store) Get(_ context.Context, id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || !r.live(time.Now()) {
		return nil, false
	}
	return r.value, true
}

// Consume atomically fetches id and marks it consumed, so every later
// Get/Consume reports it absent; the only correct redemption path for
// single-use records (authorization codes, PAR requests).
func (s *Store) Consume(_ context.Context, id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || !r.live(time.Now()) {
		return nil, false
	}
	r.consumed = true
	return r.value, true
}

// Update applies mutator under compare-and-swap discipline, retrying on
// concurrent writers up to maxCASAttempts before giving up with a
// "contention" error.
func (s *Store) Update(ctx context.Context, id string, mutator Mutator) (any, error) {
	op := func() (any, error) {
		s.mu.Lock()
		r, ok := s.records[id]
		if !ok || !r.live(time.Now()) {
			s.mu.Unlock()
			return nil, aerrors.NewInvalidArgumentError("record not found", nil)
		}
		current := r.value
		version := r.version
		s.mu.Unlock()

		next, err := mutator(current)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		r2, ok := s.records[id]
		if !ok || r2 != r || !r2.live(time.Now()) || r2.version != version {
			return nil, aerrors.NewInternalError("contention", nil)
		}
		r2.value = next
		r2.version++
		return next, nil
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(s.maxCASAttempts),
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Millisecond)),
	)
	if err != nil {
		// A mutator-raised *aerrors.Error (e.g. CIBA's "not pending"
		// refusal) carries meaning the caller needs and is returned as
		// is; any other error, such as a challenge's plain
		// invalid-transition error, is reported as "contention".
		var ae *aerrors.Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, aerrors.NewInternalError("contention", err)
	}
	return result, nil
}

// Revoke marks id terminally revoked; subsequent Get/Consume return
// not-found. Revocation is irreversible (spec §3 Session/RefreshToken
// invariants).
func (s *Store) Revoke(_ context.Context, id string, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.revoked = true
	}
}

// Sweep deletes expired or terminal records to bound memory; purely an
// implementation detail, never relied upon for correctness (every read
// re-checks expiry).
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.records {
		if r.consumed || r.revoked || now.After(r.expireAt) {
			delete(s.records, id)
		}
	}
}

// Keys returns every currently-live id whose value satisfies pred; backs
// SessionStore.listByUser.
func (s *Store) Keys(pred func(value any) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var ids []string
	for id, r := range s.records {
		if r.live(now) && pred(r.value) {
			ids = append(ids, id)
		}
	}
	return ids
}
