package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeStoreSingleUseUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := NewCodeStore()
	require.NoError(t, s.Put(ctx, AuthorizationCode{Code: "C1", ClientID: "public-spa"}, time.Minute))

	var wg sync.WaitGroup
	var successes int
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Consume(ctx, "C1"); ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one concurrent redemption must succeed")

	_, ok := s.Get(ctx, "C1")
	assert.False(t, ok, "consumed code must never be visible again")
}

func TestChallengeMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := NewChallengeStore()
	require.NoError(t, s.Put(ctx, Challenge{
		ChallengeID: "ch1",
		Type:        ChallengeLogin,
		State:       ChallengeStatePending,
	}, time.Minute))

	require.NoError(t, s.Advance(ctx, "ch1", ChallengeStateComplete, nil))

	c, ok := s.Get(ctx, "ch1")
	require.True(t, ok)
	assert.Equal(t, ChallengeStateComplete, c.State)

	err := s.Advance(ctx, "ch1", ChallengeStatePending, nil)
	assert.Error(t, err, "a challenge must never move backward")

	_, ok = s.Consume(ctx, "ch1")
	require.True(t, ok)

	_, ok = s.Get(ctx, "ch1")
	assert.False(t, ok, "get after consume must return nothing")
}

func TestResolvedPolicyIDImmutableOnChallenge(t *testing.T) {
	ctx := context.Background()
	s := NewChallengeStore()
	require.NoError(t, s.Put(ctx, Challenge{
		ChallengeID:      "ch2",
		ResolvedPolicyID: "policy-abc",
		State:            ChallengeStatePending,
	}, time.Minute))

	require.NoError(t, s.Advance(ctx, "ch2", ChallengeStateComplete, func(c *Challenge) {
		c.Payload = map[string]any{"unrelated": true}
	}))

	c, ok := s.Get(ctx, "ch2")
	require.True(t, ok)
	assert.Equal(t, "policy-abc", c.ResolvedPolicyID)
}

func TestRefreshTokenFamilyRevocation(t *testing.T) {
	ctx := context.Background()
	s := NewRefreshTokenStore()

	require.NoError(t, s.Put(ctx, RefreshToken{JTI: "rt1", FamilyID: "fam1"}, time.Hour))
	require.NoError(t, s.Put(ctx, RefreshToken{JTI: "rt2", FamilyID: "fam1", RotatedFrom: "rt1"}, time.Hour))

	// rt1 was rotated into rt2; replaying rt1 must revoke the whole family.
	_, ok := s.Consume(ctx, "rt1")
	require.True(t, ok)
	s.RevokeFamily(ctx, "fam1")

	_, ok = s.Get(ctx, "rt2")
	assert.False(t, ok, "every member of a compromised family must be revoked")
}

func TestSessionRevocationIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore()
	require.NoError(t, s.Put(ctx, Session{SessionID: "s1", UserID: "u1"}, time.Hour))

	s.Revoke(ctx, "s1", "logout")

	err := s.Extend(ctx, "s1", time.Now().Add(time.Hour))
	assert.Error(t, err)

	_, ok := s.Get(ctx, "s1")
	assert.False(t, ok)
}

func TestSessionListByUser(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore()
	require.NoError(t, s.Put(ctx, Session{SessionID: "s1", UserID: "u1"}, time.Hour))
	require.NoError(t, s.Put(ctx, Session{SessionID: "s2", UserID: "u1"}, time.Hour))
	require.NoError(t, s.Put(ctx, Session{SessionID: "s3", UserID: "u2"}, time.Hour))

	ids := s.ListByUser("u1")
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}
