package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitHonesty(t *testing.T) {
	l := New(map[Endpoint]Policy{EndpointCodeVerify: {Window: time.Minute, Max: 2}})
	key := Key("tenant-a", EndpointCodeVerify, "user@example.com")

	r1, err := l.Check(key, EndpointCodeVerify)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := l.Check(key, EndpointCodeVerify)
	require.NoError(t, err)
	assert.True(t, r2.Allowed)

	r3, err := l.Check(key, EndpointCodeVerify)
	require.NoError(t, err)
	assert.False(t, r3.Allowed)

	// Once denied, every subsequent call in the same window stays denied.
	r4, err := l.Check(key, EndpointCodeVerify)
	require.NoError(t, err)
	assert.False(t, r4.Allowed)
}

func TestRateLimitResetsInNextWindow(t *testing.T) {
	l := New(map[Endpoint]Policy{EndpointToken: {Window: 10 * time.Millisecond, Max: 1}})
	key := Key("tenant-a", EndpointToken, "client-1")

	r1, err := l.Check(key, EndpointToken)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := l.Check(key, EndpointToken)
	require.NoError(t, err)
	assert.False(t, r2.Allowed)

	time.Sleep(15 * time.Millisecond)

	r3, err := l.Check(key, EndpointToken)
	require.NoError(t, err)
	assert.True(t, r3.Allowed)
}

func TestUnknownEndpointErrors(t *testing.T) {
	l := New(map[Endpoint]Policy{})
	_, err := l.Check("k", EndpointPAR)
	assert.Error(t, err)
}
