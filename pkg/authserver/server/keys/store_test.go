// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRotateRequiresAuth(t *testing.T) {
	s := NewStore(nil, "ES256")
	_, err := s.Rotate([]byte("whatever"), ReasonScheduled)
	require.Error(t, err)
}

func TestStoreRotateScheduledKeepsOverlap(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecre")
	s := NewStore(secret, "ES256")

	k1, err := s.Rotate(secret, ReasonScheduled)
	require.NoError(t, err)

	k2, err := s.Rotate(secret, ReasonScheduled)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	jwks := s.GetJWKS()
	ids := make(map[string]bool)
	for _, k := range jwks.Keys {
		ids[k.KeyID] = true
	}
	assert.True(t, ids[k1], "rotating key must still appear in JWKS during overlap")
	assert.True(t, ids[k2])
}

func TestStoreRotateEmergencyRevokesImmediately(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecre")
	s := NewStore(secret, "ES256")

	k1, err := s.Rotate(secret, ReasonScheduled)
	require.NoError(t, err)

	k2, err := s.Rotate(secret, ReasonEmergency)
	require.NoError(t, err)

	jwks := s.GetJWKS()
	for _, k := range jwks.Keys {
		assert.NotEqual(t, k1, k.KeyID, "emergency-rotated key must be excluded from JWKS")
	}

	_, err = s.VerifyWith(k1)
	assert.Error(t, err)

	_, err = s.VerifyWith(k2)
	assert.NoError(t, err)
}

func TestJWKSNeverLeaksPrivateMaterial(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecre")
	s := NewStore(secret, "ES256")
	_, err := s.Rotate(secret, ReasonScheduled)
	require.NoError(t, err)

	jwks := s.GetJWKS()
	require.Len(t, jwks.Keys, 1)
	for _, k := range jwks.Keys {
		assert.True(t, k.IsPublic(), "JWKS entries must carry only public key material")
	}
}

func TestStoreSweepRetiresAfterOverlap(t *testing.T) {
	secret := []byte("supersecretsupersecretsupersecre")
	s := NewStore(secret, "ES256")
	s.overlap = time.Millisecond

	k1, err := s.Rotate(secret, ReasonScheduled)
	require.NoError(t, err)
	_, err = s.Rotate(secret, ReasonScheduled)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	s.Sweep(time.Now())

	jwks := s.GetJWKS()
	for _, k := range jwks.Keys {
		assert.NotEqual(t, k1, k.KeyID, "key past overlap window must retire out of JWKS")
	}
}
