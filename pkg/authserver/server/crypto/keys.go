// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto loads and derives parameters for the signing keys and
// HMAC secrets used by the token issuer and opaque-token stores.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// MinRSAKeyBits is the minimum RSA modulus size accepted for a signing key.
const MinRSAKeyBits = 2048

// MinHMACSecretBytes is the minimum length accepted for an HMAC secret.
const MinHMACSecretBytes = 32

// LoadSigningKey reads a PEM-encoded private key from keyPath, accepting
// RSA (PKCS1 or PKCS8), EC (SEC1 or PKCS8), and Ed25519 (PKCS8) encodings.
func LoadSigningKey(keyPath string) (crypto.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from %s", keyPath)
	}

	signer, err := parseKey(block)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	if rsaKey, ok := signer.(*rsa.PrivateKey); ok {
		if rsaKey.N.BitLen() < MinRSAKeyBits {
			return nil, fmt.Errorf("RSA key below minimum required size of %d bits: got %d", MinRSAKeyBits, rsaKey.N.BitLen())
		}
	}

	return signer, nil
}

func parseKey(block *pem.Block) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T does not implement crypto.Signer", key)
	}
	return signer, nil
}

// DeriveAlgorithm returns the JWS algorithm implied by the key's type and,
// for EC keys, its curve.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		default:
			return "", fmt.Errorf("unsupported EC curve: %s", k.Curve.Params().Name)
		}
	case ed25519.PrivateKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

// ValidateAlgorithmForKey checks that alg is a valid JWS algorithm for key's
// concrete type (and, for EC keys, its curve).
func ValidateAlgorithmForKey(alg string, key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch alg {
		case "RS256", "RS384", "RS512":
			return nil
		default:
			return fmt.Errorf("algorithm %s is not compatible with RSA key", alg)
		}
	case *ecdsa.PrivateKey:
		wantCurve, ok := map[string]elliptic.Curve{
			"ES256": elliptic.P256(),
			"ES384": elliptic.P384(),
			"ES512": elliptic.P521(),
		}[alg]
		if !ok {
			return fmt.Errorf("algorithm %s is not compatible with EC key", alg)
		}
		if k.Curve != wantCurve {
			return fmt.Errorf("algorithm %s is not compatible with EC key curve %s", alg, k.Curve.Params().Name)
		}
		return nil
	case ed25519.PrivateKey:
		if alg != "EdDSA" {
			return fmt.Errorf("algorithm %s is not compatible with Ed25519 key", alg)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type: %T", key)
	}
}

// SigningKeyParams is the resolved (keyID, algorithm) pair for a signing key.
type SigningKeyParams struct {
	KeyID     string
	Algorithm string
}

// DeriveSigningKeyParams fills in keyID/algorithm where empty, validating any
// explicitly provided algorithm against the key's type.
func DeriveSigningKeyParams(key crypto.Signer, keyID, algorithm string) (*SigningKeyParams, error) {
	if algorithm == "" {
		alg, err := DeriveAlgorithm(key)
		if err != nil {
			return nil, err
		}
		algorithm = alg
	} else if err := ValidateAlgorithmForKey(algorithm, key); err != nil {
		return nil, err
	}

	if keyID == "" {
		id, err := DeriveKeyID(key)
		if err != nil {
			return nil, err
		}
		keyID = id
	}

	return &SigningKeyParams{KeyID: keyID, Algorithm: algorithm}, nil
}

// DeriveKeyID derives a deterministic, collision-resistant key ID from a
// key's public material: the first 32 hex characters (128 bits) of the
// hex-encoded SHA-256 of its DER-encoded SubjectPublicKeyInfo.
func DeriveKeyID(key crypto.Signer) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:32], nil
}

// HMACSecrets holds the current signing secret plus any rotated-out secrets
// still accepted for verification.
type HMACSecrets struct {
	Current []byte
	Rotated [][]byte
}

// LoadHMACSecrets reads HMAC secrets from files: paths[0] is the current
// secret (required if the slice is non-empty), the rest are rotated
// secrets still accepted for verification. Empty rotated paths are
// skipped. Returns nil, nil for an empty path list.
func LoadHMACSecrets(paths []string) (*HMACSecrets, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	if paths[0] == "" {
		return nil, fmt.Errorf("current HMAC secret path cannot be empty")
	}
	current, err := readSecret(paths[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load current HMAC secret: %w", err)
	}

	var rotated [][]byte
	for i, p := range paths[1:] {
		if p == "" {
			continue
		}
		secret, err := readSecret(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load rotated HMAC secret [%d]: %w", i+1, err)
		}
		rotated = append(rotated, secret)
	}

	return &HMACSecrets{Current: current, Rotated: rotated}, nil
}

func readSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) < MinHMACSecretBytes {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d", MinHMACSecretBytes, len(trimmed))
	}
	return []byte(trimmed), nil
}
