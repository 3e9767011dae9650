// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys implements the signing-key lifecycle behind the token
// issuer: loading keys from disk, generating ephemeral keys for
// development, and (via Store) rotation and JWKS exposure.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	servercrypto "github.com/aegisid/op/pkg/authserver/server/crypto"
	"github.com/google/uuid"
)

// DefaultAlgorithm is used by GeneratingProvider when none is specified.
const DefaultAlgorithm = "ES256"

// SigningKeyData is a resolved signing key: its id, algorithm, the signer
// itself (present only on the node that owns private material) and when
// it was minted.
type SigningKeyData struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// Provider resolves the active signing key and the full public key set.
type Provider interface {
	SigningKey(ctx context.Context) (*SigningKeyData, error)
	PublicKeys(ctx context.Context) ([]*SigningKeyData, error)
}

// Config configures a FileProvider, or selects a GeneratingProvider when
// SigningKeyFile is empty.
type Config struct {
	KeyDir           string
	SigningKeyFile   string
	FallbackKeyFiles []string
	Algorithm        string
}

// FileProvider loads signing and verification keys from PEM files on disk.
// The first key (SigningKeyFile) is the one used to sign new tokens;
// FallbackKeyFiles are retired/rotating keys kept around purely for
// verification during their overlap window.
type FileProvider struct {
	signing *SigningKeyData
	public  []*SigningKeyData
}

// NewFileProvider loads the configured signing key and any fallback keys.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signing, err := loadKey(cfg.KeyDir, cfg.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	keys := []*SigningKeyData{signing}
	for _, f := range cfg.FallbackKeyFiles {
		k, err := loadKey(cfg.KeyDir, f)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key: %w", err)
		}
		keys = append(keys, k)
	}

	return &FileProvider{signing: signing, public: keys}, nil
}

func loadKey(dir, file string) (*SigningKeyData, error) {
	path := file
	if dir != "" {
		path = filepath.Join(dir, file)
	}
	signer, err := servercrypto.LoadSigningKey(path)
	if err != nil {
		return nil, err
	}
	params, err := servercrypto.DeriveSigningKeyParams(signer, "", "")
	if err != nil {
		return nil, err
	}
	return &SigningKeyData{
		KeyID:     params.KeyID,
		Algorithm: params.Algorithm,
		Key:       signer,
		CreatedAt: time.Now(),
	}, nil
}

// SigningKey returns the provider's configured signing key.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return p.signing, nil
}

// PublicKeys returns the signing key followed by every fallback key.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*SigningKeyData, error) {
	return p.public, nil
}

// GeneratingProvider generates an ephemeral EC signing key on first use and
// holds it in memory for the process lifetime. Intended for local
// development and tests; production deployments should use FileProvider
// with keys rotated by Store.
type GeneratingProvider struct {
	algorithm string

	mu  sync.Mutex
	key *SigningKeyData
}

// NewGeneratingProvider returns a provider that lazily generates a single
// EC key under the given algorithm (ES256/ES384/ES512). An empty
// algorithm defaults to DefaultAlgorithm.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

func curveForAlgorithm(alg string) (elliptic.Curve, error) {
	switch alg {
	case "ES256":
		return elliptic.P256(), nil
	case "ES384":
		return elliptic.P384(), nil
	case "ES512":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", alg)
	}
}

func (p *GeneratingProvider) ensureKey() (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key, nil
	}

	curve, err := curveForAlgorithm(p.algorithm)
	if err != nil {
		return nil, err
	}

	signer, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	p.key = &SigningKeyData{
		KeyID:     "key-" + uuid.NewString(),
		Algorithm: p.algorithm,
		Key:       signer,
		CreatedAt: time.Now(),
	}
	return p.key, nil
}

// SigningKey returns the generated key, creating it on first call.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return p.ensureKey()
}

// PublicKeys returns the single generated key.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*SigningKeyData, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*SigningKeyData{key}, nil
}

// NewProviderFromConfig selects a FileProvider when a signing key file is
// configured, otherwise falls back to an in-memory GeneratingProvider. Only
// SigningKeyFile decides the choice; KeyDir and the other fields do not.
func NewProviderFromConfig(cfg Config) (Provider, error) {
	if cfg.SigningKeyFile == "" {
		return NewGeneratingProvider(cfg.Algorithm), nil
	}
	return NewFileProvider(cfg)
}
