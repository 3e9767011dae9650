package authserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegisid/op/pkg/policy"
)

func assertError(t *testing.T, err error, wantErr bool, errMsg string) {
	t.Helper()
	if wantErr {
		if assert.Error(t, err) && errMsg != "" {
			assert.Contains(t, err.Error(), errMsg)
		}
		return
	}
	assert.NoError(t, err)
}

func TestValidateIssuerURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		issuer  string
		wantErr bool
		errMsg  string
	}{
		{name: "https", issuer: "https://example.com"},
		{name: "https with port", issuer: "https://example.com:8443"},
		{name: "https with path", issuer: "https://example.com/auth"},
		{name: "http localhost", issuer: "http://localhost"},
		{name: "http localhost with port", issuer: "http://localhost:8080"},
		{name: "http 127.0.0.1", issuer: "http://127.0.0.1:8080"},
		{name: "http IPv6 loopback", issuer: "http://[::1]:8080"},

		{name: "empty", issuer: "", wantErr: true, errMsg: "issuer is required"},
		{name: "missing scheme", issuer: "example.com", wantErr: true, errMsg: "scheme is required"},
		{name: "missing host", issuer: "https://", wantErr: true, errMsg: "host is required"},
		{name: "query component", issuer: "https://example.com?foo=bar", wantErr: true, errMsg: "must not contain query"},
		{name: "fragment component", issuer: "https://example.com#section", wantErr: true, errMsg: "must not contain fragment"},
		{name: "http non-localhost", issuer: "http://example.com", wantErr: true, errMsg: "http scheme is only allowed for localhost"},
		{name: "ftp scheme", issuer: "ftp://example.com", wantErr: true, errMsg: "scheme must be https"},
		{name: "trailing slash", issuer: "https://example.com/", wantErr: true, errMsg: "must not have trailing slash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateIssuerURL(tt.issuer)
			assertError(t, err, tt.wantErr, tt.errMsg)
		})
	}
}

func testTenant() policy.TenantContract {
	return policy.TenantContract{
		TenantID:             "tenant-a",
		Version:              1,
		AllowedAlgorithms:    []string{"RS256", "ES256"},
		AllowedScopes:        []string{"openid", "profile", "email"},
		AllowedResponseTypes: []string{"code"},
	}
}

func TestServerConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "missing issuer",
			cfg:  ServerConfig{HMACSecret: make([]byte, 32), Tenant: testTenant()},
			wantErr: true, errMsg: "issuer is required",
		},
		{
			name: "short HMAC secret",
			cfg:  ServerConfig{Issuer: "https://example.com", HMACSecret: []byte("short"), Tenant: testTenant()},
			wantErr: true, errMsg: "HMAC secret must be at least",
		},
		{
			name: "valid config with no clients",
			cfg:  ServerConfig{Issuer: "https://example.com", HMACSecret: make([]byte, 32), Tenant: testTenant()},
		},
		{
			name: "client exceeds tenant scope envelope",
			cfg: ServerConfig{
				Issuer: "https://example.com", HMACSecret: make([]byte, 32), Tenant: testTenant(),
				Clients: []policy.ClientContract{{
					ClientID: "c1", Public: true,
					RedirectURIs: []string{"https://app.example.com/cb"},
					Scopes:       []string{"openid", "admin"},
				}},
			},
			wantErr: true, errMsg: "exceed tenant envelope",
		},
		{
			name: "valid client within envelope",
			cfg: ServerConfig{
				Issuer: "https://example.com", HMACSecret: make([]byte, 32), Tenant: testTenant(),
				Clients: []policy.ClientContract{{
					ClientID: "c1", Public: true,
					RedirectURIs: []string{"https://app.example.com/cb"},
					Scopes:       []string{"openid"},
				}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			assertError(t, err, tt.wantErr, tt.errMsg)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := ServerConfig{Issuer: "https://example.com", Tenant: policy.TenantContract{TenantID: "t"}}
	cfg.applyDefaults()

	assert.NotZero(t, cfg.Tenant.AccessTokenTTL)
	assert.NotZero(t, cfg.Tenant.IDTokenTTL)
	assert.NotZero(t, cfg.Tenant.RefreshTokenTTL)
	assert.NotZero(t, cfg.Tenant.SessionTTL)
}

func TestIsLoopbackHostRecognizesAllForms(t *testing.T) {
	t.Parallel()
	for _, host := range []string{"localhost", "LOCALHOST", "127.0.0.1", "::1"} {
		assert.True(t, IsLoopbackHost(host), host)
	}
	assert.False(t, IsLoopbackHost("example.com"))
}

func TestLoopbackRedirectMatchesAnyPort(t *testing.T) {
	t.Parallel()

	registered := "http://localhost/cb"
	requested := "http://localhost:54213/cb"
	assert.True(t, matchesRedirectURI(requested, registered))
	assert.False(t, matchesRedirectURI("http://localhost:54213/other", registered))
	assert.True(t, strings.HasPrefix(requested, "http://localhost"))
}
