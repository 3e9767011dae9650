package app

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/aegisid/op/pkg/authserver"
	"github.com/aegisid/op/pkg/passwordless"
	"github.com/aegisid/op/pkg/policy"
)

// fileConfig is the on-disk shape opd serve loads: the process-wide
// secrets and adapters shared by every tenant, plus the list of tenants
// this process serves. Secrets are named by the environment variable
// that carries them, never embedded in the file itself.
type fileConfig struct {
	ListenAddr          string         `mapstructure:"listen_addr"`
	KeyManagerSecretEnv string         `mapstructure:"key_manager_secret_env"`
	BlindIndexSecretEnv string         `mapstructure:"blind_index_secret_env"`
	KeyAlgorithm        string         `mapstructure:"key_algorithm"`
	PolicyFile          string         `mapstructure:"policy_file"`
	PolicyHMACSecretEnv string         `mapstructure:"policy_hmac_secret_env"`
	WebAuthn            webAuthnConfig `mapstructure:"webauthn"`
	Notify              notifyConfig   `mapstructure:"notify"`
	RotationInterval    time.Duration  `mapstructure:"rotation_interval"`
	SweepInterval       time.Duration  `mapstructure:"sweep_interval"`
	Tenants             []tenantConfig `mapstructure:"tenants"`
}

type webAuthnConfig struct {
	RPDisplayName string   `mapstructure:"rp_display_name"`
	RPID          string   `mapstructure:"rp_id"`
	RPOrigins     []string `mapstructure:"rp_origins"`
}

type notifyConfig struct {
	Adapter       string `mapstructure:"adapter"` // "ses", "slack", or "" (none)
	SESFrom       string `mapstructure:"ses_from"`
	SlackTokenEnv string `mapstructure:"slack_bot_token_env"`
}

// tenantConfig mirrors authserver.ServerConfig but with secrets resolved
// from environment variables, and HMACSecret named by env var.
type tenantConfig struct {
	Issuer           string                  `mapstructure:"issuer"`
	HMACSecretEnv    string                  `mapstructure:"hmac_secret_env"`
	Tenant           policy.TenantContract   `mapstructure:"tenant"`
	Clients          []policy.ClientContract `mapstructure:"clients"`
}

// loadFileConfig unmarshals the opd config file bound to viper (via
// --config or OPD_CONFIG) and fills in defaults. Secret-bearing fields
// stay as environment variable names; the accessor methods below read
// their values.
func loadFileConfig() (*fileConfig, error) {
	var fc fileConfig
	if err := viper.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if fc.ListenAddr == "" {
		fc.ListenAddr = ":8443"
	}
	if fc.KeyAlgorithm == "" {
		fc.KeyAlgorithm = "RS256"
	}
	if len(fc.Tenants) == 0 {
		return nil, fmt.Errorf("at least one tenant must be configured")
	}
	return &fc, nil
}

func (fc *fileConfig) keyManagerSecret() []byte {
	return []byte(os.Getenv(fc.KeyManagerSecretEnv))
}

func (fc *fileConfig) blindIndexSecret() []byte {
	return []byte(os.Getenv(fc.BlindIndexSecretEnv))
}

func (fc *fileConfig) policyHMACSecret() []byte {
	return []byte(os.Getenv(fc.PolicyHMACSecretEnv))
}

func (fc *fileConfig) passwordlessConfig() passwordless.Config {
	return passwordless.Config{
		RPDisplayName: fc.WebAuthn.RPDisplayName,
		RPID:          fc.WebAuthn.RPID,
		RPOrigins:     fc.WebAuthn.RPOrigins,
	}
}

// serverConfig resolves a tenantConfig into the authserver.ServerConfig
// the orchestrator expects, pulling the HMAC secret out of its env var.
func (t tenantConfig) serverConfig() authserver.ServerConfig {
	return authserver.ServerConfig{
		Issuer:     t.Issuer,
		HMACSecret: []byte(os.Getenv(t.HMACSecretEnv)),
		Tenant:     t.Tenant,
		Clients:    t.Clients,
	}
}
