// Package storage defines the domain record types held in the generic
// TTL-bounded stores (pkg/store) and the typed stores built on top of
// them: CodeStore, PARStore, ChallengeStore, SessionStore, and
// RefreshTokenStore (spec §3, §4.2).
package storage

import "time"

// AuthorizationCode is the record behind a single authorization code.
// TTL is enforced by the backing store at Put time (≤120s, spec §3).
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               []string
	Subject             string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	AuthTime            time.Time
	ACR                 string
	AMR                 []string
	ResolvedPolicyID    string
	IssuedAt            time.Time
}

// PARRecord is a pushed authorization request awaiting redemption via
// request_uri (RFC 9126). TTL ≤ 60s, single-use.
type PARRecord struct {
	RequestURI string
	ClientID   string
	Parameters map[string]string
	ExpiresAt  time.Time
}

// ChallengeType discriminates the interactive flow a Challenge represents.
type ChallengeType string

const (
	ChallengeLogin           ChallengeType = "login"
	ChallengeConsent         ChallengeType = "consent"
	ChallengeEmailCode       ChallengeType = "email_code"
	ChallengePasskeyRegister ChallengeType = "passkey_register"
	ChallengePasskeyAuth     ChallengeType = "passkey_auth"
	ChallengeDIDAuth         ChallengeType = "did_auth"
	ChallengeCIBA            ChallengeType = "ciba"
)

// ChallengeState is the monotone forward-only state of an interactive
// challenge (spec §3 Challenge invariants).
type ChallengeState string

const (
	ChallengeStatePending  ChallengeState = "pending"
	ChallengeStateComplete ChallengeState = "complete"
	ChallengeStateFailed   ChallengeState = "failed"
)

// Challenge is the common envelope for every interactive flow's
// short-lived state, keyed by a cryptographically random ChallengeID.
type Challenge struct {
	ChallengeID      string
	Type             ChallengeType
	TenantID         string
	ResolvedPolicyID string
	State            ChallengeState
	Payload          map[string]any
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// Session is a browser session created on successful authentication.
type Session struct {
	SessionID      string
	UserID         string
	TenantID       string
	AuthTime       time.Time
	AMR            []string
	ACR            string
	ExpiresAt      time.Time
	IdleExpiresAt  time.Time
	LastActiveAt   time.Time
	Revoked        bool
	RevokedReason  string
}

// RefreshToken is one member of a rotation family. Replaying a
// rotated-out member must revoke the whole family (spec §3, §4.6).
type RefreshToken struct {
	JTI         string
	FamilyID    string
	ClientID    string
	UserID      string
	Scope       []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	RotatedFrom string
	Revoked     bool
}

// CIBAStatus is the lifecycle state of a backchannel authentication
// request (spec §3 CIBARequest).
type CIBAStatus string

const (
	CIBAPending  CIBAStatus = "pending"
	CIBAApproved CIBAStatus = "approved"
	CIBADenied   CIBAStatus = "denied"
	CIBAExpired  CIBAStatus = "expired"
	CIBAConsumed CIBAStatus = "consumed"
)

// DeliveryMode is how a CIBA request notifies the user.
type DeliveryMode string

const (
	DeliveryPoll DeliveryMode = "poll"
	DeliveryPing DeliveryMode = "ping"
	DeliveryPush DeliveryMode = "push"
)

// CIBARequest is the backchannel authentication request record.
type CIBARequest struct {
	AuthReqID            string
	ClientID             string
	Scope                []string
	BindingMessage       string
	UserCode             string
	LoginHint            string
	Subject              string // set once the end user approves the request
	DeliveryMode         DeliveryMode
	Status               CIBAStatus
	MinPollInterval      time.Duration
	LastPollAt           time.Time
	CreatedAt            time.Time
	ExpiresAt            time.Time
	NotificationEndpoint string
	NotificationToken    string
}

// DeviceGrant is the RFC 8628 device authorization record.
type DeviceGrant struct {
	DeviceCode      string
	UserCode        string
	ClientID        string
	Scope           []string
	Subject         string // set once the end user approves the user_code
	Status          CIBAStatus
	MinPollInterval time.Duration
	LastPollAt      time.Time
	ExpiresAt       time.Time
}

// Consent is the authoritative record of a user's prior grant to a client.
type Consent struct {
	UserID         string
	ClientID       string
	GrantedScopes  []string
	GrantedAt      time.Time
	Revoked        bool
}
