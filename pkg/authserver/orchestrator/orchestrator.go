package orchestrator

import (
	"context"
	"time"

	"github.com/ory/fosite"

	"github.com/aegisid/op/pkg/authserver"
	"github.com/aegisid/op/pkg/authserver/server/keys"
	"github.com/aegisid/op/pkg/authserver/storage"
	"github.com/aegisid/op/pkg/ciba"
	"github.com/aegisid/op/pkg/consent"
	"github.com/aegisid/op/pkg/device"
	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/events"
	"github.com/aegisid/op/pkg/logout"
	"github.com/aegisid/op/pkg/notify"
	"github.com/aegisid/op/pkg/passwordless"
	"github.com/aegisid/op/pkg/policy"
	"github.com/aegisid/op/pkg/ratelimit"
	"github.com/aegisid/op/pkg/token"
	"github.com/aegisid/op/pkg/userinfo"
	"github.com/aegisid/op/pkg/users"
)

// Orchestrator implements spec §4.7's AuthorizeOrchestrator: it composes
// a real fosite.OAuth2Provider over fositeStore, and wraps it with the
// provider-specific concerns fosite has no opinion on — ResolvedPolicy
// validation, PAR redemption, Request Object resolution, prompt/max_age
// handling, and FlowEngine-driven interaction (login/consent) ahead of
// code issuance.
type Orchestrator struct {
	issuerURL string
	tenant    policy.TenantContract
	provider  fosite.OAuth2Provider
	store     *fositeStore
	clients   map[string]policy.ClientContract

	resolver   *policy.Resolver
	keyStore   *keys.Store
	keySecret  []byte
	tokens     *token.Issuer
	codes      *storage.CodeStore
	pars       *storage.PARStore
	challenges *storage.ChallengeStore
	sessions   *storage.SessionStore
	refreshes  *storage.RefreshTokenStore
	consent    *consent.Service
	limiter    *ratelimit.Limiter
	events     *events.Bus
	reqObjects *requestObjectClient

	users        *users.Store
	blindSecret  []byte
	passwordless *passwordless.Verifier
	ciba         *ciba.Runner
	device       *device.Runner
	logout       *logout.Coordinator
	userinfo     *userinfo.Service
}

// Deps bundles the already-constructed shared components a tenant's
// Orchestrator is wired against; every field is owned by the caller
// (typically cmd/opd's serve command) and shared across tenants except
// the per-tenant ServerConfig.
type Deps struct {
	Resolver      *policy.Resolver
	KeyStore      *keys.Store
	KeySecret     []byte
	Tokens        *token.Issuer
	Codes         *storage.CodeStore
	PARs          *storage.PARStore
	Challenges    *storage.ChallengeStore
	Sessions      *storage.SessionStore
	RefreshTokens *storage.RefreshTokenStore
	Consent       *consent.Service
	Limiter       *ratelimit.Limiter
	Events        *events.Bus

	Users         *users.Store
	CIBARequests  *storage.CIBARequestStore
	DeviceGrants  *storage.DeviceGrantStore
	Notifier      notify.Adapter
	WebAuthn      passwordless.Config
	BlindSecret   []byte
}

// New validates cfg, registers its clients with a fresh fositeStore, and
// composes the fosite.OAuth2Provider that backs /authorize, /par, and
// /token for this tenant.
func New(cfg authserver.ServerConfig, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	signingKey, err := deps.KeyStore.GetActiveSigningKeyWithPrivate(deps.KeySecret)
	if err != nil {
		return nil, aerrors.NewKeyRotationError("orchestrator requires an active signing key", err)
	}

	store := newFositeStore()
	clients := make(map[string]policy.ClientContract, len(cfg.Clients))
	for _, c := range cfg.Clients {
		clients[c.ClientID] = c
		store.registerClient(buildFositeClient(c))
	}

	fc := buildConfig(cfg.Tenant, cfg.Issuer)
	provider := newProvider(fc, store, cfg.HMACSecret, signingKey)

	pv, err := passwordless.New(deps.WebAuthn, cfg.Tenant.TenantID, deps.BlindSecret, deps.Challenges, deps.Users, deps.Limiter, deps.Events, deps.Notifier)
	if err != nil {
		return nil, aerrors.NewInternalError("failed to construct passwordless verifier", err)
	}

	relyingParties := make(map[string]logout.RelyingParty, len(clients))
	for id, c := range clients {
		relyingParties[id] = logout.RelyingParty{
			ClientID:              id,
			FrontchannelLogoutURI: c.FrontchannelLogoutURI,
			BackchannelLogoutURI:  c.BackchannelLogoutURI,
		}
	}

	return &Orchestrator{
		issuerURL:  cfg.Issuer,
		tenant:     cfg.Tenant,
		provider:   provider,
		store:      store,
		clients:    clients,
		resolver:   deps.Resolver,
		keyStore:   deps.KeyStore,
		keySecret:  deps.KeySecret,
		tokens:     deps.Tokens,
		codes:      deps.Codes,
		pars:       deps.PARs,
		challenges: deps.Challenges,
		sessions:   deps.Sessions,
		refreshes:  deps.RefreshTokens,
		consent:    deps.Consent,
		limiter:    deps.Limiter,
		events:     deps.Events,
		reqObjects: newRequestObjectClient(),

		users:        deps.Users,
		blindSecret:  deps.BlindSecret,
		passwordless: pv,
		ciba:         ciba.New(deps.CIBARequests, deps.Events, deps.Notifier, cfg.Tenant.TenantID),
		device:       device.New(deps.DeviceGrants, deps.Events, cfg.Tenant.TenantID, cfg.Issuer),
		logout:       logout.New(deps.Sessions, deps.Tokens, deps.Events, cfg.Issuer, cfg.Tenant.TenantID, relyingParties),
		userinfo:     userinfo.New(deps.Tokens, deps.Users, cfg.Issuer),
	}, nil
}

// sessionFresh reports whether session satisfies max_age seconds of
// elapsed-since-auth, per spec §4.7 prompt handling ("max_age exceeded
// => needsReauth").
func sessionFresh(sess *storage.Session, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return time.Since(sess.AuthTime) <= maxAge
}

// lookupSession resolves the browser session referenced by the op_session
// cookie, returning nil (not an error) when absent — the orchestrator
// treats a missing session as "needsLogin", not a protocol failure.
func (o *Orchestrator) lookupSession(ctx context.Context, sessionID string) *storage.Session {
	if sessionID == "" {
		return nil
	}
	sess, ok := o.sessions.Get(ctx, sessionID)
	if !ok || sess.Revoked {
		return nil
	}
	return sess
}
