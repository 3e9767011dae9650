// Package logout implements the LogoutCoordinator of spec.md §4.11:
// RP-initiated logout, session revocation, and front/back-channel fanout.
package logout

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aegisid/op/pkg/authserver/storage"
	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/events"
	"github.com/aegisid/op/pkg/token"
)

const backchannelTimeout = 3 * time.Second

// backchannelLogoutEventClaim is the fixed event claim RFC-style
// backchannel logout tokens carry (OIDC Back-Channel Logout §2.4).
const backchannelLogoutEventClaim = "http://schemas.openid.net/event/backchannel-logout"

// RelyingParty is the subset of ClientContract registration data
// LogoutCoordinator needs to fan a logout out to one client.
type RelyingParty struct {
	ClientID              string
	FrontchannelLogoutURI string
	BackchannelLogoutURI  string
}

// Coordinator implements LogoutCoordinator.
type Coordinator struct {
	sessions *storage.SessionStore
	tokens   *token.Issuer
	events   *events.Bus
	client   *http.Client
	issuer   string
	tenantID string
	clients  map[string]RelyingParty
}

func New(sessions *storage.SessionStore, tokens *token.Issuer, bus *events.Bus, issuer, tenantID string, clients map[string]RelyingParty) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		tokens:   tokens,
		events:   bus,
		client:   &http.Client{Timeout: backchannelTimeout},
		issuer:   issuer,
		tenantID: tenantID,
		clients:  clients,
	}
}

// Result carries the front-channel iframe URLs the caller's logout page
// must render; back-channel delivery has already been attempted by the
// time Logout returns.
type Result struct {
	FrontchannelIframes []string
}

// Logout validates idTokenHint (when present), revokes every live session
// for the subject, and fans the event out front/back-channel (spec §4.11).
func (c *Coordinator) Logout(ctx context.Context, idTokenHint, clientID string) (*Result, error) {
	var sub string
	if idTokenHint != "" {
		claims, err := c.tokens.Verify(idTokenHint, token.Expectations{Issuer: c.issuer})
		if err != nil {
			return nil, aerrors.NewInvalidRequestError("id_token_hint failed verification", err)
		}
		sub, _ = claims["sub"].(string)
	}

	var sessionIDs []string
	if sub != "" {
		sessionIDs = c.sessions.ListByUser(sub)
		for _, id := range sessionIDs {
			c.sessions.Revoke(ctx, id, "rp_initiated_logout")
		}
	}

	res := &Result{}
	for _, rp := range c.clients {
		if rp.FrontchannelLogoutURI != "" {
			res.FrontchannelIframes = append(res.FrontchannelIframes, rp.FrontchannelLogoutURI)
		}
		if rp.BackchannelLogoutURI != "" {
			c.sendBackchannelLogout(ctx, rp, sub, sessionIDs)
		}
	}

	c.events.Emit(ctx, events.Event{
		Name:     "logout.completed",
		TenantID: c.tenantID,
		Data:     map[string]any{"client_id": clientID, "subject": sub},
	})
	return res, nil
}

// sendBackchannelLogout mints a signed logout token (OIDC Back-Channel
// Logout §2.4) and POSTs it as logout_token to rp's registered endpoint.
// Delivery failure is logged and does not roll back the session
// revocation already performed (spec §9).
func (c *Coordinator) sendBackchannelLogout(ctx context.Context, rp RelyingParty, sub string, sessionIDs []string) {
	sid := ""
	if len(sessionIDs) > 0 {
		sid = sessionIDs[0]
	}

	logoutToken, err := c.tokens.IssueLogoutToken(ctx, token.LogoutTokenParams{
		Subject:   sub,
		SessionID: sid,
		Audience:  rp.ClientID,
	})
	if err != nil {
		c.events.Emit(ctx, events.Event{Name: "notification.delivery.failed", TenantID: c.tenantID, Data: map[string]any{"channel": "backchannel_logout"}})
		return
	}

	form := url.Values{"logout_token": {logoutToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rp.BackchannelLogoutURI, strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.client.Do(req)
	if err != nil {
		c.events.Emit(ctx, events.Event{Name: "notification.delivery.failed", TenantID: c.tenantID, Data: map[string]any{"channel": "backchannel_logout"}})
		return
	}
	resp.Body.Close()
}

// ReceiveBackchannel handles /logout/backchannel: this OP acting as an RP
// of an upstream IdP, receiving that IdP's logout notification. It
// verifies the logout token and revokes the corresponding local session.
func (c *Coordinator) ReceiveBackchannel(ctx context.Context, logoutToken, upstreamIssuer string) error {
	claims, err := c.tokens.Verify(logoutToken, token.Expectations{Issuer: upstreamIssuer})
	if err != nil {
		return aerrors.NewInvalidRequestError("logout_token failed verification", err)
	}
	events, ok := claims["events"].(map[string]any)
	if !ok || events[backchannelLogoutEventClaim] == nil {
		return aerrors.NewInvalidRequestError("logout_token missing backchannel-logout event claim", nil)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return aerrors.NewInvalidRequestError("logout_token carries no subject", nil)
	}
	for _, id := range c.sessions.ListByUser(sub) {
		c.sessions.Revoke(ctx, id, "upstream_backchannel_logout")
	}
	return nil
}
