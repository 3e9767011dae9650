// Package ciba implements the CIBARunner of spec.md §4.9: backchannel
// authentication requests served over /bc-authorize and the
// urn:openid:params:grant-type:ciba grant on /token.
package ciba

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aegisid/op/pkg/authserver/storage"
	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/events"
	"github.com/aegisid/op/pkg/notify"
)

// defaultExpiry and defaultInterval are spec §4.9's defaults when a
// tenant's policy does not override them.
const (
	defaultExpiry       = 5 * time.Minute
	defaultInterval     = 5 * time.Second
	maxPollInterval     = 30 * time.Second
	maxBindingMessage   = 140
	httpNotifyTimeout   = 3 * time.Second
)

// TokenIssuer describes a token-minting dependency. Runner does not use
// it: Approve and Poll take the issuance step as a closure instead.
type TokenIssuer interface {
	IssueAccessToken(ctx context.Context, subject, clientID, scope string) (string, error)
	IssueIDToken(ctx context.Context, subject, clientID string) (string, error)
}

// Runner implements CIBARunner.
type Runner struct {
	requests *storage.CIBARequestStore
	events   *events.Bus
	notifier notify.Adapter
	client   *http.Client
	tenantID string
}

// New constructs a Runner.
func New(requests *storage.CIBARequestStore, bus *events.Bus, notifier notify.Adapter, tenantID string) *Runner {
	return &Runner{
		requests: requests,
		events:   bus,
		notifier: notifier,
		client:   &http.Client{Timeout: httpNotifyTimeout},
		tenantID: tenantID,
	}
}

// AuthorizeParams carries a /bc-authorize request's inputs.
type AuthorizeParams struct {
	ClientID             string
	LoginHint            string // email | phone | subject | username, per spec §4.9
	BindingMessage       string
	DeliveryMode         storage.DeliveryMode
	NotificationEndpoint string
	NotificationToken    string
	Scope                []string
	RequestedExpiry      time.Duration
}

// AuthorizeResult is the /bc-authorize response body.
type AuthorizeResult struct {
	AuthReqID string
	ExpiresIn int
	Interval  int
}

// Authorize validates the request, stores a pending CIBARequest, and
// notifies the user out-of-band (spec §4.9).
func (r *Runner) Authorize(ctx context.Context, p AuthorizeParams) (*AuthorizeResult, error) {
	if p.LoginHint == "" {
		return nil, aerrors.NewInvalidRequestError("login_hint is required", nil)
	}
	if len([]rune(p.BindingMessage)) > maxBindingMessage {
		return nil, aerrors.NewInvalidRequestError("binding_message exceeds 140 characters", nil)
	}

	expiry := p.RequestedExpiry
	if expiry <= 0 || expiry > defaultExpiry {
		expiry = defaultExpiry
	}

	authReqID := newOpaqueID()
	userCode, err := randomUserCode()
	if err != nil {
		return nil, aerrors.NewInternalError("failed to generate user_code", err)
	}

	req := storage.CIBARequest{
		AuthReqID:            authReqID,
		ClientID:             p.ClientID,
		Scope:                p.Scope,
		BindingMessage:       p.BindingMessage,
		UserCode:             userCode,
		LoginHint:            p.LoginHint,
		DeliveryMode:         p.DeliveryMode,
		Status:               storage.CIBAPending,
		MinPollInterval:      defaultInterval,
		CreatedAt:            time.Now(),
		ExpiresAt:            time.Now().Add(expiry),
		NotificationEndpoint: p.NotificationEndpoint,
		NotificationToken:    p.NotificationToken,
	}
	if err := r.requests.Put(ctx, req, expiry); err != nil {
		return nil, aerrors.NewStorageError("failed to persist ciba request", err)
	}

	if err := r.notifier.Send(ctx, notify.Message{
		Recipient: p.LoginHint,
		Subject:   "Approve sign-in request",
		Body:      fmt.Sprintf("%s\nCode: %s", p.BindingMessage, userCode),
	}); err != nil {
		r.events.Emit(ctx, events.Event{Name: "notification.delivery.failed", TenantID: r.tenantID, Data: map[string]any{"channel": "ciba"}})
	}

	r.events.Emit(ctx, events.Event{Name: "ciba.request.created", TenantID: r.tenantID, Data: map[string]any{"client_id": p.ClientID}})

	return &AuthorizeResult{
		AuthReqID: authReqID,
		ExpiresIn: int(expiry.Seconds()),
		Interval:  int(defaultInterval.Seconds()),
	}, nil
}

// Approve/Deny are invoked by the user-facing approval UI (driven by
// flow.NewCIBAMachine) once the resource owner acts on the out-of-band
// prompt. On approve in ping mode the client's notification endpoint is
// told to poll now; in push mode the token response is delivered to it
// immediately rather than waiting for the next poll (spec §4.9).
func (r *Runner) Approve(ctx context.Context, authReqID, subject string, issue func(req storage.CIBARequest) (map[string]any, error)) error {
	req, err := r.requests.Advance(ctx, authReqID, func(c *storage.CIBARequest) error {
		if c.Status != storage.CIBAPending {
			return aerrors.NewInvalidRequestError("ciba request is not pending", nil)
		}
		c.Status = storage.CIBAApproved
		c.Subject = subject
		return nil
	})
	if err != nil {
		return err
	}

	r.events.Emit(ctx, events.Event{Name: "ciba.request.approved", TenantID: r.tenantID, Data: map[string]any{"client_id": req.ClientID}})

	switch req.DeliveryMode {
	case storage.DeliveryPing:
		r.ping(ctx, *req)
	case storage.DeliveryPush:
		r.push(ctx, *req, issue)
	}
	return nil
}

func (r *Runner) Deny(ctx context.Context, authReqID string) error {
	_, err := r.requests.Advance(ctx, authReqID, func(c *storage.CIBARequest) error {
		c.Status = storage.CIBADenied
		return nil
	})
	if err == nil {
		r.events.Emit(ctx, events.Event{Name: "ciba.request.denied", TenantID: r.tenantID, Data: map[string]any{"auth_req_id": authReqID}})
	}
	return err
}

// ping notifies the client to re-poll immediately; failure is logged, not
// fatal, and the client may still poll on its own schedule (spec §9).
func (r *Runner) ping(ctx context.Context, req storage.CIBARequest) {
	if req.NotificationEndpoint == "" {
		return
	}
	body, _ := json.Marshal(map[string]string{"auth_req_id": req.AuthReqID})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.NotificationEndpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.NotificationToken)
	resp, err := r.client.Do(httpReq)
	if err != nil {
		r.events.Emit(ctx, events.Event{Name: "notification.delivery.failed", TenantID: r.tenantID, Data: map[string]any{"channel": "ciba_ping"}})
		return
	}
	resp.Body.Close()
}

// push delivers the token response directly to the client's notification
// endpoint; a subsequent /token poll for this auth_req_id must then return
// access_denied since the tokens were already handed off (spec §4.9).
func (r *Runner) push(ctx context.Context, req storage.CIBARequest, issue func(req storage.CIBARequest) (map[string]any, error)) {
	if req.NotificationEndpoint == "" || issue == nil {
		return
	}
	tokens, err := issue(req)
	if err != nil {
		return
	}
	_, _ = r.requests.Advance(ctx, req.AuthReqID, func(c *storage.CIBARequest) error {
		c.Status = storage.CIBAConsumed
		return nil
	})

	body, _ := json.Marshal(tokens)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.NotificationEndpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.NotificationToken)
	resp, err := r.client.Do(httpReq)
	if err != nil {
		r.events.Emit(ctx, events.Event{Name: "notification.delivery.failed", TenantID: r.tenantID, Data: map[string]any{"channel": "ciba_push"}})
		return
	}
	resp.Body.Close()
}

// Poll implements /token's CIBA grant polling discipline (spec §4.9,
// property #7, scenario S3): pending ⇒ authorization_pending; too-soon ⇒
// slow_down with min_poll_interval doubled (capped at 30s); approved ⇒
// atomic transition to consumed plus exactly-once token issuance.
func (r *Runner) Poll(ctx context.Context, authReqID string, issue func(req storage.CIBARequest) (map[string]any, error)) (map[string]any, error) {
	now := time.Now()

	slowDown := false
	req, err := r.requests.Advance(ctx, authReqID, func(c *storage.CIBARequest) error {
		slowDown = false
		if now.After(c.ExpiresAt) {
			c.Status = storage.CIBAExpired
		}
		if !c.LastPollAt.IsZero() && now.Sub(c.LastPollAt) < c.MinPollInterval {
			c.MinPollInterval = min(c.MinPollInterval*2, maxPollInterval)
			slowDown = true
			return nil
		}
		c.LastPollAt = now
		return nil
	})
	if err != nil {
		return nil, aerrors.NewInvalidGrantError("unknown or expired auth_req_id", err)
	}
	if slowDown {
		return nil, aerrors.NewSlowDownError("polled before min_poll_interval elapsed", nil)
	}

	switch req.Status {
	case storage.CIBAPending:
		return nil, aerrors.NewAuthorizationPendingError("end user has not yet responded", nil)
	case storage.CIBADenied:
		return nil, aerrors.NewAccessDeniedError("end user denied the request", nil)
	case storage.CIBAExpired:
		return nil, aerrors.NewExpiredTokenError("auth_req_id has expired", nil)
	case storage.CIBAConsumed:
		return nil, aerrors.NewAccessDeniedError("tokens were already delivered via push", nil)
	case storage.CIBAApproved:
		consumed, err := r.requests.Advance(ctx, authReqID, func(c *storage.CIBARequest) error {
			if c.Status != storage.CIBAApproved {
				return aerrors.NewAccessDeniedError("ciba request already consumed", nil)
			}
			c.Status = storage.CIBAConsumed
			return nil
		})
		if err != nil {
			return nil, err
		}
		tokens, err := issue(*consumed)
		if err != nil {
			return nil, err
		}
		return tokens, nil
	default:
		return nil, aerrors.NewInternalError("unknown ciba request status", nil)
	}
}

func randomUserCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, 8)
	for i, v := range b {
		out[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(out[:4]) + "-" + string(out[4:]), nil
}

func newOpaqueID() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "=")
}
