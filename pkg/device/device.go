// Package device implements the DeviceGrantRunner of spec.md §4.10: RFC
// 8628 device authorization, sharing CIBA's polling state discipline.
package device

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/aegisid/op/pkg/authserver/storage"
	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/events"
)

const (
	defaultExpiry   = 10 * time.Minute
	defaultInterval = 5 * time.Second
	maxPollInterval = 30 * time.Second
	// deviceCodeBytes yields a ≥128-bit random device code (spec §4.10).
	deviceCodeBytes = 32
)

// Runner implements DeviceGrantRunner.
type Runner struct {
	grants   *storage.DeviceGrantStore
	events   *events.Bus
	tenantID string
	issuer   string
}

func New(grants *storage.DeviceGrantStore, bus *events.Bus, tenantID, issuer string) *Runner {
	return &Runner{grants: grants, events: bus, tenantID: tenantID, issuer: issuer}
}

// AuthorizeResult is the RFC 8628 §3.2 device_authorization_response.
type AuthorizeResult struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int
	Interval                int
}

// Authorize stores a new pending DeviceGrant and returns the codes the
// client displays to the user.
func (r *Runner) Authorize(ctx context.Context, clientID string, scope []string) (*AuthorizeResult, error) {
	deviceCode, err := randomDeviceCode()
	if err != nil {
		return nil, aerrors.NewInternalError("failed to generate device_code", err)
	}
	userCode, err := randomUserCode()
	if err != nil {
		return nil, aerrors.NewInternalError("failed to generate user_code", err)
	}

	g := storage.DeviceGrant{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		ClientID:        clientID,
		Scope:           scope,
		Status:          storage.CIBAPending,
		MinPollInterval: defaultInterval,
		ExpiresAt:       time.Now().Add(defaultExpiry),
	}
	if err := r.grants.Put(ctx, g, defaultExpiry); err != nil {
		return nil, aerrors.NewStorageError("failed to persist device grant", err)
	}

	r.events.Emit(ctx, events.Event{Name: "device.grant.created", TenantID: r.tenantID, Data: map[string]any{"client_id": clientID}})

	verificationURI := r.issuer + "/device"
	return &AuthorizeResult{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + userCode,
		ExpiresIn:               int(defaultExpiry.Seconds()),
		Interval:                int(defaultInterval.Seconds()),
	}, nil
}

// Approve/Deny are invoked by the user-facing approval page once the
// resource owner acts on the displayed user_code (flow.NewDeviceMachine).
func (r *Runner) Approve(ctx context.Context, userCode, subject string) error {
	g, ok := r.grants.GetByUserCode(userCode)
	if !ok {
		return aerrors.NewChallengeNotFoundError("unknown user_code", nil)
	}
	_, err := r.grants.Advance(ctx, g.DeviceCode, func(c *storage.DeviceGrant) error {
		if c.Status != storage.CIBAPending {
			return aerrors.NewInvalidRequestError("device grant is not pending", nil)
		}
		c.Status = storage.CIBAApproved
		c.Subject = subject
		return nil
	})
	if err == nil {
		r.events.Emit(ctx, events.Event{Name: "device.grant.approved", TenantID: r.tenantID, Data: map[string]any{"client_id": g.ClientID}})
	}
	return err
}

func (r *Runner) Deny(ctx context.Context, userCode string) error {
	g, ok := r.grants.GetByUserCode(userCode)
	if !ok {
		return aerrors.NewChallengeNotFoundError("unknown user_code", nil)
	}
	_, err := r.grants.Advance(ctx, g.DeviceCode, func(c *storage.DeviceGrant) error {
		c.Status = storage.CIBADenied
		return nil
	})
	return err
}

// Poll implements /token's device_code grant polling discipline, the same
// slow_down/doubling behavior as CIBARunner.Poll (spec §4.10).
func (r *Runner) Poll(ctx context.Context, deviceCode string, issue func(g storage.DeviceGrant) (map[string]any, error)) (map[string]any, error) {
	now := time.Now()

	slowDown := false
	g, err := r.grants.Advance(ctx, deviceCode, func(c *storage.DeviceGrant) error {
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
		return nil, aerrors.NewInvalidGrantError("unknown or expired device_code", err)
	}
	if slowDown {
		return nil, aerrors.NewSlowDownError("polled before min_poll_interval elapsed", nil)
	}

	switch g.Status {
	case storage.CIBAPending:
		return nil, aerrors.NewAuthorizationPendingError("user has not yet approved the device", nil)
	case storage.CIBADenied:
		return nil, aerrors.NewAccessDeniedError("user denied the device", nil)
	case storage.CIBAExpired:
		return nil, aerrors.NewExpiredTokenError("device_code has expired", nil)
	case storage.CIBAConsumed:
		return nil, aerrors.NewInvalidGrantError("device_code already redeemed", nil)
	case storage.CIBAApproved:
		consumed, err := r.grants.Advance(ctx, deviceCode, func(c *storage.DeviceGrant) error {
			if c.Status != storage.CIBAApproved {
				return aerrors.NewInvalidGrantError("device_code already redeemed", nil)
			}
			c.Status = storage.CIBAConsumed
			return nil
		})
		if err != nil {
			return nil, err
		}
		return issue(*consumed)
	default:
		return nil, aerrors.NewInternalError("unknown device grant status", nil)
	}
}

// randomUserCode produces an 8-char base32 code (Crockford alphabet,
// ambiguous characters excluded) split by a separator, per spec §4.10.
func randomUserCode() (string, error) {
	const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
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

func randomDeviceCode() (string, error) {
	b := make([]byte, deviceCodeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "="), nil
}
