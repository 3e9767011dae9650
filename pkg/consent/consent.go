// Package consent implements the ConsentService named in spec.md §4 (the
// component table) and driven by flow.NewConsentMachine: materializing a
// resource owner's prior grants, computing the delta a new request still
// needs, and recording new approvals.
package consent

import (
	"context"
	"sort"
	"time"

	"github.com/aegisid/op/pkg/authserver/storage"
	aerrors "github.com/aegisid/op/pkg/errors"
	"github.com/aegisid/op/pkg/flow"
	"github.com/aegisid/op/pkg/logger"
)

// Store is the narrow persistence contract ConsentService needs. The
// in-memory implementation lives in storage.ConsentStore; Service reaches
// persistence only through these two methods.
type Store interface {
	Get(ctx context.Context, userID, clientID string) (*storage.Consent, bool)
	Put(ctx context.Context, c storage.Consent) error
}

// Service computes effective consent state for a (user, client, scope)
// triple and records resource-owner decisions. It never decides whether
// consent is *required* — that is ResolvedPolicy.ConsentRequired, already
// folded into the FlowEngine palette by the time ConsentService runs.
type Service struct {
	store   Store
	machine *flow.Machine
}

// New builds a ConsentService over store. It builds no ConsentMachine:
// Record creates a fresh one on every call, since consent decisions are
// independent of any other flow's state.
func New(store Store) *Service {
	return &Service{store: store}
}

// Decision is the resource owner's response to a consent prompt.
type Decision struct {
	UserID        string
	ClientID      string
	RequestedScope []string
	Approved      bool
}

// MissingScopes returns the subset of requested that the user has not
// already granted to client — the delta a consent prompt must show. An
// empty result means the existing grant already covers the request and
// the FlowEngine may skip straight to issuingCode.
func (s *Service) MissingScopes(ctx context.Context, userID, clientID string, requested []string) []string {
	existing, ok := s.store.Get(ctx, userID, clientID)
	if !ok || existing.Revoked {
		return requested
	}
	granted := make(map[string]bool, len(existing.GrantedScopes))
	for _, sc := range existing.GrantedScopes {
		granted[sc] = true
	}
	var missing []string
	for _, sc := range requested {
		if !granted[sc] {
			missing = append(missing, sc)
		}
	}
	return missing
}

// Record persists a resource owner's decision, unioning approved scopes
// into any existing grant. A denial does not erase a prior grant; it
// simply fails the current flow (spec §4.6 ConsentMachine EventDeny ->
// IntentError) without touching stored state.
func (s *Service) Record(ctx context.Context, d Decision) (*flow.UIContract, error) {
	m := flow.NewConsentMachine(nil)
	ctx2 := &flow.Context{Palette: []string{"needsConsent"}, Data: map[string]any{}}

	ev := flow.Event{Type: flow.EventDeny}
	if d.Approved {
		ev = flow.Event{Type: flow.EventApprove}
	}

	contract, err := m.Send(ctx2, ev)
	if err != nil {
		return nil, err
	}
	if !d.Approved {
		logger.Infow("consent denied", "user", d.UserID, "client", d.ClientID)
		return contract, nil
	}

	existing, ok := s.store.Get(ctx, d.UserID, d.ClientID)
	scopes := d.RequestedScope
	if ok && !existing.Revoked {
		scopes = union(existing.GrantedScopes, d.RequestedScope)
	}

	if err := s.store.Put(ctx, storage.Consent{
		UserID:        d.UserID,
		ClientID:      d.ClientID,
		GrantedScopes: scopes,
		GrantedAt:     time.Now(),
	}); err != nil {
		return nil, aerrors.NewStorageError("failed to persist consent", err)
	}
	return contract, nil
}

func union(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		set[v] = true
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
