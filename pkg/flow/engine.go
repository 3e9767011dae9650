// Package flow implements the FlowEngine of spec.md §4.6: a hierarchical
// state machine that emits a UI Contract for every state and accepts
// typed events to transition. No machine instance ever computes an
// authorization decision itself — every guard reads precomputed data
// placed in the Context by ConsentService/PolicyResolver, never raw
// policy documents.
package flow

import "fmt"

// Intent is the stable semantic label UI clients branch on. State is an
// implementation detail free to be renamed; Intent is not.
type Intent string

const (
	IntentValidating     Intent = "validating"
	IntentCheckingSession Intent = "checkingSession"
	IntentNeedsLogin     Intent = "needsLogin"
	IntentNeedsReauth    Intent = "needsReauth"
	IntentCheckingConsent Intent = "checkingConsent"
	IntentNeedsConsent   Intent = "needsConsent"
	IntentIssuingCode    Intent = "issuingCode"
	IntentIdentifyingUser Intent = "identifyingUser"
	IntentSelectingMethod Intent = "selectingMethod"
	IntentPasskey        Intent = "passkey"
	IntentEmailCode      Intent = "emailCode"
	IntentExternalIdp    Intent = "externalIdp"
	IntentDID            Intent = "did"
	IntentAuthenticated  Intent = "authenticated"
	IntentComplete       Intent = "complete"
	IntentError          Intent = "error"
)

// EventType names the typed events a Machine accepts. Guards read only
// Context, never the event payload's semantic meaning beyond routing.
type EventType string

const (
	EventSubmit     EventType = "SUBMIT"
	EventUsePasskey EventType = "USE_PASSKEY"
	EventApprove    EventType = "APPROVE"
	EventDeny       EventType = "DENY"
	EventCancel     EventType = "CANCEL"
	EventBack       EventType = "BACK"
	EventConfirm    EventType = "CONFIRM"
	EventResendCode EventType = "RESEND_CODE"
)

// Event is a typed input to a Machine.
type Event struct {
	Type EventType
	Data map[string]any
}

// UIContract is the shape the FlowEngine emits for every state (spec
// §4.6). Capabilities are always a subset of Context.Palette; emitting
// one outside the palette is a hard bug the engine refuses to commit.
type UIContract struct {
	Version      int
	State        string
	Intent       Intent
	Stability    string // "stable" | "transitional"
	Features     Features
	Capabilities []Capability
	Context      ContextBlock
	Actions      Actions
}

// Features carries the resolved-policy-derived settings a UI needs to
// render without re-deriving them from raw contracts.
type Features struct {
	PolicyResolutionID string
	Targets            []string
	AuthMethods         []string
}

// Capability is one interactive affordance the current state offers.
type Capability struct {
	Type       string
	ID         string
	Required   bool
	Hints      map[string]any
	Validation map[string]any
}

// ContextBlock is optional presentation/error context.
type ContextBlock struct {
	Branding map[string]any
	Client   map[string]any
	User     map[string]any
	Error    string
}

// Actions names the primary and secondary next steps a UI should offer.
type Actions struct {
	Primary   string
	Secondary []string
}

// Context is the data available to guards and to UI Contract assembly.
// Guards must reference only fields here — never re-derive a permission
// decision from raw tenant/client contracts.
type Context struct {
	ChallengeID      string
	ResolvedPolicyID string
	Palette          []string // ResolvedPolicy.FlowNodes
	Data             map[string]any
}

func (c *Context) inPalette(intent Intent) bool {
	for _, p := range c.Palette {
		if p == string(intent) {
			return true
		}
	}
	return false
}

// Guard inspects Context (never raw policy) to decide whether a
// candidate transition may fire.
type Guard func(ctx *Context) bool

type transition struct {
	target Intent
	guard  Guard
}

// capabilityIntents are the intents that correspond to an interactive
// capability node drawn from the policy palette; terminal/administrative
// intents (validating, checkingSession, complete, error, ...) are always
// reachable regardless of palette since they carry no capability.
var capabilityIntents = map[Intent]bool{
	IntentNeedsConsent: true,
	IntentPasskey:       true,
	IntentEmailCode:     true,
	IntentExternalIdp:   true,
	IntentDID:           true,
	IntentIssuingCode:   true,
}

// PersistFunc durably records a state transition before Send returns,
// satisfying spec §4.6 invariant (2).
type PersistFunc func(state string) error

// Machine is a named hierarchical state machine. Transitions are keyed
// by the current state and event type; multiple candidates for the same
// (state, event) are tried in order and the first whose guard passes (or
// which has no guard) wins.
type Machine struct {
	Name        string
	state       Intent
	transitions map[Intent]map[EventType][]transition
	persist     PersistFunc
}

// NewMachine constructs an empty Machine in the given initial state.
func NewMachine(name string, initial Intent, persist PersistFunc) *Machine {
	return &Machine{
		Name:        name,
		state:       initial,
		transitions: make(map[Intent]map[EventType][]transition),
		persist:     persist,
	}
}

// On registers a candidate transition from `from` on event `ev` to
// `target`, gated by guard (nil guard always passes).
func (m *Machine) On(from Intent, ev EventType, target Intent, guard Guard) *Machine {
	if m.transitions[from] == nil {
		m.transitions[from] = make(map[EventType][]transition)
	}
	m.transitions[from][ev] = append(m.transitions[from][ev], transition{target: target, guard: guard})
	return m
}

// State returns the machine's current state.
func (m *Machine) State() Intent { return m.state }

// Send applies an event against the current state. On success the
// machine's state advances, the transition is durably persisted, and a
// UI Contract for the new state is returned. Committing a transition
// into a capability-bearing state not present in ctx.Palette is refused
// — spec §4.6: "any capability outside the palette is a hard bug."
func (m *Machine) Send(ctx *Context, ev Event) (*UIContract, error) {
	perState, ok := m.transitions[m.state]
	if !ok {
		return nil, fmt.Errorf("flow %s: no transitions defined from state %q", m.Name, m.state)
	}
	candidates, ok := perState[ev.Type]
	if !ok {
		return nil, fmt.Errorf("flow %s: event %q not valid in state %q", m.Name, ev.Type, m.state)
	}

	for _, c := range candidates {
		if c.guard != nil && !c.guard(ctx) {
			continue
		}
		if capabilityIntents[c.target] && !ctx.inPalette(c.target) {
			return nil, fmt.Errorf("flow %s: target state %q is not in the resolved policy palette", m.Name, c.target)
		}
		m.state = c.target
		if m.persist != nil {
			if err := m.persist(string(m.state)); err != nil {
				return nil, fmt.Errorf("flow %s: failed to persist transition to %q: %w", m.Name, m.state, err)
			}
		}
		return m.emit(ctx), nil
	}

	return nil, fmt.Errorf("flow %s: no guard passed for event %q in state %q", m.Name, ev.Type, m.state)
}

// emit assembles the UI Contract for the current state. Stability is
// "stable" for terminal states (complete, error, authenticated) and
// "transitional" otherwise — clients may cache a stable contract across
// reconnects but must re-fetch a transitional one.
func (m *Machine) emit(ctx *Context) *UIContract {
	stability := "transitional"
	switch m.state {
	case IntentComplete, IntentError, IntentAuthenticated:
		stability = "stable"
	}

	return &UIContract{
		Version:   1,
		State:     string(m.state),
		Intent:    m.state,
		Stability: stability,
		Features: Features{
			PolicyResolutionID: ctx.ResolvedPolicyID,
			Targets:            ctx.Palette,
		},
		Capabilities: capabilitiesFor(m.state, ctx),
		Actions:      actionsFor(m.state),
	}
}

// capabilitiesFor returns the UI affordances offered at a given state.
// Only states with a single, well-known interactive capability are
// populated here; richer per-method capability lists (e.g. WebAuthn
// options) are attached by PasswordlessVerifier before the contract is
// returned to the transport layer.
func capabilitiesFor(state Intent, _ *Context) []Capability {
	switch state {
	case IntentPasskey:
		return []Capability{{Type: "webauthn", ID: "passkey", Required: true}}
	case IntentEmailCode:
		return []Capability{{Type: "otp", ID: "email_code", Required: true}}
	case IntentNeedsConsent:
		return []Capability{{Type: "consent", ID: "scope_grant", Required: true}}
	case IntentExternalIdp:
		return []Capability{{Type: "redirect", ID: "external_idp", Required: true}}
	case IntentDID:
		return []Capability{{Type: "did", ID: "did_auth", Required: true}}
	default:
		return nil
	}
}

func actionsFor(state Intent) Actions {
	switch state {
	case IntentError:
		return Actions{Primary: "retry", Secondary: []string{"cancel"}}
	case IntentComplete, IntentAuthenticated:
		return Actions{Primary: "continue"}
	default:
		return Actions{Primary: "submit", Secondary: []string{"cancel", "back"}}
	}
}
