package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cedar-policy/cedar-go"

	aerrors "github.com/aegisid/op/pkg/errors"
)

// candidateFlowNodes is the full set of FlowEngine nodes a policy might
// grant; Resolve filters this list down to the palette a given
// tenant/client pair is permitted to reach (spec §4.6's "policy-aware
// filter").
var candidateFlowNodes = []string{
	"needsLogin", "needsReauth", "needsConsent", "passkey", "emailCode",
	"externalIdp", "did", "issuingCode",
}

// Resolver composes tenant and client contracts into ResolvedPolicy,
// using a Cedar policy set to decide which FlowEngine nodes a given
// tenant/client pair may reach — the capability union of spec §4.5 step 5
// expressed declaratively instead of hand-rolled boolean intersection.
type Resolver struct {
	policies *cedar.PolicySet
	hmacKey  []byte
}

// NewResolver compiles the given Cedar policy source (capability grants
// keyed on tenant/client entity attributes) and binds the HMAC key used
// to derive ResolutionID.
func NewResolver(policySource string, hmacKey []byte) (*Resolver, error) {
	ps, err := cedar.NewPolicySetFromBytes("policy.cedar", []byte(policySource))
	if err != nil {
		return nil, aerrors.NewInternalError("failed to parse cedar policy set", err)
	}
	return &Resolver{policies: ps, hmacKey: hmacKey}, nil
}

// Resolve computes a ResolvedPolicy per spec §4.5: version match check,
// intersection of algorithms/scopes/response-types, minimum TTLs, maximum
// security tier, union of capabilities, and a stable resolutionId.
func (r *Resolver) Resolve(tenant TenantContract, client ClientContract) (*ResolvedPolicy, error) {
	if client.TenantContractVersion != tenant.Version {
		return nil, aerrors.NewPolicyStaleError("client contract references a stale tenant contract version", nil)
	}

	algorithms := intersect(tenant.AllowedAlgorithms, client.Algorithms)
	scopes := intersect(tenant.AllowedScopes, client.Scopes)
	responseTypes := intersect(tenant.AllowedResponseTypes, client.ResponseTypes)

	accessTTL := minDuration(tenant.AccessTokenTTL, client.AccessTokenTTL)
	idTTL := minDuration(tenant.IDTokenTTL, client.IDTokenTTL)
	refreshTTL := minDuration(tenant.RefreshTokenTTL, client.RefreshTokenTTL)

	tier := tenant.SecurityTier
	requireMFA := tenant.RequireMFA
	requirePKCE := tenant.RequirePKCE || client.Public

	nodes := r.allowedFlowNodes(tenant, client)

	resolved := &ResolvedPolicy{
		ResolvedAt:           time.Now(),
		AllowedScopes:        scopes,
		AllowedAlgorithms:    algorithms,
		AllowedResponseTypes: responseTypes,
		AccessTokenTTL:       accessTTL,
		IDTokenTTL:           idTTL,
		RefreshTokenTTL:      refreshTTL,
		RequireMFA:           requireMFA,
		RequirePKCE:          requirePKCE,
		SecurityTier:         tier,
		FlowNodes:            nodes,
		ConsentRequired:      client.ConsentRequired,
	}
	resolved.ResolutionID = r.resolutionID(tenant, client, resolved)

	return resolved, nil
}

// allowedFlowNodes asks the Cedar policy set, for each candidate node,
// whether principal=Client may reach action=EnterFlowNode on
// resource=FlowNode::<name>, given tenant/client entity attributes.
func (r *Resolver) allowedFlowNodes(tenant TenantContract, client ClientContract) []string {
	entities := cedar.EntityMap{}

	clientUID := cedar.NewEntityUID("Client", cedar.String(client.ClientID))
	entities[clientUID] = cedar.Entity{
		UID: clientUID,
		Attributes: cedar.NewRecord(cedar.RecordMap{
			"public":          cedar.Boolean(client.Public),
			"consentRequired": cedar.Boolean(client.ConsentRequired),
			"tenantId":        cedar.String(tenant.TenantID),
			"requireMFA":      cedar.Boolean(tenant.RequireMFA),
		}),
	}

	var allowed []string
	for _, node := range candidateFlowNodes {
		resourceUID := cedar.NewEntityUID("FlowNode", cedar.String(node))
		entities[resourceUID] = cedar.Entity{UID: resourceUID}

		ok, _ := r.policies.IsAuthorized(entities, cedar.Request{
			Principal: clientUID,
			Action:    cedar.NewEntityUID("Action", "enter_flow_node"),
			Resource:  resourceUID,
		})
		if ok == cedar.Allow {
			allowed = append(allowed, node)
		}
	}
	sort.Strings(allowed)
	return allowed
}

func (r *Resolver) resolutionID(tenant TenantContract, client ClientContract, resolved *ResolvedPolicy) string {
	canonical := fmt.Sprintf("%d|%d|%s|%s|%s|%v|%v",
		tenant.Version, client.Version,
		strings.Join(resolved.AllowedScopes, ","),
		strings.Join(resolved.AllowedAlgorithms, ","),
		strings.Join(resolved.FlowNodes, ","),
		resolved.RequireMFA, resolved.RequirePKCE,
	)
	mac := hmac.New(sha256.New, r.hmacKey)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	var out []string
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
