package model

import "strings"

// Capabilities checked by the access gate and the configuration endpoints.
const (
	CapabilityItemsForward = "items:forward"
	CapabilityItemsRework  = "items:rework"
	CapabilityItemsView    = "items:view"
	CapabilityStagesManage = "stages:manage"
)

// Workflow roles understood by the default policy.
const (
	RoleOwner  = "Owner"
	RoleWorker = "Worker"
)

// CapabilitySet holds granted capabilities. Besides exact names a grant may
// be "*" or a namespace wildcard such as "items:*".
type CapabilitySet map[string]bool

// Has reports whether cap is granted exactly or through a wildcard.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] || cs["*"] {
		return true
	}
	ns, _, ok := strings.Cut(cap, ":")
	return ok && cs[ns+":*"]
}

// Merge adds every grant of other to cs.
func (cs CapabilitySet) Merge(other CapabilitySet) {
	for c, granted := range other {
		if granted {
			cs[c] = true
		}
	}
}

// CapabilityResolver resolves, and may cache, the capabilities of a caller.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
	Invalidate(subjectID, organizationID string)
}

// PolicyEvaluator maps roles to capabilities.
type PolicyEvaluator interface {
	// ResolveCapabilities unions the grants of every role the caller holds.
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
	// RoleCapabilities returns the grants of a single role.
	RoleCapabilities(role string) CapabilitySet
}
