package capability

import (
	"strings"

	"github.com/pitabwire/stagetrack/model"
)

// operationCapabilities maps move operations to the capability they need.
var operationCapabilities = map[string]string{
	model.OperationForward:   model.CapabilityItemsForward,
	model.OperationForwardTo: model.CapabilityItemsForward,
	model.OperationRework:    model.CapabilityItemsRework,
}

// Gate decides whether a caller may perform an operation. A caller holding
// several roles is allowed when any of them is.
type Gate struct {
	evaluator model.PolicyEvaluator
	resolver  model.CapabilityResolver
}

// NewGate creates a gate over evaluator. Request checks go through resolver
// when it is non-nil.
func NewGate(evaluator model.PolicyEvaluator, resolver model.CapabilityResolver) *Gate {
	return &Gate{evaluator: evaluator, resolver: resolver}
}

// CanForward reports whether role may move items forward.
func (g *Gate) CanForward(role string) bool {
	return g.evaluator.RoleCapabilities(role).Has(model.CapabilityItemsForward)
}

// CanRework reports whether role may send items back for rework.
func (g *Gate) CanRework(role string) bool {
	return g.evaluator.RoleCapabilities(role).Has(model.CapabilityItemsRework)
}

// Authorize returns FORBIDDEN unless one of the caller's roles permits the
// operation. An unknown operation is never permitted.
func (g *Gate) Authorize(rctx *model.RequestContext, operation string) error {
	capability, ok := operationCapabilities[operation]
	if !ok {
		return model.Errorf(model.ErrForbidden, "operation %q is not permitted", operation)
	}
	if err := g.Require(rctx, capability); err != nil {
		if model.CodeOf(err) != model.ErrForbidden {
			return err
		}
		return model.Errorf(model.ErrForbidden, "roles [%s] may not perform %s", strings.Join(rctx.Roles, ", "), operation)
	}
	return nil
}

// Require returns FORBIDDEN unless the caller holds capability.
func (g *Gate) Require(rctx *model.RequestContext, capability string) error {
	caps, err := g.resolve(rctx)
	if err != nil {
		return err
	}
	if !caps.Has(capability) {
		return model.Errorf(model.ErrForbidden, "missing capability %s", capability)
	}
	return nil
}

func (g *Gate) resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if g.resolver != nil {
		return g.resolver.Resolve(rctx)
	}
	return g.evaluator.ResolveCapabilities(rctx)
}
