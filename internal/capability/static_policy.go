package capability

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stagetrack/model"
)

// knownNamespaces are the capability namespaces a policy may grant.
var knownNamespaces = map[string]bool{"items": true, "stages": true}

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// DefaultPolicy is the built-in role mapping: Owners may do everything,
// Workers may view and forward items.
func DefaultPolicy() map[string][]string {
	return map[string][]string{
		model.RoleOwner: {
			model.CapabilityItemsForward,
			model.CapabilityItemsRework,
			model.CapabilityItemsView,
			model.CapabilityStagesManage,
		},
		model.RoleWorker: {
			model.CapabilityItemsForward,
			model.CapabilityItemsView,
		},
	}
}

// StaticPolicyEvaluator grants capabilities from a fixed role mapping,
// either built in or read from a YAML file. Reload swaps the mapping
// atomically; in-flight lookups keep the mapping they started with.
type StaticPolicyEvaluator struct {
	path  string
	roles atomic.Pointer[map[string]model.CapabilitySet]
}

// NewStaticPolicyEvaluator loads the policy at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewDefaultPolicyEvaluator returns an evaluator over DefaultPolicy.
func NewDefaultPolicyEvaluator() *StaticPolicyEvaluator {
	e := &StaticPolicyEvaluator{}
	roles, err := compilePolicy(DefaultPolicy())
	if err != nil {
		panic("capability: built-in policy is invalid: " + err.Error())
	}
	e.roles.Store(&roles)
	return e
}

// ResolveCapabilities unions the grants of every role the caller holds.
// Unknown roles grant nothing.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	roles := *e.roles.Load()
	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		caps.Merge(roles[role])
	}
	return caps, nil
}

// RoleCapabilities returns a copy of the grants of role.
func (e *StaticPolicyEvaluator) RoleCapabilities(role string) model.CapabilitySet {
	caps := make(model.CapabilitySet)
	caps.Merge((*e.roles.Load())[role])
	return caps
}

// Reload rereads the policy file. On error the current mapping stays in
// force. Evaluators without a file keep the built-in policy.
func (e *StaticPolicyEvaluator) Reload() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	roles, err := compilePolicy(pf.Roles)
	if err != nil {
		return fmt.Errorf("capability: policy file %s: %w", e.path, err)
	}
	e.roles.Store(&roles)
	return nil
}

// Roles lists the roles the current policy knows.
func (e *StaticPolicyEvaluator) Roles() []string {
	return slices.Sorted(maps.Keys(*e.roles.Load()))
}

func compilePolicy(raw map[string][]string) (map[string]model.CapabilitySet, error) {
	if len(raw) == 0 {
		return nil, errors.New("no roles defined")
	}
	roles := make(map[string]model.CapabilitySet, len(raw))
	var errs []error
	for role, grants := range raw {
		set := make(model.CapabilitySet, len(grants))
		for _, g := range grants {
			if err := checkGrant(g); err != nil {
				errs = append(errs, fmt.Errorf("role %s: %w", role, err))
				continue
			}
			set[g] = true
		}
		roles[role] = set
	}
	return roles, errors.Join(errs...)
}

func checkGrant(grant string) error {
	if grant == "*" {
		return nil
	}
	ns, action, ok := strings.Cut(grant, ":")
	if !ok || action == "" || !knownNamespaces[ns] {
		return fmt.Errorf("unknown capability %q", grant)
	}
	return nil
}
