package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/matterflow/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// DefaultPolicy grants platform capabilities by role scope name. It is used
// when no policy file is configured.
var DefaultPolicy = map[string][]string{
	string(model.RoleAdmin): {"workflow:*"},
	string(model.RoleLawyer): {
		model.CapTemplateRead, model.CapTemplateWrite,
		model.CapInstanceCreate, model.CapInstanceRead, model.CapInstanceManage,
		model.CapStepAct, model.CapNotificationRead,
	},
	string(model.RoleParalegal): {
		model.CapTemplateRead, model.CapInstanceCreate, model.CapInstanceRead,
		model.CapStepAct, model.CapNotificationRead,
	},
	string(model.RoleClient): {model.CapInstanceRead, model.CapStepAct},
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file
// mapping roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from
// path. An empty path uses DefaultPolicy.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, c := range e.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		e.mu.Lock()
		e.policy = policyFile{Roles: DefaultPolicy}
		e.mu.Unlock()
		return nil
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
