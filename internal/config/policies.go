// Package config loads the process-wide configuration: CLI flags, the
// policies.yaml registry, and the optional Sigstore verification file.
// Grounded on policy-server's config.rs (the PolicyOrPolicyGroup /
// PolicyGroupMember wire shapes) and cli.rs's flag set, both read from
// original_source since neither survived into the kept Go-relevant pack.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/kubewarden/policy-server/internal/policy"
)

// contextAwareResourceWire is the policies.yaml shape of one allowlisted
// Kubernetes resource: "{apiVersion, kind}".
type contextAwareResourceWire struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
}

func (w contextAwareResourceWire) resource() policy.ContextAwareResource {
	return policy.ContextAwareResource{APIVersion: w.APIVersion, Kind: w.Kind}
}

// entryPeek is unmarshaled first to decide whether a policies.yaml entry is
// a single policy or a policy group: the "policies" key only appears on a
// group, matching config.rs's untagged PolicyOrPolicyGroup enum.
type entryPeek struct {
	Policies json.RawMessage `json:"policies"`
}

func (p entryPeek) isGroup() bool {
	return len(p.Policies) > 0 && string(p.Policies) != "null"
}

type policyWire struct {
	Module string `json:"module"`
	// ExecutionMode, when set, overrides the mode the module declares in
	// its own metadata. Not present in config.rs; kept here because
	// evaluation.EnvironmentBuilder already supports per-policy overrides
	// and policies.yaml is the only place an operator could plausibly set
	// one.
	ExecutionMode         string                     `json:"executionMode,omitempty"`
	PolicyMode            string                     `json:"policyMode,omitempty"`
	AllowedToMutate       *bool                      `json:"allowedToMutate,omitempty"`
	Settings              json.RawMessage            `json:"settings,omitempty"`
	ContextAwareResources []contextAwareResourceWire `json:"contextAwareResources,omitempty"`
	Message               string                     `json:"message,omitempty"`
}

type groupMemberWire struct {
	Module                string                     `json:"module"`
	Settings              json.RawMessage            `json:"settings,omitempty"`
	ContextAwareResources []contextAwareResourceWire `json:"contextAwareResources,omitempty"`
}

type groupWire struct {
	PolicyMode string                     `json:"policyMode,omitempty"`
	Expression string                     `json:"expression"`
	Message    string                     `json:"message"`
	Policies   map[string]groupMemberWire `json:"policies"`
}

// LoadPolicies reads policies.yaml at path and returns its single-policy and
// policy-group entries, already validated against policy.NewID/NewMemberID's
// "no '/'" rule (config.rs's validate_policies, folded into ID parsing
// instead of a separate pass).
func LoadPolicies(path string) ([]policy.Definition, []policy.GroupDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading policies file %s: %w", path, err)
	}

	jsonRaw, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing policies file %s: %w", path, err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(jsonRaw, &entries); err != nil {
		return nil, nil, fmt.Errorf("parsing policies file %s: %w", path, err)
	}

	var definitions []policy.Definition
	var groups []policy.GroupDefinition
	for name, entryRaw := range entries {
		var peek entryPeek
		if err := json.Unmarshal(entryRaw, &peek); err != nil {
			return nil, nil, fmt.Errorf("policy %q: %w", name, err)
		}

		if peek.isGroup() {
			group, err := parseGroup(name, entryRaw)
			if err != nil {
				return nil, nil, fmt.Errorf("policy group %q: %w", name, err)
			}
			groups = append(groups, group)
			continue
		}

		def, err := parsePolicy(name, entryRaw)
		if err != nil {
			return nil, nil, fmt.Errorf("policy %q: %w", name, err)
		}
		definitions = append(definitions, def)
	}

	return definitions, groups, nil
}

func parsePolicy(name string, raw json.RawMessage) (policy.Definition, error) {
	var w policyWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return policy.Definition{}, err
	}
	if w.Module == "" {
		return policy.Definition{}, fmt.Errorf("missing module")
	}

	id, err := policy.NewID(name)
	if err != nil {
		return policy.Definition{}, err
	}
	module, err := policy.ParseModuleRef(w.Module)
	if err != nil {
		return policy.Definition{}, err
	}
	settings, err := policy.NewSettings(w.Settings)
	if err != nil {
		return policy.Definition{}, fmt.Errorf("settings: %w", err)
	}

	mode := policy.ModeProtect
	if w.PolicyMode != "" {
		mode = policy.Mode(w.PolicyMode)
	}
	allowedToMutate := w.AllowedToMutate != nil && *w.AllowedToMutate

	resources := make([]policy.ContextAwareResource, 0, len(w.ContextAwareResources))
	for _, r := range w.ContextAwareResources {
		resources = append(resources, r.resource())
	}

	return policy.Definition{
		ID:                    id,
		Module:                module,
		ExecutionModeOverride: policy.ExecutionMode(w.ExecutionMode),
		Evaluation: policy.EvaluationSettings{
			Mode:                   mode,
			AllowedToMutate:        allowedToMutate,
			Settings:               settings,
			CustomRejectionMessage: w.Message,
		},
		ContextAwareResources: policy.NewResourceAllowlist(resources),
	}, nil
}

func parseGroup(name string, raw json.RawMessage) (policy.GroupDefinition, error) {
	var w groupWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return policy.GroupDefinition{}, err
	}
	if w.Expression == "" {
		return policy.GroupDefinition{}, fmt.Errorf("missing expression")
	}

	id, err := policy.NewID(name)
	if err != nil {
		return policy.GroupDefinition{}, err
	}

	mode := policy.ModeProtect
	if w.PolicyMode != "" {
		mode = policy.Mode(w.PolicyMode)
	}

	members := make([]policy.GroupMember, 0, len(w.Policies))
	for memberName, memberWire := range w.Policies {
		if _, err := policy.NewMemberID(name, memberName); err != nil {
			return policy.GroupDefinition{}, err
		}
		if memberWire.Module == "" {
			return policy.GroupDefinition{}, fmt.Errorf("member %q: missing module", memberName)
		}

		module, err := policy.ParseModuleRef(memberWire.Module)
		if err != nil {
			return policy.GroupDefinition{}, fmt.Errorf("member %q: %w", memberName, err)
		}
		settings, err := policy.NewSettings(memberWire.Settings)
		if err != nil {
			return policy.GroupDefinition{}, fmt.Errorf("member %q settings: %w", memberName, err)
		}

		resources := make([]policy.ContextAwareResource, 0, len(memberWire.ContextAwareResources))
		for _, r := range memberWire.ContextAwareResources {
			resources = append(resources, r.resource())
		}

		members = append(members, policy.GroupMember{
			Name:                  memberName,
			Module:                module,
			Settings:              settings,
			ContextAwareResources: policy.NewResourceAllowlist(resources),
		})
	}

	return policy.GroupDefinition{
		ID:         id,
		Mode:       mode,
		Expression: w.Expression,
		Message:    w.Message,
		Members:    members,
	}, nil
}
