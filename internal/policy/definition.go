package policy

// EvaluationSettings bundles the per-policy knobs the Evaluation Environment
// needs at request time: how the verdict should be post-processed, and what
// settings to hand the guest.
type EvaluationSettings struct {
	Mode                   Mode
	AllowedToMutate        bool
	Settings               Settings
	CustomRejectionMessage string
}

// Definition is a single (non-group) policy as parsed from policies.yaml.
type Definition struct {
	ID                    ID
	Module                ModuleRef
	ExecutionModeOverride ExecutionMode // "" if not overridden
	Evaluation            EvaluationSettings
	ContextAwareResources ResourceAllowlist
}

// GroupMember is one member policy of a policy group.
type GroupMember struct {
	Name                  string
	Module                ModuleRef
	Settings              Settings
	ContextAwareResources ResourceAllowlist
}

// GroupDefinition is a policy group as parsed from policies.yaml: a boolean
// expression over its members' verdicts.
type GroupDefinition struct {
	ID         ID
	Mode       Mode
	Expression string
	Message    string
	Members    []GroupMember
}
