package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/engine"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/policygroup"
)

// moduleFetcher reads a policy's compiled Wasm bytes given its module
// reference, already resolved to a local path by the Module Store. Kept as
// a narrow function type (rather than depending on the whole store/fetch
// stack) so bootstrap tests can inject canned bytes.
type moduleFetcher func(ref policy.ModuleRef) ([]byte, error)

// ReadFile builds a moduleFetcher that reads an already-downloaded module
// off disk at the path the Module Store resolved it to.
func ReadFile(resolve func(policy.ModuleRef) (string, error)) moduleFetcher {
	return func(ref policy.ModuleRef) ([]byte, error) {
		path, err := resolve(ref)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}
}

// policyEntry is everything the Environment's runtime-contract queries need
// for one registered (non-member) policy.
type policyEntry struct {
	evaluator  Evaluator
	evaluation policy.EvaluationSettings
}

// groupEntry is a registered policy group: its composer plus the evaluators
// for every member, keyed by member name.
type groupEntry struct {
	mode           policy.Mode
	message        string
	composer       *policygroup.Composer
	members        map[string]Evaluator
	memberSettings map[string]policy.Settings
}

// InitializationError records why one policy or group failed to bootstrap.
// Grounded on evaluation_environment.rs's policy_initialization_errors map:
// a failure there does not necessarily abort the whole process, depending
// on the continue-on-errors setting.
type InitializationError struct {
	PolicyID policy.ID
	Err      error
}

func (e InitializationError) Error() string {
	return fmt.Sprintf("policy %s: %v", e.PolicyID, e.Err)
}

// Environment is the bootstrap-built, immutable snapshot of every policy
// and policy group this process can evaluate: which Wasm module backs each
// one, how its verdict should be post-processed, and what it is allowed to
// query. Grounded on evaluation_environment.rs's EvaluationEnvironment.
type Environment struct {
	mu sync.RWMutex

	table  *engine.Table
	bus    callback.Bus
	logger *slog.Logger

	policies  map[string]policyEntry
	groups    map[string]groupEntry
	errors    []InitializationError
	errorByID map[string]InitializationError

	// alwaysAcceptNamespace is the namespace (if any) where every request
	// is accepted without consulting any policy, used to keep user
	// policies from ever blocking the Kubewarden stack's own namespace.
	alwaysAcceptNamespace string
}

// EnvironmentBuilder constructs an Environment from a set of policy and
// group definitions. Grounded on EvaluationEnvironmentBuilder's with_*
// methods and build_evaluation_environment.
type EnvironmentBuilder struct {
	Runtime         wazero.Runtime
	Table           *engine.Table
	Bus             callback.Bus
	Logger          *slog.Logger
	Fetch           moduleFetcher
	ContinueOnError bool

	// AlwaysAcceptNamespace, when non-empty, makes Environment.ShouldAccept
	// report true for every request in that namespace before any policy
	// runs.
	AlwaysAcceptNamespace string

	Policies []policy.Definition
	Groups   []policy.GroupDefinition
}

// Build compiles and registers every configured policy and group. When
// ContinueOnError is false, the first bootstrap failure aborts the whole
// build; when true, failures are recorded in Environment.Errors and every
// query about that policy returns its recorded InitializationError (not
// ErrPolicyNotFound), matching policy_initialization_errors.
func (b EnvironmentBuilder) Build(ctx context.Context) (*Environment, error) {
	if b.Logger == nil {
		b.Logger = slog.Default()
	}

	env := &Environment{
		table:                 b.Table,
		bus:                   b.Bus,
		logger:                b.Logger,
		policies:              make(map[string]policyEntry),
		groups:                make(map[string]groupEntry),
		errorByID:             make(map[string]InitializationError),
		alwaysAcceptNamespace: b.AlwaysAcceptNamespace,
	}

	for _, def := range b.Policies {
		evaluator, err := b.bootstrapOne(ctx, env, def.ID, def.Module, def.ExecutionModeOverride, def.ContextAwareResources, def.Evaluation.Settings)
		if err != nil {
			if !b.ContinueOnError {
				return nil, InitializationError{PolicyID: def.ID, Err: err}
			}
			initErr := InitializationError{PolicyID: def.ID, Err: err}
			env.errors = append(env.errors, initErr)
			env.errorByID[def.ID.String()] = initErr
			continue
		}
		env.policies[def.ID.String()] = policyEntry{evaluator: evaluator, evaluation: def.Evaluation}
	}

	for _, group := range b.Groups {
		if err := b.bootstrapGroup(ctx, env, group); err != nil {
			if !b.ContinueOnError {
				return nil, InitializationError{PolicyID: group.ID, Err: err}
			}
			initErr := InitializationError{PolicyID: group.ID, Err: err}
			env.errors = append(env.errors, initErr)
			env.errorByID[group.ID.String()] = initErr
		}
	}

	return env, nil
}

func (b EnvironmentBuilder) bootstrapOne(ctx context.Context, env *Environment, id policy.ID, ref policy.ModuleRef, override policy.ExecutionMode, allowlist policy.ResourceAllowlist, settings policy.Settings) (Evaluator, error) {
	raw, err := b.Fetch(ref)
	if err != nil {
		return Evaluator{}, fmt.Errorf("fetching module: %w", err)
	}

	digest := engine.ComputeDigest(raw)
	var precompiled *engine.Precompiled
	if existing, ok := b.Table.Lookup(digest); ok {
		precompiled = existing
	} else {
		compiled, err := b.Runtime.CompileModule(ctx, raw)
		if err != nil {
			return Evaluator{}, fmt.Errorf("compiling module: %w", err)
		}
		mode, err := engine.ResolveExecutionMode("", override, compiled)
		if err != nil {
			compiled.Close(ctx)
			return Evaluator{}, err
		}
		precompiled, err = b.Table.Compile(ctx, raw, mode)
		if err != nil {
			compiled.Close(ctx)
			return Evaluator{}, err
		}
	}

	evalCtx := Context{PolicyID: id, Bus: b.Bus, Allowlist: allowlist, Logger: b.Logger}
	evaluator := Evaluator{Runtime: b.Runtime, Precompiled: precompiled, Context: evalCtx}

	rawSettingsResponse, err := evaluator.ValidateSettings(ctx, settings.Raw())
	if err != nil {
		return Evaluator{}, fmt.Errorf("validating settings: %w", err)
	}
	var settingsResponse struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rawSettingsResponse, &settingsResponse); err != nil {
		return Evaluator{}, fmt.Errorf("decoding settings validation response: %w", err)
	}
	if !settingsResponse.Valid {
		return Evaluator{}, fmt.Errorf("settings are not valid: %s", settingsResponse.Message)
	}

	return evaluator, nil
}

func (b EnvironmentBuilder) bootstrapGroup(ctx context.Context, env *Environment, group policy.GroupDefinition) error {
	members := make(map[string]Evaluator, len(group.Members))
	memberSettings := make(map[string]policy.Settings, len(group.Members))
	memberNames := make([]string, 0, len(group.Members))

	for _, member := range group.Members {
		memberID, err := policy.NewMemberID(group.ID.String(), member.Name)
		if err != nil {
			return err
		}
		evaluator, err := b.bootstrapOne(ctx, env, memberID, member.Module, "", member.ContextAwareResources, member.Settings)
		if err != nil {
			return fmt.Errorf("member %s: %w", member.Name, err)
		}
		members[member.Name] = evaluator
		memberSettings[member.Name] = member.Settings
		memberNames = append(memberNames, member.Name)
	}

	composer, err := policygroup.NewComposer(group.Expression, memberNames)
	if err != nil {
		return fmt.Errorf("compiling policy group expression: %w", err)
	}

	env.groups[group.ID.String()] = groupEntry{
		mode:           group.Mode,
		message:        group.Message,
		composer:       composer,
		members:        members,
		memberSettings: memberSettings,
	}
	return nil
}

// Errors returns the bootstrap failures recorded when ContinueOnError was
// set; empty when every policy and group initialized cleanly.
func (env *Environment) Errors() []InitializationError {
	env.mu.RLock()
	defer env.mu.RUnlock()
	return append([]InitializationError(nil), env.errors...)
}

// ErrPolicyNotFound is returned by every Environment query when the given ID
// names neither a registered policy nor a registered group nor a policy
// that failed to bootstrap under ContinueOnError. A policy recorded in
// Errors() is a distinct, non-nil error (see lookupErr): it was configured,
// it just never came up, so it must surface as an embedded-500
// AdmissionResponse rather than a bare 404 -- grounded on
// EvaluationError::PolicyInitialization vs EvaluationError::PolicyNotFound
// in worker.rs's run().
var ErrPolicyNotFound = errors.New("policy not found")

// lookupErr reports the error an Environment query should return for an ID
// that matched neither a registered policy nor group: the recorded
// bootstrap failure if there is one, otherwise ErrPolicyNotFound. Caller
// must hold env.mu.
func (env *Environment) lookupErr(id policy.ID) error {
	if initErr, ok := env.errorByID[id.String()]; ok {
		return initErr
	}
	return ErrPolicyNotFound
}

// Close releases the compiled-module table and the wazero runtime backing
// this Environment. Call once, at process shutdown.
func (env *Environment) Close(ctx context.Context) error {
	return env.table.Close(ctx)
}

// Mode reports the post-processing mode (protect/monitor) configured for
// id, which may name either a single policy or a policy group.
func (env *Environment) Mode(id policy.ID) (policy.Mode, error) {
	env.mu.RLock()
	defer env.mu.RUnlock()

	if entry, ok := env.policies[id.String()]; ok {
		return entry.evaluation.Mode, nil
	}
	if group, ok := env.groups[id.String()]; ok {
		return group.mode, nil
	}
	return "", env.lookupErr(id)
}

// AllowedToMutate reports whether id (a single policy) is permitted to
// return a JSON Patch. Policy groups never mutate.
func (env *Environment) AllowedToMutate(id policy.ID) (bool, error) {
	env.mu.RLock()
	defer env.mu.RUnlock()

	if entry, ok := env.policies[id.String()]; ok {
		return entry.evaluation.AllowedToMutate, nil
	}
	if _, ok := env.groups[id.String()]; ok {
		return false, nil
	}
	return false, env.lookupErr(id)
}

// CustomRejectionMessage returns the operator-configured override message
// for id, or "" if none is configured.
func (env *Environment) CustomRejectionMessage(id policy.ID) (string, error) {
	env.mu.RLock()
	defer env.mu.RUnlock()

	if entry, ok := env.policies[id.String()]; ok {
		return entry.evaluation.CustomRejectionMessage, nil
	}
	if group, ok := env.groups[id.String()]; ok {
		return group.message, nil
	}
	return "", env.lookupErr(id)
}

// ShouldAccept reports whether requests in namespace must be accepted
// outright, bypassing every policy -- the always-accept namespace carve-out
// that protects the Kubewarden stack's own namespace from its own policies.
func (env *Environment) ShouldAccept(namespace string) bool {
	return env.alwaysAcceptNamespace != "" && env.alwaysAcceptNamespace == namespace
}

// Validate runs id's policy (or policy group) against requestJSON, returning
// the raw response bytes the guest produced. For a group, this delegates to
// policygroup.Evaluate using the group's member evaluators.
func (env *Environment) Validate(ctx context.Context, id policy.ID, requestJSON []byte) ([]byte, error) {
	env.mu.RLock()
	entry, isPolicy := env.policies[id.String()]
	group, isGroup := env.groups[id.String()]
	lookupErr := env.lookupErr(id)
	env.mu.RUnlock()

	switch {
	case isPolicy:
		return entry.evaluator.Validate(ctx, requestJSON, entry.evaluation.Settings.Raw())
	case isGroup:
		return env.validateGroup(ctx, group, requestJSON)
	default:
		return nil, lookupErr
	}
}

func (env *Environment) validateGroup(ctx context.Context, group groupEntry, requestJSON []byte) ([]byte, error) {
	members := make(map[string]policygroup.Member, len(group.members))
	for name, evaluator := range group.members {
		evaluator := evaluator
		settings := group.memberSettings[name]
		members[name] = policygroup.Member{
			Evaluate: func(ctx context.Context) (policygroup.Verdict, error) {
				raw, err := evaluator.Validate(ctx, requestJSON, settings.Raw())
				if err != nil {
					return policygroup.Verdict{}, err
				}
				return policygroup.ParseVerdict(raw)
			},
		}
	}
	return group.composer.Evaluate(ctx, members, group.message)
}
