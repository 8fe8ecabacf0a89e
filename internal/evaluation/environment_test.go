package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/kubewarden/policy-server/internal/engine"
	"github.com/kubewarden/policy-server/internal/policy"
)

// smallestValidModule is the canonical empty Wasm module: magic + version,
// no sections, no exports. It is enough to exercise bootstrap/dedup and the
// runtime contract's metadata queries without needing a real guest_call
// export -- those paths are exercised through policy.ExecutionModeOpa,
// whose Validate/ValidateSettings never touch guest_call in this build
// (see evaluator.go's documented scope reduction).
var smallestValidModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestEnvironmentDeps(t *testing.T) (wazero.Runtime, *engine.Table) {
	t.Helper()
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	t.Cleanup(func() { runtime.Close(ctx) })
	return runtime, engine.NewTable(runtime)
}

func fetchStatic(raw []byte) moduleFetcher {
	return func(ref policy.ModuleRef) ([]byte, error) {
		return raw, nil
	}
}

func mustModuleRef(t *testing.T, raw string) policy.ModuleRef {
	t.Helper()
	ref, err := policy.ParseModuleRef(raw)
	require.NoError(t, err)
	return ref
}

func TestEnvironmentBuildRegistersSinglePolicy(t *testing.T) {
	runtime, table := newTestEnvironmentDeps(t)
	id, err := policy.NewID("privileged-pods")
	require.NoError(t, err)

	builder := EnvironmentBuilder{
		Runtime: runtime,
		Table:   table,
		Fetch:   fetchStatic(smallestValidModule),
		Policies: []policy.Definition{{
			ID:                    id,
			Module:                mustModuleRef(t, "registry://example.com/privileged-pods:latest"),
			ExecutionModeOverride: policy.ExecutionModeOpa,
			Evaluation: policy.EvaluationSettings{
				Mode:                   policy.ModeMonitor,
				AllowedToMutate:        true,
				CustomRejectionMessage: "blocked by policy",
			},
		}},
	}

	env, err := builder.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, env.Errors())

	mode, err := env.Mode(id)
	require.NoError(t, err)
	assert.Equal(t, policy.ModeMonitor, mode)

	mutate, err := env.AllowedToMutate(id)
	require.NoError(t, err)
	assert.True(t, mutate)

	message, err := env.CustomRejectionMessage(id)
	require.NoError(t, err)
	assert.Equal(t, "blocked by policy", message)

	_, err = env.Validate(context.Background(), id, []byte(`{}`))
	assert.ErrorIs(t, err, errExecutionModeNotSupported)
}

func TestEnvironmentBuildDeduplicatesIdenticalModuleBytes(t *testing.T) {
	runtime, table := newTestEnvironmentDeps(t)
	idA, err := policy.NewID("policy-a")
	require.NoError(t, err)
	idB, err := policy.NewID("policy-b")
	require.NoError(t, err)

	builder := EnvironmentBuilder{
		Runtime: runtime,
		Table:   table,
		Fetch:   fetchStatic(smallestValidModule),
		Policies: []policy.Definition{
			{ID: idA, Module: mustModuleRef(t, "registry://example.com/shared:latest"), ExecutionModeOverride: policy.ExecutionModeOpa},
			{ID: idB, Module: mustModuleRef(t, "registry://example.com/shared:latest"), ExecutionModeOverride: policy.ExecutionModeOpa},
		},
	}

	_, err = builder.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
}

func TestEnvironmentBuildContinueOnErrorRecordsFailureAndSkipsPolicy(t *testing.T) {
	runtime, table := newTestEnvironmentDeps(t)
	broken, err := policy.NewID("broken")
	require.NoError(t, err)

	builder := EnvironmentBuilder{
		Runtime:         runtime,
		Table:           table,
		ContinueOnError: true,
		Fetch: func(ref policy.ModuleRef) ([]byte, error) {
			return nil, assertFetchErr
		},
		Policies: []policy.Definition{{ID: broken, Module: mustModuleRef(t, "registry://example.com/broken:latest")}},
	}

	env, err := builder.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, env.Errors(), 1)
	assert.Equal(t, broken, env.Errors()[0].PolicyID)

	// A policy that failed to bootstrap is distinct from one that was never
	// configured: it must not satisfy errors.Is(err, ErrPolicyNotFound), so
	// the worker pool can package it into an embedded-500 AdmissionResponse
	// instead of a bare 404.
	_, err = env.Mode(broken)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPolicyNotFound)
	var initErr InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, broken, initErr.PolicyID)

	unknown, err := policy.NewID("never-configured")
	require.NoError(t, err)
	_, err = env.Mode(unknown)
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestEnvironmentShouldAccept(t *testing.T) {
	runtime, table := newTestEnvironmentDeps(t)
	builder := EnvironmentBuilder{Runtime: runtime, Table: table, Fetch: fetchStatic(smallestValidModule), AlwaysAcceptNamespace: "kubewarden"}

	env, err := builder.Build(context.Background())
	require.NoError(t, err)
	assert.True(t, env.ShouldAccept("kubewarden"))
	assert.False(t, env.ShouldAccept("default"))
}

func TestEnvironmentGroupBootstrapRequiresResolvableExecutionMode(t *testing.T) {
	runtime, table := newTestEnvironmentDeps(t)
	groupID, err := policy.NewID("group")
	require.NoError(t, err)

	builder := EnvironmentBuilder{
		Runtime: runtime,
		Table:   table,
		Fetch:   fetchStatic(smallestValidModule),
		Groups: []policy.GroupDefinition{{
			ID:         groupID,
			Mode:       policy.ModeProtect,
			Expression: "member_a",
			Members: []policy.GroupMember{
				// no ExecutionModeOverride: smallestValidModule has no
				// exports at all, so the heuristic in detect.go cannot
				// settle on SDK vs OPA and bootstrap must fail.
				{Name: "member_a", Module: mustModuleRef(t, "registry://example.com/member-a:latest")},
			},
		}},
	}

	_, err = builder.Build(context.Background())
	assert.Error(t, err)
}

var assertFetchErr = assertError("fetch failed")

type assertError string

func (e assertError) Error() string { return string(e) }
