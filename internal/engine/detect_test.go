package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/policy"
)

func TestResolveExecutionModeDeclaredWins(t *testing.T) {
	mode, err := ResolveExecutionMode(policy.ExecutionModeOpa, "", nil)
	require.NoError(t, err)
	assert.Equal(t, policy.ExecutionModeOpa, mode)
}

func TestResolveExecutionModeOverrideUsedWhenUndeclared(t *testing.T) {
	mode, err := ResolveExecutionMode("", policy.ExecutionModeOpaGatekeeper, nil)
	require.NoError(t, err)
	assert.Equal(t, policy.ExecutionModeOpaGatekeeper, mode)
}

func TestResolveExecutionModeConflictingOverrideRejected(t *testing.T) {
	_, err := ResolveExecutionMode(policy.ExecutionModeOpa, policy.ExecutionModeKubewardenSDK, nil)
	assert.Error(t, err)
}
