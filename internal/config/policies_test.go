package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/policy"
)

func writePolicies(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPoliciesSingle(t *testing.T) {
	path := writePolicies(t, `
pod-privileged:
  module: file:///tmp/pod-privileged.wasm
  policyMode: monitor
  allowedToMutate: true
  settings:
    max_replicas: 5
  contextAwareResources:
    - apiVersion: v1
      kind: Namespace
  message: "custom message"
`)

	defs, groups, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Empty(t, groups)

	def := defs[0]
	assert.Equal(t, "pod-privileged", def.ID.String())
	assert.Equal(t, "file:///tmp/pod-privileged.wasm", def.Module.String())
	assert.Equal(t, policy.ModeMonitor, def.Evaluation.Mode)
	assert.True(t, def.Evaluation.AllowedToMutate)
	assert.Equal(t, "custom message", def.Evaluation.CustomRejectionMessage)
	assert.JSONEq(t, `{"max_replicas": 5}`, string(def.Evaluation.Settings.Raw()))
	assert.True(t, def.ContextAwareResources.Allows("v1", "Namespace"))
}

func TestLoadPoliciesDefaultsToProtectAndEmptySettings(t *testing.T) {
	path := writePolicies(t, `
example:
  module: file:///tmp/example.wasm
`)

	defs, _, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, policy.ModeProtect, defs[0].Evaluation.Mode)
	assert.False(t, defs[0].Evaluation.AllowedToMutate)
	assert.True(t, defs[0].Evaluation.Settings.IsEmpty())
}

func TestLoadPoliciesGroup(t *testing.T) {
	path := writePolicies(t, `
group_policy:
  expression: "unhappy_1() || happy_1()"
  message: "group policy message"
  policies:
    unhappy_1:
      module: file:///tmp/unhappy.wasm
    happy_1:
      module: file:///tmp/happy.wasm
      settings:
        threshold: 3
`)

	defs, groups, err := LoadPolicies(path)
	require.NoError(t, err)
	assert.Empty(t, defs)
	require.Len(t, groups, 1)

	group := groups[0]
	assert.Equal(t, "group_policy", group.ID.String())
	assert.Equal(t, "unhappy_1() || happy_1()", group.Expression)
	assert.Equal(t, "group policy message", group.Message)
	assert.Len(t, group.Members, 2)
}

func TestLoadPoliciesRejectsSlashInName(t *testing.T) {
	path := writePolicies(t, `
"bad/name":
  module: file:///tmp/example.wasm
`)

	_, _, err := LoadPolicies(path)
	require.Error(t, err)
}

func TestLoadPoliciesRejectsSlashInMemberName(t *testing.T) {
	path := writePolicies(t, `
group_policy:
  expression: "true"
  message: "msg"
  policies:
    "bad/member":
      module: file:///tmp/example.wasm
`)

	_, _, err := LoadPolicies(path)
	require.Error(t, err)
}
