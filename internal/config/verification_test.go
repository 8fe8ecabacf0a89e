package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadVerificationConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verification.yml")
	content := `
registry://ghcr.io/kubewarden/policies/example:
  anyOf:
    minimumMatches: 1
    signatures:
      - pubKey: |
          -----BEGIN PUBLIC KEY-----
          abcd
          -----END PUBLIC KEY-----
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadVerificationConfig(path)
	require.NoError(t, err)
	require.Contains(t, cfg, "registry://ghcr.io/kubewarden/policies/example")
	assert.Equal(t, 1, cfg["registry://ghcr.io/kubewarden/policies/example"].AnyOf.MinimumMatches)
}

func TestLoadVerificationConfigRejectsEmptyConstraints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verification.yml")
	require.NoError(t, os.WriteFile(path, []byte("registry://example/policy:\n  allOf: []\n"), 0o644))

	_, err := LoadVerificationConfig(path)
	require.Error(t, err)
}
