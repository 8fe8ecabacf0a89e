package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/kubewarden/policy-server/internal/store"
)

// LoadVerificationConfig reads the file at path and returns the Sigstore
// verification requirements keyed by the module reference they apply to.
// Simplified from verify/config.rs's versioned (apiVersion-tagged)
// LatestVerificationConfig envelope to a bare "module -> store.Config"
// mapping, since only one schema version ever existed and nothing in this
// build needs to migrate an older one.
func LoadVerificationConfig(path string) (map[string]store.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading verification config %s: %w", path, err)
	}

	var cfg map[string]store.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing verification config %s: %w", path, err)
	}

	for module, c := range cfg {
		if len(c.AllOf) == 0 && c.AnyOf == nil {
			return nil, fmt.Errorf("verification config for %q: %w", module, store.ErrNoConstraints)
		}
	}

	return cfg, nil
}
