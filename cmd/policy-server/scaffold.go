package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/kubewarden/policy-server/internal/scaffold"
)

// metadataFile is the on-disk shape of the --metadata-path sidecar,
// grounded on kwctl/src/scaffold.rs's artifacthub function: it reads the
// policy's Metadata struct straight off a YAML file rather than extracting
// it from the Wasm module's custom sections.
type metadataFile struct {
	Annotations           map[string]string `json:"annotations"`
	Mutating              bool              `json:"mutating"`
	ContextAwareResources []struct {
		APIVersion string `json:"apiVersion"`
		Kind       string `json:"kind"`
	} `json:"contextAwareResources"`
	Rules json.RawMessage `json:"rules"`
}

func newScaffoldCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scaffold",
		Short: "Generate supplemental artifacts for a policy",
	}
	cmd.AddCommand(newScaffoldArtifactHubCommand())
	return cmd
}

func newScaffoldArtifactHubCommand() *cobra.Command {
	var metadataPath, version, questionsPath, out string

	cmd := &cobra.Command{
		Use:   "artifacthub",
		Short: "Generate an artifacthub-pkg.yml package descriptor for a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(metadataPath)
			if err != nil {
				return fmt.Errorf("error opening metadata file: %w", err)
			}
			var mf metadataFile
			if err := yaml.Unmarshal(raw, &mf); err != nil {
				return fmt.Errorf("error unmarshalling metadata: %w", err)
			}

			var rules []byte
			if len(mf.Rules) > 0 && string(mf.Rules) != "null" {
				rules = mf.Rules
			}

			var questionsUI string
			if questionsPath != "" {
				q, err := os.ReadFile(questionsPath)
				if err != nil {
					return fmt.Errorf("error reading questions file: %w", err)
				}
				questionsUI = string(q)
			}

			meta := scaffold.PolicyMetadata{
				Annotations:  mf.Annotations,
				Mutating:     mf.Mutating,
				ContextAware: len(mf.ContextAwareResources) > 0,
				Rules:        rules,
			}

			pkg, err := scaffold.BuildPackage(meta, version, time.Now(), questionsUI)
			if err != nil {
				return err
			}
			body, err := scaffold.Marshal(pkg)
			if err != nil {
				return err
			}

			if out == "" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			return os.WriteFile(out, body, 0o644)
		},
	}

	cmd.Flags().StringVar(&metadataPath, "metadata-path", "metadata.yml", "Path to the policy's metadata.yml file")
	cmd.Flags().StringVar(&version, "version", "", "Policy version, as a semver string")
	cmd.Flags().StringVar(&questionsPath, "questions-path", "", "Path to a questions-ui.yml file to embed")
	cmd.Flags().StringVar(&out, "output", "", "Write the descriptor to this path instead of stdout")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}
