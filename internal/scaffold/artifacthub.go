// Package scaffold builds supplemental artifacts describing an
// already-fetched policy: today, the Artifact Hub `artifacthub-pkg.yml`
// package descriptor. Grounded on
// original_source/crates/policy-evaluator/src/policy_artifacthub.rs's
// ArtifactHubPkg and original_source/crates/kwctl/src/scaffold.rs's
// artifacthub subcommand.
package scaffold

import (
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Well-known Kubewarden policy annotation keys, read from a policy's own
// metadata to build the package descriptor.
const (
	AnnotationPolicyTitle       = "io.kubewarden.policy.title"
	AnnotationDisplayName       = "io.artifacthub.displayName"
	AnnotationDescription       = "io.kubewarden.policy.description"
	AnnotationOCIURL            = "io.kubewarden.policy.ociUrl"
	AnnotationSource            = "io.kubewarden.policy.source"
	AnnotationLicense           = "io.kubewarden.policy.license"
	AnnotationUsage             = "io.kubewarden.policy.usage"
	AnnotationHomeURL           = "io.kubewarden.policy.url"
	AnnotationAuthor            = "io.kubewarden.policy.author"
	AnnotationKeywords          = "io.artifacthub.keywords"
	AnnotationResources         = "io.artifacthub.resources"
	AnnotationRancherHiddenUI   = "io.cattle.rancher.hidden-ui"
)

// PolicyMetadata is the subset of a policy's own embedded metadata the
// package descriptor is built from -- the Go analogue of policy_metadata::
// Metadata as consumed by ArtifactHubPkg::from_metadata.
type PolicyMetadata struct {
	Annotations  map[string]string
	Mutating     bool
	ContextAware bool
	Rules        []byte // pre-serialized JSON, passed through verbatim
}

// Package is the partial implementation of artifacthub-pkg.yml documented at
// https://github.com/artifacthub/hub/blob/master/docs/metadata/artifacthub-pkg.yml
type Package struct {
	Version         string            `yaml:"version"`
	Name            string            `yaml:"name"`
	DisplayName     string            `yaml:"displayName"`
	CreatedAt       string            `yaml:"createdAt"`
	Description     string            `yaml:"description"`
	License         string            `yaml:"license,omitempty"`
	HomeURL         string            `yaml:"homeURL,omitempty"`
	ContainersImages []containerImage `yaml:"containersImages,omitempty"`
	Keywords        []string          `yaml:"keywords,omitempty"`
	Links           []link            `yaml:"links,omitempty"`
	Maintainers     []maintainer      `yaml:"maintainers,omitempty"`
	Provider        provider          `yaml:"provider"`
	Recommendations []recommendation  `yaml:"recommendations"`
	Annotations     map[string]string `yaml:"annotations"`
	Readme          string            `yaml:"readme,omitempty"`
}

type containerImage struct {
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
}

type link struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type maintainer struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type provider struct {
	Name string `yaml:"name"`
}

type recommendation struct {
	URL string `yaml:"url"`
}

const kubewardenControllerURL = "https://artifacthub.io/packages/helm/kubewarden/kubewarden-controller"

// BuildPackage builds the Artifact Hub package descriptor for a policy,
// mirroring ArtifactHubPkg::from_metadata. version must be a valid SemVer
// string; createdAt is formatted RFC3339.
func BuildPackage(meta PolicyMetadata, version string, createdAt time.Time, questionsUI string) (*Package, error) {
	if len(meta.Annotations) == 0 {
		return nil, fmt.Errorf("no annotations in policy metadata. policy metadata must specify annotations")
	}

	semVersion, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid semver version: %w", version, err)
	}

	name, err := requiredAnnotation(meta.Annotations, AnnotationPolicyTitle)
	if err != nil {
		return nil, err
	}
	displayName, err := requiredAnnotation(meta.Annotations, AnnotationDisplayName)
	if err != nil {
		return nil, err
	}
	description, err := requiredAnnotation(meta.Annotations, AnnotationDescription)
	if err != nil {
		return nil, err
	}
	readme, err := requiredAnnotation(meta.Annotations, AnnotationUsage)
	if err != nil {
		return nil, err
	}

	homeURL, err := optionalURL(meta.Annotations, AnnotationHomeURL)
	if err != nil {
		return nil, err
	}
	images, err := containerImages(meta.Annotations, semVersion)
	if err != nil {
		return nil, err
	}
	keywords, err := csvKeywords(meta.Annotations)
	if err != nil {
		return nil, err
	}
	links, err := sourceLinks(meta.Annotations, semVersion)
	if err != nil {
		return nil, err
	}
	maintainers, err := parseMaintainers(meta.Annotations)
	if err != nil {
		return nil, err
	}
	annotations, err := buildAnnotations(meta, questionsUI)
	if err != nil {
		return nil, err
	}

	return &Package{
		Version:          semVersion.String(),
		Name:             name,
		DisplayName:      displayName,
		CreatedAt:        createdAt.UTC().Format(time.RFC3339),
		Description:      description,
		License:          meta.Annotations[AnnotationLicense],
		HomeURL:          homeURL,
		ContainersImages: images,
		Keywords:         keywords,
		Links:            links,
		Maintainers:      maintainers,
		Provider:         provider{Name: "kubewarden"},
		Recommendations:  []recommendation{{URL: kubewardenControllerURL}},
		Annotations:      annotations,
		Readme:           readme,
	}, nil
}

// Marshal renders pkg as the artifacthub-pkg.yml document, with the same
// leading comment header the kwctl scaffold command prepends.
func Marshal(pkg *Package) ([]byte, error) {
	body, err := yaml.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("cannot render artifacthub package descriptor: %w", err)
	}
	header := "# Kubewarden Artifacthub Package config\n" +
		"#\n" +
		"# Use this config to submit the policy to https://artifacthub.io.\n"
	return append([]byte(header), body...), nil
}

func requiredAnnotation(annotations map[string]string, key string) (string, error) {
	v, ok := annotations[key]
	if !ok {
		return "", fmt.Errorf("missing annotation %q", key)
	}
	return v, nil
}

func optionalURL(annotations map[string]string, key string) (string, error) {
	v, ok := annotations[key]
	if !ok {
		return "", nil
	}
	parsed, err := url.Parse(v)
	if err != nil {
		return "", fmt.Errorf("annotation %q is not a valid URL: %w", key, err)
	}
	return parsed.String(), nil
}

func containerImages(annotations map[string]string, version *semver.Version) ([]containerImage, error) {
	base, ok := annotations[AnnotationOCIURL]
	if !ok {
		return nil, fmt.Errorf("missing annotation %q", AnnotationOCIURL)
	}
	ociURL, err := url.Parse(fmt.Sprintf("%s:v%s", base, version.String()))
	if err != nil {
		return nil, fmt.Errorf("annotation %q does not produce a valid image reference: %w", AnnotationOCIURL, err)
	}
	return []containerImage{{Name: "policy", Image: ociURL.String()}}, nil
}

// csvKeywords parses the comma-separated AnnotationKeywords value,
// rejecting a list with an empty entry (e.g. a stray trailing comma).
func csvKeywords(annotations map[string]string) ([]string, error) {
	v, ok := annotations[AnnotationKeywords]
	if !ok {
		return nil, nil
	}
	words := splitTrimmedCSV(v)
	for _, w := range words {
		if w == "" {
			return nil, fmt.Errorf("annotation %q is not a well-formed comma-separated list", AnnotationKeywords)
		}
	}
	return words, nil
}

func sourceLinks(annotations map[string]string, version *semver.Version) ([]link, error) {
	v, ok := annotations[AnnotationSource]
	if !ok {
		return nil, nil
	}
	sourceURL, err := url.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("annotation %q is not a valid URL: %w", AnnotationSource, err)
	}
	if sourceURL.Host != "github.com" {
		return []link{{Name: "source", URL: sourceURL.String()}}, nil
	}
	wasmURL, err := url.Parse(fmt.Sprintf("%s/releases/download/v%s/policy.wasm", sourceURL.String(), version.String()))
	if err != nil {
		return nil, fmt.Errorf("annotation %q does not produce a valid release URL: %w", AnnotationSource, err)
	}
	return []link{
		{Name: "policy", URL: wasmURL.String()},
		{Name: "source", URL: sourceURL.String()},
	}, nil
}

// parseMaintainers parses the comma-separated RFC-5322 "name <email>"
// list in AnnotationAuthor, the Go analogue of mail_parser's address-list
// parsing in policy_artifacthub.rs's parse_maintainers.
func parseMaintainers(annotations map[string]string) ([]maintainer, error) {
	v, ok := annotations[AnnotationAuthor]
	if !ok {
		return nil, nil
	}
	addrs, err := mail.ParseAddressList(v)
	if err != nil {
		return nil, fmt.Errorf("annotation %q is not a well-formed comma-separated list of RFC 5322 addresses: %w", AnnotationAuthor, err)
	}
	maintainers := make([]maintainer, 0, len(addrs))
	for _, a := range addrs {
		maintainers = append(maintainers, maintainer{Name: a.Name, Email: a.Address})
	}
	return maintainers, nil
}

func buildAnnotations(meta PolicyMetadata, questionsUI string) (map[string]string, error) {
	annotations := map[string]string{
		"kubewarden/mutation":     strconv.FormatBool(meta.Mutating),
		"kubewarden/contextAware": strconv.FormatBool(meta.ContextAware),
	}
	if len(meta.Rules) > 0 {
		annotations["kubewarden/rules"] = string(meta.Rules)
	}

	if questionsUI != "" {
		annotations["kubewarden/questions-ui"] = questionsUI
	}
	if v, ok := meta.Annotations[AnnotationRancherHiddenUI]; ok {
		if _, err := strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("annotation %q is not a valid boolean string", AnnotationRancherHiddenUI)
		}
		annotations["rancher/hidden-ui"] = v
	}
	if v, ok := meta.Annotations[AnnotationResources]; ok {
		annotations["kubewarden/resources"] = v
	}

	return annotations, nil
}

func splitTrimmedCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
