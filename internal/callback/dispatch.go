package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Allowlist is consulted before a namespace-scoped K8s request is dispatched.
// Implemented by policy.ResourceAllowlist.
type Allowlist interface {
	Allows(apiVersion, kind string) bool
}

// Dispatcher parses the guest's waPC-style trampoline call into a typed
// Request, checks it against the calling policy's resource allowlist, and
// sends it through the bus -- the Go analogue of host_callback in
// runtimes/callback.rs.
type Dispatcher struct {
	PolicyID  string
	Allowlist Allowlist
	Bus       Bus
	Logger    *slog.Logger
}

// Dispatch implements the single entry point a wazero host function calls
// with the four waPC-style arguments. It returns the raw reply payload, or
// an error that becomes a trap/denial surfaced back to the guest.
func (d Dispatcher) Dispatch(ctx context.Context, binding, namespace, operation string, payload []byte) ([]byte, error) {
	req, err := d.parse(binding, namespace, operation, payload)
	if err != nil {
		return nil, err
	}

	if apiVersion, kind, scoped := NamespaceScopedResource(req); scoped {
		if d.Allowlist == nil || !d.Allowlist.Allows(apiVersion, kind) {
			if d.Logger != nil {
				d.Logger.Error("policy tried to access a Kubernetes resource it doesn't have access to",
					slog.String("policy_id", d.PolicyID),
					slog.String("resource_requested", apiVersion+"/"+kind),
				)
			}
			return nil, fmt.Errorf("policy has not been granted access to Kubernetes %s/%s resources. The violation has been reported", apiVersion, kind)
		}
	}

	return Send(ctx, d.Bus, d.PolicyID, req)
}

func (d Dispatcher) parse(binding, namespace, operation string, payload []byte) (Request, error) {
	switch binding {
	case "kubewarden":
		return d.parseKubewarden(namespace, operation, payload)
	case "kubernetes":
		return d.parseDeprecatedClusterContext(namespace)
	default:
		return nil, ErrUnknownBinding(binding)
	}
}

func (d Dispatcher) parseKubewarden(namespace, operation string, payload []byte) (Request, error) {
	switch namespace {
	case "oci":
		return parseOCI(operation, payload)
	case "net":
		return parseNet(operation, payload)
	case "crypto":
		return parseCrypto(operation, payload)
	case "kubernetes":
		return parseKubernetes(operation, payload)
	default:
		return nil, ErrUnknownNamespace(namespace)
	}
}

func parseOCI(operation string, payload []byte) (Request, error) {
	switch operation {
	case "v1/manifest_digest":
		var image string
		if err := json.Unmarshal(payload, &image); err != nil {
			return nil, err
		}
		return OCIManifestDigest{Image: image}, nil
	case "v1/oci_manifest":
		var image string
		if err := json.Unmarshal(payload, &image); err != nil {
			return nil, err
		}
		return OCIManifest{Image: image}, nil
	case "v1/oci_manifest_config":
		var image string
		if err := json.Unmarshal(payload, &image); err != nil {
			return nil, err
		}
		return OCIManifestAndConfig{Image: image}, nil
	case "v1/verify", "v2/verify":
		return parseSigstoreVerify(operation, payload)
	default:
		return nil, ErrUnknownOperation("oci", operation)
	}
}

func parseNet(operation string, payload []byte) (Request, error) {
	if operation != "v1/dns_lookup_host" {
		return nil, ErrUnknownOperation("net", operation)
	}
	var host string
	if err := json.Unmarshal(payload, &host); err != nil {
		return nil, err
	}
	return DNSLookupHost{Host: host}, nil
}

func parseCrypto(operation string, payload []byte) (Request, error) {
	if operation != "v1/is_certificate_trusted" {
		return nil, ErrUnknownOperation("crypto", operation)
	}
	var wire struct {
		Cert     []byte   `json:"cert"`
		CertChain [][]byte `json:"cert_chain"`
		NotAfter  string   `json:"not_after"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}
	return CertificateVerify{Cert: wire.Cert, Chain: wire.CertChain, NotAfter: wire.NotAfter}, nil
}

func parseKubernetes(operation string, payload []byte) (Request, error) {
	switch operation {
	case "list_resources_by_namespace":
		var wire struct {
			APIVersion    string `json:"api_version"`
			Kind          string `json:"kind"`
			Namespace     string `json:"namespace"`
			LabelSelector string `json:"label_selector"`
			FieldSelector string `json:"field_selector"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, err
		}
		return K8sListByNamespace{
			APIVersion: wire.APIVersion, Kind: wire.Kind, Namespace: wire.Namespace,
			LabelSelector: wire.LabelSelector, FieldSelector: wire.FieldSelector,
		}, nil
	case "list_resources_all":
		var wire struct {
			APIVersion    string `json:"api_version"`
			Kind          string `json:"kind"`
			LabelSelector string `json:"label_selector"`
			FieldSelector string `json:"field_selector"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, err
		}
		return K8sListAll{
			APIVersion: wire.APIVersion, Kind: wire.Kind,
			LabelSelector: wire.LabelSelector, FieldSelector: wire.FieldSelector,
		}, nil
	case "get_resource":
		var wire struct {
			APIVersion  string `json:"api_version"`
			Kind        string `json:"kind"`
			Namespace   string `json:"namespace"`
			Name        string `json:"name"`
			Subresource string `json:"subresource"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, err
		}
		return K8sGet{
			APIVersion: wire.APIVersion, Kind: wire.Kind, Namespace: wire.Namespace,
			Name: wire.Name, Subresource: wire.Subresource,
		}, nil
	case "can_i":
		var wire struct {
			APIVersion string `json:"api_version"`
			Kind       string `json:"kind"`
			Namespace  string `json:"namespace"`
			Verb       string `json:"verb"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, err
		}
		return K8sCanI{APIVersion: wire.APIVersion, Kind: wire.Kind, Namespace: wire.Namespace, Verb: wire.Verb}, nil
	default:
		return nil, ErrUnknownOperation("kubernetes", operation)
	}
}

func parseSigstoreVerify(operation string, payload []byte) (Request, error) {
	var wire struct {
		Image           string            `json:"image"`
		PubKeys         []string          `json:"pub_keys,omitempty"`
		Keyless         []KeylessInfo     `json:"keyless,omitempty"`
		KeylessPrefix   []KeylessPrefixInfo `json:"keyless_prefix,omitempty"`
		Annotations     map[string]string `json:"annotations,omitempty"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, err
	}

	switch {
	case len(wire.PubKeys) > 0:
		return SigstoreVerifyPubKeys{Image: wire.Image, PubKeys: wire.PubKeys, Annotations: wire.Annotations}, nil
	case len(wire.KeylessPrefix) > 0 && operation == "v2/verify":
		return SigstoreVerifyKeylessPrefix{Image: wire.Image, KeylessPrefixes: wire.KeylessPrefix, Annotations: wire.Annotations}, nil
	case len(wire.Keyless) > 0:
		return SigstoreVerifyKeyless{Image: wire.Image, Keyless: wire.Keyless, Annotations: wire.Annotations}, nil
	default:
		return nil, fmt.Errorf("sigstore verification request for %q carries no key material", wire.Image)
	}
}

// deprecatedClusterContextResources maps the three removed cluster-context
// bindings to the K8sListAll request they are translated into.
var deprecatedClusterContextResources = map[string]struct{ apiVersion, kind string }{
	"ingresses":  {"networking.k8s.io/v1", "Ingress"},
	"namespaces": {"v1", "Namespace"},
	"services":   {"v1", "Service"},
}

func (d Dispatcher) parseDeprecatedClusterContext(namespace string) (Request, error) {
	target, ok := deprecatedClusterContextResources[namespace]
	if !ok {
		return nil, ErrUnknownNamespace(namespace)
	}
	if d.Logger != nil {
		d.Logger.Warn("usage of deprecated cluster context binding",
			slog.String("policy_id", d.PolicyID),
			slog.String("namespace", namespace),
		)
	}
	return K8sListAll{APIVersion: target.apiVersion, Kind: target.kind}, nil
}
