// Package recording implements the Callback Bus's recording/replay proxy:
// a callback.Bus-shaped stage that sits between the guest and the real
// host-capability task, either capturing every exchange to a YAML file
// (record mode) or answering guest calls from a previously captured file
// without touching the network or cluster at all (replay mode). Grounded
// on kwctl/src/callback_handler/proxy.rs's CallbackHandlerProxy.
package recording

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kubewarden/policy-server/internal/callback"
)

// Response is the tagged {type: Success, payload} | {type: Error, message}
// shape a recorded exchange stores, mirroring proxy.rs's Response enum.
type Response struct {
	Type    string `yaml:"type"`
	Payload string `yaml:"payload,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// SuccessResponse builds the Response recorded for a host call that
// returned a payload. The payload must be valid UTF-8: the recording
// format is a human-readable YAML file, not a binary log.
func SuccessResponse(payload string) Response {
	return Response{Type: "Success", Payload: payload}
}

// ErrorResponse builds the Response recorded for a host call that failed,
// e.g. looking up the Sigstore signature of an unsigned image.
func ErrorResponse(message string) Response {
	return Response{Type: "Error", Message: message}
}

// Exchange is one request/response pair as stored in a recording file.
// Request is itself a YAML-serialized callback.Request, not a nested
// document: the file format is a sequence of these, matching
// {request: string, response: {...}}.
type Exchange struct {
	Request  string   `yaml:"request"`
	Response Response `yaml:"response"`
}

// requestWire is the flattened, internally-tagged representation every
// callback.Request marshals to and from, the YAML analogue of the JSON
// wire structs in dispatch.go's parse* functions.
type requestWire struct {
	Type          string                         `yaml:"type"`
	Image         string                         `yaml:"image,omitempty"`
	Host          string                         `yaml:"host,omitempty"`
	PubKeys       []string                       `yaml:"pub_keys,omitempty"`
	Keyless       []callback.KeylessInfo         `yaml:"keyless,omitempty"`
	KeylessPrefix []callback.KeylessPrefixInfo   `yaml:"keyless_prefix,omitempty"`
	Annotations   map[string]string              `yaml:"annotations,omitempty"`
	Cert          []byte                         `yaml:"cert,omitempty"`
	CertChain     [][]byte                       `yaml:"cert_chain,omitempty"`
	NotAfter      string                         `yaml:"not_after,omitempty"`
	APIVersion    string                         `yaml:"api_version,omitempty"`
	ResourceKind  string                         `yaml:"resource_kind,omitempty"`
	Namespace     string                         `yaml:"namespace,omitempty"`
	Name          string                         `yaml:"name,omitempty"`
	Subresource   string                         `yaml:"subresource,omitempty"`
	LabelSelector string                         `yaml:"label_selector,omitempty"`
	FieldSelector string                         `yaml:"field_selector,omitempty"`
	Verb          string                         `yaml:"verb,omitempty"`
}

// requestKind discriminators, one per callback.Request concrete type.
const (
	kindOCIManifestDigest      = "oci_manifest_digest"
	kindOCIManifest            = "oci_manifest"
	kindOCIManifestAndConfig   = "oci_manifest_and_config"
	kindDNSLookupHost          = "dns_lookup_host"
	kindSigstoreVerifyPubKeys  = "sigstore_verify_pub_keys"
	kindSigstoreVerifyKeyless  = "sigstore_verify_keyless"
	kindSigstoreKeylessPrefix  = "sigstore_verify_keyless_prefix"
	kindCertificateVerify      = "certificate_verify"
	kindK8sListByNamespace     = "k8s_list_by_namespace"
	kindK8sListAll             = "k8s_list_all"
	kindK8sGet                 = "k8s_get"
	kindK8sCanI                = "k8s_can_i"
)

// toWire converts a callback.Request into its flattened YAML wire form.
func toWire(req callback.Request) (requestWire, error) {
	switch r := req.(type) {
	case callback.OCIManifestDigest:
		return requestWire{Type: kindOCIManifestDigest, Image: r.Image}, nil
	case callback.OCIManifest:
		return requestWire{Type: kindOCIManifest, Image: r.Image}, nil
	case callback.OCIManifestAndConfig:
		return requestWire{Type: kindOCIManifestAndConfig, Image: r.Image}, nil
	case callback.DNSLookupHost:
		return requestWire{Type: kindDNSLookupHost, Host: r.Host}, nil
	case callback.SigstoreVerifyPubKeys:
		return requestWire{Type: kindSigstoreVerifyPubKeys, Image: r.Image, PubKeys: r.PubKeys, Annotations: r.Annotations}, nil
	case callback.SigstoreVerifyKeyless:
		return requestWire{Type: kindSigstoreVerifyKeyless, Image: r.Image, Keyless: r.Keyless, Annotations: r.Annotations}, nil
	case callback.SigstoreVerifyKeylessPrefix:
		return requestWire{Type: kindSigstoreKeylessPrefix, Image: r.Image, KeylessPrefix: r.KeylessPrefixes, Annotations: r.Annotations}, nil
	case callback.CertificateVerify:
		return requestWire{Type: kindCertificateVerify, Cert: r.Cert, CertChain: r.Chain, NotAfter: r.NotAfter}, nil
	case callback.K8sListByNamespace:
		return requestWire{Type: kindK8sListByNamespace, APIVersion: r.APIVersion, ResourceKind: r.Kind, Namespace: r.Namespace, LabelSelector: r.LabelSelector, FieldSelector: r.FieldSelector}, nil
	case callback.K8sListAll:
		return requestWire{Type: kindK8sListAll, APIVersion: r.APIVersion, ResourceKind: r.Kind, LabelSelector: r.LabelSelector, FieldSelector: r.FieldSelector}, nil
	case callback.K8sGet:
		return requestWire{Type: kindK8sGet, APIVersion: r.APIVersion, ResourceKind: r.Kind, Namespace: r.Namespace, Name: r.Name, Subresource: r.Subresource}, nil
	case callback.K8sCanI:
		return requestWire{Type: kindK8sCanI, APIVersion: r.APIVersion, ResourceKind: r.Kind, Namespace: r.Namespace, Verb: r.Verb}, nil
	default:
		return requestWire{}, fmt.Errorf("recording: unknown request type %T", req)
	}
}

// fromWire is toWire's inverse.
func fromWire(w requestWire) (callback.Request, error) {
	switch w.Type {
	case kindOCIManifestDigest:
		return callback.OCIManifestDigest{Image: w.Image}, nil
	case kindOCIManifest:
		return callback.OCIManifest{Image: w.Image}, nil
	case kindOCIManifestAndConfig:
		return callback.OCIManifestAndConfig{Image: w.Image}, nil
	case kindDNSLookupHost:
		return callback.DNSLookupHost{Host: w.Host}, nil
	case kindSigstoreVerifyPubKeys:
		return callback.SigstoreVerifyPubKeys{Image: w.Image, PubKeys: w.PubKeys, Annotations: w.Annotations}, nil
	case kindSigstoreVerifyKeyless:
		return callback.SigstoreVerifyKeyless{Image: w.Image, Keyless: w.Keyless, Annotations: w.Annotations}, nil
	case kindSigstoreKeylessPrefix:
		return callback.SigstoreVerifyKeylessPrefix{Image: w.Image, KeylessPrefixes: w.KeylessPrefix, Annotations: w.Annotations}, nil
	case kindCertificateVerify:
		return callback.CertificateVerify{Cert: w.Cert, Chain: w.CertChain, NotAfter: w.NotAfter}, nil
	case kindK8sListByNamespace:
		return callback.K8sListByNamespace{APIVersion: w.APIVersion, Kind: w.ResourceKind, Namespace: w.Namespace, LabelSelector: w.LabelSelector, FieldSelector: w.FieldSelector}, nil
	case kindK8sListAll:
		return callback.K8sListAll{APIVersion: w.APIVersion, Kind: w.ResourceKind, LabelSelector: w.LabelSelector, FieldSelector: w.FieldSelector}, nil
	case kindK8sGet:
		return callback.K8sGet{APIVersion: w.APIVersion, Kind: w.ResourceKind, Namespace: w.Namespace, Name: w.Name, Subresource: w.Subresource}, nil
	case kindK8sCanI:
		return callback.K8sCanI{APIVersion: w.APIVersion, Kind: w.ResourceKind, Namespace: w.Namespace, Verb: w.Verb}, nil
	default:
		return nil, fmt.Errorf("recording: unknown recorded request type %q", w.Type)
	}
}

// marshalRequest YAML-serializes req into the string stored in an
// Exchange's Request field -- a YAML document nested inside a YAML string,
// matching serde_yaml::to_string(&req.request) in proxy.rs.
func marshalRequest(req callback.Request) (string, error) {
	wire, err := toWire(req)
	if err != nil {
		return "", err
	}
	out, err := yaml.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("cannot convert request to yaml: %w", err)
	}
	return string(out), nil
}

// unmarshalRequest is marshalRequest's inverse.
func unmarshalRequest(s string) (callback.Request, error) {
	var wire requestWire
	if err := yaml.Unmarshal([]byte(s), &wire); err != nil {
		return nil, fmt.Errorf("cannot deserialize recorded request: %w", err)
	}
	return fromWire(wire)
}
