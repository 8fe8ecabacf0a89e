// Package callback implements the Callback Bus: the synchronous
// (binding, namespace, operation, payload) trampoline a Wasm guest uses to
// reach host capabilities, bridged onto a Go channel so the blocking guest
// call can be served by a pool of goroutines running the real OCI/DNS/
// Sigstore/Kubernetes operations. Grounded on
// runtimes/callback.rs's host_callback dispatch table and
// callback_requests::CallbackRequestType.
package callback

import "fmt"

// Request is the tagged union of every host-capability call a guest can
// make. Each concrete type below is one case of
// runtimes/callback.rs's CallbackRequestType.
type Request interface {
	isRequest()
}

// OCIManifestDigest asks for the digest of an OCI image manifest.
type OCIManifestDigest struct{ Image string }

// OCIManifest asks for the full OCI image manifest.
type OCIManifest struct{ Image string }

// OCIManifestAndConfig asks for the manifest plus its config blob.
type OCIManifestAndConfig struct{ Image string }

// DNSLookupHost asks for the set of IPs a hostname resolves to.
type DNSLookupHost struct{ Host string }

// SigstoreVerifyPubKeys asks for Sigstore pub-key verification of an image
// (SigstoreVerificationInputV1 in the guest SDK).
type SigstoreVerifyPubKeys struct {
	Image       string
	PubKeys     []string
	Annotations map[string]string
}

// SigstoreVerifyKeyless asks for Sigstore keyless verification of an image
// against one or more (issuer, subject) pairs (SigstoreVerificationInputV1,
// the keyless variant).
type SigstoreVerifyKeyless struct {
	Image       string
	Keyless     []KeylessInfo
	Annotations map[string]string
}

// KeylessInfo is one accepted (issuer, subject) pair for keyless verification.
type KeylessInfo struct {
	Issuer  string `json:"issuer" yaml:"issuer"`
	Subject string `json:"subject" yaml:"subject"`
}

// SigstoreVerifyKeylessPrefix is SigstoreVerificationInputV2's relaxed
// keyless variant: subject is matched as a URL prefix instead of exact
// equality.
type SigstoreVerifyKeylessPrefix struct {
	Image        string
	KeylessPrefixes []KeylessPrefixInfo
	Annotations  map[string]string
}

// KeylessPrefixInfo is one (issuer, subject URL prefix) pair.
type KeylessPrefixInfo struct {
	Issuer        string `json:"issuer" yaml:"issuer"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// CertificateVerify asks for x509 chain verification. It travels over the
// callback bus like every other Request and is answered by the
// host-capability task, which verifies the certificate locally with
// crypto/x509 (no network I/O).
type CertificateVerify struct {
	Cert    []byte
	Chain   [][]byte
	NotAfter string // RFC-3339, optional
}

// K8sListByNamespace lists a namespaced resource kind.
type K8sListByNamespace struct {
	APIVersion    string
	Kind          string
	Namespace     string
	LabelSelector string
	FieldSelector string
}

// K8sListAll lists a resource kind across every namespace (or a
// cluster-scoped kind).
type K8sListAll struct {
	APIVersion    string
	Kind          string
	LabelSelector string
	FieldSelector string
}

// K8sGet fetches a single named resource.
type K8sGet struct {
	APIVersion string
	Kind       string
	Namespace  string // empty for cluster-scoped
	Name       string
	Subresource string
}

// K8sCanI performs a SelfSubjectAccessReview-style permission check.
type K8sCanI struct {
	APIVersion string
	Kind       string
	Namespace  string
	Verb       string
}

func (OCIManifestDigest) isRequest()           {}
func (OCIManifest) isRequest()                 {}
func (OCIManifestAndConfig) isRequest()        {}
func (DNSLookupHost) isRequest()               {}
func (SigstoreVerifyPubKeys) isRequest()       {}
func (SigstoreVerifyKeyless) isRequest()       {}
func (SigstoreVerifyKeylessPrefix) isRequest() {}
func (CertificateVerify) isRequest()           {}
func (K8sListByNamespace) isRequest()          {}
func (K8sListAll) isRequest()                  {}
func (K8sGet) isRequest()                      {}
func (K8sCanI) isRequest()                     {}

// NamespaceScopedResource returns the (apiVersion, kind) pair a request
// targets, for allowlist checks, and whether the request is a K8s list/get
// query subject to the allowlist at all (K8sListByNamespace, K8sListAll and
// K8sGet; K8sCanI is not).
func NamespaceScopedResource(req Request) (apiVersion, kind string, ok bool) {
	switch r := req.(type) {
	case K8sListByNamespace:
		return r.APIVersion, r.Kind, true
	case K8sListAll:
		return r.APIVersion, r.Kind, true
	case K8sGet:
		return r.APIVersion, r.Kind, true
	default:
		return "", "", false
	}
}

// ErrUnknownOperation mirrors host_callback's unknown_operation branch.
func ErrUnknownOperation(namespace, operation string) error {
	return fmt.Errorf("unknown operation: %s", operation)
}

// ErrUnknownNamespace mirrors host_callback's unknown_namespace branch.
func ErrUnknownNamespace(namespace string) error {
	return fmt.Errorf("unknown namespace: %s", namespace)
}

// ErrUnknownBinding mirrors host_callback's final catch-all branch.
func ErrUnknownBinding(binding string) error {
	return fmt.Errorf("unknown binding: %s", binding)
}
