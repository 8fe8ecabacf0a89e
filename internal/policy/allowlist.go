package policy

import "k8s.io/apimachinery/pkg/runtime/schema"

// ContextAwareResource is a Kubernetes resource kind a context-aware policy
// may query at evaluation time. Grounded on the Kubewarden CRD's
// ContextAwareResource type (api_version + kind pair).
type ContextAwareResource struct {
	APIVersion string
	Kind       string
}

// ResourceAllowlist is the set of Kubernetes resources a single policy is
// permitted to query via K8s host-capability calls. An empty allowlist
// denies every context-aware request.
type ResourceAllowlist map[ContextAwareResource]struct{}

// NewResourceAllowlist builds an allowlist from a list of resources.
func NewResourceAllowlist(resources []ContextAwareResource) ResourceAllowlist {
	allowlist := make(ResourceAllowlist, len(resources))
	for _, r := range resources {
		allowlist[r] = struct{}{}
	}
	return allowlist
}

// Allows reports whether the given apiVersion/kind pair appears in the
// allowlist.
func (a ResourceAllowlist) Allows(apiVersion, kind string) bool {
	_, ok := a[ContextAwareResource{APIVersion: apiVersion, Kind: kind}]
	return ok
}

// AllowsGVK is a convenience wrapper over Allows for callers already
// holding a schema.GroupVersionKind.
func (a ResourceAllowlist) AllowsGVK(gvk schema.GroupVersionKind) bool {
	return a.Allows(gvk.GroupVersion().String(), gvk.Kind)
}
