package handlers

import (
	"context"
	"fmt"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// KubernetesClient is the narrow client surface the context-aware handlers
// need: a dynamic client for list/get of arbitrary GVKs, and a typed
// clientset for SubjectAccessReview. Grounded on audit-scanner/internal/k8s/
// client.go's dynamic+kubernetes clientset pairing.
type KubernetesClient struct {
	Dynamic   dynamic.Interface
	Clientset kubernetes.Interface
	// RESTMapper resolves an (apiVersion, kind) pair to its GroupVersionResource,
	// since the dynamic client addresses resources, not kinds.
	RESTMapper RESTMapper
}

// RESTMapper resolves a GroupVersionKind to the GroupVersionResource (and
// whether it is namespaced) the dynamic client needs to address it.
type RESTMapper interface {
	ResourceFor(gvk schema.GroupVersionKind) (gvr schema.GroupVersionResource, namespaced bool, err error)
}

func (c KubernetesClient) resource(apiVersion, kind string) (schema.GroupVersionResource, bool, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionResource{}, false, fmt.Errorf("invalid apiVersion %q: %w", apiVersion, err)
	}
	return c.RESTMapper.ResourceFor(gv.WithKind(kind))
}

// ListByNamespace implements the "list_resources_by_namespace" capability.
func (c KubernetesClient) ListByNamespace(ctx context.Context, apiVersion, kind, namespace, labelSelector, fieldSelector string) (*unstructured.UnstructuredList, error) {
	gvr, _, err := c.resource(apiVersion, kind)
	if err != nil {
		return nil, err
	}
	return c.Dynamic.Resource(gvr).Namespace(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
		FieldSelector: fieldSelector,
	})
}

// ListAll implements the "list_resources_all" capability, including the
// deprecated cluster-context translations (Ingress/Namespace/Service).
func (c KubernetesClient) ListAll(ctx context.Context, apiVersion, kind, labelSelector, fieldSelector string) (*unstructured.UnstructuredList, error) {
	gvr, namespaced, err := c.resource(apiVersion, kind)
	if err != nil {
		return nil, err
	}
	opts := metav1.ListOptions{LabelSelector: labelSelector, FieldSelector: fieldSelector}
	if namespaced {
		return c.Dynamic.Resource(gvr).List(ctx, opts)
	}
	return c.Dynamic.Resource(gvr).List(ctx, opts)
}

// Get implements the "get_resource" capability.
func (c KubernetesClient) Get(ctx context.Context, apiVersion, kind, namespace, name, subresource string) (*unstructured.Unstructured, error) {
	gvr, namespaced, err := c.resource(apiVersion, kind)
	if err != nil {
		return nil, err
	}
	opts := metav1.GetOptions{}
	var subresources []string
	if subresource != "" {
		subresources = []string{subresource}
	}
	if namespaced {
		return c.Dynamic.Resource(gvr).Namespace(namespace).Get(ctx, name, opts, subresources...)
	}
	return c.Dynamic.Resource(gvr).Get(ctx, name, opts, subresources...)
}

// CanI implements the "can_i" capability via a SelfSubjectAccessReview,
// returning whether the Policy Server's own service account (the identity
// this process runs under) is permitted to perform verb against the
// resource.
func (c KubernetesClient) CanI(ctx context.Context, apiVersion, kind, namespace, verb string) (bool, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return false, fmt.Errorf("invalid apiVersion %q: %w", apiVersion, err)
	}
	gvr, _, err := c.resource(apiVersion, kind)
	if err != nil {
		return false, err
	}

	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace: namespace,
				Verb:      verb,
				Group:     gv.Group,
				Resource:  gvr.Resource,
			},
		},
	}

	result, err := c.Clientset.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("cannot perform access review for %s/%s %s: %w", apiVersion, kind, verb, err)
	}
	return result.Status.Allowed, nil
}
