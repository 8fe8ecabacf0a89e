// Package admission builds and post-processes Kubernetes AdmissionResponse
// values. It reuses k8s.io/api/admission/v1 directly rather than declaring a
// parallel type, since the wire format this service speaks already is that
// envelope (see audit-scanner's scanner.go, which decodes policy-server
// responses into admissionv1.AdmissionReview).
package admission

import (
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// Allowed builds a bare "allowed" response carrying only a uid.
func Allowed(uid types.UID) *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{
		UID:     uid,
		Allowed: true,
	}
}

// Denied builds a "denied" response with a status message and optional code.
func Denied(uid types.UID, message string, code int32) *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{
		UID:     uid,
		Allowed: false,
		Result: &metav1.Status{
			Message: message,
			Code:    code,
		},
	}
}

// WithCause appends a {field, message} status cause to response, creating
// Result/Details if necessary. Pre-existing causes are preserved.
func WithCause(response *admissionv1.AdmissionResponse, field, message string) *admissionv1.AdmissionResponse {
	if response.Result == nil {
		response.Result = &metav1.Status{}
	}
	if response.Result.Details == nil {
		response.Result.Details = &metav1.StatusDetails{}
	}
	response.Result.Details.Causes = append(response.Result.Details.Causes, metav1.StatusCause{
		Field:   field,
		Message: message,
	})
	return response
}
