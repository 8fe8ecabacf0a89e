package admission

import (
	"fmt"
	"log/slog"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubewarden/policy-server/internal/policy"
)

// rejectionMessageFmt is the canonical message emitted when the mutation gate
// rewrites a mutating response into a denial. The %s is the policy ID.
const rejectionMessageFmt = "Request rejected by policy %s. The policy attempted to mutate the request, but it is currently configured to not allow mutations."

// Handler post-processes the raw verdict a policy evaluator produces, in
// three strict stages: monitor-mode override, mutation gate, then custom
// rejection message. Each stage only ever acts on the output of the one
// before it.
type Handler struct {
	PolicyID               policy.ID
	Mode                   policy.Mode
	AllowedToMutate        bool
	CustomRejectionMessage string
}

// NewHandler builds a Handler from a policy's evaluation settings.
func NewHandler(id policy.ID, settings policy.EvaluationSettings) Handler {
	return Handler{
		PolicyID:               id,
		Mode:                   settings.Mode,
		AllowedToMutate:        settings.AllowedToMutate,
		CustomRejectionMessage: settings.CustomRejectionMessage,
	}
}

// Process applies the pipeline to response and returns the final verdict
// returned to the API server. response is not mutated in place; a copy is
// always returned.
func (h Handler) Process(logger *slog.Logger, response admissionv1.AdmissionResponse) admissionv1.AdmissionResponse {
	out := response

	out = h.applyMonitorMode(logger, out)
	out = h.applyMutationGate(out)
	out = h.applyCustomRejectionMessage(out)

	return out
}

// applyMonitorMode forces the response to "allowed" whenever the policy runs
// in Monitor mode, logging what the underlying verdict actually was. A
// monitor-mode policy never blocks a request; it only ever observes.
func (h Handler) applyMonitorMode(logger *slog.Logger, response admissionv1.AdmissionResponse) admissionv1.AdmissionResponse {
	if h.Mode != policy.ModeMonitor {
		return response
	}

	if !response.Allowed && logger != nil {
		message := ""
		if response.Result != nil {
			message = response.Result.Message
		}
		logger.Info("policy running in monitor mode rejected the request, allowing it anyway",
			slog.String("policy_id", h.PolicyID.String()),
			slog.String("message", message),
		)
	}

	return admissionv1.AdmissionResponse{
		UID:              response.UID,
		Allowed:          true,
		AuditAnnotations: response.AuditAnnotations,
		Warnings:         response.Warnings,
	}
}

// applyMutationGate rewrites an accepted-with-patch response into a denial
// when the policy is not permitted to mutate. Only Protect-mode responses
// reach here carrying a patch, since applyMonitorMode already stripped
// patches from Monitor-mode responses.
func (h Handler) applyMutationGate(response admissionv1.AdmissionResponse) admissionv1.AdmissionResponse {
	if h.AllowedToMutate {
		return response
	}
	if len(response.Patch) == 0 && response.PatchType == nil {
		return response
	}

	return admissionv1.AdmissionResponse{
		UID:     response.UID,
		Allowed: false,
		Result: &metav1.Status{
			Message: fmt.Sprintf(rejectionMessageFmt, h.PolicyID),
		},
	}
}

// applyCustomRejectionMessage replaces the status message of a denied
// response with the operator-configured custom message, preserving the
// original message as a status cause so it is not lost.
func (h Handler) applyCustomRejectionMessage(response admissionv1.AdmissionResponse) admissionv1.AdmissionResponse {
	if response.Allowed || h.CustomRejectionMessage == "" {
		return response
	}

	originalMessage := ""
	if response.Result != nil {
		originalMessage = response.Result.Message
	}

	result := &metav1.Status{Message: h.CustomRejectionMessage}
	if response.Result != nil && response.Result.Details != nil {
		result.Details = response.Result.Details.DeepCopy()
	}
	if originalMessage != "" {
		if result.Details == nil {
			result.Details = &metav1.StatusDetails{}
		}
		result.Details.Causes = append(result.Details.Causes, metav1.StatusCause{
			Message: originalMessage,
		})
	}

	response.Result = result
	return response
}
