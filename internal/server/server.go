// Package server is the External-Interface Shim: the HTTP surface that
// turns a /validate, /validate_raw or /audit request into a worker.Request,
// waits for the worker.Result, and writes back the status code the
// evaluation outcome demands. Grounded on the route set and status-code
// table documented in the original Rust integration tests
// (original_source/crates/policy-server/tests/integration_test.rs) -- no
// api.rs survived into original_source, so the wiring here is reconstructed
// from that test behavior rather than ported from a kept source file.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubewarden/policy-server/internal/evaluation"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/worker"
)

// pool is the slice of *worker.Pool the HTTP shim needs: enough to let
// server_test.go exercise routing/status-code logic against a hand-written
// fake instead of a real worker goroutine pool, the same seam
// internal/worker uses for *evaluation.Environment.
type pool interface {
	Submit(ctx context.Context, req worker.Request)
}

// admissionReviewTypeMeta is stamped onto every response envelope, matching
// the apiVersion/kind a real Kubernetes API server expects back from an
// admission webhook.
var admissionReviewTypeMeta = metav1.TypeMeta{
	APIVersion: "admission.k8s.io/v1",
	Kind:       "AdmissionReview",
}

// Dependencies is everything the HTTP shim needs from the rest of the
// service. None of the handlers in this package consult Environment; the
// per-request path goes entirely through Pool.
type Dependencies struct {
	Environment *evaluation.Environment
	Pool        pool
	Logger      *slog.Logger
}

// New builds the main HTTP surface: POST /validate/{policyID},
// POST /validate_raw/{policyID}, POST /audit/{policyID}, plus /metrics when
// metricsHandler is non-nil. Uses Go 1.22+ http.ServeMux method+wildcard patterns,
// since the route set is small and fixed and no router library is imported
// anywhere in the example pack.
func New(deps Dependencies, metricsHandler http.Handler) *http.ServeMux {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate/{policyID}", h.serve(worker.OriginValidate, false))
	mux.HandleFunc("POST /validate_raw/{policyID}", h.serve(worker.OriginValidate, true))
	mux.HandleFunc("POST /audit/{policyID}", h.serve(worker.OriginAudit, false))
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

// NewReadinessServer builds the second, always-plain-HTTP listener's mux:
// a single unconditional 200, matching "GET /readiness -- always 200 OK
// from a separate HTTP listener that never uses TLS".
func NewReadinessServer() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type handler struct {
	deps Dependencies
}

// writeAdmissionReview wraps response in a full AdmissionReview envelope --
// the standard Kubernetes admission-webhook reply shape -- and writes it at
// HTTP 200. Every evaluated outcome, including an embedded-500 rejection,
// is written this way; only a bare 404/422/500 skip the envelope.
func writeAdmissionReview(w http.ResponseWriter, response *admissionv1.AdmissionResponse) {
	review := admissionv1.AdmissionReview{
		TypeMeta: admissionReviewTypeMeta,
		Response: response,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(review)
}

func writeStatus(w http.ResponseWriter, code int) {
	w.WriteHeader(code)
}

// serve builds the handler for one of the three evaluation routes. raw
// selects whether the body is decoded as an AdmissionReview (extracting
// .request) or handed to the policy verbatim.
func (h *handler) serve(origin worker.Origin, raw bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := policy.NewID(r.PathValue("policyID"))
		if err != nil {
			writeStatus(w, http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeStatus(w, http.StatusUnprocessableEntity)
			return
		}

		requestJSON, admissionReq, ok := decodeBody(body, raw)
		if !ok {
			writeStatus(w, http.StatusUnprocessableEntity)
			return
		}

		req := worker.Request{
			PolicyID:    id,
			Origin:      origin,
			RequestJSON: requestJSON,
			Admission:   admissionReq,
			Reply:       make(chan worker.Result, 1),
		}

		h.deps.Pool.Submit(r.Context(), req)

		select {
		case result := <-req.Reply:
			h.respond(w, result)
		case <-r.Context().Done():
			// Client disconnected before a worker picked this request up.
			// The worker still runs to completion against req.Reply
			// (buffered size 1), it is just never read.
		}
	}
}

func (h *handler) respond(w http.ResponseWriter, result worker.Result) {
	if result.Err != nil {
		if errors.Is(result.Err, evaluation.ErrPolicyNotFound) {
			writeStatus(w, http.StatusNotFound)
			return
		}
		h.deps.Logger.Error("unexpected worker error", "error", result.Err)
		writeStatus(w, http.StatusInternalServerError)
		return
	}
	writeAdmissionReview(w, result.Response)
}

// decodeBody parses the request body for one of the three routes. Every
// route rejects a body that decodes to an empty JSON object (the shared
// "malformed/empty payload" fixture across the Rust test suite's
// test_validate_invalid_payload / test_validate_raw_invalid_payload /
// test_audit_invalid_payload, all of which send the literal body "{}" and
// expect 422); raw mode stops there and hands the body through verbatim,
// admission-review mode additionally requires a populated .request field.
func decodeBody(body []byte, raw bool) ([]byte, *admissionv1.AdmissionRequest, bool) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil || len(generic) == 0 {
		return nil, nil, false
	}

	if raw {
		return body, nil, true
	}

	var review admissionv1.AdmissionReview
	if err := json.Unmarshal(body, &review); err != nil || review.Request == nil {
		return nil, nil, false
	}
	requestJSON, err := json.Marshal(review.Request)
	if err != nil {
		return nil, nil, false
	}
	return requestJSON, review.Request, true
}
