// Package worker implements the Worker Pool: a fixed set of goroutines that
// dequeue evaluation requests, run them against the Evaluation Environment,
// post-process the verdict through the Admission-Response Handler, and
// reply on a per-request channel. Grounded on workers/worker.rs's Worker
// (the blocking dequeue loop, the metrics it records, the always-accept
// namespace override applied just before replying) and workers/pool.rs's
// WorkerPool (the fan-out of one shared request channel across N workers).
package worker

import (
	admissionv1 "k8s.io/api/admission/v1"

	"github.com/kubewarden/policy-server/internal/policy"
)

// Origin distinguishes a normal admission evaluation from an audit-mode
// one, mirroring communication.rs's RequestOrigin.
type Origin int

const (
	// OriginValidate is a normal /validate or /validate_raw request: the
	// Admission-Response Handler's mutation gate applies in full.
	OriginValidate Origin = iota
	// OriginAudit is an /audit request: the mutation gate is skipped, since
	// auditors want the policy's raw verdict.
	OriginAudit
)

// String renders the origin the way it appears in metrics labels.
func (o Origin) String() string {
	if o == OriginAudit {
		return "audit"
	}
	return "validate"
}

// Request is one evaluation handed to the pool by the HTTP shim. Admission
// is nil in raw mode: RequestJSON is then the arbitrary payload to hand
// straight to the policy, and there is no Kubernetes request metadata to
// label metrics with.
type Request struct {
	PolicyID    policy.ID
	Origin      Origin
	RequestJSON []byte
	Admission   *admissionv1.AdmissionRequest

	// Reply is sent exactly once by the worker that picks up this
	// request. The HTTP shim must create it with capacity 1, so a worker
	// that finishes after the shim has given up on the request (client
	// disconnected) is never blocked trying to send -- matching the
	// spec's "client disconnection does not cancel the worker" rule.
	Reply chan Result
}

// Result is what a worker sends back once it has finished, or gives up.
// Response is nil only when Err is non-nil.
type Result struct {
	Response *admissionv1.AdmissionResponse
	Err      error
}
