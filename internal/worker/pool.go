package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubewarden/policy-server/internal/admission"
	"github.com/kubewarden/policy-server/internal/evaluation"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/telemetry"
)

// environment is the slice of *evaluation.Environment a worker needs.
// Grounded on worker.rs's own seam: its Worker holds an
// Arc<EvaluationEnvironment> but the tests substitute a mockall-generated
// mock implementing the same trait: this interface plays that role here,
// letting pool_test.go exercise the handler/metrics/always-accept logic
// without a real Wasm module.
type environment interface {
	Mode(id policy.ID) (policy.Mode, error)
	AllowedToMutate(id policy.ID) (bool, error)
	CustomRejectionMessage(id policy.ID) (string, error)
	ShouldAccept(namespace string) bool
	Validate(ctx context.Context, id policy.ID, requestJSON []byte) ([]byte, error)
}

// Pool is N worker goroutines sharing one request channel, each running
// requests against the same Evaluation Environment. Grounded on
// workers/pool.rs's WorkerPool: the pool itself owns nothing but the
// channel and the worker count, since every worker shares the same
// read-only Environment.
type Pool struct {
	Environment environment
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger

	// Size is the number of worker goroutines. Zero means
	// runtime.NumCPU(), matching "N defaults to CPU count".
	Size int

	requests chan Request
}

// NewPool builds a Pool with a buffered request channel sized to its
// worker count, so the HTTP shim's dispatch never blocks a single worker
// slot ahead of the others.
func NewPool(env environment, metrics *telemetry.Metrics, logger *slog.Logger, size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		Environment: env,
		Metrics:     metrics,
		Logger:      logger,
		Size:        size,
		requests:    make(chan Request, size),
	}
}

// Submit enqueues req for evaluation. It blocks only until a worker is free
// to accept the request, not until evaluation finishes; the caller reads
// the result from req.Reply.
func (p *Pool) Submit(ctx context.Context, req Request) {
	select {
	case p.requests <- req:
	case <-ctx.Done():
	}
}

// Run starts Size worker goroutines and blocks until ctx is canceled. Each
// worker finishes whatever request it is currently evaluating before
// exiting; in-flight HTTP requests are never aborted mid-evaluation,
// matching "workers finish their current evaluation then exit".
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.Size)
	for i := 0; i < p.Size; i++ {
		go func() {
			p.loop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.Size; i++ {
		<-done
	}
}

func (p *Pool) loop(ctx context.Context) {
	for {
		select {
		case req := <-p.requests:
			p.evaluate(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) evaluate(ctx context.Context, req Request) {
	start := time.Now()

	outcome, err := p.run(ctx, req)
	if err != nil {
		req.Reply <- Result{Err: err}
		return
	}

	eval := telemetry.Evaluation{
		PolicyName: req.PolicyID.String(),
		Mode:       string(outcome.mode),
		Accepted:   outcome.accepted,
		Mutated:    outcome.mutated,
		Origin:     req.Origin.String(),
		ErrorCode:  outcome.errorCode,
	}
	if req.Admission != nil {
		eval.Namespace = req.Admission.Namespace
		eval.Operation = string(req.Admission.Operation)
		if req.Admission.RequestKind != nil {
			eval.Kind = req.Admission.RequestKind.Kind
		}
	}
	p.Metrics.Record(ctx, time.Since(start), eval)

	req.Reply <- Result{Response: outcome.response}
}

// evalOutcome bundles run's result with the values evaluate needs to label
// metrics with, all computed from the vanilla (pre-handler) verdict,
// matching worker.rs's evaluate().
type evalOutcome struct {
	response  *admissionv1.AdmissionResponse
	mode      policy.Mode
	accepted  bool
	mutated   bool
	errorCode int32
}

// run performs the actual evaluation: fetch the policy's verdict, apply the
// Admission-Response Handler (unless this is an audit request), and apply
// the always-accept-namespace override.
//
// Only evaluation.ErrPolicyNotFound is returned as a Go error here -- the
// HTTP shim maps that to 404. Every other failure (a recorded bootstrap
// error, a guest trap, a malformed guest response) is instead packaged
// into a 500-coded AdmissionResponse and returned as a normal outcome, so
// the client always gets back a well-formed AdmissionReview at HTTP 200.
// Grounded on worker.rs's run(): EvaluationError::PolicyNotFound maps to
// None (404 at the HTTP layer), every other EvaluationError maps to
// AdmissionResponse::reject_internal_server_error(uid, message).
func (p *Pool) run(ctx context.Context, req Request) (evalOutcome, error) {
	mode, err := p.Environment.Mode(req.PolicyID)
	if err != nil {
		if errors.Is(err, evaluation.ErrPolicyNotFound) {
			return evalOutcome{}, err
		}
		return internalServerErrorOutcome(req, err), nil
	}
	allowedToMutate, err := p.Environment.AllowedToMutate(req.PolicyID)
	if err != nil {
		return internalServerErrorOutcome(req, err), nil
	}
	customMessage, err := p.Environment.CustomRejectionMessage(req.PolicyID)
	if err != nil {
		return internalServerErrorOutcome(req, err), nil
	}

	raw, err := p.Environment.Validate(ctx, req.PolicyID, req.RequestJSON)
	if err != nil {
		return internalServerErrorOutcome(req, fmt.Errorf("evaluating policy %s: %w", req.PolicyID, err)), nil
	}

	var vanilla admissionv1.AdmissionResponse
	if err := json.Unmarshal(raw, &vanilla); err != nil {
		return internalServerErrorOutcome(req, fmt.Errorf("decoding policy %s response: %w", req.PolicyID, err)), nil
	}

	outcome := evalOutcome{
		mode:     mode,
		accepted: vanilla.Allowed,
		mutated:  len(vanilla.Patch) > 0,
	}
	if vanilla.Result != nil {
		outcome.errorCode = vanilla.Result.Code
	}

	response := vanilla
	if req.Origin == OriginValidate {
		handler := admission.Handler{
			PolicyID:               req.PolicyID,
			Mode:                   mode,
			AllowedToMutate:        allowedToMutate,
			CustomRejectionMessage: customMessage,
		}
		response = handler.Process(p.Logger, vanilla)
	}

	if req.Admission != nil && p.Environment.ShouldAccept(req.Admission.Namespace) {
		response = admissionv1.AdmissionResponse{
			UID:       response.UID,
			Allowed:   true,
			Patch:     response.Patch,
			PatchType: response.PatchType,
		}
	}

	outcome.response = &response
	return outcome, nil
}

// internalServerErrorOutcome packages a non-PolicyNotFound evaluation
// failure into an allowed:false AdmissionResponse carrying an embedded
// status code 500, matching AdmissionResponse::reject_internal_server_error:
// the client always receives a well-formed AdmissionReview, never a bare
// HTTP 500 from the evaluation stage.
func internalServerErrorOutcome(req Request, err error) evalOutcome {
	response := &admissionv1.AdmissionResponse{
		Allowed: false,
		Result: &metav1.Status{
			Message: err.Error(),
			Code:    500,
		},
	}
	if req.Admission != nil {
		response.UID = req.Admission.UID
	}
	return evalOutcome{response: response, errorCode: 500}
}
