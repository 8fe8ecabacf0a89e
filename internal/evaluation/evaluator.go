package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/kubewarden/policy-server/internal/engine"
	"github.com/kubewarden/policy-server/internal/policy"
)

// waPC ABI export/import names. A Kubewarden-SDK guest is a waPC module: it
// exports guest_call and (optionally) wapc_init, and imports the host
// functions below to exchange the request/response bytes and make host
// calls. This mirrors the protocol wapc-go implements on the host side;
// reimplemented directly atop wazero rather than vendoring a waPC runtime
// library, since the host side of the protocol is a few dozen lines of
// memory plumbing.
const (
	waPCModuleEnv         = "wapc"
	exportGuestCall       = "guest_call"
	exportWapcInit        = "wapc_init"
	importHostCall        = "__host_call"
	importConsoleLog      = "__console_log"
	importGuestRequest    = "__guest_request"
	importGuestResponse   = "__guest_response"
	importGuestError      = "__guest_error"
	importHostResponse    = "__host_response"
	importHostResponseLen = "__host_response_len"
	importHostError       = "__host_error"
	importHostErrorLen    = "__host_error_len"
)

// errExecutionModeNotSupported is returned for execution modes this
// evaluator cannot yet run. OPA and Gatekeeper policies are compiled
// against the OPA Wasm ABI (opa_eval/opa_malloc/opa_json_dump, with
// builtin dispatch back into the host), a substantially different and
// much larger surface than waPC's; wiring it up needs the same builtin
// table burrego implements in Rust, which is tracked as a scope reduction
// rather than guessed at here. WASI-direct modules need a WASI-command
// harness (stdin/stdout framing) rather than a function-call ABI at all.
var errExecutionModeNotSupported = errors.New("execution mode is not yet supported by this build")

// ErrDeadlineExceeded is the error Validate returns when a per-evaluation
// deadline aborts the guest call, distinguished from an ordinary guest
// trap so callers can surface the exact operator-facing message.
var ErrDeadlineExceeded = errors.New("guest code interrupted, execution deadline exceeded")

// RequestDispatcher is the host-capability side of a running evaluation:
// whatever receives the guest's (binding, namespace, operation, payload)
// call. Context.Dispatcher() implements this via the Callback Bus.
type RequestDispatcher interface {
	Dispatch(ctx context.Context, binding, namespace, operation string, payload []byte) ([]byte, error)
}

// Evaluator runs one validate/validate_settings call against a freshly
// instantiated copy of a Precompiled module. Grounded on the
// rehydrate-then-validate flow in evaluation_environment.rs: a fresh
// instance per call, discarded afterward, so no state or memory leak
// crosses requests.
type Evaluator struct {
	Runtime     wazero.Runtime
	Precompiled *engine.Precompiled
	Context     Context
}

// hostState carries the per-call mutable state the waPC import functions
// close over: the pending guest request/response buffers and the last host
// call's result. One hostState backs exactly one Evaluator.invokeWaPC call.
type hostState struct {
	operation     string
	guestRequest  []byte
	guestResponse []byte
	guestError    string
	hostResponse  []byte
	hostError     string
	dispatcher    RequestDispatcher
}

// Validate calls the guest's "validate" entry point (ValidateSettings calls
// "validate_settings") with requestJSON and settingsJSON, returning the raw
// admission-response bytes the guest wrote back. The request document is
// passed through verbatim in both raw and non-raw mode -- whether it is
// wrapped in an AdmissionReview envelope is the caller's decision, not
// this evaluator's.
func (e Evaluator) Validate(ctx context.Context, requestJSON, settingsJSON []byte) ([]byte, error) {
	switch e.Precompiled.ExecutionMode {
	case policy.ExecutionModeKubewardenSDK:
		payload, err := buildValidationRequest(requestJSON, settingsJSON)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", e.Context.PolicyID, err)
		}
		return e.invokeWaPC(ctx, "validate", payload)
	case policy.ExecutionModeOpa, policy.ExecutionModeOpaGatekeeper, policy.ExecutionModeWasi:
		return nil, fmt.Errorf("policy %s: %w (%s)", e.Context.PolicyID, errExecutionModeNotSupported, e.Precompiled.ExecutionMode)
	default:
		return nil, fmt.Errorf("policy %s: unknown execution mode %q", e.Context.PolicyID, e.Precompiled.ExecutionMode)
	}
}

// ValidateSettings calls the guest's "validate_settings" entry point,
// used at bootstrap/rehydrate time to reject a policy whose configured
// settings are structurally invalid before it is ever sent real traffic.
func (e Evaluator) ValidateSettings(ctx context.Context, settingsJSON []byte) ([]byte, error) {
	switch e.Precompiled.ExecutionMode {
	case policy.ExecutionModeKubewardenSDK:
		return e.invokeWaPC(ctx, "validate_settings", settingsJSON)
	default:
		// OPA-family and WASI policies have no separate settings-validation
		// entry point; their settings are opaque `data` documents.
		return []byte(`{"valid":true}`), nil
	}
}

func (e Evaluator) invokeWaPC(ctx context.Context, op string, payload []byte) ([]byte, error) {
	state := &hostState{dispatcher: e.Context.Dispatcher()}

	module, err := e.instantiate(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("instantiating policy %s: %w", e.Context.PolicyID, err)
	}
	defer module.Close(ctx)

	state.operation = op
	state.guestRequest = payload

	guestCall := module.ExportedFunction(exportGuestCall)
	if guestCall == nil {
		return nil, fmt.Errorf("policy %s does not export %s", e.Context.PolicyID, exportGuestCall)
	}

	results, err := guestCall.Call(ctx, uint64(len(op)), uint64(len(payload)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrDeadlineExceeded
		}
		return nil, fmt.Errorf("guest call to policy %s trapped: %w", e.Context.PolicyID, err)
	}
	if len(results) == 0 || results[0] == 0 {
		if state.guestError != "" {
			return nil, fmt.Errorf("policy %s returned an error: %s", e.Context.PolicyID, state.guestError)
		}
		return nil, fmt.Errorf("policy %s rejected the call with no error message", e.Context.PolicyID)
	}

	return state.guestResponse, nil
}

func (e Evaluator) instantiate(ctx context.Context, state *hostState) (api.Module, error) {
	builder := e.Runtime.NewHostModuleBuilder(waPCModuleEnv)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, bindingPtr, bindingLen, namespacePtr, namespaceLen, operationPtr, operationLen, payloadPtr, payloadLen uint32) uint64 {
			binding := mustReadString(m, bindingPtr, bindingLen)
			namespace := mustReadString(m, namespacePtr, namespaceLen)
			operation := mustReadString(m, operationPtr, operationLen)
			payload := mustReadBytes(m, payloadPtr, payloadLen)

			reply, err := state.dispatcher.Dispatch(ctx, binding, namespace, operation, payload)
			if err != nil {
				state.hostError = err.Error()
				state.hostResponse = nil
				return 0
			}
			state.hostResponse = reply
			state.hostError = ""
			return 1
		}).
		Export(importHostCall)

	// __guest_response is called BY the guest once it has written its
	// response into its own memory: it hands the host (ptr, len) so the
	// host can copy the bytes out before the guest's memory is reused.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			state.guestResponse = mustReadBytes(m, ptr, length)
		}).
		Export(importGuestResponse)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			state.guestError = string(mustReadBytes(m, ptr, length))
		}).
		Export(importGuestError)

	// __guest_request is called BY the guest with two buffers it has
	// already allocated: one sized to the operation string's length, one
	// sized to the payload's length (the host passed both lengths as the
	// arguments of the guest_call invocation). The host writes the operation name
	// into the first and the request payload into the second.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, operationPtr, payloadPtr uint32) {
			mustWriteBytes(m, operationPtr, []byte(state.operation))
			mustWriteBytes(m, payloadPtr, state.guestRequest)
		}).
		Export(importGuestRequest)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			mustWriteBytes(m, ptr, state.hostResponse)
		}).
		Export(importHostResponse)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint32 {
			return uint32(len(state.hostResponse))
		}).
		Export(importHostResponseLen)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			mustWriteBytes(m, ptr, []byte(state.hostError))
		}).
		Export(importHostError)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint32 {
			return uint32(len(state.hostError))
		}).
		Export(importHostErrorLen)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			e.Context.Log(ctx, "info", string(mustReadBytes(m, ptr, length)))
		}).
		Export(importConsoleLog)

	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("registering host module: %w", err)
	}

	cfg := wazero.NewModuleConfig().WithName(e.Context.PolicyID.String())
	moduleInstance, err := e.Runtime.InstantiateModule(ctx, e.Precompiled.Module, cfg)
	if err != nil {
		return nil, err
	}

	if init := moduleInstance.ExportedFunction(exportWapcInit); init != nil {
		if _, err := init.Call(ctx); err != nil {
			return nil, fmt.Errorf("wapc_init failed: %w", err)
		}
	}

	return moduleInstance, nil
}

func mustReadBytes(m api.Module, ptr, length uint32) []byte {
	buf, ok := m.Memory().Read(ptr, length)
	if !ok {
		return nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

func mustReadString(m api.Module, ptr, length uint32) string {
	return string(mustReadBytes(m, ptr, length))
}

func mustWriteBytes(m api.Module, ptr uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	m.Memory().Write(ptr, data)
}

// validationRequest is the Kubewarden SDK's wire envelope for a "validate"
// call: a single JSON object carrying both the admission request and the
// policy's settings, not a binary-framed concatenation of the two. The SDK
// crate itself is not part of the kept source set, so this shape is
// reconstructed from the guest contract every Kubewarden-SDK policy is
// written against (request/settings as sibling fields of one object).
type validationRequest struct {
	Request  json.RawMessage `json:"request"`
	Settings json.RawMessage `json:"settings"`
}

// buildValidationRequest marshals requestJSON and settingsJSON into the
// SDK's single-object "validate" payload.
func buildValidationRequest(requestJSON, settingsJSON []byte) ([]byte, error) {
	payload, err := json.Marshal(validationRequest{Request: requestJSON, Settings: settingsJSON})
	if err != nil {
		return nil, fmt.Errorf("marshaling validation request: %w", err)
	}
	return payload, nil
}
