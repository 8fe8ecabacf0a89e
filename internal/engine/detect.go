package engine

import (
	"fmt"

	"github.com/tetratelabs/wazero"

	"github.com/kubewarden/policy-server/internal/policy"
)

// kubewardenSDKExports and opaExports are the export names that tell apart a
// Kubewarden-SDK guest from an OPA/Gatekeeper-compiled one, absent explicit
// metadata. A native SDK policy always exports "validate" (and usually
// "validate_settings"); an OPA Wasm build always exports "eval" alongside
// the "opa_*" memory-management ABI, per the Wasm target documented at
// https://www.openpolicyagent.org/docs/latest/wasm/#the-wasm-module -- a
// page, not a repo file, so this mapping is asserted directly rather than
// grounded on a kept source file.
const (
	exportValidate = "validate"
	exportOPAEval  = "eval"
)

// DetectExecutionMode infers a module's Wasm ABI flavor from its exported
// functions, when neither the module's own metadata nor an operator
// override settled the question. It only ever returns
// ExecutionModeKubewardenSDK: Gatekeeper's "violation" rule convention and
// OPA's "deny" convention produce identical wasm exports, so a module
// exporting "eval" is reported as an error asking for an explicit operator
// override -- this function refuses to guess between the two.
func DetectExecutionMode(module wazero.CompiledModule) (policy.ExecutionMode, error) {
	exports := module.ExportedFunctions()

	_, hasValidate := exports[exportValidate]
	if hasValidate {
		return policy.ExecutionModeKubewardenSDK, nil
	}

	_, hasEval := exports[exportOPAEval]
	if hasEval {
		return "", fmt.Errorf("module exports %q, so it is an OPA or Gatekeeper policy; configure an explicit execution mode override (%q or %q)", exportOPAEval, policy.ExecutionModeOpa, policy.ExecutionModeOpaGatekeeper)
	}

	return "", fmt.Errorf("cannot determine execution mode: module exports neither %q nor %q; configure an explicit execution mode override", exportValidate, exportOPAEval)
}

// ResolveExecutionMode applies the spec's precedence: an explicit operator
// override always wins over a heuristic guess, but it must agree with the
// module's self-declared metadata when the module has one. declared is the
// empty string when the module carries no metadata-declared execution mode.
func ResolveExecutionMode(declared, override policy.ExecutionMode, module wazero.CompiledModule) (policy.ExecutionMode, error) {
	switch {
	case declared != "" && override != "" && declared != override:
		return "", fmt.Errorf("execution mode override %q conflicts with module metadata %q", override, declared)
	case declared != "":
		return declared, nil
	case override != "":
		return override, nil
	default:
		return DetectExecutionMode(module)
	}
}
