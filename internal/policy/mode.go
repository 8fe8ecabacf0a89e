package policy

// Mode is the execution mode a policy evaluates under. It is distinct from
// the Wasm ExecutionMode (SDK/OPA/Gatekeeper/WASI): this Mode controls what
// the Admission-Response Handler does with the verdict.
type Mode string

const (
	// ModeProtect evaluates the policy and returns its verdict unmodified
	// (subject to the mutation gate and custom-message rewrites).
	ModeProtect Mode = "protect"
	// ModeMonitor evaluates the policy but always forces allowed=true,
	// logging what the real verdict would have been.
	ModeMonitor Mode = "monitor"
)

// ExecutionMode is the guest's Wasm ABI flavor.
type ExecutionMode string

const (
	// ExecutionModeKubewardenSDK is for policies built with a Kubewarden
	// SDK (Rust, Go, ...); the guest exposes "validate" and
	// "validate_settings" waPC-style entry points.
	ExecutionModeKubewardenSDK ExecutionMode = "kubewarden-sdk"
	// ExecutionModeOpaGatekeeper is for Rego policies compiled for Gatekeeper's
	// "violation" rule convention.
	ExecutionModeOpaGatekeeper ExecutionMode = "opa-gatekeeper"
	// ExecutionModeOpa is for plain Rego policies using OPA's "deny" convention.
	ExecutionModeOpa ExecutionMode = "opa"
	// ExecutionModeWasi is for policies compiled to a bare WASI command
	// module that reads stdin and writes stdout.
	ExecutionModeWasi ExecutionMode = "wasi"
)
