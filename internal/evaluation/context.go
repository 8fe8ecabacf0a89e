// Package evaluation implements the Evaluation Context, the single Policy
// Evaluator, and the Evaluation Environment: the per-request Wasm
// instantiation path and the immutable, bootstrap-built snapshot of what
// policies exist and how to run them. Grounded on
// evaluation_environment.rs, policy_evaluator.rs's rehydrate/validate flow
// (referenced but not kept verbatim; reconstructed from the evaluation
// environment's call sites) and policy_group_evaluator/evaluator.rs.
package evaluation

import (
	"context"
	"log/slog"

	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/policy"
)

// Context is the per-evaluation handle a Wasm instance's host functions
// close over: which policy is running, where to send host-capability
// requests, and what it is allowed to touch. Grounded on
// evaluation_context.rs's EvaluationContext (policy_id, callback_channel,
// ctx_aware_resources_allow_list).
type Context struct {
	PolicyID  policy.ID
	Bus       callback.Bus
	Allowlist policy.ResourceAllowlist
	Logger    *slog.Logger
}

// Dispatcher builds the callback.Dispatcher this Context's host functions
// should call into.
func (c Context) Dispatcher() callback.Dispatcher {
	return callback.Dispatcher{
		PolicyID:  c.PolicyID.String(),
		Allowlist: c.Allowlist,
		Bus:       c.Bus,
		Logger:    c.Logger,
	}
}

// Log writes a guest log line through the host logger, tagged with the
// policy ID, rather than stdout, since multiple policies share one process.
// The waPC __console_log import calls it; the callback dispatcher has no
// "tracing" namespace, so a kubewarden/tracing/log host call is not routed
// here.
func (c Context) Log(ctx context.Context, level, message string) {
	if c.Logger == nil {
		return
	}
	attrs := []any{slog.String("policy_id", c.PolicyID.String())}
	switch level {
	case "error":
		c.Logger.Error(message, attrs...)
	case "warn", "warning":
		c.Logger.Warn(message, attrs...)
	case "debug":
		c.Logger.Debug(message, attrs...)
	default:
		c.Logger.Info(message, attrs...)
	}
}
