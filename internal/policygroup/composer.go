// Package policygroup implements the Policy-Group boolean composer: a CEL
// expression over member policy verdicts ("policy_a() && !policy_b()")
// that produces one combined admission response. Grounded on
// policygroup_validation.go's validatePolicyGroupExpressionField, which
// restricts the CEL environment the same way (member names as zero-arg
// bool functions, only equals/not-equals/and/or/not from the standard
// library); this package reuses that restricted environment but, unlike
// the webhook validator, also binds the functions to real implementations
// so the expression can actually be evaluated, not just type-checked.
package policygroup

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/stdlib"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	admissionv1 "k8s.io/api/admission/v1"

	"github.com/kubewarden/policy-server/internal/admission"
)

// MemberNamePattern and ReservedWords mirror policygroup_validation.go's
// idenRegex and celReservedSymbols, so a group definition already accepted
// by the admission webhook is guaranteed to compile here too.
var MemberNamePattern = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

var reservedWords = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true,
	"var": true, "void": true, "while": true,
}

// ValidMemberName reports whether name is an acceptable policy-group member
// identifier: a valid CEL identifier that is not a reserved word.
func ValidMemberName(name string) bool {
	return name != "" && !reservedWords[name] && MemberNamePattern.MatchString(name)
}

// Verdict is one member policy's outcome, extracted from its raw admission
// response bytes.
type Verdict struct {
	Allowed  bool
	Message  string
	HasPatch bool
}

// ParseVerdict decodes a member's raw AdmissionResponse-shaped bytes into a
// Verdict.
func ParseVerdict(raw []byte) (Verdict, error) {
	var response admissionv1.AdmissionResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return Verdict{}, fmt.Errorf("decoding member response: %w", err)
	}
	verdict := Verdict{Allowed: response.Allowed, HasPatch: len(response.Patch) > 0}
	if response.Result != nil {
		verdict.Message = response.Result.Message
	}
	return verdict, nil
}

// Member is one policy-group member's evaluation, bound into the CEL
// environment as a zero-arg function returning its allowed/denied verdict.
type Member struct {
	Evaluate func(ctx context.Context) (Verdict, error)
}

// Composer evaluates a compiled policy-group expression against a set of
// member evaluators, short-circuiting exactly as CEL's native && and ||
// do: a member function is invoked only when the expression's evaluation
// actually reaches it.
type Composer struct {
	program cel.Program

	mu        sync.Mutex
	ctx       context.Context
	members   map[string]Member
	evaluated []evaluatedMember
	hardErr   error
}

type evaluatedMember struct {
	name    string
	verdict Verdict
}

// NewComposer compiles expression into a CEL program whose free functions
// are exactly memberNames, each a zero-argument function returning bool.
// The ban on member mutations is enforced at Evaluate time, not here.
func NewComposer(expression string, memberNames []string) (*Composer, error) {
	if expression == "" {
		return nil, fmt.Errorf("policy group expression must not be empty")
	}

	composer := &Composer{}

	var opts []cel.EnvOption
	for _, name := range memberNames {
		if !ValidMemberName(name) {
			return nil, fmt.Errorf("invalid policy group member name %q", name)
		}
		name := name
		opts = append(opts, cel.Function(name,
			cel.Overload(name+"_overload", []*cel.Type{}, cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					return composer.evaluateMember(name)
				}),
			),
		))
	}

	allowedOperators := map[string]bool{
		operators.Equals:     true,
		operators.NotEquals:  true,
		operators.LogicalOr:  true,
		operators.LogicalAnd: true,
		operators.LogicalNot: true,
	}
	for _, fn := range stdlib.Functions() {
		if !allowedOperators[fn.Name()] {
			continue
		}
		fn := fn
		opts = append(opts, cel.Function(fn.Name(),
			func(*decls.FunctionDecl) (*decls.FunctionDecl, error) {
				return fn, nil
			}))
	}

	env, err := cel.NewCustomEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("building policy group CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid policy group expression %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != types.BoolType {
		return nil, fmt.Errorf("policy group expression %q must evaluate to bool", expression)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building policy group CEL program: %w", err)
	}

	composer.program = program
	return composer, nil
}

func (c *Composer) evaluateMember(name string) ref.Val {
	member, ok := c.members[name]
	if !ok {
		c.hardErr = fmt.Errorf("policy group references unknown member %q", name)
		return types.NewErr("unknown member %q", name)
	}
	verdict, err := member.Evaluate(c.ctx)
	if err != nil {
		c.hardErr = fmt.Errorf("member %q: %w", name, err)
		return types.NewErr("member %q failed: %v", name, err)
	}
	c.evaluated = append(c.evaluated, evaluatedMember{name: name, verdict: verdict})

	// A mutating member is forced to false here, inside the expression,
	// so it participates in CEL's && / || short-circuiting exactly as the
	// original's policy_group_evaluator/evaluator.rs does (return Ok(false)
	// rather than the raw allowed bit), instead of only being patched onto
	// the final allowed bit after the whole expression has already run.
	if verdict.HasPatch {
		return types.Bool(false)
	}
	return types.Bool(verdict.Allowed)
}

// mutationDisallowedMessage is the exact operator-facing message a policy
// group returns when one of its members tried to mutate the request.
const mutationDisallowedMessage = "mutation is not allowed inside of policy group"

// Evaluate runs the compiled expression, invoking members's Evaluate
// functions on demand, and returns the combined verdict as raw
// AdmissionResponse JSON bytes. message is the group's own configured
// denial message, stamped onto status.message on every denial -- grounded
// on policy_group_evaluator/evaluator.rs, which sets status.message =
// self.message directly in the composer rather than leaving it to a
// later, origin-gated rejection-message stage.
func (c *Composer) Evaluate(ctx context.Context, members map[string]Member, message string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx = ctx
	c.members = members
	c.evaluated = nil
	c.hardErr = nil

	out, _, err := c.program.Eval(cel.NoVars())
	if c.hardErr != nil {
		return nil, c.hardErr
	}
	if err != nil {
		return nil, fmt.Errorf("evaluating policy group expression: %w", err)
	}

	var causes []cause
	for _, entry := range c.evaluated {
		switch {
		case entry.verdict.HasPatch:
			causes = append(causes, cause{field: "spec.policies." + entry.name, message: mutationDisallowedMessage})
		case !entry.verdict.Allowed:
			causes = append(causes, cause{field: "spec.policies." + entry.name, message: entry.verdict.Message})
		}
	}

	allowed := out == types.True

	response := admission.Allowed("")
	response.Allowed = allowed
	if !allowed {
		response = admission.Denied("", message, 0)
		for _, entry := range causes {
			response = admission.WithCause(response, entry.field, entry.message)
		}
	}

	return json.Marshal(response)
}

type cause struct {
	field   string
	message string
}
