package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubewarden/policy-server/internal/evaluation"
	"github.com/kubewarden/policy-server/internal/policy"
)

// fakeEnvironment is a hand-written stand-in for *evaluation.Environment,
// playing the role worker.rs's tests give EvaluationEnvironment::default()
// (a mockall-generated mock): each field is a canned value the test configures.
type fakeEnvironment struct {
	mode            policy.Mode
	modeErr         error
	allowedToMutate bool
	customMessage   string
	alwaysAccept    string
	response        admissionv1.AdmissionResponse
	validateErr     error
}

func (f *fakeEnvironment) Mode(policy.ID) (policy.Mode, error) { return f.mode, f.modeErr }
func (f *fakeEnvironment) AllowedToMutate(policy.ID) (bool, error)        { return f.allowedToMutate, nil }
func (f *fakeEnvironment) CustomRejectionMessage(policy.ID) (string, error) {
	return f.customMessage, nil
}
func (f *fakeEnvironment) ShouldAccept(namespace string) bool {
	return f.alwaysAccept != "" && f.alwaysAccept == namespace
}
func (f *fakeEnvironment) Validate(context.Context, policy.ID, []byte) ([]byte, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return json.Marshal(f.response)
}

func testPool(t *testing.T, env environment) *Pool {
	t.Helper()
	return NewPool(env, nil, nil, 1)
}

func testRequest(id policy.ID, origin Origin) Request {
	return Request{PolicyID: id, Origin: origin, RequestJSON: []byte(`{}`), Reply: make(chan Result, 1)}
}

func TestPoolAppliesMutationGateOnValidate(t *testing.T) {
	id, err := policy.NewID("p")
	require.NoError(t, err)

	env := &fakeEnvironment{
		mode:            policy.ModeProtect,
		allowedToMutate: false,
		response:        admissionv1.AdmissionResponse{Allowed: true, Patch: []byte("patch"), PatchType: ptr("JSONPatch")},
	}
	pool := testPool(t, env)

	req := testRequest(id, OriginValidate)
	pool.evaluate(context.Background(), req)

	result := <-req.Reply
	require.NoError(t, result.Err)
	assert.False(t, result.Response.Allowed)
	assert.Nil(t, result.Response.Patch)
}

func TestPoolAuditSkipsMutationGate(t *testing.T) {
	id, err := policy.NewID("p")
	require.NoError(t, err)

	env := &fakeEnvironment{
		mode:            policy.ModeProtect,
		allowedToMutate: false,
		response:        admissionv1.AdmissionResponse{Allowed: true, Patch: []byte("patch"), PatchType: ptr("JSONPatch")},
	}
	pool := testPool(t, env)

	req := testRequest(id, OriginAudit)
	pool.evaluate(context.Background(), req)

	result := <-req.Reply
	require.NoError(t, result.Err)
	assert.True(t, result.Response.Allowed)
	assert.Equal(t, []byte("patch"), result.Response.Patch)
}

func TestPoolMonitorModeAlwaysAccepts(t *testing.T) {
	id, err := policy.NewID("p")
	require.NoError(t, err)

	env := &fakeEnvironment{
		mode:     policy.ModeMonitor,
		response: admissionv1.AdmissionResponse{Allowed: false, Result: &metav1.Status{Message: "denied"}},
	}
	pool := testPool(t, env)

	req := testRequest(id, OriginValidate)
	pool.evaluate(context.Background(), req)

	result := <-req.Reply
	require.NoError(t, result.Err)
	assert.True(t, result.Response.Allowed)
}

func TestPoolAlwaysAcceptNamespaceOverridesDenial(t *testing.T) {
	id, err := policy.NewID("p")
	require.NoError(t, err)

	env := &fakeEnvironment{
		mode:         policy.ModeProtect,
		alwaysAccept: "kubewarden",
		response:     admissionv1.AdmissionResponse{Allowed: false, Result: &metav1.Status{Message: "denied"}},
	}
	pool := testPool(t, env)

	req := testRequest(id, OriginValidate)
	req.Admission = &admissionv1.AdmissionRequest{Namespace: "kubewarden"}
	pool.evaluate(context.Background(), req)

	result := <-req.Reply
	require.NoError(t, result.Err)
	assert.True(t, result.Response.Allowed)
	assert.Nil(t, result.Response.Result)
}

// TestPoolPackagesEvaluationErrorAsEmbeddedStatus mirrors
// test_policy_with_wrong_url in the Rust integration tests: a failure
// during evaluation (a guest trap, a bad module, a decode failure) never
// surfaces as a bare Go error out of the pool. It comes back as a normal
// Result carrying an allowed:false AdmissionResponse with an embedded
// status code 500, so the HTTP shim always answers 200.
func TestPoolPackagesEvaluationErrorAsEmbeddedStatus(t *testing.T) {
	id, err := policy.NewID("p")
	require.NoError(t, err)

	boom := errors.New("boom")
	env := &fakeEnvironment{mode: policy.ModeProtect, validateErr: boom}
	pool := testPool(t, env)

	req := testRequest(id, OriginValidate)
	pool.evaluate(context.Background(), req)

	result := <-req.Reply
	require.NoError(t, result.Err)
	require.NotNil(t, result.Response)
	assert.False(t, result.Response.Allowed)
	require.NotNil(t, result.Response.Result)
	assert.EqualValues(t, 500, result.Response.Result.Code)
	assert.Contains(t, result.Response.Result.Message, "boom")
}

// TestPoolPropagatesPolicyNotFound is the one case that DOES surface as a
// bare Go error: a truly unregistered policy ID. The HTTP shim maps this
// to a bare 404, never an embedded AdmissionResponse.
func TestPoolPropagatesPolicyNotFound(t *testing.T) {
	id, err := policy.NewID("p")
	require.NoError(t, err)

	env := &fakeEnvironment{modeErr: evaluation.ErrPolicyNotFound}
	pool := testPool(t, env)

	req := testRequest(id, OriginValidate)
	pool.evaluate(context.Background(), req)

	result := <-req.Reply
	assert.ErrorIs(t, result.Err, evaluation.ErrPolicyNotFound)
	assert.Nil(t, result.Response)
}

func ptr(s string) *admissionv1.PatchType {
	patchType := admissionv1.PatchType(s)
	return &patchType
}
