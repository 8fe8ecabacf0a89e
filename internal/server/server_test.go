package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubewarden/policy-server/internal/evaluation"
	"github.com/kubewarden/policy-server/internal/worker"
)

// fakePool answers every Submit synchronously from a canned result or
// error, playing the role pool_test.go's fakeEnvironment plays one layer
// down: it lets this package's routing/status-code logic be tested without
// a real worker goroutine.
type fakePool struct {
	result worker.Result
	seen   *worker.Request
}

func (f *fakePool) Submit(_ context.Context, req worker.Request) {
	if f.seen != nil {
		*f.seen = req
	}
	req.Reply <- f.result
}

func admissionReviewBody(t *testing.T, obj map[string]any) string {
	t.Helper()
	review := map[string]any{
		"apiVersion": "admission.k8s.io/v1",
		"kind":       "AdmissionReview",
		"request": map[string]any{
			"uid":       "abc-123",
			"namespace": "default",
			"operation": "CREATE",
			"object":    obj,
		},
	}
	data, err := json.Marshal(review)
	require.NoError(t, err)
	return string(data)
}

func TestServeValidateReturnsAdmissionReviewEnvelope(t *testing.T) {
	fp := &fakePool{result: worker.Result{Response: &admissionv1.AdmissionResponse{
		Allowed: false,
		Result:  &metav1.Status{Message: "Privileged container is not allowed"},
	}}}
	mux := New(Dependencies{Pool: fp}, nil)

	body := admissionReviewBody(t, map[string]any{"kind": "Pod"})
	req := httptest.NewRequest(http.MethodPost, "/validate/pod-privileged", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":false`)
	assert.Contains(t, rec.Body.String(), "Privileged container is not allowed")
	assert.Contains(t, rec.Body.String(), `"kind":"AdmissionReview"`)
}

func TestServeValidateRejectsEmptyObjectWith422(t *testing.T) {
	fp := &fakePool{}
	mux := New(Dependencies{Pool: fp}, nil)

	req := httptest.NewRequest(http.MethodPost, "/validate/pod-privileged", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServeValidateRawAcceptsArbitraryJSONVerbatim(t *testing.T) {
	var seen worker.Request
	fp := &fakePool{result: worker.Result{Response: &admissionv1.AdmissionResponse{Allowed: true}}, seen: &seen}
	mux := New(Dependencies{Pool: fp}, nil)

	req := httptest.NewRequest(http.MethodPost, "/validate_raw/raw-mutation", strings.NewReader(`{"foo":"bar"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, worker.OriginValidate, seen.Origin)
	assert.Nil(t, seen.Admission)
	assert.JSONEq(t, `{"foo":"bar"}`, string(seen.RequestJSON))
}

func TestServeRawRejectsEmptyObjectWith422(t *testing.T) {
	fp := &fakePool{}
	mux := New(Dependencies{Pool: fp}, nil)

	req := httptest.NewRequest(http.MethodPost, "/validate_raw/raw-mutation", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServeAuditUsesAuditOrigin(t *testing.T) {
	var seen worker.Request
	fp := &fakePool{result: worker.Result{Response: &admissionv1.AdmissionResponse{Allowed: false}}, seen: &seen}
	mux := New(Dependencies{Pool: fp}, nil)

	body := admissionReviewBody(t, map[string]any{"kind": "Pod"})
	req := httptest.NewRequest(http.MethodPost, "/audit/pod-privileged", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, worker.OriginAudit, seen.Origin)
}

func TestServePropagatesPolicyNotFoundAs404(t *testing.T) {
	fp := &fakePool{result: worker.Result{Err: evaluation.ErrPolicyNotFound}}
	mux := New(Dependencies{Pool: fp}, nil)

	body := admissionReviewBody(t, map[string]any{"kind": "Pod"})
	req := httptest.NewRequest(http.MethodPost, "/validate/does-not-exist", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadinessServerAlwaysOK(t *testing.T) {
	mux := NewReadinessServer()

	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
