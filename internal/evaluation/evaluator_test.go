package evaluation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/engine"
	"github.com/kubewarden/policy-server/internal/policy"
)

func TestBuildValidationRequestWrapsRequestAndSettingsInOneObject(t *testing.T) {
	payload, err := buildValidationRequest([]byte(`{"a":1}`), []byte(`{}`))
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.JSONEq(t, `{"a":1}`, string(decoded["request"]))
	assert.JSONEq(t, `{}`, string(decoded["settings"]))
}

func TestValidateRejectsUnsupportedExecutionModes(t *testing.T) {
	id, err := policy.NewID("unsupported")
	require.NoError(t, err)

	for _, mode := range []policy.ExecutionMode{
		policy.ExecutionModeOpa,
		policy.ExecutionModeOpaGatekeeper,
		policy.ExecutionModeWasi,
	} {
		mode := mode
		t.Run(string(mode), func(t *testing.T) {
			evaluator := Evaluator{
				Precompiled: &engine.Precompiled{ExecutionMode: mode},
				Context:     Context{PolicyID: id},
			}
			_, err := evaluator.Validate(context.Background(), []byte(`{}`), []byte(`{}`))
			assert.ErrorIs(t, err, errExecutionModeNotSupported)
		})
	}
}

func TestValidateSettingsDefaultsToValidForNonSDKModes(t *testing.T) {
	id, err := policy.NewID("opa-policy")
	require.NoError(t, err)

	evaluator := Evaluator{
		Precompiled: &engine.Precompiled{ExecutionMode: policy.ExecutionModeOpa},
		Context:     Context{PolicyID: id},
	}
	result, err := evaluator.ValidateSettings(context.Background(), []byte(`{"anything":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"valid":true}`, string(result))
}
