package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSettingsNormalizesEmpty(t *testing.T) {
	empty, err := NewSettings(nil)
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())

	null, err := NewSettings([]byte("null"))
	require.NoError(t, err)
	assert.Equal(t, empty.Raw(), null.Raw())

	obj, err := NewSettings([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, empty.Raw(), obj.Raw())
}

func TestNewSettingsRejectsScalarsAndArrays(t *testing.T) {
	_, err := NewSettings([]byte(`"a string"`))
	require.Error(t, err)

	_, err = NewSettings([]byte(`["a", "b"]`))
	require.Error(t, err)

	_, err = NewSettings([]byte(`42`))
	require.Error(t, err)
}

func TestNewSettingsKeepsObject(t *testing.T) {
	s, err := NewSettings([]byte(`{"max_replicas": 5}`))
	require.NoError(t, err)
	assert.False(t, s.IsEmpty())
	assert.JSONEq(t, `{"max_replicas": 5}`, string(s.Raw()))
}
