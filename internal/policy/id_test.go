package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id, err := NewID("pod-privileged")
	require.NoError(t, err)
	assert.Equal(t, "pod-privileged", id.String())
	assert.False(t, id.IsMember())

	_, err = NewID("group/member")
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestNewMemberID(t *testing.T) {
	id, err := NewMemberID("group", "happy_policy_1")
	require.NoError(t, err)
	assert.Equal(t, "group/happy_policy_1", id.String())
	assert.True(t, id.IsMember())
	assert.Equal(t, "group", id.Group())
	assert.Equal(t, "happy_policy_1", id.Member())

	_, err = NewMemberID("group", "bad/name")
	require.ErrorIs(t, err, ErrInvalidID)

	_, err = NewMemberID("bad/group", "member")
	require.ErrorIs(t, err, ErrInvalidID)
}
