package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompletionArmDisarm(t *testing.T) {
	var c Completion
	require.False(t, c.Armed())

	require.NoError(t, c.arm())
	require.True(t, c.Armed())

	c.disarm()
	require.False(t, c.Armed())
}

func TestCompletionDoubleArmFails(t *testing.T) {
	var c Completion
	require.NoError(t, c.arm())
	require.ErrorIs(t, c.arm(), ErrAlreadyArmed)
}

func TestCompletionRearmAfterDisarm(t *testing.T) {
	var c Completion
	require.NoError(t, c.arm())
	c.disarm()
	require.NoError(t, c.arm())
}
