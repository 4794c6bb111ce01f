package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSessionCmd_HasExpectedSubcommands(t *testing.T) {
	cmd := NewSessionCmd()
	require.Equal(t, "session", cmd.Use)

	for _, name := range []string{"digest", "spawn", "cancel", "stuck"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.NotNil(t, sub)
		require.Equal(t, name, sub.Name())
	}
}

func TestSessionSpawnCmd_RequiresTaskIDAfterActorResolution(t *testing.T) {
	cmd := newSessionSpawnCmd()
	t.Setenv("CONDUCTOR_AGENT", "agent-1")

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestSessionCancelCmd_RequiresID(t *testing.T) {
	cmd := newSessionCancelCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestSessionDigestCmd_RequiresActorBeforeDB(t *testing.T) {
	cmd := newSessionDigestCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}
