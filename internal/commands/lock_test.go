package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLockCmd_HasExpectedSubcommands(t *testing.T) {
	cmd := NewLockCmd()
	require.Equal(t, "lock", cmd.Use)

	for _, name := range []string{"acquire", "release", "show", "reap"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.NotNil(t, sub)
		require.Equal(t, name, sub.Name())
	}
}

func TestLockAcquireCmd_RequiresPathAfterActorResolution(t *testing.T) {
	cmd := newLockAcquireCmd()
	t.Setenv("CONDUCTOR_AGENT", "agent-1")

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestLockReleaseCmd_RequiresPathAfterActorResolution(t *testing.T) {
	cmd := newLockReleaseCmd()
	t.Setenv("CONDUCTOR_AGENT", "agent-1")

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestLockShowCmd_RequiresPath(t *testing.T) {
	cmd := newLockShowCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}
