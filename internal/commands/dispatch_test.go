package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDispatchCmd_HasExpectedSubcommands(t *testing.T) {
	cmd := NewDispatchCmd()
	require.Equal(t, "dispatch", cmd.Use)

	for _, name := range []string{"tick", "fail", "reconcile"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.NotNil(t, sub)
		require.Equal(t, name, sub.Name())
	}
}

func TestDispatchFailCmd_RequiresTaskIDAndKind(t *testing.T) {
	cmd := newDispatchFailCmd()
	t.Setenv("CONDUCTOR_AGENT", "agent-1")

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)

	require.NoError(t, cmd.Flags().Set("task-id", "task-1"))
	err = cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestDispatchTickCmd_RequiresActorBeforeDB(t *testing.T) {
	cmd := newDispatchTickCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestDispatchReconcileCmd_RequiresActorBeforeDB(t *testing.T) {
	cmd := newDispatchReconcileCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}
