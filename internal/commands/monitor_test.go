package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMonitorCmd_HasExpectedSubcommands(t *testing.T) {
	cmd := NewMonitorCmd()
	require.Equal(t, "monitor", cmd.Use)

	sub, _, err := cmd.Find([]string{"sweep"})
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.Equal(t, "sweep", sub.Name())
}

func TestMonitorSweepCmd_RequiresActorBeforeDB(t *testing.T) {
	cmd := newMonitorSweepCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}
