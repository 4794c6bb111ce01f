package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewKnowledgeCmd_HasExpectedSubcommands(t *testing.T) {
	cmd := NewKnowledgeCmd()
	require.Equal(t, "knowledge", cmd.Use)

	for _, name := range []string{"record", "reinforce", "query"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.NotNil(t, sub)
		require.Equal(t, name, sub.Name())
	}
}

func TestKnowledgeRecordCmd_RequiresContentAfterActorResolution(t *testing.T) {
	cmd := newKnowledgeRecordCmd()
	t.Setenv("CONDUCTOR_AGENT", "agent-1")

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}

func TestKnowledgeReinforceCmd_RequiresID(t *testing.T) {
	cmd := newKnowledgeReinforceCmd()
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	require.IsType(t, printedError{}, err)
}
