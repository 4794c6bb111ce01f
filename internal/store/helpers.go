package store

import (
	"database/sql"

	"github.com/forgeworks/conductor/internal/models"
)

// GetAgentState loads agent state by name
func GetAgentState(db *sql.DB, agentName string) (*models.AgentState, error) {
	return LoadOrCreateAgentState(db, agentName)
}
