package store

import (
	"context"

	"github.com/joescharf/forge/internal/models"
)

// SessionFilter narrows ListAgentSessions. Zero values match everything.
type SessionFilter struct {
	Project string
	States  []models.SessionState
	Limit   int
}

// Store defines the persistence interface for forge.
type Store interface {
	// Agent sessions
	SaveAgentSession(ctx context.Context, session *models.AgentSession) error
	GetAgentSession(ctx context.Context, id string) (*models.AgentSession, bool, error)
	ListAgentSessions(ctx context.Context, filter SessionFilter) ([]*models.AgentSession, error)
	DeleteAgentSession(ctx context.Context, id string) error

	// Sync statuses
	SaveSyncStatus(ctx context.Context, status *models.SyncStatus) error
	ListSyncStatuses(ctx context.Context, project string) ([]*models.SyncStatus, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
