package repomanager

import (
	"context"

	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
)

// MemoryRepositoryManager keeps everything in process. State is lost on
// restart.
type MemoryRepositoryManager struct {
	users *users.MemoryRepository
}

func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	return &MemoryRepositoryManager{users: users.NewMemoryRepository()}
}

func (m *MemoryRepositoryManager) Users() users.Repository             { return m.users }
func (m *MemoryRepositoryManager) RunMigrations(context.Context) error { return nil }
func (m *MemoryRepositoryManager) Close(context.Context) error         { return nil }
