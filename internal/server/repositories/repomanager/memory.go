package repomanager

import (
	"context"
	"database/sql"

	"github.com/atlasvpn/atlas/internal/dbx"
	"github.com/atlasvpn/atlas/internal/server/repositories/configs"
	"github.com/atlasvpn/atlas/internal/server/repositories/users"
)

// MemoryRepositoryManager serves shared in-memory repositories regardless of
// the handle passed in. Used in tests and database-less environments; the
// db argument exists only to satisfy the interface.
type MemoryRepositoryManager struct {
	users   *users.MemoryRepository
	configs *configs.MemoryRepository
}

func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	return &MemoryRepositoryManager{
		users:   users.NewMemoryRepository(),
		configs: configs.NewMemoryRepository(),
	}
}

func (m *MemoryRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return m.users
}

func (m *MemoryRepositoryManager) Configs(db dbx.DBTX) configs.Repository {
	return m.configs
}

func (m *MemoryRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	return nil
}
