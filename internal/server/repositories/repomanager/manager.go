// Package repomanager wires repository implementations to database handles
// and owns schema migrations.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/atlasvpn/atlas/internal/dbx"
	"github.com/atlasvpn/atlas/internal/server/repositories/configs"
	"github.com/atlasvpn/atlas/internal/server/repositories/users"
)

// RepositoryManager hands out repositories bound to a plain connection or,
// inside dbx.WithTx, to a transaction handle.
type RepositoryManager interface {
	Users(db dbx.DBTX) users.Repository
	Configs(db dbx.DBTX) configs.Repository
	RunMigrations(ctx context.Context, db *sql.DB) error
}
