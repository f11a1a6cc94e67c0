// Package configs contains the tunnel config repository: per-protocol
// credential records owned by users.
package configs

import (
	"context"
	"time"

	"github.com/atlasvpn/atlas/internal/server/models"
)

// Repository is the storage contract for tunnel config records.
//
// Revoke is a compare-and-set transition on the active flag; revoking an
// already-inactive config reports false and no error, which callers treat
// as the idempotent no-op the credential lifecycle requires.
type Repository interface {
	Create(ctx context.Context, config *models.TunnelConfig) (*models.TunnelConfig, error)

	// GetActive returns the user's active config for the protocol.
	GetActive(ctx context.Context, userID string, protocol models.Protocol) (*models.TunnelConfig, error)

	// ListActiveByUser returns the cascade set for revocation.
	ListActiveByUser(ctx context.Context, userID string) ([]*models.TunnelConfig, error)

	ListByUser(ctx context.Context, userID string) ([]*models.TunnelConfig, error)

	// Revoke atomically marks an active config inactive with the reason.
	// Returns false when the config was already inactive.
	Revoke(ctx context.Context, id string, reason string, at time.Time) (bool, error)

	DeleteByUser(ctx context.Context, userID string) error
}
