// Package users contains the user records repository: the durable side of
// the credential store that the service layer and the enforcement loop
// share.
package users

import (
	"context"
	"time"

	"github.com/atlasvpn/atlas/internal/server/models"
)

// Repository is the storage contract for user records.
//
// Disable is a compare-and-set transition: it succeeds only when the user is
// still enabled, so a racing enforcement cycle and operator action cannot
// both win. All write failures are reported wrapped in
// common.ErrPersistence.
type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	List(ctx context.Context, offset, limit int) ([]*models.User, int, error)

	// ListEnabled returns every enabled user, the enforcement scan set.
	ListEnabled(ctx context.Context) ([]*models.User, error)

	// ListDisabled returns every disabled user, the revocation sweep set.
	ListDisabled(ctx context.Context) ([]*models.User, error)

	// UpdatePolicy persists policy, status and metadata fields of user.
	// The write is optimistic: user.UpdatedAt must match the stored row or
	// ErrConflict is returned, so a concurrent Disable can never be
	// overwritten by a stale snapshot. On success user.UpdatedAt carries
	// the new version token.
	UpdatePolicy(ctx context.Context, user *models.User) error

	UpdatePassword(ctx context.Context, id string, passwordHash string) error

	// AddUsage adds to the monotonic traffic accumulators.
	AddUsage(ctx context.Context, id string, sent, received int64) error

	// Disable atomically transitions an enabled user to disabled with the
	// given violation flags and reason. Returns false when the user was
	// already disabled (lost race), which callers treat as a no-op.
	Disable(ctx context.Context, id string, expired, limitExceeded bool, reason string, at time.Time) (bool, error)

	Delete(ctx context.Context, id string) error
}
