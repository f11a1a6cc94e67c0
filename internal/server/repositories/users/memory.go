package users

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasvpn/atlas/internal/common"
	"github.com/atlasvpn/atlas/internal/server/models"
)

// MemoryRepository is an in-memory Repository used in tests and in
// environments without a database. It honors the same compare-and-set
// semantics as the postgres implementation.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*models.User)}
}

func cloneUser(u *models.User) *models.User {
	c := *u
	if u.DataLimitBytes != nil {
		v := *u.DataLimitBytes
		c.DataLimitBytes = &v
	}
	if u.ExpiresAt != nil {
		v := *u.ExpiresAt
		c.ExpiresAt = &v
	}
	if u.DisabledAt != nil {
		v := *u.DisabledAt
		c.DisabledAt = &v
	}
	return &c
}

func (r *MemoryRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Username == user.Username {
			return nil, common.ErrAlreadyExists
		}
	}

	now := time.Now()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = cloneUser(user)

	return cloneUser(user), nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneUser(u), nil
}

func (r *MemoryRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *MemoryRepository) sortedLocked() []*models.User {
	result := make([]*models.User, 0, len(r.users))
	for _, u := range r.users {
		result = append(result, cloneUser(u))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (r *MemoryRepository) List(ctx context.Context, offset, limit int) ([]*models.User, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.sortedLocked()
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *MemoryRepository) ListEnabled(ctx context.Context) ([]*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.User
	for _, u := range r.sortedLocked() {
		if u.Enabled {
			result = append(result, u)
		}
	}
	return result, nil
}

func (r *MemoryRepository) ListDisabled(ctx context.Context) ([]*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.User
	for _, u := range r.sortedLocked() {
		if !u.Enabled {
			result = append(result, u)
		}
	}
	return result, nil
}

func (r *MemoryRepository) UpdatePolicy(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.users[user.ID]
	if !ok {
		return common.ErrNotFound
	}
	if !stored.UpdatedAt.Equal(user.UpdatedAt) {
		return common.ErrConflict
	}

	stored.DataLimitBytes = user.DataLimitBytes
	stored.ExpiresAt = user.ExpiresAt
	stored.Enabled = user.Enabled
	stored.Expired = user.Expired
	stored.LimitExceeded = user.LimitExceeded
	stored.DisabledAt = user.DisabledAt
	stored.DisabledReason = user.DisabledReason
	stored.Notes = user.Notes
	stored.UpdatedAt = time.Now()
	user.UpdatedAt = stored.UpdatedAt

	return nil
}

func (r *MemoryRepository) UpdatePassword(ctx context.Context, id string, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return common.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) AddUsage(ctx context.Context, id string, sent, received int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return common.ErrNotFound
	}
	u.BytesSent += sent
	u.BytesReceived += received
	u.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) Disable(ctx context.Context, id string, expired, limitExceeded bool, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return false, common.ErrNotFound
	}
	if !u.Enabled {
		return false, nil
	}

	u.Enabled = false
	u.Expired = u.Expired || expired
	u.LimitExceeded = u.LimitExceeded || limitExceeded
	at2 := at
	u.DisabledAt = &at2
	u.DisabledReason = reason
	u.UpdatedAt = time.Now()

	return true, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[id]; !ok {
		return common.ErrNotFound
	}
	delete(r.users, id)
	return nil
}
