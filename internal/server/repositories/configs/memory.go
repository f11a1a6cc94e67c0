package configs

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
// environments without a database.
type MemoryRepository struct {
	mu      sync.RWMutex
	configs map[string]*models.TunnelConfig
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{configs: make(map[string]*models.TunnelConfig)}
}

func cloneConfig(c *models.TunnelConfig) *models.TunnelConfig {
	clone := *c
	if c.RevokedAt != nil {
		v := *c.RevokedAt
		clone.RevokedAt = &v
	}
	return &clone
}

func (r *MemoryRepository) Create(ctx context.Context, config *models.TunnelConfig) (*models.TunnelConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if config.Active {
		for _, c := range r.configs {
			if c.UserID == config.UserID && c.Protocol == config.Protocol && c.Active {
				return nil, common.ErrAlreadyExists
			}
		}
	}

	now := time.Now()
	config.ID = uuid.NewString()
	config.CreatedAt = now
	config.UpdatedAt = now
	r.configs[config.ID] = cloneConfig(config)

	return cloneConfig(config), nil
}

func (r *MemoryRepository) GetActive(ctx context.Context, userID string, protocol models.Protocol) (*models.TunnelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.configs {
		if c.UserID == userID && c.Protocol == protocol && c.Active {
			return cloneConfig(c), nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *MemoryRepository) listLocked(userID string, activeOnly bool) []*models.TunnelConfig {
	var result []*models.TunnelConfig
	for _, c := range r.configs {
		if c.UserID != userID {
			continue
		}
		if activeOnly && !c.Active {
			continue
		}
		result = append(result, cloneConfig(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (r *MemoryRepository) ListActiveByUser(ctx context.Context, userID string) ([]*models.TunnelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(userID, true), nil
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*models.TunnelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(userID, false), nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id string, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.configs[id]
	if !ok {
		return false, common.ErrNotFound
	}
	if !c.Active {
		return false, nil
	}

	c.Active = false
	at2 := at
	c.RevokedAt = &at2
	c.RevokedReason = reason
	c.UpdatedAt = time.Now()

	return true, nil
}

func (r *MemoryRepository) DeleteByUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.configs {
		if c.UserID == userID {
			delete(r.configs, id)
		}
	}
	return nil
}
