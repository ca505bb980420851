package memory

import (
	"context"
	"sync"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
)

type MemoryProfileRepository struct {
	profiles map[domain.UserID]*domain.Profile
	mu       sync.RWMutex
}

func NewMemoryProfileRepository() ports.ProfileRepository {
	return &MemoryProfileRepository{
		profiles: make(map[domain.UserID]*domain.Profile),
	}
}

func (r *MemoryProfileRepository) Get(ctx context.Context, id domain.UserID) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, exists := r.profiles[id]
	if !exists {
		return nil, domain.ErrProfileNotFound
	}
	copied := *profile
	return &copied, nil
}

func (r *MemoryProfileRepository) Save(ctx context.Context, profile *domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *profile
	r.profiles[profile.UserID] = &copied
	return nil
}
