package redis

import (
	"context"
	"fmt"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.ProfileRepository = (*ProfileRepository)(nil)

// ProfileRepository stores profiles as hashes under wanderlink:profile:<id>.
type ProfileRepository struct {
	client redis.UniversalClient
}

func NewProfileRepository(client redis.UniversalClient) *ProfileRepository {
	return &ProfileRepository{client: client}
}

func (r *ProfileRepository) Get(ctx context.Context, id domain.UserID) (*domain.Profile, error) {
	fields, err := r.client.HGetAll(ctx, profileKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get profile: %v", domain.ErrStore, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrProfileNotFound
	}
	return &domain.Profile{
		UserID:      id,
		DisplayName: fields["display_name"],
		AvatarURL:   fields["avatar_url"],
	}, nil
}

func (r *ProfileRepository) Save(ctx context.Context, profile *domain.Profile) error {
	if profile == nil || profile.UserID == "" {
		return fmt.Errorf("%w: profile without user id", domain.ErrStore)
	}
	err := r.client.HSet(ctx, profileKey(profile.UserID),
		"display_name", profile.DisplayName,
		"avatar_url", profile.AvatarURL,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: failed to save profile: %v", domain.ErrStore, err)
	}
	return nil
}
