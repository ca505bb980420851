package services

import (
	"context"
	"errors"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/pkg/cache"

	"go.uber.org/zap"
)

const defaultProfileTTL = 5 * time.Minute

var _ ports.ProfileLookup = (*ProfileService)(nil)

// ProfileService resolves user profiles with a short-lived cache. Repository
// outages degrade to a placeholder profile; unknown users are reported as
// ErrProfileNotFound so callers can reject them.
type ProfileService struct {
	repo   ports.ProfileRepository
	cache  *cache.Cache[*domain.Profile]
	logger *zap.SugaredLogger
}

func NewProfileService(repo ports.ProfileRepository, ttl time.Duration, logger *zap.SugaredLogger) *ProfileService {
	if ttl <= 0 {
		ttl = defaultProfileTTL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ProfileService{
		repo:   repo,
		cache:  cache.New[*domain.Profile](ttl),
		logger: logger,
	}
}

func (s *ProfileService) GetProfile(ctx context.Context, id domain.UserID) (*domain.Profile, error) {
	profile, err := s.cache.GetOrSet(ctx, string(id), func(ctx context.Context) (*domain.Profile, error) {
		return s.repo.Get(ctx, id)
	})
	switch {
	case err == nil:
		return withPlaceholders(profile), nil
	case errors.Is(err, domain.ErrProfileNotFound):
		return nil, err
	default:
		s.logger.Warnw("profile repository unavailable", "user_id", id, "error", err)
		return domain.PlaceholderProfile(id), nil
	}
}

func (s *ProfileService) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	if err := s.repo.Save(ctx, profile); err != nil {
		return err
	}
	s.cache.Delete(string(profile.UserID))
	return nil
}

func (s *ProfileService) Close() {
	s.cache.Stop()
}

// withPlaceholders fills blank display fields without touching the cached value.
func withPlaceholders(p *domain.Profile) *domain.Profile {
	out := *p
	if out.DisplayName == "" {
		out.DisplayName = domain.PlaceholderDisplayName
	}
	if out.AvatarURL == "" {
		out.AvatarURL = domain.PlaceholderAvatarURL
	}
	return &out
}
