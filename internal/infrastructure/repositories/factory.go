package repositories

import (
	"context"
	"fmt"

	"wanderlink/internal/core/ports"
	"wanderlink/internal/infrastructure/repositories/memory"
	mongorepo "wanderlink/internal/infrastructure/repositories/mongodb"
	redisrepo "wanderlink/internal/infrastructure/repositories/redis"
	"wanderlink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RepositoryFactory creates the signaling store and profile repository for
// the configured backend.
type RepositoryFactory struct {
	backend     string
	redisClient *redis.Client
	mongoClient *mongo.Client
	mongoDB     *mongo.Database
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to the configured backend. When the backend
// is unreachable it falls back to memory only if store.fallback_to_memory is set.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend: cfg.Store.Backend,
		logger:  logger,
	}

	var err error
	switch cfg.Store.Backend {
	case config.StoreRedis:
		factory.redisClient, err = redisrepo.Connect(ctx, redisrepo.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
	case config.StoreMongo:
		factory.mongoClient, err = mongorepo.NewMongoClient(ctx, cfg.Mongo.URI, logger)
		if err == nil {
			factory.mongoDB = factory.mongoClient.Database(cfg.Mongo.Database)
		}
	}

	if err != nil {
		if !cfg.Store.FallbackToMemory {
			return nil, fmt.Errorf("failed to connect to %s store: %w", cfg.Store.Backend, err)
		}
		logger.Warnw("store backend unreachable, falling back to memory",
			"backend", cfg.Store.Backend,
			"error", err,
		)
		factory.backend = config.StoreMemory
	}

	logger.Infow("using signaling store", "backend", factory.backend)
	return factory, nil
}

func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// RedisClient is nil unless the Redis backend is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreateSignalingStore(ctx context.Context) (ports.SignalingStore, error) {
	switch f.backend {
	case config.StoreRedis:
		if err := redisrepo.Migrate(ctx, f.redisClient, f.logger); err != nil {
			return nil, fmt.Errorf("failed to migrate redis keyspace: %w", err)
		}
		return redisrepo.NewSignalingStore(f.redisClient, f.logger), nil
	case config.StoreMongo:
		return mongorepo.NewSignalingStore(ctx, f.mongoDB, f.logger)
	default:
		return memory.NewSignalingStore(), nil
	}
}

func (f *RepositoryFactory) CreateProfileRepository() ports.ProfileRepository {
	switch f.backend {
	case config.StoreRedis:
		return redisrepo.NewProfileRepository(f.redisClient)
	case config.StoreMongo:
		return mongorepo.NewProfileRepository(f.mongoDB)
	default:
		return memory.NewMemoryProfileRepository()
	}
}

// Close releases backend connections.
func (f *RepositoryFactory) Close(ctx context.Context) error {
	return multierr.Combine(
		redisrepo.CloseRedisClient(f.redisClient),
		mongorepo.CloseMongoClient(ctx, f.mongoClient),
	)
}

// HealthCheck pings the backend in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	switch {
	case f.redisClient != nil:
		return f.redisClient.Ping(ctx).Err()
	case f.mongoClient != nil:
		return f.mongoClient.Ping(ctx, readpref.Primary())
	}
	return nil
}
