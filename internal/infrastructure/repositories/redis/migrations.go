package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 2
)

// Migration represents a keyspace migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.UniversalClient) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.UniversalClient, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// call documents and the creation index
			Version: 1,
			Up: func(ctx context.Context, client redis.UniversalClient) error {
				return nil
			},
		},
		{
			// rebuild the creation index from existing call documents
			Version: 2,
			Up: func(ctx context.Context, client redis.UniversalClient) error {
				iter := client.Scan(ctx, 0, keyPrefix+"call:*", 200).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					if client.Type(ctx, key).Val() != "string" {
						continue
					}
					session, err := decodeSession(client.Get(ctx, key).Val())
					if err != nil {
						continue
					}
					pipe := client.Pipeline()
					pipe.ZAdd(ctx, callsByCreated, redis.Z{
						Score:  float64(session.CreatedAt.UnixMilli()),
						Member: string(session.ID),
					})
					pipe.SAdd(ctx, calleeCallsKey(session.CalleeID), string(session.ID))
					if _, err := pipe.Exec(ctx); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
