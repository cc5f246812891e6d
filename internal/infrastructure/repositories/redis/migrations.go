package redis

import (
	"context"
	"fmt"
	"time"

	"voicemesh/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey = "voicemesh:schema:version"
	migrationLockKey = "voicemesh:lock:migrate"
)

// Migration moves the key layout forward by one version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

var migrations = []Migration{
	{Version: 1, Up: expireOrphanIntents},
}

// Migrate runs every migration newer than the stored schema version.
// Clients sharing one redis serialize on a lock.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, migrationLockKey, 30*time.Second)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := lock.Unlock(context.Background()); uerr != nil {
			logger.Warnw("failed to release migration lock", "error", uerr)
		}
	}()

	current, err := client.Get(ctx, schemaVersionKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Infow("running migration", "version", m.Version)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		current = m.Version
	}
	return nil
}

// expireOrphanIntents gives intent keys written without a TTL one, so
// nothing lingers past the longest grace window.
func expireOrphanIntents(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, intentPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := client.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		// -1 means the key exists without an expiry.
		if ttl == -1 {
			if err := client.Expire(ctx, key, time.Hour).Err(); err != nil {
				return err
			}
		}
	}
	return iter.Err()
}
