package repositories

import (
	"context"

	"voicemesh/internal/core/ports"
	"voicemesh/internal/infrastructure/repositories/memory"
	redisrepo "voicemesh/internal/infrastructure/repositories/redis"
	"voicemesh/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks redis when it is enabled and reachable, and
// memory otherwise.
type RepositoryFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{cfg: cfg, logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	if factory.redisClient == nil {
		logger.Info("using memory repositories")
	}
	return factory
}

// CreateIntentStore keeps intents for twice the grace window so one that
// is just inside the window on restart is still there to read.
func (f *RepositoryFactory) CreateIntentStore() ports.IntentStore {
	ttl := 2 * f.cfg.Voice.RejoinGrace
	if f.redisClient != nil {
		return redisrepo.NewIntentStore(f.redisClient, ttl)
	}
	return memory.NewIntentStore(ttl)
}

// RedisClient is nil when the factory fell back to memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
