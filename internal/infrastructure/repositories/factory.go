package repositories

import (
	"context"

	"visiocall/internal/core/ports"
	"visiocall/internal/infrastructure/distributed"
	"visiocall/internal/infrastructure/repositories/memory"
	redisrepo "visiocall/internal/infrastructure/repositories/redis"
	"visiocall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates the presence stores. Bindings always live in
// memory because they name local connections; Redis, when reachable,
// carries the cross-instance presence feed.
type RepositoryFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis if enabled, falling back to
// memory-only operation when it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{cfg: cfg, logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, presence feed disabled",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	if factory.redisClient == nil {
		logger.Info("running with in-memory presence only")
	}

	return factory, nil
}

func (f *RepositoryFactory) CreatePresenceRegistry() ports.PresenceRegistry {
	return memory.NewPresenceRegistry()
}

// CreatePresenceFeed returns nil when Redis is not in use.
func (f *RepositoryFactory) CreatePresenceFeed(instanceID string) *distributed.PresenceFeed {
	if f.redisClient == nil {
		return nil
	}
	return distributed.NewPresenceFeed(
		f.redisClient,
		f.cfg.Redis.PresenceChannel,
		f.cfg.Redis.PresenceKey,
		instanceID,
		f.logger,
	)
}

// RedisClient is nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
