package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"talkpair/internal/core/ports"
	"talkpair/internal/infrastructure/repositories/memory"
	redisrepo "talkpair/internal/infrastructure/repositories/redis"
	"talkpair/pkg/config"
)

// RepositoryFactory creates session stores with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger

	// the memory store is process-wide so every backend shares one keyspace
	memoryStore ports.SessionStore
}

// NewRepositoryFactory connects to Redis when the config asks for it and
// falls back to the in-process store when Redis is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled || cfg.Matchmaking.Backend == "redis",
		logger:   logger,
	}

	if factory.useRedis {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory session store",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis session store")
		}
	}

	if !factory.useRedis {
		factory.memoryStore = memory.NewMemorySessionRepository()
		logger.Info("using memory session store")
	}

	return factory, nil
}

// NewRepositoryFactoryWithClient wraps an existing Redis client.
func NewRepositoryFactoryWithClient(client *redis.Client, logger *zap.SugaredLogger) *RepositoryFactory {
	return &RepositoryFactory{
		useRedis:    client != nil,
		redisClient: client,
		logger:      logger,
		memoryStore: memory.NewMemorySessionRepository(),
	}
}

// CreateSessionStore returns the Redis store when connected, the memory store otherwise.
func (f *RepositoryFactory) CreateSessionStore() ports.SessionStore {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisSessionRepository(f.redisClient)
	}
	return f.memoryStore
}

// StoreKind names the store in use for logs and health output.
func (f *RepositoryFactory) StoreKind() string {
	if f.useRedis && f.redisClient != nil {
		return "redis"
	}
	return "memory"
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
