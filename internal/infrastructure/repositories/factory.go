package repositories

import (
	"context"
	"time"

	"callsession/internal/core/ports"
	"callsession/internal/infrastructure/repositories/memory"
	redisrepo "callsession/internal/infrastructure/repositories/redis"
	"callsession/pkg/config"
	"callsession/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories, preferring Redis when it is
// configured and reachable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	handleTTL   time.Duration
	lockTTL     time.Duration
	memHandles  *memory.RoomHandleRepository
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:  cfg.Redis.Enabled,
		handleTTL: cfg.Directory.HandleCacheTTL,
		lockTTL:   2 * cfg.Directory.RequestTimeout,
		logger:    logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateRoomHandleRepository returns the store used for directory fallbacks.
func (f *RepositoryFactory) CreateRoomHandleRepository() ports.RoomHandleRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRoomHandleRepository(f.redisClient, f.handleTTL)
	}
	if f.memHandles == nil {
		f.memHandles = memory.NewRoomHandleRepository(f.handleTTL)
	}
	return f.memHandles
}

// CreateRoomLocker returns a cross-instance lock for room creation, or nil
// when there is no shared store to lock in.
func (f *RepositoryFactory) CreateRoomLocker() ports.RoomLocker {
	if !f.useRedis || f.redisClient == nil {
		return nil
	}
	return distributed.NewLockManager(f.redisClient, "callsession:lock:", f.lockTTL, f.lockTTL)
}

// RedisClient is nil unless Redis is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.memHandles != nil {
		f.memHandles.Close()
	}
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
