package repositories

import (
	"context"
	"fmt"

	"classmesh/internal/core/ports"
	"classmesh/internal/infrastructure/repositories/memory"
	redisrepo "classmesh/internal/infrastructure/repositories/redis"
	"classmesh/pkg/codec"
	"classmesh/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	keyPrefix = "cm:"
)

// ChannelFactory opens signaling channels on the configured backend,
// falling back to an in-process hub when Redis is unreachable.
type ChannelFactory struct {
	cfg         *config.Config
	codec       codec.Codec
	useRedis    bool
	redisClient *redis.Client
	hub         *memory.Hub
	logger      *zap.SugaredLogger
}

func NewChannelFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*ChannelFactory, error) {
	c, err := codec.ByName(cfg.Signaling.Codec)
	if err != nil {
		return nil, err
	}
	factory := &ChannelFactory{
		cfg:      cfg,
		codec:    c,
		useRedis: cfg.Signaling.Backend == BackendRedis,
		logger:   logger,
	}

	if factory.useRedis {
		client, err := redisrepo.NewRedisClient(ctx,
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			keyPrefix,
			c.Name(),
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to in-process signaling",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("using Redis signaling", "codec", c.Name())
		}
	}

	if !factory.useRedis {
		factory.hub = memory.NewHub(c)
		logger.Infow("using in-process signaling", "codec", c.Name())
	}
	return factory, nil
}

func (f *ChannelFactory) Backend() string {
	if f.useRedis {
		return BackendRedis
	}
	return BackendMemory
}

// Connect opens a new connection. Each joined classroom owns one.
func (f *ChannelFactory) Connect(ctx context.Context) (ports.SignalingChannel, error) {
	if f.useRedis && f.redisClient != nil {
		ch, err := redisrepo.NewChannel(ctx, f.redisClient, f.codec, redisrepo.Options{
			Prefix:            keyPrefix,
			LeaseTTL:          f.cfg.Signaling.LeaseTTL,
			HeartbeatInterval: f.cfg.Signaling.HeartbeatInterval,
		}, f.logger)
		if err != nil {
			return nil, fmt.Errorf("open redis channel: %w", err)
		}
		return ch, nil
	}
	return f.hub.Connect(), nil
}

// Close closes Redis connection if used
func (f *ChannelFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *ChannelFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
