package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/config"
	"github.com/unclebandit/broadcast-engine/internal/db"
	"github.com/unclebandit/broadcast-engine/internal/pacing"
	"github.com/unclebandit/broadcast-engine/internal/queue"
	"github.com/unclebandit/broadcast-engine/internal/repository"
)

// Stores groups the persistence backends selected by STORE_BACKEND.
type Stores struct {
	Campaigns repository.CampaignRepositoryInterface
	Contacts  repository.ContactRepositoryInterface
	Templates repository.TemplateRepositoryInterface
	DB        *sql.DB
}

func (s *Stores) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

func OpenStores(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*Stores, error) {
	if cfg.StoreBackend == "memory" {
		log.Warn("using in-memory store, campaigns are lost on restart")
		return &Stores{
			Campaigns: repository.NewMemoryStore(),
			Contacts:  repository.NewMemoryContacts(),
			Templates: repository.NewMemoryTemplates(),
		}, nil
	}

	conn, err := db.Open(ctx, cfg.DSN(), log)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Campaigns: &repository.CampaignRepository{DB: conn},
		Contacts:  &repository.ContactRepository{DB: conn},
		Templates: &repository.TemplateRepository{DB: conn},
		DB:        conn,
	}, nil
}

func OpenQueue(cfg *config.Config, log *logrus.Entry) (queue.Queue, error) {
	if cfg.QueueBackend == "memory" {
		return queue.NewInMemoryQueue(log), nil
	}
	return queue.NewAMQPQueue(log, cfg.AMQPURL)
}

// Coordination is what worker processes share: the per-instance send budget
// and the campaign leases. With LIMITER_BACKEND=memory both are local to the
// process, which is only correct for a single worker.
type Coordination struct {
	Limiter pacing.Limiter
	Leases  pacing.Leaser
	client  *redis.Client
}

func (c *Coordination) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func NewCoordination(ctx context.Context, cfg *config.Config, log *logrus.Entry, clock pacing.Clock) (*Coordination, error) {
	if cfg.LimiterBackend != "redis" {
		return &Coordination{
			Limiter: pacing.NewInstanceLimiter(cfg.InstanceConcurrency, cfg.InstanceRatePerSecond, cfg.InstanceBurst, clock),
			Leases:  pacing.NewLocalLeaser(),
		}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if cfg.InstanceRatePerSecond > 0 {
		log.Warn("INSTANCE_RATE_PER_SECOND is not enforced by the redis limiter")
	}
	return &Coordination{
		Limiter: pacing.NewRedisLimiter(log, client, cfg.InstanceConcurrency, clock),
		Leases:  pacing.NewRedisLeaser(client, cfg.LeaseTTL),
		client:  client,
	}, nil
}
