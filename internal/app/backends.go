package app

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/idempotency"
	"github.com/pitabwire/evalflow/internal/notify"
	"github.com/pitabwire/evalflow/internal/queue"
	"github.com/pitabwire/evalflow/internal/store"
	"github.com/pitabwire/evalflow/internal/workflow"
)

// backends lazily creates the shared clients that several drivers use, so a
// deployment that only selects memory drivers never dials anything.
type backends struct {
	cfg    *config.Config
	logger *zap.Logger

	redis  *redis.Client
	aws    *aws.Config
	pools  map[string]*pgxpool.Pool
	closer []func()
}

func newBackends(cfg *config.Config, logger *zap.Logger) *backends {
	return &backends{cfg: cfg, logger: logger, pools: make(map[string]*pgxpool.Pool)}
}

func (b *backends) close() {
	for i := len(b.closer) - 1; i >= 0; i-- {
		b.closer[i]()
	}
	b.closer = nil
}

func (b *backends) redisClient(ctx context.Context) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Redis.RedisAddr(),
		Password: b.cfg.Redis.RedisPassword(),
		DB:       b.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", b.cfg.Redis.RedisAddr(), err)
	}
	b.logger.Info("connected to redis", zap.String("addr", b.cfg.Redis.RedisAddr()))
	b.redis = client
	b.closer = append(b.closer, func() { _ = client.Close() })
	return client, nil
}

func (b *backends) awsConfig(ctx context.Context) (aws.Config, error) {
	if b.aws != nil {
		return *b.aws, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if b.cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(b.cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	b.aws = &awsCfg
	return awsCfg, nil
}

// endpoint returns the configured service endpoint override, or nil.
func (b *backends) endpoint() *string {
	if b.cfg.AWS.Endpoint == "" {
		return nil
	}
	return aws.String(b.cfg.AWS.Endpoint)
}

// pgPool returns a pool for the DSN held in dsnEnv. Stores configured with
// the same DSN share one pool.
func (b *backends) pgPool(ctx context.Context, dsnEnv string) (*pgxpool.Pool, error) {
	if dsnEnv == "" {
		return nil, fmt.Errorf("postgres: dsn_env is not configured")
	}
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		return nil, fmt.Errorf("postgres: %s environment variable not set", dsnEnv)
	}
	if pool, ok := b.pools[dsn]; ok {
		return pool, nil
	}

	storeCfg := b.cfg.Workflow.Store
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	if storeCfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(storeCfg.MaxOpenConns)
	}
	if storeCfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(storeCfg.MaxIdleConns)
	}
	if storeCfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = storeCfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	b.pools[dsn] = pool
	b.closer = append(b.closer, pool.Close)
	return pool, nil
}

func (b *backends) queue(ctx context.Context) (queue.Queue, error) {
	cfg := b.cfg.Queue
	opts := queue.Options{
		Name:              cfg.Name,
		DeadLetterName:    cfg.DeadLetterName,
		MaxReceiveCount:   cfg.MaxReceiveCount,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}

	switch cfg.Driver {
	case "memory", "":
		b.logger.Info("using in-memory queue", zap.String("queue", cfg.Name))
		return queue.NewMemoryQueue(opts), nil
	case "redis":
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return queue.NewRedisQueue(client, b.cfg.Redis.Prefix, opts), nil
	case "sqs":
		awsCfg, err := b.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = b.endpoint()
		})
		return queue.NewSQSQueue(client, cfg.URL, cfg.DeadLetterURL, opts), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %q", cfg.Driver)
	}
}

func (b *backends) executionStore(ctx context.Context) (workflow.ExecutionStore, error) {
	cfg := b.cfg.Workflow.Store
	switch cfg.Driver {
	case "memory", "":
		b.logger.Info("using in-memory execution store")
		return workflow.NewMemoryExecutionStore(), nil
	case "postgres":
		pool, err := b.pgPool(ctx, cfg.DSNEnv)
		if err != nil {
			return nil, fmt.Errorf("execution store: %w", err)
		}
		s := workflow.NewPgExecutionStore(pool)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("execution store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported execution store driver: %q", cfg.Driver)
	}
}

func (b *backends) resultStore(ctx context.Context) (store.ResultStore, error) {
	cfg := b.cfg.Results
	switch cfg.Driver {
	case "memory", "":
		b.logger.Info("using in-memory result store")
		return store.NewMemoryResultStore(), nil
	case "postgres":
		pool, err := b.pgPool(ctx, cfg.DSNEnv)
		if err != nil {
			return nil, fmt.Errorf("result store: %w", err)
		}
		s := store.NewPgResultStore(pool)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("result store: %w", err)
		}
		return s, nil
	case "dynamodb":
		awsCfg, err := b.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = b.endpoint()
		})
		return store.NewDynamoResultStore(client, cfg.Table), nil
	default:
		return nil, fmt.Errorf("unsupported result store driver: %q", cfg.Driver)
	}
}

func (b *backends) artifactStore(ctx context.Context) (store.ArtifactStore, error) {
	cfg := b.cfg.Artifacts
	switch cfg.Driver {
	case "memory", "":
		b.logger.Info("using in-memory artifact store")
		return store.NewMemoryArtifactStore(), nil
	case "s3":
		awsCfg, err := b.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if ep := b.endpoint(); ep != nil {
				o.BaseEndpoint = ep
				o.UsePathStyle = true
			}
		})
		return store.NewS3ArtifactStore(client, cfg.Bucket, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported artifact store driver: %q", cfg.Driver)
	}
}

func (b *backends) publisher(ctx context.Context) (notify.Publisher, error) {
	cfg := b.cfg.Notify
	switch cfg.Driver {
	case "memory", "":
		b.logger.Info("using in-memory notification channel", zap.String("channel", cfg.Channel))
		return notify.NewMemoryPublisher(cfg.Channel), nil
	case "redis":
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return notify.NewRedisPublisher(client, cfg.Channel), nil
	case "sns":
		awsCfg, err := b.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
			o.BaseEndpoint = b.endpoint()
		})
		return notify.NewSNSPublisher(client, cfg.TopicARN), nil
	default:
		return nil, fmt.Errorf("unsupported notify driver: %q", cfg.Driver)
	}
}

// idempotencyStore returns nil when dedupe is disabled.
func (b *backends) idempotencyStore(ctx context.Context) (idempotency.Store, error) {
	cfg := b.cfg.Idempotency
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Driver {
	case "memory", "":
		b.logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil
	case "redis":
		client, err := b.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return idempotency.NewRedisStore(client, b.cfg.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}
