package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"pasofino/internal/config"
	"pasofino/internal/constants"
	"pasofino/internal/logger"
)

// Clients is built once per process and passed to every component.
type Clients struct {
	Redis    Handle[*redis.Client]
	Postgres Handle[*pgxpool.Pool]
	WebPush  Handle[config.PushConfig]
	Identity Handle[config.IdentityConfig]
}

// Build never fails: anything missing or malformed becomes Unconfigured
// and is logged once.
func Build(ctx context.Context, cfg config.Config, log logger.Logger) Clients {
	log = logger.OrDefault(log)

	c := Clients{
		Redis:    NewRedisClient(cfg.Redis),
		Postgres: NewPostgresPool(ctx, cfg.DatabaseURL),
		WebPush:  credentials(cfg.Push, cfg.Push.Configured(), "VAPID_PUBLIC_KEY / VAPID_PRIVATE_KEY not set"),
		Identity: credentials(cfg.Identity, cfg.Identity.Configured(), "IDENTITY_URL / IDENTITY_ANON_KEY not set"),
	}

	for name, reason := range map[string]string{
		"redis":    c.Redis.Reason(),
		"postgres": c.Postgres.Reason(),
		"webpush":  c.WebPush.Reason(),
		"identity": c.Identity.Reason(),
	} {
		if reason != "" {
			log.Warnf("⚠️  %s unconfigured: %s", name, reason)
		}
	}

	return c
}

// Close releases the pooled clients. The Redis client is owned by the cache
// store and closed there.
func (c Clients) Close() {
	if pool, ok := c.Postgres.Get(); ok {
		pool.Close()
	}
}

// NewRedisClient builds a client from config without contacting the server.
func NewRedisClient(cfg config.RedisConfig) Handle[*redis.Client] {
	if !cfg.Configured() {
		return Unconfigured[*redis.Client]("REDIS_URL / REDIS_HOST not set")
	}

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return Unconfigured[*redis.Client](fmt.Sprintf("invalid REDIS_URL: %v", err))
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Host + ":" + cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opts.DialTimeout = constants.RedisDialTimeout
	opts.ReadTimeout = constants.RedisOpTimeout
	opts.WriteTimeout = constants.RedisOpTimeout

	return Configured(redis.NewClient(opts))
}

// NewPostgresPool parses the URL and creates a lazy pool; connections are
// opened on first use.
func NewPostgresPool(ctx context.Context, url string) Handle[*pgxpool.Pool] {
	if url == "" {
		return Unconfigured[*pgxpool.Pool]("DATABASE_URL not set")
	}
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return Unconfigured[*pgxpool.Pool](fmt.Sprintf("invalid DATABASE_URL: %v", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return Unconfigured[*pgxpool.Pool](fmt.Sprintf("postgres pool: %v", err))
	}
	return Configured(pool)
}

func credentials[T any](value T, ok bool, reason string) Handle[T] {
	if !ok {
		return Unconfigured[T](reason)
	}
	return Configured(value)
}
