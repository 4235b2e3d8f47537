package cache

import (
	"github.com/redis/go-redis/v9"

	"pasofino/internal/logger"
	"pasofino/internal/platform"
)

// NewStore returns a Redis-backed store, or a DisabledStore when Redis is not configured.
func NewStore(client platform.Handle[*redis.Client], log logger.Logger) Store {
	log = logger.OrDefault(log)
	return platform.Match(client,
		func(c *redis.Client) Store {
			store := NewRedisStore(c, log)
			if store.IsEnabled() {
				log.Infof("💾 Using Redis cache store: %s", c.Options().Addr)
			} else {
				log.Warnf("⚠️  Redis unreachable at %s, cache running in degraded mode", c.Options().Addr)
			}
			return store
		},
		func(reason string) Store {
			log.Infof("💾 Cache disabled: %s", reason)
			return DisabledStore{Reason: reason}
		},
	)
}
