package push

import (
	"context"
	"errors"
	"time"

	"pasofino/internal/cache"
	"pasofino/internal/constants"
	"pasofino/internal/logger"
)

// Registry stores one record per endpoint under push_subscription:<key>.
// Every read and write goes through the cache so instances share it.
type Registry struct {
	store cache.Store
	log   logger.Logger
}

func NewRegistry(store cache.Store, log logger.Logger) *Registry {
	return &Registry{
		store: store,
		log:   logger.OrDefault(log).WithField("component", "push-registry"),
	}
}

func (r *Registry) KeyFor(endpoint string) string {
	return KeyFor(endpoint)
}

// Save overwrites any existing record for the same endpoint. The result only
// reports whether the cache accepted the write.
func (r *Registry) Save(ctx context.Context, sub Subscription) bool {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	ok := r.store.Set(ctx, storageKey(KeyFor(sub.Endpoint)), sub, 0)
	if !ok {
		r.log.Warnf("⚠️  Subscription not persisted (cache enabled: %v)", r.store.IsEnabled())
	}
	return ok
}

func (r *Registry) List(ctx context.Context) []Record {
	keys := r.store.Keys(ctx, constants.PushSubscriptionKey+"*")
	records := make([]Record, 0, len(keys))

	for _, full := range keys {
		var sub Subscription
		if err := r.store.Get(ctx, full, &sub); err != nil {
			if !errors.Is(err, cache.ErrNotFound) {
				r.log.WithError(err).Warnf("Skipping subscription %s", full)
			}
			continue
		}
		records = append(records, Record{Key: full[len(constants.PushSubscriptionKey):], Data: sub})
	}
	return records
}

func (r *Registry) Remove(ctx context.Context, key string) bool {
	return r.store.Delete(ctx, storageKey(key)) > 0
}

func (r *Registry) Count(ctx context.Context) int {
	return len(r.store.Keys(ctx, constants.PushSubscriptionKey+"*"))
}

func storageKey(key string) string {
	return constants.PushSubscriptionKey + key
}
