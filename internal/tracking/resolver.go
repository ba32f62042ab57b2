package tracking

import (
	"context"
	"time"

	"gpsrelay/internal/cache"
)

// Resolution is what a tracking key maps to.
type Resolution struct {
	TrackingID int64
	Name       string
	StartedAt  time.Time
	// SegmentActive is sampled at first resolution and not refreshed.
	SegmentActive bool
}

type trackingLoader interface {
	TrackingByKey(ctx context.Context, key string) (Tracking, bool, error)
}

// Resolver memoizes key to tracking lookups for the process lifetime.
// Tracking keys are immutable, so successful lookups never expire; failed
// lookups are not remembered.
type Resolver struct {
	store trackingLoader
	cache *cache.Cache[string, Resolution]
}

func NewResolver(store trackingLoader) *Resolver {
	return &Resolver{
		store: store,
		cache: cache.New[string, Resolution](0),
	}
}

func (r *Resolver) Resolve(ctx context.Context, key string) (Resolution, error) {
	if res, ok := r.cache.Get(key); ok {
		return res, nil
	}

	t, active, err := r.store.TrackingByKey(ctx, key)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{
		TrackingID:    t.ID,
		Name:          t.Name,
		StartedAt:     t.StartedAt,
		SegmentActive: active,
	}
	r.cache.Put(key, res)
	return res, nil
}
