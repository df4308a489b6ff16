// Package registry is C1: the provider configuration cache. It reads
// Provider rows from Postgres/MySQL/SQLite via GORM, keeps them in an
// in-memory TTL cache (default 60s per spec §4.1) so the hot path never
// round-trips to the database, and invalidates that cache early when C11
// broadcasts a providerCacheInvalidation message — an admin edit elsewhere
// in the fleet is visible within one pub/sub hop instead of waiting out the
// TTL.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coremesh/llmproxy/llm"
	"github.com/coremesh/llmproxy/llm/pubsub"
)

// DefaultTTL is the fallback cache lifetime when the caller doesn't
// configure one (spec §4.1).
const DefaultTTL = 60 * time.Second

// Registry is the C1 provider cache.
type Registry struct {
	db  *gorm.DB
	ttl time.Duration

	mu         sync.RWMutex
	providers  []llm.Provider
	byID       map[uint]*llm.Provider
	fetchedAt  time.Time

	logger *zap.Logger
}

// New builds a Registry over db. ttl<=0 uses DefaultTTL.
func New(db *gorm.DB, ttl time.Duration, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		db:     db,
		ttl:    ttl,
		byID:   make(map[uint]*llm.Provider),
		logger: logger.With(zap.String("component", "registry")),
	}
}

// WatchInvalidation subscribes to channel on bus and forces a refresh on the
// next read whenever a providerCacheInvalidation message arrives, regardless
// of remaining TTL. Meant to be called once at startup with a long-lived
// context; returns immediately, running the subscriber in the background.
func (r *Registry) WatchInvalidation(ctx context.Context, bus *pubsub.Bus, channel string) {
	msgs := bus.Subscribe(ctx, channel)
	go func() {
		for msg := range msgs {
			if kind, _ := msg.Payload["kind"].(string); kind != "provider_invalidation" {
				continue
			}
			r.mu.Lock()
			r.fetchedAt = time.Time{}
			r.mu.Unlock()
			r.logger.Info("provider cache invalidated by pub/sub")
		}
	}()
}

// All returns every provider row, refreshing from the database if the local
// cache has expired.
func (r *Registry) All(ctx context.Context) ([]llm.Provider, error) {
	if err := r.refreshIfStale(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Provider, len(r.providers))
	copy(out, r.providers)
	return out, nil
}

// ByID returns a single provider by ID, refreshing the cache if stale. It
// returns (nil, nil) if no such provider exists.
func (r *Registry) ByID(ctx context.Context, id uint) (*llm.Provider, error) {
	if err := r.refreshIfStale(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// Fresh bypasses the TTL cache and reads providers straight from the
// database, updating the cache as a side effect. Used by admin-facing
// operations (e.g. right after a write) where staleness is unacceptable.
func (r *Registry) Fresh(ctx context.Context) ([]llm.Provider, error) {
	if err := r.reload(ctx); err != nil {
		return nil, err
	}
	return r.All(ctx)
}

func (r *Registry) refreshIfStale(ctx context.Context) error {
	r.mu.RLock()
	stale := time.Since(r.fetchedAt) > r.ttl
	r.mu.RUnlock()
	if !stale {
		return nil
	}
	return r.reload(ctx)
}

func (r *Registry) reload(ctx context.Context) error {
	var rows []llm.Provider
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		r.logger.Error("registry reload failed", zap.Error(err))
		return err
	}

	byID := make(map[uint]*llm.Provider, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}

	r.mu.Lock()
	r.providers = rows
	r.byID = byID
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	return nil
}
