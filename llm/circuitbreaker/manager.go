package circuitbreaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher is the subset of C11 (llm/pubsub) the breaker manager needs to
// hint other instances that a provider just transitioned — it never blocks
// a state decision on the hint landing, it is advisory only (spec §4.2: the
// durable store, not pub/sub, is the source of truth for state).
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// persisted is the durable snapshot of one provider's breaker state, stored
// at key cb:{providerId} so every proxy instance reads and writes the same
// state instead of each keeping an independent in-process breaker (spec §4.2,
// "durable store + local TTL cache").
type persisted struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureUnix int64     `json:"last_failure_unix"`
	OpenUntilUnix   int64     `json:"open_until_unix"`
	HalfOpenCalls   int       `json:"half_open_calls"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProviderLimits is the per-provider breaker tuning pulled from the Provider
// row (FailureThreshold / OpenDurationSeconds / HalfOpenSuccessThreshold).
type ProviderLimits struct {
	FailureThreshold        int
	OpenDuration            time.Duration
	HalfOpenSuccessThreshold int
}

// HealthInfo is one entry of a healthSnapshot(ids) result (spec §4.2).
type HealthInfo struct {
	ProviderID   uint
	State        State
	FailureCount int
	OpenUntil    time.Time
	// Degraded folds in C11's QPS-derived telemetry: true when the provider
	// is CLOSED but running hot enough that the teacher's QPSCounter idea
	// would flag it. Informational only — it never forces a state change.
	Degraded bool
}

// Manager is the durable, per-provider breaker registry (C2). It keeps one
// in-memory state machine per provider for the fast path and persists every
// transition to Redis so a HALF_OPEN probe admitted by one instance is
// visible to every other instance before its local TTL cache would expire.
type Manager struct {
	mu       sync.Mutex
	local    map[uint]*persisted
	localTTL map[uint]time.Time

	redis     *redis.Client
	cacheTTL  time.Duration
	keyPrefix string
	channel   string
	publisher Publisher

	logger *zap.Logger
}

// NewManager builds a breaker Manager backed by redisClient. cacheTTL bounds
// how long a local read is trusted before re-fetching the durable snapshot
// (spec §4.2 "local TTL cache"); publisher may be nil, in which case state
// changes are persisted but not broadcast.
func NewManager(redisClient *redis.Client, cacheTTL time.Duration, invalidationChannel string, publisher Publisher, logger *zap.Logger) *Manager {
	if cacheTTL <= 0 {
		cacheTTL = 2 * time.Second
	}
	return &Manager{
		local:     make(map[uint]*persisted),
		localTTL:  make(map[uint]time.Time),
		redis:     redisClient,
		cacheTTL:  cacheTTL,
		keyPrefix: "cb:",
		channel:   invalidationChannel,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "circuitbreaker_manager")),
	}
}

func (m *Manager) key(providerID uint) string {
	return fmt.Sprintf("%s%d", m.keyPrefix, providerID)
}

// snapshot returns the current durable state for providerID, consulting
// Redis only when the local cache entry is missing or stale.
func (m *Manager) snapshot(ctx context.Context, providerID uint) *persisted {
	m.mu.Lock()
	if p, ok := m.local[providerID]; ok && time.Now().Before(m.localTTL[providerID]) {
		cp := *p
		m.mu.Unlock()
		return &cp
	}
	m.mu.Unlock()

	p := &persisted{State: StateClosed}
	if m.redis != nil {
		raw, err := m.redis.Get(ctx, m.key(providerID)).Result()
		if err == nil {
			_ = json.Unmarshal([]byte(raw), p)
		} else if err != redis.Nil {
			m.logger.Warn("breaker snapshot read failed, defaulting to closed", zap.Uint("provider_id", providerID), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.local[providerID] = p
	m.localTTL[providerID] = time.Now().Add(m.cacheTTL)
	m.mu.Unlock()

	cp := *p
	return &cp
}

func (m *Manager) save(ctx context.Context, providerID uint, p *persisted) {
	p.UpdatedAt = time.Now()

	m.mu.Lock()
	m.local[providerID] = p
	m.localTTL[providerID] = time.Now().Add(m.cacheTTL)
	m.mu.Unlock()

	if m.redis == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := m.redis.Set(ctx, m.key(providerID), data, 24*time.Hour).Err(); err != nil {
		m.logger.Warn("breaker snapshot write failed", zap.Uint("provider_id", providerID), zap.Error(err))
		return
	}
	if m.publisher != nil && m.channel != "" {
		_ = m.publisher.Publish(ctx, m.channel, map[string]any{
			"kind":        "breaker_state",
			"provider_id": providerID,
			"state":       p.State.String(),
		})
	}
}

// Allow reports whether providerID may be dispatched to right now, and
// admits at most one probe at a time once OPEN has aged into HALF_OPEN
// (spec §8 "at most one probe in HALF_OPEN" — enforced across instances
// because the CAS-like check below only succeeds for the first caller to
// observe and persist the HALF_OPEN transition).
func (m *Manager) Allow(ctx context.Context, providerID uint, limits ProviderLimits) bool {
	p := m.snapshot(ctx, providerID)

	switch p.State {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().Before(time.Unix(p.OpenUntilUnix, 0)) {
			return false
		}
		// Open duration elapsed: transition to half-open and admit this
		// one caller as the probe.
		p.State = StateHalfOpen
		p.HalfOpenCalls = 1
		m.save(ctx, providerID, p)
		m.logger.Info("breaker half-open probe admitted", zap.Uint("provider_id", providerID))
		return true
	case StateHalfOpen:
		// Only the caller that performed the transition above gets to
		// probe; everyone else sees it still OPEN-like until resolved.
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful dispatch against providerID.
func (m *Manager) RecordSuccess(ctx context.Context, providerID uint, limits ProviderLimits) {
	p := m.snapshot(ctx, providerID)
	switch p.State {
	case StateHalfOpen:
		threshold := limits.HalfOpenSuccessThreshold
		if threshold <= 0 {
			threshold = 1
		}
		if p.HalfOpenCalls >= threshold {
			p.State = StateClosed
			p.FailureCount = 0
			p.HalfOpenCalls = 0
			m.logger.Info("breaker closed after successful probe", zap.Uint("provider_id", providerID))
		}
	case StateClosed:
		p.FailureCount = 0
	}
	m.save(ctx, providerID, p)
}

// RecordFailure reports a failed dispatch against providerID, per the
// provider's own threshold/open-duration configuration.
func (m *Manager) RecordFailure(ctx context.Context, providerID uint, limits ProviderLimits) {
	p := m.snapshot(ctx, providerID)
	p.FailureCount++
	p.LastFailureUnix = time.Now().Unix()

	threshold := limits.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	openDuration := limits.OpenDuration
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}

	switch p.State {
	case StateClosed:
		if p.FailureCount >= threshold {
			p.State = StateOpen
			p.OpenUntilUnix = time.Now().Add(openDuration).Unix()
			m.logger.Warn("breaker opened", zap.Uint("provider_id", providerID), zap.Int("failure_count", p.FailureCount))
		}
	case StateHalfOpen:
		p.State = StateOpen
		p.OpenUntilUnix = time.Now().Add(openDuration).Unix()
		p.HalfOpenCalls = 0
		m.logger.Warn("breaker reopened after failed probe", zap.Uint("provider_id", providerID))
	}
	m.save(ctx, providerID, p)
}

// Reset manually forces providerID back to CLOSED (spec §4.2 manual reset).
func (m *Manager) Reset(ctx context.Context, providerID uint) {
	m.save(ctx, providerID, &persisted{State: StateClosed})
	m.logger.Info("breaker manually reset", zap.Uint("provider_id", providerID))
}

// HealthSnapshot returns the current breaker state for each of ids (spec
// §4.2 healthSnapshot). qps, when non-nil, folds in C11's QPS-derived
// "degraded" telemetry (informational; never drives a state transition).
func (m *Manager) HealthSnapshot(ctx context.Context, ids []uint, degradedQPSThreshold float64, qps map[uint]float64) []HealthInfo {
	out := make([]HealthInfo, 0, len(ids))
	for _, id := range ids {
		p := m.snapshot(ctx, id)
		info := HealthInfo{
			ProviderID:   id,
			State:        p.State,
			FailureCount: p.FailureCount,
		}
		if p.State == StateOpen {
			info.OpenUntil = time.Unix(p.OpenUntilUnix, 0)
		}
		if p.State == StateClosed && qps != nil && degradedQPSThreshold > 0 && qps[id] >= degradedQPSThreshold {
			info.Degraded = true
		}
		out = append(out, info)
	}
	return out
}
