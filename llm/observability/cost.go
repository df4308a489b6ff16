// Package observability holds C10, the usage recorder's cost math, plus
// the proxy's metrics instrumentation (metrics.go). Pricing follows the
// Anthropic-style cache-tier model: a request can carry a 5-minute or
// 1-hour cache write, a cache read, and — above 200k tokens of context, for
// models that support it — a 1M-context pricing tier at 1.5x/2x the base
// rate (spec §4.10).
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coremesh/llmproxy/llm"
)

// priceCacheTTL bounds how long a ModelPrice row is trusted before a reload,
// mirroring C1's registry cache shape for the same reason: the hot path
// must never block on a database round trip.
const priceCacheTTL = 60 * time.Second

// PriceSource resolves a model's price row, usually backed by PriceCache.
type PriceSource interface {
	GetPrice(ctx context.Context, model string) (*llm.ModelPrice, bool)
}

// PriceCache is a TTL-cached read-through view of sc_llm_model_prices.
type PriceCache struct {
	db     *gorm.DB
	logger *zap.Logger

	mu        sync.RWMutex
	byModel   map[string]*llm.ModelPrice
	fetchedAt time.Time
}

// NewPriceCache builds a PriceCache over db.
func NewPriceCache(db *gorm.DB, logger *zap.Logger) *PriceCache {
	return &PriceCache{db: db, byModel: make(map[string]*llm.ModelPrice), logger: logger.With(zap.String("component", "price_cache"))}
}

// GetPrice implements PriceSource, refreshing the cache if it is stale.
func (c *PriceCache) GetPrice(ctx context.Context, model string) (*llm.ModelPrice, bool) {
	c.mu.RLock()
	stale := time.Since(c.fetchedAt) > priceCacheTTL
	p, ok := c.byModel[model]
	c.mu.RUnlock()

	if !stale {
		return p, ok
	}

	var rows []llm.ModelPrice
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		c.logger.Warn("price cache reload failed, serving stale data", zap.Error(err))
		return p, ok
	}

	byModel := make(map[string]*llm.ModelPrice, len(rows))
	for i := range rows {
		byModel[rows[i].Model] = &rows[i]
	}

	c.mu.Lock()
	c.byModel = byModel
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	p, ok = byModel[model]
	return p, ok
}

// ComputeInput is everything the cost formula needs for one request.
type ComputeInput struct {
	Model              string
	InputTokens        int
	OutputTokens       int
	CacheCreation5m    int
	CacheCreation1h    int
	CacheRead          int
	CacheTierApplied   llm.CacheTtl // already resolved from Provider.CacheTierPreference + process default
	CostMultiplier     float64
	IsCountTokensCall  bool // spec §4.10: count_tokens is always cost=0, non-billing
}

// ComputeResult is the usage recorder's output for one request, ready to be
// written into a UsageLog row and committed to the rate limiter.
type ComputeResult struct {
	CostUsd          float64
	NonBilling       bool
	Context1mApplied bool
	CacheTtlApplied  llm.CacheTtl
}

// Calculator is C10's cost computation, backed by a PriceSource.
type Calculator struct {
	prices PriceSource
	logger *zap.Logger
}

// NewCalculator builds a Calculator over prices.
func NewCalculator(prices PriceSource, logger *zap.Logger) *Calculator {
	return &Calculator{prices: prices, logger: logger.With(zap.String("component", "cost_calculator"))}
}

// context1MThresholdTokens and its tier breakpoints (spec §4.10): above
// 200k tokens of total context a 1M-context model switches pricing tier, at
// 1.5x up to 500k and 2x beyond.
const (
	context1MThresholdTokens = 200_000
	context1MHighThresholdTokens = 500_000
	context1MLowMultiplier  = 1.5
	context1MHighMultiplier = 2.0
)

// Compute applies the full cache-tier + 1M-context-tiering cost formula.
func (c *Calculator) Compute(ctx context.Context, in ComputeInput) ComputeResult {
	if in.IsCountTokensCall {
		return ComputeResult{NonBilling: true}
	}

	price, ok := c.prices.GetPrice(ctx, in.Model)
	if !ok || price == nil {
		c.logger.Warn("no price row for model, billing as zero cost", zap.String("model", in.Model))
		return ComputeResult{NonBilling: true}
	}

	inputPrice := price.PriceInputPer1K
	outputPrice := price.PriceOutputPer1K
	context1mApplied := false

	totalContextTokens := in.InputTokens + in.CacheRead + in.CacheCreation5m + in.CacheCreation1h
	if price.Supports1MContext && totalContextTokens > context1MThresholdTokens {
		context1mApplied = true
		multiplier := context1MLowMultiplier
		if totalContextTokens > context1MHighThresholdTokens {
			multiplier = context1MHighMultiplier
		}
		if price.PriceInputPer1K1M > 0 {
			inputPrice = price.PriceInputPer1K1M
		} else {
			inputPrice = price.PriceInputPer1K * multiplier
		}
		if price.PriceOutputPer1K1M > 0 {
			outputPrice = price.PriceOutputPer1K1M
		} else {
			outputPrice = price.PriceOutputPer1K * multiplier
		}
	}

	cost := float64(in.InputTokens)/1000*inputPrice +
		float64(in.OutputTokens)/1000*outputPrice +
		float64(in.CacheCreation5m)/1000*price.PriceCacheWrite5mPer1K +
		float64(in.CacheCreation1h)/1000*price.PriceCacheWrite1hPer1K +
		float64(in.CacheRead)/1000*price.PriceCacheReadPer1K

	multiplier := in.CostMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	cost *= multiplier

	return ComputeResult{
		CostUsd:          cost,
		Context1mApplied: context1mApplied,
		CacheTtlApplied:  in.CacheTierApplied,
	}
}

// tokenEncoder lazily builds (and caches) the cl100k_base tiktoken encoder
// used to locally estimate token counts when an upstream response omits
// usage (some protocol families don't always return it on error paths).
var (
	tokenEncoderOnce sync.Once
	tokenEncoder     *tiktoken.Tiktoken
	tokenEncoderErr  error
)

func encoder() (*tiktoken.Tiktoken, error) {
	tokenEncoderOnce.Do(func() {
		tokenEncoder, tokenEncoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return tokenEncoder, tokenEncoderErr
}

// EstimateTokens returns a local token-count estimate for text, falling
// back to a rough 4-bytes-per-token heuristic if the encoder can't be
// loaded.
func EstimateTokens(text string) int {
	enc, err := encoder()
	if err != nil || enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
