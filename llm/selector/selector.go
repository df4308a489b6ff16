// Package selector is C5: the provider selection funnel. It narrows the
// full provider list down to one candidate through eight ordered steps
// (protocol, enabled, group, allow-list, health, session affinity, priority
// bucket, weighted pick — spec §4.5) and records a decisionContext
// breadcrumb explaining why that provider won, for the usage log's
// provider_chain entry.
package selector

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/coremesh/llmproxy/llm"
	"github.com/coremesh/llmproxy/llm/circuitbreaker"
)

// ErrNoCandidates is returned when every provider is filtered out before a
// pick can be made.
var ErrNoCandidates = errors.New("selector: no candidate providers available")

// HealthChecker is the subset of circuitbreaker.Manager the selector needs
// for its health filter (step 5).
type HealthChecker interface {
	Allow(ctx context.Context, providerID uint, limits circuitbreaker.ProviderLimits) bool
}

// SessionAffinity is the subset of session.Tracker the selector needs for
// its affinity step (step 6).
type SessionAffinity interface {
	PinnedProvider(ctx context.Context, keyID uint) (providerID uint, ok bool, err error)
}

// Request bundles the filter inputs for one selection.
type Request struct {
	Target       llm.TargetType
	Model        string
	KeyID        uint
	KeyGroups    llm.StringSet
	UserGroups   llm.StringSet
	KeyAllowsAll bool
	UserAllowsAll bool
}

// Decision is the result of a successful Select, including the breadcrumb
// recorded into the usage log's provider_chain.
type Decision struct {
	Provider        *llm.Provider
	DecisionContext map[string]any
}

func breakerLimits(p *llm.Provider) circuitbreaker.ProviderLimits {
	return circuitbreaker.ProviderLimits{
		FailureThreshold:         p.FailureThreshold,
		OpenDuration:             time.Duration(p.OpenDurationSeconds) * time.Second,
		HalfOpenSuccessThreshold: p.HalfOpenSuccessThreshold,
	}
}

// Select runs the full eight-step funnel and returns one winning provider,
// already excluding anything that cannot serve this request at all.
func Select(ctx context.Context, req Request, candidates []llm.Provider, health HealthChecker, affinity SessionAffinity) (*Decision, error) {
	dc := map[string]any{}

	// Step 1: protocol filter.
	step := filter(candidates, func(p *llm.Provider) bool { return p.ServesTarget(req.Target) })
	dc["after_protocol_filter"] = len(step)

	// Step 2: enabled filter.
	step = filter(step, func(p *llm.Provider) bool { return p.Enabled })
	dc["after_enabled_filter"] = len(step)

	// Step 3: group filter (bypassed entirely by the "all" wildcard).
	if !req.KeyAllowsAll && !req.UserAllowsAll {
		step = filter(step, func(p *llm.Provider) bool {
			groups := p.EffectiveGroups()
			return req.KeyGroups.Intersects(groups) || req.UserGroups.Intersects(groups)
		})
	}
	dc["after_group_filter"] = len(step)

	// Step 4: allow-list filter (only applies when the provider configured
	// a non-empty allow-list; empty means "any model").
	step = filter(step, func(p *llm.Provider) bool {
		return len(p.AllowedModels) == 0 || p.AllowedModels.Contains(req.Model)
	})
	dc["after_allowlist_filter"] = len(step)

	// Step 5: health filter.
	if health != nil {
		step = filter(step, func(p *llm.Provider) bool {
			return health.Allow(ctx, p.ID, breakerLimits(p))
		})
	}
	dc["after_health_filter"] = len(step)

	if len(step) == 0 {
		return nil, ErrNoCandidates
	}

	// Step 6: session affinity — if the key is pinned to a provider that
	// survived every filter above, short-circuit the remaining steps.
	if affinity != nil {
		if providerID, ok, err := affinity.PinnedProvider(ctx, req.KeyID); err == nil && ok {
			for i := range step {
				if step[i].ID == providerID {
					dc["pinned"] = true
					p := step[i]
					return &Decision{Provider: &p, DecisionContext: dc}, nil
				}
			}
		}
	}

	// Step 7: priority bucket — keep only the providers sharing the lowest
	// Priority value (lower value = higher priority, spec §8 "priority
	// dominance").
	best := step[0].Priority
	for _, p := range step {
		if p.Priority < best {
			best = p.Priority
		}
	}
	bucket := filter(step, func(p *llm.Provider) bool { return p.Priority == best })
	dc["priority_bucket"] = best
	dc["priority_bucket_size"] = len(bucket)

	// Step 8: weighted pick within the bucket.
	picked := weightedPick(bucket)
	dc["pinned"] = false
	return &Decision{Provider: picked, DecisionContext: dc}, nil
}

func filter(in []llm.Provider, keep func(*llm.Provider) bool) []llm.Provider {
	out := make([]llm.Provider, 0, len(in))
	for i := range in {
		if keep(&in[i]) {
			out = append(out, in[i])
		}
	}
	return out
}

// weightedPick chooses one provider from bucket proportionally to Weight
// (treating Weight<=0 as 1 so a misconfigured provider is still reachable).
func weightedPick(bucket []llm.Provider) *llm.Provider {
	if len(bucket) == 1 {
		p := bucket[0]
		return &p
	}

	total := 0
	weights := make([]int, len(bucket))
	for i, p := range bucket {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	r := int(randUint64()%uint64(total)) + 1
	cum := 0
	for i, w := range weights {
		cum += w
		if r <= cum {
			p := bucket[i]
			return &p
		}
	}
	p := bucket[len(bucket)-1]
	return &p
}

func randUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}
