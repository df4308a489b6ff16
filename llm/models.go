// Package llm holds the proxy's persisted domain model: providers, keys,
// users, model prices, and request log rows (spec §3). These are GORM
// models backing C1 (registry), C5 (selector), C9 (retry chain) and C10
// (usage recorder).
package llm

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ProviderType identifies which upstream protocol a Provider speaks.
type ProviderType string

const (
	ProviderTypeClaude           ProviderType = "claude"
	ProviderTypeClaudeAuth       ProviderType = "claude-auth"
	ProviderTypeCodex            ProviderType = "codex"
	ProviderTypeOpenAICompatible ProviderType = "openai-compatible"
	ProviderTypeGemini           ProviderType = "gemini"
	ProviderTypeGeminiCLI        ProviderType = "gemini-cli"
)

// TargetType identifies the protocol family of an inbound request.
type TargetType string

const (
	TargetClaude         TargetType = "claude"
	TargetClaudeAuth     TargetType = "claude-auth"
	TargetOpenAIChat     TargetType = "openai-chat"
	TargetOpenAIResponse TargetType = "openai-responses"
	TargetGemini         TargetType = "gemini"
)

// LimitMode selects how the daily USD window is anchored.
type LimitMode string

const (
	LimitModeFixed   LimitMode = "fixed"
	LimitModeRolling LimitMode = "rolling"
)

// CacheTierPreference selects which Anthropic-style prompt-cache pricing
// tier a provider prefers, with "inherit" deferring to the process default
// (see DESIGN.md Open Question #2).
type CacheTierPreference string

const (
	CacheTierInherit CacheTierPreference = "inherit"
	CacheTier5m      CacheTierPreference = "5m"
	CacheTier1h      CacheTierPreference = "1h"
)

// StringSet is a small set of strings persisted as a JSON array column.
type StringSet []string

// Contains reports whether s is a member of the set.
func (ss StringSet) Contains(s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Intersects reports whether ss and other share at least one element.
func (ss StringSet) Intersects(other StringSet) bool {
	for _, v := range ss {
		if other.Contains(v) {
			return true
		}
	}
	return false
}

func (ss StringSet) Value() (driver.Value, error) {
	if ss == nil {
		return "[]", nil
	}
	b, err := json.Marshal(ss)
	return string(b), err
}

func (ss *StringSet) Scan(value any) error {
	if value == nil {
		*ss = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("llm: unsupported Scan source %T for StringSet", value)
	}
	if len(b) == 0 {
		*ss = nil
		return nil
	}
	return json.Unmarshal(b, ss)
}

// StringMap is a small string->string map persisted as a JSON object column,
// used for modelRedirects.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("llm: unsupported Scan source %T for StringMap", value)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// Provider is an upstream LLM endpoint the proxy can dispatch to (spec §3).
type Provider struct {
	ID   uint         `gorm:"primaryKey" json:"id"`
	Name string       `gorm:"size:200;not null" json:"name"`
	URL  string       `gorm:"size:500;not null" json:"url"`
	Type ProviderType `gorm:"size:32;not null;index" json:"type"`

	APIKey           string `gorm:"size:1000;not null" json:"-"`
	UnifiedClientID  string `gorm:"size:200" json:"unified_client_id,omitempty"`

	Priority       int       `gorm:"default:100;index" json:"priority"`
	Weight         int       `gorm:"default:100" json:"weight"`
	CostMultiplier float64   `gorm:"type:decimal(10,4);default:1" json:"cost_multiplier"`
	GroupTag       StringSet `gorm:"type:text" json:"group_tag"`

	AllowedModels  StringSet `gorm:"type:text" json:"allowed_models"`
	ModelRedirects StringMap `gorm:"type:text" json:"model_redirects"`
	JoinClaudePool bool      `gorm:"default:false" json:"join_claude_pool"`

	Limit5hUsd               *float64  `json:"limit_5h_usd"`
	LimitDailyUsd            *float64  `json:"limit_daily_usd"`
	LimitDailyMode           LimitMode `gorm:"size:16;default:fixed" json:"limit_daily_mode"`
	DailyResetTime           string    `gorm:"size:8;default:'00:00:00'" json:"daily_reset_time"`
	LimitWeeklyUsd           *float64  `json:"limit_weekly_usd"`
	LimitMonthlyUsd          *float64  `json:"limit_monthly_usd"`
	LimitTotalUsd            *float64  `json:"limit_total_usd"`
	LimitConcurrentSessions  *int      `json:"limit_concurrent_sessions"`
	TotalCostResetAt         time.Time `json:"total_cost_reset_at"`

	FailureThreshold        int `gorm:"default:5" json:"failure_threshold"`
	OpenDurationSeconds      int `gorm:"default:30" json:"open_duration_seconds"`
	HalfOpenSuccessThreshold int `gorm:"default:1" json:"half_open_success_threshold"`

	ProxyURL               string `gorm:"size:500" json:"proxy_url,omitempty"`
	ProxyFallbackToDirect  bool   `gorm:"default:true" json:"proxy_fallback_to_direct"`

	FirstByteTimeoutStreamingMs int `gorm:"default:30000" json:"first_byte_timeout_streaming_ms"`
	StreamingIdleTimeoutMs      int `gorm:"default:30000" json:"streaming_idle_timeout_ms"`
	RequestTimeoutNonStreamingMs int `gorm:"default:300000" json:"request_timeout_non_streaming_ms"`

	CacheTierPreference CacheTierPreference `gorm:"size:16;default:inherit" json:"cache_tier_preference"`
	MaxRetryAttempts    int                 `gorm:"default:0" json:"max_retry_attempts"`

	TPMHint int `gorm:"default:0" json:"tpm_hint"`
	RPMHint int `gorm:"default:0" json:"rpm_hint"`
	RPDHint int `gorm:"default:0" json:"rpd_hint"`

	Enabled bool `gorm:"default:true;index" json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Provider) TableName() string { return "sc_llm_providers" }

// ServesTarget reports whether this provider can serve the given target
// protocol (spec §4.5 step 1, "protocol filter").
func (p *Provider) ServesTarget(target TargetType) bool {
	switch p.Type {
	case ProviderTypeClaude:
		return target == TargetClaude || target == TargetClaudeAuth || (p.JoinClaudePool && target == TargetClaude)
	case ProviderTypeClaudeAuth:
		return target == TargetClaude || target == TargetClaudeAuth
	case ProviderTypeCodex, ProviderTypeOpenAICompatible:
		return target == TargetOpenAIChat || target == TargetOpenAIResponse
	case ProviderTypeGemini, ProviderTypeGeminiCLI:
		return target == TargetGemini
	default:
		return false
	}
}

// EffectiveGroups returns GroupTag with the distinguished claim-pool group
// added when the provider opted into the Claude pool (DESIGN.md Open
// Question #1: joining the pool adds a group, it does not bypass the group
// filter).
func (p *Provider) EffectiveGroups() StringSet {
	if !p.JoinClaudePool {
		return p.GroupTag
	}
	groups := make(StringSet, 0, len(p.GroupTag)+1)
	groups = append(groups, p.GroupTag...)
	groups = append(groups, "claude-pool")
	return groups
}

// Key belongs to a user and carries its own quota ceilings (spec §3).
type Key struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	UserID uint `gorm:"not null;index" json:"user_id"`

	Secret string `gorm:"size:500;not null;uniqueIndex" json:"-"`
	Label  string `gorm:"size:200" json:"label"`

	Limit5hUsd              *float64  `json:"limit_5h_usd"`
	LimitDailyUsd           *float64  `json:"limit_daily_usd"`
	LimitWeeklyUsd          *float64  `json:"limit_weekly_usd"`
	LimitMonthlyUsd         *float64  `json:"limit_monthly_usd"`
	LimitTotalUsd           *float64  `json:"limit_total_usd"`
	LimitConcurrentSessions *int      `json:"limit_concurrent_sessions"`
	TotalCostResetAt        time.Time `json:"total_cost_reset_at"`

	ProviderGroups StringSet `gorm:"type:text" json:"provider_groups"`

	Enabled bool `gorm:"default:true;index" json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Key) TableName() string { return "sc_llm_keys" }

// User owns keys and carries its own daily/RPM ceilings (spec §3).
type User struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Email string `gorm:"size:300;uniqueIndex" json:"email"`

	DailyQuotaUsd   *float64 `json:"daily_quota_usd"`
	Limit5hUsd      *float64 `json:"limit_5h_usd"`
	LimitWeeklyUsd  *float64 `json:"limit_weekly_usd"`
	LimitMonthlyUsd *float64 `json:"limit_monthly_usd"`
	LimitTotalUsd   *float64 `json:"limit_total_usd"`
	LimitRPM        *int     `json:"limit_rpm"`

	ProviderGroups StringSet `gorm:"type:text" json:"provider_groups"`

	Enabled bool `gorm:"default:true;index" json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "sc_llm_users" }

// AllowsAllGroups reports whether the wildcard "all" is present, which
// disables the group filter entirely for this subject (spec §4.5 step 3).
func (u *User) AllowsAllGroups() bool { return u.ProviderGroups.Contains("all") }

// AllowsAllGroups is the Key analog of User.AllowsAllGroups.
func (k *Key) AllowsAllGroups() bool { return k.ProviderGroups.Contains("all") }

// ModelPrice is the read-only price table consulted by the usage recorder
// (C10); owned by an external admin collaborator, out of scope for mutation
// here.
type ModelPrice struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Model string `gorm:"size:200;not null;uniqueIndex" json:"model"`

	PriceInputPer1K  float64 `gorm:"type:decimal(12,8)" json:"price_input_per_1k"`
	PriceOutputPer1K float64 `gorm:"type:decimal(12,8)" json:"price_output_per_1k"`

	PriceCacheWrite5mPer1K float64 `gorm:"type:decimal(12,8)" json:"price_cache_write_5m_per_1k"`
	PriceCacheWrite1hPer1K float64 `gorm:"type:decimal(12,8)" json:"price_cache_write_1h_per_1k"`
	PriceCacheReadPer1K    float64 `gorm:"type:decimal(12,8)" json:"price_cache_read_per_1k"`

	// Supports1MContext and the *1M fields describe the tiered pricing that
	// applies to the portion of a request beyond 200k tokens of context,
	// when the upstream model offers a 1M-token context window.
	Supports1MContext      bool    `gorm:"default:false" json:"supports_1m_context"`
	PriceInputPer1K1M      float64 `gorm:"type:decimal(12,8)" json:"price_input_per_1k_1m"`
	PriceOutputPer1K1M     float64 `gorm:"type:decimal(12,8)" json:"price_output_per_1k_1m"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (ModelPrice) TableName() string { return "sc_llm_model_prices" }

// ChainReason is one of the closed set of provider-chain decision reasons
// (spec §3, "Provider chain item").
type ChainReason string

const (
	ChainInitialSelection       ChainReason = "initial_selection"
	ChainSessionReuse           ChainReason = "session_reuse"
	ChainRetryFailed            ChainReason = "retry_failed"
	ChainRetrySuccess           ChainReason = "retry_success"
	ChainRequestSuccess         ChainReason = "request_success"
	ChainSystemError            ChainReason = "system_error"
	ChainConcurrentLimitFailed  ChainReason = "concurrent_limit_failed"
	ChainClientErrorNonRetryable ChainReason = "client_error_non_retryable"
)

// ChainItem is one step of the selection/attempt record for a single
// request (spec §3).
type ChainItem struct {
	ProviderID      uint           `json:"provider_id"`
	ProviderName    string         `json:"provider_name"`
	Reason          ChainReason    `json:"reason"`
	StatusCode      int            `json:"status_code,omitempty"`
	CostMultiplier  float64        `json:"cost_multiplier"`
	Priority        int            `json:"priority"`
	DecisionContext map[string]any `json:"decision_context,omitempty"`
	At              time.Time      `json:"at"`
}

// Chain is a ChainItem slice persisted as a JSON column.
type Chain []ChainItem

func (c Chain) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal(c)
	return string(b), err
}

func (c *Chain) Scan(value any) error {
	if value == nil {
		*c = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("llm: unsupported Scan source %T for Chain", value)
	}
	if len(b) == 0 {
		*c = nil
		return nil
	}
	return json.Unmarshal(b, c)
}

// CacheTtl identifies which Anthropic-style prompt cache pricing tier
// applied to a request.
type CacheTtl string

const (
	CacheTtlNone CacheTtl = ""
	CacheTtl5m   CacheTtl = "5m"
	CacheTtl1h   CacheTtl = "1h"
)

// UsageLog is the request log row (spec §3, "Request log row").
type UsageLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	KeyID      uint `gorm:"not null;index" json:"key_id"`
	UserID     uint `gorm:"not null;index" json:"user_id"`
	ProviderID uint `gorm:"index" json:"provider_id"`

	Model         string `gorm:"size:200" json:"model"`
	OriginalModel string `gorm:"size:200" json:"original_model,omitempty"`
	Endpoint      string `gorm:"size:200" json:"endpoint"`

	Status int `gorm:"index" json:"status"`

	InputTokens        int      `json:"input_tokens"`
	OutputTokens       int      `json:"output_tokens"`
	CacheCreation5m     int      `json:"cache_creation_5m"`
	CacheCreation1h     int      `json:"cache_creation_1h"`
	CacheRead           int      `json:"cache_read"`
	CacheTtlApplied     CacheTtl `gorm:"size:8" json:"cache_ttl_applied,omitempty"`
	Context1mApplied    bool     `json:"context_1m_applied"`

	CostUsd    float64 `gorm:"type:decimal(14,8)" json:"cost_usd"`
	NonBilling bool    `gorm:"default:false" json:"non_billing"`

	DurationMs int64 `json:"duration_ms"`
	TtfbMs     int64 `json:"ttfb_ms"`

	ProviderChain Chain `gorm:"type:text" json:"provider_chain"`

	BlockedBy     string `gorm:"size:100" json:"blocked_by,omitempty"`
	BlockedReason string `gorm:"size:500" json:"blocked_reason,omitempty"`
	ErrorMessage  string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (UsageLog) TableName() string { return "sc_llm_usage_logs" }
