// Package handlers' proxy.go is the protocol-preserving hot path: it wires
// C1-C11 together for each of the four ingress families (Anthropic Messages,
// OpenAI Chat Completions, OpenAI Responses, Gemini generateContent) without
// ever decoding a request into a common shape (spec §1, §6). The raw request
// body is forwarded to the chosen upstream unchanged except for model
// redirection; the response is relayed the same way.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coremesh/llmproxy/config"
	"github.com/coremesh/llmproxy/llm"
	"github.com/coremesh/llmproxy/llm/circuitbreaker"
	"github.com/coremesh/llmproxy/llm/dispatcher"
	"github.com/coremesh/llmproxy/llm/observability"
	"github.com/coremesh/llmproxy/llm/ratelimiter"
	"github.com/coremesh/llmproxy/llm/registry"
	"github.com/coremesh/llmproxy/llm/retry"
	"github.com/coremesh/llmproxy/llm/selector"
	"github.com/coremesh/llmproxy/llm/session"
	"github.com/coremesh/llmproxy/llm/streamparser"
)

// ProxyHandler orchestrates one request through select -> auth -> dispatch ->
// stream/retry -> record -> commit (spec §2b control flow) for every ingress
// protocol family.
type ProxyHandler struct {
	db *gorm.DB

	registry   *registry.Registry
	breaker    *circuitbreaker.Manager
	sessions   *session.Tracker
	limiter    *ratelimiter.Limiter
	dispatch   *dispatcher.Dispatcher
	calculator *observability.Calculator

	cfg    config.ProxyConfig
	logger *zap.Logger
}

// NewProxyHandler builds a ProxyHandler from its already-constructed
// dependencies.
func NewProxyHandler(
	db *gorm.DB,
	reg *registry.Registry,
	breaker *circuitbreaker.Manager,
	sessions *session.Tracker,
	limiter *ratelimiter.Limiter,
	dispatch *dispatcher.Dispatcher,
	calculator *observability.Calculator,
	cfg config.ProxyConfig,
	logger *zap.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		db:         db,
		registry:   reg,
		breaker:    breaker,
		sessions:   sessions,
		limiter:    limiter,
		dispatch:   dispatch,
		calculator: calculator,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "proxy_handler")),
	}
}

// HandleAnthropicMessages serves POST /v1/messages.
func (h *ProxyHandler) HandleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, llm.TargetClaude, "/v1/messages", "")
}

// HandleOpenAIChatCompletions serves POST /v1/chat/completions.
func (h *ProxyHandler) HandleOpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, llm.TargetOpenAIChat, "/v1/chat/completions", "")
}

// HandleOpenAIResponses serves POST /v1/responses.
func (h *ProxyHandler) HandleOpenAIResponses(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, llm.TargetOpenAIResponse, "/v1/responses", "")
}

// HandleGemini serves POST /v1beta/models/{modelAction}, splitting the
// {model}:{generateContent|streamGenerateContent} path segment Gemini's own
// clients send (net/http's wildcard can't span a partial segment, so the
// split happens here rather than in the route pattern).
func (h *ProxyHandler) HandleGemini(w http.ResponseWriter, r *http.Request) {
	modelAction := r.PathValue("modelAction")
	model, action, ok := strings.Cut(modelAction, ":")
	if !ok {
		writeProxyError(w, http.StatusNotFound, "not_found", "unrecognized gemini path")
		return
	}
	switch action {
	case "generateContent", "streamGenerateContent":
	case "countTokens":
		h.handle(w, r, llm.TargetGemini, "countTokens", model)
		return
	default:
		writeProxyError(w, http.StatusNotFound, "not_found", "unrecognized gemini action "+action)
		return
	}
	h.handle(w, r, llm.TargetGemini, action, model)
}

// requestPeek is the minimal set of fields the proxy needs out of an inbound
// body without decoding the whole protocol-specific shape (spec §1: the body
// otherwise passes through unchanged).
type requestPeek struct {
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens"`
}

func (h *ProxyHandler) handle(w http.ResponseWriter, r *http.Request, target llm.TargetType, endpoint, pathModel string) {
	ctx := r.Context()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeProxyError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	var peek requestPeek
	_ = json.Unmarshal(body, &peek)
	model := peek.Model
	streaming := peek.Stream
	if pathModel != "" {
		model = pathModel
	}
	if target == llm.TargetGemini {
		streaming = endpoint == "streamGenerateContent"
	}
	isCountTokens := endpoint == "countTokens"

	key, user, err := h.authenticate(ctx, r)
	if err != nil {
		writeProxyError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	sessionID := r.Header.Get("X-Session-Id")
	ephemeralSession := sessionID == ""
	if ephemeralSession {
		sessionID = uuid.NewString()
	}

	candidates, err := h.registry.All(ctx)
	if err != nil {
		writeProxyError(w, http.StatusServiceUnavailable, "registry_unavailable", "provider registry unavailable")
		return
	}

	keySessionCount, _ := h.sessions.CountByKey(ctx, key.ID)
	estimate := h.estimateCost(ctx, model, body, peek.MaxTokens)

	checkInput := ratelimiter.CheckInput{
		KeyID:            key.ID,
		UserID:           user.ID,
		KeyLimits:        keyLimits(key),
		UserLimits:       userLimits(user),
		KeySessionCount:  keySessionCount,
		EstimatedCostUsd: estimate,
	}
	if !isCountTokens {
		if err := h.limiter.Check(ctx, checkInput); err != nil {
			writeProxyError(w, http.StatusTooManyRequests, "rate_limit_exceeded", err.Error())
			return
		}
	}

	selReq := selector.Request{
		Target:        target,
		Model:         model,
		KeyID:         key.ID,
		KeyGroups:     key.ProviderGroups,
		UserGroups:    user.ProviderGroups,
		KeyAllowsAll:  key.AllowsAllGroups(),
		UserAllowsAll: user.AllowsAllGroups(),
	}

	tried := map[uint]bool{}
	var chain llm.Chain
	remaining := candidates

	maxAttempts := retry.MaxAttempts(0, 3, len(candidates))
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt < maxAttempts; attempt++ {
		pool := excludeTried(remaining, tried)
		decision, err := selector.Select(ctx, selReq, pool, h.breaker, h.sessions)
		if err != nil {
			if attempt == 0 {
				writeProxyError(w, http.StatusServiceUnavailable, "no_provider", "no provider available for this request")
				return
			}
			break
		}
		provider := decision.Provider
		tried[provider.ID] = true

		// The selected provider may configure a tighter retry ceiling than
		// the candidate-count bound the loop started with (spec §4.9:
		// min(provider.maxRetryAttempts||N, |candidates|)).
		if attempt+1 >= retry.MaxAttempts(provider.MaxRetryAttempts, 3, len(candidates)) {
			maxAttempts = attempt + 1
		}

		if attempt == 0 {
			_ = h.sessions.OpenSession(ctx, sessionID, key.ID, user.ID, provider.ID)
		}

		targetModel := model
		if redirect, ok := provider.ModelRedirects[model]; ok && redirect != "" {
			targetModel = redirect
		}

		url := buildUpstreamURL(provider, target, targetModel, endpoint, streaming)
		plan := dispatcher.Plan{
			Provider:   provider,
			Target:     target,
			Method:     http.MethodPost,
			URL:        url,
			Body:       bytes.NewReader(body),
			Credential: provider.APIKey,
			Streaming:  streaming,
		}

		resp, derr := h.dispatch.Dispatch(ctx, plan)
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		kind := retry.Classify(ctx, derr, statusCode)

		if derr == nil && statusCode < 400 {
			h.breaker.RecordSuccess(ctx, provider.ID, breakerLimits(provider))
			chain = append(chain, llm.ChainItem{
				ProviderID: provider.ID, ProviderName: provider.Name,
				Reason: retry.ChainReasonFor(attempt, kind, true), StatusCode: statusCode,
				CostMultiplier: provider.CostMultiplier, Priority: provider.Priority,
				DecisionContext: decision.DecisionContext, At: time.Now(),
			})
			h.relaySuccess(ctx, w, r, resp, target, model, targetModel, endpoint, provider, key, user, streaming, isCountTokens, checkInput, chain, start, sessionID, ephemeralSession)
			return
		}

		if derr == nil {
			resp.Body.Close()
		}
		h.breaker.RecordFailure(ctx, provider.ID, breakerLimits(provider))
		chain = append(chain, llm.ChainItem{
			ProviderID: provider.ID, ProviderName: provider.Name,
			Reason: retry.ChainReasonFor(attempt, kind, false), StatusCode: statusCode,
			CostMultiplier: provider.CostMultiplier, Priority: provider.Priority,
			DecisionContext: decision.DecisionContext, At: time.Now(),
		})
		lastErr = derr
		lastStatus = statusCode

		if !retry.IsRetryable(kind) {
			break
		}
	}

	if ephemeralSession {
		_ = h.sessions.CloseSession(ctx, sessionID)
	}

	status := lastStatus
	if status == 0 {
		status = http.StatusBadGateway
	}
	h.recordFailureLog(ctx, key, user, model, endpoint, status, chain, lastErr, start)
	writeProxyError(w, status, "upstream_error", describeErr(lastErr))
}

// relaySuccess forwards the upstream response to the client, extracts usage
// for C10, commits C4, and writes the request log row.
func (h *ProxyHandler) relaySuccess(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	resp *http.Response,
	target llm.TargetType,
	originalModel, targetModel, endpoint string,
	provider *llm.Provider,
	key *llm.Key,
	user *llm.User,
	streaming, isCountTokens bool,
	checkInput ratelimiter.CheckInput,
	chain llm.Chain,
	start time.Time,
	sessionID string,
	ephemeralSession bool,
) {
	defer resp.Body.Close()
	defer func() {
		if ephemeralSession {
			_ = h.sessions.CloseSession(ctx, sessionID)
		}
	}()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	var usageRaw []byte
	var textLen int

	if streaming {
		limits := streamparser.Limits{
			MaxChunks:        h.cfg.MaxStreamChunks,
			MaxBufferBytes:   h.cfg.MaxStreamBufferBytes,
			MaxLinesPerFrame: h.cfg.MaxLinesPerFrame,
		}
		format := streamparser.DetectFormat(resp.Header.Get("Content-Type"), "")
		extract := extractorFor(target)
		flushWriter := w
		usage, err := streamparser.Parse(ctx, flushWriter, resp.Body, format, limits, extract)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		if err != nil {
			h.logger.Warn("stream parse ended early", zap.Error(err))
		}
		if usage != nil {
			usageRaw = usage.LastUsageRaw
			textLen = usage.Text.Len()
		}
	} else {
		respBody, err := io.ReadAll(resp.Body)
		if err == nil {
			_, _ = w.Write(respBody)
			usageRaw, textLen = extractBodyUsage(target, respBody)
		}
	}

	usage := parseUsageRaw(target, usageRaw, textLen)
	result := h.calculator.Compute(ctx, observability.ComputeInput{
		Model:             originalModel,
		InputTokens:       usage.input,
		OutputTokens:      usage.output,
		CacheCreation5m:   usage.cacheCreation5m,
		CacheCreation1h:   usage.cacheCreation1h,
		CacheRead:         usage.cacheRead,
		CacheTierApplied:  resolveCacheTier(provider, h.cfg.DefaultCacheTier),
		CostMultiplier:    provider.CostMultiplier,
		IsCountTokensCall: isCountTokens,
	})

	if !isCountTokens && !result.NonBilling {
		if err := h.limiter.Commit(ctx, checkInput, result.CostUsd); err != nil {
			h.logger.Warn("ratelimiter commit failed", zap.Error(err))
		}
	}

	log := llm.UsageLog{
		KeyID: key.ID, UserID: user.ID, ProviderID: provider.ID,
		Model: originalModel, OriginalModel: originalModel, Endpoint: endpoint,
		Status: resp.StatusCode,
		InputTokens: usage.input, OutputTokens: usage.output,
		CacheCreation5m: usage.cacheCreation5m, CacheCreation1h: usage.cacheCreation1h, CacheRead: usage.cacheRead,
		CacheTtlApplied: result.CacheTtlApplied, Context1mApplied: result.Context1mApplied,
		CostUsd: result.CostUsd, NonBilling: result.NonBilling,
		DurationMs: time.Since(start).Milliseconds(),
		ProviderChain: chain,
		CreatedAt: time.Now(),
	}
	if h.db != nil {
		if err := h.db.WithContext(ctx).Create(&log).Error; err != nil {
			h.logger.Warn("usage log write failed", zap.Error(err))
		}
	}
}

func (h *ProxyHandler) recordFailureLog(ctx context.Context, key *llm.Key, user *llm.User, model, endpoint string, status int, chain llm.Chain, lastErr error, start time.Time) {
	if h.db == nil {
		return
	}
	log := llm.UsageLog{
		KeyID: key.ID, UserID: user.ID,
		Model: model, Endpoint: endpoint, Status: status,
		NonBilling: true, ProviderChain: chain,
		DurationMs: time.Since(start).Milliseconds(),
		BlockedReason: describeErr(lastErr),
		CreatedAt:     time.Now(),
	}
	if err := h.db.WithContext(ctx).Create(&log).Error; err != nil {
		h.logger.Warn("failure log write failed", zap.Error(err))
	}
}

// authenticate resolves the caller's Key (and its owning User) from the
// bearer credential on the inbound request. Accepted shapes mirror the four
// ingress families' own conventions so a single client credential header
// works regardless of which protocol the caller is speaking.
func (h *ProxyHandler) authenticate(ctx context.Context, r *http.Request) (*llm.Key, *llm.User, error) {
	secret := r.Header.Get("x-api-key")
	if secret == "" {
		secret = r.Header.Get("x-goog-api-key")
	}
	if secret == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			secret = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if secret == "" {
		secret = r.URL.Query().Get("key")
	}
	if secret == "" {
		return nil, nil, fmt.Errorf("missing credential")
	}
	if h.db == nil {
		return nil, nil, fmt.Errorf("key store unavailable")
	}

	var key llm.Key
	if err := h.db.WithContext(ctx).Where("secret = ?", secret).First(&key).Error; err != nil {
		return nil, nil, fmt.Errorf("invalid credential")
	}
	if !key.Enabled {
		return nil, nil, fmt.Errorf("key disabled")
	}
	var user llm.User
	if err := h.db.WithContext(ctx).First(&user, key.UserID).Error; err != nil {
		return nil, nil, fmt.Errorf("key has no owning user")
	}
	if !user.Enabled {
		return nil, nil, fmt.Errorf("user disabled")
	}
	return &key, &user, nil
}

func (h *ProxyHandler) estimateCost(ctx context.Context, model string, body []byte, maxTokens int) float64 {
	input := observability.EstimateTokens(string(body))
	output := maxTokens
	if output <= 0 {
		output = 512
	}
	result := h.calculator.Compute(ctx, observability.ComputeInput{
		Model: model, InputTokens: input, OutputTokens: output,
	})
	return result.CostUsd
}

func keyLimits(k *llm.Key) ratelimiter.Limits {
	return ratelimiter.Limits{
		TotalUsd: k.LimitTotalUsd, TotalCostResetAt: k.TotalCostResetAt,
		Usd5h: k.Limit5hUsd, DailyUsd: k.LimitDailyUsd,
		WeeklyUsd: k.LimitWeeklyUsd, MonthlyUsd: k.LimitMonthlyUsd,
		ConcurrentSessions: k.LimitConcurrentSessions,
	}
}

func userLimits(u *llm.User) ratelimiter.Limits {
	return ratelimiter.Limits{
		TotalUsd: u.LimitTotalUsd, Usd5h: u.Limit5hUsd, DailyUsd: u.DailyQuotaUsd,
		WeeklyUsd: u.LimitWeeklyUsd, MonthlyUsd: u.LimitMonthlyUsd, RPM: u.LimitRPM,
	}
}

func breakerLimits(p *llm.Provider) circuitbreaker.ProviderLimits {
	return circuitbreaker.ProviderLimits{
		FailureThreshold:         p.FailureThreshold,
		OpenDuration:             time.Duration(p.OpenDurationSeconds) * time.Second,
		HalfOpenSuccessThreshold: p.HalfOpenSuccessThreshold,
	}
}

func resolveCacheTier(p *llm.Provider, processDefault string) llm.CacheTtl {
	switch p.CacheTierPreference {
	case llm.CacheTier5m:
		return llm.CacheTtl5m
	case llm.CacheTier1h:
		return llm.CacheTtl1h
	default:
		if processDefault == "1h" {
			return llm.CacheTtl1h
		}
		return llm.CacheTtl5m
	}
}

func excludeTried(candidates []llm.Provider, tried map[uint]bool) []llm.Provider {
	out := make([]llm.Provider, 0, len(candidates))
	for _, p := range candidates {
		if !tried[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

func buildUpstreamURL(p *llm.Provider, target llm.TargetType, model, endpoint string, streaming bool) string {
	base := strings.TrimRight(p.URL, "/")
	switch target {
	case llm.TargetClaude, llm.TargetClaudeAuth:
		return base + "/v1/messages"
	case llm.TargetOpenAIChat:
		return base + "/v1/chat/completions"
	case llm.TargetOpenAIResponse:
		return base + "/v1/responses"
	case llm.TargetGemini:
		action := endpoint
		if action == "" {
			if streaming {
				action = "streamGenerateContent"
			} else {
				action = "generateContent"
			}
		}
		url := fmt.Sprintf("%s/v1beta/models/%s:%s", base, model, action)
		if streaming {
			url += "?alt=sse"
		}
		return url
	default:
		return base
	}
}

func describeErr(err error) string {
	if err == nil {
		return "upstream returned a non-success status"
	}
	return err.Error()
}

func writeProxyError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"type":%q,"message":%q}}`, code, message)
}

// --- usage extraction (spec §4.8 "chunk-merge semantics", §4.10 recorder input) ---

type usageTotals struct {
	input, output, cacheCreation5m, cacheCreation1h, cacheRead int
}

// extractorFor returns the per-protocol streamparser.UsageExtractor that
// pulls incremental text and the last non-null usage object out of one
// decoded frame.
func extractorFor(target llm.TargetType) streamparser.UsageExtractor {
	switch target {
	case llm.TargetClaude, llm.TargetClaudeAuth:
		return func(frame []byte) (string, []byte, bool) {
			var ev map[string]any
			if err := json.Unmarshal(frame, &ev); err != nil {
				return "", nil, false
			}
			var delta string
			if d, ok := ev["delta"].(map[string]any); ok {
				if t, ok := d["text"].(string); ok {
					delta = t
				}
			}
			var usageRaw []byte
			if u, ok := ev["usage"]; ok {
				usageRaw, _ = json.Marshal(u)
			}
			return delta, usageRaw, delta != "" || usageRaw != nil
		}
	case llm.TargetOpenAIChat, llm.TargetOpenAIResponse:
		return func(frame []byte) (string, []byte, bool) {
			var ev struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
				Usage json.RawMessage `json:"usage"`
			}
			if err := json.Unmarshal(frame, &ev); err != nil {
				return "", nil, false
			}
			var delta string
			if len(ev.Choices) > 0 {
				delta = ev.Choices[0].Delta.Content
			}
			var usageRaw []byte
			if len(ev.Usage) > 0 {
				usageRaw = ev.Usage
			}
			return delta, usageRaw, delta != "" || usageRaw != nil
		}
	case llm.TargetGemini:
		return func(frame []byte) (string, []byte, bool) {
			var ev struct {
				Candidates []struct {
					Content struct {
						Parts []struct {
							Text string `json:"text"`
						} `json:"parts"`
					} `json:"content"`
				} `json:"candidates"`
				UsageMetadata json.RawMessage `json:"usageMetadata"`
			}
			if err := json.Unmarshal(frame, &ev); err != nil {
				return "", nil, false
			}
			var delta string
			if len(ev.Candidates) > 0 && len(ev.Candidates[0].Content.Parts) > 0 {
				delta = ev.Candidates[0].Content.Parts[0].Text
			}
			var usageRaw []byte
			if len(ev.UsageMetadata) > 0 {
				usageRaw = ev.UsageMetadata
			}
			return delta, usageRaw, delta != "" || usageRaw != nil
		}
	default:
		return nil
	}
}

// extractBodyUsage pulls usage directly out of a complete (non-streaming)
// response body, returning the raw usage object and the length of the
// primary text field (used only as a fallback token estimate).
func extractBodyUsage(target llm.TargetType, body []byte) ([]byte, int) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, 0
	}
	switch target {
	case llm.TargetClaude, llm.TargetClaudeAuth, llm.TargetOpenAIChat, llm.TargetOpenAIResponse:
		if raw, ok := generic["usage"]; ok {
			return raw, 0
		}
	case llm.TargetGemini:
		if raw, ok := generic["usageMetadata"]; ok {
			return raw, 0
		}
	}
	return nil, 0
}

func parseUsageRaw(target llm.TargetType, raw []byte, fallbackTextLen int) usageTotals {
	if len(raw) == 0 {
		return usageTotals{output: estimateFromLen(fallbackTextLen)}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return usageTotals{output: estimateFromLen(fallbackTextLen)}
	}
	num := func(keys ...string) int {
		for _, k := range keys {
			if v, ok := m[k]; ok {
				switch n := v.(type) {
				case float64:
					return int(n)
				case string:
					if i, err := strconv.Atoi(n); err == nil {
						return i
					}
				}
			}
		}
		return 0
	}
	switch target {
	case llm.TargetClaude, llm.TargetClaudeAuth:
		return usageTotals{
			input:           num("input_tokens"),
			output:          num("output_tokens"),
			cacheCreation5m: num("cache_creation_input_tokens"),
			cacheRead:       num("cache_read_input_tokens"),
		}
	case llm.TargetOpenAIChat, llm.TargetOpenAIResponse:
		return usageTotals{
			input:  num("prompt_tokens", "input_tokens"),
			output: num("completion_tokens", "output_tokens"),
		}
	case llm.TargetGemini:
		return usageTotals{
			input:  num("promptTokenCount"),
			output: num("candidatesTokenCount"),
		}
	default:
		return usageTotals{}
	}
}

func estimateFromLen(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
