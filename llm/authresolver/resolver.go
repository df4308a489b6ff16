// Package authresolver builds protocol-specific auth headers for upstream
// dispatch (spec §4.6, C6). It never talks to the selector or dispatcher
// directly — it is a pure function of provider config, protocol, and target
// URL, consumed by llm/dispatcher.
package authresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	xjwt "golang.org/x/oauth2/jwt"

	"github.com/coremesh/llmproxy/llm"
)

// Headers is the resolved auth + identification header set for one dispatch
// attempt, plus whether a retry-with-query-param fallback is admissible
// (Gemini header-auth 401/403 retry per §4.6).
type Headers struct {
	Header          map[string]string
	QueryParamRetry bool // true for Gemini: on 401/403 retry once with ?key=
}

var proxyLikeHost = regexp.MustCompile(`(?i)proxy|relay|gateway|router|worker|openai|openrouter|api2d|gpt`)

// AnthropicUserAgent mimics the canonical Claude CLI to pass bot detection at
// some relays (spec §4.6 "also injects a protocol-specific User-Agent").
const (
	AnthropicUserAgent = "claude-cli/1.0.0 (external, cli)"
	OpenAIUserAgent    = "OpenAI/NodeJS/4.0.0"
	GeminiUserAgent    = "google-genai-sdk/0.1.0 gl-go/1.24.0"
)

// ResolveAnthropic builds headers for an Anthropic Messages request per the
// hostname-pattern dispatch rule: official hosts get x-api-key, proxy-like
// hosts get Bearer, anything else gets both (belt and suspenders for
// unknown relays).
func ResolveAnthropic(targetURL, apiKey string) (*Headers, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("authresolver: invalid anthropic url: %w", err)
	}
	h := map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": "2023-06-01",
		"User-Agent":        AnthropicUserAgent,
	}
	host := strings.ToLower(u.Hostname())
	isOfficial := strings.HasSuffix(host, "anthropic.com") || strings.HasSuffix(host, "claude.ai")
	isProxyLike := proxyLikeHost.MatchString(host)

	switch {
	case isOfficial:
		h["x-api-key"] = apiKey
	case isProxyLike:
		h["Authorization"] = "Bearer " + apiKey
	default:
		h["x-api-key"] = apiKey
		h["Authorization"] = "Bearer " + apiKey
	}
	return &Headers{Header: h}, nil
}

// ResolveOpenAI builds headers for OpenAI Chat Completions / Responses
// requests — both protocols share the same bearer auth shape.
func ResolveOpenAI(apiKey string) *Headers {
	return &Headers{Header: map[string]string{
		"Authorization": "Bearer " + apiKey,
		"Content-Type":  "application/json",
		"User-Agent":    OpenAIUserAgent,
	}}
}

// ServiceAccountKey is the subset of a Google service-account JSON blob the
// resolver needs to mint an access token.
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// looksLikeServiceAccount reports whether the credential is a JSON blob
// rather than a bare API key string (spec §4.6: "if the key is a JSON
// service-account blob").
func looksLikeServiceAccount(credential string) bool {
	trimmed := strings.TrimSpace(credential)
	return strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, "client_email")
}

// geminiTokenCache caches minted access tokens per service-account
// fingerprint to avoid a token-endpoint round trip on every request; entries
// are keyed by client_email and naturally expire via oauth2.Token.Valid().
type geminiTokenCache struct {
	tokens map[string]*oauth2.Token
}

var cache = &geminiTokenCache{tokens: make(map[string]*oauth2.Token)}

// ResolveGemini builds headers for a Gemini request. If credential is a
// service-account JSON blob it is exchanged for a bearer access token;
// otherwise the bare API key is sent as x-goog-api-key.
func ResolveGemini(ctx context.Context, credential string, logger *zap.Logger) (*Headers, error) {
	if !looksLikeServiceAccount(credential) {
		return &Headers{
			Header: map[string]string{
				"Content-Type": "application/json",
				"User-Agent":   GeminiUserAgent,
				"x-goog-api-key": credential,
			},
			QueryParamRetry: true,
		}, nil
	}

	var key ServiceAccountKey
	if err := json.Unmarshal([]byte(credential), &key); err != nil {
		return nil, fmt.Errorf("authresolver: invalid service account JSON: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("authresolver: service account missing client_email/private_key")
	}
	if key.TokenURI == "" {
		key.TokenURI = "https://oauth2.googleapis.com/token"
	}

	if tok, ok := cache.tokens[key.ClientEmail]; ok && tok.Valid() {
		return &Headers{Header: map[string]string{
			"Content-Type":  "application/json",
			"User-Agent":    GeminiUserAgent,
			"Authorization": "Bearer " + tok.AccessToken,
		}}, nil
	}

	// Structurally validate the assertion claims (issuer/subject/expiry
	// ordering) with golang-jwt before handing the key to oauth2/jwt for the
	// actual signed exchange — catches a malformed service-account blob with
	// a clear error instead of an opaque token-endpoint 400.
	now := time.Now()
	claims := jwtv5.RegisteredClaims{
		Issuer:    key.ClientEmail,
		Subject:   key.ClientEmail,
		Audience:  jwtv5.ClaimStrings{key.TokenURI},
		IssuedAt:  jwtv5.NewNumericDate(now),
		ExpiresAt: jwtv5.NewNumericDate(now.Add(time.Hour)),
	}
	if err := jwtv5.NewValidator(jwtv5.WithIssuedAt()).Validate(claims); err != nil {
		return nil, fmt.Errorf("authresolver: invalid service account assertion claims: %w", err)
	}

	cfg := &xjwt.Config{
		Email:      key.ClientEmail,
		PrivateKey: []byte(key.PrivateKey),
		Scopes:     []string{"https://www.googleapis.com/auth/generative-language"},
		TokenURL:   key.TokenURI,
	}
	tok, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		if logger != nil {
			logger.Warn("gemini service-account token exchange failed", zap.Error(err), zap.String("client_email", key.ClientEmail))
		}
		return nil, fmt.Errorf("authresolver: service account token exchange failed: %w", err)
	}
	cache.tokens[key.ClientEmail] = tok

	return &Headers{Header: map[string]string{
		"Content-Type":  "application/json",
		"User-Agent":    GeminiUserAgent,
		"Authorization": "Bearer " + tok.AccessToken,
	}}, nil
}

// Resolve dispatches to the protocol-specific resolver by target type.
func Resolve(ctx context.Context, target llm.TargetType, targetURL, credential string, logger *zap.Logger) (*Headers, error) {
	switch target {
	case llm.TargetClaude, llm.TargetClaudeAuth:
		return ResolveAnthropic(targetURL, credential)
	case llm.TargetOpenAIChat, llm.TargetOpenAIResponse:
		return ResolveOpenAI(credential), nil
	case llm.TargetGemini:
		return ResolveGemini(ctx, credential, logger)
	default:
		return nil, fmt.Errorf("authresolver: unknown target type %q", target)
	}
}
