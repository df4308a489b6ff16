// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package llm holds the proxy's domain model and the Provider interface that
protocol packages (providers/anthropic, providers/gemini,
llm/providers/openai, llm/providers/openaicompat) implement against.

# Data model

Provider, Key, User, ModelPrice and UsageLog are GORM models (models.go)
backing the provider registry (C1), selector (C5) and usage recorder (C10).
Table names follow the sc_llm_* convention: sc_llm_providers, sc_llm_keys,
sc_llm_users, sc_llm_model_prices, sc_llm_usage_logs.

# Provider interface

	type Provider interface {
	    Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	    Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	    HealthCheck(ctx context.Context) (*HealthStatus, error)
	    Name() string
	    SupportsNativeFunctionCalling() bool
	}

# Subpackages

  - llm/circuitbreaker: per-provider CLOSED/OPEN/HALF_OPEN state machine
  - llm/streaming: backpressure-aware stream passthrough and side-tap
  - llm/observability: cost calculation and usage tracking
  - llm/providers: protocol-specific HTTP clients (openai, openaicompat)
  - providers/anthropic, providers/gemini: protocol-specific HTTP clients
*/
package llm
