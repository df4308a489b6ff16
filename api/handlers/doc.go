// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 AgentFlow 反向代理 HTTP API 的请求处理器实现。

# 概述

handlers 包实现了代理所有 HTTP 端点的请求处理逻辑：四种入口协议
（Anthropic Messages、OpenAI Chat Completions、OpenAI Responses、
Gemini generateContent）的协议保留转发、健康检查，以及统一的响应/
错误处理辅助函数。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - ProxyHandler     — 协议保留的反向代理热路径（认证/选路/转发/重试/计费）
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（Database、Redis 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 协议保留转发：原始请求体与响应体不经过通用结构解码，按目标协议
    透传；流式响应通过 streamparser 做用量的旁路提取
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
