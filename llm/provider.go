// Package llm holds the proxy's domain model and the component packages that
// operate on it. The proxy is protocol-preserving, not provider-agnostic: it
// never decodes an inbound request into a common ChatRequest shape, so this
// package deliberately does not define one. Each ingress family (Anthropic
// Messages, OpenAI Chat Completions, OpenAI Responses, Gemini generateContent)
// keeps its own wire representation end to end; see llm/dispatcher and
// llm/streamparser for the protocol-specific request/response handling, and
// llm/authresolver for protocol-specific auth header construction.
package llm
