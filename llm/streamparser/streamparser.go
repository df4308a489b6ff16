// Package streamparser is C8: the SSE/NDJSON streaming frame parser. The
// raw upstream bytes are forwarded to the client unchanged (the proxy never
// re-serializes a stream, spec §1), but a side-tap buffer sees a copy of
// every frame so the proxy can extract usage totals for C10 without making
// the client wait on that bookkeeping (spec §4.8, design note "producer/
// consumer channel model... bounded/backpressured side-tap").
package streamparser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/coremesh/llmproxy/llm/streaming"
)

// ErrStreamAborted is returned when a DoS bound is exceeded mid-stream; the
// caller (llm/retry) maps it to ErrorKind "stream_parse".
var ErrStreamAborted = errors.New("streamparser: stream aborted (bound exceeded)")

// Format identifies the wire framing of an upstream stream.
type Format int

const (
	FormatSSE Format = iota
	FormatNDJSON
)

// DetectFormat sniffs the response Content-Type (and, failing that, the
// first non-empty line of the body) to decide SSE vs NDJSON framing.
func DetectFormat(contentType string, firstLine string) Format {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/event-stream") {
		return FormatSSE
	}
	if strings.HasPrefix(strings.TrimSpace(firstLine), "data:") {
		return FormatSSE
	}
	return FormatNDJSON
}

// Limits bounds a single stream parse to protect against a misbehaving or
// hostile upstream (spec §4.8 DoS bounds).
type Limits struct {
	MaxChunks      int
	MaxBufferBytes int64
	MaxLinesPerFrame int
}

// Usage is the merged usage/text view the side-tap accumulates across a
// whole stream (spec §4.8 "chunk-merge semantics": concatenate text, keep
// the last non-null usage object seen).
type Usage struct {
	Text         strings.Builder
	LastUsageRaw []byte
	ChunkCount   int
}

// Frame is one decoded SSE/NDJSON payload handed to the usage callback.
type Frame struct {
	Raw  []byte
	Done bool // true for SSE's "data: [DONE]" sentinel
}

// UsageExtractor pulls whatever a protocol family's JSON chunk carries as
// incremental text and usage, so streamparser itself stays protocol-agnostic
// about the chunk schema (callers pass one of the dispatch-family-specific
// extractors built alongside the HTTP handlers).
type UsageExtractor func(frame []byte) (deltaText string, usageRaw []byte, ok bool)

// Parse reads body frame by frame per format, writing every raw chunk to w
// immediately (the client-facing fast path) while feeding a copy through a
// bounded side-tap buffer that a background goroutine drains to build the
// merged Usage. It returns once body is exhausted, ctx is cancelled, or a
// DoS bound is exceeded (ErrStreamAborted).
func Parse(ctx context.Context, w io.Writer, body io.Reader, format Format, limits Limits, extract UsageExtractor) (*Usage, error) {
	if limits.MaxChunks <= 0 {
		limits.MaxChunks = 1000
	}
	if limits.MaxBufferBytes <= 0 {
		limits.MaxBufferBytes = 10 * 1024 * 1024
	}
	if limits.MaxLinesPerFrame <= 0 {
		limits.MaxLinesPerFrame = 10000
	}

	tap := streaming.NewBackpressureStream(streaming.BackpressureConfig{
		BufferSize:    256,
		HighWaterMark: 0.9,
		LowWaterMark:  0.2,
		DropPolicy:    streaming.DropPolicyOldest,
	})
	defer tap.Close()

	usage := &Usage{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			tok, err := tap.Read(ctx)
			if err != nil {
				return
			}
			if tok.Final {
				return
			}
			if extract != nil {
				if delta, usageRaw, ok := extract([]byte(tok.Content)); ok {
					usage.Text.WriteString(delta)
					if len(usageRaw) > 0 {
						usage.LastUsageRaw = usageRaw
					}
				}
			}
		}
	}()

	reader := bufio.NewReaderSize(body, 64*1024)
	var totalBytes int64
	var linesInFrame int
	var frameBuf bytes.Buffer

	flushFrame := func(idx int) error {
		if frameBuf.Len() == 0 {
			return nil
		}
		raw := bytes.TrimPrefix(frameBuf.Bytes(), []byte("data:"))
		raw = bytes.TrimSpace(raw)
		frameBuf.Reset()
		linesInFrame = 0

		if len(raw) == 0 {
			return nil
		}
		if string(raw) == "[DONE]" {
			return nil
		}

		usage.ChunkCount++
		if usage.ChunkCount > limits.MaxChunks {
			return ErrStreamAborted
		}

		_ = tap.Write(ctx, streaming.Token{Content: string(raw), Index: idx})
		return nil
	}

	idx := 0
	for {
		select {
		case <-ctx.Done():
			return usage, ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			totalBytes += int64(len(line))
			if totalBytes > limits.MaxBufferBytes {
				return usage, ErrStreamAborted
			}

			if _, werr := w.Write(line); werr != nil {
				return usage, werr
			}

			trimmed := bytes.TrimRight(line, "\r\n")
			switch format {
			case FormatSSE:
				if len(trimmed) == 0 {
					if ferr := flushFrame(idx); ferr != nil {
						return usage, ferr
					}
					idx++
					continue
				}
				frameBuf.Write(trimmed)
				frameBuf.WriteByte('\n')
				linesInFrame++
				if linesInFrame > limits.MaxLinesPerFrame {
					return usage, ErrStreamAborted
				}
			case FormatNDJSON:
				if len(bytes.TrimSpace(trimmed)) == 0 {
					continue
				}
				frameBuf.Write(trimmed)
				if ferr := flushFrame(idx); ferr != nil {
					return usage, ferr
				}
				idx++
			}
		}

		if err != nil {
			if err == io.EOF {
				if format == FormatSSE {
					_ = flushFrame(idx)
				}
				_ = tap.Write(ctx, streaming.Token{Final: true})
				<-done
				return usage, nil
			}
			return usage, err
		}
	}
}
