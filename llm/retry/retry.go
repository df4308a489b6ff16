// Package retry is C9: the error classifier and retry driver. Every
// dispatch failure is mapped to one entry of a closed ErrorKind enum instead
// of the teacher's substring matching on error text, and only the
// enumerated retryable kinds trigger another attempt against the next
// candidate provider (spec §4.9).
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/coremesh/llmproxy/llm"
)

// ErrorKind is the closed classification of a dispatch failure (spec §2a).
type ErrorKind string

const (
	KindClientAborted ErrorKind = "client_aborted"
	KindTimeout       ErrorKind = "timeout"
	KindSSL           ErrorKind = "ssl"
	KindNetwork       ErrorKind = "network"
	KindUpstream5xx   ErrorKind = "upstream_5xx"
	KindRateLimit     ErrorKind = "rate_limit"
	KindAuth          ErrorKind = "auth"
	KindBadRequest    ErrorKind = "bad_request"
	KindOther4xx      ErrorKind = "other_4xx"
	KindStreamParse   ErrorKind = "stream_parse"
)

// ErrStreamAborted is returned by the streaming parser when it gives up on a
// malformed or over-bound stream (see llm/streamparser); retry treats it as
// KindStreamParse.
var ErrStreamAborted = errors.New("retry: stream aborted")

// retryable is the set of kinds the retry loop will act on; everything else
// is either a definitive client error or something retrying cannot fix.
var retryable = map[ErrorKind]bool{
	KindTimeout:     true,
	KindNetwork:     true,
	KindSSL:         true,
	KindUpstream5xx: true,
	KindRateLimit:   true,
}

// IsRetryable reports whether kind should trigger another candidate attempt.
func IsRetryable(kind ErrorKind) bool { return retryable[kind] }

// Classify maps a dispatch error and/or observed HTTP status to an
// ErrorKind. statusCode is 0 when no response was ever received.
func Classify(ctx context.Context, err error, statusCode int) ErrorKind {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return KindClientAborted
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return KindTimeout
		}
		if errors.Is(err, ErrStreamAborted) {
			return KindStreamParse
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return KindTimeout
		}

		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "tls") || strings.Contains(msg, "x509") || strings.Contains(msg, "certificate"):
			return KindSSL
		case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "no such host") || strings.Contains(msg, "eof") || strings.Contains(msg, "broken pipe"):
			return KindNetwork
		}

		if ctx.Err() == context.Canceled {
			return KindClientAborted
		}
		return KindNetwork
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusBadRequest:
		return KindBadRequest
	case statusCode >= 500:
		return KindUpstream5xx
	case statusCode >= 400:
		return KindOther4xx
	default:
		return KindOther4xx
	}
}

// MaxAttempts computes the number of dispatch attempts allowed for a request
// given the selected provider's own configured ceiling and how many
// candidates actually exist (spec §4.9: min(provider.maxRetryAttempts||N,
// |candidates|)).
func MaxAttempts(providerMaxRetryAttempts, fallbackN, candidateCount int) int {
	max := providerMaxRetryAttempts
	if max <= 0 {
		max = fallbackN
	}
	if candidateCount < max {
		max = candidateCount
	}
	if max <= 0 {
		max = 1
	}
	return max
}

// ChainReasonFor maps an attempt outcome to the closed ChainReason set
// recorded in the usage log's provider_chain (spec §3).
func ChainReasonFor(attemptIndex int, kind ErrorKind, success bool) llm.ChainReason {
	switch {
	case success && attemptIndex == 0:
		return llm.ChainRequestSuccess
	case success:
		return llm.ChainRetrySuccess
	case kind == KindBadRequest || kind == KindOther4xx:
		return llm.ChainClientErrorNonRetryable
	case IsRetryable(kind):
		return llm.ChainRetryFailed
	default:
		return llm.ChainSystemError
	}
}
