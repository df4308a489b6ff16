// Package dispatcher is C7: the proxy-aware HTTP dispatch layer. It builds
// an *http.Client per provider honoring an optional egress proxy
// (http/https/socks4/socks5), enforces the provider's first-byte / idle /
// non-streaming timeouts, and falls back to a direct connection when the
// configured proxy looks like it is being intercepted by Cloudflare
// (spec §4.7).
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/coremesh/llmproxy/llm"
	"github.com/coremesh/llmproxy/llm/authresolver"
)

// cloudflareStatuses is the gateway-status set that, combined with a
// Cloudflare header fingerprint, triggers a same-request direct fallback
// (spec §4.7).
var cloudflareStatuses = map[int]bool{
	502: true, 504: true,
	520: true, 521: true, 522: true, 523: true, 524: true, 525: true, 526: true, 527: true, 530: true,
}

// Dispatcher builds and caches per-provider HTTP clients and performs one
// dispatch attempt.
type Dispatcher struct {
	mu      sync.Mutex
	clients map[uint]*providerClients

	logger *zap.Logger
}

type providerClients struct {
	viaProxy *http.Client
	direct   *http.Client
}

// New builds an empty Dispatcher; clients are built lazily per provider and
// cached for the process lifetime (a provider's ProxyURL rarely changes
// without a full config reload, which restarts the process).
func New(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{clients: make(map[uint]*providerClients), logger: logger.With(zap.String("component", "dispatcher"))}
}

func (d *Dispatcher) clientsFor(p *llm.Provider) (*providerClients, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[p.ID]; ok {
		return c, nil
	}

	direct := &http.Client{Transport: &http.Transport{}}
	c := &providerClients{direct: direct}

	if p.ProxyURL != "" {
		transport, err := transportForProxy(p.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: provider %d proxy config invalid: %w", p.ID, err)
		}
		c.viaProxy = &http.Client{Transport: transport}
	}

	d.clients[p.ID] = c
	return c, nil
}

// transportForProxy builds an *http.Transport that dials through the given
// proxy URL, supporting http, https, socks4 and socks5 schemes.
func transportForProxy(rawURL string) (*http.Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(u)}, nil
	case "socks4", "socks5":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks dialer: %w", err)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if d, ok := dialer.(proxy.ContextDialer); ok {
					return d.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// Plan is everything Dispatch needs for one attempt, assembled by the
// caller from the selected provider, the resolved target URL, and the
// request body to forward unchanged (protocol-preserving — spec §1).
type Plan struct {
	Provider    *llm.Provider
	Target      llm.TargetType
	Method      string
	URL         string
	Body        io.Reader
	Credential  string
	Streaming   bool
}

// looksLikeCloudflare reports whether resp carries a Cloudflare fingerprint.
func looksLikeCloudflare(resp *http.Response) bool {
	if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" {
		return true
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("server")), "cloudflare") {
		return true
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("via")), "cloudflare") {
		return true
	}
	return false
}

// Dispatch performs one upstream attempt, trying the provider's configured
// proxy first (if any) and falling back to a direct connection when the
// proxy response looks like a Cloudflare interception and the provider
// opted into fallback (spec §4.7). The returned response's Body, on
// success, is wrapped to enforce an idle-read timeout for streaming calls.
func (d *Dispatcher) Dispatch(ctx context.Context, plan Plan) (*http.Response, error) {
	clients, err := d.clientsFor(plan.Provider)
	if err != nil {
		return nil, err
	}

	headers, err := authresolver.Resolve(ctx, plan.Target, plan.URL, plan.Credential, d.logger)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(plan.Provider.RequestTimeoutNonStreamingMs) * time.Millisecond
	if plan.Streaming {
		timeout = time.Duration(plan.Provider.FirstByteTimeoutStreamingMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	attemptClient := clients.direct
	if clients.viaProxy != nil {
		attemptClient = clients.viaProxy
	}

	resp, err := d.doOnce(ctx, attemptClient, plan, headers.Header, timeout)
	if err == nil && clients.viaProxy != nil && plan.Provider.ProxyFallbackToDirect &&
		cloudflareStatuses[resp.StatusCode] && looksLikeCloudflare(resp) {
		d.logger.Warn("cloudflare interception detected on proxied dispatch, falling back to direct",
			zap.Uint("provider_id", plan.Provider.ID), zap.Int("status", resp.StatusCode))
		resp.Body.Close()
		resp, err = d.doOnce(ctx, clients.direct, plan, headers.Header, timeout)
	}
	if err != nil {
		return nil, err
	}

	if headers.QueryParamRetry && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		resp.Body.Close()
		retryURL := plan.URL
		sep := "?"
		if strings.Contains(retryURL, "?") {
			sep = "&"
		}
		retryPlan := plan
		retryPlan.URL = retryURL + sep + "key=" + url.QueryEscape(plan.Credential)
		h2 := map[string]string{}
		for k, v := range headers.Header {
			if k != "x-goog-api-key" {
				h2[k] = v
			}
		}
		resp, err = d.doOnce(ctx, attemptClient, retryPlan, h2, timeout)
		if err != nil {
			return nil, err
		}
	}

	if plan.Streaming {
		idle := time.Duration(plan.Provider.StreamingIdleTimeoutMs) * time.Millisecond
		if idle <= 0 {
			idle = 30 * time.Second
		}
		resp.Body = newIdleTimeoutReadCloser(resp.Body, idle)
	}

	return resp, nil
}

func (d *Dispatcher) doOnce(ctx context.Context, client *http.Client, plan Plan, headers map[string]string, timeout time.Duration) (*http.Response, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if !plan.Streaming {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		// cancel is intentionally not deferred here: it only bounds time
		// to first byte. Once headers arrive it is released so the idle
		// reader, not this deadline, governs the rest of the body.
		_ = cancel
	}

	req, err := http.NewRequestWithContext(reqCtx, plan.Method, plan.URL, plan.Body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if plan.Streaming && cancel != nil {
		cancel()
	}
	return resp, err
}

// idleTimeoutReadCloser closes the underlying body if no Read call
// completes within timeout of the previous one (spec §4.7 streamingIdleTimeoutMs).
type idleTimeoutReadCloser struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	once    sync.Once
}

func newIdleTimeoutReadCloser(rc io.ReadCloser, timeout time.Duration) io.ReadCloser {
	w := &idleTimeoutReadCloser{rc: rc, timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() { rc.Close() })
	return w
}

func (w *idleTimeoutReadCloser) Read(p []byte) (int, error) {
	n, err := w.rc.Read(p)
	w.timer.Reset(w.timeout)
	return n, err
}

func (w *idleTimeoutReadCloser) Close() error {
	var err error
	w.once.Do(func() {
		w.timer.Stop()
		err = w.rc.Close()
	})
	return err
}

// ErrNoProxyConfigured is returned by callers that require a proxy but the
// provider has none set; kept here since it is a dispatcher-domain concern.
var ErrNoProxyConfigured = errors.New("dispatcher: provider has no proxy configured")
