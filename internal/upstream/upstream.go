// Package upstream dispatches a single shaped chat request to the
// local upstream, opening a fresh connection per attempt and
// implementing the 404-path-retry and 429-fallback-chain recovery
// rules. It never pools or reuses connections.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ellproxy/ellproxy-core/internal/catalog"
	"github.com/ellproxy/ellproxy-core/internal/notifier"
)

// DefaultAddr is the loopback address the upstream is assumed to
// listen on when the embedding app doesn't override it.
const DefaultAddr = "127.0.0.1:8318"

const betaThinkingValue = "interleaved-thinking-2025-05-14"

// fallbackThinkingBudget is the default thinking budget applied when
// falling back to the thinking-backup model and the body carries no
// thinking object of its own.
const fallbackThinkingBudget = 16000

var excludedHeaders = map[string]bool{
	"Content-Length":    true,
	"Host":              true,
	"Transfer-Encoding": true,
	"Anthropic-Beta":    true,
}

// Dispatcher sends requests to the local upstream over plain HTTP/1.1,
// one connection per attempt, never reusing a connection across
// retries or across requests.
type Dispatcher struct {
	Addr    string
	Client  *http.Client
	Catalog *catalog.Catalog
	Notify  notifier.Sink
}

// New builds a Dispatcher. An empty addr falls back to DefaultAddr; a
// nil sink falls back to notifier.Nop.
func New(addr string, cat *catalog.Catalog, sink notifier.Sink) *Dispatcher {
	if addr == "" {
		addr = DefaultAddr
	}
	if sink == nil {
		sink = notifier.Nop{}
	}
	return &Dispatcher{
		Addr:    addr,
		Catalog: cat,
		Notify:  sink,
		Client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// Request is one shaped inbound request ready to forward upstream.
type Request struct {
	Method          string
	Path            string
	Header          http.Header
	Body            map[string]any
	ThinkingEnabled bool
}

// Result is the final upstream response returned to the caller, after
// any 404/429 recovery has run its course. Retries counts every retry
// attempt that led to this response — both the 404-path retry and any
// 429-fallback-chain retries — so callers can surface it in their own
// observability records.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Retries    int
}

// Do sends req to the upstream, retrying per the path-retry and
// 429-fallback rules, and returns the response that should be relayed
// to the original client. The caller owns Result.Body and must close
// it.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*Result, error) {
	path := req.Path
	pathRetried := false
	retryCount := 0
	totalRetries := 0
	maxRetries := 1
	if req.ThinkingEnabled {
		maxRetries = 2
	}

	for {
		resp, err := d.attempt(ctx, req.Method, path, req.Header, req.Body, req.ThinkingEnabled)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusNotFound && !pathRetried && !isAPIOrV1(path) {
			resp.Body.Close()
			pathRetried = true
			path = "/api" + path
			totalRetries++
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests && retryCount < maxRetries && d.Catalog != nil {
			if d.tryFallback(req, &retryCount) {
				resp.Body.Close()
				totalRetries++
				continue
			}
		}

		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body, Retries: totalRetries}, nil
	}
}

// tryFallback mutates req.Body/model per the 429 fallback chain and
// reports whether a retry should be attempted.
func (d *Dispatcher) tryFallback(req *Request, retryCount *int) bool {
	if req.ThinkingEnabled && *retryCount == 0 {
		if e := d.Catalog.FallbackThinkingEntry(); e != nil {
			req.Body["model"] = e.UpstreamModel
			if _, ok := req.Body["thinking"]; !ok {
				req.Body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": fallbackThinkingBudget}
			}
			*retryCount++
			d.Notify.Notify("Rate Limit! Trying Thinking Backup: " + e.Name)
			return true
		}
	}
	if e := d.Catalog.FallbackEntry(); e != nil {
		req.Body["model"] = e.UpstreamModel
		if !e.SupportsThinking {
			delete(req.Body, "thinking")
		}
		*retryCount++
		d.Notify.Notify("Rate Limit! Switched to Default: " + e.Name)
		return true
	}
	return false
}

func (d *Dispatcher) attempt(ctx context.Context, method, path string, header http.Header, body map[string]any, thinkingEnabled bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: encoding body: %w", err)
	}

	url := "http://" + d.Addr + path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: building request: %w", err)
	}

	for name, values := range header {
		if excludedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Content-Length", fmt.Sprintf("%d", len(payload)))
	httpReq.Host = d.Addr
	httpReq.Close = true

	if beta := header.Get("Anthropic-Beta"); beta != "" || thinkingEnabled {
		httpReq.Header.Set("Anthropic-Beta", mergeBeta(beta, thinkingEnabled))
	}

	resp, err := d.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	return resp, nil
}

// mergeBeta combines a pre-existing anthropic-beta value with the
// interleaved-thinking value when thinking is enabled, comma-separated
// and deduplicated.
func mergeBeta(existing string, thinkingEnabled bool) string {
	seen := make(map[string]bool)
	var parts []string
	for _, p := range strings.Split(existing, ",") {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		parts = append(parts, p)
	}
	if thinkingEnabled && !seen[betaThinkingValue] {
		parts = append(parts, betaThinkingValue)
	}
	return strings.Join(parts, ",")
}

func isAPIOrV1(path string) bool {
	return strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/v1/")
}
