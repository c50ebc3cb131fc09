// Package gateway binds the listener and request router: it decides,
// per inbound path, whether a request goes through the AnthropicBridge
// or the plain ThinkingShaper+Normalizer+Dispatcher+Relay chain, or is
// rewritten and passed through to a second upstream dialect.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/ellproxy/ellproxy-core/internal/apierr"
	"github.com/ellproxy/ellproxy-core/internal/bridge"
	"github.com/ellproxy/ellproxy-core/internal/catalog"
	"github.com/ellproxy/ellproxy-core/internal/normalize"
	"github.com/ellproxy/ellproxy-core/internal/reasoningcache"
	"github.com/ellproxy/ellproxy-core/internal/relay"
	"github.com/ellproxy/ellproxy-core/internal/telemetry"
	"github.com/ellproxy/ellproxy-core/internal/thinking"
	"github.com/ellproxy/ellproxy-core/internal/upstream"
	"github.com/ellproxy/ellproxy-core/internal/wire"
)

// passthroughPrefixes is the conservative allow-list of non-chat paths
// that get rewritten to "/api" + path before dispatch. The source's
// own rule for this is heuristic; keeping the list short and explicit
// means an unrecognized path is left alone rather than silently
// mis-rewritten.
var passthroughPrefixes = []string{
	"/auth/cli-login",
	"/provider/",
}

// DefaultListenAddr is the loopback address the gateway binds by
// default.
const DefaultListenAddr = "127.0.0.1:8317"

// managementRateLimit caps requests to the rewritten passthrough paths,
// which are not part of the chat hot path and don't need the same
// throughput.
const managementRateLimit = 5 // requests/sec
const managementBurst = 10

// Gateway owns the router and the shared, request-path-visible state:
// the catalog, the reasoning cache, and the upstream dispatcher.
type Gateway struct {
	Catalog    *catalog.Catalog
	Cache      *reasoningcache.Cache
	Shaper     *thinking.Shaper
	Bridge     *bridge.Bridge
	Dispatcher *upstream.Dispatcher
	Telemetry  *telemetry.Store

	router chi.Router
}

// New wires a Gateway from its component parts and builds the route
// table described in the external-interfaces contract.
func New(cat *catalog.Catalog, cache *reasoningcache.Cache, shaper *thinking.Shaper, br *bridge.Bridge, dispatcher *upstream.Dispatcher, store *telemetry.Store) *Gateway {
	g := &Gateway{
		Catalog:    cat,
		Cache:      cache,
		Shaper:     shaper,
		Bridge:     br,
		Dispatcher: dispatcher,
		Telemetry:  store,
	}
	g.router = g.buildRouter()
	return g
}

// Handler returns the gateway's http.Handler.
func (g *Gateway) Handler() http.Handler { return g.router }

func (g *Gateway) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.Recoverer)

	r.Get("/health", g.handleHealth)

	r.Post("/v1/messages", g.handleAnthropicMessages)
	r.Post("/v1/chat/completions", g.handleChatCompletions)
	r.Get("/v1/models", g.handlePassthrough("/v1/models"))

	limiter := rate.NewLimiter(rate.Limit(managementRateLimit), managementBurst)
	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(limiter))
		r.HandleFunc("/auth/cli-login", g.handleManagementPassthrough)
		r.HandleFunc("/auth/cli-login/*", g.handleManagementPassthrough)
		r.HandleFunc("/provider/*", g.handleManagementPassthrough)
	})

	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleChatCompletions runs the plain OpenAI-dialect path: shape,
// normalize, dispatch, relay.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, err := wire.FromHTTPRequest(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	body, err := ctx.RequireJSON()
	if err != nil {
		apierr.Write(w, err)
		return
	}

	requestedModel, _ := body["model"].(string)
	thinkingEnabled := g.Shaper.Shape(body, ctx.IsSyncProbe())
	normalize.Body(body)

	result, err := g.Dispatcher.Do(r.Context(), &upstream.Request{
		Method:          r.Method,
		Path:            r.URL.Path,
		Header:          r.Header,
		Body:            body,
		ThinkingEnabled: thinkingEnabled,
	})
	g.finishDispatch(w, r, result, err, start, requestedModel, body, thinkingEnabled)
}

func (g *Gateway) finishDispatch(w http.ResponseWriter, r *http.Request, result *upstream.Result, err error, start time.Time, requestedModel string, body map[string]any, thinkingEnabled bool) {
	rec := telemetry.Record{
		Timestamp:       start,
		Path:            r.URL.Path,
		RequestedModel:  requestedModel,
		ThinkingEnabled: thinkingEnabled,
		ThinkingBudget:  thinkingBudget(body),
	}
	if upstreamModel, ok := body["model"].(string); ok {
		rec.UpstreamModel = upstreamModel
	}

	if err != nil {
		rec.Error = err.Error()
		rec.LatencyMs = time.Since(start).Milliseconds()
		if g.Telemetry != nil {
			g.Telemetry.Record(rec)
		}
		apierr.Write(w, apierr.New(apierr.UpstreamUnreachable, err.Error()))
		return
	}
	defer result.Body.Close()

	rec.StatusCode = result.StatusCode
	rec.Retries = result.Retries
	rec.LatencyMs = time.Since(start).Milliseconds()
	if g.Telemetry != nil {
		g.Telemetry.Record(rec)
	}

	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.StatusCode)

	if thinkingEnabled && isSSE(result.Header) {
		relay.MirrorReasoning(w, result.Body, g.Cache)
		return
	}
	relay.CopyBytes(w, result.Body)
}

// handleAnthropicMessages runs the Anthropic-dialect path: translate
// request, shape, dispatch, translate response (streaming or not).
func (g *Gateway) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, err := wire.FromHTTPRequest(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	var anthReq bridge.AnthropicRequest
	if err := decodeStrict(ctx.RawBody, &anthReq); err != nil {
		apierr.Write(w, apierr.New(apierr.BadRequest, "invalid Anthropic request: "+err.Error()))
		return
	}

	openaiReq := g.Bridge.ToOpenAI(&anthReq)
	body := toMap(openaiReq)
	thinkingEnabled := g.Shaper.Shape(body, ctx.IsSyncProbe())
	normalize.Body(body)

	outboundHeader := r.Header.Clone()
	req := &upstream.Request{
		Method:          http.MethodPost,
		Path:            "/v1/chat/completions",
		Header:          outboundHeader,
		Body:            body,
		ThinkingEnabled: thinkingEnabled,
	}

	result, err := g.Dispatcher.Do(r.Context(), req)
	if err != nil {
		if g.Telemetry != nil {
			g.Telemetry.Record(telemetry.Record{
				Timestamp:       start,
				Path:            r.URL.Path,
				RequestedModel:  anthReq.Model,
				UpstreamModel:   openaiReq.Model,
				ThinkingEnabled: thinkingEnabled,
				ThinkingBudget:  thinkingBudget(body),
				Error:           err.Error(),
				LatencyMs:       time.Since(start).Milliseconds(),
			})
		}
		apierr.Write(w, apierr.New(apierr.UpstreamUnreachable, err.Error()))
		return
	}
	defer result.Body.Close()

	if g.Telemetry != nil {
		g.Telemetry.Record(telemetry.Record{
			Timestamp:       start,
			Path:            r.URL.Path,
			RequestedModel:  anthReq.Model,
			UpstreamModel:   openaiReq.Model,
			ThinkingEnabled: thinkingEnabled,
			ThinkingBudget:  thinkingBudget(body),
			Retries:         result.Retries,
			StatusCode:      result.StatusCode,
			LatencyMs:       time.Since(start).Milliseconds(),
		})
	}

	if result.StatusCode != http.StatusOK {
		for k, vs := range result.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(result.StatusCode)
		relay.CopyBytes(w, result.Body)
		return
	}

	if anthReq.Stream {
		g.streamAnthropicResponse(w, result, openaiReq.Model)
		return
	}
	g.writeAnthropicResponse(w, result, openaiReq.Model)
}

func (g *Gateway) writeAnthropicResponse(w http.ResponseWriter, result *upstream.Result, model string) {
	var chatResp bridge.ChatCompletionResponse
	if err := decodeStrict(readAll(result.Body), &chatResp); err != nil {
		apierr.Write(w, apierr.New(apierr.InternalSerialization, "could not parse upstream response: "+err.Error()))
		return
	}
	anthResp := bridge.ToAnthropic(&chatResp, model)
	writeJSON(w, http.StatusOK, anthResp)
}

func (g *Gateway) streamAnthropicResponse(w http.ResponseWriter, result *upstream.Result, model string) {
	flusher, ok := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	state := bridge.NewStreamState()
	bw := bufio.NewWriter(w)
	for _, ev := range state.Start(model) {
		bridge.WriteSSE(bw, ev)
	}
	if ok {
		flusher.Flush()
	}

	scanner := &bridge.SSEScanner{}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := result.Body.Read(buf)
		if n > 0 {
			payloads, done := scanner.Feed(buf[:n])
			for _, p := range payloads {
				var chunk bridge.ChatCompletionChunk
				if jsonErr := decodeStrict([]byte(p), &chunk); jsonErr == nil {
					for _, ev := range state.TranslateChunk(&chunk) {
						bridge.WriteSSE(bw, ev)
					}
				}
			}
			if ok {
				flusher.Flush()
			}
			if done {
				break
			}
		}
		if rerr != nil {
			break
		}
	}
	for _, ev := range state.Stop() {
		bridge.WriteSSE(bw, ev)
	}
	if ok {
		flusher.Flush()
	}
}

func (g *Gateway) handlePassthrough(targetPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := g.Dispatcher.Do(r.Context(), &upstream.Request{
			Method: r.Method,
			Path:   targetPath,
			Header: r.Header,
			Body:   map[string]any{},
		})
		if err != nil {
			apierr.Write(w, apierr.New(apierr.UpstreamUnreachable, err.Error()))
			return
		}
		defer result.Body.Close()
		for k, vs := range result.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(result.StatusCode)
		relay.CopyBytes(w, result.Body)
	}
}

// handleManagementPassthrough implements the "/auth/cli-login" and
// "/provider/" rewrite: the request is forwarded to "/api" + path,
// opaque to everything above the dispatcher.
func (g *Gateway) handleManagementPassthrough(w http.ResponseWriter, r *http.Request) {
	if !isPassthroughPath(r.URL.Path) {
		apierr.Write(w, apierr.New(apierr.BadRequest, "unrecognized path"))
		return
	}
	ctx, err := wire.FromHTTPRequest(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	result, err := g.Dispatcher.Do(r.Context(), &upstream.Request{
		Method: r.Method,
		Path:   "/api" + r.URL.Path,
		Header: r.Header,
		Body:   ctx.JSONBody,
	})
	if err != nil {
		apierr.Write(w, apierr.New(apierr.UpstreamUnreachable, err.Error()))
		return
	}
	defer result.Body.Close()
	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.StatusCode)
	relay.CopyBytes(w, result.Body)
}

func isPassthroughPath(path string) bool {
	for _, prefix := range passthroughPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// thinkingBudget reads the budget_tokens the shaping step settled on
// out of body, if a thinking object is present, so it can be recorded
// alongside the rest of a request's telemetry.
func thinkingBudget(body map[string]any) int {
	th, ok := body["thinking"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := th["budget_tokens"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func isSSE(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "text/event-stream")
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				apierr.Write(w, apierr.New(apierr.RateLimited, "management path rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}

func decodeStrict(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// toMap round-trips v through JSON to get the generic map
// representation that thinking.Shaper and normalize.Body operate on.
func toMap(v any) map[string]any {
	data, _ := json.Marshal(v)
	var m map[string]any
	json.Unmarshal(data, &m)
	return m
}

func readAll(r io.Reader) []byte {
	data, _ := io.ReadAll(r)
	return data
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the gateway's HTTP/1.1 listener. There is no
// keep-alive, no pipelining, and no connection pooling: every request
// gets one goroutine and the upstream connection it opens is closed
// when the request completes.
func ListenAndServe(ctx context.Context, addr string, g *Gateway) error {
	if addr == "" {
		addr = DefaultListenAddr
	}
	srv := &http.Server{
		Addr:        addr,
		Handler:     g.Handler(),
		IdleTimeout: 120 * time.Second,
	}
	srv.SetKeepAlivesEnabled(false)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	slog.Info("gateway listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return fmt.Errorf("gateway: %w", err)
}
