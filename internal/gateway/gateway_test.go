package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ellproxy/ellproxy-core/internal/bridge"
	"github.com/ellproxy/ellproxy-core/internal/catalog"
	"github.com/ellproxy/ellproxy-core/internal/reasoningcache"
	"github.com/ellproxy/ellproxy-core/internal/telemetry"
	"github.com/ellproxy/ellproxy-core/internal/thinking"
	"github.com/ellproxy/ellproxy-core/internal/upstream"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, upstreamAddr string) *Gateway {
	t.Helper()
	entries := []catalog.ModelEntry{
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: catalog.ProviderGoogle, UpstreamModel: "gemini-2.5-flash"},
	}
	cat := catalog.New(entries, nil)
	require.NoError(t, cat.SetDefaultModelKey(catalog.NewModelKey(catalog.ProviderGoogle, "gemini-2.5-flash")))
	cat.SetRoutingEnabled(false)

	cache := reasoningcache.New(4)
	shaper := thinking.New(cat, nil)
	br := bridge.New(cat, cache)
	dispatcher := upstream.New(upstreamAddr, cat, nil)
	store := telemetry.NewStore()

	return New(cat, cache, shaper, br, dispatcher, store)
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, "127.0.0.1:0")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	g.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChatCompletionsForcesDefaultInPanicMode(t *testing.T) {
	var gotModel string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer upstreamSrv.Close()

	g := newTestGateway(t, upstreamSrv.Listener.Addr().String())

	body := strings.NewReader(`{"model":"claude-opus-4-5","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gemini-2.5-flash", gotModel)
}

func TestAnthropicMessagesNonStreaming(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[{"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}]}`))
	}))
	defer upstreamSrv.Close()

	g := newTestGateway(t, upstreamSrv.Listener.Addr().String())

	body := strings.NewReader(`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "message", resp["type"])
	require.Equal(t, "assistant", resp["role"])
}

func TestManagementPassthroughRewritesPath(t *testing.T) {
	var gotPath string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	g := newTestGateway(t, upstreamSrv.Listener.Addr().String())

	req := httptest.NewRequest(http.MethodGet, "/provider/status", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/api/provider/status", gotPath)
}

func TestCliLoginSubpathIsRouted(t *testing.T) {
	g := newTestGateway(t, "127.0.0.1:0")
	req := httptest.NewRequest(http.MethodGet, "/auth/cli-login/start", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusNotFound, rec.Code)
}
