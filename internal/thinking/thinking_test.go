package thinking

import (
	"testing"

	"github.com/ellproxy/ellproxy-core/internal/catalog"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	entries := []catalog.ModelEntry{
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: catalog.ProviderGoogle, UpstreamModel: "gemini-2.5-flash", SupportsThinking: false},
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: catalog.ProviderClaude, UpstreamModel: "claude-sonnet-4-5", SupportsThinking: true},
	}
	c := catalog.New(entries, nil)
	require.NoError(t, c.SetDefaultModelKey(catalog.NewModelKey(catalog.ProviderGoogle, "gemini-2.5-flash")))
	require.NoError(t, c.SetDefaultThinkingModelKey(catalog.NewModelKey(catalog.ProviderClaude, "claude-sonnet-4-5")))
	return c
}

func TestSyncProbeBypassesRouting(t *testing.T) {
	c := newTestCatalog(t)
	c.SetRoutingEnabled(false)
	s := New(c, nil)
	body := map[string]any{"model": "claude-opus-4-5"}
	thinkingEnabled := s.Shape(body, true)
	require.False(t, thinkingEnabled)
	require.Equal(t, "claude-opus-4-5", body["model"])
}

func TestAliasDefaultExpansion(t *testing.T) {
	c := newTestCatalog(t)
	s := New(c, nil)
	body := map[string]any{"model": "ellproxy-default"}
	s.Shape(body, false)
	require.Equal(t, "gemini-2.5-flash", body["model"])
}

func TestAliasThinkingExpansion(t *testing.T) {
	c := newTestCatalog(t)
	s := New(c, nil)
	body := map[string]any{"model": "ellproxy-thinking", "messages": []any{}}
	thinkingEnabled := s.Shape(body, false)
	require.True(t, thinkingEnabled)
	require.Equal(t, "claude-sonnet-4-5", body["model"])
	thinking, ok := body["thinking"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 16000, thinking["budget_tokens"])
	maxTokens, ok := body["max_tokens"].(int)
	require.True(t, ok)
	require.GreaterOrEqual(t, maxTokens, 17024)
}

func TestPureClaudeGetsThinkingInjected(t *testing.T) {
	c := newTestCatalog(t)
	c.SetReasoningLevel(catalog.ReasoningHigh)
	s := New(c, nil)
	body := map[string]any{"model": "claude-sonnet-4-5"}
	thinkingEnabled := s.Shape(body, false)
	require.True(t, thinkingEnabled)
	thinking := body["thinking"].(map[string]any)
	require.Equal(t, 32000, thinking["budget_tokens"])
	maxTokens := body["max_tokens"].(int)
	require.Greater(t, maxTokens, 32000)
	require.LessOrEqual(t, maxTokens, 33024)
}

func TestExplicitSuffixBudget(t *testing.T) {
	c := newTestCatalog(t)
	s := New(c, nil)
	body := map[string]any{"model": "claude-sonnet-4-5-thinking-2000"}
	thinkingEnabled := s.Shape(body, false)
	require.True(t, thinkingEnabled)
	require.Equal(t, "claude-sonnet-4-5", body["model"])
	thinking := body["thinking"].(map[string]any)
	require.Equal(t, 2000, thinking["budget_tokens"])
	maxTokens := body["max_tokens"].(int)
	require.GreaterOrEqual(t, maxTokens, 2000+1024)
}

func TestExplicitSuffixInvalidNStripsWithoutThinking(t *testing.T) {
	c := newTestCatalog(t)
	s := New(c, nil)
	body := map[string]any{"model": "claude-sonnet-4-5-thinking-0"}
	thinkingEnabled := s.Shape(body, false)
	require.False(t, thinkingEnabled)
	require.Equal(t, "claude-sonnet-4-5", body["model"])
	_, has := body["thinking"]
	require.False(t, has)
}

func TestCapabilityReconciliationFallsBackToThinkingModel(t *testing.T) {
	c := newTestCatalog(t)
	s := New(c, nil)
	body := map[string]any{
		"model":    "gemini-2.5-flash",
		"thinking": map[string]any{"type": "enabled", "budget_tokens": 4096},
	}
	s.Shape(body, false)
	require.Equal(t, "claude-sonnet-4-5", body["model"])
}

func TestCapabilityReconciliationDropsThinkingWhenNoFallback(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.SetDefaultThinkingModelKey(catalog.ModelKey("")))
	s := New(c, nil)
	body := map[string]any{
		"model":    "gemini-2.5-flash",
		"thinking": map[string]any{"type": "enabled", "budget_tokens": 4096},
	}
	s.Shape(body, false)
	require.Equal(t, "gemini-2.5-flash", body["model"])
	_, has := body["thinking"]
	require.False(t, has)
}

// TestReconciliationUsesMatchedEntryNotRewrittenUpstream guards against
// reconcileCapability re-deriving "the matched entry" by calling
// Catalog.Match against the already-rewritten upstream model string.
// id and upstream_model are independent fields, so an entry whose
// upstream_model doesn't share an id-prefix (here "models/gemini-2.5-
// flash-latest" vs id "gemini-flash") would look unmatched if
// re-matched on the rewritten string, incorrectly falling back to the
// catalog's unrelated default and discarding a supported thinking
// request.
func TestReconciliationUsesMatchedEntryNotRewrittenUpstream(t *testing.T) {
	entries := []catalog.ModelEntry{
		{ID: "gemini-flash", Name: "Gemini Flash", Provider: catalog.ProviderGoogle, UpstreamModel: "models/gemini-2.5-flash-latest", SupportsThinking: true},
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: catalog.ProviderClaude, UpstreamModel: "claude-sonnet-4-5", SupportsThinking: false},
	}
	c := catalog.New(entries, nil)
	require.NoError(t, c.SetDefaultModelKey(catalog.NewModelKey(catalog.ProviderClaude, "claude-sonnet-4-5")))
	s := New(c, nil)

	body := map[string]any{
		"model":    "gemini-flash",
		"thinking": map[string]any{"type": "enabled", "budget_tokens": 4096},
	}
	s.Shape(body, false)

	require.Equal(t, "models/gemini-2.5-flash-latest", body["model"])
	_, hasThinking := body["thinking"]
	require.True(t, hasThinking, "thinking must be preserved: the matched entry supports it")
}

func TestRequiredMaxTokensNeverExceedsHardCap(t *testing.T) {
	require.LessOrEqual(t, RequiredMaxTokens(32000), 33024)
	require.Greater(t, RequiredMaxTokens(32000), 32000)
}

func TestExistingMaxTokensPreservedWhenAboveBudget(t *testing.T) {
	c := newTestCatalog(t)
	s := New(c, nil)
	body := map[string]any{"model": "claude-sonnet-4-5", "max_tokens": 50000}
	s.Shape(body, false)
	require.Equal(t, 50000, body["max_tokens"])
}
