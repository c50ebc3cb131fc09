package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testEntries() []ModelEntry {
	return []ModelEntry{
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: ProviderClaude, UpstreamModel: "claude-sonnet-4-5", SupportsThinking: true},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: ProviderGoogle, UpstreamModel: "gemini-2.5-flash", SupportsThinking: false},
	}
}

func TestMatchExact(t *testing.T) {
	c := New(testEntries(), nil)
	e := c.Match("gemini-2.5-flash")
	require.NotNil(t, e)
	require.Equal(t, ProviderGoogle, e.Provider)
}

func TestMatchDateSuffix(t *testing.T) {
	c := New(testEntries(), nil)
	e := c.Match("claude-sonnet-4-5-20250929")
	require.NotNil(t, e)
	require.Equal(t, "claude-sonnet-4-5", e.ID)
}

func TestMatchPrefix(t *testing.T) {
	c := New(testEntries(), nil)
	e := c.Match("claude-sonnet-4-5-thinking-2000")
	require.NotNil(t, e)
	require.Equal(t, "claude-sonnet-4-5", e.ID)
}

func TestMatchFallsBackToDefault(t *testing.T) {
	c := New(testEntries(), nil)
	require.NoError(t, c.SetDefaultModelKey(NewModelKey(ProviderGoogle, "gemini-2.5-flash")))
	e := c.Match("totally-unknown-model")
	require.NotNil(t, e)
	require.Equal(t, "gemini-2.5-flash", e.ID)
}

func TestRewritePanicMode(t *testing.T) {
	c := New(testEntries(), nil)
	require.NoError(t, c.SetDefaultModelKey(NewModelKey(ProviderGoogle, "gemini-2.5-flash")))
	c.SetRoutingEnabled(false)

	upstream, routed, reason, entry := c.Rewrite("claude-opus-4-5")
	require.Equal(t, "gemini-2.5-flash", upstream)
	require.True(t, routed)
	require.Equal(t, ReasonForced, reason)
	require.NotNil(t, entry)
	require.Equal(t, "gemini-2.5-flash", entry.ID)
}

func TestRewriteAutoAlias(t *testing.T) {
	c := New(testEntries(), nil)
	require.NoError(t, c.SetDefaultModelKey(NewModelKey(ProviderGoogle, "gemini-2.5-flash")))
	upstream, routed, reason, entry := c.Rewrite("auto")
	require.Equal(t, "gemini-2.5-flash", upstream)
	require.True(t, routed)
	require.Equal(t, ReasonAutoAlias, reason)
	require.NotNil(t, entry)
	require.Equal(t, "gemini-2.5-flash", entry.ID)
}

func TestRewriteUnchangedWhenNoMatchAndNotAuto(t *testing.T) {
	c := New(testEntries(), nil)
	upstream, routed, reason, entry := c.Rewrite("some-custom-model")
	require.Equal(t, "some-custom-model", upstream)
	require.False(t, routed)
	require.Equal(t, ReasonUnchanged, reason)
	require.Nil(t, entry)
}

func TestDeleteEntryResetsDefault(t *testing.T) {
	c := New(testEntries(), nil)
	require.NoError(t, c.SetDefaultModelKey(NewModelKey(ProviderClaude, "claude-sonnet-4-5")))
	c.DeleteEntry(NewModelKey(ProviderClaude, "claude-sonnet-4-5"))
	d := c.DefaultEntry()
	require.NotNil(t, d)
	require.Equal(t, "gemini-2.5-flash", d.ID)
}

func TestSetThinkingKeyRejectsNonThinkingModel(t *testing.T) {
	c := New(testEntries(), nil)
	err := c.SetDefaultThinkingModelKey(NewModelKey(ProviderGoogle, "gemini-2.5-flash"))
	require.Error(t, err)
}

func TestRecentKeysDeduped(t *testing.T) {
	c := New(testEntries(), nil)
	require.NoError(t, c.SetDefaultModelKey(NewModelKey(ProviderGoogle, "gemini-2.5-flash")))
	for i := 0; i < 10; i++ {
		c.Rewrite("gemini-2.5-flash")
	}
	require.Len(t, c.RecentKeys(), 1)
}
