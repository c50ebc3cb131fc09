package upstream

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/ellproxy/ellproxy-core/internal/catalog"
	"github.com/stretchr/testify/require"
)

func decodeJSON(r *http.Request, out any) {
	defer r.Body.Close()
	json.NewDecoder(r.Body).Decode(out)
}

func newCatalogWithFallback(t *testing.T) *catalog.Catalog {
	t.Helper()
	entries := []catalog.ModelEntry{
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Provider: catalog.ProviderClaude, UpstreamModel: "claude-sonnet-4-5", SupportsThinking: true},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: catalog.ProviderGoogle, UpstreamModel: "gemini-2.5-flash", SupportsThinking: false},
	}
	c := catalog.New(entries, nil)
	require.NoError(t, c.SetFallbackModelKey(catalog.NewModelKey(catalog.ProviderGoogle, "gemini-2.5-flash")))
	return c
}
