package relay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ellproxy/ellproxy-core/internal/reasoningcache"
	"github.com/stretchr/testify/require"
)

func TestCopyBytesRelaysVerbatim(t *testing.T) {
	src := strings.NewReader("hello world")
	var dst bytes.Buffer
	require.NoError(t, CopyBytes(&dst, src))
	require.Equal(t, "hello world", dst.String())
}

func TestMirrorReasoningDuplicatesIntoContent(t *testing.T) {
	src := strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"because...\"}}]}\n\n" +
			"data: [DONE]\n\n",
	)
	cache := reasoningcache.New(4)
	var dst bytes.Buffer
	require.NoError(t, MirrorReasoning(&dst, src, cache))

	out := dst.String()
	require.Contains(t, out, `"content":"because..."`)
	require.Contains(t, out, `"reasoning_content":"because..."`)

	reasoning, found := cache.Retrieve([]byte("because..."))
	require.True(t, found)
	require.Equal(t, "because...", reasoning)
}

func TestMirrorReasoningPassesThroughPlainContent(t *testing.T) {
	src := strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
			"data: [DONE]\n\n",
	)
	var dst bytes.Buffer
	require.NoError(t, MirrorReasoning(&dst, src, nil))
	require.Contains(t, dst.String(), `"content":"hi"`)
}

func TestMirrorReasoningPassesThroughMalformedJSON(t *testing.T) {
	src := strings.NewReader("data: not-json\n\ndata: [DONE]\n\n")
	var dst bytes.Buffer
	require.NoError(t, MirrorReasoning(&dst, src, nil))
	require.Contains(t, dst.String(), "data: not-json")
}
