// Package relay copies an upstream response body to the client: a
// plain byte pump for ordinary responses, and a reasoning-mirroring
// transformer for thinking-enabled SSE streams that duplicates
// reasoning_content deltas into content deltas and records the
// accumulated reasoning into the ReasoningCache.
package relay

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/ellproxy/ellproxy-core/internal/reasoningcache"
)

// chunkSize matches the spec's 64 KiB byte-copy chunk size.
const chunkSize = 64 * 1024

// CopyBytes relays src to dst verbatim in chunks up to 64 KiB until
// src half-closes (io.EOF) or an error occurs.
func CopyBytes(dst io.Writer, src io.Reader) error {
	buf := make([]byte, chunkSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}

// chunkDelta is the subset of an upstream SSE chunk the mirror cares
// about: per-choice content and reasoning_content deltas.
type chunkDelta struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

const doneSentinel = "[DONE]"

// MirrorReasoning reads raw SSE bytes from src, writes them to dst
// with every reasoning_content delta duplicated into content, and on
// [DONE] stores the accumulated (content, reasoning) pair into cache
// keyed by the final content. Non-data lines and malformed JSON
// payloads pass through unchanged.
func MirrorReasoning(dst io.Writer, src io.Reader, cache *reasoningcache.Cache) error {
	reader := bufio.NewReaderSize(src, chunkSize)
	writer := bufio.NewWriter(dst)
	defer writer.Flush()

	var content, reasoning strings.Builder
	var eventLines []string

	flushEvent := func() error {
		if len(eventLines) == 0 {
			return nil
		}
		defer func() { eventLines = nil }()

		out := make([]string, 0, len(eventLines))
		done := false
		for _, line := range eventLines {
			trimmed := strings.TrimRight(line, "\r")
			if !strings.HasPrefix(trimmed, "data:") {
				out = append(out, line)
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
			if payload == doneSentinel {
				done = true
				out = append(out, line)
				continue
			}
			rewritten, c, r, ok := mirrorPayload(payload)
			if !ok {
				out = append(out, line)
				continue
			}
			content.WriteString(c)
			reasoning.WriteString(r)
			out = append(out, "data: "+rewritten)
		}

		for _, l := range out {
			if _, err := writer.WriteString(l + "\n"); err != nil {
				return err
			}
		}
		if _, err := writer.WriteString("\n"); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}

		if done && cache != nil && reasoning.Len() > 0 {
			cache.Store([]byte(content.String()), reasoning.String())
		}
		return nil
	}

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			trimmed := strings.TrimRight(line, "\n")
			if trimmed == "" {
				if ferr := flushEvent(); ferr != nil {
					return ferr
				}
			} else {
				eventLines = append(eventLines, trimmed)
			}
		}
		if err != nil {
			if err == io.EOF {
				return flushEvent()
			}
			return err
		}
	}
}

// mirrorPayload decodes one data: payload, duplicates a non-empty
// reasoning_content into content, and re-serializes it. ok is false
// when the payload isn't valid JSON, signaling the caller to pass it
// through unmodified.
func mirrorPayload(payload string) (rewritten, content, reasoning string, ok bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return "", "", "", false
	}

	var delta chunkDelta
	if err := json.Unmarshal([]byte(payload), &delta); err != nil {
		return "", "", "", false
	}
	if len(delta.Choices) == 0 {
		out, _ := json.Marshal(raw)
		return string(out), "", "", true
	}

	c := delta.Choices[0].Delta.Content
	r := delta.Choices[0].Delta.ReasoningContent

	if r != "" {
		choices, _ := raw["choices"].([]any)
		if len(choices) > 0 {
			if choice0, ok := choices[0].(map[string]any); ok {
				if d, ok := choice0["delta"].(map[string]any); ok {
					d["content"] = r
				}
			}
		}
		c = r
	}

	out, err := json.Marshal(raw)
	if err != nil {
		return "", "", "", false
	}
	return string(out), c, r, true
}
